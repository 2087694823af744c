// Package resilience provides the failure-isolation primitives placed
// between voicebridge and its flaky dependencies.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). The store layer wraps every durable-engine
// call in one so a dead Postgres stops costing a network timeout per
// request; while the breaker is open the in-memory fallback carries the
// traffic, and probe calls decide when the primary is trusted again.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] instead of running
// the call while the breaker is open or the half-open probe budget is spent.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call and counts consecutive failures.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has elapsed.
	StateOpen

	// StateHalfOpen forwards a bounded number of probe calls. One failed
	// probe re-opens the breaker; a full budget of clean probes closes it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is how many consecutive failures trip a closed breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before admitting
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker is a classic three-state breaker around an unreliable call.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	probes   int       // probes admitted this half-open round
	probeOKs int       // admitted probes that came back clean
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. The error from fn is
// returned unchanged; rejected calls return [ErrCircuitOpen] without running
// fn.
func (b *CircuitBreaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(err == nil, probe)
	return err
}

// admit decides whether a call may proceed and whether it counts against the
// half-open probe budget.
func (b *CircuitBreaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOKs = 0
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough

	case StateHalfOpen:
		if b.probes >= b.probeBudget {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil

	default:
		return false, nil
	}
}

// settle records the outcome of an admitted call.
func (b *CircuitBreaker) settle(ok, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case probe && ok:
		b.probeOKs++
		if b.probeOKs >= b.probeBudget {
			b.state = StateClosed
			b.failures = 0
			slog.Info("circuit breaker closed", "name", b.name, "probes", b.probeOKs)
		}

	case probe:
		b.trip("failed probe")

	case ok:
		b.failures = 0

	default:
		b.failures++
		if b.failures >= b.maxFailures && b.state == StateClosed {
			b.trip("consecutive failures")
		}
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *CircuitBreaker) trip(cause string) {
	b.state = StateOpen
	b.openedAt = time.Now()
	slog.Warn("circuit breaker opened",
		"name", b.name, "cause", cause, "failures", b.failures)
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed is reported as half-open; the stored state changes on
// the next [CircuitBreaker.Execute].
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeOKs = 0
	slog.Info("circuit breaker reset", "name", b.name)
}
