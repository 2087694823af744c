package store

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"
)

// Breaker guards calls to the primary backend so that a dead engine is
// probed lazily instead of stalling every operation. Satisfied by
// resilience.CircuitBreaker.
type Breaker interface {
	Execute(fn func() error) error
}

// FallbackStore implements [Store] over a durable primary [Backend] with
// graceful degradation to an in-process fallback.
//
// Every operation tries the primary first (through the breaker, when one is
// configured). If the primary fails, the operation is logged at warning
// level, executed against the fallback, and its result returned as if
// nothing happened: callers only ever see boolean outcomes. The next
// operation after the breaker's reset timeout probes the primary again, so
// reconnection is lazy and needs no dedicated poller.
//
// Reads that miss on a healthy primary also consult the fallback, because
// the record may have been written during a degradation window. Deletes
// always clear both engines for the same reason.
type FallbackStore struct {
	primary   Backend
	fallback  Backend
	breaker   Breaker
	log       *slog.Logger
	onDegrade func()
	degraded  atomic.Bool
}

var _ Store = (*FallbackStore)(nil)

// FallbackOption configures a [FallbackStore].
type FallbackOption func(*FallbackStore)

// WithBreaker installs a circuit breaker around primary operations.
// Without one the primary is attempted on every call.
func WithBreaker(b Breaker) FallbackOption {
	return func(f *FallbackStore) { f.breaker = b }
}

// WithLogger overrides the logger used for degradation warnings.
func WithLogger(log *slog.Logger) FallbackOption {
	return func(f *FallbackStore) { f.log = log }
}

// WithDegradationHook registers fn to run each time the store transitions
// from healthy to degraded. Used for failover metrics.
func WithDegradationHook(fn func()) FallbackOption {
	return func(f *FallbackStore) { f.onDegrade = fn }
}

// NewFallbackStore wraps primary with degrade-to-fallback semantics.
// fallback may be nil, in which case primary failures simply surface as
// false results.
func NewFallbackStore(primary, fallback Backend, opts ...FallbackOption) *FallbackStore {
	f := &FallbackStore{
		primary:  primary,
		fallback: fallback,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether the most recent primary operation failed.
// Exposed for readiness reporting.
func (f *FallbackStore) Degraded() bool { return f.degraded.Load() }

// exec runs fn against the primary, through the breaker when configured.
func (f *FallbackStore) exec(fn func() error) error {
	if f.breaker != nil {
		return f.breaker.Execute(fn)
	}
	return fn()
}

// degrade records a primary failure and logs the degradation warning. The
// hook fires on the healthy-to-degraded edge only, not on every failed op.
func (f *FallbackStore) degrade(op, key string, err error) {
	if f.degraded.CompareAndSwap(false, true) && f.onDegrade != nil {
		f.onDegrade()
	}
	f.log.Warn("store degraded, using in-memory fallback",
		"op", op,
		"key", key,
		"error", err)
}

// writeThrough performs a write against the primary, degrading to the
// fallback on engine failure.
func (f *FallbackStore) writeThrough(op, key string, write func(Backend) error) bool {
	err := f.exec(func() error { return write(f.primary) })
	if err == nil {
		f.degraded.Store(false)
		return true
	}
	f.degrade(op, key, err)
	if f.fallback == nil {
		return false
	}
	if ferr := write(f.fallback); ferr != nil {
		f.log.Warn("fallback store write failed", "op", op, "key", key, "error", ferr)
		return false
	}
	return true
}

// deleteThrough removes a record from both engines. The result is true when
// either engine actually held the record.
func (f *FallbackStore) deleteThrough(op, key string, del func(Backend) error) bool {
	var removed bool
	err := f.exec(func() error {
		err := del(f.primary)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		removed = true
		return nil
	})
	if err == nil {
		f.degraded.Store(false)
	} else {
		f.degrade(op, key, err)
	}
	if f.fallback != nil {
		if ferr := del(f.fallback); ferr == nil {
			removed = true
		}
	}
	return removed
}

// readThrough tries the primary and consults the fallback on engine failure
// or on a healthy miss (the record may date from a degradation window).
// This is a package-level function because Go does not support method-level
// type parameters.
func readThrough[R any](f *FallbackStore, op, key string, read func(Backend) (R, error)) (R, bool) {
	var (
		result R
		found  bool
	)
	err := f.exec(func() error {
		r, rerr := read(f.primary)
		switch {
		case errors.Is(rerr, ErrNotFound):
			return nil
		case rerr != nil:
			return rerr
		}
		result, found = r, true
		return nil
	})
	if err == nil {
		f.degraded.Store(false)
		if found {
			return result, true
		}
	} else {
		f.degrade(op, key, err)
	}

	var zero R
	if f.fallback == nil {
		return zero, false
	}
	r, ferr := read(f.fallback)
	if ferr != nil {
		if !errors.Is(ferr, ErrNotFound) {
			f.log.Warn("fallback store read failed", "op", op, "key", key, "error", ferr)
		}
		return zero, false
	}
	return r, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Store implementation
// ─────────────────────────────────────────────────────────────────────────────

func (f *FallbackStore) StoreSession(ctx context.Context, s *Session, ttl time.Duration) bool {
	return f.writeThrough("store session", SessionKey(s.ID), func(b Backend) error {
		return b.StoreSession(ctx, s, ttl)
	})
}

func (f *FallbackStore) GetSession(ctx context.Context, id string) (*Session, bool) {
	return readThrough(f, "get session", SessionKey(id), func(b Backend) (*Session, error) {
		return b.GetSession(ctx, id)
	})
}

func (f *FallbackStore) UpdateSession(ctx context.Context, s *Session, ttl time.Duration) bool {
	return f.writeThrough("update session", SessionKey(s.ID), func(b Backend) error {
		return b.UpdateSession(ctx, s, ttl)
	})
}

func (f *FallbackStore) DeleteSession(ctx context.Context, id string) bool {
	return f.deleteThrough("delete session", SessionKey(id), func(b Backend) error {
		return b.DeleteSession(ctx, id)
	})
}

// ListSessions merges both engines so sessions written during a degradation
// window still show up after the primary recovers. The primary's copy wins
// on id collisions.
func (f *FallbackStore) ListSessions(ctx context.Context, filter Filter) []*Session {
	var primary []*Session
	err := f.exec(func() error {
		list, lerr := f.primary.ListSessions(ctx, filter)
		if lerr != nil {
			return lerr
		}
		primary = list
		return nil
	})
	if err == nil {
		f.degraded.Store(false)
	} else {
		f.degrade("list sessions", "session:*", err)
	}

	merged := make([]*Session, 0, len(primary))
	seen := make(map[string]bool, len(primary))
	for _, s := range primary {
		merged = append(merged, s)
		seen[s.ID] = true
	}
	if f.fallback != nil {
		extra, ferr := f.fallback.ListSessions(ctx, filter)
		if ferr == nil {
			for _, s := range extra {
				if !seen[s.ID] {
					merged = append(merged, s)
				}
			}
		}
	}
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged
}

func (f *FallbackStore) StoreCallMapping(ctx context.Context, callID, sessionID string, ttl time.Duration) bool {
	return f.writeThrough("store call mapping", CallKey(callID), func(b Backend) error {
		return b.StoreCallMapping(ctx, callID, sessionID, ttl)
	})
}

func (f *FallbackStore) GetSessionForCall(ctx context.Context, callID string) (string, bool) {
	return readThrough(f, "get session for call", CallKey(callID), func(b Backend) (string, error) {
		return b.GetSessionForCall(ctx, callID)
	})
}

func (f *FallbackStore) GetCallForSession(ctx context.Context, sessionID string) (string, bool) {
	return readThrough(f, "get call for session", SessionKey(sessionID), func(b Backend) (string, error) {
		return b.GetCallForSession(ctx, sessionID)
	})
}

func (f *FallbackStore) DeleteCallMapping(ctx context.Context, callID string) bool {
	return f.deleteThrough("delete call mapping", CallKey(callID), func(b Backend) error {
		return b.DeleteCallMapping(ctx, callID)
	})
}

func (f *FallbackStore) AppendTranscript(ctx context.Context, e TranscriptEntry, ttl time.Duration) bool {
	return f.writeThrough("append transcript", TranscriptKey(e.SessionID, e.Sequence), func(b Backend) error {
		return b.AppendTranscript(ctx, e, ttl)
	})
}

// GetTranscripts merges both engines and re-sorts by sequence, so entries
// appended during a degradation window interleave correctly with durable
// ones.
func (f *FallbackStore) GetTranscripts(ctx context.Context, sessionID string) []TranscriptEntry {
	var primary []TranscriptEntry
	err := f.exec(func() error {
		list, lerr := f.primary.GetTranscripts(ctx, sessionID)
		if lerr != nil {
			return lerr
		}
		primary = list
		return nil
	})
	if err == nil {
		f.degraded.Store(false)
	} else {
		f.degrade("get transcripts", TranscriptKey(sessionID, 0), err)
	}

	merged := make([]TranscriptEntry, 0, len(primary))
	seen := make(map[int]bool, len(primary))
	for _, e := range primary {
		merged = append(merged, e)
		seen[e.Sequence] = true
	}
	if f.fallback != nil {
		extra, ferr := f.fallback.GetTranscripts(ctx, sessionID)
		if ferr == nil {
			for _, e := range extra {
				if !seen[e.Sequence] {
					merged = append(merged, e)
				}
			}
		}
	}
	slices.SortFunc(merged, func(a, b TranscriptEntry) int {
		return a.Sequence - b.Sequence
	})
	return merged
}

// Ping probes the durable primary through the breaker so readiness checks
// observe (and help reset) the breaker state.
func (f *FallbackStore) Ping(ctx context.Context) error {
	err := f.exec(func() error { return f.primary.Ping(ctx) })
	if err == nil {
		f.degraded.Store(false)
	} else {
		f.degraded.Store(true)
	}
	return err
}

// Close releases both engines.
func (f *FallbackStore) Close() {
	f.primary.Close()
	if f.fallback != nil {
		f.fallback.Close()
	}
}
