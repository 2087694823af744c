// Package session implements the call-session lifecycle: identifier
// allocation, the status state machine, call-id correlation for webhook
// routing, and transcript bookkeeping.
//
// All session state lives in the store; a [Manager] is stateless apart from
// configuration, so any number of instances may serve the same store. The
// store's boolean contract means storage trouble surfaces here as
// [ErrStoreUnavailable] rather than as engine errors.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/pkg/store"
)

// Default record lifetimes. A live call refreshes its session record on
// every transition, so these bound how long records outlive their last write.
const (
	defaultSessionTTL     = 24 * time.Hour
	defaultCallMappingTTL = 4 * time.Hour
	defaultTranscriptTTL  = 24 * time.Hour
)

var (
	// ErrSessionNotFound is returned when the referenced session does not
	// exist or its record has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when the requested status change is
	// not permitted by the session state machine.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrStoreUnavailable is returned when a required write failed in every
	// storage engine.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// canTransition reports whether a session may move between the two lifecycle
// states. The machine is PENDING → ACTIVE → ENDED, with PENDING|ACTIVE →
// FAILED on unrecoverable error; ENDED and FAILED are terminal. PENDING →
// ENDED is permitted so a session whose call never connected can be
// cancelled without passing through ACTIVE.
func canTransition(from, to store.SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case store.StatusActive:
		return from == store.StatusPending
	case store.StatusEnded, store.StatusFailed:
		return from == store.StatusPending || from == store.StatusActive
	default:
		return false
	}
}

// Config configures a [Manager].
type Config struct {
	// Store persists sessions, call mappings, and transcripts. Must not be nil.
	Store store.Store

	// SessionTTL bounds how long a session record outlives its last write.
	// Defaults to 24h if zero.
	SessionTTL time.Duration

	// CallMappingTTL bounds call-id correlation records. Defaults to 4h if zero.
	CallMappingTTL time.Duration

	// TranscriptTTL bounds transcript entries. Defaults to 24h if zero.
	TranscriptTTL time.Duration

	// Metrics receives store operation timings. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// Manager owns the session lifecycle on top of a [store.Store].
type Manager struct {
	store          store.Store
	sessionTTL     time.Duration
	callMappingTTL time.Duration
	transcriptTTL  time.Duration
	metrics        *observe.Metrics
}

// NewManager creates a new [Manager] with the given configuration.
func NewManager(cfg Config) *Manager {
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	callMappingTTL := cfg.CallMappingTTL
	if callMappingTTL <= 0 {
		callMappingTTL = defaultCallMappingTTL
	}
	transcriptTTL := cfg.TranscriptTTL
	if transcriptTTL <= 0 {
		transcriptTTL = defaultTranscriptTTL
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		store:          cfg.Store,
		sessionTTL:     sessionTTL,
		callMappingTTL: callMappingTTL,
		transcriptTTL:  transcriptTTL,
		metrics:        metrics,
	}
}

// CreateRequest carries the caller-supplied parameters for a new session.
type CreateRequest struct {
	// ProviderType selects the speech-AI provider. Required.
	ProviderType store.ProviderType

	// ProviderModel is the provider-specific model identifier. Required.
	ProviderModel string

	// Strategy selects the turn-taking mode. Defaults to
	// [store.StrategyRealtime] if empty.
	Strategy store.Strategy

	// SystemPrompt is the instruction text sent to the provider on connect.
	// Optional.
	SystemPrompt string

	// Temperature overrides the provider's sampling temperature. Optional.
	Temperature *float64

	// Metadata holds open key/value annotations (caller numbers, tenant
	// tags). Optional.
	Metadata map[string]string
}

// CreateSession allocates a new PENDING session and persists it.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*store.Session, error) {
	if !req.ProviderType.IsValid() {
		return nil, fmt.Errorf("create session: unknown provider type %q", req.ProviderType)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = store.StrategyRealtime
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("create session: unknown strategy %q", strategy)
	}
	if req.ProviderModel == "" {
		return nil, errors.New("create session: provider model is required")
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:            ulid.Make().String(),
		ProviderType:  req.ProviderType,
		ProviderModel: req.ProviderModel,
		Strategy:      strategy,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		Status:        store.StatusPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	start := time.Now()
	ok := m.store.StoreSession(ctx, sess, m.sessionTTL)
	m.metrics.RecordStoreOp(ctx, "store_session", time.Since(start), ok)
	if !ok {
		return nil, fmt.Errorf("create session %s: %w", sess.ID, ErrStoreUnavailable)
	}

	slog.Info("session created",
		"session_id", sess.ID,
		"provider", sess.ProviderType,
		"model", sess.ProviderModel,
		"strategy", sess.Strategy,
	)
	return sess, nil
}

// StartSession moves a session from PENDING to ACTIVE. Starting a session
// that is already active or terminal returns [ErrInvalidTransition].
func (m *Manager) StartSession(ctx context.Context, id string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !canTransition(sess.Status, store.StatusActive) {
		return fmt.Errorf("start session %s: %s to %s: %w",
			id, sess.Status, store.StatusActive, ErrInvalidTransition)
	}
	return m.persistTransition(ctx, sess, store.StatusActive, nil)
}

// EndSession moves a session to ENDED and drops its call mapping. Ending an
// already-terminal session is a no-op, not an error.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if sess.Status.Terminal() {
		// Already ended. Clear any correlation left behind by an earlier
		// partial failure.
		m.clearCallMapping(ctx, id)
		return nil
	}
	if err := m.persistTransition(ctx, sess, store.StatusEnded, nil); err != nil {
		return err
	}
	m.clearCallMapping(ctx, id)
	return nil
}

// FailSession moves a session to FAILED, recording reason in its metadata,
// and drops its call mapping. Failing an already-terminal session is a
// no-op, not an error.
func (m *Manager) FailSession(ctx context.Context, id, reason string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	if sess.Status.Terminal() {
		m.clearCallMapping(ctx, id)
		return nil
	}
	err = m.persistTransition(ctx, sess, store.StatusFailed, func(s *store.Session) {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, 1)
		}
		s.Metadata["failure_reason"] = reason
	})
	if err != nil {
		return err
	}
	m.clearCallMapping(ctx, id)
	return nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions matching f, oldest first. Returns an empty
// (non-nil) slice when none match.
func (m *Manager) ListSessions(ctx context.Context, f store.Filter) []*store.Session {
	start := time.Now()
	sessions := m.store.ListSessions(ctx, f)
	m.metrics.RecordStoreOp(ctx, "list_sessions", time.Since(start), true)
	return sessions
}

// MapCall correlates a telephony call id with a session so webhook
// deliveries can be routed.
func (m *Manager) MapCall(ctx context.Context, callID, sessionID string) error {
	start := time.Now()
	ok := m.store.StoreCallMapping(ctx, callID, sessionID, m.callMappingTTL)
	m.metrics.RecordStoreOp(ctx, "store_call_mapping", time.Since(start), ok)
	if !ok {
		return fmt.Errorf("map call %s to session %s: %w", callID, sessionID, ErrStoreUnavailable)
	}
	slog.Info("call mapped", "call_id", callID, "session_id", sessionID)
	return nil
}

// SessionForCall resolves a telephony call id to its session id.
func (m *Manager) SessionForCall(ctx context.Context, callID string) (string, bool) {
	start := time.Now()
	id, ok := m.store.GetSessionForCall(ctx, callID)
	m.metrics.RecordStoreOp(ctx, "get_session_for_call", time.Since(start), ok)
	return id, ok
}

// CallForSession resolves a session id back to its telephony call id, when a
// mapping exists. Used to hang up the phone leg of a session.
func (m *Manager) CallForSession(ctx context.Context, sessionID string) (string, bool) {
	start := time.Now()
	callID, ok := m.store.GetCallForSession(ctx, sessionID)
	m.metrics.RecordStoreOp(ctx, "get_call_for_session", time.Since(start), ok)
	return callID, ok
}

// AppendTranscript persists one utterance. The caller (the bridge's event
// pump, a single goroutine per session) supplies strictly increasing
// sequence numbers. A dropped entry is logged, never fatal.
func (m *Manager) AppendTranscript(ctx context.Context, e store.TranscriptEntry) bool {
	start := time.Now()
	ok := m.store.AppendTranscript(ctx, e, m.transcriptTTL)
	m.metrics.RecordStoreOp(ctx, "append_transcript", time.Since(start), ok)
	if !ok {
		slog.Warn("transcript entry dropped",
			"session_id", e.SessionID,
			"sequence", e.Sequence,
		)
	}
	return ok
}

// Transcripts returns the stored transcript for a session in sequence
// order. Returns an empty (non-nil) slice when none exist.
func (m *Manager) Transcripts(ctx context.Context, sessionID string) []store.TranscriptEntry {
	start := time.Now()
	entries := m.store.GetTranscripts(ctx, sessionID)
	m.metrics.RecordStoreOp(ctx, "get_transcripts", time.Since(start), true)
	return entries
}

// load fetches a session or reports ErrSessionNotFound.
func (m *Manager) load(ctx context.Context, id string) (*store.Session, error) {
	start := time.Now()
	sess, ok := m.store.GetSession(ctx, id)
	m.metrics.RecordStoreOp(ctx, "get_session", time.Since(start), ok)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

// persistTransition writes the status change and logs it. mutate, when
// non-nil, is applied to the record before the write.
func (m *Manager) persistTransition(ctx context.Context, sess *store.Session, to store.SessionStatus, mutate func(*store.Session)) error {
	from := sess.Status
	sess.Status = to
	sess.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(sess)
	}

	start := time.Now()
	ok := m.store.UpdateSession(ctx, sess, m.sessionTTL)
	m.metrics.RecordStoreOp(ctx, "update_session", time.Since(start), ok)
	if !ok {
		return fmt.Errorf("transition session %s to %s: %w", sess.ID, to, ErrStoreUnavailable)
	}

	slog.Info("session state changed",
		"session_id", sess.ID,
		"from", from,
		"to", to,
	)
	return nil
}

// clearCallMapping removes the call correlation for a session, if any.
// Mapping cleanup is best-effort; records age out via TTL regardless.
func (m *Manager) clearCallMapping(ctx context.Context, sessionID string) {
	start := time.Now()
	callID, ok := m.store.GetCallForSession(ctx, sessionID)
	m.metrics.RecordStoreOp(ctx, "get_call_for_session", time.Since(start), ok)
	if !ok {
		return
	}
	start = time.Now()
	ok = m.store.DeleteCallMapping(ctx, callID)
	m.metrics.RecordStoreOp(ctx, "delete_call_mapping", time.Since(start), ok)
}
