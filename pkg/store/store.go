// Package store defines the persistence layer for call sessions: session
// records, call-id correlation mappings, and conversation transcripts, all
// with per-record TTL expiry.
//
// Two contracts live here:
//
//   - [Backend] is the error-returning contract implemented by the concrete
//     storage engines (postgres, memstore). A miss is [ErrNotFound]; any
//     other error means the engine itself failed.
//   - [Store] is the boolean-returning contract the rest of the service
//     consumes. Failures are reported as false results, never as errors,
//     because session bookkeeping must not take down an in-flight call.
//     [FallbackStore] implements it by degrading from a durable primary to
//     an in-process fallback.
//
// TTL semantics are a hard contract: once a record's TTL lapses, reads
// return a miss, not stale data; every write resets the TTL to the
// caller-supplied value.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by [Backend] reads when the record is absent or
// its TTL has lapsed.
var ErrNotFound = errors.New("store: not found")

// ─────────────────────────────────────────────────────────────────────────────
// Enumerations
// ─────────────────────────────────────────────────────────────────────────────

// ProviderType identifies the speech-AI provider backing a session.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
)

// IsValid reports whether p is a known provider type.
func (p ProviderType) IsValid() bool {
	return p == ProviderOpenAI || p == ProviderGemini
}

// Strategy selects how the session's audio exchange is driven.
type Strategy string

const (
	// StrategyRealtime streams audio both ways over one persistent
	// bidirectional connection.
	StrategyRealtime Strategy = "realtime"

	// StrategySegmented alternates discrete transcribe-then-respond turns.
	StrategySegmented Strategy = "segmented"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyRealtime || s == StrategySegmented
}

// SessionStatus is the lifecycle state of a session.
//
// Transitions are one-directional: PENDING → ACTIVE → ENDED, with
// PENDING|ACTIVE → FAILED on unrecoverable error. ENDED and FAILED are
// terminal.
type SessionStatus string

const (
	StatusPending SessionStatus = "PENDING"
	StatusActive  SessionStatus = "ACTIVE"
	StatusEnded   SessionStatus = "ENDED"
	StatusFailed  SessionStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// IsValid reports whether s is a known lifecycle status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEnded, StatusFailed:
		return true
	}
	return false
}

// Speaker identifies which side of the conversation produced an utterance.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ─────────────────────────────────────────────────────────────────────────────
// Records
// ─────────────────────────────────────────────────────────────────────────────

// Session is one AI-backed call session.
type Session struct {
	// ID is the opaque unique session identifier (a ULID).
	ID string

	// ProviderType selects the speech-AI provider.
	ProviderType ProviderType

	// ProviderModel is the provider-specific model identifier.
	ProviderModel string

	// Strategy selects the turn-taking mode.
	Strategy Strategy

	// SystemPrompt is the instruction text sent to the provider on connect.
	// Optional.
	SystemPrompt string

	// Temperature overrides the provider's sampling temperature. Optional.
	Temperature *float64

	// Status is the lifecycle state.
	Status SessionStatus

	// Metadata holds open key/value annotations (caller numbers, failure
	// reasons, tenant tags).
	Metadata map[string]string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// UpdatedAt is when the session was last written.
	UpdatedAt time.Time
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a stored record in place.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Temperature != nil {
		t := *s.Temperature
		c.Temperature = &t
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TranscriptEntry is one utterance unit within a session's spoken exchange.
type TranscriptEntry struct {
	// SessionID is the owning session.
	SessionID string

	// Sequence is the zero-based position of this entry. The writer (the
	// bridge's event pump, a single goroutine per session) supplies strictly
	// increasing values; the store never assigns them.
	Sequence int

	// Speaker identifies who spoke.
	Speaker Speaker

	// Content is the utterance text.
	Content string

	// Confidence is the recognizer's confidence in Content (0.0–1.0).
	// Optional.
	Confidence *float64

	// Timestamp is when the utterance completed.
	Timestamp time.Time
}

// Filter narrows a session listing. Zero-value fields are not applied.
type Filter struct {
	// Status restricts results to sessions in this state.
	Status SessionStatus

	// Limit caps the number of results. 0 means no cap.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// Key namespace
// ─────────────────────────────────────────────────────────────────────────────

// Key helpers produce the stable record-key names used in logs and
// operational tooling, regardless of which engine holds the record.

// SessionKey returns the namespaced key for a session record.
func SessionKey(id string) string { return "session:" + id }

// CallKey returns the namespaced key for a call-mapping record.
func CallKey(callID string) string { return "callmap:" + callID }

// TranscriptKey returns the namespaced key for one transcript entry.
func TranscriptKey(sessionID string, seq int) string {
	return fmt.Sprintf("transcript:%s:%d", sessionID, seq)
}

// ─────────────────────────────────────────────────────────────────────────────
// Contracts
// ─────────────────────────────────────────────────────────────────────────────

// Backend is the error-returning storage contract implemented by the
// concrete engines. Reads return [ErrNotFound] on a miss; any other error
// indicates engine failure and triggers degradation in [FallbackStore].
//
// Writes are upserts and always reset the record's TTL.
type Backend interface {
	StoreSession(ctx context.Context, s *Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f Filter) ([]*Session, error)

	StoreCallMapping(ctx context.Context, callID, sessionID string, ttl time.Duration) error
	GetSessionForCall(ctx context.Context, callID string) (string, error)
	GetCallForSession(ctx context.Context, sessionID string) (string, error)
	DeleteCallMapping(ctx context.Context, callID string) error

	AppendTranscript(ctx context.Context, e TranscriptEntry, ttl time.Duration) error
	GetTranscripts(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	Ping(ctx context.Context) error
	Close()
}

// Store is the boolean-returning contract consumed by the session manager
// and the bridge. A false result means the operation did not take effect
// (or the record was absent); it is never a reason to abort a call.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// StoreSession persists s with the given TTL.
	StoreSession(ctx context.Context, s *Session, ttl time.Duration) bool

	// GetSession returns the session, or (nil, false) when absent or expired.
	GetSession(ctx context.Context, id string) (*Session, bool)

	// UpdateSession rewrites s and resets its TTL.
	UpdateSession(ctx context.Context, s *Session, ttl time.Duration) bool

	// DeleteSession removes the session. Deleting an absent session returns
	// false.
	DeleteSession(ctx context.Context, id string) bool

	// ListSessions returns sessions matching f. Empty (non-nil) slice when
	// none match or the store is unreachable.
	ListSessions(ctx context.Context, f Filter) []*Session

	// StoreCallMapping correlates a provider-native call id with a session.
	// At most one live mapping exists per call id; storing replaces it.
	StoreCallMapping(ctx context.Context, callID, sessionID string, ttl time.Duration) bool

	// GetSessionForCall resolves a call id to its session id.
	GetSessionForCall(ctx context.Context, callID string) (string, bool)

	// GetCallForSession resolves a session id back to its live call id.
	GetCallForSession(ctx context.Context, sessionID string) (string, bool)

	// DeleteCallMapping removes the mapping for callID.
	DeleteCallMapping(ctx context.Context, callID string) bool

	// AppendTranscript persists one transcript entry with the given TTL.
	AppendTranscript(ctx context.Context, e TranscriptEntry, ttl time.Duration) bool

	// GetTranscripts returns all live entries for the session ordered by
	// ascending Sequence. Empty (non-nil) slice when none exist.
	GetTranscripts(ctx context.Context, sessionID string) []TranscriptEntry

	// Ping reports whether the durable primary is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close()
}
