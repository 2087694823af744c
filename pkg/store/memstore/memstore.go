// Package memstore provides the in-process store engine. It backs the
// degradation fallback of [store.FallbackStore] and serves as the primary
// when no durable backend is configured (single-node or test deployments).
// Contents are lost on process restart.
//
// Expiry follows the store TTL contract: every write stamps a fresh
// deadline, reads treat lapsed records as absent, and a lazy sweep on
// writes reclaims lapsed entries. There is no janitor goroutine.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kraliki/voicebridge/pkg/store"
)

// sweepInterval gates how often a write may trigger a full expiry sweep.
const sweepInterval = 30 * time.Second

type sessionEntry struct {
	session   *store.Session
	expiresAt time.Time
}

type callEntry struct {
	sessionID string
	expiresAt time.Time
}

type transcriptEntry struct {
	entry     store.TranscriptEntry
	expiresAt time.Time
}

// Store is the in-process [store.Backend]. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]sessionEntry
	calls       map[string]callEntry
	callBySess  map[string]string
	transcripts map[string][]transcriptEntry
	lastSweep   time.Time
}

var _ store.Backend = (*Store)(nil)

// New creates an empty in-process store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]sessionEntry),
		calls:       make(map[string]callEntry),
		callBySess:  make(map[string]string),
		transcripts: make(map[string][]transcriptEntry),
		lastSweep:   time.Now(),
	}
}

// sweep removes lapsed records. Must be called with s.mu held for writing;
// runs at most once per sweepInterval.
func (s *Store) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
	for callID, e := range s.calls {
		if now.After(e.expiresAt) {
			delete(s.calls, callID)
			if s.callBySess[e.sessionID] == callID {
				delete(s.callBySess, e.sessionID)
			}
		}
	}
	for sessionID, entries := range s.transcripts {
		live := entries[:0]
		for _, e := range entries {
			if !now.After(e.expiresAt) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(s.transcripts, sessionID)
		} else {
			s.transcripts[sessionID] = live
		}
	}
}

func (s *Store) putSession(sess *store.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("memstore: session id required")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	s.sessions[sess.ID] = sessionEntry{
		session:   sess.Clone(),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// StoreSession implements [store.Backend].
func (s *Store) StoreSession(_ context.Context, sess *store.Session, ttl time.Duration) error {
	return s.putSession(sess, ttl)
}

// UpdateSession implements [store.Backend]. Updates are upserts and reset
// the TTL like any other write.
func (s *Store) UpdateSession(_ context.Context, sess *store.Session, ttl time.Duration) error {
	return s.putSession(sess, ttl)
}

// GetSession implements [store.Backend].
func (s *Store) GetSession(_ context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, store.ErrNotFound
	}
	return e.session.Clone(), nil
}

// DeleteSession implements [store.Backend].
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	delete(s.sessions, id)
	if !ok || time.Now().After(e.expiresAt) {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.Backend]. Results are ordered by creation
// time, oldest first.
func (s *Store) ListSessions(_ context.Context, f store.Filter) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]*store.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		if now.After(e.expiresAt) {
			continue
		}
		if f.Status != "" && e.session.Status != f.Status {
			continue
		}
		out = append(out, e.session.Clone())
	}
	slices.SortFunc(out, func(a, b *store.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// StoreCallMapping implements [store.Backend]. An existing mapping for the
// same call id is replaced.
func (s *Store) StoreCallMapping(_ context.Context, callID, sessionID string, ttl time.Duration) error {
	if callID == "" || sessionID == "" {
		return fmt.Errorf("memstore: call id and session id required")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)

	if old, ok := s.calls[callID]; ok && s.callBySess[old.sessionID] == callID {
		delete(s.callBySess, old.sessionID)
	}
	s.calls[callID] = callEntry{sessionID: sessionID, expiresAt: now.Add(ttl)}
	s.callBySess[sessionID] = callID
	return nil
}

// GetSessionForCall implements [store.Backend].
func (s *Store) GetSessionForCall(_ context.Context, callID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.calls[callID]
	if !ok || time.Now().After(e.expiresAt) {
		return "", store.ErrNotFound
	}
	return e.sessionID, nil
}

// GetCallForSession implements [store.Backend].
func (s *Store) GetCallForSession(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	callID, ok := s.callBySess[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	e, ok := s.calls[callID]
	if !ok || e.sessionID != sessionID || time.Now().After(e.expiresAt) {
		return "", store.ErrNotFound
	}
	return callID, nil
}

// DeleteCallMapping implements [store.Backend].
func (s *Store) DeleteCallMapping(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.calls[callID]
	delete(s.calls, callID)
	if ok && s.callBySess[e.sessionID] == callID {
		delete(s.callBySess, e.sessionID)
	}
	if !ok || time.Now().After(e.expiresAt) {
		return store.ErrNotFound
	}
	return nil
}

// AppendTranscript implements [store.Backend]. Re-appending an existing
// sequence number replaces that entry.
func (s *Store) AppendTranscript(_ context.Context, e store.TranscriptEntry, ttl time.Duration) error {
	if e.SessionID == "" {
		return fmt.Errorf("memstore: transcript session id required")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)

	entries := s.transcripts[e.SessionID]
	stored := transcriptEntry{entry: e, expiresAt: now.Add(ttl)}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].entry.Sequence == e.Sequence {
			entries[i] = stored
			s.transcripts[e.SessionID] = entries
			return nil
		}
	}
	s.transcripts[e.SessionID] = append(entries, stored)
	return nil
}

// GetTranscripts implements [store.Backend]. Entries are returned in
// ascending sequence order regardless of insertion order.
func (s *Store) GetTranscripts(_ context.Context, sessionID string) ([]store.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	entries := s.transcripts[sessionID]
	out := make([]store.TranscriptEntry, 0, len(entries))
	for _, e := range entries {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.entry)
	}
	slices.SortFunc(out, func(a, b store.TranscriptEntry) int {
		return a.Sequence - b.Sequence
	})
	return out, nil
}

// Ping implements [store.Backend]. The in-process store is always
// reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Backend].
func (s *Store) Close() {}
