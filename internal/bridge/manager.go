package bridge

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager tracks the live bridges by session ID so webhook and websocket
// handlers can find the bridge for a call. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{bridges: make(map[string]*Bridge)}
}

// Register adds a bridge under the given session ID. A different bridge
// already registered under the same ID is stopped and replaced.
func (m *Manager) Register(sessionID string, b *Bridge) {
	m.mu.Lock()
	old := m.bridges[sessionID]
	m.bridges[sessionID] = b
	m.mu.Unlock()

	if old != nil && old != b {
		old.Stop()
	}
}

// Get returns the bridge for a session, if one is registered.
func (m *Manager) Get(sessionID string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[sessionID]
	return b, ok
}

// Stop removes the session's bridge and stops it. It reports whether a
// bridge was registered.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	delete(m.bridges, sessionID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	b.Stop()
	return true
}

// StopAll stops every registered bridge and empties the registry. Used at
// shutdown. Bridges are stopped concurrently: each Stop closes a live
// provider connection, and doing that one call at a time would eat the
// shutdown deadline.
func (m *Manager) StopAll() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	clear(m.bridges)
	m.mu.Unlock()

	var g errgroup.Group
	for _, b := range bridges {
		g.Go(func() error {
			b.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// Len returns the number of registered bridges.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}
