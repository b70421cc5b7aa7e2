package server

import "sync"

// Manager tracks all live sessions so the health endpoint can report a count
// and shutdown can close everything.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// tryAdd registers the session unless max live sessions are already held.
// The check and the insert share one critical section so concurrent
// admissions can never overshoot the cap. max <= 0 disables the cap.
func (m *Manager) tryAdd(s *Session, max int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > 0 && len(m.sessions) >= max {
		return false
	}
	m.sessions[s.id] = s
	return true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every live session. Used during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}
