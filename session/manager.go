package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CloseReason explains why a session ended.
type CloseReason string

const (
	CloseClientDisconnect CloseReason = "client_disconnect"
	CloseProtocolError    CloseReason = "protocol_error"
	CloseShutdown         CloseReason = "shutdown"
)

// Manager owns every live session and drives their heartbeat probing.
type Manager struct {
	interval time.Duration
	missMax  int
	now      func() time.Time

	// onClose runs after a session reaches Closed, before it is removed;
	// the orchestrator uses it to cancel in-flight streams.
	onClose func(*Session, CloseReason)

	mu       sync.Mutex
	sessions map[string]*Session
	probers  map[string]chan struct{} // per-session prober stop channels
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. A session is degraded after missMax
// consecutive heartbeat intervals without an acknowledgement.
func NewManager(interval time.Duration, missMax int, opts ...ManagerOption) *Manager {
	m := &Manager{
		interval: interval,
		missMax:  missMax,
		now:      time.Now,
		sessions: make(map[string]*Session),
		probers:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnClose registers the close hook. Must be called before Admit.
func (m *Manager) SetOnClose(fn func(*Session, CloseReason)) {
	m.onClose = fn
}

// Admit creates a session for a freshly accepted connection and activates it.
// The transport becomes manager-owned from this point.
func (m *Manager) Admit(clientID string, transport Transport) (*Session, error) {
	s := newSession(clientID, transport, m.now())
	if err := s.transition(StateActive); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.probers[s.ID] = stop
	m.mu.Unlock()

	go m.probe(s, stop)

	slog.Info("session admitted", "sessionId", s.ID, "clientId", clientID)
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Heartbeat records a liveness acknowledgement from the client.
func (m *Manager) Heartbeat(sessionID string) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	if s.heartbeat(m.now()) {
		slog.Info("session recovered", "sessionId", s.ID)
	}
}

// probe ticks once per heartbeat interval. An interval without an
// acknowledgement counts as a miss; missMax consecutive misses degrade the
// session. Degraded observes transport liveness only, the session keeps
// running.
func (m *Manager) probe(s *Session, stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			beatSince := m.now().Sub(s.lastHeartbeat) < m.interval
			s.mu.Unlock()
			if beatSince {
				continue
			}
			missed, degraded := s.markMissed(m.missMax)
			if degraded {
				slog.Warn("session degraded", "sessionId", s.ID, "missedBeats", missed)
			} else if missed > 0 {
				slog.Debug("missed heartbeat", "sessionId", s.ID, "missedBeats", missed)
			}
		}
	}
}

// CheckLiveness runs one probe pass immediately, for tests and for callers
// that drive time themselves. Returns the session's state afterwards.
func (m *Manager) CheckLiveness(sessionID string) (State, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session %s not found", sessionID)
	}
	s.mu.Lock()
	beatSince := m.now().Sub(s.lastHeartbeat) < m.interval
	s.mu.Unlock()
	if !beatSince {
		s.markMissed(m.missMax)
	}
	return s.State(), nil
}

// Close transitions the session through Closing to Closed, cancels its
// context, runs the close hook and releases the transport. Closing an
// already-closed session is a no-op.
func (m *Manager) Close(sessionID string, reason CloseReason) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	stop := m.probers[sessionID]
	delete(m.probers, sessionID)
	m.mu.Unlock()

	close(stop)

	if err := s.transition(StateClosing); err != nil {
		slog.Debug("close on non-closable session", "sessionId", sessionID, "error", err)
	}
	s.cancel()
	if m.onClose != nil {
		m.onClose(s, reason)
	}
	if err := s.transport.Close(string(reason)); err != nil {
		slog.Debug("transport close failed", "sessionId", sessionID, "error", err)
	}
	if err := s.transition(StateClosed); err != nil {
		slog.Debug("session close transition", "sessionId", sessionID, "error", err)
	}
	slog.Info("session closed", "sessionId", sessionID, "reason", reason)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id, CloseShutdown)
	}
}
