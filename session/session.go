// Package session tracks one live client connection each: lifecycle state,
// transport ownership and heartbeat liveness.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session's lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDegraded   State = "degraded" // suspected transport loss, not a data problem
	StateClosing    State = "closing"
	StateClosed     State = "closed" // terminal; reconnects get a new Session
)

// ErrInvalidTransition is returned for transitions the state machine forbids.
var ErrInvalidTransition = errors.New("invalid session state transition")

// legal lists the permitted transitions.
var legal = map[State][]State{
	StateConnecting: {StateActive, StateClosing},
	StateActive:     {StateDegraded, StateClosing},
	StateDegraded:   {StateActive, StateClosing},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

func canTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transport is the write side of a connection. The Session Manager owns it
// exclusively; nothing else writes to the client.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Session is one live connection. Never shared or copied; all access to the
// mutable fields goes through its methods.
type Session struct {
	ID       string
	ClientID string

	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	missed        int

	// turnMu serializes orchestration turns: a session never has two
	// turns in flight, later messages wait here.
	turnMu sync.Mutex
}

func newSession(clientID string, transport Transport, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:            uuid.Must(uuid.NewV7()).String(),
		ClientID:      clientID,
		transport:     transport,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateConnecting,
		lastHeartbeat: now,
	}
}

// Context is cancelled when the session closes; in-flight work for this
// session should select on it.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Send writes data to the client over the owned transport.
func (s *Session) Send(ctx context.Context, data []byte) error {
	return s.transport.Send(ctx, data)
}

// BeginTurn claims the session's single orchestration-turn slot, waiting if
// a turn is already in flight. Returns false once the session is closing.
func (s *Session) BeginTurn() bool {
	s.turnMu.Lock()
	if s.ctx.Err() != nil {
		s.turnMu.Unlock()
		return false
	}
	return true
}

// EndTurn releases the turn slot.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// heartbeat records a liveness acknowledgement. A degraded session recovers
// to active on the next acknowledged beat.
func (s *Session) heartbeat(now time.Time) (recovered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
	s.missed = 0
	if s.state == StateDegraded {
		if err := s.transitionLocked(StateActive); err == nil {
			return true
		}
	}
	return false
}

// markMissed increments the miss counter and returns (missed, degraded) where
// degraded is true when this miss pushed the session over the threshold.
func (s *Session) markMissed(threshold int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateDegraded {
		return s.missed, false
	}
	s.missed++
	if s.missed >= threshold && s.state == StateActive {
		if err := s.transitionLocked(StateDegraded); err == nil {
			return s.missed, true
		}
	}
	return s.missed, false
}
