// Package contextstore holds the shared conversation log. Every connected
// client appends to the same ordered, TTL-bounded history; sequence numbers
// are assigned here and nowhere else.
package contextstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrInvalidRole = errors.New("invalid role")

// Backend mirrors appended entries into durable storage. The in-memory log
// stays authoritative; a failing backend degrades durability, never ordering.
type Backend interface {
	Append(ctx context.Context, e Entry) error
	Trim(ctx context.Context, minSeq uint64) error
	Close() error
}

// Store is the append-only conversation log shared by all sessions.
// Appends serialize through one mutex so sequence numbers are strictly
// increasing across sessions; reads copy a snapshot and never hold the
// lock across caller code.
type Store struct {
	ttl     time.Duration
	backend Backend
	now     func() time.Time

	mu      sync.RWMutex
	entries []Entry // ascending by Seq
	nextSeq uint64

	// backendDown flags an ongoing mirror outage; pending holds entries
	// appended during the outage for replay on recovery.
	backendDown bool
	pending     []Entry

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithBackend attaches a durable mirror such as RedisBackend.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store whose entries expire ttl after append.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl:     ttl,
		now:     time.Now,
		nextSeq: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore seeds the log from previously mirrored entries, typically loaded
// from the backend at startup. Must be called before any Append.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) > 0 || len(entries) == 0 {
		return
	}
	s.entries = append([]Entry(nil), entries...)
	s.nextSeq = entries[len(entries)-1].Seq + 1
}

// Append adds one entry and returns its sequence number. Sequence assignment
// and insertion are a single atomic step.
func (s *Store) Append(ctx context.Context, sessionID string, role Role, text, intent string) (uint64, error) {
	if !role.IsValid() {
		return 0, ErrInvalidRole
	}

	now := s.now()
	s.mu.Lock()
	e := Entry{
		Seq:       s.nextSeq,
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		Intent:    intent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.nextSeq++
	s.entries = append(s.entries, e)

	down := s.backendDown
	if s.backend != nil && down {
		s.pending = append(s.pending, e)
	}
	s.mu.Unlock()

	if s.backend == nil {
		return e.Seq, nil
	}

	if !down {
		if err := s.backend.Append(ctx, e); err != nil {
			slog.Warn("context backend unavailable, continuing in memory", "seq", e.Seq, "error", err)
			s.mu.Lock()
			s.backendDown = true
			s.pending = append(s.pending, e)
			s.mu.Unlock()
		}
	} else {
		s.tryRecover(ctx)
	}
	return e.Seq, nil
}

// tryRecover replays entries queued during a backend outage. Replay drains
// the queue in order; a fresh failure re-queues the remainder.
func (s *Store) tryRecover(ctx context.Context) {
	s.mu.Lock()
	if !s.backendDown {
		s.mu.Unlock()
		return
	}
	queued := s.pending
	s.pending = nil
	s.backendDown = false
	s.mu.Unlock()

	for i, e := range queued {
		if err := s.backend.Append(ctx, e); err != nil {
			s.mu.Lock()
			s.backendDown = true
			s.pending = append(queued[i:], s.pending...)
			s.mu.Unlock()
			return
		}
	}
	slog.Info("context backend recovered", "replayed", len(queued))
}

// ReadSince returns all live entries with Seq > after, oldest first.
// The result is a copy; callers may iterate without holding up writers.
func (s *Store) ReadSince(after uint64) []Entry {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.searchSeq(after + 1)
	out := make([]Entry, 0, len(s.entries)-i)
	for ; i < len(s.entries); i++ {
		if s.entries[i].ExpiresAt.After(now) {
			out = append(out, s.entries[i])
		}
	}
	return out
}

// searchSeq returns the index of the first entry with Seq >= seq.
// Entries are sorted by Seq, so this is a binary search. Caller holds mu.
func (s *Store) searchSeq(seq uint64) int {
	lo, hi := 0, len(s.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.entries[mid].Seq < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LastSeq returns the highest sequence number assigned so far, 0 if none.
func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq - 1
}

// SweepExpired drops entries whose expiry has passed and returns how many
// were removed. Entries expire oldest-first, so one scan from the head
// finds the whole batch.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	i := 0
	for i < len(s.entries) && !s.entries[i].ExpiresAt.After(now) {
		i++
	}
	if i == 0 {
		s.mu.Unlock()
		return 0
	}
	var minSeq uint64
	s.entries = append([]Entry(nil), s.entries[i:]...)
	if len(s.entries) > 0 {
		minSeq = s.entries[0].Seq
	} else {
		minSeq = s.nextSeq
	}
	s.mu.Unlock()

	if s.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.backend.Trim(ctx, minSeq); err != nil {
			slog.Warn("context backend trim failed", "minSeq", minSeq, "error", err)
		}
	}
	return i
}

// StartSweeper runs SweepExpired on a timer until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.SweepExpired(s.now()); n > 0 {
					slog.Debug("swept expired context entries", "removed", n)
				}
			}
		}
	}()
}

// Stop halts the sweeper and closes the backend.
func (s *Store) Stop() {
	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			slog.Error("failed to close context backend", "error", err)
		}
	}
}
