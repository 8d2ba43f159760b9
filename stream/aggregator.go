// Package stream orders, paces and delivers chunked responses to sessions.
// Producers push chunks by index; consumers always observe indices in
// increasing order with no gaps, or a stream error, never out-of-order data.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrEndOfStream is returned by Next after the final chunk was consumed.
	ErrEndOfStream = errors.New("end of stream")
	// ErrReorderOverflow means a gap exceeded the reorder window; the
	// stream fails closed rather than deliver out of order.
	ErrReorderOverflow = errors.New("reorder window exceeded")
	// ErrStreamCancelled means the destination session closed mid-stream.
	ErrStreamCancelled = errors.New("stream cancelled")
	// ErrStreamClosed is returned to producers pushing after termination.
	ErrStreamClosed = errors.New("stream closed")
	// ErrUnknownStream is returned for stream ids that were never opened
	// or are already terminated.
	ErrUnknownStream = errors.New("unknown stream")
)

// Chunk is one ordered piece of a response stream.
type Chunk struct {
	StreamID string
	Index    int
	Content  string
	Final    bool
}

type pendingChunk struct {
	content string
	final   bool
}

// stream carries one orchestration turn's output to one session.
type stream struct {
	id        string
	sessionID string

	// ch is bounded: a full buffer suspends the producer instead of
	// growing memory (backpressure).
	ch     chan Chunk
	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex // serializes channel sends so delivery order holds

	mu        sync.Mutex
	next      int // next index to deliver
	pending   map[int]pendingChunk
	finalSent bool
	failErr   error
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.failErr == nil && !s.finalSent {
		s.failErr = err
		s.pending = nil
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *stream) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Aggregator owns all live response streams.
type Aggregator struct {
	window  int
	bufSize int

	mu        sync.Mutex
	streams   map[string]*stream
	bySession map[string]map[string]*stream
}

// New creates an aggregator with the given reorder window and per-stream
// buffer size.
func New(window, bufSize int) *Aggregator {
	return &Aggregator{
		window:    window,
		bufSize:   bufSize,
		streams:   make(map[string]*stream),
		bySession: make(map[string]map[string]*stream),
	}
}

// OpenStream creates a stream bound to sessionID and returns its id.
func (a *Aggregator) OpenStream(sessionID string) string {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		id:        uuid.Must(uuid.NewV7()).String(),
		sessionID: sessionID,
		ch:        make(chan Chunk, a.bufSize),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[int]pendingChunk),
	}

	a.mu.Lock()
	a.streams[s.id] = s
	if a.bySession[sessionID] == nil {
		a.bySession[sessionID] = make(map[string]*stream)
	}
	a.bySession[sessionID][s.id] = s
	a.mu.Unlock()
	return s.id
}

func (a *Aggregator) lookup(streamID string) (*stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return s, nil
}

// Push submits the chunk at index. Out-of-order indices are buffered up to
// the reorder window and released in sequence; a gap wider than the window
// fails the stream. Push blocks while the consumer's buffer is full and
// returns early if ctx or the stream is cancelled.
func (a *Aggregator) Push(ctx context.Context, streamID string, index int, content string, final bool) error {
	s, err := a.lookup(streamID)
	if err != nil {
		return err
	}

	// Lock order: sendMu before mu. Holding sendMu across the sends keeps
	// concurrent producers from interleaving released batches.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	if s.finalSent || index < s.next {
		// Duplicate or late chunk: tolerated, dropped.
		closed := s.finalSent
		s.mu.Unlock()
		if closed {
			return ErrStreamClosed
		}
		return nil
	}
	if index >= s.next+a.window {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: index %d with %d expected", ErrReorderOverflow, index, s.next))
		return ErrReorderOverflow
	}
	s.pending[index] = pendingChunk{content: content, final: final}

	var batch []Chunk
	for {
		p, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		batch = append(batch, Chunk{StreamID: s.id, Index: s.next, Content: p.content, Final: p.final})
		s.next++
		if p.final {
			s.finalSent = true
			break
		}
	}
	s.mu.Unlock()

	for _, c := range batch {
		select {
		case s.ch <- c:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			if err := s.err(); err != nil {
				return err
			}
			return ErrStreamCancelled
		}
		if c.Final {
			close(s.ch)
		}
	}
	return nil
}

// Next returns the next in-order chunk for the consumer. After the final
// chunk it returns ErrEndOfStream; a failed or cancelled stream yields the
// terminating error. Terminal returns remove the stream.
func (a *Aggregator) Next(ctx context.Context, streamID string) (Chunk, error) {
	s, err := a.lookup(streamID)
	if err != nil {
		return Chunk{}, err
	}

	select {
	case c, ok := <-s.ch:
		if ok {
			return c, nil
		}
		a.remove(s)
		return Chunk{}, ErrEndOfStream
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-s.ctx.Done():
		a.remove(s)
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, ErrStreamCancelled
	}
}

// CancelStream terminates one stream, unblocking its producer.
func (a *Aggregator) CancelStream(streamID string) {
	if s, err := a.lookup(streamID); err == nil {
		s.fail(ErrStreamCancelled)
		a.remove(s)
	}
}

// CancelSession terminates every in-flight stream for a closing session and
// signals their producers to stop.
func (a *Aggregator) CancelSession(sessionID string) {
	a.mu.Lock()
	var cancelled []*stream
	for _, s := range a.bySession[sessionID] {
		cancelled = append(cancelled, s)
	}
	a.mu.Unlock()

	for _, s := range cancelled {
		s.fail(ErrStreamCancelled)
		a.remove(s)
	}
}

func (a *Aggregator) remove(s *stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, s.id)
	if m := a.bySession[s.sessionID]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(a.bySession, s.sessionID)
		}
	}
}

// Len reports the number of live streams.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}
