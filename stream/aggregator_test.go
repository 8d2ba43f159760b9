package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestAggregator() *Aggregator {
	return New(8, 4)
}

func push(t *testing.T, a *Aggregator, id string, index int, content string, final bool) {
	t.Helper()
	if err := a.Push(context.Background(), id, index, content, final); err != nil {
		t.Fatalf("Push %d: %v", index, err)
	}
}

func collect(t *testing.T, a *Aggregator, id string) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := a.Next(context.Background(), id)
		if errors.Is(err, ErrEndOfStream) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks = append(chunks, c)
	}
}

func assertOrder(t *testing.T, chunks []Chunk, contents ...string) {
	t.Helper()
	if len(chunks) != len(contents) {
		t.Fatalf("chunks = %d, want %d", len(chunks), len(contents))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Content != contents[i] {
			t.Errorf("chunk %d content = %q, want %q", i, c.Content, contents[i])
		}
	}
}

func TestPush_InOrderDelivery(t *testing.T) {
	a := newTestAggregator()
	id := a.OpenStream("c1")

	push(t, a, id, 0, "Il", false)
	push(t, a, id, 1, " pleut", false)
	push(t, a, id, 2, " à Paris.", true)

	chunks := collect(t, a, id)
	assertOrder(t, chunks, "Il", " pleut", " à Paris.")
	if !chunks[2].Final {
		t.Error("last chunk not final")
	}
}

func TestPush_ReordersWithinWindow(t *testing.T) {
	a := newTestAggregator()
	id := a.OpenStream("c1")

	push(t, a, id, 1, "b", false)
	push(t, a, id, 2, "c", true)
	push(t, a, id, 0, "a", false)

	assertOrder(t, collect(t, a, id), "a", "b", "c")
}

func TestPush_GapBeyondWindowFailsClosed(t *testing.T) {
	a := New(2, 4)
	id := a.OpenStream("c1")

	push(t, a, id, 0, "a", false)
	if err := a.Push(context.Background(), id, 5, "f", false); !errors.Is(err, ErrReorderOverflow) {
		t.Fatalf("Push err = %v, want ErrReorderOverflow", err)
	}

	// The consumer may still see the valid prefix but must end with the
	// stream error, never out-of-order data.
	for {
		c, err := a.Next(context.Background(), id)
		if err != nil {
			if !errors.Is(err, ErrReorderOverflow) {
				t.Fatalf("Next err = %v, want ErrReorderOverflow", err)
			}
			return
		}
		if c.Index != 0 {
			t.Fatalf("out-of-order chunk %d delivered", c.Index)
		}
	}
}

func TestPush_DuplicateChunkDropped(t *testing.T) {
	a := newTestAggregator()
	id := a.OpenStream("c1")

	push(t, a, id, 0, "a", false)
	if _, err := a.Next(context.Background(), id); err != nil {
		t.Fatalf("Next: %v", err)
	}
	push(t, a, id, 0, "a again", false) // duplicate: no-op
	push(t, a, id, 1, "b", true)

	c, err := a.Next(context.Background(), id)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if c.Content != "b" || c.Index != 1 {
		t.Errorf("chunk = %+v, want index 1 %q", c, "b")
	}
}

func TestPush_AfterFinalRejected(t *testing.T) {
	a := newTestAggregator()
	id := a.OpenStream("c1")

	push(t, a, id, 0, "done", true)
	if err := a.Push(context.Background(), id, 1, "extra", false); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("err = %v, want ErrStreamClosed", err)
	}
}

// A full consumer buffer must suspend the producer, not grow memory.
func TestPush_BackpressureBlocksProducer(t *testing.T) {
	a := New(8, 1)
	id := a.OpenStream("c1")

	push(t, a, id, 0, "a", false)

	blocked := make(chan error, 1)
	go func() {
		// Buffer holds one chunk, so the second push must block until
		// the consumer drains.
		blocked <- a.Push(context.Background(), id, 1, "b", false)
	}()

	select {
	case err := <-blocked:
		t.Fatalf("push returned %v while buffer full", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := a.Next(context.Background(), id); err != nil {
		t.Fatalf("Next: %v", err)
	}
	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push still blocked after drain")
	}
}

// Closing a session cancels its streams and unblocks suspended producers.
func TestCancelSession_UnblocksProducer(t *testing.T) {
	a := New(8, 1)
	id := a.OpenStream("c1")

	push(t, a, id, 0, "a", false)

	blocked := make(chan error, 1)
	go func() {
		blocked <- a.Push(context.Background(), id, 1, "b", false)
	}()
	time.Sleep(20 * time.Millisecond)

	a.CancelSession("c1")

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrStreamCancelled) {
			t.Errorf("err = %v, want ErrStreamCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after cancel")
	}

	if a.Len() != 0 {
		t.Errorf("live streams = %d, want 0", a.Len())
	}
}

func TestCancelSession_LeavesOtherSessionsAlone(t *testing.T) {
	a := newTestAggregator()
	mine := a.OpenStream("c1")
	other := a.OpenStream("c2")

	a.CancelSession("c1")

	if err := a.Push(context.Background(), other, 0, "fine", true); err != nil {
		t.Errorf("untouched stream errored: %v", err)
	}
	if _, err := a.Next(context.Background(), mine); !errors.Is(err, ErrStreamCancelled) && !errors.Is(err, ErrUnknownStream) {
		t.Errorf("cancelled stream Next err = %v", err)
	}
}

func TestNext_UnknownStream(t *testing.T) {
	a := newTestAggregator()
	if _, err := a.Next(context.Background(), "nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("err = %v, want ErrUnknownStream", err)
	}
}
