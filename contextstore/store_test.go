package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(opts ...Option) *Store {
	return New(time.Hour, opts...)
}

func appendEntry(t *testing.T, s *Store, sessionID string, role Role, text string) uint64 {
	t.Helper()
	seq, err := s.Append(context.Background(), sessionID, role, text, "")
	if err != nil {
		t.Fatalf("Append %q: %v", text, err)
	}
	return seq
}

func TestAppend_AssignsIncreasingSeq(t *testing.T) {
	s := newTestStore()

	first := appendEntry(t, s, "c1", RoleUser, "bonjour")
	second := appendEntry(t, s, "c2", RoleAssistant, "salut")

	if first != 1 {
		t.Errorf("first seq = %d, want 1", first)
	}
	if second != 2 {
		t.Errorf("second seq = %d, want 2", second)
	}
}

func TestAppend_RejectsInvalidRole(t *testing.T) {
	s := newTestStore()

	_, err := s.Append(context.Background(), "c1", Role("narrator"), "hm", "")
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err = %v, want ErrInvalidRole", err)
	}
}

// Concurrent appends from many sessions must yield strictly increasing,
// duplicate-free sequence numbers.
func TestAppend_ConcurrentSeqUnique(t *testing.T) {
	s := newTestStore()

	const sessions = 8
	const perSession = 50

	var wg sync.WaitGroup
	seqs := make(chan uint64, sessions*perSession)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				seq, err := s.Append(context.Background(), fmt.Sprintf("c%d", id), RoleUser, "x", "")
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				seqs <- seq
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != sessions*perSession {
		t.Errorf("unique seqs = %d, want %d", len(seen), sessions*perSession)
	}

	entries := s.ReadSince(0)
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("entries out of order at index %d: %d then %d", i, entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestReadSince_SkipsOlderEntries(t *testing.T) {
	s := newTestStore()

	appendEntry(t, s, "c1", RoleUser, "one")
	mark := appendEntry(t, s, "c1", RoleAssistant, "two")
	appendEntry(t, s, "c1", RoleUser, "three")

	got := s.ReadSince(mark)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Text != "three" {
		t.Errorf("text = %q, want %q", got[0].Text, "three")
	}
}

func TestReadSince_RestartableFromSeq(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 5; i++ {
		appendEntry(t, s, "c1", RoleUser, fmt.Sprintf("m%d", i))
	}

	first := s.ReadSince(0)[:2]
	rest := s.ReadSince(first[len(first)-1].Seq)

	if len(rest) != 3 {
		t.Fatalf("rest len = %d, want 3", len(rest))
	}
	if rest[0].Seq != first[1].Seq+1 {
		t.Errorf("resume seq = %d, want %d", rest[0].Seq, first[1].Seq+1)
	}
}

func TestSweepExpired_RemovesPastWindow(t *testing.T) {
	now := time.Now()
	clock := now
	s := New(time.Minute, WithClock(func() time.Time { return clock }))

	appendEntry(t, s, "c1", RoleUser, "old")
	clock = now.Add(30 * time.Second)
	appendEntry(t, s, "c1", RoleUser, "newer")

	// Before the window passes both entries are visible.
	if got := len(s.ReadSince(0)); got != 2 {
		t.Fatalf("entries before expiry = %d, want 2", got)
	}

	// Past the first entry's expiry, the sweep drops exactly one.
	removed := s.SweepExpired(now.Add(61 * time.Second))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	got := s.ReadSince(0)
	if len(got) != 1 || got[0].Text != "newer" {
		t.Errorf("remaining = %+v, want only %q", got, "newer")
	}
}

func TestReadSince_HidesExpiredBeforeSweep(t *testing.T) {
	now := time.Now()
	clock := now
	s := New(time.Minute, WithClock(func() time.Time { return clock }))

	appendEntry(t, s, "c1", RoleUser, "fleeting")
	clock = now.Add(2 * time.Minute)

	if got := len(s.ReadSince(0)); got != 0 {
		t.Errorf("expired entries visible = %d, want 0", got)
	}
}

// flakyBackend fails while down is set and records appends otherwise.
type flakyBackend struct {
	mu       sync.Mutex
	down     bool
	appended []Entry
}

func (f *flakyBackend) Append(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	f.appended = append(f.appended, e)
	return nil
}

func (f *flakyBackend) Trim(context.Context, uint64) error { return nil }
func (f *flakyBackend) Close() error                       { return nil }

func (f *flakyBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyBackend) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.appended))
	for i, e := range f.appended {
		out[i] = e.Seq
	}
	return out
}

func TestAppend_BackendOutageFallsBackAndReplays(t *testing.T) {
	backend := &flakyBackend{}
	s := newTestStore(WithBackend(backend))

	appendEntry(t, s, "c1", RoleUser, "before outage")

	backend.setDown(true)
	appendEntry(t, s, "c1", RoleUser, "during outage 1")
	appendEntry(t, s, "c1", RoleUser, "during outage 2")

	// In-memory log keeps everything through the outage.
	if got := len(s.ReadSince(0)); got != 3 {
		t.Fatalf("in-memory entries = %d, want 3", got)
	}

	backend.setDown(false)
	appendEntry(t, s, "c1", RoleUser, "after recovery")

	want := []uint64{1, 2, 3, 4}
	got := backend.seqs()
	if len(got) != len(want) {
		t.Fatalf("backend seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backend seqs = %v, want %v", got, want)
		}
	}
}

func TestRestore_SeedsSeqFromMirror(t *testing.T) {
	s := newTestStore()
	s.Restore([]Entry{
		{Seq: 7, Role: RoleUser, Text: "restored", ExpiresAt: time.Now().Add(time.Hour)},
	})

	seq := appendEntry(t, s, "c1", RoleUser, "fresh")
	if seq != 8 {
		t.Errorf("seq after restore = %d, want 8", seq)
	}
	if got := len(s.ReadSince(0)); got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
}
