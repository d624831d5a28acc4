package store

import (
	"testing"

	"gophercache/internal/clock"
)

func TestSetThenGetRoundTrip(t *testing.T) {
	s := New()
	it, _ := s.Alloc("a", 0, 0, []byte("1"))
	if err := s.Put(ModeSet, it); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get("a")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Value) != "1" {
		t.Fatalf("got %q", got.Value)
	}

	it2, _ := s.Alloc("a", 0, 0, []byte("2"))
	if err := s.Put(ModeSet, it2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got2, _ := s.Get("a")
	if string(got2.Value) != "2" {
		t.Fatalf("second set did not take effect, got %q", got2.Value)
	}
}

func TestAddFailsWhenVisible(t *testing.T) {
	s := New()
	it, _ := s.Alloc("k", 0, 0, []byte("v"))
	if err := s.Put(ModeAdd, it); err != nil {
		t.Fatalf("first add: %v", err)
	}
	it2, _ := s.Alloc("k", 0, 0, []byte("v2"))
	if err := s.Put(ModeAdd, it2); err != ErrNotStored {
		t.Fatalf("expected ErrNotStored, got %v", err)
	}
}

func TestReplaceFailsWhenMissing(t *testing.T) {
	s := New()
	it, _ := s.Alloc("missing", 0, 0, []byte("v"))
	if err := s.Put(ModeReplace, it); err != ErrNotStored {
		t.Fatalf("expected ErrNotStored, got %v", err)
	}
}

func TestIncrDecrSaturates(t *testing.T) {
	s := New()
	it, _ := s.Alloc("n", 0, 0, []byte("9"))
	s.Put(ModeSet, it)

	v, found, err := s.Incr("n", 2, false)
	if err != nil || !found || v != 11 {
		t.Fatalf("incr: v=%d found=%v err=%v", v, found, err)
	}
	v, found, err = s.Incr("n", 100, true)
	if err != nil || !found || v != 0 {
		t.Fatalf("decr saturate: v=%d found=%v err=%v", v, found, err)
	}
}

func TestIncrDoesNotMutatePinnedReplyBytes(t *testing.T) {
	s := New()
	it, _ := s.Alloc("n", 0, 0, []byte("9"))
	s.Put(ModeSet, it)

	pinned, ok := s.GetForReply("n")
	if !ok {
		t.Fatal("expected hit")
	}
	if pinned.RefCount() != 1 {
		t.Fatalf("expected GetForReply to pin the item, refcount=%d", pinned.RefCount())
	}
	held := pinned.Value // the bytes a queued reply is about to send

	v, found, err := s.Incr("n", 2, false)
	if err != nil || !found || v != 11 {
		t.Fatalf("incr: v=%d found=%v err=%v", v, found, err)
	}
	if string(held) != "9" {
		t.Fatalf("incr mutated bytes still pinned by an outbound reply: %q", held)
	}

	s.Deref(pinned)
}

func TestDeferredDeleteHidesButPins(t *testing.T) {
	stop := Start(t)
	defer stop()

	s := New()
	it, _ := s.Alloc("d", 0, 0, []byte("X"))
	s.Put(ModeSet, it)

	pinned, ok := s.SoftDelete("d", 5)
	if !ok {
		t.Fatal("expected soft delete to find item")
	}
	if pinned.RefCount() < 1 {
		t.Fatal("expected pinned item to carry a reference")
	}

	if _, ok := s.Get("d"); ok {
		t.Fatal("expected deleted item to be invisible to Get")
	}

	addItem, _ := s.Alloc("d", 0, 0, []byte("Y"))
	if err := s.Put(ModeAdd, addItem); err != ErrNotStored {
		t.Fatalf("expected add to fail while delete-locked, got %v", err)
	}

	s.FinalizeDelete(pinned)
	s.Deref(pinned)

	addItem2, _ := s.Alloc("d", 0, 0, []byte("Y"))
	if err := s.Put(ModeAdd, addItem2); err != nil {
		t.Fatalf("expected add to succeed after finalize, got %v", err)
	}
}

func TestFlushRegex(t *testing.T) {
	s := New()
	for _, k := range []string{"user:1", "user:2", "sess:1"} {
		it, _ := s.Alloc(k, 0, 0, []byte("v"))
		s.Put(ModeSet, it)
	}
	n, err := s.FlushRegex("^user:")
	if err != nil {
		t.Fatalf("FlushRegex: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 matches, got %d", n)
	}
	if _, ok := s.Get("user:1"); ok {
		t.Fatal("expected user:1 flushed")
	}
	if _, ok := s.Get("sess:1"); !ok {
		t.Fatal("expected sess:1 to survive")
	}
}

// Start is a small test helper that starts the shared clock for tests
// needing relative-time semantics, returning its stop function.
func Start(t *testing.T) func() {
	t.Helper()
	return clock.Start()
}
