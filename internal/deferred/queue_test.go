package deferred

import (
	"testing"

	"gophercache/internal/store"
)

func TestSweepFinalizesDueEntriesOnly(t *testing.T) {
	st := store.New()
	q := New(st)

	it, _ := st.Alloc("a", 0, 0, []byte("1"))
	st.Put(store.ModeSet, it)
	pinned, _ := st.SoftDelete("a", 0) // deadline already in the past relative to "now"
	if err := q.Enqueue(pinned, -1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	it2, _ := st.Alloc("b", 0, 0, []byte("2"))
	st.Put(store.ModeSet, it2)
	pinned2, _ := st.SoftDelete("b", 0)
	if err := q.Enqueue(pinned2, 1000); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n := q.Sweep(0)
	if n != 1 {
		t.Fatalf("expected exactly 1 due entry, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 entry still pending, got %d", q.Len())
	}
	if pinned.Deleted() {
		t.Fatal("expected finalized item to be unmarked deleted")
	}
}

func TestEnqueueFullDropsReference(t *testing.T) {
	st := store.New()
	q := New(st)
	q.count = MaxPending

	it, _ := st.Alloc("x", 0, 0, []byte("v"))
	st.Put(store.ModeSet, it)
	pinned, _ := st.SoftDelete("x", 100)
	before := pinned.RefCount()

	if err := q.Enqueue(pinned, 100); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if pinned.RefCount() != before-1 {
		t.Fatalf("expected reference dropped, had %d now %d", before, pinned.RefCount())
	}
}
