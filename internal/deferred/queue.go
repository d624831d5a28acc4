// Package deferred implements component H: the deferred-delete queue. A
// soft-deleted item is held pinned until its grace-window deadline passes,
// at which point a periodic sweep unlinks it for good (§4.H). Entries are
// ordered by deadline in a github.com/google/btree tree (pulled from the
// retrieval pack's indirect dependency set) instead of the original's
// linear array compaction, so a sweep only has to walk the prefix of
// entries whose deadline has already passed rather than scan everything
// pending.
package deferred

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"gophercache/internal/clock"
	"gophercache/internal/store"
)

// SweepInterval is how often the queue checks for expired entries, per
// §4.H ("a timer that fires every 5 seconds").
const SweepInterval = 5 * time.Second

// MaxPending bounds the queue so a pathological client issuing unbounded
// grace-delete requests cannot grow it without limit; past this the
// caller's enqueue fails the way an allocation failure would (§4.H
// "Enqueue failures ... drop the reference and return an error").
const MaxPending = 1 << 20

// ErrQueueFull is returned by Enqueue when MaxPending is exceeded.
var ErrQueueFull = errors.New("deferred: queue full")

type entry struct {
	deadline int64
	seq      uint64
	item     *store.Item
}

func (e *entry) Less(than btree.Item) bool {
	o := than.(*entry)
	if e.deadline != o.deadline {
		return e.deadline < o.deadline
	}
	return e.seq < o.seq
}

// Queue is the shared pending-delete set, guarded by the same discipline
// as the store's single cache lock (§5: "guarded by the same lock during
// its timer sweep").
type Queue struct {
	mu    sync.Mutex
	tree  *btree.BTree
	seq   uint64
	count int

	store *store.Store
}

// New creates an empty queue backed by st for finalizing deletes.
func New(st *store.Store) *Queue {
	return &Queue{tree: btree.New(32), store: st}
}

// Enqueue schedules it to be finalized once deadline (a relative clock
// reading) passes. it must already carry a pinned reference (see
// store.Store.SoftDelete); on failure the reference is dropped here so the
// caller can surface SERVER_ERROR out of memory without leaking the pin.
func (q *Queue) Enqueue(it *store.Item, deadline int64) error {
	q.mu.Lock()
	if q.count >= MaxPending {
		q.mu.Unlock()
		q.store.Deref(it)
		return ErrQueueFull
	}
	q.seq++
	q.tree.ReplaceOrInsert(&entry{deadline: deadline, seq: q.seq, item: it})
	q.count++
	q.mu.Unlock()
	return nil
}

// Sweep finalizes every entry whose deadline is <= now, returning how many
// were processed. Ascending iteration over the btree means it stops at the
// first entry still in the future rather than scanning the whole set.
func (q *Queue) Sweep(now int64) int {
	q.mu.Lock()
	var due []*entry
	q.tree.Ascend(func(i btree.Item) bool {
		e := i.(*entry)
		if e.deadline > now {
			return false
		}
		due = append(due, e)
		return true
	})
	for _, e := range due {
		q.tree.Delete(e)
		q.count--
	}
	q.mu.Unlock()

	for _, e := range due {
		q.store.FinalizeDelete(e.item)
		q.store.Deref(e.item)
	}
	return len(due)
}

// Len reports how many entries are currently pending, for `stats`.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Run launches the periodic sweep goroutine; it returns a stop function.
func (q *Queue) Run(ctx context.Context) (stop func()) {
	ticker := time.NewTicker(SweepInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				q.Sweep(clock.Now())
			}
		}
	}()

	return func() { close(done) }
}
