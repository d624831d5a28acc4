// Package store implements the item/storage engine collaborator named in
// spec §9's Design Notes: a narrow interface (Get, Alloc, Put,
// Unlink, Deref, UpdateLRU, ItemGetWithDeleteFlag, FlushBefore) sitting
// behind the protocol core. It is "out of scope" for the protocol engine
// itself, but the engine cannot be exercised without a working collaborator,
// so this package provides one: a hash index backed by
// github.com/patrickmn/go-cache for the expiring key table, with our own
// mutex-guarded layer on top for LRU ordering, reference counting, and the
// delete-lock/grace-window semantics go-cache does not express on its own.
package store

import (
	"container/list"
	"sync/atomic"
)

// Item is a stored key/value unit: flags, expiration, and a reference count
// that must stay >= 1 for as long as any reply slot (see package reply)
// still references its bytes.
type Item struct {
	Key      string
	Flags    uint32
	Value    []byte
	ExpireAt int64 // relative clock seconds; 0 = never expires
	StoredAt int64 // relative clock seconds the item was created at

	deleted  atomic.Bool
	deleteAt int64 // deadline (relative clock seconds) a deferred delete unlinks at
	refcount atomic.Int32
	lruElem  *list.Element
}

// Ref increments the reference count and returns the item, for callers that
// want to pin an item across an I/O suspension (a reply slot, §3).
func (it *Item) Ref() *Item {
	it.refcount.Add(1)
	return it
}

// RefCount reports the current reference count, used by Incr and eviction
// to leave pinned items alone, and by tests.
func (it *Item) RefCount() int32 {
	return it.refcount.Load()
}

// Deleted reports whether the item has been soft-deleted (hidden from
// reads) but may still be pinned until its grace deadline.
func (it *Item) Deleted() bool {
	return it.deleted.Load()
}
