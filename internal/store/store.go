package store

import (
	"container/list"
	"errors"
	"regexp"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"gophercache/internal/clock"
)

// StoreMode selects add/set/replace semantics for Store.Put, matching the
// three store verbs in the wire protocol (§4.F).
type StoreMode int

const (
	ModeSet StoreMode = iota
	ModeAdd
	ModeReplace
)

var (
	// ErrNotStored means the add/replace precondition was not met.
	ErrNotStored = errors.New("not stored")
	// ErrOutOfMemory surfaces an allocation failure to the caller so it can
	// reply SERVER_ERROR out of memory (§7).
	ErrOutOfMemory = errors.New("out of memory")
)

// itemOverhead approximates the bookkeeping cost of one entry (hash index
// slot, LRU element, Item struct header) beyond its key and value bytes, so
// -m/max_bytes accounting roughly tracks real heap usage rather than just
// payload size.
const itemOverhead = 64

// Store is the shared, concurrency-safe item table. A single mutex guards
// LRU order and the compound add/replace/incr-decr operations; the
// underlying go-cache instance is itself safe for concurrent Get/Set, so
// the mutex only needs to cover the read-modify-write sections the spec's
// "single cache lock" discipline calls for (§5).
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
	lru   *list.List // front = most recently used

	buckets *BucketTable

	maxBytes        int64 // 0 = unbounded
	usedBytes       int64
	disableEviction bool
}

// New creates an empty store. go-cache is created with NoExpiration and no
// cleanup interval, so its janitor never runs: expiration is checked by this
// package on lookup and deferred deletes are finalized by the deferred-delete
// queue (package deferred), keeping our delete-lock and grace-window
// semantics authoritative.
func New() *Store {
	return &Store{
		cache:   gocache.New(gocache.NoExpiration, 0),
		lru:     list.New(),
		buckets: NewBucketTable(256),
	}
}

// SetMaxBytes bounds how much item storage (key+value+overhead) Put will
// hold before evicting the least-recently-used items to make room (§6 "-m
// max bytes"). A non-positive n leaves the store unbounded.
func (s *Store) SetMaxBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = n
}

// SetDisableEviction turns off the automatic LRU eviction Put otherwise
// performs to make room: once disabled, a Put that would exceed max_bytes
// fails with ErrOutOfMemory instead (§6 "-M disable eviction").
func (s *Store) SetDisableEviction(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableEviction = v
}

// UsedBytes reports the current accounted item storage, for `stats`.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}

func itemSize(it *Item) int64 {
	return int64(len(it.Key)+len(it.Value)) + itemOverhead
}

// evictForSpace frees least-recently-used items, skipping any still pinned
// by an in-flight reply (RefCount > 0), until usedBytes+need fits within
// maxBytes or there is nothing left evictable. Returns false if it could not
// make enough room.
func (s *Store) evictForSpace(need int64) bool {
	if s.maxBytes <= 0 {
		return true
	}
	if s.disableEviction {
		return s.usedBytes+need <= s.maxBytes
	}
	e := s.lru.Back()
	for s.usedBytes+need > s.maxBytes && e != nil {
		it := e.Value.(*Item)
		prev := e.Prev()
		if it.RefCount() == 0 {
			s.lru.Remove(e)
			s.cache.Delete(it.Key)
			s.usedBytes -= itemSize(it)
		}
		e = prev
	}
	return s.usedBytes+need <= s.maxBytes
}

// Buckets exposes the managed-mode bucket/generation table.
func (s *Store) Buckets() *BucketTable { return s.buckets }

// SetBucketCount replaces the managed-mode bucket table with one sized n,
// for deployments that configure a non-default bucket count (§3 managed
// mode). Must be called before the server starts accepting connections:
// it is not safe to race against concurrent own/disown/bg commands.
func (s *Store) SetBucketCount(n int) {
	if n <= 0 {
		return
	}
	s.buckets = NewBucketTable(n)
}

// Get returns the visible item for key: it must exist, not be soft-deleted,
// and not be past its expiration. On a hit, LRU order is refreshed.
func (s *Store) Get(key string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doGet(key)
}

// GetForReply returns the visible item for key the same way Get does, but
// also pins it (Item.Ref) under the store's lock before returning, the way
// SoftDelete already pins an item for the deferred-delete queue. This
// closes the gap Get alone leaves open: a reply slot (§3) that queues
// it.Value into the outbound assembler needs the item's bytes to stay
// untouched until transmission completes, but Incr mutates a item's value
// in place whenever nothing has it pinned. Callers must Deref exactly once
// when the reply finishes sending.
func (s *Store) GetForReply(key string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.doGet(key)
	if !ok {
		return nil, false
	}
	return it.Ref(), true
}

func (s *Store) doGet(key string) (*Item, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	it := v.(*Item)
	if it.Deleted() {
		return nil, false
	}
	if s.isExpired(it) {
		s.doUnlink(key)
		return nil, false
	}
	s.doUpdateLRU(it)
	return it, true
}

// ItemGetWithDeleteFlag returns the item regardless of its soft-delete
// state, plus whether it is currently soft-deleted, so a caller can tell a
// deleted-but-pinned item apart from a missing one (§4.F: "a grace-period
// delete holds the item hidden but pinned"). Put does not call it; it makes
// the same distinction itself for add and replace.
func (s *Store) ItemGetWithDeleteFlag(key string) (it *Item, deleted bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(key)
	if !found {
		return nil, false, false
	}
	it = v.(*Item)
	if s.isExpired(it) && !it.Deleted() {
		s.doUnlink(key)
		return nil, false, false
	}
	return it, it.Deleted(), true
}

func (s *Store) isExpired(it *Item) bool {
	return it.ExpireAt != 0 && it.ExpireAt <= clock.Now()
}

// Alloc builds a new item without inserting it into the store. Failure
// returns ErrOutOfMemory; callers surface this as SERVER_ERROR.
func (s *Store) Alloc(key string, flags uint32, exptime int64, value []byte) (*Item, error) {
	buf := make([]byte, len(value))
	copy(buf, value)
	return &Item{
		Key:      key,
		Flags:    flags,
		Value:    buf,
		ExpireAt: clock.Realtime(exptime),
		StoredAt: clock.Now(),
	}, nil
}

// Put stores it according to mode (add/set/replace), returning ErrNotStored
// when the precondition for add or replace is not met.
//
//   - add stores only if no visible item exists, and also fails against a
//     live delete-lock (a soft-deleted item not yet finalized by the
//     deferred-delete queue), which is hidden from Get but still holds the key.
//   - replace stores only if a visible item exists.
//   - set always stores, bypassing any delete-lock in effect.
func (s *Store) Put(mode StoreMode, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existingV, found := s.cache.Get(it.Key)
	var existing *Item
	if found {
		existing = existingV.(*Item)
	}
	visible := found && !existing.Deleted() && !s.isExpired(existing)

	switch mode {
	case ModeAdd:
		if visible {
			s.doUpdateLRU(existing) // refresh LRU per §4.F even on failed add
			return ErrNotStored
		}
		if found && existing.Deleted() {
			return ErrNotStored // delete-locked
		}
	case ModeReplace:
		if !visible {
			return ErrNotStored
		}
	case ModeSet:
		// always proceeds, bypassing delete-lock
	}

	if existing != nil && existing.lruElem != nil {
		s.lru.Remove(existing.lruElem)
		s.usedBytes -= itemSize(existing)
	}

	if !s.evictForSpace(itemSize(it)) {
		// put the old entry's accounting back; its cache row is still intact
		if existing != nil && existing.lruElem != nil {
			existing.lruElem = s.lru.PushFront(existing)
			s.usedBytes += itemSize(existing)
		}
		return ErrOutOfMemory
	}

	s.cache.Set(it.Key, it, gocache.NoExpiration)
	it.lruElem = s.lru.PushFront(it)
	s.usedBytes += itemSize(it)
	return nil
}

// Incr adds delta to the numeric value stored at key (ASCII base-10,
// parsed as a prefix). Decr saturates at 0 instead of underflowing (§4.F,
// testable property 7). Returns the new value and whether the key existed.
func (s *Store) Incr(key string, delta uint64, decrement bool) (newVal uint64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.doGet(key)
	if !ok {
		return 0, false, nil
	}

	cur, perr := parseUint(it.Value)
	if perr != nil {
		return 0, true, perr
	}

	var next uint64
	if decrement {
		if delta >= cur {
			next = 0
		} else {
			next = cur - delta
		}
	} else {
		next = cur + delta
	}

	replacement := formatUint(next)
	if it.RefCount() == 0 && cap(it.Value) >= len(replacement) {
		// room in place and nobody is holding a pinned reply reference to the old bytes
		s.usedBytes += int64(len(replacement) - len(it.Value))
		it.Value = it.Value[:len(replacement)]
		copy(it.Value, replacement)
	} else {
		newItem := &Item{Key: it.Key, Flags: it.Flags, ExpireAt: it.ExpireAt, StoredAt: it.StoredAt, Value: replacement}
		if it.lruElem != nil {
			s.lru.Remove(it.lruElem)
			s.usedBytes -= itemSize(it)
		}
		s.cache.Set(key, newItem, gocache.NoExpiration)
		newItem.lruElem = s.lru.PushFront(newItem)
		s.usedBytes += itemSize(newItem)
	}
	return next, true, nil
}

// Unlink immediately removes key from the store, returning whether it had
// existed and was visible.
func (s *Store) Unlink(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doGet(key)
	if !ok {
		return false
	}
	s.doUnlink(key)
	return true
}

func (s *Store) doUnlink(key string) {
	if v, ok := s.cache.Get(key); ok {
		it := v.(*Item)
		if it.lruElem != nil {
			s.lru.Remove(it.lruElem)
			s.usedBytes -= itemSize(it)
		}
	}
	s.cache.Delete(key)
}

// SoftDelete marks key as deleted (invisible to Get, still blocking add in
// Put) without unlinking it, returning the pinned item for the
// caller to hand to the deferred-delete queue together with graceSeconds.
func (s *Store) SoftDelete(key string, graceSeconds int64) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.doGet(key)
	if !ok {
		return nil, false
	}
	it.deleted.Store(true)
	it.deleteAt = clock.Now() + graceSeconds
	return it.Ref(), true
}

// FinalizeDelete is called by the deferred-delete queue once an entry's
// deadline has passed: it unmarks deleted and unlinks the item for good.
func (s *Store) FinalizeDelete(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.deleted.Store(false)
	s.doUnlink(it.Key)
}

// UpdateLRU refreshes key's recency without fetching its value.
func (s *Store) UpdateLRU(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doUpdateLRU(it)
}

func (s *Store) doUpdateLRU(it *Item) {
	if it.lruElem != nil {
		s.lru.MoveToFront(it.lruElem)
	}
}

// Deref releases one reference to it. When the count reaches zero and the
// item has been soft-deleted, there is nothing further to do: FinalizeDelete
// already unlinked it from the index; Deref only manages the reply-slot
// pin described in §3.
func (s *Store) Deref(it *Item) {
	it.refcount.Add(-1)
}

// forceExpire stamps it with deadline t, steering clear of the 0 = "never
// expires" sentinel: a flush issued at relative time 0 must still expire
// everything rather than silently resurrect immortality.
func forceExpire(it *Item, t int64) {
	if t == 0 {
		t = -1
	}
	it.ExpireAt = t
}

// FlushBefore sets the expiration of every item that would otherwise outlive
// t (never-expiring ones included) to t, implementing `flush_all [delay]`
// (§4.F). Items are not unlinked immediately; once t has passed they are
// invisible to Get and are unlinked lazily on lookup, like natural expiration.
func (s *Store) FlushBefore(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.cache.Items() {
		it := v.Object.(*Item)
		if it.ExpireAt == 0 || it.ExpireAt > t {
			forceExpire(it, t)
		}
	}
}

// FlushRegex expires every key matching pattern, implementing
// `flush_regex <pattern>`.
func (s *Store) FlushRegex(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := clock.Now()
	for k, v := range s.cache.Items() {
		if !re.MatchString(k) {
			continue
		}
		it := v.Object.(*Item)
		forceExpire(it, now)
		n++
	}
	return n, nil
}

// ItemCount reports the number of entries currently in the index,
// including soft-deleted-but-pinned ones, for `stats`.
func (s *Store) ItemCount() int {
	return s.cache.ItemCount()
}
