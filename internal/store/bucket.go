package store

import "sync/atomic"

// BucketTable is the managed-mode bucket/generation table (§3, §4.F
// own/disown/bg). It is read without locking: each slot is a single
// word, matching the teacher's lock-free iterator.Iterator pattern
// (internal/pkg/iterator) applied here to fixed-size atomic state instead
// of round-robin selection. Writes are idempotent: setting a bucket to the
// generation it already holds is a no-op.
type BucketTable struct {
	generations []atomic.Uint32
}

// NewBucketTable allocates a table with n buckets, all starting at
// generation 0 (unowned).
func NewBucketTable(n int) *BucketTable {
	return &BucketTable{generations: make([]atomic.Uint32, n)}
}

// Own assigns bucket to generation gen, unconditionally. Used by the `own`
// command when a server takes ownership of a bucket.
func (t *BucketTable) Own(bucket uint16, gen uint32) error {
	if int(bucket) >= len(t.generations) {
		return errBucketRange
	}
	t.generations[bucket].Store(gen)
	return nil
}

// Disown resets bucket to generation 0 (unowned). Used by the `disown`
// command.
func (t *BucketTable) Disown(bucket uint16) error {
	return t.Own(bucket, 0)
}

// Generation returns the current generation owning bucket, for the `bg`
// (bucket-generation query) command.
func (t *BucketTable) Generation(bucket uint16) (uint32, error) {
	if int(bucket) >= len(t.generations) {
		return 0, errBucketRange
	}
	return t.generations[bucket].Load(), nil
}

type bucketRangeError struct{}

func (bucketRangeError) Error() string { return "bucket out of range" }

var errBucketRange error = bucketRangeError{}
