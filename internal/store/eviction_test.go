package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictionReclaimsLeastRecentlyUsed(t *testing.T) {
	s := New()
	s.SetMaxBytes((itemOverhead + 2) * 3) // room for exactly three entries with 1-byte keys and values

	for _, k := range []string{"a", "b", "c"} {
		it, err := s.Alloc(k, 0, 0, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, s.Put(ModeSet, it))
	}

	// touch "a" so it becomes most-recently-used, leaving "b" as the LRU tail
	_, ok := s.Get("a")
	require.True(t, ok)

	it, _ := s.Alloc("d", 0, 0, []byte("y"))
	require.NoError(t, s.Put(ModeSet, it))

	_, ok = s.Get("b")
	assert.False(t, ok, "expected least-recently-used entry to be evicted")

	for _, k := range []string{"a", "c", "d"} {
		_, ok := s.Get(k)
		assert.Truef(t, ok, "expected %q to survive eviction", k)
	}
}

func TestEvictionDisabledReturnsOutOfMemory(t *testing.T) {
	s := New()
	s.SetDisableEviction(true)

	first, _ := s.Alloc("only", 0, 0, []byte("x"))
	s.SetMaxBytes(itemSize(first)) // room for the first entry and nothing more
	require.NoError(t, s.Put(ModeSet, first))

	second, _ := s.Alloc("other", 0, 0, []byte("y"))
	err := s.Put(ModeSet, second)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, ok := s.Get("only")
	assert.True(t, ok, "existing entry must survive a rejected write")
}

func TestUsedBytesTracksPutAndUnlink(t *testing.T) {
	s := New()
	it, _ := s.Alloc("k", 0, 0, []byte("hello"))
	require.NoError(t, s.Put(ModeSet, it))
	assert.Equal(t, itemSize(it), s.UsedBytes())

	require.True(t, s.Unlink("k"))
	assert.Equal(t, int64(0), s.UsedBytes())
}
