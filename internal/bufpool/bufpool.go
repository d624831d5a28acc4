// Package bufpool implements the connection-buffer pool: recyclable,
// page-sized byte buffers with a high-water shrink policy, grounded on the
// sync.Pool-based TPool/UPool pattern in the teacher's internal/pkg/buffer
// package but generalized into a typed pool with per-group statistics
// instead of a bare package-level pool.
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PageSize is the initial (and post-shrink) size handed out by Acquire.
// Chosen to match one memory page, same rationale as the teacher's pooled
// buffers: few enough bytes that idle connections stay cheap, large enough
// that most command lines and small values fit without growing.
const PageSize = 4096

// Buffer is a pool-owned byte slice. Callers may grow it past PageSize (to
// hold a long stats dump or a large stored value); Release decides whether
// the grown backing array is worth recycling.
type Buffer struct {
	Bytes []byte
	peak  int
}

// Pool is one connection-buffer pool, generally one per worker (§4.B:
// "Pool is per worker group"). It tracks allocation failures and
// high-water shrinks for the `stats conn_buffer` introspection command.
type Pool struct {
	name string
	pool sync.Pool

	acquired  atomic.Int64
	released  atomic.Int64
	shrunk    atomic.Int64
	oomEvents atomic.Int64
}

// New creates a named buffer pool. name is surfaced in GroupStats so
// operators can tell worker pools apart in `stats conn_buffer`.
func New(name string) *Pool {
	p := &Pool{name: name}
	p.pool.New = func() any {
		b := make([]byte, PageSize)
		return &Buffer{Bytes: b}
	}
	return p
}

// Acquire returns a buffer from the pool; it never returns nil.
// sync.Pool.New only fails by
// panicking on OOM, which Go cannot recover cleanly from mid-allocation,
// so instead we guard the rare huge-request path via TryAlloc below and
// let Acquire itself always succeed for page-sized buffers.
func (p *Pool) Acquire() *Buffer {
	b := p.pool.Get().(*Buffer)
	p.acquired.Add(1)
	return b
}

// TryAlloc grows an out-of-pool buffer of the requested size, reporting
// failure instead of panicking so callers can reply "out of memory" to the
// client rather than crash the process (§4.B).
func (p *Pool) TryAlloc(size int) (buf []byte, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
			p.oomEvents.Add(1)
		}
	}()
	return make([]byte, size), true
}

// Release returns a buffer to the pool, reporting how many bytes of it were
// in use. A buffer whose backing array grew past ShrinkThreshold is
// discarded rather than recycled, per the shrink policy in §4.C.
func (p *Pool) Release(b *Buffer, used int) {
	if b == nil {
		return
	}
	p.released.Add(1)
	p.ReportPeak(b, used)

	if cap(b.Bytes) > ShrinkThreshold || b.peak > ShrinkThreshold {
		p.shrunk.Add(1)
		return // let the GC reclaim it; do not put back in the pool
	}

	b.Bytes = b.Bytes[:PageSize]
	b.peak = 0
	p.pool.Put(b)
}

// ShrinkThreshold is the high-water mark above which a buffer is freed
// instead of recycled (§4.C "Shrink policy").
const ShrinkThreshold = 8 * PageSize

// ReportPeak records the largest used-bytes high-water mark this buffer has
// seen, independent of Release, so mid-request growth can be tracked.
func (p *Pool) ReportPeak(b *Buffer, used int) {
	if used > b.peak {
		b.peak = used
	}
}

// Grow extends buf's backing array to at least n bytes, copying existing
// content, mirroring the read-buffer growth path of the connection state
// machine (§4.G "nread").
func Grow(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	grown := make([]byte, n)
	copy(grown, buf)
	return grown
}

// GroupStats renders a human-readable summary for `stats conn_buffer`.
func (p *Pool) GroupStats() string {
	return fmt.Sprintf("pool=%s acquired=%d released=%d shrunk=%d oom_events=%d",
		p.name, p.acquired.Load(), p.released.Load(), p.shrunk.Load(), p.oomEvents.Load())
}
