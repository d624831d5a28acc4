// Package reactor implements component D: a level-triggered-equivalent
// readiness multiplexer. The contract is platform-neutral ("register fd
// with flags, invoke callback when ready"); epoll_linux.go and
// kqueue_darwin.go provide the two concrete backends, grounded on the
// teacher's pattern of per-OS files for low-level socket work
// (internal/tun/route_linux.go, route_darwin.go, offset_linux.go,
// offset_darwin.go) and its own raw-syscall socket package
// (internal/socket).
package reactor

import "context"

// EventMask selects which readiness conditions a registration cares about.
type EventMask uint8

const (
	None     EventMask = 0
	Readable EventMask = 1 << 0
	Writable EventMask = 1 << 1
	Both               = Readable | Writable
)

// Callback is invoked by the reactor when fd becomes ready for the
// conditions in which. ctx is the opaque registration context passed to
// Register, typically a *connection.Conn.
type Callback func(fd int, which EventMask, ctx any)

// Reactor is the abstract contract every worker's event loop implements.
// A registration remains armed until explicitly removed or updated:
// update_event(conn, new_flags) is idempotent when flags are unchanged,
// otherwise it atomically removes and re-adds (§4.D).
type Reactor interface {
	// Register arms fd for the given event mask, persistently: the
	// callback fires on every matching readiness event until Remove or
	// Update changes the mask.
	Register(fd int, mask EventMask, ctx any, cb Callback) error
	// Update changes the armed mask for fd. A no-op if mask is unchanged.
	Update(fd int, mask EventMask) error
	// Remove disarms and forgets fd.
	Remove(fd int) error
	// Run blocks, dispatching callbacks, until ctx is cancelled or Close
	// is called.
	Run(ctx context.Context) error
	// Close releases the underlying OS resource (epoll/kqueue fd).
	Close() error
}
