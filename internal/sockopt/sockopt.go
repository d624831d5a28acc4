// Package sockopt centralizes the raw socket-option tuning the listener
// applies to every accepted connection and to the listening sockets
// themselves (§4.I). Grounded on the teacher's direct syscall-level socket
// handling (internal/socket, which opens raw AF_PACKET handles and tunes
// them with ioctl/setsockopt) adapted here to ordinary TCP/UDP sockets via
// golang.org/x/sys/unix.
package sockopt

import "golang.org/x/sys/unix"

// ListenerDefaults applies SO_REUSEADDR (so a restarted server can rebind a
// just-closed port) to a freshly created listening socket.
func ListenerDefaults(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// ConnDefaults tunes an accepted TCP connection: TCP_NODELAY disables
// Nagle's algorithm so small command/reply pairs are not held back waiting
// to coalesce, SO_KEEPALIVE detects a peer that vanished without FIN, and
// SO_LINGER(0,0) leaves lingering off, so close returns at once while the
// kernel still delivers any queued bytes, matching memcached's own
// accept-time tuning.
func ConnDefaults(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	return SetLinger(fd, 0, 0)
}

// SetLinger configures SO_LINGER. Passing onoff=0 restores the default
// (graceful close); onoff=1 with linger=0 forces an immediate RST, used when
// a connection is abandoned mid-protocol-violation rather than drained.
func SetLinger(fd int, onoff, linger int) error {
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
		Onoff:  int32(onoff),
		Linger: int32(linger),
	})
}

// probeStep is the granularity of the UDP buffer binary search below.
const probeStep = 4096

// ProbeUDPBuffer binary-searches for the largest SO_RCVBUF/SO_SNDBUF value
// the kernel will actually accept up to max, the way the original increases
// its UDP socket buffers as far as the OS allows rather than assuming a
// fixed size works everywhere (§4.I "UDP socket buffer sizing").
func ProbeUDPBuffer(fd, opt, max int) (int, error) {
	lo, hi := probeStep, max
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		mid -= mid % probeStep
		if mid == 0 {
			break
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, mid); err != nil {
			hi = mid - probeStep
			continue
		}
		best = mid
		lo = mid + probeStep
	}
	if best == 0 {
		return 0, unix.EINVAL
	}
	return best, nil
}

// SetNonblock marks fd non-blocking, required before registering it with a
// reactor (§4.D).
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
