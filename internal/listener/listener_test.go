//go:build linux || darwin

package listener

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"gophercache/internal/deferred"
	"gophercache/internal/pkg/iterator"
	"gophercache/internal/proto"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

func TestNextAcceptBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct{ cur, want time.Duration }{
		{0, 5 * time.Millisecond},
		{5 * time.Millisecond, 10 * time.Millisecond},
		{10 * time.Millisecond, 20 * time.Millisecond},
		{640 * time.Millisecond, acceptBackoffMax},
		{acceptBackoffMax, acceptBackoffMax},
	}
	for _, c := range cases {
		if got := nextAcceptBackoff(c.cur); got != c.want {
			t.Errorf("nextAcceptBackoff(%v) = %v, want %v", c.cur, got, c.want)
		}
	}
}

// acceptHarness is one worker plus one loopback TCP listening socket wired
// the same way New does it, minus the parts under test being configurable
// per case; tests drive acceptLoop directly the way conn_test drives
// HandleEvent.
type acceptHarness struct {
	l    *Listener
	w    *worker
	fd   int
	addr string
}

func newAcceptHarness(t *testing.T, maxConns int) *acceptHarness {
	t.Helper()

	st := store.New()
	d := &proto.Dispatcher{Store: st, Deferred: deferred.New(st), Registry: stats.NewRegistry(), Version: "test"}
	w, err := newWorker(0, d)
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}

	fd, err := bindTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bindTCP: %v", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	l := &Listener{cfg: Config{NumWorkers: 1, MaxConns: maxConns}, tcpFD: fd, udpFD: -1, unixFD: -1}
	if maxConns > 0 {
		l.connSlots = make(chan struct{}, maxConns)
	}
	w.released = l.releaseConnSlot
	l.workers = []*worker{w}
	l.next = &iterator.Iterator[*worker]{Items: l.workers}

	return &acceptHarness{l: l, w: w, fd: fd, addr: fmt.Sprintf("127.0.0.1:%d", port)}
}

func (h *acceptHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.w.Run(ctx)
	go h.l.acceptLoop(ctx, h.fd)
	t.Cleanup(func() {
		cancel()
		unix.Close(h.fd) // unblocks an acceptLoop parked in accept(2)
	})
}

func (h *acceptHarness) waitForTotalConns(t *testing.T, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.w.stats.Snapshot()["total_connections"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for total_connections=%s, have %s",
		want, h.w.stats.Snapshot()["total_connections"])
}

func TestMaxConnsGatesAccept(t *testing.T) {
	h := newAcceptHarness(t, 1)
	h.start(t)

	c1, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()
	h.waitForTotalConns(t, "1", 2*time.Second)

	// The second connect completes at the TCP level via the kernel backlog,
	// but the slot semaphore is full: accept(2) must not pick it up yet.
	c2, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()
	time.Sleep(150 * time.Millisecond)
	if got := h.w.stats.Snapshot()["total_connections"]; got != "1" {
		t.Fatalf("expected second connection to wait for a free slot, total_connections=%s", got)
	}

	// Closing the first frees its slot; the parked acceptor picks up the
	// second.
	c1.Close()
	h.waitForTotalConns(t, "2", 2*time.Second)
}

func TestAcceptLoopSurvivesFDExhaustion(t *testing.T) {
	h := newAcceptHarness(t, 0)

	// Connect before the loop starts so a completed connection is already
	// waiting in the backlog when accept(2) first hits EMFILE.
	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var orig unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &orig); err != nil {
		t.Fatalf("getrlimit: %v", err)
	}
	// Lowering the soft limit to the next free fd number makes every new
	// allocation, accept(2)'s included, fail with EMFILE.
	probe, err := unix.Dup(0)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	unix.Close(probe)
	lowered := orig
	lowered.Cur = uint64(probe)
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered); err != nil {
		t.Skipf("cannot lower RLIMIT_NOFILE: %v", err)
	}
	restored := false
	restore := func() {
		if !restored {
			restored = true
			unix.Setrlimit(unix.RLIMIT_NOFILE, &orig)
		}
	}
	defer restore()

	h.start(t)

	// Let the loop hit EMFILE and enter its retry backoff, then lift the
	// limit: the loop must still be alive and accept the pending
	// connection instead of having exited on the error.
	time.Sleep(30 * time.Millisecond)
	restore()
	h.waitForTotalConns(t, "1", 2*time.Second)
}

func TestBindUnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sock")

	fd, err := bindUnix(path)
	if err != nil {
		t.Fatalf("bindUnix: %v", err)
	}
	unix.Close(fd)

	// The socket file is left behind; a rebind must unlink and replace it
	// rather than fail with EADDRINUSE.
	fd2, err := bindUnix(path)
	if err != nil {
		t.Fatalf("rebind over stale socket: %v", err)
	}
	unix.Close(fd2)
}
