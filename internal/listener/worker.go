// Package listener implements component I: accepting TCP connections and
// binding the UDP socket, then handing each off to one of a fixed pool of
// worker threads, each running its own reactor event loop — the same
// "accept on one thread, fan out round-robin to N worker threads each with
// their own epoll set" structure the original server uses, adapted to
// Go's per-OS reactor backends (package reactor) instead of libevent.
package listener

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"gophercache/internal/bufpool"
	"gophercache/internal/connection"
	"gophercache/internal/flog"
	"gophercache/internal/proto"
	"gophercache/internal/reactor"
	"gophercache/internal/sockopt"
	"gophercache/internal/stats"
)

// worker owns one reactor and services every connection handed to it.
// New connections arrive via Assign, which wakes the worker's own event loop
// through a self-pipe rather than sharing the reactor's internal state
// across goroutines (§4.D/§4.I).
type worker struct {
	id         int
	reactor    reactor.Reactor
	dispatcher *proto.Dispatcher
	stats      *stats.Stats
	rpool      *bufpool.Pool
	wpool      *bufpool.Pool

	notifyR, notifyW int

	reqsPerEvent int    // per-connection command budget per reactor wake (§4.G)
	released     func() // frees the listener's MaxConns slot when an assigned fd dies

	mu      sync.Mutex
	pending []int

	connsMu sync.Mutex
	conns   map[int]*connection.Conn
}

func newWorker(id int, d *proto.Dispatcher) (*worker, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		r.Close()
		return nil, err
	}

	label := strconv.Itoa(id)
	w := &worker{
		id:         id,
		reactor:    r,
		dispatcher: d,
		stats:      stats.New("worker-" + label),
		rpool:      bufpool.New("worker-" + label + "-read"),
		wpool:      bufpool.New("worker-" + label + "-write"),
		notifyR:    fds[0],
		notifyW:    fds[1],
		conns:      make(map[int]*connection.Conn),
	}
	if d.Registry != nil {
		d.Registry.Register(w.stats)
	}
	d.RegisterBufPool(w.rpool)
	d.RegisterBufPool(w.wpool)
	if err := r.Register(w.notifyR, reactor.Readable, nil, w.handleNotify); err != nil {
		r.Close()
		return nil, err
	}
	return w, nil
}

// Assign hands an accepted, not-yet-configured fd to this worker. Safe to
// call from the acceptor goroutine while the worker's own reactor loop is
// running concurrently.
func (w *worker) Assign(fd int) {
	w.mu.Lock()
	w.pending = append(w.pending, fd)
	w.mu.Unlock()
	unix.Write(w.notifyW, []byte{0})
}

func (w *worker) handleNotify(fd int, which reactor.EventMask, ctx any) {
	var discard [64]byte
	for {
		n, err := unix.Read(w.notifyR, discard[:])
		if n <= 0 || err != nil {
			break
		}
	}

	w.mu.Lock()
	fds := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, cfd := range fds {
		if err := sockopt.ConnDefaults(cfd); err != nil {
			flog.Debugf("worker %d: ConnDefaults fd %d: %v", w.id, cfd, err)
		}
		if err := sockopt.SetNonblock(cfd); err != nil {
			flog.Errorf("worker %d: SetNonblock fd %d: %v", w.id, cfd, err)
			unix.Close(cfd)
			if w.released != nil {
				w.released()
			}
			continue
		}
		c := connection.NewConn(cfd, w.reactor, w.dispatcher, w.stats, w.rpool, w.wpool, w.onConnClose)
		c.SetReqsPerEvent(w.reqsPerEvent)
		if err := w.reactor.Register(cfd, reactor.Readable, c, c.HandleEvent); err != nil {
			flog.Errorf("worker %d: Register fd %d: %v", w.id, cfd, err)
			c.Close()
			continue
		}
		w.stats.ConnOpened()
		w.connsMu.Lock()
		w.conns[cfd] = c
		w.connsMu.Unlock()
	}
}

func (w *worker) onConnClose(c *connection.Conn) {
	w.connsMu.Lock()
	for fd, cc := range w.conns {
		if cc == c {
			delete(w.conns, fd)
			break
		}
	}
	w.connsMu.Unlock()
	if w.released != nil {
		w.released()
	}
}

// Run blocks, servicing this worker's reactor until ctx is cancelled.
func (w *worker) Run(ctx context.Context) error {
	defer w.reactor.Close()
	defer unix.Close(w.notifyR)
	defer unix.Close(w.notifyW)
	return w.reactor.Run(ctx)
}
