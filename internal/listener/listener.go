package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"gophercache/internal/bufpool"
	"gophercache/internal/connection"
	"gophercache/internal/flog"
	"gophercache/internal/pkg/iterator"
	"gophercache/internal/proto"
	"gophercache/internal/reactor"
	"gophercache/internal/sockopt"
)

// Config selects which sockets Listener opens and how many worker threads
// service them (§6 CLI surface: -p, -U, -s, -c, -t).
type Config struct {
	Addr       string
	TCPPort    int    // 0 disables TCP
	UDPPort    int    // 0 disables UDP
	StreamPath string // non-empty enables a unix stream socket, mutually exclusive with TCP/UDP (§6)
	NumWorkers int
	UDPRecvBuf int // advisory max for sockopt.ProbeUDPBuffer; 0 skips probing

	// ReqsPerEvent bounds how many commands one fd handles per reactor
	// wake-up before yielding (§4.G, the -R flag). 0 means unlimited.
	ReqsPerEvent int

	// MaxConns caps simultaneous accepted connections (§6 -c). When the cap
	// is reached the acceptors stop accepting until a connection closes,
	// the same discipline §4.G prescribes for EMFILE. 0 means unlimited.
	MaxConns int

	// MaxAcceptsPerSec caps the accept(2) rate on each listening socket,
	// smoothing a connection-storm (a reconnect herd after a network blip)
	// into a steady trickle the worker pool can absorb instead of a burst of
	// handshake/setsockopt work all landing in the same instant. 0 disables
	// limiting.
	MaxAcceptsPerSec int
}

// Listener owns the listening sockets and the fixed worker pool connections
// are handed off to, round-robin, once accepted (§4.I).
type Listener struct {
	cfg Config

	tcpFD  int // -1 if TCP disabled
	udpFD  int // -1 if UDP disabled
	unixFD int // -1 if the unix stream socket is disabled

	workers []*worker
	next    *iterator.Iterator[*worker]

	acceptLimiter *rate.Limiter // nil when unlimited
	connSlots     chan struct{} // nil when MaxConns is unlimited

	wg sync.WaitGroup
}

// New opens the configured listening sockets (without yet accepting) and
// builds the worker pool. UDP, if enabled, is registered on worker 0's
// reactor rather than given a dedicated thread, since a single socket's
// readiness notifications are cheap to interleave with that worker's
// connections.
func New(cfg Config, d *proto.Dispatcher) (*Listener, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}

	l := &Listener{cfg: cfg, tcpFD: -1, udpFD: -1, unixFD: -1}
	if cfg.MaxAcceptsPerSec > 0 {
		l.acceptLimiter = rate.NewLimiter(rate.Limit(cfg.MaxAcceptsPerSec), cfg.MaxAcceptsPerSec)
	}
	if cfg.MaxConns > 0 {
		l.connSlots = make(chan struct{}, cfg.MaxConns)
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		w, err := newWorker(i, d)
		if err != nil {
			l.closeWorkers()
			return nil, fmt.Errorf("listener: worker %d: %w", i, err)
		}
		w.reqsPerEvent = cfg.ReqsPerEvent
		w.released = l.releaseConnSlot
		l.workers = append(l.workers, w)
	}
	l.next = &iterator.Iterator[*worker]{Items: l.workers}

	if cfg.StreamPath != "" {
		fd, err := bindUnix(cfg.StreamPath)
		if err != nil {
			l.closeWorkers()
			return nil, fmt.Errorf("listener: bind unix stream: %w", err)
		}
		l.unixFD = fd
		return l, nil
	}

	if cfg.TCPPort != 0 {
		fd, err := bindTCP(cfg.Addr, cfg.TCPPort)
		if err != nil {
			l.closeWorkers()
			return nil, fmt.Errorf("listener: bind tcp: %w", err)
		}
		l.tcpFD = fd
	}

	if cfg.UDPPort != 0 {
		fd, err := bindUDP(cfg.Addr, cfg.UDPPort)
		if err != nil {
			unix.Close(l.tcpFD)
			l.closeWorkers()
			return nil, fmt.Errorf("listener: bind udp: %w", err)
		}
		if cfg.UDPRecvBuf > 0 {
			if _, err := sockopt.ProbeUDPBuffer(fd, unix.SO_RCVBUF, cfg.UDPRecvBuf); err != nil {
				flog.Debugf("listener: udp recvbuf probe: %v", err)
			}
			if _, err := sockopt.ProbeUDPBuffer(fd, unix.SO_SNDBUF, cfg.UDPRecvBuf); err != nil {
				flog.Debugf("listener: udp sndbuf probe: %v", err)
			}
		}
		l.udpFD = fd

		w0 := l.workers[0]
		sock := connection.NewUDPSocket(fd, d, w0.stats, bufpool.New("udp"))
		sock.SetReqsPerEvent(cfg.ReqsPerEvent)
		if err := w0.reactor.Register(fd, reactor.Readable, sock, sock.HandleEvent); err != nil {
			unix.Close(fd)
			unix.Close(l.tcpFD)
			l.closeWorkers()
			return nil, fmt.Errorf("listener: register udp: %w", err)
		}
	}

	return l, nil
}

func bindTCP(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := sockopt.ListenerDefaults(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := resolveInet4(addr, port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindUDP(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	if err := sockopt.ListenerDefaults(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := resolveInet4(addr, port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := sockopt.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// bindUnix opens a local filesystem-path stream socket (§6 "-s"), mutually
// exclusive with the network ports per Config.StreamPath's validation in
// package conf. Any stale socket file left behind by a previous run is
// removed first, matching the original's own unlink-before-bind.
func bindUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func resolveInet4(addr string, port int) (*unix.SockaddrInet4, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if addr == "" || addr == "0.0.0.0" {
		return sa, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("listener: invalid bind address %q", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("listener: %q is not an IPv4 address", addr)
	}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// Run starts every worker's event loop and the TCP acceptor, blocking until
// ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for _, w := range l.workers {
		l.wg.Add(1)
		go func(w *worker) {
			defer l.wg.Done()
			if err := w.Run(ctx); err != nil {
				flog.Errorf("worker %d exited: %v", w.id, err)
			}
		}(w)
	}

	if l.tcpFD >= 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptLoop(ctx, l.tcpFD)
		}()
	}
	if l.unixFD >= 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptLoop(ctx, l.unixFD)
		}()
	}

	<-ctx.Done()
	if l.tcpFD >= 0 {
		unix.Close(l.tcpFD)
	}
	if l.udpFD >= 0 {
		unix.Close(l.udpFD)
	}
	if l.unixFD >= 0 {
		unix.Close(l.unixFD)
		_ = unix.Unlink(l.cfg.StreamPath)
	}
	l.wg.Wait()
	return nil
}

// acceptBackoffMax bounds how long acceptLoop will pause after a run of
// consecutive EMFILE/ENFILE errors before retrying accept(2) again (§4.G
// "On EMFILE: disable further accepts until a connection closes" / §5
// backpressure). Mirrors the temporary-accept-error backoff net/http's
// Server.Serve uses for the same class of transient fd exhaustion.
const acceptBackoffMax = time.Second

// nextAcceptBackoff returns the pause after one more consecutive
// EMFILE/ENFILE accept failure: 5ms on the first, doubling up to
// acceptBackoffMax after that.
func nextAcceptBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return 5 * time.Millisecond
	}
	cur *= 2
	if cur > acceptBackoffMax {
		return acceptBackoffMax
	}
	return cur
}

// acceptLoop blocks in accept(2) on a dedicated goroutine — a Go-idiomatic
// simplification of the original's libevent-driven accept callback, since a
// parked goroutine costs nothing and only the data-plane sockets need to sit
// in the hand-rolled reactor (§4.I Design Notes, Open Question). It serves
// either the TCP listener or the unix stream listener; Run starts one
// instance per enabled listening fd.
func (l *Listener) acceptLoop(ctx context.Context, listenFD int) {
	var backoff time.Duration
	for {
		if l.acceptLimiter != nil {
			if err := l.acceptLimiter.Wait(ctx); err != nil {
				return // ctx cancelled
			}
		}
		if l.connSlots != nil {
			// At the connection cap: park until a close frees a slot, the
			// same stop-accepting discipline §4.G prescribes for EMFILE.
			select {
			case l.connSlots <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		fd, _, err := unix.Accept(listenFD)
		if err != nil {
			l.releaseConnSlot()
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				// Transient fd exhaustion: pause accepting rather than
				// killing the loop, and retry with a growing backoff until
				// a connection closes elsewhere and frees a slot.
				backoff = nextAcceptBackoff(backoff)
				flog.Errorf("accept: %v; pausing %v before retrying", err, backoff)
				timer := time.NewTimer(backoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
				continue
			}
			flog.Errorf("accept: %v", err)
			return
		}
		backoff = 0
		l.next.Next().Assign(fd)
	}
}

// releaseConnSlot frees one MaxConns slot. Called by workers whenever an
// accepted fd is finally closed, and by acceptLoop itself when accept(2)
// fails after a slot was already taken.
func (l *Listener) releaseConnSlot() {
	if l.connSlots == nil {
		return
	}
	select {
	case <-l.connSlots:
	default:
	}
}

func (l *Listener) closeWorkers() {
	for _, w := range l.workers {
		unix.Close(w.notifyR)
		unix.Close(w.notifyW)
		w.reactor.Close()
	}
	l.workers = nil
}
