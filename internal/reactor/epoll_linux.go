//go:build linux

package reactor

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"gophercache/internal/flog"
)

type registration struct {
	fd   int
	mask EventMask
	ctx  any
	cb   Callback
}

// epollReactor is the Linux backend: one epoll instance per worker, level
// triggered (no EPOLLET), matching the contract's "remains armed until
// explicitly disarmed" requirement directly instead of emulating it.
type epollReactor struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration
}

// New creates the platform reactor for the current worker.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: epfd, regs: make(map[int]*registration)}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) Register(fd int, mask EventMask, ctx any, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{fd: fd, mask: mask, ctx: ctx, cb: cb}
	r.regs[fd] = reg

	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (r *epollReactor) Update(fd int, mask EventMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[fd]
	if !ok {
		return unix.EBADF
	}
	if reg.mask == mask {
		return nil // idempotent, per contract
	}
	reg.mask = mask
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (r *epollReactor) Remove(fd int) error {
	r.mu.Lock()
	delete(r.regs, fd)
	r.mu.Unlock()
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}

func (r *epollReactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			r.mu.Lock()
			reg, ok := r.regs[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			var which EventMask
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				which |= Readable
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				which |= Writable
			}
			if which == None {
				continue
			}

			func() {
				defer func() {
					if p := recover(); p != nil {
						flog.Errorf("reactor callback panic for fd %d: %v", fd, p)
					}
				}()
				reg.cb(fd, which, reg.ctx)
			}()
		}
	}
}
