//go:build darwin

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

// kqueueReactor is the Darwin backend. kqueue has no single "both
// directions" filter, so readable/writable interest are tracked as two
// independent filters on the same fd, added or deleted together to present
// the same Register/Update/Remove contract as epollReactor.
type kqueueReactor struct {
	kq int

	mu   sync.Mutex
	regs map[int]*registration
}

func New() (Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueReactor{kq: kq, regs: make(map[int]*registration)}, nil
}

func (r *kqueueReactor) changelist(fd int, old, want EventMask) []unix.Kevent_t {
	var changes []unix.Kevent_t
	wantRead := want&Readable != 0
	wantWrite := want&Writable != 0
	hadRead := old&Readable != 0
	hadWrite := old&Writable != 0

	if wantRead != hadRead {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !wantRead {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if wantWrite != hadWrite {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !wantWrite {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (r *kqueueReactor) Register(fd int, mask EventMask, ctx any, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{fd: fd, mask: mask, ctx: ctx, cb: cb}
	r.regs[fd] = reg

	changes := r.changelist(fd, None, mask)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(r.kq, changes, nil, nil)
	return err
}

func (r *kqueueReactor) Update(fd int, mask EventMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[fd]
	if !ok {
		return unix.EBADF
	}
	if reg.mask == mask {
		return nil
	}
	changes := r.changelist(fd, reg.mask, mask)
	reg.mask = mask
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(r.kq, changes, nil, nil)
	return err
}

func (r *kqueueReactor) Remove(fd int) error {
	r.mu.Lock()
	reg, ok := r.regs[fd]
	delete(r.regs, fd)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	changes := r.changelist(fd, reg.mask, None)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(r.kq, changes, nil, nil)
	return err
}

func (r *kqueueReactor) Close() error {
	return unix.Close(r.kq)
}

func (r *kqueueReactor) Run(ctx context.Context) error {
	events := make([]unix.Kevent_t, 256)
	timeout := unix.NsecToTimespec(1_000_000_000)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.Kevent(r.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Ident)
			r.mu.Lock()
			reg, ok := r.regs[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			var which EventMask
			switch events[i].Filter {
			case unix.EVFILT_READ:
				which = Readable
			case unix.EVFILT_WRITE:
				which = Writable
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
