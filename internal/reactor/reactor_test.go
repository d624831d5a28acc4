//go:build linux || darwin

package reactor

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestReactorFiresOnReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := make(chan EventMask, 1)
	if err := r.Register(fds[0], Readable, nil, func(fd int, which EventMask, ctx any) {
		fired <- which
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case which := <-fired:
		if which&Readable == 0 {
			t.Fatalf("expected Readable, got %v", which)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readiness callback")
	}
}

func TestUpdateIsIdempotentWhenUnchanged(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	unix.SetNonblock(fds[0], true)

	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Register(fds[0], Readable, nil, func(int, EventMask, any) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Update(fds[0], Readable); err != nil {
		t.Fatalf("Update (no-op) should succeed: %v", err)
	}
}
