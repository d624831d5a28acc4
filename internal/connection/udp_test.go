//go:build linux || darwin

package connection

import (
	"testing"

	"golang.org/x/sys/unix"

	"gophercache/internal/bufpool"
	"gophercache/internal/deferred"
	"gophercache/internal/proto"
	"gophercache/internal/reply"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

func mustUDPSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return fd
}

// udpHeader builds the 8-byte request header by hand so tests can set
// seq/count independently of what a real Assembler would ever produce for a
// request (request framing is the client's responsibility; only the server
// validates it).
func udpHeader(requestID, seq, count, offset uint16) []byte {
	hdr := make([]byte, reply.UDPHeaderSize)
	hdr[0] = byte(requestID >> 8)
	hdr[1] = byte(requestID)
	hdr[2] = byte(seq >> 8)
	hdr[3] = byte(seq)
	hdr[4] = byte(count >> 8)
	hdr[5] = byte(count)
	hdr[6] = byte(offset >> 8)
	hdr[7] = byte(offset)
	return hdr
}

func TestUDPSocketAnswersSingleDatagramRequest(t *testing.T) {
	serverFD := mustUDPSocket(t)
	defer unix.Close(serverFD)
	if err := unix.SetNonblock(serverFD, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	serverAddr, err := unix.Getsockname(serverFD)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}

	clientFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(clientFD)
	if err := unix.Bind(clientFD, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("client bind: %v", err)
	}

	st := store.New()
	d := &proto.Dispatcher{Store: st, Deferred: deferred.New(st), Registry: stats.NewRegistry(), Version: "1"}
	sock := NewUDPSocket(serverFD, d, stats.New("udp"), bufpool.New("udp"))

	payload := append(udpHeader(7, 0, 1, 0), []byte("get missing")...)
	if err := unix.Sendto(clientFD, payload, 0, serverAddr); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	// Give the kernel a moment to queue the datagram; drain is non-blocking.
	var n int
	buf := make([]byte, 4096)
	for i := 0; i < 100 && n == 0; i++ {
		sock.drain()
		n, _, err = unix.Recvfrom(clientFD, buf, unix.MSG_DONTWAIT)
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("client recvfrom: %v", err)
		}
	}
	if n == 0 {
		t.Fatal("did not receive a reply datagram")
	}
	if n < reply.UDPHeaderSize {
		t.Fatalf("reply too short: %d bytes", n)
	}
	reqID, seq, count, _, ok := reply.ParseUDPHeader(buf[:n])
	if !ok || reqID != 7 || seq != 0 || count != 1 {
		t.Fatalf("unexpected reply header: id=%d seq=%d count=%d ok=%v", reqID, seq, count, ok)
	}
	if string(buf[reply.UDPHeaderSize:n]) != "END\r\n" {
		t.Fatalf("unexpected reply body: %q", buf[reply.UDPHeaderSize:n])
	}
}

func TestUDPSocketRejectsMultiDatagramRequest(t *testing.T) {
	serverFD := mustUDPSocket(t)
	defer unix.Close(serverFD)
	unix.SetNonblock(serverFD, true)
	serverAddr, _ := unix.Getsockname(serverFD)

	clientFD, _ := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	defer unix.Close(clientFD)
	unix.Bind(clientFD, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}})
	unix.SetNonblock(clientFD, true)

	st := store.New()
	d := &proto.Dispatcher{Store: st, Deferred: deferred.New(st), Registry: stats.NewRegistry(), Version: "1"}
	sock := NewUDPSocket(serverFD, d, stats.New("udp2"), bufpool.New("udp2"))

	payload := append(udpHeader(1, 0, 2, 0), []byte("get x")...)
	if err := unix.Sendto(clientFD, payload, 0, serverAddr); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	var n int
	var err error
	buf := make([]byte, 256)
	for i := 0; i < 100 && n == 0; i++ {
		sock.drain()
		n, _, err = unix.Recvfrom(clientFD, buf, unix.MSG_DONTWAIT)
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("client recvfrom: %v", err)
		}
	}
	if n == 0 {
		t.Fatal("expected a SERVER_ERROR reply for a multi-datagram request, got none")
	}
	if n < reply.UDPHeaderSize {
		t.Fatalf("reply too short: %d bytes", n)
	}
	reqID, _, _, _, ok := reply.ParseUDPHeader(buf[:n])
	if !ok || reqID != 1 {
		t.Fatalf("unexpected reply header: id=%d ok=%v", reqID, ok)
	}
	want := "SERVER_ERROR multi-packet request not supported\r\n"
	if string(buf[reply.UDPHeaderSize:n]) != want {
		t.Fatalf("unexpected reply body: got %q want %q", buf[reply.UDPHeaderSize:n], want)
	}
}
