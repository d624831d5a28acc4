package connection

import (
	"strconv"

	"golang.org/x/sys/unix"

	"gophercache/internal/bufpool"
	"gophercache/internal/flog"
	"gophercache/internal/proto"
	"gophercache/internal/reactor"
	"gophercache/internal/reply"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

// maxUDPDatagram is the largest inbound datagram accepted; comfortably above
// UDPMaxPayloadSize since requests carry no reply-fragmentation overhead.
const maxUDPDatagram = 65507

// UDPSocket owns one bound, non-blocking UDP socket. Unlike a TCP Conn, it
// has no per-peer identity of its own: the peer address and request id
// travel with each datagram, per §6's UDP framing, so a single UDPSocket
// serves every client (§4.G "packets, not connections").
type UDPSocket struct {
	fd int

	rpool *bufpool.Pool
	buf   *bufpool.Buffer

	dispatcher *proto.Dispatcher
	stats      *stats.Stats

	reqsPerEvent int // 0 means unlimited; see SetReqsPerEvent
}

// NewUDPSocket wraps an already-bound, non-blocking UDP fd.
func NewUDPSocket(fd int, d *proto.Dispatcher, st *stats.Stats, rpool *bufpool.Pool) *UDPSocket {
	return &UDPSocket{fd: fd, rpool: rpool, buf: rpool.Acquire(), dispatcher: d, stats: st}
}

// SetReqsPerEvent bounds how many datagrams drain answers per readable wake
// (the `-R` CLI flag, §4.I "Backpressure & fairness"), so one socket cannot
// starve the other connections a worker services. n <= 0 means unlimited.
func (u *UDPSocket) SetReqsPerEvent(n int) { u.reqsPerEvent = n }

// HandleEvent matches reactor.Callback.
func (u *UDPSocket) HandleEvent(fd int, which reactor.EventMask, ctx any) {
	if which&reactor.Readable == 0 {
		return
	}
	u.drain()
}

// drain reads and answers datagrams currently queued on the socket, up to
// reqsPerEvent of them (0 for unlimited).
func (u *UDPSocket) drain() {
	for n := 0; u.reqsPerEvent <= 0 || n < u.reqsPerEvent; n++ {
		if len(u.buf.Bytes) < maxUDPDatagram {
			u.buf.Bytes = bufpool.Grow(u.buf.Bytes, maxUDPDatagram)
		}
		n, from, err := unix.Recvfrom(u.fd, u.buf.Bytes, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			flog.Debugf("udp recvfrom error: %v", err)
			return
		}
		u.stats.AddBytesRead(n)
		u.handleDatagram(append([]byte(nil), u.buf.Bytes[:n]...), from)
	}
}

func (u *UDPSocket) handleDatagram(payload []byte, peer unix.Sockaddr) {
	requestID, seq, count, _, ok := reply.ParseUDPHeader(payload)
	if !ok {
		return
	}
	if count != 1 || seq != 0 {
		// §6: "Requests must have sequence count = 1" / §8 scenario 6: a
		// multi-datagram request has nowhere to be reassembled, so it is
		// rejected with SERVER_ERROR rather than answered or silently
		// dropped.
		sess := &udpSession{sock: u, peer: peer, asm: reply.New(true, reply.DefaultIOVMax, requestID)}
		sess.Line("SERVER_ERROR multi-packet request not supported")
		sess.asm.BuildUDPHeaders()
		if status, err := reply.Transmit(sess.asm, sess); status == reply.HardError {
			flog.Debugf("udp sendto error: %v", err)
		}
		return
	}

	sess := &udpSession{
		sock: u,
		peer: peer,
		asm:  reply.New(true, reply.DefaultIOVMax, requestID),
	}

	line, next, ok := scanLine(payload, reply.UDPHeaderSize)
	if !ok {
		line, next = payload[reply.UDPHeaderSize:], len(payload)
	}
	sess.rest = payload[next:]
	u.dispatcher.Dispatch(sess, line, u.stats)

	if sess.asm.MsgUsed() == 0 {
		sess.releaseHeld()
		return
	}
	sess.asm.BuildUDPHeaders()
	status, err := reply.Transmit(sess.asm, sess)
	if status == reply.HardError {
		flog.Debugf("udp sendto error: %v", err)
	}
	sess.releaseHeld()
}

// udpSession answers one inbound datagram: it implements proto.Responder
// and reply.Sender but holds no state across packets, since UDP carries a
// whole request atomically in one recvfrom (§4.G).
type udpSession struct {
	sock *UDPSocket
	peer unix.Sockaddr
	asm  *reply.Assembler
	rest []byte // bytes following the command line, for NeedBody
	held []*store.Item
}

func (s *udpSession) Line(line string) {
	s.asm.AddIOV([]byte(line+"\r\n"), true)
}

// Value implements proto.Responder. it arrives already pinned
// (store.GetForReply); the datagram is sent synchronously within this same
// call to handleDatagram, but the pin is still released only through
// releaseHeld afterward so a `get` racing an `incr` on the same key cannot
// see Transmit's sendto observe a half-overwritten value (§3 "Reply slot").
func (s *udpSession) Value(it *store.Item) {
	data := it.Value
	header := []byte("VALUE " + it.Key + " " + strconv.Itoa(int(it.Flags)) + " " + strconv.Itoa(len(data)) + "\r\n")
	s.asm.AddIOV(header, true)
	s.asm.AddIOV(data, false)
	s.asm.AddIOV([]byte("\r\n"), false)
	s.held = append(s.held, it)
}

// releaseHeld derefs every reply slot pinned while answering this datagram
// (§8 testable property 3). handleDatagram calls this exactly once, after
// Transmit has run (successfully or not) since UDP never retries a
// datagram send.
func (s *udpSession) releaseHeld() {
	for _, it := range s.held {
		s.sock.dispatcher.Store.Deref(it)
	}
	s.held = s.held[:0]
}

// NeedBody satisfies proto.Responder by pulling the payload directly from
// the bytes left over in this datagram: there is nothing to suspend for, so
// a declared length the datagram does not actually carry is a protocol
// error reported immediately instead of waiting on a read that will never
// arrive (§9 Design Notes / Open Question: UDP store commands are
// single-datagram only).
func (s *udpSession) NeedBody(length int, cb func(body []byte)) {
	if length+2 > len(s.rest) {
		s.Line("CLIENT_ERROR bad data chunk")
		return
	}
	payload := s.rest[:length]
	trailer := s.rest[length : length+2]
	if trailer[0] != '\r' || trailer[1] != '\n' {
		s.Line("CLIENT_ERROR bad data chunk")
		return
	}
	cb(payload)
}

func (s *udpSession) Quit() {}

// SendV implements reply.Sender: a UDP message is always one already-capped
// datagram, so its segments are concatenated and sent in a single sendto
// rather than written incrementally.
func (s *udpSession) SendV(segments [][]byte) (int, error) {
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	buf := make([]byte, 0, total)
	for _, seg := range segments {
		buf = append(buf, seg...)
	}
	err := unix.Sendto(s.sock.fd, buf, 0, s.peer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, reply.ErrWouldBlock
		}
		return 0, err
	}
	s.sock.stats.AddBytesSent(total)
	return total, nil
}
