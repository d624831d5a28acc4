// Package connection implements components C and G: the per-connection
// read/parse/write state machine driving the protocol dispatcher (package
// proto) over a non-blocking socket armed in the reactor (package reactor),
// with replies assembled and transmitted through package reply. It
// implements proto.Responder (handlers queue bytes without knowing about
// sockets) and reply.Sender (the assembler hands segments to the raw fd).
//
// Grounded on the teacher's raw-fd socket handling
// (internal/socket/handle_linux.go) adapted from AF_PACKET capture to
// ordinary stream sockets, and on its buffer-pool discipline
// (internal/pkg/buffer) now provided by package bufpool.
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

// maxLineLength bounds an unterminated command line before it is treated as
// a protocol violation, so a client that never sends \n cannot grow the read
// buffer without limit (§4.B/§4.G).
const maxLineLength = 8192

// maxBodyLength caps a single store command's declared payload size; a
// client declaring more is refused up front instead of driving an
// unbounded allocation, with its payload discarded via StateSwallow.
const maxBodyLength = 1 << 20

// Conn is one accepted TCP connection's state machine.
type Conn struct {
	fd int

	rpool *bufpool.Pool
	wpool *bufpool.Pool
	rbuf  *bufpool.Buffer
	rlen  int
	rstart int

	wbuf *bufpool.Buffer // scratch space for building reply line/header bytes
	wpos int

	state            State
	swallowRemaining int
	body             *bodyWait

	reqsPerEvent int // 0 means unlimited; see SetReqsPerEvent
	budget       int
	yielded      bool

	asm        *reply.Assembler
	dispatcher *proto.Dispatcher
	stats      *stats.Stats
	reactor    reactor.Reactor

	held []*store.Item // reply slots pinned for the in-flight reply cycle (§3)

	wantWrite bool
	onClose   func(*Conn)
	closed    bool
}

// NewConn wraps an accepted, already-nonblocking fd. onClose is invoked
// exactly once, after the fd has been closed and removed from the reactor,
// so the listener can release per-connection bookkeeping (§4.G, §4.I).
func NewConn(fd int, r reactor.Reactor, d *proto.Dispatcher, st *stats.Stats, rpool, wpool *bufpool.Pool, onClose func(*Conn)) *Conn {
	c := &Conn{
		fd:         fd,
		rpool:      rpool,
		wpool:      wpool,
		rbuf:       rpool.Acquire(),
		wbuf:       wpool.Acquire(),
		dispatcher: d,
		stats:      st,
		reactor:    r,
		asm:        reply.New(false, reply.DefaultIOVMax, 0),
		onClose:    onClose,
	}
	return c
}

// SetReqsPerEvent bounds how many commands this connection may dispatch per
// reactor wake-up (the `-R` CLI flag, §4.G/§5 "Backpressure & fairness"),
// so one busy pipelined connection cannot starve the worker's other fds.
// n <= 0 means unlimited.
func (c *Conn) SetReqsPerEvent(n int) { c.reqsPerEvent = n }

// HandleEvent matches reactor.Callback; ctx is the *Conn itself.
func (c *Conn) HandleEvent(fd int, which reactor.EventMask, ctx any) {
	c.budget = c.reqsPerEvent
	resume := c.yielded
	c.yielded = false

	if which&reactor.Readable != 0 {
		resume = false // handleReadable runs processBuffer itself
		c.handleReadable()
	}
	if c.closed {
		return
	}
	if which&reactor.Writable != 0 {
		c.handleWritable()
	}
	if c.closed {
		return
	}
	if resume && c.state != StateClosing {
		// Commands deferred by an exhausted budget last wake-up: the bytes
		// are already buffered, so no readable event will arrive for them.
		c.processBuffer()
		c.compact()
		c.flush()
	}
	if !c.closed && !c.yielded && !c.wantWrite {
		c.reactor.Update(c.fd, reactor.Readable) // drop any yield-armed writable interest
	}
}

func (c *Conn) handleReadable() {
	for {
		if c.rlen == len(c.rbuf.Bytes) {
			c.rbuf.Bytes = bufpool.Grow(c.rbuf.Bytes, len(c.rbuf.Bytes)*2)
		}
		space := len(c.rbuf.Bytes) - c.rlen
		n, err := unix.Read(c.fd, c.rbuf.Bytes[c.rlen:c.rlen+space])
		if n > 0 {
			c.rlen += n
			c.stats.AddBytesRead(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			c.Close()
			return
		}
		if n == 0 {
			c.Close() // peer closed
			return
		}
		if n < space {
			// short read: socket drained for now
			break
		}
	}

	c.processBuffer()
	c.compact()
	c.flush()
}

func (c *Conn) handleWritable() {
	c.flush()
}

// processBuffer drives the state machine over whatever bytes are currently
// buffered, stopping as soon as it needs more input than is available.
func (c *Conn) processBuffer() {
	for {
		switch c.state {
		case StateReadCommand:
			if c.reqsPerEvent > 0 && c.budget <= 0 {
				c.yield()
				return
			}
			line, next, ok := scanLine(c.rbuf.Bytes[:c.rlen], c.rstart)
			if !ok {
				if c.rlen-c.rstart > maxLineLength {
					c.Line("CLIENT_ERROR bad command line format")
					c.state = StateClosing // oversize line with no terminator: not recoverable
					return
				}
				return
			}
			c.rstart = next
			if c.reqsPerEvent > 0 {
				c.budget--
			}
			c.dispatcher.Dispatch(c, line, c.stats)

		case StateNread:
			available := c.rlen - c.rstart
			if available == 0 {
				return
			}
			take := c.body.need + 2 - c.body.got
			if take > available {
				take = available
			}
			copy(c.body.buf[c.body.got:], c.rbuf.Bytes[c.rstart:c.rstart+take])
			c.body.got += take
			c.rstart += take
			if c.body.got < c.body.need+2 {
				return
			}
			payload := c.body.buf[:c.body.need]
			trailer := c.body.buf[c.body.need : c.body.need+2]
			cb := c.body.cb
			c.body = nil
			c.state = StateReadCommand
			if trailer[0] != '\r' || trailer[1] != '\n' {
				c.Line("CLIENT_ERROR bad data chunk")
				continue
			}
			cb(payload)

		case StateSwallow:
			available := c.rlen - c.rstart
			if available == 0 {
				return
			}
			drop := c.swallowRemaining
			if drop > available {
				drop = available
			}
			c.rstart += drop
			c.swallowRemaining -= drop
			if c.swallowRemaining == 0 {
				c.state = StateReadCommand
			} else {
				return
			}

		case StateWriting, StateClosing:
			return
		}
	}
}

// yield suspends command processing until the next reactor wake-up once the
// per-event budget is spent. Arming writable guarantees a prompt wake even
// when the remaining commands are already buffered in user space, where a
// level-triggered readable event would never fire again (§4.G "I/O-short-
// circuit rule": yield when the per-event budget is exhausted).
func (c *Conn) yield() {
	c.yielded = true
	if !c.wantWrite {
		c.reactor.Update(c.fd, reactor.Both)
	}
}

// compact slides any unconsumed bytes to the front of the read buffer so it
// does not grow without bound across many small commands.
func (c *Conn) compact() {
	if c.rstart == 0 {
		return
	}
	remaining := c.rlen - c.rstart
	copy(c.rbuf.Bytes, c.rbuf.Bytes[c.rstart:c.rlen])
	c.rbuf.Bytes = c.rbuf.Bytes[:cap(c.rbuf.Bytes)]
	c.rlen = remaining
	c.rstart = 0
}

// flush attempts to transmit whatever the assembler has queued, arming or
// disarming the writable interest as needed (§4.E, §4.G "mwrite").
func (c *Conn) flush() {
	if c.closed || c.asm.MsgUsed() == 0 {
		return
	}
	status, err := reply.Transmit(c.asm, c)
	switch status {
	case reply.Complete:
		c.releaseHeld()
		c.asm.Reset()
		c.wpos = 0
		if c.wantWrite {
			c.wantWrite = false
			if !c.yielded {
				c.reactor.Update(c.fd, reactor.Readable)
			}
		}
		if c.state == StateClosing {
			c.Close()
			return
		}
		if c.state == StateWriting {
			c.state = StateReadCommand
			// a pipelined command may have arrived while the previous reply
			// was draining; pick it up now instead of waiting for the next
			// readable wake-up.
			c.processBuffer()
			c.compact()
			if c.asm.MsgUsed() > 0 {
				c.flush()
			}
		}
	case reply.Incomplete, reply.SoftError:
		if !c.wantWrite {
			c.wantWrite = true
			c.state = StateWriting
			c.reactor.Update(c.fd, reactor.Both)
		}
	case reply.HardError:
		flog.Debugf("connection fd %d write error: %v", c.fd, err)
		c.Close()
	}
}

// Close releases the fd and pooled buffers. Safe to call more than once.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateClosing
	c.releaseHeld()
	c.reactor.Remove(c.fd)
	unix.Close(c.fd)
	c.rpool.Release(c.rbuf, c.rlen)
	c.wpool.Release(c.wbuf, c.wpos)
	c.stats.ConnClosed()
	if c.onClose != nil {
		c.onClose(c)
	}
}

// releaseHeld derefs every reply slot pinned for the current reply cycle
// (§4.C "On close: any pinned item references are decremented"; §8
// testable property 3). Safe to call with nothing held, and safe to call
// again after it has already cleared the list.
func (c *Conn) releaseHeld() {
	for _, it := range c.held {
		c.dispatcher.Store.Deref(it)
	}
	c.held = c.held[:0]
}

// SendV implements reply.Sender over the raw stream socket. Go's
// golang.org/x/sys/unix does not expose a bundled single-syscall writev
// helper, so segments are written with successive unix.Write calls; the
// Message/Segment accounting in package reply still does the scatter/gather
// bookkeeping, this is just the transmission primitive underneath it
// (documented design decision, see DESIGN.md).
func (c *Conn) SendV(segments [][]byte) (int, error) {
	total := 0
	for _, seg := range segments {
		for len(seg) > 0 {
			n, err := unix.Write(c.fd, seg)
			if n > 0 {
				total += n
				seg = seg[n:]
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					if total == 0 {
						return 0, reply.ErrWouldBlock
					}
					return total, nil
				}
				if err == unix.EINTR {
					continue
				}
				return total, err
			}
			if n == 0 {
				return total, nil
			}
			if len(seg) > 0 {
				// partial write accepted by the kernel buffer; stop here and
				// let the next writable wake-up continue.
				return total, nil
			}
		}
	}
	return total, nil
}

// scratch appends s to the connection's write-side scratch buffer (package
// bufpool's TPool/UPool-style recyclable buffers, here sized for reply
// headers rather than bulk copy) and returns the slice just written, valid
// until the reply cycle's assembler is Reset. Building headers here instead
// of with ad hoc []byte(string) conversions avoids an allocation per reply
// line (§4.B/§4.E).
func (c *Conn) scratch(s string) []byte {
	needed := c.wpos + len(s)
	if needed > len(c.wbuf.Bytes) {
		c.wbuf.Bytes = bufpool.Grow(c.wbuf.Bytes, needed*2)
	}
	start := c.wpos
	copy(c.wbuf.Bytes[start:needed], s)
	c.wpos = needed
	c.wpool.ReportPeak(c.wbuf, c.wpos)
	return c.wbuf.Bytes[start:needed]
}

// Line implements proto.Responder.
func (c *Conn) Line(s string) {
	c.asm.AddIOV(c.scratch(s+"\r\n"), true)
}

// Value implements proto.Responder. it arrives already pinned
// (store.GetForReply); the pin is held in c.held until the reply finishes
// transmitting (releaseHeld), so it.Value's bytes cannot be mutated in
// place by a concurrent incr/decr while they are still queued for send.
func (c *Conn) Value(it *store.Item) {
	data := it.Value
	header := c.scratch("VALUE " + it.Key + " " + strconv.Itoa(int(it.Flags)) + " " + strconv.Itoa(len(data)) + "\r\n")
	c.asm.AddIOV(header, true)
	c.asm.AddIOV(data, false)
	c.asm.AddIOV(c.scratch("\r\n"), false)
	c.stats.AddBytesSent(len(header) + len(data) + 2)
	c.held = append(c.held, it)
}

// NeedBody implements proto.Responder. A declared length over
// maxBodyLength is refused without allocating: the payload is discarded via
// StateSwallow once SERVER_ERROR has been queued, so the connection lands
// back on a command boundary instead of desyncing.
func (c *Conn) NeedBody(length int, cb func(body []byte)) {
	if length > maxBodyLength {
		c.Line("SERVER_ERROR object too large for cache")
		c.state = StateSwallow
		c.swallowRemaining = length + 2
		return
	}
	c.state = StateNread
	c.body = &bodyWait{need: length, buf: make([]byte, length+2), cb: cb}
}

// Quit implements proto.Responder.
func (c *Conn) Quit() {
	if c.asm.MsgUsed() == 0 {
		c.Close()
		return
	}
	c.state = StateClosing
}
