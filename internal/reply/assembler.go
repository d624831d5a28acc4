// Package reply implements component E: building scatter/gather reply
// lists, fragmenting them across the UDP datagram size limit, and driving
// their vectored transmission. The segment-splitting and msghdr bookkeeping
// follow §4.E; actual bytes are handed to a Sender supplied by package
// connection so this package stays free of raw socket concerns.
package reply

import "errors"

// UDPMaxPayloadSize bounds a UDP reply datagram including its 8-byte
// header (§3 invariant, §6 "Wire protocol (UDP framing)"). 1400 keeps
// well under typical path MTUs, same rationale the teacher applies when it
// shrinks the KCP MTU for safety margin (internal/conf/conf.go
// optimizeMTU).
const UDPMaxPayloadSize = 1400

// UDPHeaderSize is the fixed 8-byte datagram header: request id, sequence
// index, sequence count, response-start offset, all 2 bytes big-endian.
const UDPHeaderSize = 8

// DefaultIOVMax is the platform scatter/gather segment cap assumed absent
// a more precise probe (Linux UIO_MAXIOV is 1024; we default conservatively
// lower so a single message never approaches kernel limits).
const DefaultIOVMax = 256

// ErrWouldBlock is returned by a Sender when the underlying socket is not
// currently writable; the assembler treats this as SOFT_ERROR (§4.E).
var ErrWouldBlock = errors.New("reply: send would block")

// Status is the result of a Transmit call.
type Status int

const (
	Complete Status = iota
	Incomplete
	SoftError
	HardError
)

// Segment is one (base, length) scatter/gather entry. is_start marks the
// first segment of a top-level response line (e.g. "VALUE ..."), used to
// compute the UDP header's response-start offset.
type Segment struct {
	Data    []byte
	IsStart bool
}

// Message describes one outbound datagram (UDP) or one contiguous write
// unit (TCP): a sequence of segments, plus bookkeeping for the UDP header.
type Message struct {
	Segments []Segment
	total    int // total bytes queued so far, across all segments

	datagram     bool
	headerSpace  [UDPHeaderSize]byte
	headerDone   bool // true once the 8-byte UDP header has been fully flushed
	hasStart     bool
	startOffset  int // byte offset of the first is_start segment within this message
	sentSegments int // segments fully flushed by Transmit
	sentOffset   int // bytes flushed out of the first not-yet-fully-sent segment
}

// Len returns the total bytes queued in the message so far (including any
// reserved UDP header prefix).
func (m *Message) Len() int { return m.total }

// Assembler accumulates Messages for one connection's pending reply and
// knows how to split and fragment them per §4.E.
type Assembler struct {
	Datagram  bool // connection is UDP: every message gets an 8-byte header and is capped at UDPMaxPayloadSize
	IOVMax    int
	RequestID uint16

	Messages []*Message
}

// New creates an Assembler for one connection's pending reply cycle.
func New(datagram bool, iovMax int, requestID uint16) *Assembler {
	if iovMax <= 0 {
		iovMax = DefaultIOVMax
	}
	return &Assembler{Datagram: datagram, IOVMax: iovMax, RequestID: requestID}
}

// Reset clears queued messages so the Assembler can be reused for the next
// reply cycle without reallocating (mirrors the teacher's buffer-pool reuse
// discipline rather than allocating fresh state per request).
func (a *Assembler) Reset() {
	a.Messages = a.Messages[:0]
}

// AddMsgHdr appends a new, empty message. If the connection is datagram,
// 8 bytes are pre-reserved at its front for the UDP header (§4.E).
func (a *Assembler) AddMsgHdr() *Message {
	m := &Message{datagram: a.Datagram, startOffset: -1}
	if a.Datagram {
		m.total = UDPHeaderSize
	}
	a.Messages = append(a.Messages, m)
	return m
}

func (a *Assembler) current() *Message {
	if len(a.Messages) == 0 {
		return a.AddMsgHdr()
	}
	return a.Messages[len(a.Messages)-1]
}

// AddIOV appends one data segment, opening new messages and splitting
// oversize segments as needed per §4.E's rules.
func (a *Assembler) AddIOV(data []byte, isStart bool) error {
	for len(data) > 0 || (len(data) == 0 && isStart) {
		m := a.current()

		// Cap 1: the platform IOV limit, and the payload limit — which
		// applies to every datagram message and, on a stream, to the first
		// message only.
		limitToPayload := a.Datagram || len(a.Messages) == 1
		if len(m.Segments) >= a.IOVMax || (limitToPayload && m.total >= UDPMaxPayloadSize) {
			m = a.AddMsgHdr()
		}

		if a.Datagram {
			room := UDPMaxPayloadSize - m.total
			if room <= 0 {
				m = a.AddMsgHdr()
				room = UDPMaxPayloadSize - m.total
			}
			if len(data) > room {
				// Split: fitting prefix goes in the current message, remainder
				// continues the loop into a freshly opened message.
				prefix := data[:room]
				a.appendSegment(m, prefix, isStart)
				data = data[room:]
				isStart = false // only the first fragment carries the start marker
				continue
			}
		}

		a.appendSegment(m, data, isStart)
		return nil
	}
	return nil
}

func (a *Assembler) appendSegment(m *Message, data []byte, isStart bool) {
	m.Segments = append(m.Segments, Segment{Data: data, IsStart: isStart})
	if isStart && !m.hasStart {
		m.hasStart = true
		m.startOffset = m.total
	}
	m.total += len(data)
}

// MsgUsed reports how many messages are currently queued, for the
// `msgused >= 1` invariant check (§3, §8 invariant 1).
func (a *Assembler) MsgUsed() int { return len(a.Messages) }

// IOVUsed reports the total number of segments across all queued messages.
func (a *Assembler) IOVUsed() int {
	n := 0
	for _, m := range a.Messages {
		n += len(m.Segments)
	}
	return n
}
