package reply

import "encoding/binary"

// BuildUDPHeaders synthesizes the 8-byte header for every queued message,
// per §4.E: request id, this message's index, total message count, and the
// byte offset of the first response-start segment (or 0 if none).
func (a *Assembler) BuildUDPHeaders() {
	if !a.Datagram {
		return
	}
	total := uint16(len(a.Messages))
	for i, m := range a.Messages {
		binary.BigEndian.PutUint16(m.headerSpace[0:2], a.RequestID)
		binary.BigEndian.PutUint16(m.headerSpace[2:4], uint16(i))
		binary.BigEndian.PutUint16(m.headerSpace[4:6], total)
		offset := uint16(0)
		if m.hasStart {
			offset = uint16(m.startOffset)
		}
		binary.BigEndian.PutUint16(m.headerSpace[6:8], offset)
	}
}

// ParseUDPHeader decodes an inbound request's 8-byte header, returning the
// request id and sequence count so the caller can reject multi-datagram
// requests (§6 "Requests must have sequence count = 1").
func ParseUDPHeader(buf []byte) (requestID, seq, count, offset uint16, ok bool) {
	if len(buf) < UDPHeaderSize {
		return 0, 0, 0, 0, false
	}
	requestID = binary.BigEndian.Uint16(buf[0:2])
	seq = binary.BigEndian.Uint16(buf[2:4])
	count = binary.BigEndian.Uint16(buf[4:6])
	offset = binary.BigEndian.Uint16(buf[6:8])
	return requestID, seq, count, offset, true
}
