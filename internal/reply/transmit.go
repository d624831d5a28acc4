package reply

// Sender performs one vectored send of the given segments, returning how
// many bytes were accepted. Returning ErrWouldBlock signals the socket is
// not currently writable (SOFT_ERROR); any other non-nil error is fatal
// for the connection (HARD_ERROR). Package connection supplies the actual
// implementation over a raw non-blocking socket (TCP: successive write
// calls; UDP: one
// sendto per message, since each message is already sized to fit a single
// datagram).
type Sender interface {
	SendV(segments [][]byte) (n int, err error)
}

// pendingIOVs returns the not-yet-sent bytes of m as a list of byte
// slices suitable for a single vectored send call.
func (m *Message) pendingIOVs(headerSent bool) [][]byte {
	var out [][]byte
	if m.datagram && !headerSent {
		out = append(out, m.headerSpace[:])
	}
	for i := m.sentSegments; i < len(m.Segments); i++ {
		data := m.Segments[i].Data
		if i == m.sentSegments && m.sentOffset > 0 {
			data = data[m.sentOffset:]
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, data)
	}
	return out
}

// advance consumes n bytes from the front of the message's pending data,
// in the same order pendingIOVs produced them: header first (if present),
// then segments in order.
func (m *Message) advance(n int) {
	if m.datagram && !m.headerDone {
		if n < UDPHeaderSize {
			// Partial header write is vanishingly rare (8 bytes); treat any
			// partial as "nothing sent yet" rather than tracking a sub-header
			// cursor, so the next Transmit call resends the whole header.
			return
		}
		n -= UDPHeaderSize
		m.headerDone = true
	}
	for n > 0 && m.sentSegments < len(m.Segments) {
		remaining := len(m.Segments[m.sentSegments].Data) - m.sentOffset
		if n < remaining {
			m.sentOffset += n
			return
		}
		n -= remaining
		m.sentSegments++
		m.sentOffset = 0
	}
}

func (m *Message) fullySent() bool {
	return (!m.datagram || m.headerDone) && m.sentSegments >= len(m.Segments)
}

// Transmit iterates queued messages, calling Sender.SendV once per
// message. On a partial write it advances the segment cursor and returns
// Incomplete so the caller can re-arm for writable and retry later (§4.E).
func Transmit(a *Assembler, sender Sender) (Status, error) {
	for _, m := range a.Messages {
		for !m.fullySent() {
			iovs := m.pendingIOVs(m.headerDone)
			if len(iovs) == 0 {
				break
			}
			n, err := sender.SendV(iovs)
			if n > 0 {
				m.advance(n)
			}
			if err != nil {
				if err == ErrWouldBlock {
					return SoftError, nil
				}
				return HardError, err
			}
			if n == 0 {
				// Sender reported success but accepted nothing: nothing more
				// to do this wake-up without busy-looping.
				return Incomplete, nil
			}
			if !m.fullySent() {
				// Partial write: resume from the advanced cursor on the next
				// writable wake-up.
				return Incomplete, nil
			}
		}
	}
	return Complete, nil
}
