package connection

// State names the connection's position in the read/parse/write cycle,
// mirroring the original's conn_states (conn_waiting, conn_read, conn_nread,
// conn_swallow, conn_write, conn_mwrite, conn_closing) collapsed to the
// subset this text-protocol core actually exercises (§4.G).
type State int

const (
	// StateReadCommand is waiting for (or mid-way through) a CRLF-terminated
	// command line.
	StateReadCommand State = iota
	// StateNread is accumulating the fixed-length payload (plus trailing
	// CRLF) a store command declared via Responder.NeedBody.
	StateNread
	// StateSwallow discards swallowRemaining bytes of a store payload whose
	// declared length was refused as too large, so the next command line
	// starts at a known boundary instead of being split across the abandoned
	// payload (§7).
	StateSwallow
	// StateWriting has a pending reply queued in the assembler and is
	// waiting for the socket to become writable.
	StateWriting
	// StateClosing has nothing left to do but release resources.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateReadCommand:
		return "read_command"
	case StateNread:
		return "nread"
	case StateSwallow:
		return "swallow"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
