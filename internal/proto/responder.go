package proto

import "gophercache/internal/store"

// Responder is the narrow interface the connection state machine (package
// connection, component G) implements so the dispatcher (component F) can
// queue reply bytes without knowing about sockets, reactors, or the
// scatter/gather assembler directly. Keeping this as an interface avoids a
// dependency cycle between proto and connection while still letting
// handlers drive the exact wire format described in §6.
type Responder interface {
	// Line queues a single CRLF-terminated text line, e.g. "STORED\r\n" or
	// "CLIENT_ERROR bad command line format\r\n".
	Line(s string)
	// Value queues one "VALUE key flags len\r\n<data>\r\n" record for a
	// get/bget hit. it arrives already pinned (store.GetForReply); the
	// implementation takes ownership of that reference and must release it
	// (store.Deref) exactly once the reply bytes have been transmitted or
	// the connection is closed (§3 "Reply slot").
	Value(it *store.Item)
	// NeedBody suspends dispatch of the current command until length+2
	// bytes (payload plus trailing CRLF) have been read, then invokes cb
	// with the payload (CRLF already validated and stripped). If the
	// trailing CRLF is missing, the connection replies CLIENT_ERROR bad
	// data chunk itself and cb is never called (§7).
	NeedBody(length int, cb func(body []byte))
	// Quit transitions the connection to closing, after any queued reply
	// has been flushed.
	Quit()
}
