package proto

import (
	"strconv"
	"sync"
	"sync/atomic"

	"gophercache/internal/bufpool"
	"gophercache/internal/deferred"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

// MaxKeyLength is the wire limit on key size (§6: "Keys are ... <= 250
// bytes"). Longer keys are rejected as malformed.
const MaxKeyLength = 250

// maxTokens bounds how many whitespace-separated fields any recognized
// command line can have; generous enough for `get` fanning out across many
// keys in one line.
const maxTokens = 64

// Dispatcher holds the collaborators handlers need: the storage engine,
// the deferred-delete queue, the process-wide stats registry, and
// server-wide settings like verbosity and managed-mode bucket ownership
// (§9 Design Notes: "the protocol core should see the store through a
// narrow interface").
type Dispatcher struct {
	Store       *store.Store
	Deferred    *deferred.Queue
	Registry    *stats.Registry
	Version     string
	ManagedMode bool

	Verbosity atomic.Int32

	bufMu    sync.Mutex
	bufPools []*bufpool.Pool
}

// RegisterBufPool adds p to the set reported by `stats conn_buffer`
// (§4.B "group_stats() -> text"). Each worker registers its own read and
// write bufpool.Pool once, at construction.
func (d *Dispatcher) RegisterBufPool(p *bufpool.Pool) {
	d.bufMu.Lock()
	d.bufPools = append(d.bufPools, p)
	d.bufMu.Unlock()
}

// bufPoolStats renders every registered pool's GroupStats line, for
// handleStats's "conn_buffer" subsystem.
func (d *Dispatcher) bufPoolStats() []string {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	out := make([]string, len(d.bufPools))
	for i, p := range d.bufPools {
		out[i] = p.GroupStats()
	}
	return out
}

// Dispatch tokenizes one command line and routes it to a handler. st is
// the calling worker's own per-thread Stats block (§5 "Statistics are
// per-thread"); handlers record hits/misses/command counts against it
// directly instead of a shared counter, and Registry aggregates across
// every worker's st on demand for the `stats` command. Dispatch never
// returns an error itself; all failures are reported to r as a wire-level
// reply, per §7's propagation policy ("handlers return their failure text
// into the write buffer").
func (d *Dispatcher) Dispatch(r Responder, line []byte, st *stats.Stats) {
	toks := Tokenize(line, maxTokens)
	words := stripTerminal(toks)
	if len(words) == 0 {
		r.Line("ERROR")
		return
	}

	verb := string(words[0].Data)
	st.CountCommand(verb)

	switch verb {
	case "get", "bget":
		d.handleGet(r, words, st)
	case "metaget":
		d.handleMetaget(r, words)
	case "add", "set", "replace":
		d.handleStore(r, words, verb)
	case "incr", "decr":
		d.handleArith(r, words, verb == "decr")
	case "delete":
		d.handleDelete(r, words)
	case "flush_all":
		d.handleFlushAll(r, words)
	case "flush_regex":
		d.handleFlushRegex(r, words)
	case "stats":
		d.handleStats(r, words)
	case "verbosity":
		d.handleVerbosity(r, words)
	case "version":
		if len(words) != 1 {
			r.Line("ERROR")
			return
		}
		r.Line("VERSION " + d.Version)
	case "quit":
		if len(words) != 1 {
			r.Line("ERROR")
			return
		}
		r.Quit()
	case "own", "disown", "bg":
		d.handleBucket(r, words, verb)
	default:
		r.Line("ERROR")
	}
}

// stripTerminal drops the trailing "no more data" terminal token Tokenize
// always appends, returning just the real words.
func stripTerminal(toks []Token) []Token {
	if len(toks) == 0 {
		return toks
	}
	last := toks[len(toks)-1]
	if last.Data == nil || len(last.Data) == 0 {
		return toks[:len(toks)-1]
	}
	return toks
}

func validKey(k []byte) bool {
	if len(k) == 0 || len(k) > MaxKeyLength {
		return false
	}
	for _, b := range k {
		if b <= ' ' || b == 0x7f {
			return false
		}
	}
	return true
}

func parseUint32(tok Token) (uint32, bool) {
	n, err := strconv.ParseUint(tok.String(), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func parseInt64(tok Token) (int64, bool) {
	n, err := strconv.ParseInt(tok.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseInt(tok Token) (int, bool) {
	n, err := strconv.Atoi(tok.String())
	if err != nil {
		return 0, false
	}
	return n, true
}
