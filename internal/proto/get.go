package proto

import (
	"fmt"

	"gophercache/internal/clock"
	"gophercache/internal/stats"
)

// handleGet implements `get`/`bget`: multi-key fetch streaming one VALUE
// record per hit followed by a single END (§4.F). bget is handled
// identically at the wire-format layer described here; the distinction
// between get and bget is the underlying transport framing (binary vs
// text), which is out of scope for this text-protocol core (§1).
func (d *Dispatcher) handleGet(r Responder, words []Token, st *stats.Stats) {
	if len(words) < 2 {
		r.Line("ERROR")
		return
	}
	for _, keyTok := range words[1:] {
		key := keyTok.Data
		if !validKey(key) {
			r.Line("CLIENT_ERROR bad command line format")
			return
		}
		it, ok := d.Store.GetForReply(string(key))
		if !ok {
			st.MissGet()
			continue
		}
		st.HitGet()
		r.Value(it)
	}
	r.Line("END")
}

// handleMetaget implements `metaget <key>`: a single metadata line (age,
// exptime, origin) instead of the value itself.
func (d *Dispatcher) handleMetaget(r Responder, words []Token) {
	if len(words) != 2 {
		r.Line("ERROR")
		return
	}
	key := words[1].Data
	if !validKey(key) {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	it, ok := d.Store.Get(string(key))
	if !ok {
		r.Line("END")
		return
	}
	age := clock.Now() - it.StoredAt
	r.Line(fmt.Sprintf("META %s age=%d exp=%d from=self", it.Key, age, it.ExpireAt))
	r.Line("END")
}
