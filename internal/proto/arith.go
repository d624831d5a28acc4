package proto

import (
	"strconv"

	"gophercache/internal/store"
)

// handleArith implements `incr`/`decr key delta`: saturating arithmetic
// mutation of a stored numeric value (§4.F, testable property 7).
func (d *Dispatcher) handleArith(r Responder, words []Token, decrement bool) {
	if len(words) != 3 {
		r.Line("ERROR")
		return
	}
	key := words[1].Data
	if !validKey(key) {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	delta, err := strconv.ParseUint(words[2].String(), 10, 64)
	if err != nil {
		r.Line("CLIENT_ERROR invalid numeric delta argument")
		return
	}

	newVal, found, incErr := d.Store.Incr(string(key), delta, decrement)
	if !found {
		r.Line("NOT_FOUND")
		return
	}
	if incErr == store.ErrNotNumeric {
		r.Line("CLIENT_ERROR cannot increment or decrement non-numeric value")
		return
	}
	r.Line(strconv.FormatUint(newVal, 10))
}
