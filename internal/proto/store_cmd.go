package proto

import "gophercache/internal/store"

// handleStore implements `add`/`set`/`replace key flags exptime bytes
// [noreply]`: parse the header, then suspend until the payload and its
// trailing CRLF have arrived (§4.F).
func (d *Dispatcher) handleStore(r Responder, words []Token, verb string) {
	if len(words) != 5 && len(words) != 6 {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	key := words[1].Data
	if !validKey(key) {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}

	// The original accepts flags==0/exptime==0 even on a strtoul parse
	// error unless errno is specifically ERANGE; we cannot observe that C
	// errno distinction in Go, so we treat any non-numeric flags/exptime
	// as a hard parse failure (documented Open Question, §9).
	flags, ok1 := parseUint32(words[2])
	exptime, ok2 := parseInt64(words[3])
	length, ok3 := parseInt(words[4])
	if !ok1 || !ok2 || !ok3 || length < 0 {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}

	keyStr := string(key)
	var mode store.StoreMode
	switch verb {
	case "add":
		mode = store.ModeAdd
	case "replace":
		mode = store.ModeReplace
	default:
		mode = store.ModeSet
	}

	r.NeedBody(length, func(body []byte) {
		it, err := d.Store.Alloc(keyStr, flags, exptime, body)
		if err != nil {
			r.Line("SERVER_ERROR out of memory storing object")
			return
		}
		switch d.Store.Put(mode, it) {
		case nil:
			r.Line("STORED")
		case store.ErrNotStored:
			r.Line("NOT_STORED")
		default:
			r.Line("SERVER_ERROR out of memory storing object")
		}
	})
}
