package proto

import (
	"strconv"
	"strings"

	"gophercache/internal/clock"
	"gophercache/internal/flog"
)

// handleDelete implements `delete key [grace]`: an immediate unlink, or a
// deferred delete that holds the item hidden-but-pinned until grace
// seconds pass (§4.F, §4.H).
func (d *Dispatcher) handleDelete(r Responder, words []Token) {
	if len(words) != 2 && len(words) != 3 {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	key := words[1].Data
	if !validKey(key) {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	keyStr := string(key)

	if len(words) == 2 {
		if d.Store.Unlink(keyStr) {
			r.Line("DELETED")
		} else {
			r.Line("NOT_FOUND")
		}
		return
	}

	grace, ok := parseInt64(words[2])
	if !ok || grace < 0 {
		r.Line("CLIENT_ERROR invalid exptime argument")
		return
	}
	pinned, ok := d.Store.SoftDelete(keyStr, grace)
	if !ok {
		r.Line("NOT_FOUND")
		return
	}
	if err := d.Deferred.Enqueue(pinned, clock.Now()+grace); err != nil {
		r.Line("SERVER_ERROR out of memory")
		return
	}
	r.Line("DELETED")
}

// handleFlushAll implements `flush_all [delay]` (§4.F).
func (d *Dispatcher) handleFlushAll(r Responder, words []Token) {
	if len(words) != 1 && len(words) != 2 {
		r.Line("ERROR")
		return
	}
	at := clock.Now()
	if len(words) == 2 {
		delta, ok := parseInt64(words[1])
		if !ok {
			r.Line("CLIENT_ERROR bad command line format")
			return
		}
		at += delta
	}
	d.Store.FlushBefore(at)
	r.Line("OK")
}

// handleFlushRegex implements `flush_regex <pattern>`.
func (d *Dispatcher) handleFlushRegex(r Responder, words []Token) {
	if len(words) != 2 {
		r.Line("ERROR")
		return
	}
	if _, err := d.Store.FlushRegex(words[1].String()); err != nil {
		r.Line("CLIENT_ERROR invalid regex")
		return
	}
	r.Line("OK")
}

// handleVerbosity implements `verbosity <n>`, clamping to [0,5], the same
// range conf.Log accepts for the -v count.
func (d *Dispatcher) handleVerbosity(r Responder, words []Token) {
	if len(words) != 2 {
		r.Line("ERROR")
		return
	}
	n, err := strconv.Atoi(words[1].String())
	if err != nil {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	d.Verbosity.Store(int32(n))
	lvl := flog.Info
	if n >= 1 {
		lvl = flog.Debug
	}
	flog.SetLevel(int(lvl))
	r.Line("OK")
}

// handleStats implements `stats [sub]` (§4.F). general and conn_buffer are
// rendered with real data, reset clears the counters, and detail (with its
// one argument) is answered with OK and records nothing; the rest (malloc,
// maps, sizes, buckets, pools, cachedump, slabs, items, cost-benefit) belong
// to the out-of-scope storage
// engine and are reported as empty sections so client tooling that walks
// all subsystems does not break.
func (d *Dispatcher) handleStats(r Responder, words []Token) {
	sub := ""
	if len(words) >= 2 {
		sub = strings.ToLower(words[1].String())
	}

	switch sub {
	case "", "general":
		for k, v := range d.Registry.Aggregate() {
			r.Line("STAT " + k + " " + v)
		}
		r.Line("STAT curr_items " + strconv.Itoa(d.Store.ItemCount()))
		r.Line("STAT bytes " + strconv.FormatInt(d.Store.UsedBytes(), 10))
		r.Line("STAT deferred_pending " + strconv.Itoa(d.Deferred.Len()))
	case "reset":
		d.Registry.Reset()
		r.Line("RESET")
		return
	case "detail":
		if len(words) != 3 {
			r.Line("CLIENT_ERROR bad command line format")
			return
		}
		r.Line("OK")
		return
	case "conn_buffer":
		for _, line := range d.bufPoolStats() {
			r.Line("STAT pool " + line)
		}
	default:
		// malloc, maps, sizes, buckets, pools, cachedump, slabs, items,
		// cost-benefit: no data from this core; reply an empty section
		// rather than ERROR so clients see a consistent shape.
	}
	r.Line("END")
}

// handleBucket implements managed-mode `own`/`disown`/`bg` (§4.F). These
// are only meaningful when the server was started with managed mode
// enabled (`-b`); otherwise they are simply unrecognized commands.
func (d *Dispatcher) handleBucket(r Responder, words []Token, verb string) {
	if !d.ManagedMode {
		r.Line("ERROR")
		return
	}
	if len(words) != 3 {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}
	bucket, ok1 := parseUint32(words[1])
	gen, ok2 := parseUint32(words[2])
	if !ok1 || !ok2 {
		r.Line("CLIENT_ERROR bad command line format")
		return
	}

	var err error
	switch verb {
	case "own":
		err = d.Store.Buckets().Own(uint16(bucket), gen)
	case "disown":
		err = d.Store.Buckets().Disown(uint16(bucket))
	case "bg":
		var cur uint32
		cur, err = d.Store.Buckets().Generation(uint16(bucket))
		if err == nil {
			r.Line("OK " + strconv.FormatUint(uint64(cur), 10))
			return
		}
	}
	if err != nil {
		r.Line("CLIENT_ERROR " + err.Error())
		return
	}
	r.Line("OK")
}
