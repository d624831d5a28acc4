// Package stats implements the per-thread statistics accumulator named as
// an out-of-scope collaborator in spec §1/§5 ("per-thread statistics
// accumulation ... aggregated on demand"). Each worker owns one *Stats; the
// `stats` command aggregates across all of them. Counters are also mirrored
// into github.com/prometheus/client_golang so the server can optionally
// expose them over /metrics, the way nabbar-golib's prometheus package
// wires library metrics into handlers.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is one worker's counters, guarded by its own lock per §5 ("per-struct
// lock"). Aggregation (the `stats` command) takes every worker's snapshot
// and sums them; no cross-worker lock is ever held at once.
type Stats struct {
	mu       sync.Mutex
	commands map[string]uint64

	getHits   atomic.Uint64
	getMisses atomic.Uint64
	bytesRead atomic.Uint64
	bytesSent atomic.Uint64
	curConns  atomic.Int64
	totalConn atomic.Uint64

	promCommands *prometheus.CounterVec
}

// New creates a worker's stats block. name labels its Prometheus metrics,
// e.g. "worker-0", so per-thread detail survives aggregation.
func New(name string) *Stats {
	s := &Stats{
		commands: make(map[string]uint64),
		promCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gophercache",
			Subsystem:   "commands",
			Name:        "total",
			ConstLabels: prometheus.Labels{"worker": name},
		}, []string{"verb"}),
	}
	return s
}

// Registerer lets the caller attach this worker's Prometheus collectors to
// a registry; optional, since spec's Non-goals exclude mandating metrics
// exposure but the ambient stack still carries the library (§10.2/§11).
func (s *Stats) Registerer(reg prometheus.Registerer) {
	reg.MustRegister(s.promCommands)
}

func (s *Stats) CountCommand(verb string) {
	s.mu.Lock()
	s.commands[verb]++
	s.mu.Unlock()
	s.promCommands.WithLabelValues(verb).Inc()
}

func (s *Stats) HitGet()            { s.getHits.Add(1) }
func (s *Stats) MissGet()           { s.getMisses.Add(1) }
func (s *Stats) AddBytesRead(n int) { s.bytesRead.Add(uint64(n)) }
func (s *Stats) AddBytesSent(n int) { s.bytesSent.Add(uint64(n)) }
func (s *Stats) ConnOpened()        { s.curConns.Add(1); s.totalConn.Add(1) }
func (s *Stats) ConnClosed()        { s.curConns.Add(-1) }

// Snapshot renders the `stats` general-subsystem lines (§4.F).
func (s *Stats) Snapshot() map[string]string {
	s.mu.Lock()
	cmdTotal := uint64(0)
	for _, n := range s.commands {
		cmdTotal += n
	}
	s.mu.Unlock()

	return map[string]string{
		"curr_connections":  fmt.Sprint(s.curConns.Load()),
		"total_connections": fmt.Sprint(s.totalConn.Load()),
		"cmd_total":         fmt.Sprint(cmdTotal),
		"get_hits":          fmt.Sprint(s.getHits.Load()),
		"get_misses":        fmt.Sprint(s.getMisses.Load()),
		"bytes_read":        fmt.Sprint(s.bytesRead.Load()),
		"bytes_written":     fmt.Sprint(s.bytesSent.Load()),
	}
}

// Reset zeroes the command, hit/miss and byte counters, implementing
// `stats reset`; the connection counts are left unchanged.
func (s *Stats) Reset() {
	s.mu.Lock()
	s.commands = make(map[string]uint64)
	s.mu.Unlock()
	s.getHits.Store(0)
	s.getMisses.Store(0)
	s.bytesRead.Store(0)
	s.bytesSent.Store(0)
}

// Registry collects one *Stats per worker thread so the `stats` command can
// aggregate "on demand" across them, per §5 ("Statistics are per-thread
// with a per-struct lock and aggregated on demand"). Registration only ever
// appends, mirroring the original's fixed, start-of-day-sized per-thread
// stats array.
type Registry struct {
	mu   sync.Mutex
	all  []*Stats
	prom prometheus.Registerer
}

// NewRegistry creates an empty registry; one is shared by the dispatcher and
// every worker for the lifetime of the process.
func NewRegistry() *Registry {
	return &Registry{}
}

// AttachPrometheus routes every subsequently registered worker's collectors
// into reg, so the /metrics endpoint (cmd) sees the same counters the
// `stats` command aggregates. Must be called before the listener constructs
// its workers.
func (r *Registry) AttachPrometheus(reg prometheus.Registerer) {
	r.mu.Lock()
	r.prom = reg
	r.mu.Unlock()
}

// Register adds a worker's Stats block to the registry.
func (r *Registry) Register(s *Stats) {
	r.mu.Lock()
	r.all = append(r.all, s)
	prom := r.prom
	r.mu.Unlock()
	if prom != nil {
		s.Registerer(prom)
	}
}

// Aggregate sums every registered worker's Snapshot into one set of lines
// for `stats` (§4.F).
func (r *Registry) Aggregate() map[string]string {
	r.mu.Lock()
	workers := append([]*Stats(nil), r.all...)
	r.mu.Unlock()

	totals := map[string]uint64{}
	for _, s := range workers {
		for k, v := range s.Snapshot() {
			n, err := parseUint(v)
			if err != nil {
				continue
			}
			totals[k] += n
		}
	}
	out := make(map[string]string, len(totals))
	for k, v := range totals {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Reset zeroes every registered worker's counters, implementing
// `stats reset` across the whole process rather than just one thread.
func (r *Registry) Reset() {
	r.mu.Lock()
	workers := append([]*Stats(nil), r.all...)
	r.mu.Unlock()
	for _, s := range workers {
		s.Reset()
	}
}

func parseUint(s string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
