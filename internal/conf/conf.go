// Package conf loads server configuration from an optional YAML file and
// the CLI surface in spec.md §6, grounded on the teacher's two-phase
// load (github.com/goccy/go-yaml unmarshal -> setDefaults -> validate)
// in _examples/Dragon-Born-paqet/internal/conf/conf.go, generalized from
// its client/server VPN roles to the single "cache server process" role
// this spec describes.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"gophercache/internal/flog"
)

// Conf is the full process configuration: the YAML file format, with every
// field also settable (and overridden) by the matching cobra flag in
// cmd/commands.go.
type Conf struct {
	Log     Log     `yaml:"log"`
	Network Network `yaml:"network"`
	Limits  Limits  `yaml:"limits"`
	Managed Managed `yaml:"managed"`
	Process Process `yaml:"process"`
}

// LoadFromFile reads and unmarshals path, applies defaults, and validates
// the result, matching the teacher's LoadFromFile shape. A missing path is
// not an error at this layer: cmd/commands.go only calls LoadFromFile when
// --config was actually given, otherwise it builds a Conf from flag
// defaults alone.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &c, err
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	c.Network.setDefaults()
	c.Limits.setDefaults()
	c.Managed.setDefaults()
	c.Process.setDefaults()
}

func (c *Conf) validate() error {
	var allErrors []error
	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Network.validate()...)
	allErrors = append(allErrors, c.Limits.validate()...)
	allErrors = append(allErrors, c.Managed.validate()...)
	allErrors = append(allErrors, c.Process.validate()...)
	return writeErr(allErrors)
}

// Validate re-runs validation after flags have overridden a loaded (or
// default) Conf, so cmd/commands.go can surface a single combined error
// regardless of whether settings came from YAML or the command line.
func (c *Conf) Validate() error {
	return c.validate()
}

// ApplyDefaults re-runs setDefaults, for cmd/commands.go to call after CLI
// flags have overridden individual fields (e.g. clearing tcp_port should
// still leave some port or socket enabled if nothing else was set).
func (c *Conf) ApplyDefaults() {
	c.setDefaults()
}

// SetDefaults is the exported entry point for building a Conf purely from
// flag defaults, with no YAML file involved.
func SetDefaults() *Conf {
	c := &Conf{}
	c.setDefaults()
	return c
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	var messages []string
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// Log configures the flog level (§10.1). When stackable -v flags are given
// on the CLI, their count replaces Verbosity from the config file.
type Log struct {
	Verbosity int `yaml:"verbosity"`
}

func (l *Log) setDefaults() {}

func (l *Log) validate() []error {
	var errs []error
	if l.Verbosity < 0 || l.Verbosity > 5 {
		errs = append(errs, fmt.Errorf("log.verbosity must be between 0 and 5"))
	}
	return errs
}

// Level maps Verbosity onto a flog.Level, clamping the way the original
// memcached clamps its own -v stack (§4.F handleVerbosity).
func (l *Log) Level() flog.Level {
	switch {
	case l.Verbosity <= 0:
		return flog.Info
	case l.Verbosity == 1:
		return flog.Debug
	default:
		return flog.Debug
	}
}

// Network is the transport surface: TCP/UDP text ports, an optional unix
// stream socket, and the bind address (§6 "-p/-U ... -s ... -l").
// MetricsAddr, when non-empty, additionally exposes the per-worker counters
// as Prometheus metrics over HTTP; it has no CLI flag since it is outside
// the original flag surface.
type Network struct {
	BindAddr    string `yaml:"bind_addr"`
	TCPPort     int    `yaml:"tcp_port"`
	UDPPort     int    `yaml:"udp_port"`
	BinaryTCP   int    `yaml:"binary_tcp_port"`
	BinaryUDP   int    `yaml:"binary_udp_port"`
	StreamPath  string `yaml:"stream_path"`
	Workers     int    `yaml:"workers"`
	UDPRecvBuf  int    `yaml:"udp_recv_buf"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func (n *Network) setDefaults() {
	if n.TCPPort == 0 && n.UDPPort == 0 && n.StreamPath == "" {
		n.TCPPort = 11211
	}
	if n.Workers <= 0 {
		n.Workers = 4
	}
	if n.UDPRecvBuf == 0 {
		n.UDPRecvBuf = 1 << 20
	}
}

func (n *Network) validate() []error {
	var errs []error
	// §6: "Stream socket ... is mutually exclusive with network ports; if
	// enabled, binary ports are disabled."
	if n.StreamPath != "" {
		if n.TCPPort != 0 || n.UDPPort != 0 {
			errs = append(errs, fmt.Errorf("network.stream_path is mutually exclusive with tcp_port/udp_port"))
		}
		if n.BinaryTCP != 0 || n.BinaryUDP != 0 {
			errs = append(errs, fmt.Errorf("network.stream_path disables binary_tcp_port/binary_udp_port"))
		}
	}
	if n.Workers <= 0 {
		errs = append(errs, fmt.Errorf("network.workers must be positive"))
	}
	for name, p := range map[string]int{"tcp_port": n.TCPPort, "udp_port": n.UDPPort} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("network.%s out of range: %d", name, p))
		}
	}
	return errs
}

// Limits implements the resource-bounding flags: -m, -M, -c, -C, -R, -f
// (§6). SlabGrowthFactor is accepted for CLI compatibility with slab-based
// servers but has no effect here: this store has no slab allocator.
type Limits struct {
	MaxBytes         int64   `yaml:"max_bytes"`
	DisableEviction  bool    `yaml:"disable_eviction"`
	MaxConns         int     `yaml:"max_conns"`
	ConnBufferBytes  int64   `yaml:"conn_buffer_bytes"`
	ReqsPerEvent     int     `yaml:"reqs_per_event"`
	MaxAcceptsPerSec int     `yaml:"max_accepts_per_sec"` // 0 = unlimited
	SlabGrowthFactor float64 `yaml:"slab_growth_factor"`
}

func (l *Limits) setDefaults() {
	if l.MaxBytes == 0 {
		l.MaxBytes = 64 << 20 // 64MB, memcached's own historical default
	}
	if l.MaxConns == 0 {
		l.MaxConns = 1024
	}
	if l.ConnBufferBytes == 0 {
		l.ConnBufferBytes = 8 << 20
	}
	if l.ReqsPerEvent == 0 {
		l.ReqsPerEvent = 20 // §4.G "reqs_per_event cap"
	}
	if l.SlabGrowthFactor == 0 {
		l.SlabGrowthFactor = 1.25
	}
}

func (l *Limits) validate() []error {
	var errs []error
	if l.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_bytes must be positive"))
	}
	if l.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_conns must be positive"))
	}
	if l.ReqsPerEvent <= 0 {
		errs = append(errs, fmt.Errorf("limits.reqs_per_event must be positive"))
	}
	if l.SlabGrowthFactor <= 1.0 {
		errs = append(errs, fmt.Errorf("limits.slab_growth_factor must be greater than 1.0"))
	}
	return errs
}

// Managed toggles bucket/generation ownership mode (-b) and the optional
// stats prefix delimiter (-D).
type Managed struct {
	Enabled   bool   `yaml:"enabled"`
	Buckets   int    `yaml:"buckets"`
	Delimiter string `yaml:"prefix_delimiter"`
}

func (m *Managed) setDefaults() {
	if m.Buckets == 0 {
		m.Buckets = 256
	}
}

func (m *Managed) validate() []error {
	var errs []error
	if m.Buckets <= 0 {
		errs = append(errs, fmt.Errorf("managed.buckets must be positive"))
	}
	if len(m.Delimiter) > 1 {
		errs = append(errs, fmt.Errorf("managed.prefix_delimiter must be a single byte"))
	}
	return errs
}

// Process holds daemonization and privilege-dropping settings (-d, -r, -u,
// -k, -P): process-lifecycle concerns outside the protocol core proper but
// still part of the CLI surface (§6).
type Process struct {
	Daemonize  bool   `yaml:"daemonize"`
	MaxCore    bool   `yaml:"maximize_core_limit"`
	User       string `yaml:"user"`
	PidFile    string `yaml:"pid_file"`
	LockMemory bool   `yaml:"lock_memory"`
}

func (p *Process) setDefaults() {}

func (p *Process) validate() []error {
	return nil
}
