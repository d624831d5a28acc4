package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gophercache/internal/conf"
)

// flags mirrors the CLI surface in spec.md §6. Each flag either overrides a
// loaded YAML file's field or, with no --config given, is the sole source
// of a field's value via conf.SetDefaults().
var flags struct {
	configPath string

	bindAddr   string
	tcpPort    int
	udpPort    int
	binaryTCP  int
	binaryUDP  int
	streamPath string
	workers    int

	maxBytes         int64
	disableEviction  bool
	maxConns         int
	connBufferBytes  int64
	reqsPerEvent     int
	slabGrowthFactor float64

	managed       bool
	managedBucket int
	delimiter     string

	daemonize  bool
	maxCore    bool
	user       string
	pidFile    string
	lockMemory bool

	verbosity   int
	showLicense bool
}

const licenseText = `Copyright (c) 2026, the gophercached authors.
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

  * Redistributions of source code must retain the above copyright notice,
    this list of conditions and the following disclaimer.
  * Redistributions in binary form must reproduce the above copyright notice,
    this list of conditions and the following disclaimer in the documentation
    and/or other materials provided with the distribution.
  * Neither the name of the project nor the names of its contributors may be
    used to endorse or promote products derived from this software without
    specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.`

var rootCmd = &cobra.Command{
	Use:     "gophercached",
	Short:   "An in-memory key/value cache server speaking the memcached text protocol",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flags.showLicense {
			fmt.Println(licenseText)
			return nil
		}
		c, err := buildConf()
		if err != nil {
			return err
		}
		return run(c)
	},
}

// rootFlags mirrors rootCmd.Flags(); buildConf reads it instead of rootCmd
// directly to avoid a package-level initialization cycle (rootCmd's RunE
// closure calls buildConf, which would otherwise reference rootCmd back).
var rootFlags *pflag.FlagSet

func init() {
	f := rootCmd.Flags()
	rootFlags = f
	f.StringVar(&flags.configPath, "config", "", "path to a YAML config file")

	f.StringVarP(&flags.bindAddr, "listen", "l", "", "address to bind (default: all interfaces)")
	f.IntVarP(&flags.tcpPort, "port", "p", 0, "TCP port to listen on (0 = disabled, default 11211 if nothing else is set)")
	f.IntVarP(&flags.udpPort, "udp-port", "U", 0, "UDP port to listen on (0 = disabled)")
	f.IntVarP(&flags.binaryTCP, "binary-tcp-port", "n", 0, "binary protocol TCP port (out of scope, accepted but ignored)")
	f.IntVarP(&flags.binaryUDP, "binary-udp-port", "N", 0, "binary protocol UDP port (out of scope, accepted but ignored)")
	f.StringVarP(&flags.streamPath, "unix-socket", "s", "", "unix domain stream socket path, mutually exclusive with -p/-U")
	f.IntVarP(&flags.workers, "threads", "t", 0, "number of worker threads")

	f.Int64VarP(&flags.maxBytes, "memory-limit", "m", 0, "max memory to use for item storage, in megabytes")
	f.BoolVarP(&flags.disableEviction, "disable-eviction", "M", false, "return an error instead of evicting when out of memory")
	f.IntVarP(&flags.maxConns, "conn-limit", "c", 0, "max simultaneous connections")
	f.Int64VarP(&flags.connBufferBytes, "conn-buffer-limit", "C", 0, "total bytes across all connection buffers (accepted, not enforced)")
	f.IntVarP(&flags.reqsPerEvent, "reqs-per-event", "R", 0, "max requests processed per connection per event-loop pass")
	f.Float64VarP(&flags.slabGrowthFactor, "factor", "f", 1.25, "slab growth factor (accepted for compatibility, ignored: no slab allocator)")

	f.BoolVarP(&flags.managed, "managed", "b", false, "enable managed (bucket/generation ownership) mode")
	f.IntVar(&flags.managedBucket, "buckets", 0, "number of managed-mode buckets")
	f.StringVarP(&flags.delimiter, "prefix-delimiter", "D", "", "single-byte delimiter for per-prefix stats")

	f.BoolVarP(&flags.daemonize, "daemon", "d", false, "run as a daemon")
	f.BoolVarP(&flags.maxCore, "maximize-core-limit", "r", false, "raise the core dump size limit to its maximum")
	f.StringVarP(&flags.user, "user", "u", "", "drop privileges to this user after startup")
	f.StringVarP(&flags.pidFile, "pidfile", "P", "", "file to write the process id to")
	f.BoolVarP(&flags.lockMemory, "lock-memory", "k", false, "mlockall() the process, preventing item data from being swapped")

	f.CountVarP(&flags.verbosity, "verbose", "v", "increase logging verbosity (stackable)")
	f.BoolVarP(&flags.showLicense, "license", "i", false, "print the license and exit")

	rootCmd.SetVersionTemplate(fmt.Sprintf("gophercached version %s\n", version))
}

// buildConf loads flags.configPath if given, then applies every explicitly
// set flag on top, matching the teacher's "YAML provides the base, flags
// override" precedence.
func buildConf() (*conf.Conf, error) {
	var c *conf.Conf
	if flags.configPath != "" {
		loaded, err := conf.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		c = loaded
	} else {
		c = conf.SetDefaults()
	}

	fs := rootFlags
	if fs.Changed("listen") {
		c.Network.BindAddr = flags.bindAddr
	}
	if fs.Changed("port") {
		c.Network.TCPPort = flags.tcpPort
	}
	if fs.Changed("udp-port") {
		c.Network.UDPPort = flags.udpPort
	}
	if fs.Changed("binary-tcp-port") {
		c.Network.BinaryTCP = flags.binaryTCP
	}
	if fs.Changed("binary-udp-port") {
		c.Network.BinaryUDP = flags.binaryUDP
	}
	if fs.Changed("unix-socket") {
		c.Network.StreamPath = flags.streamPath
	}
	if fs.Changed("threads") {
		c.Network.Workers = flags.workers
	}
	if fs.Changed("memory-limit") {
		c.Limits.MaxBytes = flags.maxBytes << 20
	}
	if fs.Changed("disable-eviction") {
		c.Limits.DisableEviction = flags.disableEviction
	}
	if fs.Changed("conn-limit") {
		c.Limits.MaxConns = flags.maxConns
	}
	if fs.Changed("conn-buffer-limit") {
		c.Limits.ConnBufferBytes = flags.connBufferBytes
	}
	if fs.Changed("reqs-per-event") {
		c.Limits.ReqsPerEvent = flags.reqsPerEvent
	}
	if fs.Changed("factor") {
		c.Limits.SlabGrowthFactor = flags.slabGrowthFactor
	}
	if fs.Changed("managed") {
		c.Managed.Enabled = flags.managed
	}
	if fs.Changed("buckets") {
		c.Managed.Buckets = flags.managedBucket
	}
	if fs.Changed("prefix-delimiter") {
		c.Managed.Delimiter = flags.delimiter
	}
	if fs.Changed("daemon") {
		c.Process.Daemonize = flags.daemonize
	}
	if fs.Changed("maximize-core-limit") {
		c.Process.MaxCore = flags.maxCore
	}
	if fs.Changed("user") {
		c.Process.User = flags.user
	}
	if fs.Changed("pidfile") {
		c.Process.PidFile = flags.pidFile
	}
	if fs.Changed("lock-memory") {
		c.Process.LockMemory = flags.lockMemory
	}
	if flags.verbosity > 0 {
		c.Log.Verbosity = flags.verbosity
	}

	c.ApplyDefaults()

	if c.Process.Daemonize {
		if err := daemonize(); err != nil {
			return nil, fmt.Errorf("daemonize: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
