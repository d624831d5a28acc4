// Command gophercached is the cache server process: it loads configuration,
// wires together the collaborators in package internal (store, deferred
// delete, stats, dispatcher, listener) and runs until a termination signal
// arrives. Grounded on the teacher's cmd/commands.go root-command wiring
// style (cobra.Command with a RunE that loads conf.LoadFromFile and starts
// the long-running process), generalized from paqet's client/server tunnel
// roles to gophercache's single server role.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"gophercache/internal/clock"
	"gophercache/internal/conf"
	"gophercache/internal/deferred"
	"gophercache/internal/flog"
	"gophercache/internal/listener"
	"gophercache/internal/proto"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

const version = "1.6.0-go"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires every collaborator together and blocks until the process
// receives SIGINT/SIGTERM, implementing the RunE body for the root command
// declared in commands.go.
func run(c *conf.Conf) error {
	if c.Process.MaxCore {
		if err := maximizeCoreLimit(); err != nil {
			flog.Warnf("maximize core limit: %v", err)
		}
	}
	if c.Process.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			flog.Warnf("mlockall: %v", err)
		}
	}
	if c.Process.User != "" {
		if err := dropPrivileges(c.Process.User); err != nil {
			return fmt.Errorf("drop privileges: %w", err)
		}
	}
	if c.Process.PidFile != "" {
		if err := writePidFile(c.Process.PidFile); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer os.Remove(c.Process.PidFile)
	}

	flog.SetLevel(int(c.Log.Level()))
	defer flog.Close()

	stopClock := clock.Start()
	defer stopClock()

	st := store.New()
	st.SetMaxBytes(c.Limits.MaxBytes)
	st.SetDisableEviction(c.Limits.DisableEviction)
	deferredQ := deferred.New(st)

	registry := stats.NewRegistry()
	var promReg *prometheus.Registry
	if c.Network.MetricsAddr != "" {
		// Attach before listener.New: workers register their Stats (and so
		// their collectors) at construction.
		promReg = prometheus.NewRegistry()
		registry.AttachPrometheus(promReg)
	}

	dispatcher := &proto.Dispatcher{
		Store:       st,
		Deferred:    deferredQ,
		Registry:    registry,
		Version:     version,
		ManagedMode: c.Managed.Enabled,
	}
	if dispatcher.ManagedMode {
		st.SetBucketCount(c.Managed.Buckets)
	}

	lcfg := listener.Config{
		Addr:             c.Network.BindAddr,
		TCPPort:          c.Network.TCPPort,
		UDPPort:          c.Network.UDPPort,
		StreamPath:       c.Network.StreamPath,
		NumWorkers:       c.Network.Workers,
		UDPRecvBuf:       c.Network.UDPRecvBuf,
		ReqsPerEvent:     c.Limits.ReqsPerEvent,
		MaxConns:         c.Limits.MaxConns,
		MaxAcceptsPerSec: c.Limits.MaxAcceptsPerSec,
	}
	lis, err := listener.New(lcfg, dispatcher)
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopSweep := deferredQ.Run(ctx)
	defer stopSweep()

	if promReg != nil {
		startMetricsServer(ctx, c.Network.MetricsAddr, promReg)
	}

	flog.Infof("gophercached %s listening (tcp=%d udp=%d stream=%q workers=%d)",
		version, c.Network.TCPPort, c.Network.UDPPort, c.Network.StreamPath, c.Network.Workers)

	return lis.Run(ctx)
}

// startMetricsServer exposes promReg over HTTP at addr/metrics, shutting
// down when ctx is cancelled. Failure to serve is logged but not fatal:
// metrics exposure is an optional side surface, never worth taking the
// cache down over.
func startMetricsServer(ctx context.Context, addr string, promReg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			flog.Errorf("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
}

func maximizeCoreLimit() error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rl); err != nil {
		return err
	}
	rl.Cur = rl.Max
	return unix.Setrlimit(unix.RLIMIT_CORE, &rl)
}

// dropPrivileges switches the process to username's uid/gid. Go's runtime
// schedules goroutines across OS threads, so unix.Setuid/Setgid (which are
// per-thread on Linux) only reliably affect the whole process when called
// once, early, before additional OS threads have diverged credentials -
// acceptable here since this runs before the listener spawns any workers.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	return unix.Setuid(uid)
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
