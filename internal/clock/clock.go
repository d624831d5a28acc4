// Package clock provides the coarse, monotonic relative-time source shared
// by every other component: seconds elapsed since the process started.
package clock

import (
	"sync/atomic"
	"time"
)

// secondsPerMonth bounds how far an expiration value is interpreted as a
// delta rather than an absolute unix timestamp.
const secondsPerMonth = 30 * 24 * 3600

var (
	started int64
	current atomic.Int64
)

// Start records the process start time and launches the 1 Hz ticker that
// keeps Now() cheap to read from any goroutine without synchronization.
// stop cancels the ticker; callers should defer it.
func Start() (stop func()) {
	started = time.Now().Unix()
	current.Store(0)

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				Tick()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// Tick sets the relative clock to the wall-clock seconds elapsed since
// Start. Exposed so tests and
// platforms without a cheap timer can drive it on demand instead of the 1 Hz
// ticker.
func Tick() {
	current.Store(time.Now().Unix() - started)
}

// Now returns seconds elapsed since Start was called. Safe for concurrent
// use; never needs a lock since it is a single word.
func Now() int64 {
	return current.Load()
}

// Absolute converts a relative clock reading back to a unix timestamp,
// mirroring how the wire protocol reports item age against wall-clock time.
func Absolute(relative int64) int64 {
	return started + relative
}

// Realtime implements the expiration conversion rule from the wire
// protocol: 0 means "never expires" and is returned unchanged; a value at
// most secondsPerMonth is a delta from now; anything larger is treated as
// an absolute unix timestamp and converted to a relative one. A past
// absolute time is clamped to "1 second after start" rather than "never",
// since returning 0 here would silently resurrect the never-expires sentinel.
func Realtime(exptime int64) int64 {
	if exptime == 0 {
		return 0
	}
	if exptime <= secondsPerMonth {
		return Now() + exptime
	}
	if exptime <= started {
		return 1
	}
	return exptime - started
}
