// Package cancel provides the cooperative cancellation source threaded
// through the runner, pipeline and orchestrator. Termination is an external
// action recorded in the history store; workers observe it by polling.
package cancel

import (
	"sync/atomic"
	"time"
)

// Source reports whether the current run has been cancelled. Implementations
// must be safe for concurrent use and cheap enough to poll every few
// milliseconds.
type Source interface {
	Cancelled() bool
}

// Func adapts a plain predicate to a Source.
type Func func() bool

func (f Func) Cancelled() bool { return f() }

// Flag is an atomic in-memory Source, mainly for tests and for the daemon's
// shutdown path.
type Flag struct {
	set atomic.Bool
}

func (f *Flag) Cancel()         { f.set.Store(true) }
func (f *Flag) Cancelled() bool { return f.set.Load() }

// Cached wraps a Source whose check is expensive (a datastore read) and
// caches the negative answer for the given interval. A positive answer is
// latched and never re-checked.
type Cached struct {
	inner     Source
	interval  time.Duration
	lastCheck atomic.Int64 // unix nanos
	cancelled atomic.Bool
}

// NewCached builds a caching wrapper. A non-positive interval disables
// caching and every call hits the inner source.
func NewCached(inner Source, interval time.Duration) *Cached {
	return &Cached{inner: inner, interval: interval}
}

func (c *Cached) Cancelled() bool {
	if c.cancelled.Load() {
		return true
	}
	now := time.Now().UnixNano()
	if c.interval > 0 {
		last := c.lastCheck.Load()
		if last != 0 && now-last < int64(c.interval) {
			return false
		}
	}
	c.lastCheck.Store(now)
	if c.inner.Cancelled() {
		c.cancelled.Store(true)
		return true
	}
	return false
}
