package bblocks

import (
	"runtime"
	"time"
)

// config bundles every tunable this module exposes. Unlike the original,
// which hard-codes most of these as compile-time constants (DEFAULT_NRTHREADS,
// TIMEOUT_MS), the Go rewrite exposes them as functional options (the
// epoll batch size, MAX_EPOLL_EVENT, stays a constant: maxEpollEvents), the same shape as ygrebnov-workers/options.go (WithFixedPool,
// WithTasksBuffer, ...).
type config struct {
	workers         int
	pollerShards    int
	aioContexts     int
	aioQueueDepth   int
	watchdogTimeout time.Duration
	watchdogYield   time.Duration
	logger          Logger
	metrics         *Metrics
}

// Option configures a Runtime via NewRuntime.
type Option func(*config)

func defaultConfig() config {
	return config{
		workers:         runtime.NumCPU(),
		pollerShards:    1,
		aioContexts:     2,    // matches LinuxAioProcessor::DEFAULT_NRTHREADS (~1GBps)
		aioQueueDepth:   1024, // matches LinuxAioProcessor::DEFAULT_MAX_EVENTS
		watchdogTimeout: 500 * time.Millisecond,
		watchdogYield:   100 * time.Millisecond,
		logger:          NopLogger(),
		metrics:         NopMetrics(),
	}
}

// WithWorkers sets the pinned worker count (default: runtime.NumCPU()).
func WithWorkers(n int) Option {
	return func(c *config) {
		if n <= 0 {
			panic("bblocks: WithWorkers requires n > 0")
		}
		c.workers = n
	}
}

// WithPollerShards selects the k-way sharded poller variant (spec.md
// §4.3 "Multi-path (sharded) variant"). k == 1 behaves identically to a
// single poller, per spec.md's boundary behavior.
func WithPollerShards(k int) Option {
	return func(c *config) {
		if k <= 0 {
			panic("bblocks: WithPollerShards requires k > 0")
		}
		c.pollerShards = k
	}
}

// WithAIOContexts sets the number of io_setup contexts the AIO adaptor
// maintains to absorb submission contention (spec.md §4.4 "Submit").
func WithAIOContexts(n int) Option {
	return func(c *config) {
		if n <= 0 {
			panic("bblocks: WithAIOContexts requires n > 0")
		}
		c.aioContexts = n
	}
}

// WithAIOQueueDepth sets nreqs passed to io_setup for each context.
func WithAIOQueueDepth(n int) Option {
	return func(c *config) {
		if n <= 0 {
			panic("bblocks: WithAIOQueueDepth requires n > 0")
		}
		c.aioQueueDepth = n
	}
}

// WithWatchdogTimeout overrides the default 500ms liveness deadline
// (spec.md §4.5).
func WithWatchdogTimeout(d time.Duration) Option {
	return func(c *config) {
		if d <= 0 {
			panic("bblocks: WithWatchdogTimeout requires d > 0")
		}
		c.watchdogTimeout = d
		if c.watchdogYield >= d {
			c.watchdogYield = d / 5
		}
	}
}

// WithLogger installs a Logger threaded through every component the
// Runtime constructs.
func WithLogger(l Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics installs a Metrics bundle threaded through every component
// the Runtime constructs.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		if m == nil {
			panic("bblocks: WithMetrics requires a non-nil Metrics")
		}
		c.metrics = m
	}
}

func newConfig(opts ...Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			panic("bblocks: nil Option")
		}
		opt(&c)
	}
	return c
}
