//go:build linux

package bblocks

// Runtime bundles one pool, one (possibly sharded) poller, one AIO
// adaptor, and their shared watchdog/logger/metrics into the single
// explicit handle callers construct once per process (spec.md §9
// "Design Notes" calls for replacing the original's global singletons —
// Logger/ThreadCtx/the thread pool itself — with exactly this kind of
// threaded-through handle).
type Runtime struct {
	Pool     *Pool
	Poller   *ShardedPoller
	AIO      *AIOAdaptor
	Watchdog *Watchdog
	Logger   Logger
	Metrics  *Metrics

	connector *Connector
}

// NewRuntime constructs and starts every core component per opts (or
// their documented defaults). The caller owns calling Shutdown.
func NewRuntime(opts ...Option) (*Runtime, error) {
	c := newConfig(opts...)

	wd := NewWatchdog(c.watchdogTimeout, c.watchdogYield, c.logger, c.metrics)
	pool := NewPool(c.workers, wd, c.logger, c.metrics)

	poller, err := NewShardedPoller(c.pollerShards, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}

	aio, err := NewAIOAdaptor(c.aioContexts, c.aioQueueDepth, c.logger, c.metrics)
	if err != nil {
		poller.Close()
		return nil, err
	}

	pool.Start()

	return &Runtime{
		Pool: pool, Poller: poller, AIO: aio, Watchdog: wd,
		Logger: c.logger, Metrics: c.metrics,
	}, nil
}

// Listen starts a TCP acceptor on addr using the runtime's poller/pool.
func (r *Runtime) Listen(addr string, handler Completion[AcceptResult]) (*Listener, error) {
	return Listen(addr, r.Poller, r.Pool, r.Logger, r.Metrics, handler)
}

// Connector returns the runtime's shared outbound-connection issuer,
// constructing it lazily on first use.
func (r *Runtime) Connector() *Connector {
	if r.connector == nil {
		r.connector = NewConnector(r.Poller, r.Pool, r.Logger, r.Metrics)
	}
	return r.connector
}

// Shutdown tears every component down: stops accepting new AIO/poller
// work, waits for the pool's workers to drain, and releases kernel
// resources. Shutdown must be called at most once.
func (r *Runtime) Shutdown() error {
	var first error
	if err := r.AIO.Close(); err != nil {
		first = err
	}
	if err := r.Poller.Close(); err != nil && first == nil {
		first = err
	}
	r.Pool.Shutdown()
	return first
}
