package bblocks

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors exercised by the pool,
// poller, AIO adaptor, and watchdog. The shape — a struct of pre-built
// collectors passed in rather than a global registry — is grounded on
// ygrebnov-workers/metrics (Provider interface with a noop/basic split);
// here Prometheus supplies the actual instrument types instead of a
// hand-rolled counter.
type Metrics struct {
	TasksScheduled   prometheus.Counter
	TaskLatency      prometheus.Histogram
	MailboxDepth     *prometheus.GaugeVec
	PollerFDs        *prometheus.GaugeVec
	PollerDispatch   prometheus.Histogram
	AIOInFlight      prometheus.Gauge
	AIOSubmitErrors  prometheus.Counter
	WatchdogNearDead *prometheus.GaugeVec
	SpinWaits        *prometheus.CounterVec
}

// NewMetrics constructs a Metrics bundle and registers it with reg. Passing
// a non-nil custom registry (rather than prometheus.DefaultRegisterer) is
// what makes this safe to call more than once per process, e.g. once per
// Runtime in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bblocks", Subsystem: "pool", Name: "tasks_scheduled_total",
			Help: "Total tasks handed to Pool.Schedule/ScheduleOn.",
		}),
		TaskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bblocks", Subsystem: "pool", Name: "task_latency_seconds",
			Help:    "Time a task spent in its mailbox before running.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bblocks", Subsystem: "pool", Name: "mailbox_depth",
			Help: "Current mailbox depth per worker.",
		}, []string{"worker"}),
		PollerFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bblocks", Subsystem: "poller", Name: "registered_fds",
			Help: "Currently registered (Present) fds per shard.",
		}, []string{"shard"}),
		PollerDispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bblocks", Subsystem: "poller", Name: "dispatch_latency_seconds",
			Help:    "Time spent dispatching one batch of epoll events.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		AIOInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bblocks", Subsystem: "aio", Name: "inflight_ops",
			Help: "AIO ops submitted but not yet completed.",
		}),
		AIOSubmitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bblocks", Subsystem: "aio", Name: "submit_errors_total",
			Help: "io_submit calls that returned an error or short count.",
		}),
		WatchdogNearDead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bblocks", Subsystem: "watchdog", Name: "near_deadline",
			Help: "1 if the worker is within the yield margin of its deadline.",
		}, []string{"worker"}),
		SpinWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bblocks", Subsystem: "spinlock", Name: "contended_total",
			Help: "Contended spin-lock acquisitions, by lock site.",
		}, []string{"site"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TasksScheduled, m.TaskLatency, m.MailboxDepth,
			m.PollerFDs, m.PollerDispatch, m.AIOInFlight,
			m.AIOSubmitErrors, m.WatchdogNearDead, m.SpinWaits,
		)
	}
	return m
}

// NopMetrics returns a Metrics bundle backed by unregistered collectors,
// safe to use as a default when the caller doesn't care about
// observability (e.g. unit tests).
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
