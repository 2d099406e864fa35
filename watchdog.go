package bblocks

import (
	"strconv"
	"sync/atomic"
	"time"
)

// noDeadline marks a worker with no active watch, the Go analogue of the
// original's UINT64_MAX sentinel (schd/watchdog.hpp).
const noDeadline = int64(^uint64(0) >> 1) // math.MaxInt64, avoiding an import just for one constant

// Watchdog enforces per-worker liveness (spec.md §4.5): it is not a
// preemption mechanism, only a liveness invariant enforcer — cooperative
// yielding via ShouldYield is advisory.
type Watchdog struct {
	timeout   time.Duration
	yieldSpan time.Duration
	deadlines []atomic.Int64 // UnixNano deadline per worker, noDeadline if unwatched
	logger    Logger
	metrics   *Metrics
}

// NewWatchdog constructs a Watchdog with the given default timeout and
// yield margin (spec.md default TIMEOUT = 500ms, yield hint ~100ms before
// deadline).
func NewWatchdog(timeout, yieldSpan time.Duration, logger Logger, metrics *Metrics) *Watchdog {
	return &Watchdog{timeout: timeout, yieldSpan: yieldSpan, logger: logger, metrics: metrics}
}

// Start initializes per-worker deadlines for n workers (spec.md
// "start(n) initializes per-worker deadlines").
func (w *Watchdog) Start(n int) {
	w.deadlines = make([]atomic.Int64, n)
	for i := range w.deadlines {
		w.deadlines[i].Store(noDeadline)
	}
}

// StartWatch sets worker id's deadline to now+timeout (spec.md
// "start_watch(id, now) sets deadline = now + TIMEOUT").
func (w *Watchdog) StartWatch(id int, now time.Time) {
	w.deadlines[id].Store(now.Add(w.timeout).UnixNano())
}

// CancelWatch clears worker id's deadline. If the deadline had already
// passed, this is a fatal liveness violation (spec.md "cancel_watch(id,
// now) clears it, aborting if already expired" — a DrainTimeout-kind
// error per §7).
func (w *Watchdog) CancelWatch(id int, now time.Time) {
	deadline := w.deadlines[id].Load()
	w.deadlines[id].Store(noDeadline)
	if deadline != noDeadline && now.UnixNano() > deadline {
		w.logger.Error().Int("worker", id).Msg("watchdog: deadline exceeded before cancel")
		panic("bblocks: watchdog timeout: worker " + strconv.Itoa(id) + " exceeded its deadline")
	}
}

// Wakeup scans all deadlines and aborts if any is exceeded (spec.md
// "wakeup(now), called periodically, scans deadlines and aborts if any
// is exceeded"). Intended to be called periodically from a dedicated
// ticker goroutine, not from a worker itself.
func (w *Watchdog) Wakeup(now time.Time) {
	nowNano := now.UnixNano()
	for id := range w.deadlines {
		deadline := w.deadlines[id].Load()
		if deadline == noDeadline {
			continue
		}
		if nowNano > deadline {
			w.logger.Error().Int("worker", id).Msg("watchdog: stuck worker detected")
			panic("bblocks: watchdog timeout: worker " + strconv.Itoa(id) + " stuck")
		}
	}
}

// ShouldYield reports whether worker id is within the yield margin of its
// current deadline (spec.md "should_yield() returns true when within
// ~100ms of the current worker's deadline"). Returns false if the worker
// has no active watch.
func (w *Watchdog) ShouldYield(id int) bool {
	deadline := w.deadlines[id].Load()
	if deadline == noDeadline {
		return false
	}
	near := time.Unix(0, deadline).Add(-w.yieldSpan)
	yield := !Now().Before(near)
	if w.metrics != nil && w.metrics.WatchdogNearDead != nil {
		v := 0.0
		if yield {
			v = 1.0
		}
		w.metrics.WatchdogNearDead.WithLabelValues(strconv.Itoa(id)).Set(v)
	}
	return yield
}
