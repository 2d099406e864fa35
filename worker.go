package bblocks

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Task is a type-erased thunk, owned exclusively by the mailbox it is
// enqueued into, consumed exactly once (spec.md §3 "Task").
type Task func()

// Worker owns one pinned OS thread's worth of cooperative scheduling: an
// id in [0,N), a core affinity, a FIFO mailbox, and (via the Pool's
// shared Watchdog) a liveness deadline.
type Worker struct {
	id      int
	mailbox *mailbox
	pool    *Pool
}

// pinAffinity pins the calling OS thread to core (id mod numCores), the
// Go analogue of the original's per-worker sched_setaffinity call
// (spec.md §4.1 "Affinity"). Must be called from the goroutine that will
// run the worker loop, after runtime.LockOSThread.
func pinAffinity(id int) error {
	n := runtime.NumCPU()
	var set unix.CPUSet
	set.Zero()
	set.Set(id % n)
	return unix.SchedSetaffinity(0, &set)
}

// run is the worker's main loop: lock to an OS thread, pin affinity, then
// pop and execute tasks until the mailbox is closed and drained. Any
// panic escaping a task is fatal (spec.md §4.1 "Failure semantics: Any
// uncaught failure inside a task is fatal (abort with diagnostic)").
func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinAffinity(w.id); err != nil {
		w.pool.logger.Warn().Int("worker", w.id).Err(err).Msg("affinity pin failed")
	}

	for {
		task, ok := w.mailbox.pop()
		if !ok {
			return
		}
		w.execute(task)
	}
}

func (w *Worker) execute(task Task) {
	now := Now()
	w.pool.watchdog.StartWatch(w.id, now)
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error().Int("worker", w.id).Interface("panic", r).Msg("task panicked; aborting")
			panic(r)
		}
		w.pool.watchdog.CancelWatch(w.id, Now())
	}()
	task()
}

// ShouldYield reports whether this worker's mailbox is non-empty or the
// watchdog indicates the worker is within its yield margin (spec.md
// §4.1 "Yield hint"). Long-running callbacks must consult it.
func (w *Worker) ShouldYield() bool {
	return w.mailbox.depth() > 0 || w.pool.watchdog.ShouldYield(w.id)
}

// ID returns the worker's index in [0, N).
func (w *Worker) ID() int { return w.id }
