package bblocks

import "sync"

// CompletionQueue is a per-target FIFO with a single-drainer invariant:
// at most one worker drains the queue at a time, and the "running" flag
// is cleared only after the queue is observed empty under the lock
// (spec.md §3 "Completion queue", §4.2, invariant 3, and §9 "Completion
// queue drainer" — the exact ordering to preserve is "snapshot queue ->
// clear queue -> drop lock -> invoke -> reacquire lock -> if non-empty
// loop else clear running").
//
// This generalizes the original's COMPLETION_QUEUE macro family
// (async.h) and mirrors gaio's own pending/pendingProcessing double-buffer
// swap in watcher.go's loop()/handlePending — the same "snapshot under
// lock, process outside the lock" shape, applied per-target instead of
// per-watcher.
type CompletionQueue[A any] struct {
	mu      sync.Mutex
	fifo    []A
	running bool
	pool    *Pool
	handler func(A)
}

// NewCompletionQueue builds a CompletionQueue whose drain task runs
// handler once per pushed argument, scheduled onto pool when the queue
// transitions from empty to non-empty.
func NewCompletionQueue[A any](pool *Pool, handler func(A)) *CompletionQueue[A] {
	invariant(pool != nil, "CompletionQueue requires a non-nil pool")
	invariant(handler != nil, "CompletionQueue requires a non-nil handler")
	return &CompletionQueue[A]{pool: pool, handler: handler}
}

// push appends a to the FIFO. If the queue was empty and no drainer is
// currently running, this schedules the drain task on the pool — "the
// first push in an empty queue schedules a drain task on a worker"
// (spec.md §4.2).
func (q *CompletionQueue[A]) push(a A) {
	q.mu.Lock()
	q.fifo = append(q.fifo, a)
	startDrain := !q.running
	if startDrain {
		q.running = true
	}
	q.mu.Unlock()

	if startDrain {
		q.pool.Schedule(q.drain)
	}
}

// drain implements the exact loop spec.md §9 requires: snapshot the
// FIFO under the lock, clear it, drop the lock, invoke the handler once
// per snapshotted entry (never holding the lock across a handler call —
// spec.md §5 "the channel lock is never held across a handler firing"
// generalizes to every lock in this package), then re-check; if the
// queue is still empty, clear running and stop, else loop.
func (q *CompletionQueue[A]) drain() {
	for {
		q.mu.Lock()
		invariant(q.running, "CompletionQueue.drain invoked without running set")
		batch := q.fifo
		q.fifo = nil
		if len(batch) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		for _, a := range batch {
			q.handler(a)
		}
	}
}

// Len reports the current queue depth, for diagnostics/tests.
func (q *CompletionQueue[A]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}
