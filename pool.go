package bblocks

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Pool is the worker pool described in spec.md §4.1: N pinned workers,
// each with its own FIFO mailbox, round-robin scheduling, and an
// N-way barrier primitive for safe teardown of resources that cross
// worker boundaries (the Stop of Channel, Listener and Connector).
type Pool struct {
	workers  []*Worker
	next     atomic.Uint64
	watchdog *Watchdog
	logger   Logger
	metrics  *Metrics
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool constructs a Pool with n workers sharing the given Watchdog,
// logger, and metrics. The pool does not start its workers until Start
// is called.
func NewPool(n int, wd *Watchdog, logger Logger, metrics *Metrics) *Pool {
	invariant(n > 0, "pool worker count must be > 0, got %d", n)
	p := &Pool{logger: logger, metrics: metrics, watchdog: wd}
	p.workers = make([]*Worker, n)
	for i := 0; i < n; i++ {
		p.workers[i] = &Worker{id: i, mailbox: newMailbox(), pool: p}
	}
	return p
}

// Start initializes the shared watchdog's per-worker deadlines and
// launches every worker's goroutine. Start must be called at most once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	invariant(!p.started, "pool already started")
	p.started = true

	p.watchdog.Start(len(p.workers))

	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
}

// NumWorkers returns the pool's fixed worker count.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Worker returns the worker at index id, used by callers that have a
// natural affinity to a specific worker (e.g. a poller shard pinned to
// worker shard%N).
func (p *Pool) Worker(id int) *Worker {
	invariant(id >= 0 && id < len(p.workers), "worker id %d out of range", id)
	return p.workers[id]
}

// Schedule enqueues task onto some worker chosen round-robin (spec.md
// §4.1 "schedule(task) enqueues onto some worker (round-robin by atomic
// counter)").
func (p *Pool) Schedule(task Task) {
	idx := int(p.next.Add(1)-1) % len(p.workers)
	p.ScheduleOn(idx, task)
}

// ScheduleOn enqueues task directly onto worker id, used when the caller
// knows affinity (spec.md §4.1 "schedule_on(id, task) targets a specific
// worker").
func (p *Pool) ScheduleOn(id int, task Task) {
	invariant(id >= 0 && id < len(p.workers), "worker id %d out of range", id)
	if p.metrics != nil && p.metrics.TasksScheduled != nil {
		p.metrics.TasksScheduled.Inc()
	}
	if !p.workers[id].mailbox.push(task) {
		p.logger.Warn().Int("worker", id).Msg("schedule on closed pool dropped")
	}
	if p.metrics != nil && p.metrics.MailboxDepth != nil {
		p.metrics.MailboxDepth.WithLabelValues(strconv.Itoa(id)).Set(float64(p.workers[id].mailbox.depth()))
	}
}

// barrier coordinates an N-way rendezvous: task runs once every worker
// has observed one sentinel (spec.md §4.1 "schedule_barrier(task) enqueues
// n sentinels, one per worker; when the last sentinel has been dequeued
// and executed, task is scheduled", and §9 "Graceful stop barrier" /
// invariant 2).
type barrier struct {
	remaining atomic.Int64
	task      Task
	pool      *Pool
}

func (b *barrier) arrive() {
	if b.remaining.Add(-1) == 0 {
		b.pool.Schedule(b.task)
	}
}

// ScheduleBarrier schedules task to run only after every worker currently
// in the pool has observed and executed a sentinel posted to its mailbox
// at the moment of this call — guaranteeing no task queued before the
// barrier is still pending anywhere once task runs (spec.md invariant 2).
func (p *Pool) ScheduleBarrier(task Task) {
	b := &barrier{task: task, pool: p}
	b.remaining.Store(int64(len(p.workers)))
	for _, w := range p.workers {
		w := w
		w.mailbox.push(func() { b.arrive() })
	}
}

// Shutdown posts an exit sentinel (mailbox close) to every worker and
// waits for all worker goroutines to drain and exit. Shutdown must be
// called at most once, after Start.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for _, w := range p.workers {
		w.mailbox.close()
	}
	p.wg.Wait()
}
