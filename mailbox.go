package bblocks

import (
	"sync"
	"sync/atomic"
)

// spinTries bounds the adaptive spin before a mailbox consumer blocks on
// its condition variable (spec.md §4.1 "Optimization: bounded adaptive
// spin before blocking ... This is significant for low-latency paths").
const spinTries = 1000

// mailbox is an unbounded FIFO task queue with a mutex+condvar, the
// blocking counterpart to the spinlock used elsewhere in this package
// (spec.md §5 explicitly distinguishes the two: spin for poller/AIO/
// channel state, blocking mutex+condvar for worker mailboxes).
//
// pop removes one task at a time from the front of the slice under the
// lock and returns it, so the task itself runs outside the lock.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	closed  bool
	pending atomic.Int64 // depth, for ShouldYield / metrics without locking
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push enqueues t. Returns false if the mailbox is closed.
func (m *mailbox) push(t Task) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
	m.pending.Add(1)
	m.cond.Signal()
	return true
}

// pop blocks until a task is available or the mailbox is closed and
// drained, spinning briefly first to avoid a futex round-trip on the
// hot path.
func (m *mailbox) pop() (Task, bool) {
	for i := 0; i < spinTries; i++ {
		if t, ok := m.tryPop(); ok {
			return t, true
		}
		if m.isClosedAndEmpty() {
			return nil, false
		}
	}

	m.mu.Lock()
	for len(m.tasks) == 0 {
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.cond.Wait()
	}
	t := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	m.pending.Add(-1)
	return t, true
}

func (m *mailbox) tryPop() (Task, bool) {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return nil, false
	}
	t := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	m.pending.Add(-1)
	return t, true
}

func (m *mailbox) isClosedAndEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && len(m.tasks) == 0
}

// depth reports the current queue length without blocking, used by
// ShouldYield and the mailbox-depth gauge.
func (m *mailbox) depth() int {
	return int(m.pending.Load())
}

// close marks the mailbox closed; any tasks already queued are still
// delivered to pop before it starts returning false, preserving spec.md
// invariant 1 ("every submitted task is executed exactly once").
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}
