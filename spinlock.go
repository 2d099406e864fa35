package bblocks

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a CAS-based busy-wait lock for the short critical sections
// spec.md §5 calls out by name as distinct from the worker mailbox's
// blocking mutex+condvar: the poller's fd map, the AIO adaptor's op list,
// and the TCP channel's pending deques. Go's standard library has no
// spinlock type, and none of the third-party libraries wired into this
// module (zerolog, prometheus client, x/sys, urfave/cli) provide one
// either — a spinlock is infrastructural enough, and small enough, that
// pulling in a dependency for it would not serve any other component, so
// it is implemented directly against sync/atomic (see DESIGN.md).
type spinlock struct {
	state   atomic.Bool
	site    string
	spins   *prometheusCounterVecSite
}

// prometheusCounterVecSite binds a CounterVec to a fixed label, recording
// contended acquisitions (spec.md §5 "a spin-lock ... with recorded
// spin-time telemetry").
type prometheusCounterVecSite struct {
	inc func()
}

func newSpinlock(m *Metrics, site string) *spinlock {
	sl := &spinlock{site: site}
	if m != nil && m.SpinWaits != nil {
		counter := m.SpinWaits.WithLabelValues(site)
		sl.spins = &prometheusCounterVecSite{inc: counter.Inc}
	}
	return sl
}

// Lock busy-waits until the lock is acquired, yielding the OS thread
// between attempts so a spin never monopolizes a core indefinitely.
func (s *spinlock) Lock() {
	if s.state.CompareAndSwap(false, true) {
		return
	}
	if s.spins != nil {
		s.spins.inc()
	}
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlock must only be called by the goroutine
// that holds it.
func (s *spinlock) Unlock() {
	s.state.Store(false)
}
