package bblocks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	wd := NewWatchdog(time.Second, 100*time.Millisecond, NopLogger(), nil)
	p := NewPool(n, wd, NopLogger(), nil)
	p.Start()
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolScheduleExecutesEveryTask(t *testing.T) {
	p := newTestPool(t, 4)

	var count int32
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		p.Schedule(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all tasks ran")
	}
	assert.Equal(t, int32(100), atomic.LoadInt32(&count))
}

func TestPoolScheduleOnRunsTask(t *testing.T) {
	p := newTestPool(t, 4)

	seen := make(chan int, 1)
	p.ScheduleOn(2, func() { seen <- 2 })

	select {
	case id := <-seen:
		assert.Equal(t, 2, id)
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestPoolScheduleBarrierWaitsForAllWorkers(t *testing.T) {
	const n = 8
	p := newTestPool(t, n)

	var arrived int32
	release := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		p.ScheduleOn(i, func() {
			atomic.AddInt32(&arrived, 1)
			<-release
		})
	}

	barrierDone := make(chan struct{})
	p.ScheduleBarrier(func() { close(barrierDone) })

	// The barrier must not fire until every worker's prior task has run.
	select {
	case <-barrierDone:
		t.Fatal("barrier fired before all workers arrived")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-barrierDone:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never fired after all workers released")
	}
	require.Equal(t, int32(n), atomic.LoadInt32(&arrived))
}

func TestPoolShutdownDrainsQueuedTasks(t *testing.T) {
	wd := NewWatchdog(time.Second, 100*time.Millisecond, NopLogger(), nil)
	p := NewPool(2, wd, NopLogger(), nil)
	p.Start()

	var count int32
	for i := 0; i < 20; i++ {
		p.Schedule(func() { atomic.AddInt32(&count, 1) })
	}
	p.Shutdown()

	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}
