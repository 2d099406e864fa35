package bblocks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncLockImmediateAcquireWhenFree(t *testing.T) {
	l := NewAsyncLock()
	fired := make(chan int, 1)
	l.Lock(Inline(func(status int) { fired <- status }))

	select {
	case status := <-fired:
		assert.Equal(t, 0, status)
	default:
		t.Fatal("Lock on a free lock must fire its completion immediately")
	}
	assert.True(t, l.IsLocked())
}

func TestAsyncLockFIFOWaiters(t *testing.T) {
	l := NewAsyncLock()
	l.Lock(Inline(func(int) {})) // take the lock

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		l.Lock(Inline(func(int) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}

	l.Unlock() // hands off to waiter 1
	l.Unlock() // hands off to waiter 2
	l.Unlock() // hands off to waiter 3

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters never all fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestAsyncLockUnlockWithNoWaitersClearsFlag(t *testing.T) {
	l := NewAsyncLock()
	l.Lock(Inline(func(int) {}))
	l.Unlock()
	assert.False(t, l.IsLocked())
}

func TestAsyncLockUnlockWithoutLockPanics(t *testing.T) {
	l := NewAsyncLock()
	assert.Panics(t, func() { l.Unlock() })
}
