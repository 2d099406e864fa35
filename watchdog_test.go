package bblocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogStartCancelWatch(t *testing.T) {
	wd := NewWatchdog(100*time.Millisecond, 20*time.Millisecond, NopLogger(), nil)
	wd.Start(2)

	now := Now()
	wd.StartWatch(0, now)
	assert.False(t, wd.ShouldYield(0))
	wd.CancelWatch(0, now.Add(10*time.Millisecond))
}

func TestWatchdogShouldYieldNearDeadline(t *testing.T) {
	wd := NewWatchdog(100*time.Millisecond, 20*time.Millisecond, NopLogger(), NopMetrics())
	wd.Start(1)

	now := Now()
	wd.StartWatch(0, now)
	assert.False(t, wd.ShouldYield(0), "should not yield immediately after starting a watch")

	// Simulate having run almost to the edge of the yield margin.
	time.Sleep(90 * time.Millisecond)
	assert.True(t, wd.ShouldYield(0), "should yield within the margin of the deadline")
	wd.CancelWatch(0, Now())
}

func TestWatchdogNoActiveWatchNeverYields(t *testing.T) {
	wd := NewWatchdog(time.Second, 100*time.Millisecond, NopLogger(), nil)
	wd.Start(1)
	assert.False(t, wd.ShouldYield(0))
}

func TestWatchdogCancelAfterExpiryPanics(t *testing.T) {
	wd := NewWatchdog(10*time.Millisecond, 2*time.Millisecond, NopLogger(), nil)
	wd.Start(1)

	now := Now()
	wd.StartWatch(0, now)
	expired := now.Add(50 * time.Millisecond)

	assert.Panics(t, func() { wd.CancelWatch(0, expired) })
}
