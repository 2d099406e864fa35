//go:build linux

package bblocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerFiresOnReadiness(t *testing.T) {
	p, err := NewPoller(NopLogger(), NopMetrics())
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan uint32, 1)
	require.NoError(t, p.Add(fds[0], unix.EPOLLIN, Inline(func(events uint32) {
		fired <- events
	})))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case events := <-fired:
		assert.NotZero(t, events&unix.EPOLLIN)
	case <-time.After(time.Second):
		t.Fatal("poller never fired for readable fd")
	}
}

func TestPollerRemoveSuppressesLateDispatch(t *testing.T) {
	p, err := NewPoller(NopLogger(), NopMetrics())
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{}, 1)
	require.NoError(t, p.Add(fds[0], unix.EPOLLIN, Inline(func(uint32) { fired <- struct{}{} })))
	require.NoError(t, p.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("handler fired after Remove")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollerDoubleAddFails(t *testing.T) {
	p, err := NewPoller(NopLogger(), NopMetrics())
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], unix.EPOLLIN, Inline(func(uint32) {})))
	err = p.Add(fds[0], unix.EPOLLIN, Inline(func(uint32) {}))
	assert.ErrorIs(t, err, ErrFDAlreadyRegistered)
}

func TestShardedPollerDistributesAcrossShards(t *testing.T) {
	sp, err := NewShardedPoller(4, NopLogger(), NopMetrics())
	require.NoError(t, err)
	defer sp.Close()

	var socks [][2]int
	for i := 0; i < 8; i++ {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		require.NoError(t, unix.SetNonblock(fds[0], true))
		socks = append(socks, [2]int{fds[0], fds[1]})
		require.NoError(t, sp.Add(fds[0], unix.EPOLLIN, Inline(func(uint32) {})))
	}
	defer func() {
		for _, s := range socks {
			unix.Close(s[0])
			unix.Close(s[1])
		}
	}()

	shardsUsed := make(map[int]bool)
	for _, s := range socks {
		shard, ok := sp.shardOf(s[0])
		require.True(t, ok)
		shardsUsed[shard] = true
	}
	assert.Greater(t, len(shardsUsed), 1, "round-robin assignment should spread fds across shards")
}
