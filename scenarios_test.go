//go:build linux

package bblocks

import (
	crand "crypto/rand"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS1WorkerPoolTaskCount follows spec.md scenario S1: 4
// workers, a large batch of tasks each incrementing a shared counter,
// every task observed exactly once after drain.
func TestScenarioS1WorkerPoolTaskCount(t *testing.T) {
	const ntasks = 1_000_000
	p := newTestPool(t, 4)

	var counter int64
	var wg sync.WaitGroup
	wg.Add(ntasks)
	for i := 0; i < ntasks; i++ {
		p.Schedule(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("only %d of %d tasks completed", atomic.LoadInt64(&counter), ntasks)
	}
	require.Equal(t, int64(ntasks), atomic.LoadInt64(&counter))
}

// TestScenarioS4ConnectFailure follows spec.md scenario S4: connecting to
// a closed port fires the connector's handler exactly once with an error
// and no channel.
func TestScenarioS4ConnectFailure(t *testing.T) {
	rt := newTestRuntime(t)
	connector := rt.Connector()

	var fired int32
	result := make(chan ConnectResult, 1)
	err := connector.Connect("127.0.0.1:1", Inline(func(res ConnectResult) {
		atomic.AddInt32(&fired, 1)
		result <- res
	}))
	require.NoError(t, err)

	select {
	case res := <-result:
		require.Error(t, res.Err)
		require.Nil(t, res.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("connect to closed port never completed")
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired), "handler must fire exactly once")
}

// TestScenarioS5Barrier follows spec.md scenario S5: 4 workers each
// perpetually rescheduling themselves, a barrier scheduled concurrently
// must still fire exactly once, after each worker has executed exactly
// one barrier sentinel.
func TestScenarioS5Barrier(t *testing.T) {
	const n = 4
	p := newTestPool(t, n)

	stop := make(chan struct{})
	var reschedules [n]int64
	var selfLoop func(id int)
	selfLoop = func(id int) {
		select {
		case <-stop:
			return
		default:
		}
		atomic.AddInt64(&reschedules[id], 1)
		p.ScheduleOn(id, func() { selfLoop(id) })
	}
	for i := 0; i < n; i++ {
		i := i
		p.ScheduleOn(i, func() { selfLoop(i) })
	}

	var barrierFired int32
	barrierDone := make(chan struct{})
	p.ScheduleBarrier(func() {
		atomic.AddInt32(&barrierFired, 1)
		close(barrierDone)
	})

	select {
	case <-barrierDone:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier never fired against self-rescheduling workers")
	}
	close(stop)

	require.Equal(t, int32(1), atomic.LoadInt32(&barrierFired), "barrier must fire exactly once")
}

// TestScenarioS2TCPEcho follows spec.md scenario S2: an acceptor and a
// connector on the same loopback address, a client that writes 20 × 4096
// random blocks and verifies each block's Adler32 checksum against the
// server's echo, then a stop sequence (client, server, acceptor,
// connector) whose completions each fire exactly once.
func TestScenarioS2TCPEcho(t *testing.T) {
	rt := newTestRuntime(t)
	const nblocks = 20
	const blockSize = 4096

	var ln *Listener
	var err error
	accepted := make(chan *Channel, 1)
	addr := fmt.Sprintf("127.0.0.1:%d", 9999+rand.Intn(100))
	for attempt := 0; attempt < 10; attempt++ {
		ln, err = rt.Listen(addr, Inline(func(res AcceptResult) {
			assert.NoError(t, res.Err)
			accepted <- res.Channel
		}))
		if err == nil {
			break
		}
		addr = fmt.Sprintf("127.0.0.1:%d", 9999+rand.Intn(100))
	}
	require.NoError(t, err, "could not bind a port in [9999,10099) after retries")

	connector := rt.Connector()
	connectDone := make(chan ConnectResult, 1)
	require.NoError(t, connector.Connect(addr, Inline(func(res ConnectResult) { connectDone <- res })))

	var serverCh, clientCh *Channel
	select {
	case serverCh = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never fired")
	}
	select {
	case res := <-connectDone:
		require.NoError(t, res.Err)
		clientCh = res.Channel
	case <-time.After(2 * time.Second):
		t.Fatal("connector never fired")
	}

	// Server: read 4096 bytes and immediately echo them back, 20 times.
	serverDone := make(chan struct{})
	var serveNext func(i int)
	serveNext = func(i int) {
		if i == nblocks {
			close(serverDone)
			return
		}
		buf := NewIOBuffer(blockSize)
		readDone := Inline(func(n int) {
			assert.Equal(t, blockSize, n)
			writeDone := Inline(func(status int) {
				assert.Equal(t, 0, status)
				serveNext(i + 1)
			})
			assert.NoError(t, serverCh.Write(buf, writeDone))
		})
		n, rerr := serverCh.Read(buf, readDone)
		assert.NoError(t, rerr)
		if n > 0 {
			readDone.Fire(n)
		}
	}
	serveNext(0)

	// Client: send 20 random blocks, remembering each block's checksum
	// computed at send time, then read the echoed blocks back in order
	// and verify each one's checksum matches.
	sentChecksums := make([]uint32, nblocks)
	sendDone := make(chan struct{})
	var sendNext func(i int)
	sendNext = func(i int) {
		if i == nblocks {
			close(sendDone)
			return
		}
		block := make([]byte, blockSize)
		_, rerr := crand.Read(block)
		require.NoError(t, rerr)
		sentChecksums[i] = Adler32(block)
		require.NoError(t, clientCh.Write(WrapIOBuffer(block), Inline(func(status int) {
			assert.Equal(t, 0, status)
			sendNext(i + 1)
		})))
	}
	sendNext(0)

	select {
	case <-sendDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client never finished sending 20 blocks")
	}

	recvDone := make(chan struct{})
	var recvNext func(i int)
	recvNext = func(i int) {
		if i == nblocks {
			close(recvDone)
			return
		}
		buf := NewIOBuffer(blockSize)
		readDone := Inline(func(n int) {
			assert.Equal(t, blockSize, n)
			assert.Equal(t, sentChecksums[i], Adler32(buf.Bytes()), "block %d checksum mismatch", i)
			recvNext(i + 1)
		})
		n, rerr := clientCh.Read(buf, readDone)
		assert.NoError(t, rerr)
		if n > 0 {
			readDone.Fire(n)
		}
	}
	recvNext(0)

	select {
	case <-recvDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client never finished reading 20 echoed blocks")
	}
	select {
	case <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished echoing 20 blocks")
	}

	var clientStops, serverStops, listenerStops, connectorStops int32
	stopAndWait := func(stop func(Completion[int]), counter *int32) {
		done := make(chan struct{})
		stop(Inline(func(int) {
			atomic.AddInt32(counter, 1)
			close(done)
		}))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stop completion never fired")
		}
	}
	stopAndWait(clientCh.Stop, &clientStops)
	stopAndWait(serverCh.Stop, &serverStops)
	stopAndWait(ln.Stop, &listenerStops)
	stopAndWait(connector.Stop, &connectorStops)

	assert.Equal(t, int32(1), clientStops)
	assert.Equal(t, int32(1), serverStops)
	assert.Equal(t, int32(1), listenerStops)
	assert.Equal(t, int32(1), connectorStops)
}

// TestScenarioS6EdgeTriggeredReadDrain follows spec.md scenario S6: the
// peer writes 10 x 64KiB in one burst from its own goroutine while the
// channel issues 10 reads of 64KiB back to back; with edge-triggered
// EPOLLIN, a reader that drains until EAGAIN rather than waiting for an
// edge that has already passed still completes all 10 reads, in order.
func TestScenarioS6EdgeTriggeredReadDrain(t *testing.T) {
	rt := newTestRuntime(t)
	ch, conn := acceptOne(t, rt)

	const nblocks = 10
	const blockSize = 64 * 1024

	blocks := make([][]byte, nblocks)
	for i := range blocks {
		b := make([]byte, blockSize)
		_, err := crand.Read(b)
		require.NoError(t, err)
		blocks[i] = b
	}

	go func() {
		for _, b := range blocks {
			_, werr := conn.Write(b)
			assert.NoError(t, werr)
		}
	}()

	for i := 0; i < nblocks; i++ {
		buf := NewIOBuffer(blockSize)
		done := make(chan int, 1)
		n, err := ch.Read(buf, Inline(func(n int) { done <- n }))
		require.NoError(t, err)
		if n == 0 {
			select {
			case n = <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("read %d never completed", i)
			}
		}
		require.Equal(t, blockSize, n, "read %d short", i)
		require.Equal(t, blocks[i], buf.Bytes(), "read %d content mismatch", i)
	}
}
