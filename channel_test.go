//go:build linux

package bblocks

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(WithWorkers(2), WithPollerShards(1))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// acceptOne listens on loopback, accepts exactly one connection through
// our own Listener, and returns the resulting Channel. The peer side is
// a plain net.Conn so the test exercises the Listener/Channel pair
// against a realistic, non-bblocks TCP client, the same way gaio's own
// TestEcho dials a real net.Listener instead of mocking the kernel.
func acceptOne(t *testing.T, rt *Runtime) (*Channel, net.Conn) {
	t.Helper()

	accepted := make(chan *Channel, 1)
	ln, err := rt.Listen("127.0.0.1:0", Inline(func(res AcceptResult) {
		require.NoError(t, res.Err)
		accepted <- res.Channel
	}))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Stop(Inline(func(int) {})) })

	addr := localAddrOf(t, ln.FD())
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case ch := <-accepted:
		return ch, conn
	case <-time.After(time.Second):
		t.Fatal("listener never accepted the dial")
		return nil, nil
	}
}

func TestChannelReadFillsBufferFromPeerWrite(t *testing.T) {
	rt := newTestRuntime(t)
	ch, conn := acceptOne(t, rt)

	payload := []byte("hello-world12345")
	buf := NewIOBuffer(len(payload))

	done := make(chan int, 1)
	n, err := ch.Read(buf, Inline(func(n int) { done <- n }))
	require.NoError(t, err)
	require.Equal(t, 0, n, "data not yet available, read should be pending")

	_, err = conn.Write(payload)
	require.NoError(t, err)

	select {
	case n := <-done:
		require.Equal(t, len(payload), n)
		require.Equal(t, payload, buf.Bytes())
	case <-time.After(time.Second):
		t.Fatal("read completion never fired")
	}
}

func TestChannelReadSynchronousWhenDataAlreadyBuffered(t *testing.T) {
	rt := newTestRuntime(t)
	ch, conn := acceptOne(t, rt)

	payload := []byte("already-here")
	_, err := conn.Write(payload)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the kernel buffer the bytes

	buf := NewIOBuffer(len(payload))
	fired := make(chan struct{})
	n, err := ch.Read(buf, Inline(func(int) { close(fired) }))
	require.NoError(t, err)
	require.Equal(t, len(payload), n, "fully-available data must return synchronously")

	select {
	case <-fired:
		t.Fatal("handler must not fire when Read returns synchronously")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelWriteDeliversToPeer(t *testing.T) {
	rt := newTestRuntime(t)
	ch, conn := acceptOne(t, rt)

	payload := []byte("ping-pong")
	buf := WrapIOBuffer(append([]byte(nil), payload...))

	done := make(chan int, 1)
	require.NoError(t, ch.Write(buf, Inline(func(status int) { done <- status })))

	select {
	case status := <-done:
		require.Equal(t, 0, status)
	case <-time.After(time.Second):
		t.Fatal("write completion never fired")
	}

	rx := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := readFull(conn, rx)
	require.NoError(t, err)
	require.Equal(t, payload, rx)
}

func TestChannelAtMostOnePendingRead(t *testing.T) {
	rt := newTestRuntime(t)
	ch, _ := acceptOne(t, rt)

	buf1 := NewIOBuffer(8)
	_, err := ch.Read(buf1, Inline(func(int) {}))
	require.NoError(t, err)

	buf2 := NewIOBuffer(8)
	_, err = ch.Read(buf2, Inline(func(int) {}))
	require.ErrorIs(t, err, ErrReadInFlight)
}

func TestChannelStopFailsPendingOpsAndPreventsFurtherIO(t *testing.T) {
	rt := newTestRuntime(t)
	ch, conn := acceptOne(t, rt)
	defer conn.Close()

	pending := make(chan int, 1)
	n, err := ch.Read(NewIOBuffer(4), Inline(func(n int) { pending <- n }))
	require.NoError(t, err)
	require.Equal(t, 0, n, "no data sent, read should be pending")

	stopped := make(chan struct{})
	ch.Stop(Inline(func(int) { close(stopped) }))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop completion never fired")
	}

	select {
	case n := <-pending:
		require.Equal(t, -1, n)
	default:
		t.Fatal("pending read was not failed before the stop completion")
	}

	_, err = ch.Read(NewIOBuffer(4), Inline(func(int) {}))
	require.ErrorIs(t, err, ErrClosed)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func localAddrOf(t *testing.T, fd int) string {
	t.Helper()
	sa, err := unixGetsockname(fd)
	require.NoError(t, err)
	return sa
}
