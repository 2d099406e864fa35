//go:build linux

package bblocks

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// channelState is the Open/Stopping/Closed lifecycle (spec.md §4.6
// "Stop"). Once Stopping, no further reads/writes may be started; once
// Closed, the fd is gone and every handler that will ever fire already
// has.
type channelState int

const (
	channelOpen channelState = iota
	channelStopping
	channelClosed
)

// pendingWrite is one queued (buf, handler) pair in the write deque
// (spec.md §3 "WriteCtx", §4.6 "pending-write deque"). buf is consumed
// from its logical front via Cut as partial writes land.
type pendingWrite struct {
	buf     IOBuffer
	handler Completion[int]
}

// pendingRead holds the one read (or peek) in flight (spec.md invariant
// "at most one pending read").
type pendingRead struct {
	buf     IOBuffer
	filled  int
	peek    bool
	handler Completion[int]
}

// Channel is a non-blocking, edge-triggered TCP byte-stream endpoint
// (spec.md §4.6, the Go analogue of tcp-linux.h's TCPChannel). All
// mutable state is guarded by a spin-lock, never held across a handler
// firing (spec.md §5's channel-lock invariant, generalized in
// CompletionQueue.drain).
type Channel struct {
	fd      int
	poller  FDPoller
	pool    *Pool
	logger  Logger
	metrics *Metrics

	lock  *spinlock
	state channelState
	rd    *pendingRead
	wbuf  []pendingWrite
}

// maxIOVs bounds one writev call, matching IOV_MAX on Linux (tcp-linux.h
// DEFAULT_WRITE_BACKLOG = 2*IOV_MAX).
const maxIOVs = 1024

// writevBytes issues a single scatter/gather write, built directly on
// unix.Iovec + SYS_WRITEV rather than a higher-level helper: x/sys/unix
// does not carry a stable []byte-based Writev wrapper across the module
// versions this package targets, but the Iovec type and the raw syscall
// number are both part of its permanent generated surface.
func writevBytes(fd int, bufs [][]byte) (int, error) {
	iovecs := make([]unix.Iovec, 0, len(bufs))
	for i := range bufs {
		if len(bufs[i]) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.Base = &bufs[i][0]
		iov.SetLen(len(bufs[i]))
		iovecs = append(iovecs, iov)
	}
	if len(iovecs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iovecs[0])), uintptr(len(iovecs)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// newChannel wraps an already-connected, non-blocking fd. Used by the
// acceptor and connector once a socket exists; not exported because a
// Channel is meaningless without a poller registration.
func newChannel(fd int, poller FDPoller, pool *Pool, logger Logger, metrics *Metrics) (*Channel, error) {
	ch := &Channel{
		fd:      fd,
		poller:  poller,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		lock:    newSpinlock(metrics, "channel"),
	}
	events := uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET)
	if err := poller.Add(fd, events, Inline(ch.handleFDEvent)); err != nil {
		return nil, err
	}
	return ch, nil
}

// FD returns the underlying socket descriptor, for diagnostics/tests.
func (c *Channel) FD() int { return c.fd }

// PendingWrites reports the current write-deque depth. spec.md §9 leaves
// write back-pressure out of scope for the channel itself; this lets a
// caller build its own back-pressure policy on top instead.
func (c *Channel) PendingWrites() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.wbuf)
}

// Read attempts to fill buf completely (spec.md §4.6 "Read contract"). If
// every byte is available synchronously, it returns (n, nil) without
// ever invoking handler. Otherwise it arms the pending read and returns
// (0, nil); handler later fires with the byte count, or -1 on error/EOF.
func (c *Channel) Read(buf IOBuffer, handler Completion[int]) (int, error) {
	return c.read(buf, false, handler)
}

// Peek is identical to Read but uses MSG_PEEK: bytes are not consumed
// from the socket (spec.md "Peek").
func (c *Channel) Peek(buf IOBuffer, handler Completion[int]) (int, error) {
	return c.read(buf, true, handler)
}

func (c *Channel) read(buf IOBuffer, peek bool, handler Completion[int]) (int, error) {
	c.lock.Lock()
	if c.state != channelOpen {
		c.lock.Unlock()
		return 0, ErrClosed
	}
	if c.rd != nil {
		c.lock.Unlock()
		return 0, ErrReadInFlight
	}
	rd := &pendingRead{buf: buf, peek: peek, handler: handler}
	c.rd = rd
	c.lock.Unlock()

	n, done, err := c.tryCompleteRead(rd)
	if err != nil {
		c.clearPendingRead()
		handler.Fire(-1)
		return 0, err
	}
	if done {
		c.clearPendingRead()
		return n, nil
	}
	return 0, nil
}

// tryCompleteRead drains readable bytes into rd.buf until it is full, the
// socket returns EAGAIN, or an error/EOF occurs. It never blocks.
func (c *Channel) tryCompleteRead(rd *pendingRead) (n int, done bool, err error) {
	flags := 0
	if rd.peek {
		flags = unix.MSG_PEEK
		// A peek always starts again at the front of the receive queue,
		// so bytes seen by an earlier partial peek are not kept.
		rd.filled = 0
	}
	for rd.filled < rd.buf.Size() {
		dst := rd.buf.Bytes()[rd.filled:]
		k, _, rerr := unix.Recvfrom(c.fd, dst, flags)
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			if rerr == unix.EAGAIN {
				return 0, false, nil
			}
			return 0, false, newOpError("recvfrom", c.fd, rerr)
		}
		if k == 0 {
			return 0, false, ErrClosed // peer performed an orderly shutdown
		}
		rd.filled += k
		if rd.peek {
			// MSG_PEEK never advances the socket's read pointer, so
			// looping would re-read the same bytes; one syscall settles it.
			break
		}
	}
	if rd.filled >= rd.buf.Size() {
		return rd.filled, true, nil
	}
	return 0, false, nil
}

func (c *Channel) clearPendingRead() {
	c.lock.Lock()
	c.rd = nil
	c.lock.Unlock()
}

// Write appends (buf, handler) to the pending-write deque and kicks the
// writer (spec.md §4.6 "Write contract"). If the deque was empty, a
// synchronous writev attempt is made immediately.
func (c *Channel) Write(buf IOBuffer, handler Completion[int]) error {
	c.lock.Lock()
	if c.state != channelOpen {
		c.lock.Unlock()
		return ErrClosed
	}
	if buf.Size() == 0 {
		// spec.md §8 boundary behavior: "Write of size 0 -> no-op, handler
		// fires with 0." A zero-length entry would never leave the deque
		// (writevBytes skips empty iovecs), so it must never enter it.
		c.lock.Unlock()
		handler.Fire(0)
		return nil
	}
	wasEmpty := len(c.wbuf) == 0
	c.wbuf = append(c.wbuf, pendingWrite{buf: buf, handler: handler})
	c.lock.Unlock()

	if wasEmpty {
		c.drainWrites()
	}
	return nil
}

// drainWrites flushes as much of the write deque as the socket will
// currently accept, via writev batches of up to maxIOVs buffers, firing
// each fully-written entry's handler as it completes (spec.md "Each
// fully-written buffer in the deque fires its handler. Partial writes
// trim the head buffer's offset in place").
func (c *Channel) drainWrites() {
	for {
		c.lock.Lock()
		if len(c.wbuf) == 0 {
			c.lock.Unlock()
			return
		}
		iovLen := len(c.wbuf)
		if iovLen > maxIOVs {
			iovLen = maxIOVs
		}
		iovs := make([][]byte, iovLen)
		for i := 0; i < iovLen; i++ {
			iovs[i] = c.wbuf[i].buf.Bytes()
		}
		c.lock.Unlock()

		n, err := writevBytes(c.fd, iovs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return // wait for EPOLLOUT
			}
			c.failAllWrites()
			return
		}

		if !c.advanceWrites(n) {
			return
		}
	}
}

// advanceWrites consumes n written bytes off the front of the deque,
// firing handlers for fully-written entries and Cut-trimming a partially
// written head entry. Returns false once the deque is empty.
func (c *Channel) advanceWrites(n int) bool {
	var fired []Completion[int]
	c.lock.Lock()
	remaining := n
	for len(c.wbuf) > 0 {
		head := &c.wbuf[0]
		sz := head.buf.Size()
		if sz > 0 && remaining <= 0 {
			break
		}
		if remaining >= sz {
			fired = append(fired, head.handler)
			remaining -= sz
			c.wbuf = c.wbuf[1:]
			continue
		}
		written, _ := head.buf.Cut(remaining)
		written.Release()
		remaining = 0
	}
	empty := len(c.wbuf) == 0
	c.lock.Unlock()

	for _, h := range fired {
		h.Fire(0)
	}
	return !empty
}

func (c *Channel) failAllWrites() {
	c.lock.Lock()
	pending := c.wbuf
	c.wbuf = nil
	c.lock.Unlock()
	for _, p := range pending {
		p.handler.Fire(-1)
	}
}

// handleFDEvent is the channel's epoll interrupt handler (spec.md
// "Events"): edge-triggered semantics require draining every readable or
// writable notification until EAGAIN, which tryCompleteRead/drainWrites
// both already do internally.
func (c *Channel) handleFDEvent(events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.failPendingOnError()
		return
	}
	if events&unix.EPOLLIN != 0 {
		c.lock.Lock()
		rd := c.rd
		c.lock.Unlock()
		if rd != nil {
			n, done, err := c.tryCompleteRead(rd)
			if err != nil {
				c.clearPendingRead()
				rd.handler.Fire(-1)
			} else if done {
				c.clearPendingRead()
				rd.handler.Fire(n)
			}
		}
	}
	if events&unix.EPOLLOUT != 0 {
		c.drainWrites()
	}
}

func (c *Channel) failPendingOnError() {
	c.lock.Lock()
	rd := c.rd
	c.rd = nil
	pending := c.wbuf
	c.wbuf = nil
	c.lock.Unlock()

	if rd != nil {
		rd.handler.Fire(-1)
	}
	for _, p := range pending {
		p.handler.Fire(-1)
	}
}

// Stop removes the channel from the poller, waits for every in-flight
// callback to drain via a pool barrier, then closes the fd and invokes
// handler (spec.md "Stop"). No handler fires after handler itself has
// fired.
func (c *Channel) Stop(handler Completion[int]) {
	c.lock.Lock()
	if c.state != channelOpen {
		c.lock.Unlock()
		return
	}
	c.state = channelStopping
	c.lock.Unlock()

	c.poller.Remove(c.fd)
	c.pool.ScheduleBarrier(func() {
		c.lock.Lock()
		c.state = channelClosed
		rd := c.rd
		c.rd = nil
		pending := c.wbuf
		c.wbuf = nil
		c.lock.Unlock()

		unix.Close(c.fd)

		// A read or write still pending here (e.g. a read waiting for
		// data that never came) is failed with -1 before handler fires.
		if rd != nil {
			rd.handler.Fire(-1)
		}
		for _, p := range pending {
			p.handler.Fire(-1)
		}
		handler.Fire(0)
	})
}
