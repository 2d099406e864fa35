//go:build linux

package bblocks

import (
	"sync"

	"golang.org/x/sys/unix"
)

// ConnectResult is delivered once per Connect call: either a usable
// Channel, or Err set on failure (spec.md §4.7 "Connector").
type ConnectResult struct {
	Err     error
	Channel *Channel
}

// Connector issues non-blocking outbound TCP connections (spec.md §4.7,
// the Go analogue of tcp-linux.h's TCPConnector): the connector design
// pattern, tracking one pending fd per in-flight connect attempt.
type Connector struct {
	poller  FDPoller
	pool    *Pool
	logger  Logger
	metrics *Metrics

	mu      sync.Mutex
	clients map[int]Completion[ConnectResult]
}

// NewConnector builds a Connector using poller for connect-readiness
// notifications.
func NewConnector(poller FDPoller, pool *Pool, logger Logger, metrics *Metrics) *Connector {
	return &Connector{
		poller: poller, pool: pool, logger: logger, metrics: metrics,
		clients: make(map[int]Completion[ConnectResult]),
	}
}

// Connect issues a non-blocking connect to addr (spec.md "connect(addr,
// handler) creates non-blocking socket, issues connect (expects
// EINPROGRESS), registers for EPOLLOUT"). handler fires exactly once,
// with either a Channel or an error.
func (c *Connector) Connect(addr string, handler Completion[ConnectResult]) error {
	sa, err := ResolveAddr(addr)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return newOpError("socket", -1, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return newOpError("setnonblock", fd, err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return newOpError("connect", fd, err)
	}

	c.mu.Lock()
	c.clients[fd] = handler
	c.mu.Unlock()

	if regErr := c.poller.Add(fd, unix.EPOLLOUT, Inline(func(events uint32) { c.onWritable(fd, events) })); regErr != nil {
		c.mu.Lock()
		delete(c.clients, fd)
		c.mu.Unlock()
		unix.Close(fd)
		return regErr
	}
	return nil
}

// onWritable fires exactly once for fd: a pure EPOLLOUT notification
// means the connect succeeded; EPOLLERR means it failed (spec.md "the
// single notification reveals success ... or failure ... after which the
// fd is removed from the poller and the handler is invoked once").
func (c *Connector) onWritable(fd int, events uint32) {
	c.mu.Lock()
	handler, ok := c.clients[fd]
	delete(c.clients, fd)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.poller.Remove(fd)

	if events&unix.EPOLLERR != 0 {
		errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		unix.Close(fd)
		handler.Fire(ConnectResult{Err: newOpError("connect", fd, unix.Errno(errno))})
		return
	}

	ch, err := newChannel(fd, c.poller, c.pool, c.logger, c.metrics)
	if err != nil {
		unix.Close(fd)
		handler.Fire(ConnectResult{Err: err})
		return
	}
	handler.Fire(ConnectResult{Channel: ch})
}

// Stop removes every pending connecting fd from the poller, closes them,
// fires each pending handler with an error, then (after a drain barrier)
// invokes handler (spec.md "stop(h) removes all pending fds from the
// poller, closes them, schedules a barrier, fires each pending connect
// handler with -1, then fires h").
func (c *Connector) Stop(handler Completion[int]) {
	c.mu.Lock()
	pending := c.clients
	c.clients = make(map[int]Completion[ConnectResult])
	c.mu.Unlock()

	for fd, h := range pending {
		c.poller.Remove(fd)
		unix.Close(fd)
		h.Fire(ConnectResult{Err: ErrClosed})
	}

	c.pool.ScheduleBarrier(func() { handler.Fire(0) })
}
