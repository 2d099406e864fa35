//go:build linux

package bblocks

import "golang.org/x/sys/unix"

// listenBacklog matches the original's TCPServer::MAXBACKLOG.
const listenBacklog = 1024

// AcceptResult is delivered once per accepted connection, or once with
// Err set on a failed accept (spec.md "success creates a channel and
// invokes handler(0, ch); failure invokes handler(-1, NULL)").
type AcceptResult struct {
	Err     error
	Channel *Channel
}

// Listener is a non-blocking TCP acceptor (spec.md §4.7 "Acceptor", the
// Go analogue of tcp-linux.h's TCPServer), built on the acceptor design
// pattern: one listening fd, one completion fired per accepted
// connection.
type Listener struct {
	fd      int
	poller  FDPoller
	pool    *Pool
	logger  Logger
	metrics *Metrics
	handler Completion[AcceptResult]

	lock  *spinlock
	state channelState
}

// Listen creates a non-blocking listening socket bound to addr and
// registers it with poller (spec.md "accept(addr, handler) creates
// non-blocking socket, binds, listens, registers for EPOLLIN").
func Listen(addr string, poller FDPoller, pool *Pool, logger Logger, metrics *Metrics, handler Completion[AcceptResult]) (*Listener, error) {
	sa, err := ResolveAddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, newOpError("socket", -1, err)
	}
	if err := SetReuseAddr(fd, true); err != nil {
		unix.Close(fd)
		return nil, newOpError("setsockopt(SO_REUSEADDR)", fd, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, newOpError("bind", fd, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, newOpError("listen", fd, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, newOpError("setnonblock", fd, err)
	}

	l := &Listener{
		fd: fd, poller: poller, pool: pool, logger: logger, metrics: metrics,
		handler: handler, lock: newSpinlock(metrics, "listener"),
	}
	if err := poller.Add(fd, unix.EPOLLIN, Inline(l.onReadable)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// FD returns the listening socket descriptor.
func (l *Listener) FD() int { return l.fd }

// onReadable drains every pending connection in the accept backlog
// before returning, matching the edge-triggered drain-until-EAGAIN
// discipline the channel also follows (spec.md §4.6 "Events").
func (l *Listener) onReadable(events uint32) {
	for {
		connFD, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			l.handler.Fire(AcceptResult{Err: newOpError("accept4", l.fd, err)})
			return
		}

		SetTCPNoDelay(connFD, true)
		ch, err := newChannel(connFD, l.poller, l.pool, l.logger, l.metrics)
		if err != nil {
			unix.Close(connFD)
			l.handler.Fire(AcceptResult{Err: err})
			continue
		}
		l.handler.Fire(AcceptResult{Channel: ch})
	}
}

// Stop removes the listener from the poller, closes the listening fd
// after a drain barrier, then invokes handler (spec.md "stop(h) removes
// from poller, closes the listening fd, schedules a barrier, then fires
// h").
func (l *Listener) Stop(handler Completion[int]) {
	l.lock.Lock()
	if l.state != channelOpen {
		l.lock.Unlock()
		return
	}
	l.state = channelStopping
	l.lock.Unlock()

	l.poller.Remove(l.fd)
	l.pool.ScheduleBarrier(func() {
		l.lock.Lock()
		l.state = channelClosed
		l.lock.Unlock()
		unix.Close(l.fd)
		handler.Fire(0)
	})
}
