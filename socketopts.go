//go:build linux

package bblocks

import "golang.org/x/sys/unix"

// SocketOptions mirrors the original's net::SocketOptions (tcp-linux.h):
// a small namespace of one-shot setsockopt calls rather than a stateful
// type, since there is nothing to hold between calls.
type SocketOptions struct{}

// SetTCPNoDelay toggles TCP_NODELAY on fd.
func SetTCPNoDelay(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetTCPWindow sets both SO_SNDBUF and SO_RCVBUF to size.
func SetTCPWindow(fd int, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

// SetReuseAddr toggles SO_REUSEADDR, used by the acceptor so a restarted
// listener can rebind a recently closed port immediately.
func SetReuseAddr(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
}

// setNonblocking marks fd O_NONBLOCK, a precondition for every socket
// this package hands to the poller.
func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}
