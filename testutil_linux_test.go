//go:build linux

package bblocks

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixGetsockname resolves the address a listening fd ended up bound to
// (needed because tests listen on port 0 and must discover the kernel-
// assigned ephemeral port before dialing it).
func unixGetsockname(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return fmt.Sprintf("127.0.0.1:%d", in4.Port), nil
}
