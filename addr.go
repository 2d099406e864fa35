//go:build linux

package bblocks

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ResolveAddr replaces the original's SocketAddress::GetAddr (Boost
// string-split over "host:port", then getaddrinfo) with net.SplitHostPort
// plus net.ResolveIPAddr, returning a raw unix.SockaddrInet4 ready for
// unix.Bind/unix.Connect.
func ResolveAddr(hostport string) (*unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		addr, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return nil, err
		}
		ip = addr.IP
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}
