//go:build linux

package bblocks

// FDPoller is the readiness-multiplexing contract shared by Poller and
// ShardedPoller (spec.md §4.3): register/unregister an fd for a set of
// epoll event bits, firing a completion on readiness. TCP transport
// components (Channel, Listener, Connector) depend on this interface
// rather than a concrete type, so they work unmodified whether the
// runtime is configured with a single poller or a k-way sharded one.
type FDPoller interface {
	Add(fd int, events uint32, handler Completion[uint32]) error
	Remove(fd int) error
	AddEvent(fd int, events uint32) error
	RemoveEvent(fd int, events uint32) error
}
