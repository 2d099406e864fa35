//go:build linux

package bblocks

import "sync/atomic"

// ShardedPoller fans a single logical poller out across k independent
// Poller instances, each with its own epoll fd and poll goroutine, so a
// high fd count can be spread across CPUs instead of funneling through
// one epoll_wait loop (spec.md §4.3 "Sharded variant: k independent
// epoll instances, fd assigned to a shard at registration time").
//
// Resolving spec.md §9's Open Question ("does the sharded poller support
// fd reuse across shards after close?"): it does not. Once an fd number
// is assigned to a shard, that assignment is retained in local until
// Remove is called; registering a *different* fd that happens to reuse a
// closed fd's number on a different shard than the one that last held it
// is caller error, not handled by this type (see DESIGN.md).
type ShardedPoller struct {
	shards []*Poller
	next   atomic.Uint64

	lock  *spinlock
	local map[int]int // fd -> shard index
}

// NewShardedPoller starts k Pollers, each on its own poll goroutine.
func NewShardedPoller(k int, logger Logger, metrics *Metrics) (*ShardedPoller, error) {
	invariant(k > 0, "sharded poller count must be > 0, got %d", k)
	sp := &ShardedPoller{
		shards: make([]*Poller, k),
		lock:   newSpinlock(metrics, "sharded-poller"),
		local:  make(map[int]int),
	}
	for i := 0; i < k; i++ {
		p, err := NewPoller(logger.With("shard", i), metrics)
		if err != nil {
			sp.closeStartedShards(i)
			return nil, err
		}
		sp.shards[i] = p
	}
	return sp, nil
}

func (sp *ShardedPoller) closeStartedShards(n int) {
	for i := 0; i < n; i++ {
		sp.shards[i].Close()
	}
}

// Add assigns fd to a shard round-robin and registers it there (spec.md
// "fd assigned to a shard at registration time; all subsequent
// operations on that fd route to the same shard").
func (sp *ShardedPoller) Add(fd int, events uint32, handler Completion[uint32]) error {
	sp.lock.Lock()
	if _, exists := sp.local[fd]; exists {
		sp.lock.Unlock()
		return ErrFDAlreadyRegistered
	}
	shard := int(sp.next.Add(1)-1) % len(sp.shards)
	sp.local[fd] = shard
	sp.lock.Unlock()

	if err := sp.shards[shard].Add(fd, events, handler); err != nil {
		sp.lock.Lock()
		delete(sp.local, fd)
		sp.lock.Unlock()
		return err
	}
	return nil
}

// Remove unregisters fd from whichever shard owns it.
func (sp *ShardedPoller) Remove(fd int) error {
	sp.lock.Lock()
	shard, ok := sp.local[fd]
	if !ok {
		sp.lock.Unlock()
		return ErrFDNotRegistered
	}
	delete(sp.local, fd)
	sp.lock.Unlock()
	return sp.shards[shard].Remove(fd)
}

// AddEvent routes to fd's owning shard.
func (sp *ShardedPoller) AddEvent(fd int, events uint32) error {
	shard, ok := sp.shardOf(fd)
	if !ok {
		return ErrFDNotRegistered
	}
	return sp.shards[shard].AddEvent(fd, events)
}

// RemoveEvent routes to fd's owning shard.
func (sp *ShardedPoller) RemoveEvent(fd int, events uint32) error {
	shard, ok := sp.shardOf(fd)
	if !ok {
		return ErrFDNotRegistered
	}
	return sp.shards[shard].RemoveEvent(fd, events)
}

func (sp *ShardedPoller) shardOf(fd int) (int, bool) {
	sp.lock.Lock()
	defer sp.lock.Unlock()
	shard, ok := sp.local[fd]
	return shard, ok
}

// Close stops every shard's poll goroutine.
func (sp *ShardedPoller) Close() error {
	var first error
	for _, s := range sp.shards {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
