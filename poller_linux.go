//go:build linux

package bblocks

import (
	"sync"

	"golang.org/x/sys/unix"
)

// maxEpollEvents bounds one epoll_wait batch, matching the original's
// Epoll::MAX_EPOLL_EVENT (net/epoll.h).
const maxEpollEvents = 1024

// fdState is the per-fd state machine from spec.md §3 "FD registration"
// / §4.3 "State machine per fd": Absent -> Present -> Muted -> Deleted.
type fdState int

const (
	fdPresent fdState = iota
	fdMuted
)

// fdRecord is the poller's bookkeeping for one registered fd, the Go
// analogue of the original's Epoll::FDRecord (net/epoll.h).
type fdRecord struct {
	fd      int
	events  uint32
	handler Completion[uint32]
	state   fdState
}

// Poller wraps a single epoll instance (spec.md §4.3). All mutating
// operations (Add/Remove/AddEvent/RemoveEvent) are synchronous from the
// caller's point of view, and the handler map is updated first-for-add,
// first-for-remove. The poller's spin-lock guards the handler map only:
// each epoll_ctl call is made after the lock is released, so concurrent
// operations on the same fd are not serialized against the kernel
// registration.
type Poller struct {
	epfd int

	lock     *spinlock
	fds      map[int]*fdRecord
	trashcan []*fdRecord

	die     chan struct{}
	dieOnce sync.Once
	wg      sync.WaitGroup

	logger  Logger
	metrics *Metrics
}

// NewPoller creates and starts a Poller, spawning its dedicated poll
// goroutine immediately (spec.md "Poll loop. Runs on a dedicated OS
// thread").
func NewPoller(logger Logger, metrics *Metrics) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newOpError("epoll_create1", -1, err)
	}

	p := &Poller{
		epfd:    epfd,
		lock:    newSpinlock(metrics, "poller"),
		fds:     make(map[int]*fdRecord),
		die:     make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

// Add registers fd for events, firing handler on readiness (spec.md
// §4.3 "add(fd, events, handler)"). Rolls back the map entry if
// epoll_ctl fails ("add failure leaves no map entry (rollback)").
func (p *Poller) Add(fd int, events uint32, handler Completion[uint32]) error {
	rec := &fdRecord{fd: fd, events: events, handler: handler, state: fdPresent}

	p.lock.Lock()
	if _, exists := p.fds[fd]; exists {
		p.lock.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = rec
	p.lock.Unlock()

	ee := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ee); err != nil {
		p.lock.Lock()
		delete(p.fds, fd)
		p.lock.Unlock()
		return newOpError("epoll_ctl(ADD)", fd, err)
	}

	if p.metrics != nil && p.metrics.PollerFDs != nil {
		p.metrics.PollerFDs.WithLabelValues("0").Inc()
	}
	return nil
}

// Remove unregisters fd (spec.md "remove(fd)"). The fd transitions
// Present -> Muted: the handler record is kept alive (so a dispatch
// already in flight for it can finish safely) but further dispatch is
// suppressed; it is only actually deleted once the poll loop observes it
// after the kernel deregistration (spec.md invariant 4).
func (p *Poller) Remove(fd int) error {
	p.lock.Lock()
	rec, ok := p.fds[fd]
	if !ok {
		p.lock.Unlock()
		return ErrFDNotRegistered
	}
	invariant(rec.state == fdPresent, "poller: double remove on fd %d", fd)
	delete(p.fds, fd)
	rec.state = fdMuted
	p.lock.Unlock()

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		p.logger.Warn().Int("fd", fd).Err(err).Msg("epoll_ctl(DEL) failed")
	}

	p.lock.Lock()
	p.trashcan = append(p.trashcan, rec)
	p.lock.Unlock()

	if p.metrics != nil && p.metrics.PollerFDs != nil {
		p.metrics.PollerFDs.WithLabelValues("0").Dec()
	}
	return nil
}

// AddEvent ORs additional event bits into fd's registration (spec.md
// "add_event(fd, events)").
func (p *Poller) AddEvent(fd int, events uint32) error {
	return p.modify(fd, func(cur uint32) uint32 { return cur | events })
}

// RemoveEvent clears event bits from fd's registration (spec.md
// "remove_event(fd, events)").
func (p *Poller) RemoveEvent(fd int, events uint32) error {
	return p.modify(fd, func(cur uint32) uint32 { return cur &^ events })
}

func (p *Poller) modify(fd int, update func(uint32) uint32) error {
	p.lock.Lock()
	rec, ok := p.fds[fd]
	if !ok {
		p.lock.Unlock()
		return ErrFDNotRegistered
	}
	rec.events = update(rec.events)
	events := rec.events
	p.lock.Unlock()

	ee := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ee); err != nil {
		return newOpError("epoll_ctl(MOD)", fd, err)
	}
	return nil
}

// loop is the poll thread's main body (spec.md §4.3 "Poll loop").
func (p *Poller) loop() {
	defer p.wg.Done()

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		select {
		case <-p.die:
			return
		default:
		}

		// A bounded wait lets the loop see Close: closing epfd does not
		// wake a goroutine already blocked in epoll_wait.
		n, err := unix.EpollWait(p.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				p.logger.Info().Msg("poller: epoll fd closed, shutting down poll loop")
				return
			}
			p.logger.Error().Err(err).Msg("poller: epoll_wait failed")
			return
		}
		if n == 0 {
			continue
		}

		start := Now()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			p.lock.Lock()
			rec, ok := p.fds[fd]
			var muted bool
			if ok {
				muted = rec.state != fdPresent
			}
			p.lock.Unlock()

			if !ok || muted {
				// Late event for an already-removed/muted fd: drop
				// silently (spec.md "Late event for an already-muted fd
				// -> drop silently").
				continue
			}

			rec.handler.Fire(mask)
		}
		if p.metrics != nil && p.metrics.PollerDispatch != nil {
			p.metrics.PollerDispatch.Observe(Elapsed(start).Seconds())
		}

		p.emptyTrashcan()
	}
}

// emptyTrashcan destroys muted fd records once the poll loop has
// observed them, completing the Muted -> Deleted transition (spec.md
// "Muted -> Deleted (after poll thread observes and confirms no pending
// dispatch; handler record destroyed)").
func (p *Poller) emptyTrashcan() {
	p.lock.Lock()
	trash := p.trashcan
	p.trashcan = nil
	p.lock.Unlock()
	_ = trash // records are simply dropped; Go's GC reclaims them
}

// Close stops the poll loop and closes the epoll fd.
func (p *Poller) Close() error {
	var err error
	p.dieOnce.Do(func() {
		close(p.die)
		err = unix.Close(p.epfd)
		p.wg.Wait()
	})
	return err
}
