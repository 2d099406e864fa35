package bblocks

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four-way taxonomy in spec.md §7: these are
// UserError/KernelError-kind values delivered through completions, not
// raised out of band. InvariantViolation and DrainTimeout are fatal and
// surface via panic instead (see Pool.Schedule / Watchdog.Wakeup).
var (
	// ErrClosed means the runtime (or the component owning the
	// call) has already been stopped.
	ErrClosed = errors.New("bblocks: closed")
	// ErrUnaligned means a buffer address, offset, or length was not a
	// multiple of the device sector size, required for O_DIRECT AIO
	// (spec.md §4.4 invariant).
	ErrUnaligned = errors.New("bblocks: offset/length/buffer not sector-aligned")
	// ErrEmptyBuffer mirrors gaio's own guard on zero-length write/read
	// requests.
	ErrEmptyBuffer = errors.New("bblocks: empty buffer")
	// ErrReadInFlight is returned when a second Read is attempted on a
	// Channel while one is still pending (spec.md invariant 5).
	ErrReadInFlight = errors.New("bblocks: read already in flight")
	// ErrDeadline is delivered to a completion whose operation exceeded
	// its deadline.
	ErrDeadline = errors.New("bblocks: operation exceeded deadline")
	// ErrFDNotRegistered / ErrFDAlreadyRegistered mirror the poller's fd
	// state machine violations (spec.md §4.3).
	ErrFDNotRegistered     = errors.New("bblocks: fd not registered")
	ErrFDAlreadyRegistered = errors.New("bblocks: fd already registered")
)

// OpError tags a lower-level error with the operation name and the fd it
// occurred on (FD is -1 when there is none), the way ygrebnov-workers' TaskMetaError tags a task
// failure with a task id/index — the runtime's analogue of that
// correlation metadata.
type OpError struct {
	Op  string
	FD  int
	Err error
}

func (e *OpError) Error() string {
	if e.FD >= 0 {
		return fmt.Sprintf("bblocks: %s (fd=%d): %v", e.Op, e.FD, e.Err)
	}
	return fmt.Sprintf("bblocks: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func newOpError(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, FD: fd, Err: err}
}

// invariant panics with a diagnostic, the Go analogue of the original's
// INVARIANT/DEADEND macros (spec.md §7 "InvariantViolation. Abort with a
// diagnostic."). These are bugs, never expected at runtime.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("bblocks: invariant violated: "+format, args...))
	}
}
