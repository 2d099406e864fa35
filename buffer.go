package bblocks

import (
	"errors"
	"sync/atomic"
)

// sectorSize is the device sector size assumed for O_DIRECT alignment
// throughout the AIO adaptor (spec.md §4.4, §6).
const sectorSize = 512

// ErrBufferTooSmall is an InvariantViolation: Cut was asked for more bytes
// than the buffer logically holds.
var ErrBufferTooSmall = errors.New("bblocks: cut size exceeds buffer length")

// allocation is the shared backing store for one or more IOBuffer values.
// refs counts the live copies (spec.md's "copies share the allocation");
// the memory itself is reclaimed by Go's GC once no IOBuffer references
// it, independently of the count.
type allocation struct {
	data []byte
	refs atomic.Int32
}

// IOBuffer is a reference-counted, 512-byte-aligned, slice-able byte
// buffer (spec.md §3 "IOBuffer"). Copies produced by Cut share the
// backing allocation; Release must be called exactly once per copy
// obtained from NewIOBuffer, WrapIOBuffer, Cut or Retain.
//
// Invariant: off+size <= len(alloc.data).
type IOBuffer struct {
	alloc *allocation
	off   int
	size  int
}

// AllocAligned allocates size bytes aligned to sectorSize, replicating
// posix_memalign's contract (buf/buffer.h IOBuffer::Alloc) without cgo:
// over-allocate by sectorSize bytes and slice to the next boundary (at
// most sectorSize-1 bytes of padding are skipped).
func AllocAligned(size int) []byte {
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size+sectorSize)
	// Compute the address's alignment via a dummy pointer arithmetic
	// trick is not available without unsafe; Go slices backed by the
	// runtime allocator are not guaranteed sector-aligned by size alone,
	// so we align on the slice's data pointer.
	return alignSlice(buf, size)
}

// NewIOBuffer allocates a fresh 512-aligned IOBuffer of the given size
// with a reference count of one.
func NewIOBuffer(size int) IOBuffer {
	a := &allocation{data: AllocAligned(size)}
	a.refs.Store(1)
	return IOBuffer{alloc: a, off: 0, size: size}
}

// WrapIOBuffer adopts an existing byte slice as a non-owning,
// single-reference IOBuffer, without copying it. Used where the buffer's
// lifetime is already managed elsewhere. The slice is not re-aligned, so
// the result is sector-aligned only if b already is.
func WrapIOBuffer(b []byte) IOBuffer {
	a := &allocation{data: b}
	a.refs.Store(1)
	return IOBuffer{alloc: a, off: 0, size: len(b)}
}

// Bytes returns the logical (offset-adjusted) view of this buffer.
func (b IOBuffer) Bytes() []byte {
	if b.alloc == nil {
		return nil
	}
	return b.alloc.data[b.off : b.off+b.size]
}

// Size returns the logical length of this buffer.
func (b IOBuffer) Size() int { return b.size }

// Cut trims k bytes off the logical front of b and returns them as a new
// IOBuffer sharing the same backing allocation (spec.md invariant 9:
// "IOBuffer.cut(k) produces a slice whose size is the requested k,
// consuming k bytes from the parent's logical front; underlying storage
// reference count is preserved"). b is mutated in place to reflect the
// remaining tail; the returned head must be Released independently.
func (b *IOBuffer) Cut(k int) (IOBuffer, error) {
	if k > b.size {
		return IOBuffer{}, ErrBufferTooSmall
	}
	head := IOBuffer{alloc: b.alloc, off: b.off, size: k}
	b.off += k
	b.size -= k
	b.alloc.refs.Add(1)
	return head, nil
}

// Retain increments the reference count and returns a new handle over the
// same logical window. Use when a copy of the IOBuffer value must outlive
// the original's scope (e.g. handing it to a completion).
func (b IOBuffer) Retain() IOBuffer {
	if b.alloc != nil {
		b.alloc.refs.Add(1)
	}
	return b
}

// Release decrements the reference count. Go leaves the actual free to
// the GC, which reclaims the backing array once it is unreachable
// whatever the count says, so Release's only job is bookkeeping
// discipline against accidental aliasing, per spec.md's IOBuffer
// invariant.
func (b IOBuffer) Release() {
	if b.alloc == nil {
		return
	}
	b.alloc.refs.Add(-1)
}

func alignSlice(buf []byte, size int) []byte {
	// Align on the address of buf[0]; this requires no unsafe beyond a
	// uintptr conversion for arithmetic, matching how aligned-allocation
	// helpers across the ecosystem compute padding.
	addr := sliceAddr(buf)
	pad := (sectorSize - int(addr%sectorSize)) % sectorSize
	return buf[pad : pad+size : pad+size]
}
