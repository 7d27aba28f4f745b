package partition

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"golang.org/x/exp/slog"
)

// Allocation is a page-aligned range of an allocator block. It is released with Close, which
// consumes the handle: every method returns ErrAllocationClosed afterward.
type Allocation struct {
	allocator *Allocator
	block     *allocatorBlock
	offset    uint64
	size      uint64

	lock   sync.RWMutex
	closed bool
}

// Size returns the number of bytes in the allocation, bridge padding included
func (a *Allocation) Size() uint64 {
	return a.size
}

func (a *Allocation) checkRange(offset, size uint64) error {
	end := offset + size
	if end < offset || end > a.size {
		return errors.Wrapf(hostmem.ErrOutOfRange, "offset 0x%x size 0x%x, allocation size 0x%x", offset, size, a.size)
	}

	return nil
}

// Pointer returns the host address of offset within the allocation
func (a *Allocation) Pointer(offset, size uint64) (uintptr, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return 0, ErrAllocationClosed
	}
	if err := a.checkRange(offset, size); err != nil {
		return 0, err
	}

	return a.block.memory.Pointer(a.offset+offset, size)
}

// MapView maps [srcOffset, srcOffset+size) of src over [dstOffset, dstOffset+size) of the allocation
func (a *Allocation) MapView(src hostmem.Block, srcOffset, dstOffset, size uint64) error {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return ErrAllocationClosed
	}
	if err := a.checkRange(dstOffset, size); err != nil {
		return err
	}

	return a.block.memory.MapView(src, srcOffset, a.offset+dstOffset, size)
}

// UnmapView returns [offset, offset+size) of the allocation to inaccessible reserved space
func (a *Allocation) UnmapView(src hostmem.Block, offset, size uint64) error {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return ErrAllocationClosed
	}
	if err := a.checkRange(offset, size); err != nil {
		return err
	}

	return a.block.memory.UnmapView(src, a.offset+offset, size)
}

// Reprotect changes the host protection of [offset, offset+size) of the allocation
func (a *Allocation) Reprotect(offset, size uint64, perm hostmem.Permission) error {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return ErrAllocationClosed
	}
	if err := a.checkRange(offset, size); err != nil {
		return err
	}

	return a.block.memory.Reprotect(a.offset+offset, size, perm)
}

// Close unmaps any views left in the allocation and returns its range to the allocator
func (a *Allocation) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return ErrAllocationClosed
	}
	a.closed = true
	a.lock.Unlock()

	if err := a.block.memory.UnmapView(nil, a.offset, a.size); err != nil {
		a.allocator.logger.Error("failed to reset partition allocation before release",
			slog.Uint64("offset", a.offset),
			slog.Any("error", err),
		)
	}

	return a.allocator.free(a.block, a.offset, a.size)
}
