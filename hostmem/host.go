package hostmem

import (
	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/memutils"
)

var (
	// ErrBlockClosed is returned by every Block method after Close
	ErrBlockClosed = errors.New("host memory block has been released")
	// ErrOutOfRange is returned when an offset and size do not fit inside a Block
	ErrOutOfRange = errors.New("range is outside of the host memory block")
	// ErrUnaligned is returned when an operation that works on whole host pages receives a partial page
	ErrUnaligned = errors.New("range is not aligned to the host page size")
	// ErrNotMirrorable is returned when a view is requested from a block created without BlockMirrorable
	ErrNotMirrorable = errors.New("source block cannot be mapped as a view")
	// ErrNotContiguous is returned when a byte range is not backed by one contiguous host allocation
	ErrNotContiguous = errors.New("range is not backed by contiguous host memory")
	// ErrNotSupported is returned on hosts that have no implementation of this package
	ErrNotSupported = errors.New("host memory operations are not supported on this platform")
)

// Block owns one host virtual memory range. Every access goes through bounds-checked methods;
// the range is released by Close, after which the handle is dead and every method returns
// ErrBlockClosed.
type Block interface {
	// Size returns the size in bytes that the block was created with
	Size() uint64
	// Flags returns the flags that the block was created with
	Flags() BlockFlags

	// Pointer returns the host address of offset, after checking that [offset, offset+size) lies in
	// the block. The memory behind the address may be inaccessible.
	Pointer(offset, size uint64) (uintptr, error)
	// Slice returns the bytes of [offset, offset+size). The slice aliases the block and must not be
	// used after Close.
	Slice(offset, size uint64) ([]byte, error)

	// Commit makes a page-aligned range of a reserved block readable and writable
	Commit(offset, size uint64) error
	// Reprotect changes the protection of a page-aligned range
	Reprotect(offset, size uint64, perm Permission) error
	// MapView maps [srcOffset, srcOffset+size) of a mirrorable block over [dstOffset, dstOffset+size)
	// of this block. Both blocks then alias the same memory.
	MapView(src Block, srcOffset, dstOffset, size uint64) error
	// UnmapView replaces a view previously mapped from src with inaccessible reserved space
	UnmapView(src Block, offset, size uint64) error

	// Close releases the range back to the host
	Close() error
}

// Host creates Blocks and exposes host properties that callers must align to
type Host interface {
	// PageSize returns the host's protection granularity
	PageSize() uint64
	// NewBlock creates a Block of size bytes
	NewBlock(size uint64, flags BlockFlags) (Block, error)
	// FlushInstructionCache makes freshly written code in [ptr, ptr+size) visible to instruction fetch
	FlushInstructionCache(ptr uintptr, size uint64)
}

func checkRange(blockSize, offset, size uint64) error {
	end := offset + size
	if end < offset || end > blockSize {
		return errors.Wrapf(ErrOutOfRange, "offset 0x%x size 0x%x, block size 0x%x", offset, size, blockSize)
	}

	return nil
}

func checkPageRange(blockSize, pageSize, offset, size uint64) error {
	if err := checkRange(blockSize, offset, size); err != nil {
		return err
	}

	if !memutils.IsAligned(offset, pageSize) || !memutils.IsAligned(size, pageSize) {
		return errors.Wrapf(ErrUnaligned, "offset 0x%x size 0x%x, page size 0x%x", offset, size, pageSize)
	}

	return nil
}
