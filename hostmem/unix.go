//go:build linux || darwin

package hostmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/memutils"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type unixHost struct {
	pageSize uint64
}

// NewHost returns the Host backed by the operating system's mmap family of calls
func NewHost() (Host, error) {
	return &unixHost{pageSize: uint64(unix.Getpagesize())}, nil
}

func (h *unixHost) PageSize() uint64 {
	return h.pageSize
}

func (h *unixHost) FlushInstructionCache(ptr uintptr, size uint64) {
	if size == 0 {
		return
	}
	flushInstructionCache(ptr, ptr+uintptr(size))
}

func toProt(perm Permission) int {
	prot := unix.PROT_NONE
	if perm&PermissionRead != 0 {
		prot |= unix.PROT_READ
	}
	if perm&PermissionWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if perm&PermissionExecute != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (h *unixHost) NewBlock(size uint64, flags BlockFlags) (Block, error) {
	if size == 0 {
		return nil, errors.New("attempted to create an empty host memory block")
	}

	mappedSize := memutils.AlignUp(size, h.pageSize)
	block := &unixBlock{
		host:       h,
		size:       size,
		mappedSize: mappedSize,
		flags:      flags,
		fd:         -1,
	}

	var err error
	switch {
	case flags&BlockMirrorable != 0:
		block.fd, err = newSharedMemoryFd(mappedSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %d bytes of shared memory", mappedSize)
		}

		block.base, err = unix.MmapPtr(block.fd, 0, nil, uintptr(mappedSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = unix.Close(block.fd)
			return nil, errors.Wrapf(err, "failed to map %d bytes of shared memory", mappedSize)
		}
	case flags.reserveOnly():
		mapFlags := unix.MAP_PRIVATE | unix.MAP_ANON | mapNoReserve
		if flags&BlockJit != 0 {
			mapFlags |= mapJit
		}

		block.base, err = unix.MmapPtr(-1, 0, nil, uintptr(mappedSize), unix.PROT_NONE, mapFlags)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", mappedSize)
		}
	default:
		block.base, err = unix.MmapPtr(-1, 0, nil, uintptr(mappedSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to allocate %d bytes", mappedSize)
		}
	}

	return block, nil
}

type unixBlock struct {
	host       *unixHost
	base       unsafe.Pointer
	size       uint64
	mappedSize uint64
	flags      BlockFlags
	fd         int
	closed     atomic.Bool
}

var _ Block = &unixBlock{}

func (b *unixBlock) Size() uint64 {
	return b.size
}

func (b *unixBlock) Flags() BlockFlags {
	return b.flags
}

func (b *unixBlock) Pointer(offset, size uint64) (uintptr, error) {
	if b.closed.Load() {
		return 0, ErrBlockClosed
	}
	if err := checkRange(b.size, offset, size); err != nil {
		return 0, err
	}

	return uintptr(unsafe.Add(b.base, offset)), nil
}

func (b *unixBlock) Slice(offset, size uint64) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBlockClosed
	}
	if err := checkRange(b.size, offset, size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}

	return unsafe.Slice((*byte)(unsafe.Add(b.base, offset)), size), nil
}

func (b *unixBlock) pages(offset, size uint64) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBlockClosed
	}
	if err := checkPageRange(b.mappedSize, b.host.pageSize, offset, size); err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Add(b.base, offset)), size), nil
}

func (b *unixBlock) Commit(offset, size uint64) error {
	if !b.flags.reserveOnly() {
		return nil
	}

	region, err := b.pages(offset, size)
	if err != nil {
		return err
	}

	return errors.Wrapf(unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE), "failed to commit 0x%x bytes at offset 0x%x", size, offset)
}

func (b *unixBlock) Reprotect(offset, size uint64, perm Permission) error {
	region, err := b.pages(offset, size)
	if err != nil {
		return err
	}

	return errors.Wrapf(unix.Mprotect(region, toProt(perm)), "failed to reprotect 0x%x bytes at offset 0x%x as %s", size, offset, perm)
}

func (b *unixBlock) MapView(src Block, srcOffset, dstOffset, size uint64) error {
	source, ok := src.(*unixBlock)
	if !ok || source.fd < 0 {
		return ErrNotMirrorable
	}
	if source.closed.Load() {
		return ErrBlockClosed
	}
	if err := checkPageRange(source.mappedSize, b.host.pageSize, srcOffset, size); err != nil {
		return err
	}

	region, err := b.pages(dstOffset, size)
	if err != nil {
		return err
	}

	_, err = unix.MmapPtr(source.fd, int64(srcOffset), unsafe.Pointer(&region[0]), uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	return errors.Wrapf(err, "failed to map view of 0x%x bytes at offset 0x%x", size, dstOffset)
}

func (b *unixBlock) UnmapView(src Block, offset, size uint64) error {
	region, err := b.pages(offset, size)
	if err != nil {
		return err
	}

	_, err = unix.MmapPtr(-1, 0, unsafe.Pointer(&region[0]), uintptr(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|mapNoReserve)
	return errors.Wrapf(err, "failed to unmap view of 0x%x bytes at offset 0x%x", size, offset)
}

func (b *unixBlock) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrBlockClosed
	}

	err := errors.Wrap(unix.MunmapPtr(b.base, uintptr(b.mappedSize)), "failed to release host memory block")
	if b.fd >= 0 {
		err = errors.CombineErrors(err, unix.Close(b.fd))
	}
	b.base = nil

	return err
}
