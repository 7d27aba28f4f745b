package jitcache

import (
	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
)

//go:generate mockgen -source platform.go -destination ./mocks/platform.go -package mock_jitcache

// Platform is the set of host capabilities the cache needs to install code. Each host exposes one
// implementation, chosen once when the Cache is created; the cache logic itself never branches on
// the operating system.
type Platform interface {
	// CopyCode writes code into region at offset. It leaves the written range in whatever state
	// the platform requires before Reprotect can make it executable.
	CopyCode(region hostmem.Block, offset uint64, code []byte) error
	// Reprotect changes the protection of every host page touched by [offset, offset+size)
	Reprotect(region hostmem.Block, offset, size uint64, perm hostmem.Permission) error
	// InvalidateInstructionCache discards stale instructions for [offset, offset+size)
	InvalidateInstructionCache(region hostmem.Block, offset, size uint64) error
}

type hostPlatform struct {
	host hostmem.Host
}

func (p hostPlatform) pageRange(offset, size uint64) (uint64, uint64) {
	pageSize := p.host.PageSize()
	start := memutils.AlignDown(offset, pageSize)
	end := memutils.AlignUp(offset+size, pageSize)
	return start, end - start
}

func (p hostPlatform) Reprotect(region hostmem.Block, offset, size uint64, perm hostmem.Permission) error {
	start, length := p.pageRange(offset, size)
	return region.Reprotect(start, length, perm)
}

func (p hostPlatform) InvalidateInstructionCache(region hostmem.Block, offset, size uint64) error {
	pointer, err := region.Pointer(offset, size)
	if err != nil {
		return err
	}

	p.host.FlushInstructionCache(pointer, size)
	return nil
}

func (p hostPlatform) copy(region hostmem.Block, offset uint64, code []byte) error {
	target, err := region.Slice(offset, uint64(len(code)))
	if err != nil {
		return errors.Wrapf(err, "failed to access 0x%x bytes of code at offset 0x%x", len(code), offset)
	}

	copy(target, code)
	return nil
}

type flipPlatform struct {
	hostPlatform
}

// NewFlipPlatform returns the Platform for hosts that allow a page to be writable and executable
// at the same time. CopyCode makes the touched pages read-write-execute before writing, so that
// code already living in those pages keeps running while the new function is copied in.
func NewFlipPlatform(host hostmem.Host) Platform {
	return flipPlatform{hostPlatform{host: host}}
}

func (p flipPlatform) CopyCode(region hostmem.Block, offset uint64, code []byte) error {
	if err := p.Reprotect(region, offset, uint64(len(code)), hostmem.PermissionReadWriteExecute); err != nil {
		return err
	}

	return p.copy(region, offset, code)
}

type copyFirstPlatform struct {
	hostPlatform
}

// NewCopyFirstPlatform returns the Platform for hosts that forbid writable and executable
// mappings of the same page. Freshly committed cache pages are writable, CopyCode writes into
// them directly, and Reprotect seals them. A sealed page is never written again, which is why this
// platform pairs with an isolated code alignment of at least one host page.
func NewCopyFirstPlatform(host hostmem.Host) Platform {
	return copyFirstPlatform{hostPlatform{host: host}}
}

func (p copyFirstPlatform) CopyCode(region hostmem.Block, offset uint64, code []byte) error {
	return p.copy(region, offset, code)
}
