package jitcache

import (
	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
)

// commitGranularity is the step in which the reserved region is committed as code reaches further into it
const commitGranularity uint64 = 64 * 1024

// ReservedRegion is a host range that is reserved up front and committed lazily from its start
type ReservedRegion struct {
	block       hostmem.Block
	maxSize     uint64
	granularity uint64
	committed   uint64
}

// NewReservedRegion reserves size bytes from host. Nothing is committed until ExpandIfNeeded is called.
func NewReservedRegion(host hostmem.Host, size uint64) (*ReservedRegion, error) {
	granularity := memutils.AlignUp(commitGranularity, host.PageSize())
	block, err := host.NewBlock(memutils.AlignUp(size, granularity), hostmem.BlockReserve|hostmem.BlockJit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve 0x%x bytes for the code cache", size)
	}

	return &ReservedRegion{
		block:       block,
		maxSize:     size,
		granularity: granularity,
	}, nil
}

// Block returns the host block behind the region
func (r *ReservedRegion) Block() hostmem.Block { return r.block }

// Size returns the number of bytes the region can grow to
func (r *ReservedRegion) Size() uint64 { return r.maxSize }

// Committed returns the number of bytes at the start of the region that are committed
func (r *ReservedRegion) Committed() uint64 { return r.committed }

// ExpandIfNeeded commits enough of the region that [0, desiredSize) is usable. Asking for more than
// the region holds returns ErrCacheExhausted.
func (r *ReservedRegion) ExpandIfNeeded(desiredSize uint64) error {
	if desiredSize > r.maxSize {
		return errors.Wrapf(ErrCacheExhausted, "0x%x bytes requested from a 0x%x byte region", desiredSize, r.maxSize)
	}
	if desiredSize <= r.committed {
		return nil
	}

	additional := memutils.AlignUp(desiredSize-r.committed, r.granularity)
	if r.committed+additional > r.block.Size() {
		additional = r.block.Size() - r.committed
	}

	if err := r.block.Commit(r.committed, additional); err != nil {
		return errors.Wrapf(err, "failed to commit 0x%x bytes at offset 0x%x", additional, r.committed)
	}

	r.committed += additional
	return nil
}

// Close releases the reservation
func (r *ReservedRegion) Close() error {
	return r.block.Close()
}
