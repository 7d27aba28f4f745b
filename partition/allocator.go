package partition

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/memutils/metadata"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// DefaultBlockSize is the granularity that the Allocator reserves host address space in
const DefaultBlockSize uint64 = 1 << 32

// ErrAllocationClosed is returned by every Allocation method after Close
var ErrAllocationClosed = errors.New("the partition allocation has already been released")

// mapping associates the host range [address, address+size) of an allocator block with the guest
// range [va, endVa). Anything past endVa-va is bridge padding.
type mapping struct {
	address    uint64
	size       uint64
	va         uint64
	endVa      uint64
	bridgeSize uint64
}

func (m *mapping) end() uint64 {
	return m.address + m.size
}

func lessMapping(a, b *mapping) bool {
	return a.address < b.address
}

type allocatorBlock struct {
	logger *slog.Logger
	memory hostmem.Block
	base   uintptr

	lock     sync.RWMutex
	metadata *metadata.FreeListBlockMetadata
	mappings *btree.BTreeG[*mapping]
}

func (b *allocatorBlock) contains(address uintptr) bool {
	return address >= b.base && uint64(address-b.base) < b.memory.Size()
}

func (b *allocatorBlock) addMapping(m *mapping) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, replaced := b.mappings.ReplaceOrInsert(m); replaced {
		panic("attempted to register a second mapping for the same partition allocation")
	}
}

func (b *allocatorBlock) removeMapping(offset uint64) {
	b.mappings.Delete(&mapping{address: offset})
}

// virtualMemoryEvent translates a host offset inside the block to the guest address it represents
func (b *allocatorBlock) virtualMemoryEvent(offset uint64) (uint64, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var found *mapping
	b.mappings.DescendLessOrEqual(&mapping{address: offset}, func(m *mapping) bool {
		found = m
		return false
	})

	if found == nil || offset >= found.end() {
		return 0, false
	}

	address := offset - found.address
	if address >= found.endVa-found.va {
		address -= found.bridgeSize / 2
	}

	return found.va + address, true
}

func (b *allocatorBlock) close() error {
	if !b.metadata.IsEmpty() {
		_ = b.metadata.VisitAllRegions(func(offset uint64, size uint64, free bool) error {
			if !free {
				b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed partition allocation",
					slog.Uint64("offset", offset),
					slog.Uint64("size", size),
				)
			}
			return nil
		})
	}

	return b.memory.Close()
}

// Allocator hands out host address space for partitions and page protection views. Space is
// reserved from the host in blocks of at least the configured block size, each carved up with a
// first-fit range allocator, and every allocation records the guest range it represents so that a
// host fault can be translated back to a guest address.
//
// Lookups for faults only take the reader side of the affected block's lock.
type Allocator struct {
	logger    *slog.Logger
	host      hostmem.Host
	tracking  guestmem.Tracking
	blockSize uint64

	lock   sync.RWMutex
	blocks []*allocatorBlock
}

// NewAllocator creates an Allocator. Faults resolved by VirtualMemoryEvent are forwarded to tracking.
// blockSize must be a power of two and a multiple of the host page size; DefaultBlockSize is used
// when it is 0.
func NewAllocator(logger *slog.Logger, host hostmem.Host, tracking guestmem.Tracking, blockSize uint64) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a partition allocator without a logger")
	}
	if host == nil {
		return nil, errors.New("attempted to create a partition allocator without a host")
	}
	if tracking == nil {
		return nil, errors.New("attempted to create a partition allocator without a tracking collaborator")
	}

	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := memutils.CheckPow2(blockSize, "blockSize"); err != nil {
		return nil, err
	}
	if blockSize < host.PageSize() {
		return nil, errors.Newf("block size 0x%x is smaller than the host page size 0x%x", blockSize, host.PageSize())
	}

	return &Allocator{
		logger:    logger,
		host:      host,
		tracking:  tracking,
		blockSize: blockSize,
	}, nil
}

// Allocate reserves size bytes plus bridgeSize bytes of bridge padding, rounded up to host pages,
// and registers them as the host side of the guest range [va, va+size)
func (a *Allocator) Allocate(va, size, bridgeSize uint64) (*Allocation, error) {
	if size == 0 {
		return nil, errors.New("attempted to allocate zero bytes of partition memory")
	}

	pageSize := a.host.PageSize()
	total := memutils.AlignUp(size+bridgeSize, pageSize)

	a.lock.Lock()
	defer a.lock.Unlock()

	for _, block := range a.blocks {
		block.lock.Lock()
		offset, _, err := block.metadata.Allocate(total, pageSize)
		block.lock.Unlock()

		if err == nil {
			return a.newAllocation(block, offset, total, va, size, bridgeSize), nil
		}
	}

	blockSize := memutils.AlignUp(total, a.blockSize)
	memory, err := a.host.NewBlock(blockSize, hostmem.BlockReserve|hostmem.BlockViewCompatible)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve a 0x%x byte partition block", blockSize)
	}

	base, err := memory.Pointer(0, 0)
	if err != nil {
		_ = memory.Close()
		return nil, err
	}

	block := &allocatorBlock{
		logger:   a.logger,
		memory:   memory,
		base:     base,
		metadata: metadata.NewFreeListBlockMetadata(blockSize),
		mappings: btree.NewG[*mapping](8, lessMapping),
	}

	offset, _, err := block.metadata.Allocate(total, pageSize)
	if err != nil {
		_ = memory.Close()
		return nil, err
	}

	a.blocks = append(a.blocks, block)
	a.logger.Debug("Allocator::Allocate new block",
		slog.Uint64("blockSize", blockSize),
		slog.Int("blockCount", len(a.blocks)),
	)

	return a.newAllocation(block, offset, total, va, size, bridgeSize), nil
}

// AllocatePage reserves size bytes for the guest range [va, va+size), without bridge padding
func (a *Allocator) AllocatePage(va, size uint64) (*Allocation, error) {
	return a.Allocate(va, size, 0)
}

func (a *Allocator) newAllocation(block *allocatorBlock, offset, size, va, guestSize, bridgeSize uint64) *Allocation {
	block.addMapping(&mapping{
		address:    offset,
		size:       size,
		va:         va,
		endVa:      va + guestSize,
		bridgeSize: bridgeSize,
	})

	return &Allocation{
		allocator: a,
		block:     block,
		offset:    offset,
		size:      size,
	}
}

func (a *Allocator) free(block *allocatorBlock, offset, size uint64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	block.lock.Lock()
	block.removeMapping(offset)
	err := block.metadata.Free(offset, size)
	empty := block.metadata.IsEmpty()
	block.lock.Unlock()

	if err != nil || !empty {
		return err
	}

	for i, candidate := range a.blocks {
		if candidate == block {
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
			break
		}
	}

	return block.close()
}

// VirtualMemoryEvent resolves a host fault at address to the guest address it belongs to and
// forwards it to the tracking collaborator. It returns false if the address is not inside any
// allocation, or if the collaborator did not handle the event.
func (a *Allocator) VirtualMemoryEvent(address uintptr, size uint64, write bool) bool {
	a.lock.RLock()
	var owner *allocatorBlock
	for _, block := range a.blocks {
		if block.contains(address) {
			owner = block
			break
		}
	}
	a.lock.RUnlock()

	if owner == nil {
		return false
	}

	va, ok := owner.virtualMemoryEvent(uint64(address - owner.base))
	if !ok {
		return false
	}

	return a.tracking.VirtualMemoryEvent(va, size, write, false, guestmem.NoExemptID)
}

// BlockCount returns the number of host blocks currently reserved
func (a *Allocator) BlockCount() int {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return len(a.blocks)
}

// CalculateStatistics sums the statistics of every block into stats
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	a.lock.RLock()
	defer a.lock.RUnlock()

	for _, block := range a.blocks {
		block.lock.RLock()
		block.metadata.AddDetailedStatistics(stats)
		block.lock.RUnlock()
	}
}

// BuildStatsString returns a json document describing the allocator's blocks
func (a *Allocator) BuildStatsString(detailed bool) string {
	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totalObj := obj.Name("Total").Object()
	stats.PrintJson(&totalObj)
	totalObj.End()

	if detailed {
		a.lock.RLock()
		blocks := obj.Name("Blocks").Array()
		for _, block := range a.blocks {
			blockObj := blocks.Object()
			block.lock.RLock()
			block.metadata.BlockJsonData(blockObj)
			block.lock.RUnlock()
			blockObj.End()
		}
		blocks.End()
		a.lock.RUnlock()
	}

	obj.End()
	return string(writer.Bytes())
}

// Close releases every block. Allocations that are still live are reported in the log.
func (a *Allocator) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var err error
	for _, block := range a.blocks {
		err = multierr.Append(err, block.close())
	}
	a.blocks = nil

	return err
}
