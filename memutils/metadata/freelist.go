package metadata

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/udrwxa/LibRyujinx/memutils"
	"golang.org/x/exp/slices"
)

// FreeRange is a contiguous run of unallocated bytes inside a FreeListBlockMetadata
type FreeRange struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset past the end of the range
func (r FreeRange) End() uint64 {
	return r.Offset + r.Size
}

type freeListAllocation struct {
	// padding is the number of bytes between the start of the reserved span and the returned offset
	padding uint64
	size    uint64
}

func (a freeListAllocation) reserved() uint64 {
	return a.padding + a.size
}

// FreeListBlockMetadata is a range allocator over an integer offset space. Free ranges are kept
// in a slice ordered by offset, and adjacent free ranges are always merged on insertion, so no two
// entries in the list ever touch.
//
// Allocation is first-fit: the list is scanned from the lowest offset for the first range that can
// hold the requested size once its start is rounded up to the requested alignment. The bytes lost
// to that rounding are charged to the allocation and are returned to the list when it is freed.
//
// FreeListBlockMetadata is not safe for concurrent use. Consumers are expected to hold their own lock.
type FreeListBlockMetadata struct {
	size        uint64
	sumFreeSize uint64
	freeRanges  []FreeRange
	allocations *swiss.Map[uint64, freeListAllocation]
}

// NewFreeListBlockMetadata creates a FreeListBlockMetadata that manages size bytes, all of them free
func NewFreeListBlockMetadata(size uint64) *FreeListBlockMetadata {
	m := &FreeListBlockMetadata{}
	m.Init(size)
	return m
}

// Init resets the metadata to a single free range spanning size bytes. Any live allocations are
// forgotten.
func (m *FreeListBlockMetadata) Init(size uint64) {
	m.size = size
	m.Clear()
}

// Clear instantly frees all allocations
func (m *FreeListBlockMetadata) Clear() {
	m.freeRanges = m.freeRanges[:0]
	if m.size > 0 {
		m.freeRanges = append(m.freeRanges, FreeRange{Offset: 0, Size: m.size})
	}
	m.sumFreeSize = m.size
	m.allocations = swiss.NewMap[uint64, freeListAllocation](42)
}

// Size retrieves the size in bytes that the block was initialized with
func (m *FreeListBlockMetadata) Size() uint64 { return m.size }

// SumFreeSize returns the number of free bytes in the block
func (m *FreeListBlockMetadata) SumFreeSize() uint64 { return m.sumFreeSize }

// AllocationCount returns the number of live allocations
func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocations.Count() }

// FreeRegionsCount returns the number of disjoint free ranges
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.freeRanges) }

// IsEmpty will return true if this block has no live allocations
func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocations.Count() == 0 }

// FreeRanges returns a copy of the current free list, ordered by offset
func (m *FreeListBlockMetadata) FreeRanges() []FreeRange {
	return slices.Clone(m.freeRanges)
}

// Allocate claims size bytes starting at an offset that is a multiple of alignment. alignment must be
// a power of two; zero is treated as one. It returns the aligned offset and the number of bytes
// removed from the free list, which is size plus whatever padding was needed to reach the aligned
// offset.
//
// memutils.OutOfSpaceError is returned if no free range can hold the request. No state changes in
// that case.
func (m *FreeListBlockMetadata) Allocate(size, alignment uint64) (offset uint64, reserved uint64, err error) {
	if size == 0 {
		return 0, 0, errors.New("attempted to allocate zero bytes")
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return 0, 0, err
	}

	for i, freeRange := range m.freeRanges {
		alignedOffset := memutils.AlignUp(freeRange.Offset, alignment)
		if alignedOffset < freeRange.Offset {
			// wrapped around the top of the offset space
			continue
		}

		padding := alignedOffset - freeRange.Offset
		needed := size + padding
		if needed < size || freeRange.Size < needed {
			continue
		}

		if freeRange.Size == needed {
			m.freeRanges = slices.Delete(m.freeRanges, i, i+1)
		} else {
			m.freeRanges[i] = FreeRange{Offset: freeRange.Offset + needed, Size: freeRange.Size - needed}
		}

		m.sumFreeSize -= needed
		m.allocations.Put(alignedOffset, freeListAllocation{padding: padding, size: size})

		memutils.DebugValidate(m)
		return alignedOffset, needed, nil
	}

	return 0, 0, errors.Wrapf(memutils.OutOfSpaceError, "requested %d bytes with alignment %d, %d bytes free in %d ranges", size, alignment, m.sumFreeSize, len(m.freeRanges))
}

// Free returns the allocation at offset to the free list. size must be the size that was passed
// to Allocate. The reserved span, including alignment padding, is merged with any free neighbors.
//
// An error is returned, and nothing changes, if offset does not name a live allocation of that size.
func (m *FreeListBlockMetadata) Free(offset, size uint64) error {
	alloc, ok := m.allocations.Get(offset)
	if !ok {
		return errors.Errorf("no live allocation at offset %d", offset)
	}
	if alloc.size != size {
		return errors.Errorf("allocation at offset %d has size %d, but %d was provided", offset, alloc.size, size)
	}

	m.allocations.Delete(offset)
	m.insert(FreeRange{Offset: offset - alloc.padding, Size: alloc.reserved()})
	m.sumFreeSize += alloc.reserved()

	memutils.DebugValidate(m)
	return nil
}

func compareFreeRangeOffset(freeRange FreeRange, offset uint64) int {
	if freeRange.Offset < offset {
		return -1
	} else if freeRange.Offset > offset {
		return 1
	}
	return 0
}

func (m *FreeListBlockMetadata) insert(block FreeRange) {
	index, found := slices.BinarySearchFunc(m.freeRanges, block.Offset, compareFreeRangeOffset)
	if found {
		panic(fmt.Sprintf("freed range at offset %d is already present in the free list", block.Offset))
	}

	if index < len(m.freeRanges) {
		next := m.freeRanges[index]
		if block.End() > next.Offset {
			panic(fmt.Sprintf("freed range %d-%d overlaps free range %d-%d", block.Offset, block.End(), next.Offset, next.End()))
		}

		if block.End() == next.Offset {
			block.Size += next.Size
			m.freeRanges = slices.Delete(m.freeRanges, index, index+1)
		}
	}

	if index > 0 {
		prev := m.freeRanges[index-1]
		if prev.End() > block.Offset {
			panic(fmt.Sprintf("freed range %d-%d overlaps free range %d-%d", block.Offset, block.End(), prev.Offset, prev.End()))
		}

		if prev.End() == block.Offset {
			block = FreeRange{Offset: prev.Offset, Size: prev.Size + block.Size}
			index--
			m.freeRanges = slices.Delete(m.freeRanges, index, index+1)
		}
	}

	m.freeRanges = slices.Insert(m.freeRanges, index, block)
}

// Validate performs internal consistency checks on the metadata. When the implementation is
// functioning correctly, it should not be possible for this method to return an error.
func (m *FreeListBlockMetadata) Validate() error {
	var sumFree uint64
	var prevEnd uint64

	for index, freeRange := range m.freeRanges {
		if freeRange.Size == 0 {
			return errors.Errorf("free range at index %d is empty", index)
		}
		if freeRange.End() > m.size || freeRange.End() < freeRange.Offset {
			return errors.Errorf("free range at index %d (%d-%d) extends past the end of the block (%d)", index, freeRange.Offset, freeRange.End(), m.size)
		}
		if index > 0 {
			if freeRange.Offset < prevEnd {
				return errors.Errorf("free range at index %d has offset %d, which collides with the previous range ending at %d", index, freeRange.Offset, prevEnd)
			}
			if freeRange.Offset == prevEnd {
				return errors.Errorf("free range at index %d is adjacent to the previous range and should have been merged", index)
			}
		}

		sumFree += freeRange.Size
		prevEnd = freeRange.End()
	}

	if sumFree != m.sumFreeSize {
		return errors.Errorf("free ranges add up to %d bytes, but metadata indicates %d bytes are free", sumFree, m.sumFreeSize)
	}

	var sumReserved uint64
	m.allocations.Iter(func(offset uint64, alloc freeListAllocation) bool {
		sumReserved += alloc.reserved()
		return false
	})

	if sumFree+sumReserved != m.size {
		return errors.Errorf("%d free bytes and %d allocated bytes do not add up to the block size %d", sumFree, sumReserved, m.size)
	}

	return nil
}

// VisitAllRegions calls handleRegion once for each allocation and free range in the block, in
// offset order. Allocations are reported as their reserved span, padding included. This is
// expensive and intended for diagnostics.
func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(offset uint64, size uint64, free bool) error) error {
	offsets := make([]uint64, 0, m.allocations.Count())
	m.allocations.Iter(func(offset uint64, alloc freeListAllocation) bool {
		offsets = append(offsets, offset)
		return false
	})
	slices.Sort(offsets)

	freeIndex := 0
	for _, offset := range offsets {
		alloc, _ := m.allocations.Get(offset)
		start := offset - alloc.padding

		for freeIndex < len(m.freeRanges) && m.freeRanges[freeIndex].Offset < start {
			freeRange := m.freeRanges[freeIndex]
			if err := handleRegion(freeRange.Offset, freeRange.Size, true); err != nil {
				return err
			}
			freeIndex++
		}

		if err := handleRegion(start, alloc.reserved(), false); err != nil {
			return err
		}
	}

	for ; freeIndex < len(m.freeRanges); freeIndex++ {
		freeRange := m.freeRanges[freeIndex]
		if err := handleRegion(freeRange.Offset, freeRange.Size, true); err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocations.Count()
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	m.allocations.Iter(func(offset uint64, alloc freeListAllocation) bool {
		stats.AddAllocation(alloc.reserved())
		return false
	})

	for _, freeRange := range m.freeRanges {
		stats.AddUnusedRange(freeRange.Size)
	}
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(int(m.size))
	json.Name("UnusedBytes").Int(int(m.sumFreeSize))
	json.Name("Allocations").Int(m.allocations.Count())
	json.Name("UnusedRanges").Int(len(m.freeRanges))

	regions := json.Name("Suballocations").Array()
	_ = m.VisitAllRegions(func(offset uint64, size uint64, free bool) error {
		region := regions.Object()
		region.Name("Offset").Int(int(offset))
		region.Name("Size").Int(int(size))
		if free {
			region.Name("Type").String("FREE")
		} else {
			region.Name("Type").String("USED")
		}
		region.End()
		return nil
	})
	regions.End()
}
