package partition

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"go.uber.org/multierr"
)

type privateMapping struct {
	va   uint64
	size uint64
	pa   uint64
}

func (m privateMapping) end() uint64 {
	return m.va + m.size
}

func lessPrivateMapping(a, b privateMapping) bool {
	return a.va < b.va
}

// Partition is one fixed-size slice of a Partitioned address space. It owns an allocation as large
// as the slice plus two host pages of bridge. Guest address va of the partition is reached at offset
// va-Address() of the allocation, where each mapped range is a view of the backing memory.
//
// The bridge holds a second view of the partition's last host page, followed by a view of the next
// partition's first host page. Pointers into the last host page are given out from the bridge, so an
// access that runs past the end of the partition lands on the next partition's memory.
type Partition struct {
	allocator    *Allocator
	backing      hostmem.Block
	address      uint64
	size         uint64
	hostPageSize uint64

	memory *Allocation

	lock        sync.RWMutex
	mappings    *btree.BTreeG[privateMapping]
	protections *PageProtections

	bridgeLast   bool
	bridgeNext   bool
	lastPagePerm hostmem.Permission
	// firstPagePerm is the protection of the first host page, which the previous partition's bridge mirrors
	firstPagePerm hostmem.Permission
	nextPagePerm  hostmem.Permission
}

func newPartition(allocator *Allocator, backing hostmem.Block, address, size uint64) (*Partition, error) {
	hostPageSize := allocator.host.PageSize()

	memory, err := allocator.Allocate(address, size, 2*hostPageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate the partition at 0x%016X", address)
	}

	return &Partition{
		allocator:     allocator,
		backing:       backing,
		address:       address,
		size:          size,
		hostPageSize:  hostPageSize,
		memory:        memory,
		mappings:      btree.NewG[privateMapping](8, lessPrivateMapping),
		protections:   NewPageProtections(allocator, hostPageSize),
		lastPagePerm:  hostmem.PermissionReadAndWrite,
		firstPagePerm: hostmem.PermissionReadAndWrite,
		nextPagePerm:  hostmem.PermissionReadAndWrite,
	}, nil
}

// Address returns the first guest address of the partition
func (p *Partition) Address() uint64 {
	return p.address
}

// EndAddress returns the first guest address past the partition
func (p *Partition) EndAddress() uint64 {
	return p.address + p.size
}

func (p *Partition) lastHostPage() uint64 {
	return p.EndAddress() - p.hostPageSize
}

func (p *Partition) isEmpty() bool {
	return p.mappings.Len() == 0
}

// overlapping returns the mappings that intersect [va, va+size) in ascending order
func (p *Partition) overlapping(va, size uint64) []privateMapping {
	var result []privateMapping
	end := va + size

	p.mappings.DescendLessOrEqual(privateMapping{va: va}, func(m privateMapping) bool {
		if memutils.RangesOverlap(m.va, m.size, va, size) {
			result = append(result, m)
		}
		return false
	})

	p.mappings.AscendRange(privateMapping{va: va + 1}, privateMapping{va: end}, func(m privateMapping) bool {
		result = append(result, m)
		return true
	})

	return result
}

func (p *Partition) privateRangeLocked(va uint64) guestmem.PrivateRange {
	var result guestmem.PrivateRange

	p.mappings.DescendLessOrEqual(privateMapping{va: va}, func(m privateMapping) bool {
		if va < m.end() {
			result = guestmem.PrivateRange{
				Block:  p.backing,
				Offset: m.pa + (va - m.va),
				Size:   m.end() - va,
			}
		}
		return false
	})

	return result
}

// nextMappingLocked returns the start of the first mapping at or above va
func (p *Partition) nextMappingLocked(va uint64) (uint64, bool) {
	var next uint64
	var found bool

	p.mappings.AscendGreaterOrEqual(privateMapping{va: va}, func(m privateMapping) bool {
		next, found = m.va, true
		return false
	})

	return next, found
}

func (p *Partition) lookup(outside privateLookup) privateLookup {
	return func(va uint64) guestmem.PrivateRange {
		if va >= p.address && va < p.EndAddress() {
			return p.privateRangeLocked(va)
		}

		return outside(va)
	}
}

func (p *Partition) mapLocked(va, pa, size uint64, outside privateLookup) error {
	if len(p.overlapping(va, size)) > 0 {
		if err := p.unmapLocked(va, size); err != nil {
			return err
		}
	}

	if err := p.memory.MapView(p.backing, pa, va-p.address, size); err != nil {
		return errors.Wrapf(err, "failed to map va=0x%016X pa=0x%016X size=0x%016X", va, pa, size)
	}

	p.mappings.ReplaceOrInsert(privateMapping{va: va, size: size, pa: pa})

	return p.protections.UpdateMappings(p.lookup(outside), va, size)
}

func (p *Partition) unmapLocked(va, size uint64) error {
	err := p.protections.Remove(va, size)
	end := va + size

	for _, m := range p.overlapping(va, size) {
		start := max(va, m.va)
		stop := min(end, m.end())

		err = multierr.Append(err, p.memory.UnmapView(p.backing, start-p.address, stop-start))
		p.mappings.Delete(m)

		if m.va < start {
			p.mappings.ReplaceOrInsert(privateMapping{va: m.va, size: start - m.va, pa: m.pa})
		}
		if stop < m.end() {
			p.mappings.ReplaceOrInsert(privateMapping{va: stop, size: m.end() - stop, pa: m.pa + (stop - m.va)})
		}
	}

	return err
}

func (p *Partition) pointerLocked(va, size uint64) (uintptr, error) {
	if pointer, ok := p.protections.Pointer(va); ok {
		return pointer, nil
	}

	if p.bridgeLast && va >= p.lastHostPage() {
		return p.memory.Pointer(va-p.lastHostPage()+p.size, size)
	}

	return p.memory.Pointer(va-p.address, size)
}

// reprotectLocked applies perm to the mapped parts of [va, va+size). With mirrors, each guest page is
// protected through its own override; otherwise the protection is widened to whole host pages.
func (p *Partition) reprotectLocked(va, size uint64, perm hostmem.Permission, mirrors bool, outside privateLookup, updatePt guestmem.PageTableUpdater) error {
	end := va + size

	for _, m := range p.overlapping(va, size) {
		start := max(va, m.va)
		stop := min(end, m.end())

		if mirrors {
			if err := p.protections.Reprotect(p.lookup(outside), p.address, start, stop, perm, updatePt); err != nil {
				return err
			}
			continue
		}

		start = memutils.AlignDown(start, p.hostPageSize)
		stop = memutils.AlignUp(stop, p.hostPageSize)
		if err := p.memory.Reprotect(start-p.address, stop-start, perm); err != nil {
			return err
		}

		if start == p.address {
			p.firstPagePerm = perm
		}
		if stop == p.EndAddress() {
			p.lastPagePerm = perm
			if p.bridgeLast {
				if err := p.memory.Reprotect(p.size, p.hostPageSize, perm); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (p *Partition) setNextPagePermLocked(perm hostmem.Permission) error {
	p.nextPagePerm = perm
	if !p.bridgeNext {
		return nil
	}

	return p.memory.Reprotect(p.size+p.hostPageSize, p.hostPageSize, perm)
}

// refreshBridgeLocked maps or unmaps both halves of the bridge to match the partition's last host
// page and next, the next partition's first host page
func (p *Partition) refreshBridgeLocked(next guestmem.PrivateRange, nextPerm hostmem.Permission) error {
	last := p.privateRangeLocked(p.lastHostPage())

	if err := p.refreshBridgeHalf(&p.bridgeLast, last, p.size, p.lastPagePerm); err != nil {
		return err
	}

	p.nextPagePerm = nextPerm
	return p.refreshBridgeHalf(&p.bridgeNext, next, p.size+p.hostPageSize, nextPerm)
}

func (p *Partition) refreshBridgeHalf(mapped *bool, source guestmem.PrivateRange, offset uint64, perm hostmem.Permission) error {
	if source.IsEmpty() || source.Size < p.hostPageSize {
		if !*mapped {
			return nil
		}

		*mapped = false
		return p.memory.UnmapView(p.backing, offset, p.hostPageSize)
	}

	if err := p.memory.MapView(source.Block, source.Offset, offset, p.hostPageSize); err != nil {
		return err
	}
	*mapped = true

	if perm == hostmem.PermissionReadAndWrite {
		return nil
	}

	return p.memory.Reprotect(offset, p.hostPageSize, perm)
}

func (p *Partition) close() error {
	err := p.protections.Close()
	return multierr.Append(err, p.memory.Close())
}
