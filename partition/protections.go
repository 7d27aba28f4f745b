package partition

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"go.uber.org/multierr"
)

// privateLookup returns the private range behind guest address va
type privateLookup func(va uint64) guestmem.PrivateRange

// pageProtection is one guest page that is reached through its own view of the host page holding
// it, so that it can be protected apart from the other guest pages of that host page.
type pageProtection struct {
	memory  *Allocation
	offset  uint64
	address uint64

	// view is the block mapped at offset, nil while unmapped
	view hostmem.Block
	// protected is set once the page's own protection has been applied to the view
	protected bool
}

func (p *pageProtection) isMapped() bool {
	return p.view != nil
}

func lessPageProtection(a, b *pageProtection) bool {
	return a.address < b.address
}

// PageProtections keeps the protection overrides of one partition. A guest page gets an override
// the first time it is reprotected. The override is a fresh allocation holding a view of the host
// page that contains the guest page, and generated code is pointed at the view. When the guest page
// is first or last in its host page, the allocation is two host pages long, and the other half maps
// the neighboring host page so that accesses running off the edge of the guest page stay contiguous.
// The neighbor is recorded as an override too, sharing the allocation.
//
// PageProtections is not safe for concurrent use; its partition's lock guards it.
type PageProtections struct {
	allocator    *Allocator
	hostPageSize uint64
	tree         *btree.BTreeG[*pageProtection]
}

// NewPageProtections creates an empty set of overrides whose views are allocated from allocator
func NewPageProtections(allocator *Allocator, hostPageSize uint64) *PageProtections {
	memutils.DebugCheckPow2(hostPageSize, "hostPageSize")

	return &PageProtections{
		allocator:    allocator,
		hostPageSize: hostPageSize,
		tree:         btree.NewG[*pageProtection](8, lessPageProtection),
	}
}

func (p *PageProtections) get(va uint64) *pageProtection {
	node, _ := p.tree.Get(&pageProtection{address: va})
	return node
}

// ceiling returns the override at or above va
func (p *PageProtections) ceiling(va uint64) *pageProtection {
	var found *pageProtection
	p.tree.AscendGreaterOrEqual(&pageProtection{address: va}, func(node *pageProtection) bool {
		found = node
		return false
	})

	return found
}

// partner returns the override sharing node's allocation, if there is one
func (p *PageProtections) partner(node *pageProtection) *pageProtection {
	firstPage := memutils.AlignDown(node.address, p.hostPageSize)
	lastPage := memutils.AlignUp(node.address+guestmem.PageSize, p.hostPageSize) - guestmem.PageSize

	var candidate *pageProtection
	if node.address == firstPage && node.address >= guestmem.PageSize {
		candidate = p.get(node.address - guestmem.PageSize)
	} else if node.address == lastPage {
		candidate = p.get(node.address + guestmem.PageSize)
	}

	if candidate == nil || candidate.memory != node.memory {
		return nil
	}

	return candidate
}

// Count returns the number of overrides, including neighbors recorded for shared allocations
func (p *PageProtections) Count() int {
	return p.tree.Len()
}

// Addresses returns the guest address of every override in ascending order
func (p *PageProtections) Addresses() []uint64 {
	addresses := make([]uint64, 0, p.tree.Len())
	p.tree.Ascend(func(node *pageProtection) bool {
		addresses = append(addresses, node.address)
		return true
	})

	return addresses
}

// Pointer returns where generated code should access guest address va, if va has been reprotected
// through an override that is still mapped
func (p *PageProtections) Pointer(va uint64) (uintptr, bool) {
	node := p.get(va &^ guestmem.PageMask)
	if node == nil || !node.protected || !node.isMapped() {
		return 0, false
	}

	pointer, err := node.memory.Pointer(node.offset+(va&(p.hostPageSize-1)), 0)
	if err != nil {
		return 0, false
	}

	return pointer, true
}

func (p *PageProtections) mapView(lookup privateLookup, memory *Allocation, dstOffset, va uint64) (hostmem.Block, error) {
	private := lookup(va)
	if private.IsEmpty() {
		return nil, nil
	}

	err := memory.MapView(private.Block, memutils.AlignDown(private.Offset, p.hostPageSize), dstOffset, p.hostPageSize)
	if err != nil {
		return nil, err
	}

	return private.Block, nil
}

// Reprotect applies perm to every guest page of [va, endVa) through its override, creating the
// overrides that do not exist yet. partitionAddress is the start of the owning partition. Pages that
// are not mapped are skipped.
func (p *PageProtections) Reprotect(lookup privateLookup, partitionAddress, va, endVa uint64, perm hostmem.Permission, updatePt guestmem.PageTableUpdater) error {
	for page := va &^ guestmem.PageMask; page < endVa; page += guestmem.PageSize {
		if err := p.reprotectPage(lookup, partitionAddress, page, perm, updatePt); err != nil {
			return err
		}
	}

	return nil
}

func (p *PageProtections) reprotectPage(lookup privateLookup, partitionAddress, va uint64, perm hostmem.Permission, updatePt guestmem.PageTableUpdater) error {
	node := p.get(va)

	if node == nil {
		firstPage := memutils.AlignDown(va, p.hostPageSize)
		lastPage := memutils.AlignUp(va+guestmem.PageSize, p.hostPageSize) - guestmem.PageSize

		var memory *Allocation
		var neighbor *pageProtection
		var blockOffset uint64
		var err error

		switch {
		case va == firstPage && va > partitionAddress && p.get(va-guestmem.PageSize) == nil:
			memory, err = p.allocator.AllocatePage(firstPage-p.hostPageSize, 2*p.hostPageSize)
			if err != nil {
				return err
			}

			neighbor = &pageProtection{memory: memory, offset: 0, address: va - guestmem.PageSize}
			blockOffset = p.hostPageSize
		case va == lastPage && p.get(va+guestmem.PageSize) == nil:
			memory, err = p.allocator.AllocatePage(firstPage, 2*p.hostPageSize)
			if err != nil {
				return err
			}

			neighbor = &pageProtection{memory: memory, offset: p.hostPageSize, address: va + guestmem.PageSize}
		default:
			memory, err = p.allocator.AllocatePage(firstPage, p.hostPageSize)
			if err != nil {
				return err
			}
		}

		if neighbor != nil {
			neighbor.view, err = p.mapView(lookup, memory, neighbor.offset, neighbor.address)
			if err != nil {
				return multierr.Append(err, memory.Close())
			}
		}

		view, err := p.mapView(lookup, memory, blockOffset, va)
		if err != nil || view == nil {
			return multierr.Append(err, memory.Close())
		}

		node = &pageProtection{memory: memory, offset: blockOffset, address: va, view: view}
		p.tree.ReplaceOrInsert(node)

		if neighbor != nil {
			if _, replaced := p.tree.ReplaceOrInsert(neighbor); replaced {
				panic("protection override neighbor was inserted over an existing override")
			}
		}
	}

	if !node.isMapped() {
		return nil
	}

	if err := node.memory.Reprotect(node.offset, p.hostPageSize, perm); err != nil {
		return errors.Wrapf(err, "failed to reprotect the override of va=0x%016X", va)
	}
	node.protected = true

	if updatePt != nil {
		pointer, err := node.memory.Pointer(node.offset+(va&(p.hostPageSize-1)), guestmem.PageSize)
		if err != nil {
			return err
		}
		updatePt(va, pointer, guestmem.PageSize)
	}

	return nil
}

// UpdateMappings maps the views of the overrides in [va, va+size) again after the range was mapped
func (p *PageProtections) UpdateMappings(lookup privateLookup, va, size uint64) error {
	for node := p.ceiling(va &^ guestmem.PageMask); node != nil && node.address-va < size; node = p.ceiling(node.address + guestmem.PageSize) {
		if node.isMapped() {
			continue
		}

		view, err := p.mapView(lookup, node.memory, node.offset, node.address)
		if err != nil {
			return err
		}
		node.view = view
	}

	return nil
}

// Remove drops the overrides in [va, va+size). An override whose allocation is shared with a mapped
// neighbor is only unmapped, so that the neighbor keeps its view.
func (p *PageProtections) Remove(va, size uint64) error {
	var err error

	start := va &^ guestmem.PageMask
	for node := p.ceiling(start); node != nil && node.address-start < size+(va-start); {
		next := node.address + guestmem.PageSize
		partner := p.partner(node)

		if partner != nil && partner.isMapped() {
			err = multierr.Append(err, p.unmap(node))
		} else {
			if partner != nil {
				p.tree.Delete(partner)
			}
			p.tree.Delete(node)
			err = multierr.Append(err, node.memory.Close())
		}

		node = p.ceiling(next)
	}

	return err
}

func (p *PageProtections) unmap(node *pageProtection) error {
	if !node.isMapped() {
		return nil
	}

	view := node.view
	node.view = nil
	return node.memory.UnmapView(view, node.offset, p.hostPageSize)
}

// Close releases every override
func (p *PageProtections) Close() error {
	var err error
	closed := make(map[*Allocation]struct{})

	p.tree.Ascend(func(node *pageProtection) bool {
		if _, ok := closed[node.memory]; !ok {
			closed[node.memory] = struct{}{}
			err = multierr.Append(err, node.memory.Close())
		}
		return true
	})
	p.tree.Clear(false)

	return err
}
