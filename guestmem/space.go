package guestmem

import "github.com/udrwxa/LibRyujinx/hostmem"

// PrivateRange is a run of guest memory held by an AddressSpace itself rather than read through
// the backing memory at its physical address. The zero value is the empty range.
type PrivateRange struct {
	Block  hostmem.Block
	Offset uint64
	Size   uint64
}

// IsEmpty returns true if the range holds no memory
func (r PrivateRange) IsEmpty() bool {
	return r.Block == nil
}

// PageTableUpdater points the flat page table entries of [va, va+size) at the host address pointer
type PageTableUpdater func(va uint64, pointer uintptr, size uint64)

// AddressSpace is the host-side view of the guest address space that host-backed accesses and
// fault-based tracking go through
type AddressSpace interface {
	// Map makes [va, va+size) an alias of [pa, pa+size) of the backing memory
	Map(va, pa, size uint64) error
	// Unmap releases [va, va+size). Ranges that were never mapped are ignored.
	Unmap(va, size uint64) error
	// Reprotect changes the host protection of the mapped parts of [va, va+size)
	Reprotect(va, size uint64, perm hostmem.Permission) error
	// Pointer returns the host address that guest address va is accessed through
	Pointer(va, size uint64) (uintptr, error)

	// GetPrivateAllocation returns the private range that starts at va, or the empty range
	GetPrivateAllocation(va uint64) PrivateRange
	// GetFirstPrivateAllocation returns the private range that starts at va, or the empty range.
	// The second value is the first address after va where the answer can change.
	GetFirstPrivateAllocation(va, size uint64) (PrivateRange, uint64)
	// HasAnyPrivateAllocation returns true if any part of [va, va+size) is private. The range is
	// only returned when one private allocation covers all of [va, va+size).
	HasAnyPrivateAllocation(va, size uint64) (PrivateRange, bool)

	// BindPageTable gives the address space a way to redirect flat page table entries
	BindPageTable(update PageTableUpdater)
	Close() error
}
