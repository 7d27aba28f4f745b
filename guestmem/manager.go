package guestmem

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// MapFlags select how a guest range is mapped
type MapFlags int32

var mapFlagsMapping = common.NewFlagStringMapping[MapFlags]()

func (f MapFlags) Register(str string) {
	mapFlagsMapping.Register(f, str)
}
func (f MapFlags) String() string {
	return mapFlagsMapping.FlagsToString(f)
}

const (
	// MapPrivate maps the range into the AddressSpace, so that generated code reaches it through
	// host memory that can be protected for tracking
	MapPrivate MapFlags = 1 << iota
)

func init() {
	MapPrivate.Register("MapPrivate")
}

// UnmapHandler is called with every range removed by Manager.Unmap, before the tracking
// collaborator is told about it
type UnmapHandler func(va, size uint64)

// Manager is the guest virtual memory manager. It translates guest addresses through a software
// page table to the backing memory, keeps a flat page table in host memory for generated code, and
// records a PageState per page in a PageBitmap so that accesses to tracked pages notify the
// tracking collaborator.
//
// A Manager is meant to be created once per guest process with New or NewMapped, or declared as a
// value and prepared with Init. Its methods are safe for concurrent use; Map and Unmap of
// overlapping ranges must be serialized by the caller. A Manager must not be used after Close.
type Manager struct {
	initLock    sync.Mutex
	initialized bool

	logger      *slog.Logger
	backing     hostmem.Block
	space       AddressSpace
	tracking    Tracking
	createFlags CreateFlags

	addressSpaceBits int
	addressSpaceSize uint64

	bitmap    *PageBitmap
	pageTable *softwarePageTable
	flat      *flatPageTable

	invalidAccess InvalidAccessHandler

	unmapLock     sync.RWMutex
	unmapHandlers []UnmapHandler
}

// AddressSpaceBits returns the number of bits in a guest address
func (m *Manager) AddressSpaceBits() int {
	return m.addressSpaceBits
}

// AddressSpaceSize returns the size of the guest address space in bytes
func (m *Manager) AddressSpaceSize() uint64 {
	return m.addressSpaceSize
}

// PageTablePointer returns the host address of the flat page table. The entry for guest address va
// is the 64-bit word at index va >> PageBits, and adding it to va gives the host address to access.
func (m *Manager) PageTablePointer() uintptr {
	return m.flat.Pointer()
}

// PageTableEntry returns the flat page table entry for the page containing va
func (m *Manager) PageTableEntry(va uint64) uint64 {
	if !m.validateAddress(va) {
		return 0
	}

	return m.flat.Entry(va)
}

// Tracking returns the tracking collaborator the manager notifies
func (m *Manager) Tracking() Tracking {
	return m.tracking
}

// OnUnmap registers handler to be called for every range removed by Unmap
func (m *Manager) OnUnmap(handler UnmapHandler) {
	m.unmapLock.Lock()
	defer m.unmapLock.Unlock()

	m.unmapHandlers = append(m.unmapHandlers, handler)
}

func (m *Manager) validateAddress(va uint64) bool {
	return va < m.addressSpaceSize
}

func (m *Manager) validateAddressAndSize(va, size uint64) bool {
	end := va + size
	return end >= va && end >= size && end <= m.addressSpaceSize
}

func (m *Manager) assertValidAddressAndSize(va, size uint64) error {
	if !m.validateAddressAndSize(va, size) {
		return invalidRegion(va, size)
	}

	return nil
}

// pagesCount returns the first page-aligned address of [va, va+size) and the number of pages the
// range touches
func pagesCount(va, size uint64) (uint64, uint64) {
	startVa := va &^ PageMask
	return startVa, (va - startVa + size + PageMask) >> PageBits
}

// Map maps [va, va+size) of the guest address space to [pa, pa+size) of the backing memory. All
// three values must be multiples of PageSize. Pages that were unmapped become PageMapped; pages that
// were already mapped keep their tracking state.
func (m *Manager) Map(va, pa, size uint64, flags MapFlags) error {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return err
	}
	if !memutils.IsAligned(va|pa|size, PageSize) {
		return errors.Wrapf(ErrInvalidMemoryRegion, "va=0x%016X, pa=0x%016X and size=0x%016X must be page aligned", va, pa, size)
	}
	if size == 0 {
		return nil
	}

	m.logger.Debug("Manager::Map",
		slog.Uint64("va", va),
		slog.Uint64("pa", pa),
		slog.Uint64("size", size),
		slog.String("flags", flags.String()),
	)

	private := flags&MapPrivate != 0 || m.createFlags&ManagerCreateHostMapped != 0
	var previous []pageEntry
	if private {
		previous = m.pageTable.Entries(va, size)
		if err := m.space.Map(va, pa, size); err != nil {
			return errors.Wrapf(err, "failed to map va=0x%016X size=0x%016X into the address space", va, size)
		}
	}

	pointers, err := m.hostPointers(va, pa, size, private)
	if err != nil {
		if private {
			m.restoreSpace(va, size, previous)
		}
		return err
	}

	m.pageTable.Map(va, pa, size, private)
	if private {
		for index, pointer := range pointers {
			m.flat.Map(va+uint64(index)<<PageBits, pointer, PageSize)
		}
	} else {
		m.flat.Map(va, pointers[0], size)
	}

	m.bitmap.Map(va>>PageBits, size>>PageBits)
	m.tracking.Map(va, size)

	return nil
}

// hostPointers resolves where generated code reaches [va, va+size) without touching the page
// tables. A shared mapping resolves to one pointer for the whole range, a private one to one
// pointer per page.
func (m *Manager) hostPointers(va, pa, size uint64, private bool) ([]uintptr, error) {
	if !private {
		pointer, err := m.backing.Pointer(pa, size)
		if err != nil {
			return nil, errors.Wrapf(err, "pa=0x%016X size=0x%016X is outside of the backing memory", pa, size)
		}

		return []uintptr{pointer}, nil
	}

	// the address space decides page by page where generated code reaches the range
	pointers := make([]uintptr, 0, size>>PageBits)
	for offset := uint64(0); offset < size; offset += PageSize {
		pointer, err := m.space.Pointer(va+offset, PageSize)
		if err != nil {
			return nil, err
		}

		pointers = append(pointers, pointer)
	}

	return pointers, nil
}

// restoreSpace puts the private mappings in previous back into the address space after a failed
// Map replaced them
func (m *Manager) restoreSpace(va, size uint64, previous []pageEntry) {
	err := m.space.Unmap(va, size)

	for start := 0; start < len(previous); {
		if !previous[start].private {
			start++
			continue
		}

		end := start + 1
		for end < len(previous) && previous[end].private && previous[end].pa == previous[start].pa+uint64(end-start)<<PageBits {
			end++
		}

		err = multierr.Append(err, m.space.Map(va+uint64(start)<<PageBits, previous[start].pa, uint64(end-start)<<PageBits))
		start = end
	}

	if err != nil {
		m.logger.Error("failed to restore address space range after a failed map", slog.Any("error", err))
	}
}

// MapForeign is not supported by this manager
func (m *Manager) MapForeign(va uint64, hostPointer uintptr, size uint64) error {
	return ErrNotSupported
}

// Unmap removes [va, va+size) from the guest address space
func (m *Manager) Unmap(va, size uint64) error {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return err
	}
	if !memutils.IsAligned(va|size, PageSize) {
		return errors.Wrapf(ErrInvalidMemoryRegion, "va=0x%016X and size=0x%016X must be page aligned", va, size)
	}
	if size == 0 {
		return nil
	}

	m.logger.Debug("Manager::Unmap",
		slog.Uint64("va", va),
		slog.Uint64("size", size),
	)

	spaceErr := m.space.Unmap(va, size)

	m.unmapLock.RLock()
	for _, handler := range m.unmapHandlers {
		handler(va, size)
	}
	m.unmapLock.RUnlock()

	m.tracking.Unmap(va, size)
	m.bitmap.Unmap(va>>PageBits, size>>PageBits)
	m.pageTable.Unmap(va, size)
	m.flat.Unmap(va, size)

	return spaceErr
}

// Reprotect is a no-op: guest-requested protection is not enforced by this manager. Protection for
// tracking goes through TrackingReprotect.
func (m *Manager) Reprotect(va, size uint64, perm hostmem.Permission) error {
	return nil
}

// IsMapped returns true if va is inside the address space and its page is mapped
func (m *Manager) IsMapped(va uint64) bool {
	return m.validateAddress(va) && m.bitmap.IsMapped(va>>PageBits)
}

// IsRangeMapped returns true if every page of [va, va+size) is mapped
func (m *Manager) IsRangeMapped(va, size uint64) (bool, error) {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return false, err
	}

	_, pages := pagesCount(va, size)
	return m.bitmap.IsRangeMapped(va>>PageBits, pages), nil
}

// PageState returns the state of the page containing va
func (m *Manager) PageState(va uint64) PageState {
	if !m.validateAddress(va) {
		return PageUnmapped
	}

	return m.bitmap.State(va >> PageBits)
}

// GetPhysicalAddress returns the backing memory address that va is mapped to
func (m *Manager) GetPhysicalAddress(va uint64) (uint64, error) {
	if !m.validateAddress(va) {
		return 0, invalidRegion(va, 0)
	}

	pa, ok := m.pageTable.Read(va)
	if !ok {
		return 0, notMapped(va, 0)
	}

	return pa, nil
}

// physicalAddress returns the backing address of va, or zero if va is not mapped
func (m *Manager) physicalAddress(va uint64) uint64 {
	pa, _ := m.pageTable.Read(va)
	return pa
}

// BeginTracking starts tracking [address, address+size) with the tracking collaborator
func (m *Manager) BeginTracking(address, size uint64, id int) RegionHandle {
	return m.tracking.BeginTracking(address, size, id)
}

// BeginGranularTracking starts tracking [address, address+size) as handles of granularity bytes.
// Existing handles may be passed in to be reused.
func (m *Manager) BeginGranularTracking(address, size uint64, handles []RegionHandle, granularity uint64, id int) MultiRegionHandle {
	return m.tracking.BeginGranularTracking(address, size, handles, granularity, id)
}

// BeginSmartGranularTracking starts tracking [address, address+size) with handles that are
// combined or split as granularity-sized parts are accessed
func (m *Manager) BeginSmartGranularTracking(address, size, granularity uint64, id int) MultiRegionHandle {
	return m.tracking.BeginSmartGranularTracking(address, size, granularity, id)
}

// Close releases the address space and the flat page table. Mapped pages that remain are reported
// in the log.
func (m *Manager) Close() error {
	m.initLock.Lock()
	defer m.initLock.Unlock()

	if m.flat == nil {
		return errors.New("the memory manager has not been initialized or has already been closed")
	}

	if mapped := m.pageTable.Count(); mapped > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] guest pages still mapped",
			slog.Int("pages", mapped),
		)
	}

	err := multierr.Append(m.space.Close(), m.flat.Close())
	m.flat = nil
	m.pageTable = nil
	m.bitmap = nil

	return err
}
