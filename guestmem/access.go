package guestmem

import (
	"bytes"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
)

func (m *Manager) handleInvalidAccess(va uint64, err error) error {
	if errors.Is(err, ErrInvalidMemoryRegion) && m.invalidAccess != nil && m.invalidAccess(va) {
		return nil
	}

	return err
}

// tryGetVirtualContiguous returns the block and offset holding all of [va, va+size), if one
// contiguous host range holds it
func (m *Manager) tryGetVirtualContiguous(va, size uint64) (hostmem.Block, uint64, bool) {
	if private, found := m.space.HasAnyPrivateAllocation(va, size); found {
		// a range that touches private memory is only contiguous if one allocation covers it
		if private.IsEmpty() {
			return nil, 0, false
		}

		return private.Block, private.Offset, true
	}

	if !m.isPhysicalContiguous(va, size) {
		return nil, 0, false
	}

	return m.backing, m.physicalAddress(va), true
}

func (m *Manager) isPhysicalContiguous(va, size uint64) bool {
	if !m.validateAddress(va) || !m.validateAddressAndSize(va, size) {
		return false
	}

	startVa, pages := pagesCount(va, size)
	for page := uint64(0); page < pages; page++ {
		if !m.bitmap.IsMapped((startVa >> PageBits) + page) {
			return false
		}
	}

	for page := uint64(0); page+1 < pages; page++ {
		current := startVa + page*PageSize
		if m.physicalAddress(current)+PageSize != m.physicalAddress(current+PageSize) {
			return false
		}
	}

	return true
}

// contiguousSize returns how many bytes from va, up to size, are physically contiguous
func (m *Manager) contiguousSize(va, size uint64) uint64 {
	contiguous := PageSize - (va & PageMask)

	if !m.validateAddress(va) || !m.validateAddressAndSize(va, size) {
		return contiguous
	}

	startVa, pages := pagesCount(va, size)
	for page := uint64(0); page+1 < pages; page++ {
		current := startVa + page*PageSize
		if !m.validateAddress(current + PageSize) {
			return contiguous
		}
		if m.physicalAddress(current)+PageSize != m.physicalAddress(current+PageSize) {
			return contiguous
		}

		contiguous += PageSize
	}

	return min(contiguous, size)
}

// memoryOffsetAndSize returns the block, offset and length of the first contiguous run of
// [va, va+size)
func (m *Manager) memoryOffsetAndSize(va, size uint64) (hostmem.Block, uint64, uint64, error) {
	private, nextVa := m.space.GetFirstPrivateAllocation(va, size)
	if !private.IsEmpty() {
		return private.Block, private.Offset, min(private.Size, size), nil
	}

	pa, ok := m.pageTable.Read(va)
	if !ok {
		return nil, 0, 0, notMapped(va, size)
	}

	return m.backing, pa, m.contiguousSize(va, min(size, nextVa-va)), nil
}

func (m *Manager) readImpl(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := m.assertValidAddressAndSize(va, uint64(len(data))); err != nil {
		return m.handleInvalidAccess(va, err)
	}

	for offset := uint64(0); offset < uint64(len(data)); {
		block, rangeOffset, copySize, err := m.memoryOffsetAndSize(va+offset, uint64(len(data))-offset)
		if err != nil {
			return m.handleInvalidAccess(va+offset, err)
		}

		src, err := block.Slice(rangeOffset, copySize)
		if err != nil {
			return err
		}

		copy(data[offset:offset+copySize], src)
		offset += copySize
	}

	return nil
}

func (m *Manager) writeImpl(va uint64, data []byte) error {
	if err := m.assertValidAddressAndSize(va, uint64(len(data))); err != nil {
		return m.handleInvalidAccess(va, err)
	}

	for offset := uint64(0); offset < uint64(len(data)); {
		block, rangeOffset, copySize, err := m.memoryOffsetAndSize(va+offset, uint64(len(data))-offset)
		if err != nil {
			return m.handleInvalidAccess(va+offset, err)
		}

		dst, err := block.Slice(rangeOffset, copySize)
		if err != nil {
			return err
		}

		copy(dst, data[offset:offset+copySize])
		offset += copySize
	}

	return nil
}

// Read copies guest memory at va into data without notifying the tracking collaborator
func (m *Manager) Read(va uint64, data []byte) error {
	return m.readImpl(va, data)
}

// Write copies data to guest memory at va, after notifying the tracking collaborator of the write
func (m *Manager) Write(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := m.SignalMemoryTracking(va, uint64(len(data)), true, false, NoExemptID); err != nil {
		return err
	}

	return m.writeImpl(va, data)
}

// WriteUntracked copies data to guest memory at va without notifying the tracking collaborator
func (m *Manager) WriteUntracked(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	return m.writeImpl(va, data)
}

// WriteWithRedundancyCheck writes data to guest memory at va and returns true if the memory
// changed. When the range is contiguous on the host, the write is skipped if the memory already
// holds data. The tracking collaborator is notified of a read, since the comparison reads first.
func (m *Manager) WriteWithRedundancyCheck(va uint64, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}

	if err := m.SignalMemoryTracking(va, uint64(len(data)), false, false, NoExemptID); err != nil {
		return false, err
	}

	block, offset, ok := m.tryGetVirtualContiguous(va, uint64(len(data)))
	if !ok {
		return true, m.writeImpl(va, data)
	}

	target, err := block.Slice(offset, uint64(len(data)))
	if err != nil {
		return false, err
	}

	if bytes.Equal(data, target) {
		return false, nil
	}

	copy(target, data)
	return true, nil
}

// GetSpan returns the size bytes of guest memory at va. If they are contiguous on the host the
// returned slice aliases guest memory; otherwise it is a copy. tracked notifies the tracking
// collaborator of a read first.
func (m *Manager) GetSpan(va uint64, size int, tracked bool) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	if tracked {
		if err := m.SignalMemoryTracking(va, uint64(size), false, false, NoExemptID); err != nil {
			return nil, err
		}
	}

	if block, offset, ok := m.tryGetVirtualContiguous(va, uint64(size)); ok {
		return block.Slice(offset, uint64(size))
	}

	data := make([]byte, size)
	if err := m.readImpl(va, data); err != nil {
		return nil, err
	}

	return data, nil
}

// GetWritableRegion returns a WritableRegion over the size bytes of guest memory at va. tracked
// notifies the tracking collaborator of a write first.
func (m *Manager) GetWritableRegion(va uint64, size int, tracked bool) (*WritableRegion, error) {
	if size == 0 {
		return &WritableRegion{va: va, Memory: []byte{}}, nil
	}

	if tracked {
		if err := m.SignalMemoryTracking(va, uint64(size), true, false, NoExemptID); err != nil {
			return nil, err
		}
	}

	if block, offset, ok := m.tryGetVirtualContiguous(va, uint64(size)); ok {
		memory, err := block.Slice(offset, uint64(size))
		if err != nil {
			return nil, err
		}

		return &WritableRegion{va: va, Memory: memory}, nil
	}

	memory := make([]byte, size)
	if err := m.readImpl(va, memory); err != nil {
		return nil, err
	}

	return &WritableRegion{manager: m, va: va, Memory: memory}, nil
}

func sizeOf[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

func valueBytes[T any](value *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(value)), unsafe.Sizeof(*value))
}

// Read reads a value of type T from guest memory at va, without notifying the tracking
// collaborator. T must be a fixed-size type without pointers.
func Read[T any](m *Manager, va uint64) (T, error) {
	var value T

	data, err := m.GetSpan(va, int(sizeOf[T]()), false)
	if err != nil {
		return value, err
	}

	copy(valueBytes(&value), data)
	return value, nil
}

// ReadTracked reads a value of type T from guest memory at va, after notifying the tracking
// collaborator. If the access is invalid and the InvalidAccessHandler accepts it, the zero value is
// returned.
func ReadTracked[T any](m *Manager, va uint64) (T, error) {
	var zero T

	value, err := func() (T, error) {
		if err := m.SignalMemoryTracking(va, sizeOf[T](), false, false, NoExemptID); err != nil {
			return zero, err
		}

		return Read[T](m, va)
	}()
	if err != nil {
		return zero, m.handleInvalidAccess(va, err)
	}

	return value, nil
}

// Write writes value to guest memory at va, after notifying the tracking collaborator
func Write[T any](m *Manager, va uint64, value T) error {
	return m.Write(va, valueBytes(&value))
}

// Ref returns a pointer to the value of type T at va, after notifying the tracking collaborator of
// a write. ErrNotContiguous is returned if the value is not held by one contiguous host range.
func Ref[T any](m *Manager, va uint64) (*T, error) {
	size := sizeOf[T]()
	if size == 0 {
		return new(T), nil
	}

	block, offset, ok := m.tryGetVirtualContiguous(va, size)
	if !ok {
		return nil, errors.Wrapf(ErrNotContiguous, "va=0x%016X, size=0x%016X", va, size)
	}

	if err := m.SignalMemoryTracking(va, size, true, false, NoExemptID); err != nil {
		return nil, err
	}

	data, err := block.Slice(offset, size)
	if err != nil {
		return nil, err
	}

	return (*T)(unsafe.Pointer(&data[0])), nil
}
