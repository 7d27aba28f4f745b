package guestmem

// HostRegion is a run of host memory, addressed by host pointer
type HostRegion struct {
	Address uintptr
	Size    uint64
}

// PhysicalRegion is a run of backing memory, addressed by physical address
type PhysicalRegion struct {
	Address uint64
	Size    uint64
}

// GetHostRegions returns the host memory ranges that hold [va, va+size), in guest address order
func (m *Manager) GetHostRegions(va, size uint64) ([]HostRegion, error) {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return nil, err
	}

	regions := []HostRegion{}
	endVa := va + size

	for va < endVa {
		block, offset, rangeSize, err := m.memoryOffsetAndSize(va, endVa-va)
		if err != nil {
			return nil, err
		}

		pointer, err := block.Pointer(offset, rangeSize)
		if err != nil {
			return nil, err
		}

		regions = append(regions, HostRegion{Address: pointer, Size: rangeSize})
		va += rangeSize
	}

	return regions, nil
}

// GetPhysicalRegions returns the backing memory ranges that hold every page touched by
// [va, va+size), merging pages that are physically contiguous
func (m *Manager) GetPhysicalRegions(va, size uint64) ([]PhysicalRegion, error) {
	if size == 0 {
		return []PhysicalRegion{}, nil
	}
	if !m.validateAddress(va) {
		return nil, invalidRegion(va, size)
	}
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return nil, err
	}

	startVa, pages := pagesCount(va, size)
	if !m.bitmap.IsRangeMapped(startVa>>PageBits, pages) {
		return nil, notMapped(va, size)
	}

	var regions []PhysicalRegion
	current := PhysicalRegion{Address: m.physicalAddress(startVa), Size: PageSize}

	for page := uint64(1); page < pages; page++ {
		pa := m.physicalAddress(startVa + page*PageSize)

		if current.Address+current.Size != pa {
			regions = append(regions, current)
			current = PhysicalRegion{Address: pa}
		}

		current.Size += PageSize
	}

	return append(regions, current), nil
}
