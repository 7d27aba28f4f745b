package guestmem

import (
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/udrwxa/LibRyujinx/hostmem"
)

// pageEntry is where a guest page lives in the backing memory, and whether it was mapped into the
// AddressSpace as well
type pageEntry struct {
	pa      uint64
	private bool
}

// softwarePageTable maps guest pages to the physical address of the backing memory they alias
type softwarePageTable struct {
	lock  sync.RWMutex
	pages *swiss.Map[uint64, pageEntry]
}

func newSoftwarePageTable() *softwarePageTable {
	return &softwarePageTable{pages: swiss.NewMap[uint64, pageEntry](1024)}
}

func (t *softwarePageTable) Map(va, pa, size uint64, private bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for offset := uint64(0); offset < size; offset += PageSize {
		t.pages.Put((va+offset)>>PageBits, pageEntry{pa: pa + offset, private: private})
	}
}

func (t *softwarePageTable) Unmap(va, size uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for offset := uint64(0); offset < size; offset += PageSize {
		t.pages.Delete((va + offset) >> PageBits)
	}
}

// Entries returns the entry of every page in [va, va+size). Unmapped pages get the zero entry.
func (t *softwarePageTable) Entries(va, size uint64) []pageEntry {
	t.lock.RLock()
	defer t.lock.RUnlock()

	entries := make([]pageEntry, 0, size>>PageBits)
	for offset := uint64(0); offset < size; offset += PageSize {
		entry, _ := t.pages.Get((va + offset) >> PageBits)
		entries = append(entries, entry)
	}

	return entries
}

// Read returns the physical address of va, which includes va's offset inside its page
func (t *softwarePageTable) Read(va uint64) (uint64, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	entry, ok := t.pages.Get(va >> PageBits)
	if !ok {
		return 0, false
	}

	return entry.pa + (va & PageMask), true
}

func (t *softwarePageTable) Count() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.pages.Count()
}

// flatPageTable holds one 64-bit word per guest page, in host memory so that generated code can
// index it directly. A mapped page's word is the value to add to a guest address in that page to
// get the host address it is accessed through. Unmapped pages hold zero.
type flatPageTable struct {
	block   hostmem.Block
	entries []uint64
}

func newFlatPageTable(host hostmem.Host, addressSpaceSize uint64) (*flatPageTable, error) {
	size := (addressSpaceSize >> PageBits) * 8

	block, err := host.NewBlock(size, 0)
	if err != nil {
		return nil, err
	}

	data, err := block.Slice(0, size)
	if err != nil {
		_ = block.Close()
		return nil, err
	}

	return &flatPageTable{
		block:   block,
		entries: hostmem.Uint64s(data),
	}, nil
}

func (t *flatPageTable) Pointer() uintptr {
	pointer, _ := t.block.Pointer(0, 0)
	return pointer
}

// Map points every page of [va, va+size) at host memory starting at pointer
func (t *flatPageTable) Map(va uint64, pointer uintptr, size uint64) {
	delta := uint64(pointer) - va

	for offset := uint64(0); offset < size; offset += PageSize {
		atomic.StoreUint64(&t.entries[(va+offset)>>PageBits], delta)
	}
}

func (t *flatPageTable) Unmap(va, size uint64) {
	for offset := uint64(0); offset < size; offset += PageSize {
		atomic.StoreUint64(&t.entries[(va+offset)>>PageBits], 0)
	}
}

func (t *flatPageTable) Entry(va uint64) uint64 {
	return atomic.LoadUint64(&t.entries[va>>PageBits])
}

func (t *flatPageTable) Close() error {
	t.entries = nil
	return t.block.Close()
}
