package hostmem

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/memutils"
)

// simulatedAddressBase is where the first simulated block is placed in the fake host address space
const simulatedAddressBase uint64 = 0x1000_0000_0000

// SimulatedHost is a Host that keeps every page in Go memory, with a page size chosen by the
// caller. Views alias their source exactly like the real implementation, protections are recorded
// per page and enforced only on the bookkeeping level, and addresses returned by Pointer are unique
// but cannot be dereferenced. It lets page-size-dependent code run on any host.
type SimulatedHost struct {
	pageSize uint64

	mutex       sync.Mutex
	nextAddress uint64
	blocks      []*SimulatedBlock
}

var _ Host = &SimulatedHost{}

// NewSimulatedHost creates a SimulatedHost with the provided page size, which must be a power of two
func NewSimulatedHost(pageSize uint64) (*SimulatedHost, error) {
	if pageSize == 0 {
		return nil, errors.New("simulated page size must not be zero")
	}
	if err := memutils.CheckPow2(pageSize, "pageSize"); err != nil {
		return nil, err
	}

	return &SimulatedHost{
		pageSize:    pageSize,
		nextAddress: simulatedAddressBase,
	}, nil
}

func (h *SimulatedHost) PageSize() uint64 {
	return h.pageSize
}

func (h *SimulatedHost) FlushInstructionCache(ptr uintptr, size uint64) {}

func (h *SimulatedHost) NewBlock(size uint64, flags BlockFlags) (Block, error) {
	if size == 0 {
		return nil, errors.New("attempted to create an empty host memory block")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	pageCount := memutils.AlignUp(size, h.pageSize) / h.pageSize
	block := &SimulatedBlock{
		host:    h,
		address: h.nextAddress,
		size:    size,
		flags:   flags,
		pages:   make([]simulatedPage, pageCount),
		perms:   make([]Permission, pageCount),
	}
	// leave a guard page between blocks so that addresses never run from one block into the next
	h.nextAddress += (pageCount + 1) * h.pageSize

	if !flags.reserveOnly() {
		block.backPages(0, pageCount)
	}

	h.blocks = append(h.blocks, block)
	return block, nil
}

// Blocks returns the blocks that have been created and not yet closed
func (h *SimulatedHost) Blocks() []*SimulatedBlock {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return append([]*SimulatedBlock(nil), h.blocks...)
}

// BlockAt returns the live block whose address range contains address
func (h *SimulatedHost) BlockAt(address uintptr) (*SimulatedBlock, uint64, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, block := range h.blocks {
		if uint64(address) >= block.address && uint64(address) < block.address+block.size {
			return block, uint64(address) - block.address, true
		}
	}

	return nil, 0, false
}

func (h *SimulatedHost) release(block *SimulatedBlock) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i, candidate := range h.blocks {
		if candidate == block {
			h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
			return
		}
	}
}

type simulatedStorage struct {
	data []byte
}

type simulatedPage struct {
	storage *simulatedStorage
	index   uint64
}

// SimulatedOperation is one page-level call made against a SimulatedBlock
type SimulatedOperation struct {
	Kind       string
	Offset     uint64
	Size       uint64
	Permission Permission
}

// SimulatedBlock is the Block created by SimulatedHost
type SimulatedBlock struct {
	host    *SimulatedHost
	address uint64
	size    uint64
	flags   BlockFlags

	mutex sync.Mutex
	// own is the block's memory, created for the whole block when the first page is committed so
	// that pages committed separately stay contiguous
	own        *simulatedStorage
	pages      []simulatedPage
	perms      []Permission
	operations []SimulatedOperation
	closed     bool
}

var _ Block = &SimulatedBlock{}

func (b *SimulatedBlock) backPages(firstPage, count uint64) {
	pageSize := b.host.pageSize
	if b.own == nil {
		b.own = &simulatedStorage{data: make([]byte, b.mappedSize())}
	}

	for page := firstPage; page < firstPage+count; page++ {
		// a page that comes back after an unmap starts out zeroed, like fresh host memory
		clear(b.own.data[page*pageSize : (page+1)*pageSize])
		b.pages[page] = simulatedPage{storage: b.own, index: page}
		b.perms[page] = PermissionReadAndWrite
	}
}

func (b *SimulatedBlock) Size() uint64 {
	return b.size
}

func (b *SimulatedBlock) Flags() BlockFlags {
	return b.flags
}

func (b *SimulatedBlock) mappedSize() uint64 {
	return uint64(len(b.pages)) * b.host.pageSize
}

func (b *SimulatedBlock) Pointer(offset, size uint64) (uintptr, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return 0, ErrBlockClosed
	}
	if err := checkRange(b.size, offset, size); err != nil {
		return 0, err
	}

	return uintptr(b.address + offset), nil
}

func (b *SimulatedBlock) Slice(offset, size uint64) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, ErrBlockClosed
	}
	if err := checkRange(b.size, offset, size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}

	pageSize := b.host.pageSize
	firstPage := offset / pageSize
	lastPage := (offset + size - 1) / pageSize
	first := b.pages[firstPage]
	if first.storage == nil {
		return nil, errors.Wrapf(ErrNotContiguous, "page at offset 0x%x is not backed", firstPage*pageSize)
	}

	for page := firstPage + 1; page <= lastPage; page++ {
		current := b.pages[page]
		if current.storage != first.storage || current.index != first.index+(page-firstPage) {
			return nil, errors.Wrapf(ErrNotContiguous, "offset 0x%x size 0x%x", offset, size)
		}
	}

	start := first.index*pageSize + offset%pageSize
	return first.storage.data[start : start+size], nil
}

func (b *SimulatedBlock) Commit(offset, size uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrBlockClosed
	}
	if err := checkPageRange(b.mappedSize(), b.host.pageSize, offset, size); err != nil {
		return err
	}
	b.operations = append(b.operations, SimulatedOperation{Kind: "Commit", Offset: offset, Size: size, Permission: PermissionReadAndWrite})

	firstPage := offset / b.host.pageSize
	for page := firstPage; page < firstPage+size/b.host.pageSize; page++ {
		if b.pages[page].storage != nil {
			b.perms[page] = PermissionReadAndWrite
			continue
		}

		b.backPages(page, 1)
	}

	return nil
}

func (b *SimulatedBlock) Reprotect(offset, size uint64, perm Permission) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrBlockClosed
	}
	if err := checkPageRange(b.mappedSize(), b.host.pageSize, offset, size); err != nil {
		return err
	}
	b.operations = append(b.operations, SimulatedOperation{Kind: "Reprotect", Offset: offset, Size: size, Permission: perm})

	firstPage := offset / b.host.pageSize
	for page := firstPage; page < firstPage+size/b.host.pageSize; page++ {
		b.perms[page] = perm
	}

	return nil
}

func (b *SimulatedBlock) MapView(src Block, srcOffset, dstOffset, size uint64) error {
	source, ok := src.(*SimulatedBlock)
	if !ok || source.flags&BlockMirrorable == 0 {
		return ErrNotMirrorable
	}
	if source.host != b.host {
		return errors.New("simulated blocks belong to different hosts")
	}

	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return ErrBlockClosed
	}
	if err := checkPageRange(source.mappedSize(), b.host.pageSize, srcOffset, size); err != nil {
		source.mutex.Unlock()
		return err
	}
	pages := append([]simulatedPage(nil), source.pages[srcOffset/b.host.pageSize:(srcOffset+size)/b.host.pageSize]...)
	source.mutex.Unlock()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrBlockClosed
	}
	if err := checkPageRange(b.mappedSize(), b.host.pageSize, dstOffset, size); err != nil {
		return err
	}
	b.operations = append(b.operations, SimulatedOperation{Kind: "MapView", Offset: dstOffset, Size: size, Permission: PermissionReadAndWrite})

	firstPage := dstOffset / b.host.pageSize
	for i, page := range pages {
		b.pages[firstPage+uint64(i)] = page
		b.perms[firstPage+uint64(i)] = PermissionReadAndWrite
	}

	return nil
}

func (b *SimulatedBlock) UnmapView(src Block, offset, size uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrBlockClosed
	}
	if err := checkPageRange(b.mappedSize(), b.host.pageSize, offset, size); err != nil {
		return err
	}
	b.operations = append(b.operations, SimulatedOperation{Kind: "UnmapView", Offset: offset, Size: size, Permission: PermissionNone})

	firstPage := offset / b.host.pageSize
	for page := firstPage; page < firstPage+size/b.host.pageSize; page++ {
		b.pages[page] = simulatedPage{}
		b.perms[page] = PermissionNone
	}

	return nil
}

func (b *SimulatedBlock) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrBlockClosed
	}
	b.closed = true
	b.own = nil
	b.pages = nil
	b.perms = nil
	b.mutex.Unlock()

	b.host.release(b)
	return nil
}

// Address returns the fake host address of the start of the block
func (b *SimulatedBlock) Address() uintptr {
	return uintptr(b.address)
}

// Protection returns the permission currently recorded for the page containing offset
func (b *SimulatedBlock) Protection(offset uint64) Permission {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.perms[offset/b.host.pageSize]
}

// IsBacked returns true if the page containing offset has been committed or has a view mapped
func (b *SimulatedBlock) IsBacked(offset uint64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.pages[offset/b.host.pageSize].storage != nil
}

// Operations returns every Commit, Reprotect, MapView and UnmapView made against the block, in order
func (b *SimulatedBlock) Operations() []SimulatedOperation {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return append([]SimulatedOperation(nil), b.operations...)
}
