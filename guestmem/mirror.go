package guestmem

import (
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
)

// MirrorSpace is an AddressSpace made of one host reservation as large as the guest address space.
// Guest address va lives at offset va of the reservation, and every mapped range is a view of the
// backing memory. Nothing is private: reads and writes go through the backing memory directly, so
// they are never stopped by the protection that tracking puts on the reservation.
type MirrorSpace struct {
	host        hostmem.Host
	backing     hostmem.Block
	reservation hostmem.Block
}

var _ AddressSpace = &MirrorSpace{}

// NewMirrorSpace reserves size bytes of host address space for a guest address space backed by backing
func NewMirrorSpace(host hostmem.Host, backing hostmem.Block, size uint64) (*MirrorSpace, error) {
	reservation, err := host.NewBlock(memutils.AlignUp(size, host.PageSize()), hostmem.BlockReserve|hostmem.BlockViewCompatible)
	if err != nil {
		return nil, err
	}

	return &MirrorSpace{
		host:        host,
		backing:     backing,
		reservation: reservation,
	}, nil
}

// Reservation returns the host block that the guest address space is mirrored into
func (s *MirrorSpace) Reservation() hostmem.Block {
	return s.reservation
}

func (s *MirrorSpace) Map(va, pa, size uint64) error {
	return s.reservation.MapView(s.backing, pa, va, size)
}

func (s *MirrorSpace) Unmap(va, size uint64) error {
	return s.reservation.UnmapView(s.backing, va, size)
}

func (s *MirrorSpace) Reprotect(va, size uint64, perm hostmem.Permission) error {
	pageSize := s.host.PageSize()
	start := memutils.AlignDown(va, pageSize)
	end := memutils.AlignUp(va+size, pageSize)

	return s.reservation.Reprotect(start, end-start, perm)
}

func (s *MirrorSpace) Pointer(va, size uint64) (uintptr, error) {
	return s.reservation.Pointer(va, size)
}

func (s *MirrorSpace) GetPrivateAllocation(va uint64) PrivateRange {
	return PrivateRange{}
}

func (s *MirrorSpace) GetFirstPrivateAllocation(va, size uint64) (PrivateRange, uint64) {
	return PrivateRange{}, va + size
}

func (s *MirrorSpace) HasAnyPrivateAllocation(va, size uint64) (PrivateRange, bool) {
	return PrivateRange{}, false
}

func (s *MirrorSpace) BindPageTable(update PageTableUpdater) {}

func (s *MirrorSpace) Close() error {
	return s.reservation.Close()
}
