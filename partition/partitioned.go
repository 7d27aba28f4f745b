package partition

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/internal/utils"
	"github.com/udrwxa/LibRyujinx/memutils"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// Partitioned is a guestmem.AddressSpace for hosts that cannot reserve the whole guest address space
// at once. The guest address space is cut into fixed-size Partitions, created when something is first
// mapped into them and released when the last mapping is removed.
//
// Map, Unmap and Reprotect are serialized among themselves, unless the space was created with
// PartitionedCreateExternallySynchronized. Lookups only hold the lock of the one partition they read
// from, so they do not wait on each other.
type Partitioned struct {
	logger        *slog.Logger
	backing       hostmem.Block
	allocator     *Allocator
	hostPageSize  uint64
	partitionSize uint64
	mirrors       bool

	mutation utils.OptionalMutex
	updatePt guestmem.PageTableUpdater

	indexLock  utils.OptionalRWMutex
	partitions *swiss.Map[uint64, *Partition]
}

var _ guestmem.AddressSpace = &Partitioned{}

// Allocator returns the allocator that partitions and protection overrides are placed with
func (s *Partitioned) Allocator() *Allocator {
	return s.allocator
}

// PartitionCount returns the number of live partitions
func (s *Partitioned) PartitionCount() int {
	s.indexLock.RLock()
	defer s.indexLock.RUnlock()

	return s.partitions.Count()
}

// ProtectionOverrides returns the guest address of every page protection override in the partition
// containing va
func (s *Partitioned) ProtectionOverrides(va uint64) []uint64 {
	p := s.partition(va / s.partitionSize)
	if p == nil {
		return nil
	}

	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.protections.Addresses()
}

func (s *Partitioned) partition(index uint64) *Partition {
	s.indexLock.RLock()
	defer s.indexLock.RUnlock()

	p, _ := s.partitions.Get(index)
	return p
}

func (s *Partitioned) getOrCreatePartition(index uint64) (*Partition, error) {
	if p := s.partition(index); p != nil {
		return p, nil
	}

	p, err := newPartition(s.allocator, s.backing, index*s.partitionSize, s.partitionSize)
	if err != nil {
		return nil, err
	}

	s.indexLock.Lock()
	s.partitions.Put(index, p)
	s.indexLock.Unlock()

	s.logger.Debug("Partitioned::CreatePartition",
		slog.Uint64("address", p.address),
		slog.Uint64("size", p.size),
	)

	return p, nil
}

func (s *Partitioned) releasePartition(index uint64, p *Partition) error {
	s.indexLock.Lock()
	s.partitions.Delete(index)
	s.indexLock.Unlock()

	s.logger.Debug("Partitioned::ReleasePartition", slog.Uint64("address", p.address))

	return p.close()
}

// forEachPartition calls visit with each partition-sized piece of [va, va+size)
func (s *Partitioned) forEachPartition(va, size uint64, visit func(index, va, size uint64) error) error {
	end := va + size

	for va < end {
		index := va / s.partitionSize
		pieceEnd := min(end, (index+1)*s.partitionSize)

		if err := visit(index, va, pieceEnd-va); err != nil {
			return err
		}

		va = pieceEnd
	}

	return nil
}

// refreshBridges brings the bridge of partition index, and the bridge of the partition before it,
// up to date. Only the bridges next to a host page in [va, va+size) can have changed.
func (s *Partitioned) refreshBridges(index, va, size uint64) error {
	start := index * s.partitionSize
	end := start + s.partitionSize

	if index > 0 && va < start+s.hostPageSize {
		if err := s.refreshBridge(index - 1); err != nil {
			return err
		}
	}

	if va+size > end-s.hostPageSize {
		return s.refreshBridge(index)
	}

	return nil
}

func (s *Partitioned) refreshBridge(index uint64) error {
	p := s.partition(index)
	if p == nil {
		return nil
	}

	var next guestmem.PrivateRange
	nextPerm := hostmem.PermissionReadAndWrite
	if nextPartition := s.partition(index + 1); nextPartition != nil {
		nextPartition.lock.RLock()
		next = nextPartition.privateRangeLocked(nextPartition.address)
		nextPerm = nextPartition.firstPagePerm
		nextPartition.lock.RUnlock()
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.refreshBridgeLocked(next, nextPerm)
}

// Map makes [va, va+size) a view of [pa, pa+size) of the backing memory. va and size must be
// multiples of the host page size, and pa must share va's offset into a host page.
func (s *Partitioned) Map(va, pa, size uint64) error {
	if !memutils.IsAligned(va|size, s.hostPageSize) || !memutils.IsAligned(pa-va, s.hostPageSize) {
		return errors.Wrapf(hostmem.ErrUnaligned, "va=0x%016X pa=0x%016X size=0x%016X, host page size 0x%x", va, pa, size, s.hostPageSize)
	}

	s.mutation.Lock()
	defer s.mutation.Unlock()

	s.logger.Debug("Partitioned::Map",
		slog.Uint64("va", va),
		slog.Uint64("pa", pa),
		slog.Uint64("size", size),
	)

	return s.forEachPartition(va, size, func(index, pieceVa, pieceSize uint64) error {
		p, err := s.getOrCreatePartition(index)
		if err != nil {
			return err
		}

		p.lock.Lock()
		err = p.mapLocked(pieceVa, pa+(pieceVa-va), pieceSize, s.privateOutside(p))
		empty := p.isEmpty()
		p.lock.Unlock()

		if err != nil {
			if empty {
				err = multierr.Append(err, s.releasePartition(index, p))
			}
			return err
		}

		return s.refreshBridges(index, pieceVa, pieceSize)
	})
}

// Unmap removes every mapping in [va, va+size). Partitions left empty are released.
func (s *Partitioned) Unmap(va, size uint64) error {
	s.mutation.Lock()
	defer s.mutation.Unlock()

	s.logger.Debug("Partitioned::Unmap",
		slog.Uint64("va", va),
		slog.Uint64("size", size),
	)

	return s.forEachPartition(va, size, func(index, pieceVa, pieceSize uint64) error {
		p := s.partition(index)
		if p == nil {
			return nil
		}

		p.lock.Lock()
		err := p.unmapLocked(pieceVa, pieceSize)
		empty := p.isEmpty()
		p.lock.Unlock()

		if empty {
			err = multierr.Append(err, s.releasePartition(index, p))
			if index > 0 {
				err = multierr.Append(err, s.refreshBridge(index-1))
			}
			return err
		}

		return multierr.Append(err, s.refreshBridges(index, pieceVa, pieceSize))
	})
}

// Reprotect changes the host protection of the mapped parts of [va, va+size)
func (s *Partitioned) Reprotect(va, size uint64, perm hostmem.Permission) error {
	s.mutation.Lock()
	defer s.mutation.Unlock()

	s.logger.Debug("Partitioned::Reprotect",
		slog.Uint64("va", va),
		slog.Uint64("size", size),
		slog.String("perm", perm.String()),
	)

	return s.forEachPartition(va, size, func(index, pieceVa, pieceSize uint64) error {
		p := s.partition(index)
		if p == nil {
			return nil
		}

		p.lock.Lock()
		err := p.reprotectLocked(pieceVa, pieceSize, perm, s.mirrors, s.privateOutside(p), s.updatePt)
		firstPagePerm := p.firstPagePerm
		p.lock.Unlock()

		if err != nil || s.mirrors || index == 0 || pieceVa >= p.address+s.hostPageSize {
			return err
		}

		previous := s.partition(index - 1)
		if previous == nil {
			return nil
		}

		previous.lock.Lock()
		defer previous.lock.Unlock()

		return previous.setNextPagePermLocked(firstPagePerm)
	})
}

// privateOutside looks up private ranges that belong to partitions other than p
func (s *Partitioned) privateOutside(p *Partition) privateLookup {
	return func(va uint64) guestmem.PrivateRange {
		if va >= p.address && va < p.EndAddress() {
			return guestmem.PrivateRange{}
		}

		return s.GetPrivateAllocation(va)
	}
}

func (s *Partitioned) Pointer(va, size uint64) (uintptr, error) {
	p := s.partition(va / s.partitionSize)
	if p == nil {
		return 0, errors.Wrapf(guestmem.ErrNotMapped, "va=0x%016X is not in any partition", va)
	}

	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.pointerLocked(va, size)
}

func (s *Partitioned) GetPrivateAllocation(va uint64) guestmem.PrivateRange {
	p := s.partition(va / s.partitionSize)
	if p == nil {
		return guestmem.PrivateRange{}
	}

	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.privateRangeLocked(va)
}

func (s *Partitioned) GetFirstPrivateAllocation(va, size uint64) (guestmem.PrivateRange, uint64) {
	end := va + size

	for cursor := va; cursor < end; {
		index := cursor / s.partitionSize
		partitionEnd := (index + 1) * s.partitionSize

		if p := s.partition(index); p != nil {
			p.lock.RLock()
			private := p.privateRangeLocked(cursor)
			next, found := p.nextMappingLocked(cursor)
			p.lock.RUnlock()

			if !private.IsEmpty() {
				if cursor == va {
					return private, va + private.Size
				}
				return guestmem.PrivateRange{}, cursor
			}

			if found && next < partitionEnd {
				return guestmem.PrivateRange{}, min(next, end)
			}
		}

		cursor = partitionEnd
	}

	return guestmem.PrivateRange{}, end
}

func (s *Partitioned) HasAnyPrivateAllocation(va, size uint64) (guestmem.PrivateRange, bool) {
	private, nextVa := s.GetFirstPrivateAllocation(va, size)
	if !private.IsEmpty() {
		if private.Size >= size {
			return private, true
		}
		return guestmem.PrivateRange{}, true
	}

	return guestmem.PrivateRange{}, nextVa < va+size
}

func (s *Partitioned) BindPageTable(update guestmem.PageTableUpdater) {
	s.mutation.Lock()
	defer s.mutation.Unlock()

	s.updatePt = update
}

// HandleFault resolves a host fault at address to the guest memory it belongs to and reports it to
// the tracking collaborator. It returns false if the fault was not caused by guest memory tracking.
func (s *Partitioned) HandleFault(address uintptr, size uint64, write bool) bool {
	return s.allocator.VirtualMemoryEvent(address, size, write)
}

func (s *Partitioned) Close() error {
	s.mutation.Lock()
	defer s.mutation.Unlock()

	var err error

	s.indexLock.Lock()
	s.partitions.Iter(func(index uint64, p *Partition) bool {
		err = multierr.Append(err, p.close())
		return false
	})
	s.partitions = swiss.NewMap[uint64, *Partition](8)
	s.indexLock.Unlock()

	return multierr.Append(err, s.allocator.Close())
}
