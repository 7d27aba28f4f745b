package guestmem_test

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/guestmem"
	mock_guestmem "github.com/udrwxa/LibRyujinx/guestmem/mocks"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const testAddressSpaceSize uint64 = 1 << 20

type managerFixture struct {
	host     *hostmem.SimulatedHost
	backing  hostmem.Block
	space    *guestmem.MirrorSpace
	tracking *mock_guestmem.MockTracking
	manager  *guestmem.Manager
}

func newManagerFixture(t *testing.T, options guestmem.CreateOptions) managerFixture {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	host, err := hostmem.NewSimulatedHost(0x1000)
	require.NoError(t, err)

	backing, err := host.NewBlock(0x10000, hostmem.BlockMirrorable)
	require.NoError(t, err)

	if options.AddressSpaceSize == 0 {
		options.AddressSpaceSize = testAddressSpaceSize
	}

	space, err := guestmem.NewMirrorSpace(host, backing, options.AddressSpaceSize)
	require.NoError(t, err)

	tracking := mock_guestmem.NewMockTracking(ctrl)
	manager, err := guestmem.New(logger, host, backing, space, tracking, options)
	require.NoError(t, err)

	return managerFixture{
		host:     host,
		backing:  backing,
		space:    space,
		tracking: tracking,
		manager:  manager,
	}
}

func (f managerFixture) mapRange(t *testing.T, va, pa, size uint64) {
	f.tracking.EXPECT().Map(va, size)
	require.NoError(t, f.manager.Map(va, pa, size, 0))
}

func (f managerFixture) backingBytes(t *testing.T, pa, size uint64) []byte {
	data, err := f.backing.Slice(pa, size)
	require.NoError(t, err)
	return data
}

func TestManagerTrackedWriteSignalsOnce(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x1000, 0x4000, 0x2000)

	require.NoError(t, f.manager.TrackingReprotect(0x1000, 0x2000, hostmem.PermissionRead))
	require.Equal(t, guestmem.PageWriteTracked, f.manager.PageState(0x1000))
	require.Equal(t, guestmem.PageWriteTracked, f.manager.PageState(0x2000))

	f.tracking.EXPECT().VirtualMemoryEvent(uint64(0x1500), uint64(4), true, false, guestmem.NoExemptID).Return(true).Times(1)
	require.NoError(t, guestmem.Write[uint32](f.manager, 0x1500, 0xdeadbeef))

	require.NoError(t, f.manager.TrackingReprotect(0x1000, 0x1000, hostmem.PermissionReadAndWrite))
	require.Equal(t, guestmem.PageMapped, f.manager.PageState(0x1000))
	require.Equal(t, guestmem.PageWriteTracked, f.manager.PageState(0x2000))

	require.NoError(t, guestmem.Write[uint32](f.manager, 0x1500, 0x01020304))
	require.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(f.backingBytes(t, 0x4500, 4)))

	value, err := guestmem.Read[uint32](f.manager, 0x1500)
	require.NoError(t, err)
	require.Equal(t, uint32(0x01020304), value)
}

func TestManagerReadTracking(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x0, 0x0, 0x2000)

	// write tracking does not affect reads
	require.NoError(t, f.manager.TrackingReprotect(0x0, 0x1000, hostmem.PermissionRead))
	_, err := guestmem.ReadTracked[uint64](f.manager, 0x10)
	require.NoError(t, err)

	require.NoError(t, f.manager.TrackingReprotect(0x1000, 0x1000, hostmem.PermissionNone))
	f.tracking.EXPECT().VirtualMemoryEvent(uint64(0xff8), uint64(16), false, false, guestmem.NoExemptID).Return(true)
	_, err = f.manager.GetSpan(0xff8, 16, true)
	require.NoError(t, err)

	f.tracking.EXPECT().VirtualMemoryEvent(uint64(0x1100), uint64(8), false, false, guestmem.NoExemptID).Return(true)
	_, err = guestmem.ReadTracked[uint64](f.manager, 0x1100)
	require.NoError(t, err)

	// untracked reads never signal
	_, err = guestmem.Read[uint64](f.manager, 0x1100)
	require.NoError(t, err)
}

func TestManagerPreciseSignalAlwaysForwards(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x0, 0x0, 0x1000)

	f.tracking.EXPECT().VirtualMemoryEvent(uint64(0x20), uint64(8), true, true, 3).Return(false)
	require.NoError(t, f.manager.SignalMemoryTracking(0x20, 8, true, true, 3))
}

func TestManagerRejectsInvalidRanges(t *testing.T) {
	testCases := map[string]struct {
		va   uint64
		pa   uint64
		size uint64
	}{
		"PastEnd":       {va: testAddressSpaceSize - 0x1000, size: 0x2000},
		"StartsPastEnd": {va: testAddressSpaceSize, size: 0x1000},
		"Wraparound":    {va: 0xFFFF_FFFF_FFFF_F000, size: 0x2000},
		"UnalignedVa":   {va: 0x1800, size: 0x1000},
		"UnalignedPa":   {va: 0x1000, pa: 0x10, size: 0x1000},
		"UnalignedSize": {va: 0x1000, size: 0x800},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newManagerFixture(t, guestmem.CreateOptions{})

			err := f.manager.Map(testCase.va, testCase.pa, testCase.size, 0)
			require.ErrorIs(t, err, guestmem.ErrInvalidMemoryRegion)
			require.False(t, f.manager.IsMapped(testCase.va))

			for index := uint64(0); index < testAddressSpaceSize>>guestmem.PageBits; index++ {
				require.Zero(t, f.manager.PageTableEntry(index<<guestmem.PageBits))
			}
		})
	}
}

func TestManagerAccessAcrossDiscontinuity(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x0, 0x8000, 0x1000)
	f.mapRange(t, 0x1000, 0x2000, 0x1000)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, f.manager.WriteUntracked(0xffc, data))
	require.Equal(t, data[:4], f.backingBytes(t, 0x8ffc, 4))
	require.Equal(t, data[4:], f.backingBytes(t, 0x2000, 4))

	span, err := f.manager.GetSpan(0xffc, 8, false)
	require.NoError(t, err)
	require.Equal(t, data, span)

	first, err := f.backing.Pointer(0x8ffc, 4)
	require.NoError(t, err)
	second, err := f.backing.Pointer(0x2000, 4)
	require.NoError(t, err)

	regions, err := f.manager.GetHostRegions(0xffc, 8)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]guestmem.HostRegion{
		{Address: first, Size: 4},
		{Address: second, Size: 4},
	}, regions))

	physical, err := f.manager.GetPhysicalRegions(0x0, 0x2000)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]guestmem.PhysicalRegion{
		{Address: 0x8000, Size: 0x1000},
		{Address: 0x2000, Size: 0x1000},
	}, physical))

	_, err = guestmem.Ref[uint64](f.manager, 0xffc)
	require.ErrorIs(t, err, guestmem.ErrNotContiguous)
}

func TestManagerPhysicalRegionsMerge(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x10000, 0x3000, 0x2000)
	f.mapRange(t, 0x12000, 0x5000, 0x1000)
	f.mapRange(t, 0x13000, 0x0, 0x1000)

	physical, err := f.manager.GetPhysicalRegions(0x10800, 0x3000)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]guestmem.PhysicalRegion{
		{Address: 0x3000, Size: 0x3000},
		{Address: 0x0, Size: 0x1000},
	}, physical))

	mapped, err := f.manager.IsRangeMapped(0x10000, 0x4000)
	require.NoError(t, err)
	require.True(t, mapped)

	mapped, err = f.manager.IsRangeMapped(0x10000, 0x5000)
	require.NoError(t, err)
	require.False(t, mapped)

	_, err = f.manager.GetPhysicalRegions(0x13000, 0x2000)
	require.ErrorIs(t, err, guestmem.ErrNotMapped)
}

func TestManagerInvalidAccessHandler(t *testing.T) {
	var handled []uint64
	accept := true
	f := newManagerFixture(t, guestmem.CreateOptions{
		InvalidAccessHandler: func(va uint64) bool {
			handled = append(handled, va)
			return accept
		},
	})
	f.mapRange(t, 0x0, 0x0, 0x1000)

	data := make([]byte, 16)
	require.NoError(t, f.manager.Read(0xff8, data))

	value, err := guestmem.ReadTracked[uint64](f.manager, 0x5000)
	require.NoError(t, err)
	require.Zero(t, value)
	require.Equal(t, []uint64{0x1000, 0x5000}, handled)

	accept = false
	err = f.manager.Read(0x5000, data)
	require.ErrorIs(t, err, guestmem.ErrNotMapped)
	require.ErrorIs(t, err, guestmem.ErrInvalidMemoryRegion)

	err = f.manager.Read(testAddressSpaceSize, data)
	require.ErrorIs(t, err, guestmem.ErrInvalidMemoryRegion)
}

func TestManagerWriteWithRedundancyCheck(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x0, 0x0, 0x1000)
	f.mapRange(t, 0x1000, 0x4000, 0x1000)

	data := []byte{9, 9, 9, 9}
	changed, err := f.manager.WriteWithRedundancyCheck(0x100, data)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.manager.WriteWithRedundancyCheck(0x100, data)
	require.NoError(t, err)
	require.False(t, changed)

	// writes that cannot be compared in place always report a change
	changed, err = f.manager.WriteWithRedundancyCheck(0xffe, data)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, data[2:], f.backingBytes(t, 0x4000, 2))
}

func TestManagerWritableRegion(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x0, 0x0, 0x1000)
	f.mapRange(t, 0x1000, 0x4000, 0x1000)

	direct, err := f.manager.GetWritableRegion(0x10, 4, false)
	require.NoError(t, err)
	require.False(t, direct.NeedsWriteback())
	copy(direct.Memory, []byte{1, 2, 3, 4})
	require.Equal(t, []byte{1, 2, 3, 4}, f.backingBytes(t, 0x10, 4))
	require.NoError(t, direct.Close())
	require.ErrorIs(t, direct.Close(), guestmem.ErrRegionClosed)

	require.NoError(t, f.manager.TrackingReprotect(0x1000, 0x1000, hostmem.PermissionRead))

	f.tracking.EXPECT().VirtualMemoryEvent(uint64(0xffe), uint64(4), true, false, guestmem.NoExemptID).Return(true).Times(2)
	copied, err := f.manager.GetWritableRegion(0xffe, 4, true)
	require.NoError(t, err)
	require.True(t, copied.NeedsWriteback())
	require.Equal(t, uint64(0xffe), copied.Address())

	copy(copied.Memory, []byte{5, 6, 7, 8})
	require.Equal(t, []byte{0, 0}, f.backingBytes(t, 0x4000, 2))

	require.NoError(t, copied.Close())
	require.Equal(t, []byte{5, 6}, f.backingBytes(t, 0xffe, 2))
	require.Equal(t, []byte{7, 8}, f.backingBytes(t, 0x4000, 2))
	require.ErrorIs(t, copied.Close(), guestmem.ErrRegionClosed)
}

func TestManagerRef(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x3000, 0x6000, 0x1000)

	ref, err := guestmem.Ref[uint32](f.manager, 0x3010)
	require.NoError(t, err)
	*ref = 0xcafef00d
	require.Equal(t, uint32(0xcafef00d), binary.LittleEndian.Uint32(f.backingBytes(t, 0x6010, 4)))

	_, err = guestmem.Ref[uint32](f.manager, 0x4000)
	require.ErrorIs(t, err, guestmem.ErrNotContiguous)
}

func TestManagerUnmap(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x2000, 0x0, 0x3000)

	pointer, err := f.backing.Pointer(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(pointer)-0x3000, f.manager.PageTableEntry(0x3000))

	var unmapped [][2]uint64
	f.manager.OnUnmap(func(va, size uint64) {
		unmapped = append(unmapped, [2]uint64{va, size})
	})

	f.tracking.EXPECT().Unmap(uint64(0x3000), uint64(0x1000))
	require.NoError(t, f.manager.Unmap(0x3000, 0x1000))

	require.Equal(t, [][2]uint64{{0x3000, 0x1000}}, unmapped)
	require.True(t, f.manager.IsMapped(0x2000))
	require.False(t, f.manager.IsMapped(0x3000))
	require.True(t, f.manager.IsMapped(0x4000))
	require.Zero(t, f.manager.PageTableEntry(0x3000))

	_, err = f.manager.GetPhysicalAddress(0x3000)
	require.ErrorIs(t, err, guestmem.ErrNotMapped)

	err = f.manager.Write(0x2ffc, make([]byte, 8))
	require.ErrorIs(t, err, guestmem.ErrNotMapped)

	// remapping restores the mapped state
	f.mapRange(t, 0x3000, 0x1000, 0x1000)
	require.Equal(t, guestmem.PageMapped, f.manager.PageState(0x3000))
}

func TestManagerRejectsSecondInit(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	err := f.manager.Init(logger, f.host, f.backing, f.space, f.tracking, guestmem.CreateOptions{})
	require.ErrorIs(t, err, guestmem.ErrAlreadyInitialized)

	require.Equal(t, 20, f.manager.AddressSpaceBits())
	require.Equal(t, testAddressSpaceSize, f.manager.AddressSpaceSize())
	require.NotZero(t, f.manager.PageTablePointer())

	require.NoError(t, f.manager.Close())
	require.Error(t, f.manager.Close())

	err = f.manager.Init(logger, f.host, f.backing, f.space, f.tracking, guestmem.CreateOptions{})
	require.ErrorIs(t, err, guestmem.ErrAlreadyInitialized)
}

func TestManagerMapForeignUnsupported(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})

	err := f.manager.MapForeign(0x1000, 0x7000_0000, 0x1000)
	require.ErrorIs(t, err, guestmem.ErrNotSupported)
	require.NoError(t, f.manager.Reprotect(0x1000, 0x1000, hostmem.PermissionNone))
}

func TestManagerAddressSpaceSizeRoundsUp(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{AddressSpaceSize: 0x30000})

	require.Equal(t, 18, f.manager.AddressSpaceBits())
	require.Equal(t, uint64(0x40000), f.manager.AddressSpaceSize())
	require.False(t, f.manager.IsMapped(0x40000))
}

func TestManagerTrackingReprotectLeavesUnmappedPages(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x1000, 0x0, 0x1000)

	require.NoError(t, f.manager.TrackingReprotect(0x0, 0x2000, hostmem.PermissionNone))

	require.Equal(t, guestmem.PageUnmapped, f.manager.PageState(0x0))
	require.False(t, f.manager.IsMapped(0x0))
	require.Equal(t, guestmem.PageReadWriteTracked, f.manager.PageState(0x1000))

	require.NoError(t, f.manager.TrackingReprotect(0x0, 0x2000, hostmem.PermissionRead))
	require.Equal(t, guestmem.PageUnmapped, f.manager.PageState(0x0))
	require.Equal(t, guestmem.PageWriteTracked, f.manager.PageState(0x1000))

	mapped, err := f.manager.IsRangeMapped(0x0, 0x2000)
	require.NoError(t, err)
	require.False(t, mapped)
}

func TestManagerFailedRemapKeepsSharedMapping(t *testing.T) {
	f := newManagerFixture(t, guestmem.CreateOptions{})
	f.mapRange(t, 0x2000, 0x0, 0x2000)

	copy(f.backingBytes(t, 0x1000, 4), []byte{1, 2, 3, 4})
	entry := f.manager.PageTableEntry(0x3000)

	// the second page would fall past the end of the backing memory
	err := f.manager.Map(0x2000, 0xF000, 0x2000, 0)
	require.Error(t, err)

	pa, err := f.manager.GetPhysicalAddress(0x3000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), pa)
	require.Equal(t, entry, f.manager.PageTableEntry(0x3000))
	require.Equal(t, guestmem.PageMapped, f.manager.PageState(0x2000))

	value, err := guestmem.Read[uint32](f.manager, 0x3000)
	require.NoError(t, err)
	require.Equal(t, binary.LittleEndian.Uint32([]byte{1, 2, 3, 4}), value)
}

// pointerFailingSpace refuses to resolve one guest page, so a private Map fails after the address
// space was already changed
type pointerFailingSpace struct {
	*guestmem.MirrorSpace
	failAt uint64
}

func (s *pointerFailingSpace) Pointer(va, size uint64) (uintptr, error) {
	if va == s.failAt {
		return 0, errors.New("page cannot be resolved")
	}

	return s.MirrorSpace.Pointer(va, size)
}

func TestManagerFailedRemapRestoresPrivateMapping(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	host, err := hostmem.NewSimulatedHost(0x1000)
	require.NoError(t, err)
	backing, err := host.NewBlock(0x10000, hostmem.BlockMirrorable)
	require.NoError(t, err)
	mirror, err := guestmem.NewMirrorSpace(host, backing, testAddressSpaceSize)
	require.NoError(t, err)
	space := &pointerFailingSpace{MirrorSpace: mirror, failAt: testAddressSpaceSize}

	tracking := mock_guestmem.NewMockTracking(ctrl)
	manager, err := guestmem.New(logger, host, backing, space, tracking, guestmem.CreateOptions{})
	require.NoError(t, err)

	tracking.EXPECT().Map(uint64(0x2000), uint64(0x2000))
	require.NoError(t, manager.Map(0x2000, 0x0, 0x2000, guestmem.MapPrivate))
	entries := []uint64{manager.PageTableEntry(0x2000), manager.PageTableEntry(0x3000)}

	space.failAt = 0x3000
	err = manager.Map(0x2000, 0x8000, 0x2000, guestmem.MapPrivate)
	require.Error(t, err)

	pa, err := manager.GetPhysicalAddress(0x3000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), pa)
	require.Equal(t, entries, []uint64{manager.PageTableEntry(0x2000), manager.PageTableEntry(0x3000)})

	// the reservation aliases the original backing pages again
	source, err := backing.Slice(0x1000, 0x1000)
	require.NoError(t, err)
	view, err := mirror.Reservation().Slice(0x3000, 0x1000)
	require.NoError(t, err)
	source[7] = 0x5A
	require.Equal(t, byte(0x5A), view[7])
}
