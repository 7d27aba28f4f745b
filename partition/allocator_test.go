package partition_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/guestmem"
	mock_guestmem "github.com/udrwxa/LibRyujinx/guestmem/mocks"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/partition"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newTestAllocator(t *testing.T, pageSize, blockSize uint64) (*hostmem.SimulatedHost, *mock_guestmem.MockTracking, *partition.Allocator) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	host, err := hostmem.NewSimulatedHost(pageSize)
	require.NoError(t, err)

	tracking := mock_guestmem.NewMockTracking(ctrl)
	allocator, err := partition.NewAllocator(logger, host, tracking, blockSize)
	require.NoError(t, err)

	return host, tracking, allocator
}

func TestAllocatorResolvesBridgeFaults(t *testing.T) {
	_, tracking, allocator := newTestAllocator(t, 0x4000, 1<<20)

	allocation, err := allocator.Allocate(0x10000000, 0x10000, 0x8000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x18000), allocation.Size())

	base, err := allocation.Pointer(0, 0)
	require.NoError(t, err)

	testCases := map[string]struct {
		offset uint64
		va     uint64
	}{
		"Start":            {offset: 0, va: 0x10000000},
		"Inside":           {offset: 0x1234, va: 0x10001234},
		"LastPage":         {offset: 0xc010, va: 0x1000c010},
		"FirstBridgeHalf":  {offset: 0x10010, va: 0x1000c010},
		"SecondBridgeHalf": {offset: 0x14020, va: 0x10010020},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			tracking.EXPECT().VirtualMemoryEvent(testCase.va, uint64(8), true, false, guestmem.NoExemptID).Return(true)
			require.True(t, allocator.VirtualMemoryEvent(base+uintptr(testCase.offset), 8, true))
		})
	}

	// past the end of the allocation, but still inside the reserved block
	require.False(t, allocator.VirtualMemoryEvent(base+0x18000, 8, false))
	require.False(t, allocator.VirtualMemoryEvent(base-1, 8, false))

	tracking.EXPECT().VirtualMemoryEvent(uint64(0x10000000), uint64(1), false, false, guestmem.NoExemptID).Return(false)
	require.False(t, allocator.VirtualMemoryEvent(base, 1, false))

	require.NoError(t, allocation.Close())
	require.False(t, allocator.VirtualMemoryEvent(base, 1, false))
}

func TestAllocatorPlacesAndReleasesBlocks(t *testing.T) {
	host, _, allocator := newTestAllocator(t, 0x1000, 0x10000)

	first, err := allocator.AllocatePage(0x1000, 0x8000)
	require.NoError(t, err)
	second, err := allocator.AllocatePage(0x9000, 0x8000)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.BlockCount())

	third, err := allocator.AllocatePage(0x20000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 2, allocator.BlockCount())

	large, err := allocator.Allocate(0x40000, 0x18000, 0)
	require.NoError(t, err)
	require.Equal(t, 3, allocator.BlockCount())
	require.Equal(t, uint64(0x20000), host.Blocks()[2].Size())

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 4, stats.AllocationCount)
	require.Equal(t, uint64(0x29000), stats.AllocationBytes)
	require.Contains(t, allocator.BuildStatsString(true), `"Blocks"`)

	require.NoError(t, first.Close())
	require.ErrorIs(t, first.Close(), partition.ErrAllocationClosed)
	_, err = first.Pointer(0, 0)
	require.ErrorIs(t, err, partition.ErrAllocationClosed)
	require.Equal(t, 3, allocator.BlockCount())

	require.NoError(t, second.Close())
	require.NoError(t, large.Close())
	require.Equal(t, 1, allocator.BlockCount())
	require.Len(t, host.Blocks(), 1)

	require.NoError(t, third.Close())
	require.Equal(t, 0, allocator.BlockCount())
	require.Empty(t, host.Blocks())
	require.NoError(t, allocator.Close())
}

func TestAllocationViewsAliasSource(t *testing.T) {
	host, _, allocator := newTestAllocator(t, 0x1000, 0x10000)

	source, err := host.NewBlock(0x4000, hostmem.BlockMirrorable)
	require.NoError(t, err)
	data, err := source.Slice(0x2000, 4)
	require.NoError(t, err)
	copy(data, []byte{9, 8, 7, 6})

	allocation, err := allocator.AllocatePage(0, 0x2000)
	require.NoError(t, err)
	require.NoError(t, allocation.MapView(source, 0x2000, 0x1000, 0x1000))
	require.NoError(t, allocation.Reprotect(0x1000, 0x1000, hostmem.PermissionRead))

	pointer, err := allocation.Pointer(0x1000, 4)
	require.NoError(t, err)
	block, offset, ok := host.BlockAt(pointer)
	require.True(t, ok)

	viewed, err := block.Slice(offset, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7, 6}, viewed)
	require.Equal(t, hostmem.PermissionRead, block.Protection(offset))

	_, err = allocation.Pointer(0x1000, 0x1001)
	require.ErrorIs(t, err, hostmem.ErrOutOfRange)

	require.NoError(t, allocation.UnmapView(source, 0x1000, 0x1000))
	require.False(t, block.IsBacked(offset))

	require.NoError(t, allocation.Close())
	require.NoError(t, source.Close())
}
