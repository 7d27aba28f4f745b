package guestmem_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/guestmem"
	mock_guestmem "github.com/udrwxa/LibRyujinx/guestmem/mocks"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestMappedManagerMirrorsBacking(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	host, err := hostmem.NewSimulatedHost(0x1000)
	require.NoError(t, err)
	backing, err := host.NewBlock(0x8000, hostmem.BlockMirrorable)
	require.NoError(t, err)

	tracking := mock_guestmem.NewMockTracking(ctrl)
	manager, err := guestmem.NewMapped(logger, host, backing, tracking, guestmem.CreateOptions{AddressSpaceSize: 0x40000})
	require.NoError(t, err)

	blocks := host.Blocks()
	require.Len(t, blocks, 3)
	reservation := blocks[1]
	require.Equal(t, uint64(0x40000), reservation.Size())

	tracking.EXPECT().Map(uint64(0x10000), uint64(0x2000))
	require.NoError(t, manager.Map(0x10000, 0x3000, 0x2000, 0))

	require.Equal(t, uint64(reservation.Address()), manager.PageTableEntry(0x10000))
	require.Equal(t, uint64(reservation.Address()), manager.PageTableEntry(0x11000))

	require.NoError(t, manager.WriteUntracked(0x10ffe, []byte{1, 2, 3, 4}))
	viewed, err := reservation.Slice(0x10ffe, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, viewed)

	require.NoError(t, manager.TrackingReprotect(0x11000, 0x1000, hostmem.PermissionNone))
	require.Equal(t, hostmem.PermissionReadAndWrite, reservation.Protection(0x10000))
	require.Equal(t, hostmem.PermissionNone, reservation.Protection(0x11000))
	require.Equal(t, guestmem.PageReadWriteTracked, manager.PageState(0x11000))

	tracking.EXPECT().Unmap(uint64(0x10000), uint64(0x2000))
	require.NoError(t, manager.Unmap(0x10000, 0x2000))
	require.False(t, reservation.IsBacked(0x10000))

	require.NoError(t, manager.Close())
	require.Len(t, host.Blocks(), 1)
}

func TestMirrorSpaceHasNoPrivateMemory(t *testing.T) {
	host, err := hostmem.NewSimulatedHost(0x4000)
	require.NoError(t, err)
	backing, err := host.NewBlock(0x8000, hostmem.BlockMirrorable)
	require.NoError(t, err)

	space, err := guestmem.NewMirrorSpace(host, backing, 0x20000)
	require.NoError(t, err)

	private, nextVa := space.GetFirstPrivateAllocation(0x1000, 0x3000)
	require.True(t, private.IsEmpty())
	require.Equal(t, uint64(0x4000), nextVa)

	_, found := space.HasAnyPrivateAllocation(0x0, 0x20000)
	require.False(t, found)

	// protection is widened to whole host pages
	require.NoError(t, space.Reprotect(0x5000, 0x1000, hostmem.PermissionRead))
	require.Equal(t, []hostmem.SimulatedOperation{
		{Kind: "Reprotect", Offset: 0x4000, Size: 0x4000, Permission: hostmem.PermissionRead},
	}, host.Blocks()[1].Operations())

	require.NoError(t, space.Close())
}
