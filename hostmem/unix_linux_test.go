package hostmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/hostmem"
)

func TestUnixHostViews(t *testing.T) {
	host, err := hostmem.NewHost()
	require.NoError(t, err)
	pageSize := host.PageSize()

	backing, err := host.NewBlock(4*pageSize, hostmem.BlockMirrorable)
	require.NoError(t, err)
	defer backing.Close()

	reservation, err := host.NewBlock(8*pageSize, hostmem.BlockViewCompatible)
	require.NoError(t, err)
	defer reservation.Close()

	require.NoError(t, reservation.MapView(backing, pageSize, 2*pageSize, 2*pageSize))

	src, err := backing.Slice(pageSize, 2*pageSize)
	require.NoError(t, err)
	dst, err := reservation.Slice(2*pageSize, 2*pageSize)
	require.NoError(t, err)

	src[5] = 0x42
	require.Equal(t, byte(0x42), dst[5])
	dst[pageSize+1] = 0x24
	require.Equal(t, byte(0x24), src[pageSize+1])

	require.NoError(t, reservation.Reprotect(2*pageSize, pageSize, hostmem.PermissionRead))
	require.Equal(t, byte(0x42), dst[5])
	require.NoError(t, reservation.UnmapView(backing, 2*pageSize, 2*pageSize))
}

func TestUnixHostCommit(t *testing.T) {
	host, err := hostmem.NewHost()
	require.NoError(t, err)
	pageSize := host.PageSize()

	block, err := host.NewBlock(16*pageSize, hostmem.BlockReserve)
	require.NoError(t, err)

	require.ErrorIs(t, block.Commit(1, pageSize), hostmem.ErrUnaligned)
	require.NoError(t, block.Commit(0, 2*pageSize))

	data, err := block.Slice(0, 2*pageSize)
	require.NoError(t, err)
	data[2*pageSize-1] = 1

	_, err = block.Pointer(16*pageSize, 1)
	require.ErrorIs(t, err, hostmem.ErrOutOfRange)

	require.NoError(t, block.Close())
	require.ErrorIs(t, block.Close(), hostmem.ErrBlockClosed)
}
