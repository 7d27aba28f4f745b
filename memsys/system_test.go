package memsys_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/guestmem"
	mock_guestmem "github.com/udrwxa/LibRyujinx/guestmem/mocks"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/jitcache"
	"github.com/udrwxa/LibRyujinx/memsys"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testConfig(mode memsys.Mode, pageSize uint64) memsys.Config {
	config := memsys.DefaultConfig()
	config.Mode = mode
	config.AddressSpaceSize = 1 << 24
	config.BackingMemorySize = 0x40000
	config.PartitionSize = 1 << 20
	config.JitCacheSize = 0x10000
	config.SimulatedPageSize = pageSize
	return config
}

func TestSystemHostTracked(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	tracking := mock_guestmem.NewMockTracking(ctrl)

	config := testConfig(memsys.ModeHostTracked, 0x4000)
	config.UseProtectionMirrors = true

	system, err := memsys.New(logger, config, tracking)
	require.NoError(t, err)
	require.NotNil(t, system.Partitioned())
	require.Equal(t, uint64(0x4000), system.Host().PageSize())

	require.ErrorIs(t, system.Init(logger, config, tracking), memsys.ErrAlreadyInitialized)

	tracking.EXPECT().Map(uint64(0x10000), uint64(0x4000))
	require.NoError(t, system.Manager().Map(0x10000, 0x4000, 0x4000, guestmem.MapPrivate))
	require.NoError(t, system.Manager().WriteUntracked(0x11000, []byte{1, 2, 3, 4}))

	require.NoError(t, system.Manager().TrackingReprotect(0x11000, 0x1000, hostmem.PermissionRead))
	require.Equal(t, []uint64{0x11000}, system.Partitioned().ProtectionOverrides(0x11000))

	// generated code reaches the page through its override
	pointer := uintptr(system.Manager().PageTableEntry(0x11000) + 0x11000)
	tracking.EXPECT().VirtualMemoryEvent(uint64(0x11000), uint64(4), true, false, guestmem.NoExemptID).Return(true)
	require.True(t, system.HandleFault(pointer, 4, true))

	entry, err := system.Cache().Map([]byte{0xc3}, jitcache.UnwindInfo{}, false)
	require.NoError(t, err)
	found, ok := system.Cache().FindPC(entry)
	require.True(t, ok)
	require.Equal(t, uint64(1), found.Size)
	require.NoError(t, system.Cache().Unmap(entry))

	tracking.EXPECT().Unmap(uint64(0x10000), uint64(0x4000))
	require.NoError(t, system.Manager().Unmap(0x10000, 0x4000))

	simulated := system.Host().(*hostmem.SimulatedHost)
	require.NoError(t, system.Close())
	require.Empty(t, simulated.Blocks())
}

func TestSystemHostMapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	tracking := mock_guestmem.NewMockTracking(ctrl)

	system, err := memsys.New(logger, testConfig(memsys.ModeHostMapped, 0x1000), tracking)
	require.NoError(t, err)
	require.Nil(t, system.Partitioned())

	tracking.EXPECT().Map(uint64(0x2000), uint64(0x1000))
	require.NoError(t, system.Manager().Map(0x2000, 0, 0x1000, 0))

	pointer := uintptr(system.Manager().PageTableEntry(0x2000) + 0x2000)
	tracking.EXPECT().VirtualMemoryEvent(uint64(0x2010), uint64(8), false, false, guestmem.NoExemptID).Return(true)
	require.True(t, system.HandleFault(pointer+0x10, 8, false))
	require.False(t, system.HandleFault(0, 8, false))

	tracking.EXPECT().Unmap(uint64(0x2000), uint64(0x1000))
	require.NoError(t, system.Manager().Unmap(0x2000, 0x1000))

	simulated := system.Host().(*hostmem.SimulatedHost)
	require.NoError(t, system.Close())
	require.Empty(t, simulated.Blocks())
}

func TestSystemRejectsBadInput(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	tracking := mock_guestmem.NewMockTracking(gomock.NewController(t))

	_, err := memsys.New(nil, testConfig(memsys.ModeHostTracked, 0x1000), tracking)
	require.Error(t, err)
	_, err = memsys.New(logger, testConfig(memsys.ModeHostTracked, 0x1000), nil)
	require.Error(t, err)

	config := testConfig(memsys.ModeHostTracked, 0x1000)
	config.Mode = "unknown"
	_, err = memsys.New(logger, config, tracking)
	require.Error(t, err)

	var system memsys.System
	require.Error(t, system.Close())
}
