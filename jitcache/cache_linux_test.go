package jitcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/jitcache"
)

func TestHostCacheInstallAcrossCommitGranules(t *testing.T) {
	host, err := hostmem.NewHost()
	require.NoError(t, err)

	cache, err := jitcache.New(testLogger(), host, jitcache.CreateOptions{CacheSize: 0x40000})
	require.NoError(t, err)
	defer cache.Close()

	granule := uint64(0x10000)
	if host.PageSize() > granule {
		granule = host.PageSize()
	}

	_, err = cache.Map(code(int(granule-0x10), 0x90), jitcache.UnwindInfo{}, false)
	require.NoError(t, err)

	straddling := code(0x100, 0xCC)
	pointer, err := cache.Map(straddling, jitcache.UnwindInfo{}, true)
	require.NoError(t, err)
	require.NoError(t, cache.RunDeferredProtects())

	installed, err := cache.Region().Slice(granule-0x10, 0x100)
	require.NoError(t, err)
	require.Equal(t, straddling, installed)

	entry, found := cache.FindPC(pointer)
	require.True(t, found)
	require.Equal(t, granule-0x10, entry.Offset)
	require.NoError(t, cache.Unmap(pointer))
}
