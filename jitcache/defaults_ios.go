package jitcache

import "github.com/udrwxa/LibRyujinx/hostmem"

// DefaultCreateOptions returns the cache options for iOS, where executable pages cannot be made
// writable again: a smaller cache, immediately sealed functions isolated on their own pages, and
// code space that is never reclaimed.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		CacheSize:             MobileCacheSize,
		CodeAlignment:         DefaultCodeAlignment,
		IsolatedCodeAlignment: MobileIsolatedCodeAlignment,
		LeakOnUnmap:           true,
	}
}

func defaultPlatform(host hostmem.Host) Platform {
	return NewCopyFirstPlatform(host)
}
