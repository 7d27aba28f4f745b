//go:build !ios

package jitcache

import "github.com/udrwxa/LibRyujinx/hostmem"

// DefaultCreateOptions returns the cache options for desktop hosts
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		CacheSize:     DesktopCacheSize,
		CodeAlignment: DefaultCodeAlignment,
	}
}

func defaultPlatform(host hostmem.Host) Platform {
	return NewFlipPlatform(host)
}
