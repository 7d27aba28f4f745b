package jitcache

import (
	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific cache behaviors to activate or deactivate
type CreateFlags int32

var cacheCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	cacheCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return cacheCreateFlagsMapping.FlagsToString(f)
}

const (
	// CacheCreateExternallySynchronized ensures that the cache will not be synchronized internally.
	// The consumer must guarantee that Map, Unmap, Find and RunDeferredProtects are called from only
	// one goroutine at a time.
	CacheCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CacheCreateExternallySynchronized.Register("CacheCreateExternallySynchronized")
}

const (
	// DesktopCacheSize is the capacity of the cache on hosts without tight memory limits
	DesktopCacheSize uint64 = 2047 * 1024 * 1024
	// MobileCacheSize is the capacity of the cache on memory-constrained mobile hosts
	MobileCacheSize uint64 = 512 * 1024 * 1024

	// DefaultCodeAlignment is the alignment of every installed function's offset and size
	DefaultCodeAlignment uint64 = 4
	// MobileIsolatedCodeAlignment keeps functions that are sealed immediately on pages of their own
	MobileIsolatedCodeAlignment uint64 = 0x4000
)

var (
	// ErrAlreadyInitialized is returned when Init is called on a Cache that is already in use
	ErrAlreadyInitialized = errors.New("the code cache has already been initialized")
	// ErrCacheExhausted is returned when the cache has no room for a function. It is not
	// recoverable: the cache is sized so that this only happens when code is leaked.
	ErrCacheExhausted = errors.New("the code cache is exhausted")
)

// CreateOptions contains optional settings when creating a cache
type CreateOptions struct {
	// Flags indicates specific cache behaviors to activate or deactivate
	Flags CreateFlags
	// CacheSize is the number of bytes reserved for code. DesktopCacheSize is used when it is 0.
	CacheSize uint64
	// CodeAlignment is the alignment applied to the offset and size of every function.
	// DefaultCodeAlignment is used when it is 0.
	CodeAlignment uint64
	// IsolatedCodeAlignment, when non-zero, replaces CodeAlignment for functions that are installed
	// without deferring their protection change. Hosts that cannot write to a page after it has been
	// made executable use it to keep such functions on pages of their own.
	IsolatedCodeAlignment uint64
	// LeakOnUnmap turns Unmap into a no-op, so code space is never reclaimed for the life of the
	// cache. Mobile hosts run this way because their code pages cannot be rewritten once sealed.
	LeakOnUnmap bool
	// Platform is the set of host capabilities used to install code. The host's default platform
	// is used when it is nil.
	Platform Platform
}

// New creates a Cache and initializes it
//
// host - The Host that the cache region will be reserved from
//
// options - Optional parameters: DefaultCreateOptions returns the options appropriate for the current host
func New(logger *slog.Logger, host hostmem.Host, options CreateOptions) (*Cache, error) {
	cache := &Cache{}
	if err := cache.Init(logger, host, options); err != nil {
		return nil, err
	}

	return cache, nil
}

// Init reserves the cache region and prepares the cache for use. A Cache can only be initialized
// once: ErrAlreadyInitialized is returned for every call after the first successful one.
func (c *Cache) Init(logger *slog.Logger, host hostmem.Host, options CreateOptions) error {
	if logger == nil {
		return errors.New("attempted to initialize a code cache without a logger")
	}
	if host == nil {
		return errors.New("attempted to initialize a code cache without a host")
	}

	c.initLock.Lock()
	defer c.initLock.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	if options.CacheSize == 0 {
		options.CacheSize = DesktopCacheSize
	}
	if options.CodeAlignment == 0 {
		options.CodeAlignment = DefaultCodeAlignment
	}
	if err := memutils.CheckPow2(options.CodeAlignment, "CodeAlignment"); err != nil {
		return err
	}
	if err := memutils.CheckPow2(options.IsolatedCodeAlignment, "IsolatedCodeAlignment"); err != nil {
		return err
	}
	if options.Platform == nil {
		options.Platform = defaultPlatform(host)
	}

	region, err := NewReservedRegion(host, options.CacheSize)
	if err != nil {
		return err
	}

	c.logger = logger
	c.host = host
	c.platform = options.Platform
	c.createFlags = options.Flags
	c.codeAlignment = options.CodeAlignment
	c.isolatedCodeAlignment = options.IsolatedCodeAlignment
	c.leakOnUnmap = options.LeakOnUnmap
	c.mutex.Enable(options.Flags&CacheCreateExternallySynchronized == 0)
	c.allocator = metadata.NewFreeListBlockMetadata(options.CacheSize)
	c.entries = nil
	c.region = region
	c.initialized = true

	logger.Debug("Cache::Init",
		slog.Uint64("CacheSize", options.CacheSize),
		slog.Uint64("CodeAlignment", options.CodeAlignment),
		slog.Uint64("IsolatedCodeAlignment", options.IsolatedCodeAlignment),
		slog.Bool("LeakOnUnmap", options.LeakOnUnmap),
		slog.String("Flags", options.Flags.String()),
	)

	return nil
}
