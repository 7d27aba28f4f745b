package memsys

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/jitcache"
	"github.com/udrwxa/LibRyujinx/partition"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// ErrAlreadyInitialized is returned when Init is called on a System that is already in use
var ErrAlreadyInitialized = errors.New("the memory system has already been initialized")

// System is the memory subsystem of one emulator instance: the host, guest physical memory, the
// code cache and the guest memory manager, built together once and released together.
type System struct {
	initLock    sync.Mutex
	initialized bool

	logger   *slog.Logger
	config   Config
	tracking guestmem.Tracking

	host        hostmem.Host
	backing     hostmem.Block
	cache       *jitcache.Cache
	mirror      *guestmem.MirrorSpace
	partitioned *partition.Partitioned
	manager     *guestmem.Manager
}

// New creates a System and initializes it
func New(logger *slog.Logger, config Config, tracking guestmem.Tracking) (*System, error) {
	system := &System{}
	if err := system.Init(logger, config, tracking); err != nil {
		return nil, err
	}

	return system, nil
}

// Init builds every component of the system. A System can only be initialized once:
// ErrAlreadyInitialized is returned for every call after the first successful one. Components that
// were built before a failure are released before Init returns.
func (s *System) Init(logger *slog.Logger, config Config, tracking guestmem.Tracking) error {
	if logger == nil {
		return errors.New("attempted to initialize a memory system without a logger")
	}
	if tracking == nil {
		return errors.New("attempted to initialize a memory system without a tracking collaborator")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	s.initLock.Lock()
	defer s.initLock.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}

	s.logger = logger
	s.config = config
	s.tracking = tracking

	if err := s.build(); err != nil {
		if closeErr := s.release(); closeErr != nil {
			logger.Error("failed to release memory system after a failed init", slog.Any("error", closeErr))
		}
		return err
	}

	s.initialized = true
	logger.Debug("System::Init",
		slog.String("Mode", string(config.Mode)),
		slog.Uint64("AddressSpaceSize", config.AddressSpaceSize),
		slog.Uint64("BackingMemorySize", config.BackingMemorySize),
		slog.Uint64("HostPageSize", s.host.PageSize()),
	)

	return nil
}

func (s *System) build() error {
	var err error

	if s.config.SimulatedPageSize != 0 {
		s.host, err = hostmem.NewSimulatedHost(s.config.SimulatedPageSize)
	} else {
		s.host, err = hostmem.NewHost()
	}
	if err != nil {
		return err
	}

	s.backing, err = s.host.NewBlock(s.config.BackingMemorySize, hostmem.BlockMirrorable)
	if err != nil {
		return errors.Wrap(err, "failed to allocate guest physical memory")
	}

	cacheOptions := jitcache.DefaultCreateOptions()
	if s.config.JitCacheSize != 0 {
		cacheOptions.CacheSize = s.config.JitCacheSize
	}
	if s.config.JitCodeAlignment != 0 {
		cacheOptions.CodeAlignment = s.config.JitCodeAlignment
	}
	if s.config.ExternallySynchronized {
		cacheOptions.Flags |= jitcache.CacheCreateExternallySynchronized
	}

	s.cache, err = jitcache.New(s.logger, s.host, cacheOptions)
	if err != nil {
		return err
	}

	managerOptions := guestmem.CreateOptions{AddressSpaceSize: s.config.AddressSpaceSize}

	var space guestmem.AddressSpace
	switch s.config.Mode {
	case ModeHostMapped:
		s.mirror, err = guestmem.NewMirrorSpace(s.host, s.backing, s.config.AddressSpaceSize)
		space = s.mirror
		managerOptions.Flags |= guestmem.ManagerCreateHostMapped
	default:
		var flags partition.CreateFlags
		if s.config.UseProtectionMirrors {
			flags |= partition.PartitionedCreateProtectionMirrors
		}
		if s.config.ExternallySynchronized {
			flags |= partition.PartitionedCreateExternallySynchronized
		}

		s.partitioned, err = partition.NewPartitioned(s.logger, s.host, s.backing, s.tracking, partition.CreateOptions{
			Flags:         flags,
			PartitionSize: s.config.PartitionSize,
		})
		space = s.partitioned
	}
	if err != nil {
		return err
	}

	s.manager, err = guestmem.New(s.logger, s.host, s.backing, space, s.tracking, managerOptions)
	if err != nil {
		return multierr.Append(err, space.Close())
	}

	return nil
}

// Host returns the host that every component allocates from
func (s *System) Host() hostmem.Host { return s.host }

// Backing returns the block holding guest physical memory
func (s *System) Backing() hostmem.Block { return s.backing }

// Cache returns the code cache
func (s *System) Cache() *jitcache.Cache { return s.cache }

// Manager returns the guest memory manager
func (s *System) Manager() *guestmem.Manager { return s.manager }

// Partitioned returns the partitioned address space, or nil in ModeHostMapped
func (s *System) Partitioned() *partition.Partitioned { return s.partitioned }

// HandleFault reports a host fault at address to the tracking collaborator if it hit guest memory.
// It returns false if the address is not guest memory or the collaborator did not handle the fault.
func (s *System) HandleFault(address uintptr, size uint64, write bool) bool {
	if s.partitioned != nil {
		return s.partitioned.HandleFault(address, size, write)
	}

	if s.mirror == nil {
		return false
	}

	base, err := s.mirror.Reservation().Pointer(0, 0)
	if err != nil || address < base || uint64(address-base) >= s.mirror.Reservation().Size() {
		return false
	}

	return s.tracking.VirtualMemoryEvent(uint64(address-base), size, write, false, guestmem.NoExemptID)
}

func (s *System) release() error {
	var err error

	if s.manager != nil {
		// the manager owns the address space
		err = multierr.Append(err, s.manager.Close())
		s.manager = nil
		s.mirror = nil
		s.partitioned = nil
	}
	if s.cache != nil {
		err = multierr.Append(err, s.cache.Close())
		s.cache = nil
	}
	if s.backing != nil {
		err = multierr.Append(err, s.backing.Close())
		s.backing = nil
	}

	return err
}

// Close releases every component. The System must not be used afterward.
func (s *System) Close() error {
	s.initLock.Lock()
	defer s.initLock.Unlock()

	if !s.initialized {
		return errors.New("attempted to close a memory system that is not initialized")
	}

	return s.release()
}
