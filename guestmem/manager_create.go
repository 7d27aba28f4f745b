package guestmem

import (
	"github.com/cockroachdb/errors"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/vkngwrapper/core/v2/common"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// ManagerCreateHostMapped maps every guest range into the AddressSpace, not only the ones
	// mapped with MapPrivate. It is used with a MirrorSpace, where the whole guest address space is
	// one host reservation.
	ManagerCreateHostMapped CreateFlags = 1 << iota
)

func init() {
	ManagerCreateHostMapped.Register("ManagerCreateHostMapped")
}

// DefaultAddressSpaceSize is the guest address space size used when none is provided: 39 bits
const DefaultAddressSpaceSize uint64 = 1 << 39

// InvalidAccessHandler is called with the guest address of a failed access to an invalid or
// unmapped region. It returns true if the access should be ignored rather than reported.
type InvalidAccessHandler func(va uint64) bool

// CreateOptions contains optional settings when creating a Manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// AddressSpaceSize is the size of the guest address space. It is rounded up to a power of two.
	// DefaultAddressSpaceSize is used when it is 0.
	AddressSpaceSize uint64
	// InvalidAccessHandler, if not nil, decides whether failed reads and writes are reported
	InvalidAccessHandler InvalidAccessHandler
}

// addressSpaceBits returns the number of address bits needed to cover size bytes, and the size of
// the address space those bits describe. The result is never smaller than one page.
func addressSpaceBits(size uint64) (int, uint64) {
	bits := PageBits
	asSize := PageSize

	for asSize < size && bits < 63 {
		asSize <<= 1
		bits++
	}

	return bits, asSize
}

// New creates a Manager and initializes it
//
// host - The Host that the flat page table is allocated from
//
// backing - The mirrorable block holding guest physical memory
//
// space - The AddressSpace that private mappings and host protection go through
//
// tracking - The memory tracking collaborator
func New(logger *slog.Logger, host hostmem.Host, backing hostmem.Block, space AddressSpace, tracking Tracking, options CreateOptions) (*Manager, error) {
	manager := &Manager{}
	if err := manager.Init(logger, host, backing, space, tracking, options); err != nil {
		return nil, err
	}

	return manager, nil
}

// NewMapped creates a Manager over a MirrorSpace that covers the whole guest address space, so that
// every guest mapping is a view of the backing memory at a fixed host offset
func NewMapped(logger *slog.Logger, host hostmem.Host, backing hostmem.Block, tracking Tracking, options CreateOptions) (*Manager, error) {
	if host == nil {
		return nil, errors.New("attempted to create a memory manager without a host")
	}
	if options.AddressSpaceSize == 0 {
		options.AddressSpaceSize = DefaultAddressSpaceSize
	}
	_, asSize := addressSpaceBits(options.AddressSpaceSize)

	space, err := NewMirrorSpace(host, backing, asSize)
	if err != nil {
		return nil, err
	}

	options.Flags |= ManagerCreateHostMapped
	manager, err := New(logger, host, backing, space, tracking, options)
	if err != nil {
		return nil, multierr.Append(err, space.Close())
	}

	return manager, nil
}

// Init builds the page tables and prepares the manager for use. A Manager can only be initialized
// once: ErrAlreadyInitialized is returned for every call after the first successful one.
func (m *Manager) Init(logger *slog.Logger, host hostmem.Host, backing hostmem.Block, space AddressSpace, tracking Tracking, options CreateOptions) error {
	if logger == nil {
		return errors.New("attempted to initialize a memory manager without a logger")
	}
	if host == nil {
		return errors.New("attempted to initialize a memory manager without a host")
	}
	if backing == nil {
		return errors.New("attempted to initialize a memory manager without backing memory")
	}
	if space == nil {
		return errors.New("attempted to initialize a memory manager without an address space")
	}
	if tracking == nil {
		return errors.New("attempted to initialize a memory manager without a tracking collaborator")
	}

	m.initLock.Lock()
	defer m.initLock.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}

	if options.AddressSpaceSize == 0 {
		options.AddressSpaceSize = DefaultAddressSpaceSize
	}
	bits, asSize := addressSpaceBits(options.AddressSpaceSize)

	flat, err := newFlatPageTable(host, asSize)
	if err != nil {
		return errors.Wrapf(err, "failed to allocate the page table for a %d-bit address space", bits)
	}

	m.logger = logger
	m.backing = backing
	m.space = space
	m.tracking = tracking
	m.createFlags = options.Flags
	m.invalidAccess = options.InvalidAccessHandler
	m.addressSpaceBits = bits
	m.addressSpaceSize = asSize
	m.bitmap = NewPageBitmap(asSize >> PageBits)
	m.pageTable = newSoftwarePageTable()
	m.flat = flat
	m.initialized = true

	space.BindPageTable(m.flat.Map)

	logger.Debug("Manager::Init",
		slog.Int("AddressSpaceBits", bits),
		slog.Uint64("AddressSpaceSize", asSize),
		slog.String("Flags", options.Flags.String()),
	)

	return nil
}
