package partition

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific Partitioned behaviors to activate or deactivate
type CreateFlags int32

var partitionedCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	partitionedCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return partitionedCreateFlagsMapping.FlagsToString(f)
}

const (
	// PartitionedCreateProtectionMirrors protects single guest pages through PageProtections when the
	// host page is larger than a guest page. Without it, protection is widened to whole host pages.
	PartitionedCreateProtectionMirrors CreateFlags = 1 << iota
	// PartitionedCreateExternallySynchronized skips the locks that serialize Map, Unmap and Reprotect
	// and guard the partition index. The consumer must guarantee that no lookup runs while a
	// partition is being created or released. Each partition still locks itself.
	PartitionedCreateExternallySynchronized
)

func init() {
	PartitionedCreateProtectionMirrors.Register("PartitionedCreateProtectionMirrors")
	PartitionedCreateExternallySynchronized.Register("PartitionedCreateExternallySynchronized")
}

// DefaultPartitionSize is the size of each Partition when none is provided: 4 GiB
const DefaultPartitionSize uint64 = 1 << 32

// CreateOptions contains optional settings when creating a Partitioned address space
type CreateOptions struct {
	// Flags indicates specific behaviors to activate or deactivate
	Flags CreateFlags
	// PartitionSize is the size of guest address space each Partition covers. It must be a power of
	// two and a multiple of the host page size. DefaultPartitionSize is used when it is 0.
	PartitionSize uint64
	// BlockSize is the granularity the Allocator reserves host address space in. DefaultBlockSize is
	// used when it is 0.
	BlockSize uint64
}

// NewPartitioned creates an empty Partitioned address space. Guest memory is mapped from backing,
// which must be mirrorable. Host faults passed to HandleFault are forwarded to tracking.
func NewPartitioned(logger *slog.Logger, host hostmem.Host, backing hostmem.Block, tracking guestmem.Tracking, options CreateOptions) (*Partitioned, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a partitioned address space without a logger")
	}
	if backing == nil {
		return nil, errors.New("attempted to create a partitioned address space without backing memory")
	}

	partitionSize := options.PartitionSize
	if partitionSize == 0 {
		partitionSize = DefaultPartitionSize
	}
	if err := memutils.CheckPow2(partitionSize, "partitionSize"); err != nil {
		return nil, err
	}

	allocator, err := NewAllocator(logger, host, tracking, options.BlockSize)
	if err != nil {
		return nil, err
	}

	hostPageSize := host.PageSize()
	if partitionSize < 2*hostPageSize {
		return nil, errors.Newf("partition size 0x%x must hold at least two host pages of 0x%x bytes", partitionSize, hostPageSize)
	}

	space := &Partitioned{
		logger:        logger,
		backing:       backing,
		allocator:     allocator,
		hostPageSize:  hostPageSize,
		partitionSize: partitionSize,
		mirrors:       options.Flags&PartitionedCreateProtectionMirrors != 0 && hostPageSize > guestmem.PageSize,
		partitions:    swiss.NewMap[uint64, *Partition](8),
	}

	synchronized := options.Flags&PartitionedCreateExternallySynchronized == 0
	space.mutation.Enable(synchronized)
	space.indexLock.Enable(synchronized)

	logger.Debug("Partitioned::Init",
		slog.Uint64("PartitionSize", partitionSize),
		slog.Uint64("HostPageSize", hostPageSize),
		slog.String("Flags", options.Flags.String()),
	)

	return space, nil
}
