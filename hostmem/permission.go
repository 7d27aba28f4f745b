package hostmem

import "github.com/vkngwrapper/core/v2/common"

// Permission is a set of host page access rights
type Permission uint32

var permissionMapping = common.NewFlagStringMapping[Permission]()

func (p Permission) Register(str string) {
	permissionMapping.Register(p, str)
}

func (p Permission) String() string {
	return permissionMapping.FlagsToString(p)
}

const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
	PermissionExecute

	PermissionNone             Permission = 0
	PermissionReadAndWrite                = PermissionRead | PermissionWrite
	PermissionReadAndExecute              = PermissionRead | PermissionExecute
	PermissionReadWriteExecute            = PermissionRead | PermissionWrite | PermissionExecute
)

func init() {
	PermissionRead.Register("PermissionRead")
	PermissionWrite.Register("PermissionWrite")
	PermissionExecute.Register("PermissionExecute")
}

// BlockFlags select how a Block is created
type BlockFlags int32

var blockFlagsMapping = common.NewFlagStringMapping[BlockFlags]()

func (f BlockFlags) Register(str string) {
	blockFlagsMapping.Register(f, str)
}

func (f BlockFlags) String() string {
	return blockFlagsMapping.FlagsToString(f)
}

const (
	// BlockReserve reserves address space without committing memory. Pages are inaccessible until
	// they are committed or have a view mapped over them.
	BlockReserve BlockFlags = 1 << iota
	// BlockMirrorable creates the block over a shareable memory object so that other blocks can map
	// views of it with MapView.
	BlockMirrorable
	// BlockViewCompatible indicates the block will receive views from mirrorable blocks. It implies
	// BlockReserve.
	BlockViewCompatible
	// BlockJit requests a mapping that may be made executable on hosts that require the request up front
	BlockJit
)

func init() {
	BlockReserve.Register("BlockReserve")
	BlockMirrorable.Register("BlockMirrorable")
	BlockViewCompatible.Register("BlockViewCompatible")
	BlockJit.Register("BlockJit")
}

func (f BlockFlags) reserveOnly() bool {
	return f&(BlockReserve|BlockViewCompatible) != 0
}
