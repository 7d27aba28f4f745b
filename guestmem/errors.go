package guestmem

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidMemoryRegion is returned when a guest range lies outside the address space, wraps
	// around, or touches pages that are not mapped
	ErrInvalidMemoryRegion = errors.New("invalid guest memory region")
	// ErrNotMapped is returned when a guest range inside the address space touches unmapped pages
	ErrNotMapped = errors.Wrap(ErrInvalidMemoryRegion, "guest memory is not mapped")
	// ErrNotContiguous is returned when a direct reference is requested into memory that is not
	// backed by one contiguous host range
	ErrNotContiguous = errors.New("guest memory is not contiguous on the host")
	// ErrNotSupported is returned by operations the manager does not implement
	ErrNotSupported = errors.New("operation is not supported by this memory manager")
	// ErrAlreadyInitialized is returned when Init is called on a Manager that is already in use
	ErrAlreadyInitialized = errors.New("the memory manager has already been initialized")
)

func invalidRegion(va, size uint64) error {
	return errors.Wrapf(ErrInvalidMemoryRegion, "va=0x%016X, size=0x%016X", va, size)
}

func notMapped(va, size uint64) error {
	return errors.Wrapf(ErrNotMapped, "va=0x%016X, size=0x%016X", va, size)
}
