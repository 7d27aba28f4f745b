package guestmem

import "github.com/cockroachdb/errors"

// ErrRegionClosed is returned by WritableRegion.Close after the first call
var ErrRegionClosed = errors.New("the writable region has already been closed")

// WritableRegion is guest memory handed out for modification by Manager.GetWritableRegion. When the
// memory could be accessed directly, Memory aliases guest memory and Close does nothing else. When
// it is a copy, Close writes it back.
type WritableRegion struct {
	manager *Manager
	va      uint64
	closed  bool

	Memory []byte
}

// Address returns the guest address of the first byte of Memory
func (r *WritableRegion) Address() uint64 {
	return r.va
}

// NeedsWriteback returns true if Memory is a copy that Close writes back to guest memory
func (r *WritableRegion) NeedsWriteback() bool {
	return r.manager != nil
}

// Close writes Memory back to guest memory when it is a copy. The region cannot be used afterward.
func (r *WritableRegion) Close() error {
	if r.closed {
		return ErrRegionClosed
	}
	r.closed = true

	memory := r.Memory
	r.Memory = nil

	if r.manager == nil {
		return nil
	}

	return r.manager.Write(r.va, memory)
}
