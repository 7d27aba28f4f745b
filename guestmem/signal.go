package guestmem

import (
	"github.com/udrwxa/LibRyujinx/hostmem"
	"golang.org/x/exp/slog"
)

// SignalMemoryTracking notifies the tracking collaborator of an access to [va, va+size) if any page
// in the range is tracked for that kind of access. precise accesses are always forwarded. An error
// is returned if the range is invalid or touches unmapped pages.
func (m *Manager) SignalMemoryTracking(va, size uint64, write, precise bool, exemptID int) error {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return err
	}

	if precise {
		m.tracking.VirtualMemoryEvent(va, size, write, true, exemptID)
		return nil
	}

	_, pages := pagesCount(va, size)
	notify, mapped := m.bitmap.CheckTracking(va>>PageBits, pages, write)
	if notify {
		m.tracking.VirtualMemoryEvent(va, size, write, false, exemptID)
		return nil
	}
	if !mapped {
		return notMapped(va, size)
	}

	return nil
}

// TrackingReprotect sets the tracking state of every mapped page in [va, va+size) from the access
// the collaborator still allows: read-write access leaves pages PageMapped, read-only access makes
// them PageWriteTracked, and anything else PageReadWriteTracked. The AddressSpace then applies the
// same protection on the host.
func (m *Manager) TrackingReprotect(va, size uint64, perm hostmem.Permission) error {
	if err := m.assertValidAddressAndSize(va, size); err != nil {
		return err
	}

	startVa, pages := pagesCount(va, size)
	if pages == 0 {
		return nil
	}

	m.logger.Debug("Manager::TrackingReprotect",
		slog.Uint64("va", va),
		slog.Uint64("size", size),
		slog.String("perm", perm.String()),
	)

	var state PageState
	var hostPerm hostmem.Permission
	switch perm & hostmem.PermissionReadAndWrite {
	case hostmem.PermissionReadAndWrite:
		state, hostPerm = PageMapped, hostmem.PermissionReadAndWrite
	case hostmem.PermissionRead:
		state, hostPerm = PageWriteTracked, hostmem.PermissionRead
	default:
		state, hostPerm = PageReadWriteTracked, hostmem.PermissionNone
	}

	m.bitmap.SetTracking(startVa>>PageBits, pages, state)

	return m.space.Reprotect(startVa, pages*PageSize, hostPerm)
}
