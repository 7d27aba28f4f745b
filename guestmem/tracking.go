package guestmem

//go:generate mockgen -source tracking.go -destination ./mocks/tracking.go -package mock_guestmem

// NoExemptID is passed as the exempt handle id when no tracking handle is exempt from an event
const NoExemptID = -1

// RegionHandle is a region registered with the tracking collaborator by BeginTracking
type RegionHandle interface {
	Address() uint64
	Size() uint64
	// Dirty returns true if the region has been written since it was last reprotected
	Dirty() bool
	Close() error
}

// MultiRegionHandle is a set of equally sized RegionHandles covering one range
type MultiRegionHandle interface {
	Address() uint64
	Size() uint64
	Close() error
}

// Tracking is the memory tracking collaborator. It owns the handles that watch guest ranges for
// reads and writes, and it decides what protection each tracked page needs, which it applies
// through Manager.TrackingReprotect.
type Tracking interface {
	// VirtualMemoryEvent notifies the collaborator that [va, va+size) is about to be accessed.
	// precise events come from accesses that must be reported exactly rather than by page. The
	// handle with id exemptID, if any, is not notified. It returns false if the access did not
	// touch any tracked memory.
	VirtualMemoryEvent(va, size uint64, write, precise bool, exemptID int) bool
	// Map tells the collaborator that [va, va+size) is now mapped
	Map(va, size uint64)
	// Unmap tells the collaborator that [va, va+size) is no longer mapped
	Unmap(va, size uint64)

	BeginTracking(address, size uint64, id int) RegionHandle
	BeginGranularTracking(address, size uint64, handles []RegionHandle, granularity uint64, id int) MultiRegionHandle
	BeginSmartGranularTracking(address, size, granularity uint64, id int) MultiRegionHandle
}
