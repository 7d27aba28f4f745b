package jitcache

// UnwindPushEntry describes one register save performed by a function prologue
type UnwindPushEntry struct {
	PseudoOp               int
	PrologOffset           int
	RegIndex               int
	StackOffsetOrAllocSize int
}

// UnwindInfo is the unwind metadata the code generator produces alongside a function. The cache
// stores it untouched so the unwinder can recover it from a PC.
type UnwindInfo struct {
	PushEntries []UnwindPushEntry
	PrologSize  int
}

// CacheEntry is the placement of one installed function inside the cache region
type CacheEntry struct {
	// Offset is the distance from the start of the cache region to the first byte of code
	Offset uint64
	// Size is the length of the code that was installed
	Size       uint64
	UnwindInfo UnwindInfo

	allocSize uint64
}

// End returns the first offset past the end of the installed code
func (e CacheEntry) End() uint64 {
	return e.Offset + e.Size
}

// Contains returns true if offset lies inside the installed code
func (e CacheEntry) Contains(offset uint64) bool {
	return offset >= e.Offset && offset < e.End()
}

func compareEntryOffset(entry CacheEntry, offset uint64) int {
	if entry.Offset < offset {
		return -1
	} else if entry.Offset > offset {
		return 1
	}
	return 0
}
