//go:build (linux || darwin) && arm64

package hostmem

// flushInstructionCache cleans the data cache and invalidates the instruction cache for every
// line in [start, end), then synchronizes the pipeline.
//
//go:noescape
func flushInstructionCache(start, end uintptr)
