//go:build (linux || darwin) && !arm64

package hostmem

// flushInstructionCache is a no-op on hosts whose instruction cache is coherent with data writes
func flushInstructionCache(start, end uintptr) {}
