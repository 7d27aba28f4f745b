package hostmem

import "unsafe"

// Uint64s reinterprets a byte slice as native-endian 64-bit words. len(b) must be a multiple of
// eight and b must be 8-byte aligned, which holds for any slice starting on a host page.
func Uint64s(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}

	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}
