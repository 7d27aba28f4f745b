//go:build !linux && !darwin

package hostmem

// NewHost returns ErrNotSupported on hosts without an mmap implementation. NewSimulatedHost
// remains available.
func NewHost() (Host, error) {
	return nil, ErrNotSupported
}
