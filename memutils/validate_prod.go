//go:build !debug_mem_utils

package memutils

// DebugValidate panics if validatable reports inconsistent bookkeeping. It only checks when the
// debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {}

// DebugCheckPow2 panics if value is not a power of two. It only checks when the debug_mem_utils build
// tag is present.
func DebugCheckPow2[T Number](value T, name string) {}
