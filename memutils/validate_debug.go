//go:build debug_mem_utils

package memutils

// DebugValidate panics if validatable reports inconsistent bookkeeping. It only checks when the
// debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. It only checks when the debug_mem_utils build
// tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	if err := CheckPow2(value, name); err != nil {
		panic(err)
	}
}
