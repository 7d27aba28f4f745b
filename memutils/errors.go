package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfSpaceError is returned by range allocators when no free range can hold the requested size
var OutOfSpaceError error = errors.New("no free range is large enough for the requested allocation")
