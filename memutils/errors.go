package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is the error returned from allocation methods when no free block or slab page large
// enough to serve the request exists. It is propagated to the caller as-is (possibly wrapped with request
// context); the allocators never retry and never block waiting for memory.
var OutOfMemoryError error = errors.New("out of memory")

// InvalidFreeError is the error returned from deallocation methods when the address, order, or size passed
// in does not match a live allocation. Receiving it indicates a caller contract violation: a double free,
// a free of memory that was never allocated, or a free with the wrong geometry.
var InvalidFreeError error = errors.New("invalid free")
