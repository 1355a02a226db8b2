package slab

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied even after growing a new slab.
	// The caller may free other resources and retry. The allocator does not retry internally.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrNoMemoryType is returned when no memory type on the device matches a heap key
	ErrNoMemoryType = errors.New("no compatible memory type")
)
