package slab

import (
	"unsafe"

	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/memutils/metadata"
)

// Slice is a leased range of a slab. It is a plain value: the slab it came from is found
// through the allocator by id, so a Slice never keeps a slab alive. Each Slice must be freed
// exactly once.
type Slice struct {
	heapIndex int
	slabID    int
	handle    metadata.BlockAllocationHandle
	memory    driver.Memory
	offset    int
	size      int
}

// Memory is the device memory the slice lives in
func (s Slice) Memory() driver.Memory { return s.memory }

// Offset is the byte offset of the slice within its memory
func (s Slice) Offset() int { return s.offset }

// Size is the number of bytes that were requested
func (s Slice) Size() int { return s.size }

// SlabID identifies the slab the slice was carved from
func (s Slice) SlabID() int { return s.slabID }

// IsZero reports whether this is the zero Slice, which refers to no memory
func (s Slice) IsZero() bool { return s.memory == 0 }

// Range is the half-open byte range the slice occupies
func (s Slice) Range() metadata.Region {
	return metadata.Region{Start: s.offset, End: s.offset + s.size}
}

// BufferSlice is a Slice of a buffer heap. The slice is a sub-range of a buffer spanning the
// whole slab, and if the memory is host visible, it is directly addressable.
type BufferSlice struct {
	Slice

	buffer driver.Buffer
	data   unsafe.Pointer
}

// Buffer is the buffer the slice is a sub-range of. Offset is relative to the start of this buffer.
func (b BufferSlice) Buffer() driver.Buffer { return b.buffer }

// Mapped reports whether the slice is host visible and persistently mapped
func (b BufferSlice) Mapped() bool { return b.data != nil }

// Data points at the first byte of the slice in host memory, or is nil if the slice is not mapped
func (b BufferSlice) Data() unsafe.Pointer { return b.data }

// Bytes returns the slice's mapped memory, or nil if the slice is not mapped
func (b BufferSlice) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.data), b.size)
}
