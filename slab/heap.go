package slab

import (
	"fmt"

	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/memutils"
)

// Kind separates heaps by what will be bound to their memory
type Kind int32

const (
	// KindGeneric memory is handed out raw. Nothing is bound to it by the allocator.
	KindGeneric Kind = iota
	// KindBuffer memory is covered by a single buffer per slab, and slices are sub-ranges of that buffer
	KindBuffer
	// KindImage memory is bound to images by the caller
	KindImage
)

var kindNames = map[Kind]string{
	KindGeneric: "Generic",
	KindBuffer:  "Buffer",
	KindImage:   "Image",
}

func (k Kind) String() string {
	return kindNames[k]
}

// HeapKey identifies a class of memory requests. Requests with equal keys share slabs.
type HeapKey struct {
	Kind Kind
	// Usage is the usage of the spanning buffer for KindBuffer heaps, and ignored otherwise
	Usage driver.BufferUsage
	// Properties are the memory properties the heap's memory type must have
	Properties driver.MemoryProperty
	// TypeBits restricts the memory types the heap may use. Zero permits every type.
	TypeBits uint32
}

func (k HeapKey) String() string {
	if k.Kind == KindBuffer {
		return fmt.Sprintf("%s[%s|%s|%#x]", k.Kind, k.Usage, k.Properties, k.TypeBits)
	}
	return fmt.Sprintf("%s[%s|%#x]", k.Kind, k.Properties, k.TypeBits)
}

type heap struct {
	index           int
	key             HeapKey
	memoryTypeIndex int
	memoryHeapIndex int
	hostVisible     bool
	alignment       uint

	slabs        []*slab
	lastSlabSize int
}

func (h *heap) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, s := range h.slabs {
		s.metadata.AddDetailedStatistics(stats)
	}
}

func (h *heap) remove(s *slab) {
	for i, candidate := range h.slabs {
		if candidate == s {
			h.slabs = append(h.slabs[:i], h.slabs[i+1:]...)
			return
		}
	}

	panic("attempted to remove a slab from a heap that did not own it")
}
