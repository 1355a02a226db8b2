package slab

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/memutils"
	"github.com/vkngwrapper/rava/memutils/metadata"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateInternallySynchronized guards the allocator with a mutex so that it can be used from
	// several goroutines. By default the allocator belongs to a single device context and takes
	// no locks.
	CreateInternallySynchronized CreateFlags = 1 << iota
	// CreateFirstFit places allocations in the first free region of a slab that can hold them,
	// rather than the smallest
	CreateFirstFit
)

func init() {
	CreateInternallySynchronized.Register("CreateInternallySynchronized")
	CreateFirstFit.Register("CreateFirstFit")
}

const (
	// DefaultMinSlabSize is the smallest slab created for a heap. It is equal to 1MiB.
	DefaultMinSlabSize int = 1024 * 1024
	// DefaultMaxSlabSize is the largest pooled slab. Requests above it get a dedicated slab.
	// It is equal to 512MiB.
	DefaultMaxSlabSize int = 512 * 1024 * 1024
	// DefaultGrowthFactor multiplies the previous slab size when a heap must grow
	DefaultGrowthFactor int = 4
	// DefaultMinRegionSize is the smallest leftover fragment kept on a slab's free list
	DefaultMinRegionSize int = 256
)

// MemoryCallbackOptions is an optional set of callbacks executed whenever the allocator
// allocates or frees a slab of device memory
type MemoryCallbackOptions struct {
	Allocate func(memoryTypeIndex int, memory driver.Memory, size int)
	Free     func(memoryTypeIndex int, memory driver.Memory, size int)
}

// CreateOptions contains optional settings when creating an allocator. Zero values select
// the defaults.
type CreateOptions struct {
	Flags CreateFlags

	MinSlabSize   int
	MaxSlabSize   int
	GrowthFactor  int
	MinRegionSize int

	// HeapSizeLimits can be left empty. If provided, it must have one entry per memory heap on
	// the device. Each entry is either the maximum number of bytes the allocator may hold in that
	// heap, or -1 for no limit. Exceeding a limit fails the allocation with ErrOutOfMemory.
	HeapSizeLimits []int

	MemoryCallbacks *MemoryCallbackOptions
}

func (o CreateOptions) withDefaults(props *driver.Properties) (CreateOptions, error) {
	if o.MinSlabSize == 0 {
		o.MinSlabSize = DefaultMinSlabSize
	}
	if o.MaxSlabSize == 0 {
		o.MaxSlabSize = DefaultMaxSlabSize
	}
	if o.GrowthFactor == 0 {
		o.GrowthFactor = DefaultGrowthFactor
	}
	if o.MinRegionSize == 0 {
		o.MinRegionSize = DefaultMinRegionSize
	}

	if o.MinSlabSize < 1 || o.MaxSlabSize < o.MinSlabSize {
		return o, errors.Newf("invalid slab bounds [%d, %d]", o.MinSlabSize, o.MaxSlabSize)
	}
	if o.GrowthFactor < 1 {
		return o, errors.Newf("invalid growth factor %d", o.GrowthFactor)
	}
	if len(o.HeapSizeLimits) > 0 && len(o.HeapSizeLimits) != len(props.MemoryHeaps) {
		return o, errors.Newf("%d heap size limits were provided for %d memory heaps", len(o.HeapSizeLimits), len(props.MemoryHeaps))
	}
	if props.BufferImageGranularity > 0 {
		if err := memutils.CheckPow2(props.BufferImageGranularity, "BufferImageGranularity"); err != nil {
			return o, err
		}
	}

	return o, nil
}

func (o CreateOptions) strategy() metadata.AllocationStrategy {
	if o.Flags&CreateFirstFit != 0 {
		return metadata.AllocationStrategyMinTime
	}
	return metadata.AllocationStrategyMinMemory
}
