package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/memutils"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the
	// size in bytes of the block of memory it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block. Adjacent free
	// regions are always merged, so they are counted once.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block
	SumFreeSize() int
	// LargestFreeRegion returns the size in bytes of the largest free region in the block
	LargestFreeRegion() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. Allocations report their reserved range, which may be larger than
	// the requested size.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// FreeRegions returns a copy of the free region list, sorted by offset
	FreeRegions() []Region

	// AllocationUserData returns the userdata value provided by the consumer for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the
	// implementation would place the requested memory. The request can be passed to Alloc to commit
	// the allocation. The boolean return is false when no free region can hold the allocation.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation, a power of two
	// strategy - whether to prioritize memory usage or allocation speed when choosing a region
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, carving the suballocation out of its free region. It
	// returns an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error

	// Free returns a suballocation's reserved range to the free list, merging it with any adjacent
	// free regions. It returns an error if the handle does not map to a live allocation.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase provides a few shared utilities for BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
