package metadata

// AllocationRequestType indicates how the free region in an AllocationRequest was chosen
type AllocationRequestType uint32

const (
	// AllocationRequestBestFit indicates the smallest free region able to hold the allocation was chosen
	AllocationRequestBestFit AllocationRequestType = iota
	// AllocationRequestFirstFit indicates the lowest-offset free region able to hold the allocation was chosen
	AllocationRequestFirstFit
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestBestFit:  "BestFit",
	AllocationRequestFirstFit: "FirstFit",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place new memory. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the allocation once it has been committed
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset of the allocation within the block
	Offset int
	// Size is the size that was requested
	Size int
	// Region is the free region the allocation will be carved from
	Region Region
	// Reserved is the range that will be removed from the free list. It contains
	// [Offset, Offset+Size) and any leftover fragments too small to track.
	Reserved Region
	// Type identifies how Region was chosen
	Type AllocationRequestType
}
