package metadata

// AllocationStrategy selects how a free region is chosen for a new allocation. If none is
// chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free region that can hold the allocation,
	// minimizing fragmentation at the expense of a full scan of the free list
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first free region that can hold the allocation
	AllocationStrategyMinTime
)
