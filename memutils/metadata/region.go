package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/memutils"
	"golang.org/x/exp/slices"
)

type regionAllocation struct {
	reserved Region
	offset   int
	size     int
	userData any
}

// RegionBlockMetadata is a BlockMetadata implementation that tracks free space as a sorted
// list of non-overlapping Regions. Adjacent free regions are always merged.
//
// Leftover fragments smaller than the minimum region size are never placed on the free list.
// They are folded into the reserved range of the allocation that produced them and return to
// the free list when that allocation is freed, so the sum of reserved and free bytes always
// equals the block size.
type RegionBlockMetadata struct {
	BlockMetadataBase

	minRegionSize int
	free          []Region
	sumFree       int
	allocations   *swiss.Map[BlockAllocationHandle, regionAllocation]
}

var _ BlockMetadata = &RegionBlockMetadata{}

// NewRegionBlockMetadata creates a RegionBlockMetadata that discards fragments below minRegionSize
// bytes. A minRegionSize below 1 is treated as 1.
func NewRegionBlockMetadata(minRegionSize int) *RegionBlockMetadata {
	return &RegionBlockMetadata{
		minRegionSize: max(minRegionSize, 1),
		allocations:   swiss.NewMap[BlockAllocationHandle, regionAllocation](8),
	}
}

func (m *RegionBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

func (m *RegionBlockMetadata) Clear() {
	m.free = m.free[:0]
	m.allocations.Clear()
	m.sumFree = m.Size()

	if m.Size() > 0 {
		m.free = append(m.free, Region{Start: 0, End: m.Size()})
	}
}

func (m *RegionBlockMetadata) AllocationCount() int  { return m.allocations.Count() }
func (m *RegionBlockMetadata) FreeRegionsCount() int { return len(m.free) }
func (m *RegionBlockMetadata) SumFreeSize() int      { return m.sumFree }
func (m *RegionBlockMetadata) IsEmpty() bool         { return m.allocations.Count() == 0 }

func (m *RegionBlockMetadata) LargestFreeRegion() int {
	largest := 0
	for _, region := range m.free {
		largest = max(largest, region.Size())
	}
	return largest
}

func (m *RegionBlockMetadata) FreeRegions() []Region {
	return slices.Clone(m.free)
}

func (m *RegionBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return nil, errors.Newf("no allocation with handle %d", allocHandle)
	}

	return alloc.userData, nil
}

// findFit locates a free region that can hold size bytes at the requested alignment. Under
// AllocationStrategyMinTime the first such region is returned, otherwise the smallest.
func (m *RegionBlockMetadata) findFit(size int, alignment uint, strategy AllocationStrategy) (int, int, bool) {
	bestIndex := -1
	bestOffset := 0

	for i, region := range m.free {
		offset := memutils.AlignUp(region.Start, alignment)
		if offset+size > region.End {
			continue
		}

		if strategy&AllocationStrategyMinTime != 0 {
			return i, offset, true
		}

		if bestIndex < 0 || region.Size() < m.free[bestIndex].Size() {
			bestIndex = i
			bestOffset = offset
		}
	}

	return bestIndex, bestOffset, bestIndex >= 0
}

func (m *RegionBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.AssertionFailedf("invalid allocation size %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	if allocSize > m.sumFree {
		return false, AllocationRequest{}, nil
	}

	index, offset, found := m.findFit(allocSize, allocAlignment, strategy)
	if !found {
		return false, AllocationRequest{}, nil
	}

	region := m.free[index]
	reserved := Region{Start: offset, End: offset + allocSize}
	if offset-region.Start < m.minRegionSize {
		reserved.Start = region.Start
	}
	if region.End-reserved.End < m.minRegionSize {
		reserved.End = region.End
	}

	requestType := AllocationRequestBestFit
	if strategy&AllocationStrategyMinTime != 0 {
		requestType = AllocationRequestFirstFit
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(reserved.Start),
		Offset:                offset,
		Size:                  allocSize,
		Region:                region,
		Reserved:              reserved,
		Type:                  requestType,
	}, nil
}

func (m *RegionBlockMetadata) regionIndex(start int) (int, bool) {
	return slices.BinarySearchFunc(m.free, start, func(r Region, target int) int {
		return r.Start - target
	})
}

func (m *RegionBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	index, found := m.regionIndex(request.Region.Start)
	if !found || m.free[index] != request.Region {
		return errors.Newf("free region [%d, %d) no longer exists", request.Region.Start, request.Region.End)
	}
	if !request.Region.Contains(request.Reserved) || request.Offset < request.Reserved.Start ||
		request.Offset+request.Size > request.Reserved.End {
		return errors.AssertionFailedf("allocation request at offset %d is not contained by its region", request.Offset)
	}

	var leftovers []Region
	if request.Reserved.Start > request.Region.Start {
		leftovers = append(leftovers, Region{Start: request.Region.Start, End: request.Reserved.Start})
	}
	if request.Reserved.End < request.Region.End {
		leftovers = append(leftovers, Region{Start: request.Reserved.End, End: request.Region.End})
	}

	m.free = slices.Replace(m.free, index, index+1, leftovers...)
	m.sumFree -= request.Reserved.Size()

	m.allocations.Put(request.BlockAllocationHandle, regionAllocation{
		reserved: request.Reserved,
		offset:   request.Offset,
		size:     request.Size,
		userData: userData,
	})

	memutils.DebugValidate(m)
	return nil
}

func (m *RegionBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return errors.Newf("no allocation with handle %d", allocHandle)
	}
	m.allocations.Delete(allocHandle)

	released := alloc.reserved
	index, _ := m.regionIndex(released.Start)

	mergeLeft := index > 0 && m.free[index-1].End == released.Start
	mergeRight := index < len(m.free) && m.free[index].Start == released.End

	switch {
	case mergeLeft && mergeRight:
		m.free[index-1].End = m.free[index].End
		m.free = slices.Delete(m.free, index, index+1)
	case mergeLeft:
		m.free[index-1].End = released.End
	case mergeRight:
		m.free[index].Start = released.Start
	default:
		m.free = slices.Insert(m.free, index, released)
	}

	m.sumFree += released.Size()

	memutils.DebugValidate(m)
	return nil
}

func (m *RegionBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	type visit struct {
		handle BlockAllocationHandle
		alloc  regionAllocation
	}

	allocs := make([]visit, 0, m.allocations.Count())
	m.allocations.Iter(func(handle BlockAllocationHandle, alloc regionAllocation) bool {
		allocs = append(allocs, visit{handle: handle, alloc: alloc})
		return false
	})
	slices.SortFunc(allocs, func(a, b visit) int {
		return a.alloc.reserved.Start - b.alloc.reserved.Start
	})

	freeIndex := 0
	for _, a := range allocs {
		for freeIndex < len(m.free) && m.free[freeIndex].Start < a.alloc.reserved.Start {
			region := m.free[freeIndex]
			if err := handleBlock(NoAllocation, region.Start, region.Size(), nil, true); err != nil {
				return err
			}
			freeIndex++
		}

		if err := handleBlock(a.handle, a.alloc.reserved.Start, a.alloc.reserved.Size(), a.alloc.userData, false); err != nil {
			return err
		}
	}

	for ; freeIndex < len(m.free); freeIndex++ {
		region := m.free[freeIndex]
		if err := handleBlock(NoAllocation, region.Start, region.Size(), nil, true); err != nil {
			return err
		}
	}

	return nil
}

func (m *RegionBlockMetadata) Validate() error {
	sumFree := 0
	for i, region := range m.free {
		if region.Size() < 1 {
			return errors.Newf("free region %d is empty: [%d, %d)", i, region.Start, region.End)
		}
		if region.Start < 0 || region.End > m.Size() {
			return errors.Newf("free region %d lies outside the block: [%d, %d)", i, region.Start, region.End)
		}
		if i > 0 {
			prev := m.free[i-1]
			if prev.End > region.Start {
				return errors.Wrapf(memutils.OverlapError, "free regions [%d, %d) and [%d, %d)", prev.Start, prev.End, region.Start, region.End)
			}
			if prev.End == region.Start {
				return errors.Newf("free regions [%d, %d) and [%d, %d) were not merged", prev.Start, prev.End, region.Start, region.End)
			}
		}
		sumFree += region.Size()
	}

	if sumFree != m.sumFree {
		return errors.Newf("free list holds %d bytes but %d bytes are counted free", sumFree, m.sumFree)
	}

	var err error
	leased := 0
	m.allocations.Iter(func(handle BlockAllocationHandle, alloc regionAllocation) bool {
		leased += alloc.reserved.Size()
		if BlockAllocationHandle(alloc.reserved.Start) != handle {
			err = errors.Newf("allocation at offset %d is filed under handle %d", alloc.reserved.Start, handle)
			return true
		}

		index, _ := m.regionIndex(alloc.reserved.Start)
		for _, neighbor := range m.free[max(index-1, 0):min(index+1, len(m.free))] {
			if neighbor.Overlaps(alloc.reserved) {
				err = errors.Wrapf(memutils.OverlapError, "allocation [%d, %d) and free region [%d, %d)",
					alloc.reserved.Start, alloc.reserved.End, neighbor.Start, neighbor.End)
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	if leased+sumFree != m.Size() {
		return errors.Newf("%d leased bytes and %d free bytes do not add up to block size %d", leased, sumFree, m.Size())
	}

	return nil
}

func (m *RegionBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.allocations.Count()
	stats.AllocationBytes += m.Size() - m.sumFree
}

func (m *RegionBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	m.allocations.Iter(func(_ BlockAllocationHandle, alloc regionAllocation) bool {
		stats.AddAllocation(alloc.reserved.Size())
		return false
	})

	for _, region := range m.free {
		stats.AddUnusedRange(region.Size())
	}
}

func (m *RegionBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeJsonData(json, m.sumFree, m.allocations.Count(), len(m.free))
}
