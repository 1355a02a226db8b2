package metadata

import "math"

type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Region is a half-open [Start, End) byte range within a block
type Region struct {
	Start int
	End   int
}

func (r Region) Size() int {
	return r.End - r.Start
}

// Contains reports whether other lies entirely within r
func (r Region) Contains(other Region) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether r and other share at least one byte
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End && other.Start < r.End
}
