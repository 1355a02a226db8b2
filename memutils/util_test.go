package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/memutils"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 256))
	require.Equal(t, 256, memutils.AlignUp(1, 256))
	require.Equal(t, 256, memutils.AlignUp(256, 256))
	require.Equal(t, 1024, memutils.AlignUp(1000, 512))
	require.Equal(t, 1000, memutils.AlignUp(1000, 1))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(255, 256))
	require.Equal(t, 512, memutils.AlignDown(1000, 512))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(64), "alignment"))
	require.NoError(t, memutils.CheckPow2(1, "alignment"))

	err := memutils.CheckPow2(48, "alignment")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.ErrorContains(t, err, "alignment is 48")

	require.Error(t, memutils.CheckPow2(0, "alignment"))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 4096, memutils.Clamp(100, 4096, 8192))
	require.Equal(t, 8192, memutils.Clamp(100000, 4096, 8192))
	require.Equal(t, 5000, memutils.Clamp(5000, 4096, 8192))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)

	stats.BlockCount = 1
	stats.BlockBytes = 4096
	stats.AddAllocation(1000)
	stats.AddAllocation(24)
	stats.AddUnusedRange(3072)

	var other memutils.DetailedStatistics
	other.Clear()
	other.BlockCount = 1
	other.BlockBytes = 1024
	other.AddUnusedRange(1024)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      5120,
			AllocationCount: 2,
			AllocationBytes: 1024,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  24,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 1024,
		UnusedRangeSizeMax: 3072,
	}, stats)
	require.Equal(t, 4096, stats.UnusedBytes())

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(&obj)
	obj.End()
	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"BlockCount": 2, "BlockBytes": 5120, "AllocationCount": 2, "AllocationBytes": 1024,
		"UnusedRangeCount": 2, "AllocationSizeMin": 24, "AllocationSizeMax": 1000,
		"UnusedRangeSizeMin": 1024, "UnusedRangeSizeMax": 3072
	}`, string(writer.Bytes()))
}
