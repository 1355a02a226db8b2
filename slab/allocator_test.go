package slab

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/driver/sim"
	"github.com/vkngwrapper/rava/memutils/metadata"
)

var deviceLocal = HeapKey{Kind: KindGeneric, Properties: driver.MemoryDeviceLocal}

func readyAllocator(t *testing.T, options CreateOptions) (*sim.Device, *Allocator) {
	device := sim.New(sim.Options{})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, device, options)
	require.NoError(t, err)

	return device, allocator
}

func TestAllocateCreatesMinimumSlab(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})

	slice, err := allocator.Allocate(deviceLocal, 1000, 1)
	require.NoError(t, err)
	require.Equal(t, 0, slice.Offset())
	require.Equal(t, 1000, slice.Size())

	require.Equal(t, 1, allocator.SlabCount(deviceLocal))
	require.Equal(t, []int{4096}, allocator.SlabSizes(deviceLocal))
	require.Equal(t, []metadata.Region{{Start: 1000, End: 4096}}, allocator.FreeRegions(slice))
	require.Equal(t, 1, device.MemoryCount())

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Free(slice))
	require.NoError(t, allocator.Destroy())
	require.Empty(t, device.Leaks())
	require.Empty(t, device.Violations())
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})

	x, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	y, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	tail, err := allocator.Allocate(deviceLocal, 3896, 1)
	require.NoError(t, err)

	require.Equal(t, x.SlabID(), y.SlabID())
	require.Equal(t, 100, y.Offset())
	require.Empty(t, allocator.FreeRegions(x))

	require.NoError(t, allocator.Free(x))
	require.Equal(t, []metadata.Region{{Start: 0, End: 100}}, allocator.FreeRegions(y))

	require.NoError(t, allocator.Free(y))
	require.Equal(t, []metadata.Region{{Start: 0, End: 200}}, allocator.FreeRegions(tail))

	require.NoError(t, allocator.Free(tail))
	require.Equal(t, []metadata.Region{{Start: 0, End: 4096}}, allocator.FreeRegions(tail))
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestFirstSlabWithAnyFitWins(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096, GrowthFactor: 1})

	first, err := allocator.Allocate(deviceLocal, 2000, 1)
	require.NoError(t, err)
	second, err := allocator.Allocate(deviceLocal, 3000, 1)
	require.NoError(t, err)
	require.NotEqual(t, first.SlabID(), second.SlabID())

	// The second slab has the tighter fit, but the first slab is searched first
	small, err := allocator.Allocate(deviceLocal, 64, 1)
	require.NoError(t, err)
	require.Equal(t, first.SlabID(), small.SlabID())
	require.Equal(t, 2000, small.Offset())

	for _, slice := range []Slice{first, second, small} {
		require.NoError(t, allocator.Free(slice))
	}
	require.NoError(t, allocator.Destroy())
}

func TestSlabGrowth(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{
		MinSlabSize:  4096,
		MaxSlabSize:  65536,
		GrowthFactor: 2,
	})

	var slices []Slice
	for range 6 {
		slice, err := allocator.Allocate(deviceLocal, 4096, 1)
		require.NoError(t, err)
		slices = append(slices, slice)
	}

	sizes := allocator.SlabSizes(deviceLocal)
	require.Equal(t, []int{8192, 16384}, sizes)
	for i := 1; i < len(sizes); i++ {
		require.GreaterOrEqual(t, sizes[i], sizes[i-1])
	}

	// Growth is capped at the maximum slab size
	for range 8 {
		slice, err := allocator.Allocate(deviceLocal, 16384, 1)
		require.NoError(t, err)
		slices = append(slices, slice)
	}
	for _, size := range allocator.SlabSizes(deviceLocal) {
		require.LessOrEqual(t, size, 65536)
	}

	for _, slice := range slices {
		require.NoError(t, allocator.Free(slice))
	}
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestOversizedRequestGetsDedicatedSlab(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096, MaxSlabSize: 8192})

	small, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)

	large, err := allocator.Allocate(deviceLocal, 10000, 1)
	require.NoError(t, err)
	require.NotEqual(t, small.SlabID(), large.SlabID())
	require.Equal(t, []int{4096, 10000}, allocator.SlabSizes(deviceLocal))
	require.Equal(t, 2, device.MemoryCount())

	// Small requests never land in a dedicated slab
	other, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	require.Equal(t, small.SlabID(), other.SlabID())

	require.NoError(t, allocator.Free(large))
	require.Equal(t, 1, device.MemoryCount())
	require.Equal(t, []int{4096}, allocator.SlabSizes(deviceLocal))

	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Free(other))
	require.NoError(t, allocator.Destroy())
	require.Empty(t, device.Leaks())
}

func TestHeapSizeLimit(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{
		MinSlabSize:    4096,
		GrowthFactor:   1,
		HeapSizeLimits: []int{8192, -1},
	})

	a, err := allocator.Allocate(deviceLocal, 4096, 1)
	require.NoError(t, err)
	b, err := allocator.Allocate(deviceLocal, 4096, 1)
	require.NoError(t, err)

	_, err = allocator.Allocate(deviceLocal, 4096, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, []int{8192, 0}, allocator.HeapUsage())

	// Freeing does not release pooled slabs, so the space is reusable
	require.NoError(t, allocator.Free(a))
	a, err = allocator.Allocate(deviceLocal, 4096, 1)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(b))
	require.NoError(t, allocator.Destroy())
}

func TestDriverOutOfMemory(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})
	device.FailAllocate = func(memoryTypeIndex, size int) error {
		return errors.Wrap(driver.ErrOutOfDeviceMemory, "simulated")
	}

	_, err := allocator.Allocate(deviceLocal, 100, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, driver.ErrOutOfDeviceMemory))
	require.Equal(t, 0, allocator.SlabCount(deviceLocal))

	device.FailAllocate = nil
	slice, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(slice))
	require.NoError(t, allocator.Destroy())
}

func TestNoCompatibleMemoryType(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Allocate(HeapKey{Properties: driver.MemoryLazilyAllocated}, 100, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoMemoryType))
}

func TestInvalidRequests(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Allocate(deviceLocal, 0, 1)
	require.Error(t, err)

	_, err = allocator.Allocate(deviceLocal, 100, 3)
	require.Error(t, err)

	_, err = New(slog.New(slog.NewJSONHandler(io.Discard, nil)), sim.New(sim.Options{}), CreateOptions{
		MinSlabSize: 8192,
		MaxSlabSize: 4096,
	})
	require.Error(t, err)

	_, err = New(slog.New(slog.NewJSONHandler(io.Discard, nil)), sim.New(sim.Options{}), CreateOptions{
		HeapSizeLimits: []int{-1},
	})
	require.Error(t, err)
}

func TestAlignment(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})

	a, err := allocator.Allocate(deviceLocal, 10, 1)
	require.NoError(t, err)
	b, err := allocator.Allocate(deviceLocal, 10, 512)
	require.NoError(t, err)
	require.Equal(t, 512, b.Offset())

	// The 502 byte gap before b is kept for later requests
	c, err := allocator.Allocate(deviceLocal, 300, 1)
	require.NoError(t, err)
	require.Equal(t, 10, c.Offset())

	for _, slice := range []Slice{a, b, c} {
		require.NoError(t, allocator.Free(slice))
	}
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateBuffer(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 1 << 16})

	usage := driver.BufferUsageUniform | driver.BufferUsageTransferSrc
	hostVisible := driver.MemoryHostVisible | driver.MemoryHostCoherent

	a, err := allocator.AllocateBuffer(usage, hostVisible, 100, 1)
	require.NoError(t, err)
	b, err := allocator.AllocateBuffer(usage, hostVisible, 100, 1)
	require.NoError(t, err)

	require.Equal(t, a.Buffer(), b.Buffer())
	require.NotEqual(t, a.Offset(), b.Offset())
	require.Zero(t, b.Offset()%device.Properties().BufferImageGranularity)
	require.Zero(t, b.Offset()%device.Properties().MinUniformBufferOffsetAlignment)

	require.True(t, a.Mapped())
	require.Len(t, a.Bytes(), 100)
	copy(b.Bytes(), "slab contents")

	contents, err := device.BufferContents(b.Buffer(), b.Offset(), 13)
	require.NoError(t, err)
	require.Equal(t, []byte("slab contents"), contents)

	local, err := allocator.AllocateBuffer(driver.BufferUsageStorage, driver.MemoryDeviceLocal, 100, 1)
	require.NoError(t, err)
	require.False(t, local.Mapped())
	require.Nil(t, local.Bytes())
	require.NotEqual(t, a.Buffer(), local.Buffer())

	require.NoError(t, allocator.Free(a.Slice))
	require.NoError(t, allocator.Free(b.Slice))
	require.NoError(t, allocator.Free(local.Slice))
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
	require.Empty(t, device.Leaks())
	require.Empty(t, device.Violations())
}

func TestAllocateImageMemory(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 1 << 16})

	image, requirements, err := device.CreateImage(driver.ImageInfo{
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent{Width: 16, Height: 16},
		Usage:  driver.ImageUsageSampled | driver.ImageUsageTransferDst,
	})
	require.NoError(t, err)

	slice, err := allocator.AllocateImageMemory(requirements, driver.MemoryDeviceLocal)
	require.NoError(t, err)
	require.Zero(t, slice.Offset()%int(requirements.Alignment))
	require.NoError(t, device.BindImageMemory(image, slice.Memory(), slice.Offset()))

	device.DestroyImage(image)
	require.NoError(t, allocator.Free(slice))
	require.NoError(t, allocator.Destroy())
	require.Empty(t, device.Leaks())
}

func TestMemoryCallbacks(t *testing.T) {
	allocated, freed := 0, 0
	_, allocator := readyAllocator(t, CreateOptions{
		MinSlabSize: 4096,
		MemoryCallbacks: &MemoryCallbackOptions{
			Allocate: func(memoryTypeIndex int, memory driver.Memory, size int) { allocated += size },
			Free:     func(memoryTypeIndex int, memory driver.Memory, size int) { freed += size },
		},
	})

	slice, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	require.Equal(t, 4096, allocated)
	require.Equal(t, 0, freed)

	require.NoError(t, allocator.Free(slice))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 4096, freed)
}

func TestDestroyWithoutFree(t *testing.T) {
	device := sim.New(sim.Options{})

	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput, nil))
	allocator, err := New(logger, device, CreateOptions{MinSlabSize: 4096})
	require.NoError(t, err)

	_, err = allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.True(t, strings.Contains(logOutput.String(), "[UNRELEASED MEMORY]"))

	// The memory is returned to the device regardless
	require.Empty(t, device.Leaks())
}

func TestDoubleFree(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})

	slice, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)
	keep, err := allocator.Allocate(deviceLocal, 100, 1)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(slice))
	require.Error(t, allocator.Free(slice))

	require.NoError(t, allocator.Free(keep))
	require.NoError(t, allocator.Destroy())
}

func TestStatisticsAndDetailedMap(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{MinSlabSize: 4096})

	a, err := allocator.Allocate(deviceLocal, 1000, 1)
	require.NoError(t, err)
	b, err := allocator.Allocate(deviceLocal, 1000, 1)
	require.NoError(t, err)

	stats := allocator.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 4096, stats.BlockBytes)
	require.Equal(t, 2000, stats.AllocationBytes)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, stats, allocator.HeapStatistics(deviceLocal))

	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer, true)
	require.NoError(t, writer.Error())
	require.Contains(t, string(writer.Bytes()), `"Regions"`)
	require.Contains(t, string(writer.Bytes()), deviceLocal.String())

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(b))
	require.NoError(t, allocator.Destroy())
}

func TestInternallySynchronized(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{
		Flags:       CreateInternallySynchronized,
		MinSlabSize: 1 << 16,
	})

	done := make(chan error)
	for range 8 {
		go func() {
			for range 50 {
				slice, err := allocator.Allocate(deviceLocal, 256, 16)
				if err != nil {
					done <- err
					return
				}
				if err = allocator.Free(slice); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for range 8 {
		require.NoError(t, <-done)
	}

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func BenchmarkAllocateFree(b *testing.B) {
	device := sim.New(sim.Options{})
	allocator, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), device, CreateOptions{})
	require.NoError(b, err)
	defer func() {
		require.NoError(b, allocator.Destroy())
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slice, err := allocator.Allocate(deviceLocal, 100, 1)
		require.NoError(b, err)
		require.NoError(b, allocator.Free(slice))
	}
}
