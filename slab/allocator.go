package slab

import (
	"context"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/internal/utils"
	"github.com/vkngwrapper/rava/memutils"
	"github.com/vkngwrapper/rava/memutils/metadata"
)

// Allocator hands out slices of device memory from slabs grouped into heaps. A heap holds
// every slab for one HeapKey and is created on the first request for that key.
type Allocator struct {
	logger  *slog.Logger
	device  driver.MemoryDevice
	props   *driver.Properties
	options CreateOptions

	mutex      utils.OptionalRWMutex
	heapByKey  *swiss.Map[HeapKey, int]
	heaps      []*heap
	slabs      *swiss.Map[int, *slab]
	nextSlabID int
	heapUsage  []int
}

// New creates an Allocator for device
func New(logger *slog.Logger, device driver.MemoryDevice, options CreateOptions) (*Allocator, error) {
	props := device.Properties()
	options, err := options.withDefaults(props)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		logger:  logger,
		device:  device,
		props:   props,
		options: options,
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateInternallySynchronized != 0,
		},
		heapByKey: swiss.NewMap[HeapKey, int](8),
		slabs:     swiss.NewMap[int, *slab](16),
		heapUsage: make([]int, len(props.MemoryHeaps)),
	}, nil
}

// Options returns the allocator's settings with defaults applied
func (a *Allocator) Options() CreateOptions {
	return a.options
}

// Allocate leases size bytes aligned to alignment from the heap matching key. Requests larger
// than the maximum slab size receive a dedicated slab of exactly their size.
func (a *Allocator) Allocate(key HeapKey, size int, alignment uint) (Slice, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	slice, _, err := a.allocate(key, size, alignment)
	return slice, err
}

// AllocateBuffer leases size bytes of a buffer with the requested usage in memory with the
// requested properties. The offset is aligned to alignment, the device's buffer-image
// granularity and the device's offset alignment for the usage.
func (a *Allocator) AllocateBuffer(usage driver.BufferUsage, properties driver.MemoryProperty, size int, alignment uint) (BufferSlice, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := HeapKey{Kind: KindBuffer, Usage: usage, Properties: properties}
	slice, s, err := a.allocate(key, size, alignment)
	if err != nil {
		return BufferSlice{}, err
	}

	result := BufferSlice{Slice: slice, buffer: s.buffer}
	if s.data != nil {
		result.data = unsafe.Add(s.data, slice.offset)
	}
	return result, nil
}

// AllocateImageMemory leases memory satisfying an image's requirements. The caller binds the
// image to Slice.Memory at Slice.Offset.
func (a *Allocator) AllocateImageMemory(requirements driver.MemoryRequirements, properties driver.MemoryProperty) (Slice, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := HeapKey{Kind: KindImage, Properties: properties, TypeBits: requirements.MemoryTypeBits}
	slice, _, err := a.allocate(key, requirements.Size, requirements.Alignment)
	return slice, err
}

func (a *Allocator) allocate(key HeapKey, size int, alignment uint) (Slice, *slab, error) {
	if size < 1 {
		return Slice{}, nil, errors.AssertionFailedf("invalid allocation size %d", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return Slice{}, nil, err
	}

	h, err := a.heapFor(key)
	if err != nil {
		return Slice{}, nil, err
	}
	alignment = max(alignment, h.alignment)

	if size > a.options.MaxSlabSize {
		s, err := a.createSlab(h, size, true)
		if err != nil {
			return Slice{}, nil, err
		}

		slice, err := a.allocFromSlab(h, s, size, alignment)
		if err != nil {
			return Slice{}, nil, err
		}
		return slice, s, nil
	}

	// First slab with any fit wins. Within that slab the metadata picks the best fit.
	for _, s := range h.slabs {
		if s.dedicated {
			continue
		}

		slice, err := a.allocFromSlab(h, s, size, alignment)
		if err == nil {
			return slice, s, nil
		} else if !errors.Is(err, ErrOutOfMemory) {
			return Slice{}, nil, err
		}
	}

	s, err := a.createSlab(h, a.nextSlabSize(h, size), false)
	if err != nil {
		return Slice{}, nil, err
	}

	slice, err := a.allocFromSlab(h, s, size, alignment)
	if err != nil {
		return Slice{}, nil, errors.WithAssertionFailure(err)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Created new slab",
		slog.String("heap", key.String()),
		slog.Int("slab.id", s.id),
		slog.Int("slab.size", s.size),
		slog.Int("slabCount", len(h.slabs)),
	)
	return slice, s, nil
}

func (a *Allocator) allocFromSlab(h *heap, s *slab, size int, alignment uint) (Slice, error) {
	success, request, err := s.metadata.CreateAllocationRequest(size, alignment, a.options.strategy())
	if err != nil {
		return Slice{}, err
	} else if !success {
		return Slice{}, ErrOutOfMemory
	}

	slice := Slice{
		heapIndex: h.index,
		slabID:    s.id,
		handle:    request.BlockAllocationHandle,
		memory:    s.memory,
		offset:    request.Offset,
		size:      size,
	}

	err = s.metadata.Alloc(request, slice)
	if err != nil {
		return Slice{}, err
	}
	s.used += size

	return slice, nil
}

// nextSlabSize grows the heap geometrically from the larger of the request and the last slab
func (a *Allocator) nextSlabSize(h *heap, size int) int {
	grown := a.options.GrowthFactor * max(size, h.lastSlabSize)
	slabSize := memutils.Clamp(max(a.options.MinSlabSize, grown), a.options.MinSlabSize, a.options.MaxSlabSize)
	return max(slabSize, size)
}

func (a *Allocator) heapFor(key HeapKey) (*heap, error) {
	index, ok := a.heapByKey.Get(key)
	if ok {
		return a.heaps[index], nil
	}

	typeBits := key.TypeBits
	if typeBits == 0 {
		typeBits = ^uint32(0)
	}

	alignment := uint(1)
	if key.Kind == KindBuffer {
		// Ask the device which memory types a buffer of this usage can live in
		probe, requirements, err := a.device.CreateBuffer(1, key.Usage)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query requirements for buffer usage %s", key.Usage)
		}
		a.device.DestroyBuffer(probe)

		typeBits &= requirements.MemoryTypeBits
		alignment = max(alignment, requirements.Alignment, a.bufferOffsetAlignment(key.Usage))
	}
	if key.Kind != KindGeneric && a.props.BufferImageGranularity > 0 {
		alignment = max(alignment, uint(a.props.BufferImageGranularity))
	}

	memoryTypeIndex, found := a.props.FindMemoryType(typeBits, key.Properties)
	if !found {
		return nil, errors.Wrapf(ErrNoMemoryType, "heap %s", key)
	}

	h := &heap{
		index:           len(a.heaps),
		key:             key,
		memoryTypeIndex: memoryTypeIndex,
		memoryHeapIndex: a.props.MemoryTypes[memoryTypeIndex].HeapIndex,
		hostVisible:     a.props.MemoryTypes[memoryTypeIndex].Properties&driver.MemoryHostVisible != 0,
		alignment:       alignment,
	}
	a.heaps = append(a.heaps, h)
	a.heapByKey.Put(key, h.index)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Created heap",
		slog.String("heap", key.String()),
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("alignment", int(alignment)),
	)
	return h, nil
}

func (a *Allocator) bufferOffsetAlignment(usage driver.BufferUsage) uint {
	alignment := 1
	if usage&driver.BufferUsageUniform != 0 {
		alignment = max(alignment, a.props.MinUniformBufferOffsetAlignment)
	}
	if usage&driver.BufferUsageStorage != 0 {
		alignment = max(alignment, a.props.MinStorageBufferOffsetAlignment)
	}
	if usage&(driver.BufferUsageUniformTexel|driver.BufferUsageStorageTexel) != 0 {
		alignment = max(alignment, a.props.MinTexelBufferOffsetAlignment)
	}
	if usage&(driver.BufferUsageTransferSrc|driver.BufferUsageTransferDst) != 0 {
		alignment = max(alignment, a.props.OptimalBufferCopyOffsetAlignment)
	}
	return uint(alignment)
}

func (a *Allocator) createSlab(h *heap, size int, dedicated bool) (*slab, error) {
	if len(a.options.HeapSizeLimits) > 0 {
		limit := a.options.HeapSizeLimits[h.memoryHeapIndex]
		if limit >= 0 && a.heapUsage[h.memoryHeapIndex]+size > limit {
			return nil, errors.Wrapf(ErrOutOfMemory, "a %d byte slab would exceed the %d byte limit of memory heap %d",
				size, limit, h.memoryHeapIndex)
		}
	}

	memory, err := a.device.AllocateMemory(h.memoryTypeIndex, size)
	if err != nil {
		err = errors.Wrapf(err, "failed to allocate %d byte slab for heap %s", size, h.key)
		if errors.Is(err, driver.ErrOutOfDeviceMemory) || errors.Is(err, driver.ErrOutOfHostMemory) {
			err = errors.Mark(err, ErrOutOfMemory)
		}
		return nil, err
	}

	s := slabPool.Get().(*slab)
	s.Init(a.logger, a.nextSlabID, h.index, memory, size, a.options.MinRegionSize, dedicated)

	if h.key.Kind == KindBuffer {
		err = a.bindSlabBuffer(h, s)
		if err != nil {
			_ = s.release(a.device)
			slabPool.Put(s)
			return nil, err
		}
	}

	a.nextSlabID++
	a.heapUsage[h.memoryHeapIndex] += size
	a.slabs.Put(s.id, s)
	h.slabs = append(h.slabs, s)
	if !dedicated {
		h.lastSlabSize = size
	}

	if a.options.MemoryCallbacks != nil && a.options.MemoryCallbacks.Allocate != nil {
		a.options.MemoryCallbacks.Allocate(h.memoryTypeIndex, memory, size)
	}

	return s, nil
}

func (a *Allocator) bindSlabBuffer(h *heap, s *slab) error {
	buffer, requirements, err := a.device.CreateBuffer(s.size, h.key.Usage)
	if err != nil {
		return errors.Wrapf(err, "failed to create buffer spanning slab %d", s.id)
	}
	s.buffer = buffer

	if requirements.MemoryTypeBits&(1<<uint(h.memoryTypeIndex)) == 0 {
		return errors.AssertionFailedf("buffer spanning slab %d cannot live in memory type %d", s.id, h.memoryTypeIndex)
	}

	err = a.device.BindBufferMemory(buffer, s.memory, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to bind buffer spanning slab %d", s.id)
	}

	if h.hostVisible {
		data, err := a.device.MapMemory(s.memory, s.size)
		if err != nil {
			return errors.Wrapf(err, "failed to map slab %d", s.id)
		}
		s.data = data
	}

	return nil
}

// Free returns a slice to its slab. A slice from a dedicated slab releases the whole slab.
// Each slice must be freed exactly once.
func (a *Allocator) Free(slice Slice) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	s, ok := a.slabs.Get(slice.slabID)
	if !ok {
		return errors.AssertionFailedf("slice at offset %d refers to unknown slab %d", slice.offset, slice.slabID)
	}

	err := s.metadata.Free(slice.handle)
	if err != nil {
		return errors.Wrapf(err, "failed to free slice at offset %d of slab %d", slice.offset, slice.slabID)
	}
	s.used -= slice.size

	if s.dedicated {
		a.releaseSlab(a.heaps[s.heapIndex], s)
	}

	return nil
}

func (a *Allocator) releaseSlab(h *heap, s *slab) {
	memory, size := s.memory, s.size

	err := s.release(a.device)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "Released slab with live slices",
			slog.Int("slab.id", s.id), slog.Any("error", err))
	}

	h.remove(s)
	a.slabs.Delete(s.id)
	a.heapUsage[h.memoryHeapIndex] -= size

	if a.options.MemoryCallbacks != nil && a.options.MemoryCallbacks.Free != nil {
		a.options.MemoryCallbacks.Free(h.memoryTypeIndex, memory, size)
	}
	slabPool.Put(s)
}

// Destroy releases every slab. Slices that were never freed are logged, and an error is
// returned if there were any.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	for _, h := range a.heaps {
		for len(h.slabs) > 0 {
			s := h.slabs[len(h.slabs)-1]
			memory, size := s.memory, s.size

			releaseErr := s.release(a.device)
			if releaseErr != nil {
				err = errors.CombineErrors(err, releaseErr)
			}

			h.slabs = h.slabs[:len(h.slabs)-1]
			a.slabs.Delete(s.id)
			a.heapUsage[h.memoryHeapIndex] -= size
			if a.options.MemoryCallbacks != nil && a.options.MemoryCallbacks.Free != nil {
				a.options.MemoryCallbacks.Free(h.memoryTypeIndex, memory, size)
			}
			slabPool.Put(s)
		}
	}

	a.heaps = nil
	a.heapByKey.Clear()
	return err
}

// SlabCount returns the number of slabs in the heap for key, including dedicated slabs
func (a *Allocator) SlabCount(key HeapKey) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	index, ok := a.heapByKey.Get(key)
	if !ok {
		return 0
	}
	return len(a.heaps[index].slabs)
}

// SlabSizes returns the size of each slab in the heap for key, in creation order
func (a *Allocator) SlabSizes(key HeapKey) []int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	index, ok := a.heapByKey.Get(key)
	if !ok {
		return nil
	}

	sizes := make([]int, 0, len(a.heaps[index].slabs))
	for _, s := range a.heaps[index].slabs {
		sizes = append(sizes, s.size)
	}
	return sizes
}

// FreeRegions returns the free region list of the slab a slice was carved from
func (a *Allocator) FreeRegions(slice Slice) []metadata.Region {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	s, ok := a.slabs.Get(slice.slabID)
	if !ok {
		return nil
	}
	return s.metadata.FreeRegions()
}

// Statistics sums the statistics of every slab in every heap
func (a *Allocator) Statistics() memutils.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, h := range a.heaps {
		h.addDetailedStatistics(&stats)
	}
	return stats
}

// HeapStatistics sums the statistics of every slab in the heap for key
func (a *Allocator) HeapStatistics(key HeapKey) memutils.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	if index, ok := a.heapByKey.Get(key); ok {
		a.heaps[index].addDetailedStatistics(&stats)
	}
	return stats
}

// HeapUsage returns the number of bytes held by the allocator in each memory heap
func (a *Allocator) HeapUsage() []int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return append([]int(nil), a.heapUsage...)
}

// Validate checks every slab's internal consistency
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, h := range a.heaps {
		for _, s := range h.slabs {
			if s.heapIndex != h.index {
				return errors.Newf("slab %d is filed under heap %d but belongs to heap %d", s.id, h.index, s.heapIndex)
			}
			if err := s.Validate(); err != nil {
				return errors.Wrapf(err, "heap %s", h.key)
			}
		}
	}

	return nil
}

// PrintDetailedMap writes a json description of every heap and slab, including every region
// of every slab if detailed is true
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer, detailed bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	var total memutils.DetailedStatistics
	total.Clear()
	for _, h := range a.heaps {
		h.addDetailedStatistics(&total)
	}
	totalObj := objState.Name("Total").Object()
	total.PrintJson(&totalObj)
	totalObj.End()

	heapsObj := objState.Name("Heaps").Object()
	defer heapsObj.End()

	for _, h := range a.heaps {
		heapObj := heapsObj.Name(h.key.String()).Object()
		heapObj.Name("MemoryTypeIndex").Int(h.memoryTypeIndex)
		heapObj.Name("Alignment").Int(int(h.alignment))

		var stats memutils.DetailedStatistics
		stats.Clear()
		h.addDetailedStatistics(&stats)
		statsObj := heapObj.Name("Statistics").Object()
		stats.PrintJson(&statsObj)
		statsObj.End()

		if detailed {
			slabsObj := heapObj.Name("Slabs").Object()
			for _, s := range h.slabs {
				slabObj := slabsObj.Name(strconv.Itoa(s.id)).Object()
				s.printJson(slabObj)
				slabObj.End()
			}
			slabsObj.End()
		}

		heapObj.End()
	}
}
