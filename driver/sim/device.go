// Package sim provides an in-process driver.Device. Work submitted to it completes only when
// the caller asks it to, which makes fence and semaphore ordering observable and deterministic.
// Buffer and image copies are executed against host memory when their submission completes.
package sim

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

// Options configures a simulated Device
type Options struct {
	// Properties overrides DefaultProperties
	Properties *driver.Properties
	// AutoComplete causes WaitFence with a nonzero timeout to complete submitted work in order
	// until the fence signals, as a real device eventually would
	AutoComplete bool
}

type memory struct {
	typeIndex int
	size      int
	data      []byte
	mapped    bool
}

type buffer struct {
	size   int
	usage  driver.BufferUsage
	memory driver.Memory
	offset int
	bound  bool
}

type image struct {
	info   driver.ImageInfo
	data   []byte
	memory driver.Memory
	bound  bool
}

// Device is a simulated driver.Device. All methods are safe for concurrent use.
type Device struct {
	mutex sync.Mutex

	props        *driver.Properties
	autoComplete bool
	nextHandle   uint64

	heapUsage []int
	memories  map[driver.Memory]*memory
	buffers   map[driver.Buffer]*buffer
	images    map[driver.Image]*image
	objects   map[uint64]string

	commandPools   map[driver.CommandPool]int
	commandBuffers map[driver.CommandBuffer]*commandBuffer
	fences         map[driver.Fence]*fence
	semaphores     map[driver.Semaphore]*semaphore
	queues         map[driver.Queue]queueID
	pending        []*Submission
	history        []*Submission

	shaderModules   map[driver.ShaderModule][]byte
	descriptorPools map[driver.DescriptorPool]*descriptorPool
	descriptorSets  map[driver.DescriptorSet]*descriptorSet
	pipelineCaches  map[driver.PipelineCache][]byte
	pipelines       map[driver.Pipeline]pipelineRecord
	renderTargets   map[driver.RenderTarget]driver.Image

	violations []string

	// FailAllocate, when set, is consulted before every memory allocation. A non-nil error is
	// returned to the caller and nothing is allocated.
	FailAllocate func(memoryTypeIndex, size int) error
	// FailCreate, when set, is consulted before command pools, command buffers, fences and
	// semaphores are created. kind is one of "commandPool", "commandBuffer", "fence", "semaphore".
	FailCreate func(kind string) error
	// FailSubmit, when set, is consulted before every queue submission
	FailSubmit func(queue driver.Queue, submit driver.SubmitInfo) error
}

var _ driver.Device = &Device{}

// New creates a simulated device
func New(options Options) *Device {
	props := options.Properties
	if props == nil {
		props = DefaultProperties()
	}

	return &Device{
		props:        props,
		autoComplete: options.AutoComplete,
		heapUsage:    make([]int, len(props.MemoryHeaps)),

		memories: make(map[driver.Memory]*memory),
		buffers:  make(map[driver.Buffer]*buffer),
		images:   make(map[driver.Image]*image),
		objects:  make(map[uint64]string),

		commandPools:   make(map[driver.CommandPool]int),
		commandBuffers: make(map[driver.CommandBuffer]*commandBuffer),
		fences:         make(map[driver.Fence]*fence),
		semaphores:     make(map[driver.Semaphore]*semaphore),
		queues:         make(map[driver.Queue]queueID),

		shaderModules:   make(map[driver.ShaderModule][]byte),
		descriptorPools: make(map[driver.DescriptorPool]*descriptorPool),
		descriptorSets:  make(map[driver.DescriptorSet]*descriptorSet),
		pipelineCaches:  make(map[driver.PipelineCache][]byte),
		pipelines:       make(map[driver.Pipeline]pipelineRecord),
		renderTargets:   make(map[driver.RenderTarget]driver.Image),
	}
}

func (d *Device) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *Device) violate(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

// Violations lists usage errors the device has observed, such as waiting on a semaphore that
// will never be signaled or destroying an object the device is still using
func (d *Device) Violations() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return slices.Clone(d.violations)
}

// Leaks lists every object that has been created and not yet destroyed
func (d *Device) Leaks() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var leaks []string
	for handle := range d.memories {
		leaks = append(leaks, fmt.Sprintf("memory %d", handle))
	}
	for handle := range d.buffers {
		leaks = append(leaks, fmt.Sprintf("buffer %d", handle))
	}
	for handle := range d.images {
		leaks = append(leaks, fmt.Sprintf("image %d", handle))
	}
	for handle := range d.commandPools {
		leaks = append(leaks, fmt.Sprintf("command pool %d", handle))
	}
	for handle := range d.commandBuffers {
		leaks = append(leaks, fmt.Sprintf("command buffer %d", handle))
	}
	for handle := range d.fences {
		leaks = append(leaks, fmt.Sprintf("fence %d", handle))
	}
	for handle := range d.semaphores {
		leaks = append(leaks, fmt.Sprintf("semaphore %d", handle))
	}
	for handle := range d.shaderModules {
		leaks = append(leaks, fmt.Sprintf("shader module %d", handle))
	}
	for handle := range d.descriptorPools {
		leaks = append(leaks, fmt.Sprintf("descriptor pool %d", handle))
	}
	for handle := range d.pipelineCaches {
		leaks = append(leaks, fmt.Sprintf("pipeline cache %d", handle))
	}
	for handle := range d.pipelines {
		leaks = append(leaks, fmt.Sprintf("pipeline %d", handle))
	}
	for handle := range d.renderTargets {
		leaks = append(leaks, fmt.Sprintf("render target %d", handle))
	}
	for handle, kind := range d.objects {
		leaks = append(leaks, fmt.Sprintf("%s %d", kind, handle))
	}

	slices.Sort(leaks)
	return leaks
}

// HeapUsage returns the number of bytes currently allocated from each memory heap
func (d *Device) HeapUsage() []int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return slices.Clone(d.heapUsage)
}

// MemoryCount returns the number of live device memory allocations
func (d *Device) MemoryCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.memories)
}

func (d *Device) Properties() *driver.Properties {
	return d.props
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (driver.Memory, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.props.MemoryTypes) {
		return 0, errors.AssertionFailedf("memory type index %d out of range", memoryTypeIndex)
	}
	if size < 1 {
		return 0, errors.AssertionFailedf("invalid memory allocation size %d", size)
	}

	if d.FailAllocate != nil {
		if err := d.FailAllocate(memoryTypeIndex, size); err != nil {
			return 0, err
		}
	}

	heapIndex := d.props.MemoryTypes[memoryTypeIndex].HeapIndex
	if d.heapUsage[heapIndex]+size > d.props.MemoryHeaps[heapIndex].Size {
		return 0, errors.Wrapf(driver.ErrOutOfDeviceMemory, "heap %d has %d of %d bytes in use", heapIndex,
			d.heapUsage[heapIndex], d.props.MemoryHeaps[heapIndex].Size)
	}

	d.heapUsage[heapIndex] += size
	handle := driver.Memory(d.handle())
	d.memories[handle] = &memory{typeIndex: memoryTypeIndex, size: size}
	return handle, nil
}

func (d *Device) FreeMemory(handle driver.Memory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memories[handle]
	if !ok {
		d.violate("freeing unknown memory %d", handle)
		return
	}
	for bufferHandle, buf := range d.buffers {
		if buf.bound && buf.memory == handle {
			d.violate("freeing memory %d while buffer %d is still bound to it", handle, bufferHandle)
		}
	}

	d.heapUsage[d.props.MemoryTypes[mem.typeIndex].HeapIndex] -= mem.size
	delete(d.memories, handle)
}

func (d *Device) MapMemory(handle driver.Memory, size int) (unsafe.Pointer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memories[handle]
	if !ok {
		return nil, errors.AssertionFailedf("mapping unknown memory %d", handle)
	}
	if d.props.MemoryTypes[mem.typeIndex].Properties&driver.MemoryHostVisible == 0 {
		return nil, errors.AssertionFailedf("memory %d is not host visible", handle)
	}
	if mem.mapped {
		d.violate("memory %d mapped twice", handle)
	}
	if size > mem.size {
		return nil, errors.AssertionFailedf("mapping %d bytes of a %d byte allocation", size, mem.size)
	}

	mem.mapped = true
	return unsafe.Pointer(unsafe.SliceData(d.memoryBytes(mem))), nil
}

func (d *Device) UnmapMemory(handle driver.Memory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memories[handle]
	if !ok || !mem.mapped {
		d.violate("unmapping memory %d which is not mapped", handle)
		return
	}
	mem.mapped = false
}

func (d *Device) memoryBytes(mem *memory) []byte {
	if mem.data == nil {
		mem.data = make([]byte, mem.size)
	}
	return mem.data
}

func (d *Device) bufferTypeBits(usage driver.BufferUsage) uint32 {
	return uint32(1<<len(d.props.MemoryTypes)) - 1
}

func (d *Device) bufferAlignment(usage driver.BufferUsage) uint {
	alignment := 4
	if usage&driver.BufferUsageUniform != 0 {
		alignment = max(alignment, d.props.MinUniformBufferOffsetAlignment)
	}
	if usage&driver.BufferUsageStorage != 0 {
		alignment = max(alignment, d.props.MinStorageBufferOffsetAlignment)
	}
	return uint(alignment)
}

func (d *Device) CreateBuffer(size int, usage driver.BufferUsage) (driver.Buffer, driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if size < 1 {
		return 0, driver.MemoryRequirements{}, errors.AssertionFailedf("invalid buffer size %d", size)
	}

	alignment := d.bufferAlignment(usage)
	handle := driver.Buffer(d.handle())
	d.buffers[handle] = &buffer{size: size, usage: usage}

	return handle, driver.MemoryRequirements{
		Size:           (size + int(alignment) - 1) / int(alignment) * int(alignment),
		Alignment:      alignment,
		MemoryTypeBits: d.bufferTypeBits(usage),
	}, nil
}

func (d *Device) DestroyBuffer(handle driver.Buffer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.buffers[handle]; !ok {
		d.violate("destroying unknown buffer %d", handle)
		return
	}
	if d.inUse(func(op Op) bool { return op.Src == uint64(handle) || op.Dst == uint64(handle) }) {
		d.violate("destroying buffer %d while it is in use by pending work", handle)
	}
	delete(d.buffers, handle)
}

func (d *Device) BindBufferMemory(handle driver.Buffer, memHandle driver.Memory, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.buffers[handle]
	if !ok {
		return errors.AssertionFailedf("binding unknown buffer %d", handle)
	}
	mem, ok := d.memories[memHandle]
	if !ok {
		return errors.AssertionFailedf("binding buffer %d to unknown memory %d", handle, memHandle)
	}
	if buf.bound {
		return errors.AssertionFailedf("buffer %d is already bound", handle)
	}
	if offset+buf.size > mem.size {
		return errors.AssertionFailedf("buffer %d of %d bytes does not fit in memory %d at offset %d", handle, buf.size, memHandle, offset)
	}

	buf.memory = memHandle
	buf.offset = offset
	buf.bound = true
	return nil
}

func (d *Device) CreateImage(info driver.ImageInfo) (driver.Image, driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	texelSize := info.Format.TexelSize()
	if texelSize == 0 {
		return 0, driver.MemoryRequirements{}, errors.AssertionFailedf("unsupported image format %d", info.Format)
	}

	size := info.Extent.Texels() * texelSize
	handle := driver.Image(d.handle())
	d.images[handle] = &image{info: info}

	var deviceLocalBits uint32
	for i, memoryType := range d.props.MemoryTypes {
		if memoryType.Properties&driver.MemoryDeviceLocal != 0 {
			deviceLocalBits |= 1 << uint(i)
		}
	}

	return handle, driver.MemoryRequirements{
		Size:           (size + 255) &^ 255,
		Alignment:      256,
		MemoryTypeBits: deviceLocalBits,
	}, nil
}

func (d *Device) DestroyImage(handle driver.Image) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.images[handle]; !ok {
		d.violate("destroying unknown image %d", handle)
		return
	}
	if d.inUse(func(op Op) bool { return op.Src == uint64(handle) || op.Dst == uint64(handle) }) {
		d.violate("destroying image %d while it is in use by pending work", handle)
	}
	delete(d.images, handle)
}

func (d *Device) BindImageMemory(handle driver.Image, memHandle driver.Memory, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	img, ok := d.images[handle]
	if !ok {
		return errors.AssertionFailedf("binding unknown image %d", handle)
	}
	if _, ok := d.memories[memHandle]; !ok {
		return errors.AssertionFailedf("binding image %d to unknown memory %d", handle, memHandle)
	}
	if img.bound {
		return errors.AssertionFailedf("image %d is already bound", handle)
	}

	img.memory = memHandle
	img.bound = true
	return nil
}

// BufferContents returns a copy of size bytes of buffer's backing memory, starting at offset
func (d *Device) BufferContents(handle driver.Buffer, offset, size int) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	data, err := d.bufferBytes(handle, offset, size)
	if err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

// ImageContents returns a copy of an image's texels
func (d *Device) ImageContents(handle driver.Image) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	img, ok := d.images[handle]
	if !ok {
		return nil, errors.Newf("unknown image %d", handle)
	}
	return slices.Clone(d.imageBytes(img)), nil
}

func (d *Device) bufferBytes(handle driver.Buffer, offset, size int) ([]byte, error) {
	buf, ok := d.buffers[handle]
	if !ok {
		return nil, errors.Newf("unknown buffer %d", handle)
	}
	if !buf.bound {
		return nil, errors.Newf("buffer %d is not bound to memory", handle)
	}
	if offset < 0 || offset+size > buf.size {
		return nil, errors.Newf("range [%d, %d) is outside buffer %d of size %d", offset, offset+size, handle, buf.size)
	}

	mem := d.memories[buf.memory]
	start := buf.offset + offset
	return d.memoryBytes(mem)[start : start+size], nil
}

func (d *Device) imageBytes(img *image) []byte {
	if img.data == nil {
		img.data = make([]byte, img.info.Extent.Texels()*img.info.Format.TexelSize())
	}
	return img.data
}
