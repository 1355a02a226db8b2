package driver

import (
	"fmt"

	"github.com/google/uuid"
)

// Handles are opaque identifiers issued by a Device. The zero value of every handle type
// is never issued and means "no object".
type (
	Memory              uint64
	Buffer              uint64
	Image               uint64
	CommandPool         uint64
	CommandBuffer       uint64
	Fence               uint64
	Semaphore           uint64
	Queue               uint64
	ShaderModule        uint64
	DescriptorSetLayout uint64
	DescriptorPool      uint64
	DescriptorSet       uint64
	PipelineLayout      uint64
	PipelineCache       uint64
	Pipeline            uint64
	RenderTarget        uint64
)

// ImageLayout is the arrangement of an image's texels in memory
type ImageLayout int32

const (
	LayoutUndefined              ImageLayout = 0
	LayoutGeneral                ImageLayout = 1
	LayoutColorAttachmentOptimal ImageLayout = 2
	LayoutShaderReadOnlyOptimal  ImageLayout = 5
	LayoutTransferSrcOptimal     ImageLayout = 6
	LayoutTransferDstOptimal     ImageLayout = 7
	LayoutPresentSrc             ImageLayout = 1000001002
)

var imageLayoutNames = map[ImageLayout]string{
	LayoutUndefined:              "Undefined",
	LayoutGeneral:                "General",
	LayoutColorAttachmentOptimal: "ColorAttachmentOptimal",
	LayoutShaderReadOnlyOptimal:  "ShaderReadOnlyOptimal",
	LayoutTransferSrcOptimal:     "TransferSrcOptimal",
	LayoutTransferDstOptimal:     "TransferDstOptimal",
	LayoutPresentSrc:             "PresentSrc",
}

func (l ImageLayout) String() string {
	name, ok := imageLayoutNames[l]
	if !ok {
		return fmt.Sprintf("ImageLayout(%d)", int32(l))
	}
	return name
}

// Format is a texel or vertex attribute format
type Format int32

const (
	FormatUndefined          Format = 0
	FormatR8Unorm            Format = 9
	FormatR8G8B8A8Unorm      Format = 37
	FormatB8G8R8A8Unorm      Format = 44
	FormatR16G16B16A16Sfloat Format = 97
	FormatR32Sfloat          Format = 100
	FormatR32G32Sfloat       Format = 103
	FormatR32G32B32Sfloat    Format = 106
	FormatR32G32B32A32Sfloat Format = 109
)

var formatSizes = map[Format]int{
	FormatR8Unorm:            1,
	FormatR8G8B8A8Unorm:      4,
	FormatB8G8R8A8Unorm:      4,
	FormatR16G16B16A16Sfloat: 8,
	FormatR32Sfloat:          4,
	FormatR32G32Sfloat:       8,
	FormatR32G32B32Sfloat:    12,
	FormatR32G32B32A32Sfloat: 16,
}

// TexelSize returns the number of bytes in a single texel of this format, or 0 if unknown
func (f Format) TexelSize() int {
	return formatSizes[f]
}

// DescriptorType identifies the kind of resource bound at a descriptor binding
type DescriptorType int32

const (
	DescriptorCombinedImageSampler DescriptorType = 1
	DescriptorStorageImage         DescriptorType = 3
	DescriptorUniformBuffer        DescriptorType = 6
	DescriptorStorageBuffer        DescriptorType = 7
)

var descriptorTypeNames = map[DescriptorType]string{
	DescriptorCombinedImageSampler: "CombinedImageSampler",
	DescriptorStorageImage:         "StorageImage",
	DescriptorUniformBuffer:        "UniformBuffer",
	DescriptorStorageBuffer:        "StorageBuffer",
}

func (t DescriptorType) String() string {
	name, ok := descriptorTypeNames[t]
	if !ok {
		return fmt.Sprintf("DescriptorType(%d)", int32(t))
	}
	return name
}

// PipelineBindPoint selects between the graphics and compute pipeline
type PipelineBindPoint int32

const (
	BindPointGraphics PipelineBindPoint = 0
	BindPointCompute  PipelineBindPoint = 1
)

// PrimitiveTopology controls how vertices are assembled into primitives
type PrimitiveTopology int32

const (
	TopologyPointList     PrimitiveTopology = 0
	TopologyLineList      PrimitiveTopology = 1
	TopologyLineStrip     PrimitiveTopology = 2
	TopologyTriangleList  PrimitiveTopology = 3
	TopologyTriangleStrip PrimitiveTopology = 4
)

// BlendMode is a small set of color blend presets
type BlendMode int32

const (
	BlendNone BlendMode = iota
	BlendAlpha
	BlendPremultiplied
	BlendAdditive
)

type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  int
}

type MemoryHeap struct {
	Size        int
	DeviceLocal bool
}

type QueueFamily struct {
	Flags      QueueFlags
	QueueCount int
}

// Properties describes the limits and memory layout of a device
type Properties struct {
	DeviceName        string
	PipelineCacheUUID uuid.UUID

	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	BufferImageGranularity           int
	MinUniformBufferOffsetAlignment  int
	MinStorageBufferOffsetAlignment  int
	MinTexelBufferOffsetAlignment    int
	OptimalBufferCopyOffsetAlignment int
	NonCoherentAtomSize              int

	QueueFamilies []QueueFamily
}

// FindMemoryType returns the index of the first memory type permitted by typeBits that has
// every property in required
func (p *Properties) FindMemoryType(typeBits uint32, required MemoryProperty) (int, bool) {
	for i, memoryType := range p.MemoryTypes {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if memoryType.Properties&required == required {
			return i, true
		}
	}

	return -1, false
}

// FindQueueFamily returns the index of the first queue family that has every flag in required
// and none of the flags in excluded
func (p *Properties) FindQueueFamily(required, excluded QueueFlags) (int, bool) {
	for i, family := range p.QueueFamilies {
		if family.QueueCount < 1 {
			continue
		}
		if family.Flags&required == required && family.Flags&excluded == 0 {
			return i, true
		}
	}

	return -1, false
}

type MemoryRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32
}

type Extent struct {
	Width  int
	Height int
	Depth  int
}

// Texels returns the number of texels covered by the extent. A zero Height or Depth counts as 1.
func (e Extent) Texels() int {
	return e.Width * max(e.Height, 1) * max(e.Depth, 1)
}

type ImageInfo struct {
	Format Format
	Extent Extent
	Usage  ImageUsage
}

type BufferBarrier struct {
	Buffer    Buffer
	Offset    int
	Size      int
	SrcAccess Access
	DstAccess Access
}

type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	SrcAccess Access
	DstAccess Access
}

// Barrier is a single pipeline barrier. It may carry any number of buffer and image barriers.
type Barrier struct {
	SrcStage PipelineStage
	DstStage PipelineStage
	Buffers  []BufferBarrier
	Images   []ImageBarrier
}

type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     PipelineStage
}

type SubmitInfo struct {
	CommandBuffer CommandBuffer
	Waits         []SemaphoreWait
	Signals       []Semaphore
}

type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// BufferImageCopy copies a tightly packed run of texels between a buffer and the whole of an image
type BufferImageCopy struct {
	BufferOffset int
	Extent       Extent
}

type DescriptorBinding struct {
	Binding int
	Type    DescriptorType
	Stages  ShaderStage
}

// DescriptorWrite updates one binding of a descriptor set. Buffer descriptors use Buffer,
// Offset and Size. Image descriptors use Image.
type DescriptorWrite struct {
	Binding int
	Type    DescriptorType
	Buffer  Buffer
	Offset  int
	Size    int
	Image   Image
}

type VertexAttribute struct {
	Location int
	Format   Format
	Offset   int
}

type ComputePipelineInfo struct {
	Layout PipelineLayout
	Shader ShaderModule
	Cache  PipelineCache
}

type GraphicsPipelineInfo struct {
	Layout       PipelineLayout
	Vertex       ShaderModule
	Fragment     ShaderModule
	VertexStride int
	Attributes   []VertexAttribute
	Topology     PrimitiveTopology
	Blend        BlendMode
	TargetFormat Format
	Cache        PipelineCache
}
