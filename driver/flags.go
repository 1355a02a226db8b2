package driver

import "github.com/vkngwrapper/core/v3/common"

// Flag values in this file mirror the bit layout of the corresponding Vulkan enums so that
// device implementations can convert them directly.

// BufferUsage describes how a buffer will be used by the device
type BufferUsage int32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (f BufferUsage) Register(str string) {
	bufferUsageMapping.Register(f, str)
}
func (f BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(f)
}

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexel
	BufferUsageStorageTexel
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
)

// MemoryProperty describes the properties of a memory type
type MemoryProperty int32

var memoryPropertyMapping = common.NewFlagStringMapping[MemoryProperty]()

func (f MemoryProperty) Register(str string) {
	memoryPropertyMapping.Register(f, str)
}
func (f MemoryProperty) String() string {
	return memoryPropertyMapping.FlagsToString(f)
}

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

// PipelineStage identifies a stage of the device pipeline for synchronization purposes
type PipelineStage int32

var pipelineStageMapping = common.NewFlagStringMapping[PipelineStage]()

func (f PipelineStage) Register(str string) {
	pipelineStageMapping.Register(f, str)
}
func (f PipelineStage) String() string {
	return pipelineStageMapping.FlagsToString(f)
}

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageTessellationControlShader
	StageTessellationEvaluationShader
	StageGeometryShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost
	StageAllGraphics
	StageAllCommands
)

// Access describes the kind of memory access a pipeline stage performs
type Access int32

var accessMapping = common.NewFlagStringMapping[Access]()

func (f Access) Register(str string) {
	accessMapping.Register(f, str)
}
func (f Access) String() string {
	return accessMapping.FlagsToString(f)
}

const (
	AccessIndirectCommandRead Access = 1 << iota
	AccessIndexRead
	AccessVertexAttributeRead
	AccessUniformRead
	AccessInputAttachmentRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite
)

// ImageUsage describes how an image will be used by the device
type ImageUsage int32

var imageUsageMapping = common.NewFlagStringMapping[ImageUsage]()

func (f ImageUsage) Register(str string) {
	imageUsageMapping.Register(f, str)
}
func (f ImageUsage) String() string {
	return imageUsageMapping.FlagsToString(f)
}

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
)

// QueueFlags describes the capabilities of a queue family
type QueueFlags int32

var queueFlagsMapping = common.NewFlagStringMapping[QueueFlags]()

func (f QueueFlags) Register(str string) {
	queueFlagsMapping.Register(f, str)
}
func (f QueueFlags) String() string {
	return queueFlagsMapping.FlagsToString(f)
}

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// ShaderStage identifies the shader stages that can see a descriptor binding
type ShaderStage int32

var shaderStageMapping = common.NewFlagStringMapping[ShaderStage]()

func (f ShaderStage) Register(str string) {
	shaderStageMapping.Register(f, str)
}
func (f ShaderStage) String() string {
	return shaderStageMapping.FlagsToString(f)
}

const (
	ShaderStageVertex   ShaderStage = 0x1
	ShaderStageFragment ShaderStage = 0x10
	ShaderStageCompute  ShaderStage = 0x20
)

func init() {
	BufferUsageTransferSrc.Register("TransferSrc")
	BufferUsageTransferDst.Register("TransferDst")
	BufferUsageUniformTexel.Register("UniformTexel")
	BufferUsageStorageTexel.Register("StorageTexel")
	BufferUsageUniform.Register("Uniform")
	BufferUsageStorage.Register("Storage")
	BufferUsageIndex.Register("Index")
	BufferUsageVertex.Register("Vertex")
	BufferUsageIndirect.Register("Indirect")

	MemoryDeviceLocal.Register("DeviceLocal")
	MemoryHostVisible.Register("HostVisible")
	MemoryHostCoherent.Register("HostCoherent")
	MemoryHostCached.Register("HostCached")
	MemoryLazilyAllocated.Register("LazilyAllocated")

	StageTopOfPipe.Register("TopOfPipe")
	StageDrawIndirect.Register("DrawIndirect")
	StageVertexInput.Register("VertexInput")
	StageVertexShader.Register("VertexShader")
	StageTessellationControlShader.Register("TessellationControlShader")
	StageTessellationEvaluationShader.Register("TessellationEvaluationShader")
	StageGeometryShader.Register("GeometryShader")
	StageFragmentShader.Register("FragmentShader")
	StageEarlyFragmentTests.Register("EarlyFragmentTests")
	StageLateFragmentTests.Register("LateFragmentTests")
	StageColorAttachmentOutput.Register("ColorAttachmentOutput")
	StageComputeShader.Register("ComputeShader")
	StageTransfer.Register("Transfer")
	StageBottomOfPipe.Register("BottomOfPipe")
	StageHost.Register("Host")
	StageAllGraphics.Register("AllGraphics")
	StageAllCommands.Register("AllCommands")

	AccessIndirectCommandRead.Register("IndirectCommandRead")
	AccessIndexRead.Register("IndexRead")
	AccessVertexAttributeRead.Register("VertexAttributeRead")
	AccessUniformRead.Register("UniformRead")
	AccessInputAttachmentRead.Register("InputAttachmentRead")
	AccessShaderRead.Register("ShaderRead")
	AccessShaderWrite.Register("ShaderWrite")
	AccessColorAttachmentRead.Register("ColorAttachmentRead")
	AccessColorAttachmentWrite.Register("ColorAttachmentWrite")
	AccessDepthStencilAttachmentRead.Register("DepthStencilAttachmentRead")
	AccessDepthStencilAttachmentWrite.Register("DepthStencilAttachmentWrite")
	AccessTransferRead.Register("TransferRead")
	AccessTransferWrite.Register("TransferWrite")
	AccessHostRead.Register("HostRead")
	AccessHostWrite.Register("HostWrite")
	AccessMemoryRead.Register("MemoryRead")
	AccessMemoryWrite.Register("MemoryWrite")

	ImageUsageTransferSrc.Register("TransferSrc")
	ImageUsageTransferDst.Register("TransferDst")
	ImageUsageSampled.Register("Sampled")
	ImageUsageStorage.Register("Storage")
	ImageUsageColorAttachment.Register("ColorAttachment")

	QueueGraphics.Register("Graphics")
	QueueCompute.Register("Compute")
	QueueTransfer.Register("Transfer")

	ShaderStageVertex.Register("Vertex")
	ShaderStageFragment.Register("Fragment")
	ShaderStageCompute.Register("Compute")
}
