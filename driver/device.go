package driver

import (
	"time"
	"unsafe"
)

// MemoryDevice allocates device memory and the buffers and images that are bound to it
type MemoryDevice interface {
	Properties() *Properties

	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	FreeMemory(memory Memory)
	// MapMemory maps the whole of memory into host address space. Memory is mapped at most once.
	MapMemory(memory Memory, size int) (unsafe.Pointer, error)
	UnmapMemory(memory Memory)

	CreateBuffer(size int, usage BufferUsage) (Buffer, MemoryRequirements, error)
	DestroyBuffer(buffer Buffer)
	BindBufferMemory(buffer Buffer, memory Memory, offset int) error

	CreateImage(info ImageInfo) (Image, MemoryRequirements, error)
	DestroyImage(image Image)
	BindImageMemory(image Image, memory Memory, offset int) error
}

// CommandDevice creates command buffers and synchronization objects and submits work to queues
type CommandDevice interface {
	Properties() *Properties

	CreateCommandPool(queueFamily int) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, buffer CommandBuffer)
	BeginCommandBuffer(buffer CommandBuffer) error
	EndCommandBuffer(buffer CommandBuffer) error
	ResetCommandBuffer(buffer CommandBuffer) error

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	ResetFence(fence Fence) error
	// WaitFence waits up to timeout for fence to signal. A timeout of 0 checks the fence without
	// blocking. It returns false if the timeout elapsed first.
	WaitFence(fence Fence, timeout time.Duration) (bool, error)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)

	GetQueue(family int, index int) Queue
	QueueSubmit(queue Queue, submit SubmitInfo, fence Fence) error
	WaitIdle() error
}

// Recorder records commands into a command buffer that is in the recording state
type Recorder interface {
	CmdPipelineBarrier(buffer CommandBuffer, barrier Barrier)
	CmdCopyBuffer(buffer CommandBuffer, src Buffer, dst Buffer, region BufferCopy)
	CmdCopyBufferToImage(buffer CommandBuffer, src Buffer, dst Image, layout ImageLayout, region BufferImageCopy)
	CmdCopyImageToBuffer(buffer CommandBuffer, src Image, layout ImageLayout, dst Buffer, region BufferImageCopy)

	CmdBindPipeline(buffer CommandBuffer, bindPoint PipelineBindPoint, pipeline Pipeline)
	CmdBindDescriptorSet(buffer CommandBuffer, bindPoint PipelineBindPoint, layout PipelineLayout, set DescriptorSet)
	CmdDispatch(buffer CommandBuffer, x, y, z int)

	CmdBeginRenderTarget(buffer CommandBuffer, target RenderTarget, clear bool)
	CmdEndRenderTarget(buffer CommandBuffer)
	CmdBindVertexBuffer(buffer CommandBuffer, vertexBuffer Buffer, offset int)
	CmdDraw(buffer CommandBuffer, vertexCount int)
}

// PipelineDevice creates shaders, pipelines and descriptor sets
type PipelineDevice interface {
	CreateShaderModule(spirv []byte) (ShaderModule, error)
	DestroyShaderModule(module ShaderModule)

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
	CreatePipelineLayout(setLayout DescriptorSetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(layout PipelineLayout)

	CreateDescriptorPool(bindings []DescriptorBinding, maxSets int) (DescriptorPool, error)
	DestroyDescriptorPool(pool DescriptorPool)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateDescriptorSet(set DescriptorSet, writes []DescriptorWrite)

	CreatePipelineCache(initialData []byte) (PipelineCache, error)
	PipelineCacheData(cache PipelineCache) ([]byte, error)
	DestroyPipelineCache(cache PipelineCache)

	CreateComputePipeline(info ComputePipelineInfo) (Pipeline, error)
	CreateGraphicsPipeline(info GraphicsPipelineInfo) (Pipeline, error)
	DestroyPipeline(pipeline Pipeline)

	// CreateRenderTarget prepares image for use as the single color attachment of a draw.
	// The image must have been created with ImageUsageColorAttachment.
	CreateRenderTarget(image Image, format Format, extent Extent) (RenderTarget, error)
	DestroyRenderTarget(target RenderTarget)
}

// Device is the full set of device operations the engine needs
type Device interface {
	MemoryDevice
	CommandDevice
	Recorder
	PipelineDevice
}
