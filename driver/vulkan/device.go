// Package vulkan implements driver.Device on top of a vkngwrapper Vulkan device. Engine handles
// are small integers issued by the Device and mapped to the Vulkan objects behind them, so the
// engine packages never see a core1_0 type.
package vulkan

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/internal/utils"
)

// Options configures a Device
type Options struct {
	// Synchronized guards the handle tables with a mutex. It is needed when more than one
	// goroutine uses the Device, such as an internally synchronized slab allocator running
	// alongside a command pool.
	Synchronized bool
}

type image struct {
	image   core1_0.Image
	format  driver.Format
	view    core1_0.ImageView
	foreign bool
}

type commandBuffer struct {
	buffer core1_0.CommandBuffer
	pool   driver.CommandPool
}

type renderTarget struct {
	framebuffer core1_0.Framebuffer
	format      driver.Format
	extent      driver.Extent
}

type renderPassKey struct {
	format driver.Format
	clear  bool
}

type queueKey struct {
	family int
	index  int
}

// Device adapts a vkngwrapper device driver to driver.Device
type Device struct {
	logger     *slog.Logger
	driver     core1_0.DeviceDriver
	properties *driver.Properties

	mutex      utils.OptionalRWMutex
	nextHandle uint64

	memory          *swiss.Map[driver.Memory, core1_0.DeviceMemory]
	buffers         *swiss.Map[driver.Buffer, core1_0.Buffer]
	images          *swiss.Map[driver.Image, *image]
	commandPools    *swiss.Map[driver.CommandPool, core1_0.CommandPool]
	commandBuffers  *swiss.Map[driver.CommandBuffer, commandBuffer]
	fences          *swiss.Map[driver.Fence, core1_0.Fence]
	semaphores      *swiss.Map[driver.Semaphore, core1_0.Semaphore]
	queues          *swiss.Map[driver.Queue, core1_0.Queue]
	queueHandles    *swiss.Map[queueKey, driver.Queue]
	shaderModules   *swiss.Map[driver.ShaderModule, core1_0.ShaderModule]
	setLayouts      *swiss.Map[driver.DescriptorSetLayout, core1_0.DescriptorSetLayout]
	pipelineLayouts *swiss.Map[driver.PipelineLayout, core1_0.PipelineLayout]
	descriptorPools *swiss.Map[driver.DescriptorPool, core1_0.DescriptorPool]
	descriptorSets  *swiss.Map[driver.DescriptorSet, core1_0.DescriptorSet]
	pipelineCaches  *swiss.Map[driver.PipelineCache, core1_0.PipelineCache]
	pipelines       *swiss.Map[driver.Pipeline, core1_0.Pipeline]
	renderTargets   *swiss.Map[driver.RenderTarget, renderTarget]
	renderPasses    *swiss.Map[renderPassKey, core1_0.RenderPass]

	sampler core1_0.Sampler
}

var _ driver.Device = &Device{}

// New wraps device, which must have been created from physicalDevice. The physical device's
// properties are read once and served from Properties.
func New(logger *slog.Logger, instance core1_0.CoreInstanceDriver, device core1_0.DeviceDriver, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	deviceProperties, err := instance.GetPhysicalDeviceProperties(physicalDevice)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}
	memoryProperties := instance.GetPhysicalDeviceMemoryProperties(physicalDevice)
	queueFamilies := instance.GetPhysicalDeviceQueueFamilyProperties(physicalDevice)

	props := &driver.Properties{
		DeviceName:        deviceProperties.DeviceName,
		PipelineCacheUUID: deviceProperties.PipelineCacheUUID,
	}
	if limits := deviceProperties.Limits; limits != nil {
		props.BufferImageGranularity = int(limits.BufferImageGranularity)
		props.MinUniformBufferOffsetAlignment = int(limits.MinUniformBufferOffsetAlignment)
		props.MinStorageBufferOffsetAlignment = int(limits.MinStorageBufferOffsetAlignment)
		props.MinTexelBufferOffsetAlignment = int(limits.MinTexelBufferOffsetAlignment)
		props.OptimalBufferCopyOffsetAlignment = int(limits.OptimalBufferCopyOffsetAlignment)
		props.NonCoherentAtomSize = int(limits.NonCoherentAtomSize)
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		props.MemoryTypes = append(props.MemoryTypes, driver.MemoryType{
			Properties: driver.MemoryProperty(memoryType.PropertyFlags),
			HeapIndex:  int(memoryType.HeapIndex),
		})
	}
	for _, heap := range memoryProperties.MemoryHeaps {
		props.MemoryHeaps = append(props.MemoryHeaps, driver.MemoryHeap{
			Size:        int(heap.Size),
			DeviceLocal: heap.Flags&core1_0.MemoryHeapDeviceLocal != 0,
		})
	}
	for _, family := range queueFamilies {
		props.QueueFamilies = append(props.QueueFamilies, driver.QueueFamily{
			Flags:      driver.QueueFlags(family.QueueFlags) & (driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer),
			QueueCount: int(family.QueueCount),
		})
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "opened vulkan device",
		slog.String("device", props.DeviceName),
		slog.Int("memoryTypes", len(props.MemoryTypes)),
		slog.Int("queueFamilies", len(props.QueueFamilies)))

	return &Device{
		logger:     logger,
		driver:     device,
		properties: props,
		mutex:      utils.OptionalRWMutex{UseMutex: options.Synchronized},

		memory:          swiss.NewMap[driver.Memory, core1_0.DeviceMemory](16),
		buffers:         swiss.NewMap[driver.Buffer, core1_0.Buffer](16),
		images:          swiss.NewMap[driver.Image, *image](16),
		commandPools:    swiss.NewMap[driver.CommandPool, core1_0.CommandPool](4),
		commandBuffers:  swiss.NewMap[driver.CommandBuffer, commandBuffer](16),
		fences:          swiss.NewMap[driver.Fence, core1_0.Fence](16),
		semaphores:      swiss.NewMap[driver.Semaphore, core1_0.Semaphore](16),
		queues:          swiss.NewMap[driver.Queue, core1_0.Queue](4),
		queueHandles:    swiss.NewMap[queueKey, driver.Queue](4),
		shaderModules:   swiss.NewMap[driver.ShaderModule, core1_0.ShaderModule](8),
		setLayouts:      swiss.NewMap[driver.DescriptorSetLayout, core1_0.DescriptorSetLayout](8),
		pipelineLayouts: swiss.NewMap[driver.PipelineLayout, core1_0.PipelineLayout](8),
		descriptorPools: swiss.NewMap[driver.DescriptorPool, core1_0.DescriptorPool](8),
		descriptorSets:  swiss.NewMap[driver.DescriptorSet, core1_0.DescriptorSet](16),
		pipelineCaches:  swiss.NewMap[driver.PipelineCache, core1_0.PipelineCache](1),
		pipelines:       swiss.NewMap[driver.Pipeline, core1_0.Pipeline](8),
		renderTargets:   swiss.NewMap[driver.RenderTarget, renderTarget](4),
		renderPasses:    swiss.NewMap[renderPassKey, core1_0.RenderPass](4),
	}, nil
}

func (d *Device) Properties() *driver.Properties {
	return d.properties
}

// handle issues a new engine handle. The caller must hold the write lock.
func (d *Device) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// Destroy releases the objects the Device created for its own use. Every object created through
// the driver.Device interface must already have been destroyed.
func (d *Device) Destroy() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.renderPasses.Iter(func(key renderPassKey, pass core1_0.RenderPass) bool {
		d.driver.DestroyRenderPass(pass, nil)
		return false
	})
	d.renderPasses.Clear()

	if d.sampler.Initialized() {
		d.driver.DestroySampler(d.sampler, nil)
		d.sampler = core1_0.Sampler{}
	}
}

// translate marks err with the driver error matching res, so that callers can test for
// device loss or memory exhaustion without knowing about Vulkan result codes
func translate(res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return errors.Mark(err, driver.ErrOutOfDeviceMemory)
	case core1_0.VKErrorOutOfHostMemory:
		return errors.Mark(err, driver.ErrOutOfHostMemory)
	case core1_0.VKErrorDeviceLost:
		return errors.Mark(err, driver.ErrDeviceLost)
	case core1_0.VKErrorInitializationFailed:
		return errors.Mark(err, driver.ErrInitializationFailed)
	}
	return err
}

// logRecordError reports a failure from a command recording call. Recording calls have no error
// return, and a failure means the command buffer will be rejected at submission anyway.
func (d *Device) logRecordError(command string, err error) {
	if err == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), slog.LevelError, "failed to record command",
		slog.String("command", command),
		slog.Any("error", err))
}
