package vulkan

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/mocks"
	"github.com/vkngwrapper/core/v3/mocks/mocks1_2"
	"github.com/vkngwrapper/rava/driver"
	"go.uber.org/mock/gomock"
)

var cacheUUID = uuid.MustParse("5d1c2a6e-7f0b-4c39-9a7e-2b8f6d0c4e11")

func readyDevice(t *testing.T, ctrl *gomock.Controller) (*mocks1_2.MockCoreDeviceDriver, *Device) {
	mockInstance := mocks1_2.NewMockCoreInstanceDriver(ctrl)
	mockDevice := mocks1_2.NewMockCoreDeviceDriver(ctrl)

	instance := mocks.NewDummyInstance(common.Vulkan1_2, nil)
	physicalDevice := mocks.NewDummyPhysicalDevice(instance, common.Vulkan1_2)
	device := mocks.NewDummyDevice(common.Vulkan1_2, nil)
	mockDevice.EXPECT().Device().Return(device).AnyTimes()

	mockInstance.EXPECT().GetPhysicalDeviceProperties(physicalDevice).Return(&core1_0.PhysicalDeviceProperties{
		DeviceName:        "mock device",
		DriverType:        core1_0.PhysicalDeviceTypeDiscreteGPU,
		PipelineCacheUUID: cacheUUID,
		Limits: &core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:           1024,
			NonCoherentAtomSize:              64,
			MinUniformBufferOffsetAlignment:  256,
			MinStorageBufferOffsetAlignment:  16,
			OptimalBufferCopyOffsetAlignment: 4,
		},
	}, nil)
	mockInstance.EXPECT().GetPhysicalDeviceMemoryProperties(physicalDevice).Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1 << 30, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1 << 28, Flags: 0},
		},
	})
	mockInstance.EXPECT().GetPhysicalDeviceQueueFamilyProperties(physicalDevice).Return(nil)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d, err := New(logger, mockInstance, mockDevice, physicalDevice, Options{Synchronized: true})
	require.NoError(t, err)

	return mockDevice, d
}

func TestNewReadsProperties(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, d := readyDevice(t, ctrl)

	props := d.Properties()
	require.Equal(t, "mock device", props.DeviceName)
	require.Equal(t, cacheUUID, props.PipelineCacheUUID)
	require.Equal(t, 1024, props.BufferImageGranularity)
	require.Equal(t, 64, props.NonCoherentAtomSize)
	require.Equal(t, 256, props.MinUniformBufferOffsetAlignment)
	require.Equal(t, []driver.MemoryType{
		{Properties: driver.MemoryDeviceLocal, HeapIndex: 0},
		{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
	}, props.MemoryTypes)
	require.Equal(t, []driver.MemoryHeap{
		{Size: 1 << 30, DeviceLocal: true},
		{Size: 1 << 28},
	}, props.MemoryHeaps)

	index, ok := props.FindMemoryType(0x3, driver.MemoryHostVisible)
	require.True(t, ok)
	require.Equal(t, 1, index)
}

func TestBufferLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDevice, d := readyDevice(t, ctrl)

	memory := mocks.NewDummyDeviceMemory(mockDevice.Device(), 4096)
	buffer := mocks.NewDummyBuffer(mockDevice.Device())

	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: 1,
	}).Return(memory, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().CreateBuffer(gomock.Any(), core1_0.BufferCreateInfo{
		Size:        1000,
		Usage:       core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().GetBufferMemoryRequirements(buffer).Return(&core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      256,
		MemoryTypeBits: 0x3,
	})
	mockDevice.EXPECT().BindBufferMemory(buffer, memory, 512).Return(core1_0.VKSuccess, nil)
	mockDevice.EXPECT().DestroyBuffer(buffer, nil)
	mockDevice.EXPECT().FreeMemory(memory, nil)

	memoryHandle, err := d.AllocateMemory(1, 4096)
	require.NoError(t, err)

	bufferHandle, req, err := d.CreateBuffer(1000, driver.BufferUsageStorage|driver.BufferUsageTransferDst)
	require.NoError(t, err)
	require.NotEqual(t, uint64(memoryHandle), uint64(bufferHandle))
	require.Equal(t, driver.MemoryRequirements{Size: 1024, Alignment: 256, MemoryTypeBits: 0x3}, req)

	require.NoError(t, d.BindBufferMemory(bufferHandle, memoryHandle, 512))

	d.DestroyBuffer(bufferHandle)
	d.FreeMemory(memoryHandle)

	// Stale handles are rejected without reaching the driver
	require.Error(t, d.BindBufferMemory(bufferHandle, memoryHandle, 0))
	d.DestroyBuffer(bufferHandle)
}

func TestAllocateMemoryMarksDriverErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDevice, d := readyDevice(t, ctrl)

	mockDevice.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).
		Return(core1_0.DeviceMemory{}, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).
		Return(core1_0.DeviceMemory{}, core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError())

	_, err := d.AllocateMemory(0, 1<<20)
	require.True(t, errors.Is(err, driver.ErrOutOfDeviceMemory))

	_, err = d.AllocateMemory(0, 1<<20)
	require.True(t, errors.Is(err, driver.ErrDeviceLost))
	require.False(t, errors.Is(err, driver.ErrOutOfDeviceMemory))
}

func TestWaitFenceReportsTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDevice, d := readyDevice(t, ctrl)

	mockDevice.EXPECT().CreateFence(gomock.Any(), core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	}).Return(core1_0.Fence{}, core1_0.VKSuccess, nil)
	gomock.InOrder(
		mockDevice.EXPECT().WaitForFences(true, time.Duration(0), gomock.Any()).Return(core1_0.VKTimeout, nil),
		mockDevice.EXPECT().WaitForFences(true, time.Duration(0), gomock.Any()).Return(core1_0.VKSuccess, nil),
	)
	mockDevice.EXPECT().DestroyFence(gomock.Any(), nil)

	fence, err := d.CreateFence(true)
	require.NoError(t, err)

	signaled, err := d.WaitFence(fence, 0)
	require.NoError(t, err)
	require.False(t, signaled)

	signaled, err = d.WaitFence(fence, 0)
	require.NoError(t, err)
	require.True(t, signaled)

	d.DestroyFence(fence)

	_, err = d.WaitFence(fence, 0)
	require.Error(t, err)
}

func TestCreateShaderModuleConvertsWords(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDevice, d := readyDevice(t, ctrl)

	mockDevice.EXPECT().CreateShaderModule(gomock.Any(), core1_0.ShaderModuleCreateInfo{
		Code: []uint32{0x07230203, 0x00010000},
	}).Return(core1_0.ShaderModule{}, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().DestroyShaderModule(gomock.Any(), nil)

	module, err := d.CreateShaderModule([]byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00})
	require.NoError(t, err)
	d.DestroyShaderModule(module)

	_, err = d.CreateShaderModule([]byte{0x03, 0x02, 0x23})
	require.True(t, errors.Is(err, driver.ErrInitializationFailed))
}

func TestPipelineBarrierTranslation(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDevice, d := readyDevice(t, ctrl)

	buffer := mocks.NewDummyBuffer(mockDevice.Device())
	image := mocks.NewDummyImage(mockDevice.Device())

	mockDevice.EXPECT().CreateCommandPool(gomock.Any(), core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: 2,
	}).Return(core1_0.CommandPool{}, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().AllocateCommandBuffers(gomock.Any()).
		Return([]core1_0.CommandBuffer{{}}, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().GetBufferMemoryRequirements(buffer).Return(&core1_0.MemoryRequirements{Size: 256, Alignment: 16, MemoryTypeBits: 1})
	mockDevice.EXPECT().CreateImage(gomock.Any(), gomock.Any()).Return(image, core1_0.VKSuccess, nil)
	mockDevice.EXPECT().GetImageMemoryRequirements(image).Return(&core1_0.MemoryRequirements{Size: 4096, Alignment: 256, MemoryTypeBits: 1})

	mockDevice.EXPECT().CmdPipelineBarrier(gomock.Any(),
		core1_0.PipelineStageTransfer,
		core1_0.PipelineStageComputeShader|core1_0.PipelineStageFragmentShader,
		gomock.Any(),
		gomock.Any(),
		[]core1_0.BufferMemoryBarrier{{
			SrcAccessMask:       core1_0.AccessTransferWrite,
			DstAccessMask:       core1_0.AccessShaderRead,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Buffer:              buffer,
			Offset:              64,
			Size:                128,
		}},
		[]core1_0.ImageMemoryBarrier{{
			SrcAccessMask:       core1_0.AccessTransferWrite,
			DstAccessMask:       core1_0.AccessShaderRead,
			OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
			NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask: core1_0.ImageAspectColor,
				LevelCount: 1,
				LayerCount: 1,
			},
		}},
	).Return(nil)

	mockDevice.EXPECT().DestroyImage(image, nil)
	mockDevice.EXPECT().DestroyBuffer(buffer, nil)
	mockDevice.EXPECT().DestroyCommandPool(gomock.Any(), nil)

	pool, err := d.CreateCommandPool(2)
	require.NoError(t, err)
	cmd, err := d.AllocateCommandBuffer(pool)
	require.NoError(t, err)
	bufferHandle, _, err := d.CreateBuffer(256, driver.BufferUsageStorage)
	require.NoError(t, err)
	imageHandle, _, err := d.CreateImage(driver.ImageInfo{
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent{Width: 32, Height: 32},
		Usage:  driver.ImageUsageSampled | driver.ImageUsageTransferDst,
	})
	require.NoError(t, err)

	d.CmdPipelineBarrier(cmd, driver.Barrier{
		SrcStage: driver.StageTransfer,
		DstStage: driver.StageComputeShader | driver.StageFragmentShader,
		Buffers: []driver.BufferBarrier{{
			Buffer:    bufferHandle,
			Offset:    64,
			Size:      128,
			SrcAccess: driver.AccessTransferWrite,
			DstAccess: driver.AccessShaderRead,
		}},
		Images: []driver.ImageBarrier{{
			Image:     imageHandle,
			OldLayout: driver.LayoutTransferDstOptimal,
			NewLayout: driver.LayoutShaderReadOnlyOptimal,
			SrcAccess: driver.AccessTransferWrite,
			DstAccess: driver.AccessShaderRead,
		}},
	})

	d.DestroyImage(imageHandle)
	d.DestroyBuffer(bufferHandle)
	d.DestroyCommandPool(pool)

	// The pool's buffers went with it
	_, ok := d.commandBuffer(cmd)
	require.False(t, ok)
}
