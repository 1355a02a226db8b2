package sim

import (
	"github.com/google/uuid"
	"github.com/vkngwrapper/rava/driver"
)

// DefaultPipelineCacheUUID is the pipeline cache UUID reported by DefaultProperties
var DefaultPipelineCacheUUID = uuid.MustParse("5d1c7a0e-8b3f-4c62-9e7a-2f4b6d8c0a11")

// DefaultProperties describes a small discrete GPU: a device-local heap, a host heap, and
// one queue family of each common shape
func DefaultProperties() *driver.Properties {
	return &driver.Properties{
		DeviceName:        "rava simulated device",
		PipelineCacheUUID: DefaultPipelineCacheUUID,
		MemoryTypes: []driver.MemoryType{
			{Properties: driver.MemoryDeviceLocal, HeapIndex: 0},
			{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
			{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent | driver.MemoryHostCached, HeapIndex: 1},
			{Properties: driver.MemoryDeviceLocal | driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 0},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 2 << 30, DeviceLocal: true},
			{Size: 1 << 30},
		},
		BufferImageGranularity:           1024,
		MinUniformBufferOffsetAlignment:  256,
		MinStorageBufferOffsetAlignment:  64,
		MinTexelBufferOffsetAlignment:    16,
		OptimalBufferCopyOffsetAlignment: 4,
		NonCoherentAtomSize:              64,
		QueueFamilies: []driver.QueueFamily{
			{Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer, QueueCount: 2},
			{Flags: driver.QueueTransfer, QueueCount: 1},
			{Flags: driver.QueueCompute | driver.QueueTransfer, QueueCount: 1},
		},
	}
}
