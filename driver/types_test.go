package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testProperties() *Properties {
	return &Properties{
		MemoryTypes: []MemoryType{
			{Properties: MemoryDeviceLocal, HeapIndex: 0},
			{Properties: MemoryHostVisible | MemoryHostCoherent, HeapIndex: 1},
			{Properties: MemoryDeviceLocal | MemoryHostVisible | MemoryHostCoherent, HeapIndex: 0},
		},
		QueueFamilies: []QueueFamily{
			{Flags: QueueGraphics | QueueCompute | QueueTransfer, QueueCount: 1},
			{Flags: QueueCompute | QueueTransfer, QueueCount: 0},
			{Flags: QueueTransfer, QueueCount: 2},
		},
	}
}

func TestFindMemoryType(t *testing.T) {
	props := testProperties()

	index, ok := props.FindMemoryType(0xffffffff, MemoryDeviceLocal)
	require.True(t, ok)
	require.Equal(t, 0, index)

	index, ok = props.FindMemoryType(0xffffffff, MemoryHostVisible)
	require.True(t, ok)
	require.Equal(t, 1, index)

	// Type bits exclude the first match
	index, ok = props.FindMemoryType(0b100, MemoryHostVisible)
	require.True(t, ok)
	require.Equal(t, 2, index)

	_, ok = props.FindMemoryType(0b001, MemoryHostVisible)
	require.False(t, ok)

	index, ok = props.FindMemoryType(0xffffffff, MemoryHostCached)
	require.False(t, ok)
	require.Equal(t, -1, index)
}

func TestFindQueueFamily(t *testing.T) {
	props := testProperties()

	index, ok := props.FindQueueFamily(QueueGraphics, 0)
	require.True(t, ok)
	require.Equal(t, 0, index)

	// Families without queues are never chosen
	index, ok = props.FindQueueFamily(QueueTransfer, QueueGraphics)
	require.True(t, ok)
	require.Equal(t, 2, index)

	_, ok = props.FindQueueFamily(QueueCompute, QueueGraphics)
	require.False(t, ok)
}

func TestExtentTexels(t *testing.T) {
	require.Equal(t, 16, Extent{Width: 16}.Texels())
	require.Equal(t, 64, Extent{Width: 8, Height: 8}.Texels())
	require.Equal(t, 128, Extent{Width: 4, Height: 4, Depth: 8}.Texels())
}

func TestFormatTexelSize(t *testing.T) {
	require.Equal(t, 4, FormatR8G8B8A8Unorm.TexelSize())
	require.Equal(t, 16, FormatR32G32B32A32Sfloat.TexelSize())
	require.Zero(t, FormatUndefined.TexelSize())
}

func TestFlagStrings(t *testing.T) {
	require.Equal(t, "Storage", BufferUsageStorage.String())
	require.Equal(t, "ComputeShader", StageComputeShader.String())

	combined := (AccessTransferRead | AccessShaderWrite).String()
	require.Contains(t, combined, "TransferRead")
	require.Contains(t, combined, "ShaderWrite")

	require.Equal(t, "TransferDstOptimal", LayoutTransferDstOptimal.String())
	require.Equal(t, "ImageLayout(42)", ImageLayout(42).String())
	require.Equal(t, "StorageBuffer", DescriptorStorageBuffer.String())
}
