package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/slab"
)

// BufferParams describes a buffer to create
type BufferParams struct {
	Size  int
	Usage driver.BufferUsage
	// HostVisible places the buffer in mapped host-visible memory, so that uploads are plain
	// copies. Otherwise it lives in device-local memory and uploads are staged.
	HostVisible bool
}

// Buffer is a range of a slab's spanning buffer, along with its hazard state
type Buffer struct {
	tracked

	slice slab.BufferSlice
	usage driver.BufferUsage
}

// Handle is the device buffer. The Buffer's bytes begin at Offset within it.
func (b *Buffer) Handle() driver.Buffer { return b.slice.Buffer() }

func (b *Buffer) Offset() int { return b.slice.Offset() }

func (b *Buffer) Size() int { return b.slice.Size() }

func (b *Buffer) Usage() driver.BufferUsage { return b.usage }

// Mapped reports whether the buffer is host visible
func (b *Buffer) Mapped() bool { return b.slice.Mapped() }

// Bytes is the buffer's host mapping, or nil if it is not host visible
func (b *Buffer) Bytes() []byte { return b.slice.Bytes() }

// State is the buffer's last known use
func (b *Buffer) State() State { return b.state }

// Destroyed reports whether DestroyBuffer has been called
func (b *Buffer) Destroyed() bool { return b.doomed }

// CreateBuffer allocates a buffer. Transfer usage is always added, so every buffer can be
// uploaded to and read back.
func (m *Manager) CreateBuffer(params BufferParams) (*Buffer, error) {
	if params.Size < 1 {
		return nil, errors.AssertionFailedf("invalid buffer size %d", params.Size)
	}

	usage := params.Usage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst
	properties := driver.MemoryDeviceLocal
	if params.HostVisible {
		properties = driver.MemoryHostVisible | driver.MemoryHostCoherent
	}

	slice, err := m.allocator.AllocateBuffer(usage, properties, params.Size, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d byte buffer", params.Size)
	}

	buf := &Buffer{slice: slice, usage: usage}
	buf.release = func() {
		if err := m.allocator.Free(buf.slice.Slice); err != nil {
			m.logReleaseError("buffer", err)
		}
		m.liveBuffers--
	}
	m.liveBuffers++

	return buf, nil
}

// DestroyBuffer releases buf. If a command that uses buf has not yet finished, the memory is
// released when it does.
func (m *Manager) DestroyBuffer(buf *Buffer) {
	buf.destroy()
}
