package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/slab"
)

// ErrNotReady is returned by Readback.Data before the readback's command has completed
var ErrNotReady = errors.New("readback has not completed")

// ErrAborted is returned by Readback.Data if the readback's command failed to submit
var ErrAborted = errors.New("readback command was not submitted")

const stagingProperties = driver.MemoryHostVisible | driver.MemoryHostCoherent

// Readback receives data copied back from the device. The data is available once the command
// that recorded the copy has completed.
type Readback struct {
	data    []byte
	done    chan struct{}
	aborted bool
}

// Done is closed once Data will no longer return ErrNotReady
func (r *Readback) Done() <-chan struct{} {
	return r.done
}

// Data returns the copied bytes, or ErrNotReady if the copy has not finished
func (r *Readback) Data() ([]byte, error) {
	select {
	case <-r.done:
	default:
		return nil, ErrNotReady
	}

	if r.aborted {
		return nil, ErrAborted
	}
	return r.data, nil
}

func checkRange(offset, size, total int) error {
	if offset < 0 || size < 0 || offset+size > total {
		return errors.AssertionFailedf("range [%d, %d) is outside a resource of %d bytes", offset, offset+size, total)
	}
	return nil
}

func checkLive(t *tracked, kind string) error {
	if t.doomed {
		return errors.AssertionFailedf("%s has already been destroyed", kind)
	}
	return nil
}

// staging allocates a host-visible transfer buffer that is freed when cmd finishes, whether or
// not it is ever submitted. If complete is not nil, it runs with the staging buffer once cmd
// has completed and before the buffer is freed.
func (m *Manager) staging(cmd *command.Command, usage driver.BufferUsage, size int, complete func(slab.BufferSlice)) (slab.BufferSlice, error) {
	slice, err := m.allocator.AllocateBuffer(usage, stagingProperties, size, 1)
	if err != nil {
		return slab.BufferSlice{}, errors.Wrapf(err, "failed to allocate %d byte staging buffer", size)
	}

	free := func() {
		if err := m.allocator.Free(slice.Slice); err != nil {
			m.logReleaseError("staging buffer", err)
		}
	}
	cmd.Callback(func() {
		if complete != nil {
			complete(slice)
		}
		free()
	})
	cmd.OnAbort(free)

	return slice, nil
}

// Upload writes data into buf at offset. Host-visible buffers are written immediately, so the
// caller must know the device is not using the range. Device-local buffers are written through
// a staging buffer by a copy recorded into cmd, which then signals buf.
func (m *Manager) Upload(cmd *command.Command, buf *Buffer, offset int, data []byte) error {
	if err := checkLive(&buf.tracked, "buffer"); err != nil {
		return err
	}
	if err := checkRange(offset, len(data), buf.Size()); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if buf.Mapped() {
		copy(buf.Bytes()[offset:], data)
		return nil
	}

	staging, err := m.staging(cmd, driver.BufferUsageTransferSrc, len(data), nil)
	if err != nil {
		return err
	}
	copy(staging.Bytes(), data)

	m.BarrierBuffer(cmd, buf, driver.StageTransfer, RoleTransferDst)
	m.device.CmdCopyBuffer(cmd.Buffer(), staging.Buffer(), buf.Handle(), driver.BufferCopy{
		SrcOffset: staging.Offset(),
		DstOffset: buf.Offset() + offset,
		Size:      len(data),
	})
	buf.attachSignal(cmd, driver.StageTransfer)
	return nil
}

// UploadTexture replaces the whole of tex with tightly packed texel data and signals tex
func (m *Manager) UploadTexture(cmd *command.Command, tex *Texture, data []byte) error {
	if err := checkLive(&tex.tracked, "texture"); err != nil {
		return err
	}
	if len(data) != tex.Size() {
		return errors.AssertionFailedf("texture upload of %d bytes into a %d byte texture", len(data), tex.Size())
	}

	staging, err := m.staging(cmd, driver.BufferUsageTransferSrc, len(data), nil)
	if err != nil {
		return err
	}
	copy(staging.Bytes(), data)

	m.BarrierTexture(cmd, tex, driver.StageTransfer, RoleTransferDst, true)
	m.device.CmdCopyBufferToImage(cmd.Buffer(), staging.Buffer(), tex.image, driver.LayoutTransferDstOptimal, driver.BufferImageCopy{
		BufferOffset: staging.Offset(),
		Extent:       tex.extent,
	})
	tex.attachSignal(cmd, driver.StageTransfer)
	return nil
}

func (m *Manager) readback(cmd *command.Command, size int) (*Readback, slab.BufferSlice, error) {
	result := &Readback{
		data: make([]byte, size),
		done: make(chan struct{}),
	}

	staging, err := m.staging(cmd, driver.BufferUsageTransferDst, size, func(staging slab.BufferSlice) {
		copy(result.data, staging.Bytes())
		close(result.done)
	})
	if err != nil {
		return nil, slab.BufferSlice{}, err
	}

	cmd.OnAbort(func() {
		result.aborted = true
		close(result.done)
	})

	return result, staging, nil
}

// Download records a copy of size bytes of buf, starting at offset, into host memory
func (m *Manager) Download(cmd *command.Command, buf *Buffer, offset, size int) (*Readback, error) {
	if err := checkLive(&buf.tracked, "buffer"); err != nil {
		return nil, err
	}
	if err := checkRange(offset, size, buf.Size()); err != nil {
		return nil, err
	}

	result, staging, err := m.readback(cmd, size)
	if err != nil {
		return nil, err
	}

	m.BarrierBuffer(cmd, buf, driver.StageTransfer, RoleTransferSrc)
	m.device.CmdCopyBuffer(cmd.Buffer(), buf.Handle(), staging.Buffer(), driver.BufferCopy{
		SrcOffset: buf.Offset() + offset,
		DstOffset: staging.Offset(),
		Size:      size,
	})
	buf.attachSignal(cmd, driver.StageTransfer)
	return result, nil
}

// DownloadTexture records a copy of the whole of tex into host memory
func (m *Manager) DownloadTexture(cmd *command.Command, tex *Texture) (*Readback, error) {
	if err := checkLive(&tex.tracked, "texture"); err != nil {
		return nil, err
	}
	result, staging, err := m.readback(cmd, tex.Size())
	if err != nil {
		return nil, err
	}

	m.BarrierTexture(cmd, tex, driver.StageTransfer, RoleTransferSrc, false)
	m.device.CmdCopyImageToBuffer(cmd.Buffer(), tex.image, driver.LayoutTransferSrcOptimal, staging.Buffer(), driver.BufferImageCopy{
		BufferOffset: staging.Offset(),
		Extent:       tex.extent,
	})
	tex.attachSignal(cmd, driver.StageTransfer)
	return result, nil
}

// CopyBuffer records a copy of size bytes from src at srcOffset to dst at dstOffset. Both
// buffers are signaled by cmd.
func (m *Manager) CopyBuffer(cmd *command.Command, src *Buffer, srcOffset int, dst *Buffer, dstOffset int, size int) error {
	if err := checkLive(&src.tracked, "source buffer"); err != nil {
		return err
	}
	if err := checkLive(&dst.tracked, "destination buffer"); err != nil {
		return err
	}
	if err := checkRange(srcOffset, size, src.Size()); err != nil {
		return err
	}
	if err := checkRange(dstOffset, size, dst.Size()); err != nil {
		return err
	}
	if src == dst {
		return errors.AssertionFailed("copying a buffer onto itself")
	}

	m.BarrierBuffer(cmd, src, driver.StageTransfer, RoleTransferSrc)
	m.BarrierBuffer(cmd, dst, driver.StageTransfer, RoleTransferDst)
	m.device.CmdCopyBuffer(cmd.Buffer(), src.Handle(), dst.Handle(), driver.BufferCopy{
		SrcOffset: src.Offset() + srcOffset,
		DstOffset: dst.Offset() + dstOffset,
		Size:      size,
	})
	src.attachSignal(cmd, driver.StageTransfer)
	dst.attachSignal(cmd, driver.StageTransfer)
	return nil
}
