package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/slab"
)

// TextureParams describes a 2D texture to create
type TextureParams struct {
	Format driver.Format
	Extent driver.Extent
	Usage  driver.ImageUsage
}

// Texture is an image and its hazard state. Textures created by the Manager own their image
// and memory. Foreign textures wrap an image owned by someone else, such as a swapchain.
type Texture struct {
	tracked

	image   driver.Image
	slice   slab.Slice
	format  driver.Format
	extent  driver.Extent
	usage   driver.ImageUsage
	foreign bool

	target driver.RenderTarget
}

func (t *Texture) Image() driver.Image { return t.image }

func (t *Texture) Format() driver.Format { return t.format }

func (t *Texture) Extent() driver.Extent { return t.extent }

func (t *Texture) Usage() driver.ImageUsage { return t.usage }

// Foreign reports whether the texture wraps an image the Manager does not own
func (t *Texture) Foreign() bool { return t.foreign }

// State is the texture's last known use
func (t *Texture) State() State { return t.state }

// Destroyed reports whether DestroyTexture has been called
func (t *Texture) Destroyed() bool { return t.doomed }

// Size is the number of bytes in a tightly packed copy of the texture
func (t *Texture) Size() int {
	return t.extent.Texels() * t.format.TexelSize()
}

// CreateTexture creates an image in device-local memory. Transfer usage is always added, so
// every texture can be uploaded to and read back.
func (m *Manager) CreateTexture(params TextureParams) (*Texture, error) {
	if params.Extent.Width < 1 {
		return nil, errors.AssertionFailedf("invalid texture width %d", params.Extent.Width)
	}

	usage := params.Usage | driver.ImageUsageTransferSrc | driver.ImageUsageTransferDst
	image, requirements, err := m.device.CreateImage(driver.ImageInfo{
		Format: params.Format,
		Extent: params.Extent,
		Usage:  usage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image")
	}

	slice, err := m.allocator.AllocateImageMemory(requirements, driver.MemoryDeviceLocal)
	if err != nil {
		m.device.DestroyImage(image)
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of image memory", requirements.Size)
	}

	err = m.device.BindImageMemory(image, slice.Memory(), slice.Offset())
	if err != nil {
		m.device.DestroyImage(image)
		_ = m.allocator.Free(slice)
		return nil, errors.Wrap(err, "failed to bind image memory")
	}

	tex := &Texture{
		image:  image,
		slice:  slice,
		format: params.Format,
		extent: params.Extent,
		usage:  usage,
	}
	tex.release = func() {
		if tex.target != 0 {
			m.device.DestroyRenderTarget(tex.target)
		}
		m.device.DestroyImage(tex.image)
		if err := m.allocator.Free(tex.slice); err != nil {
			m.logReleaseError("texture", err)
		}
		m.liveTextures--
	}
	m.liveTextures++

	return tex, nil
}

// WrapTexture tracks an image the Manager does not own. If signal is not nil, the first command
// to use the texture waits on it.
func (m *Manager) WrapTexture(image driver.Image, format driver.Format, extent driver.Extent, signal *command.Signal) *Texture {
	tex := &Texture{
		image:   image,
		format:  format,
		extent:  extent,
		usage:   driver.ImageUsageColorAttachment | driver.ImageUsageTransferSrc | driver.ImageUsageTransferDst,
		foreign: true,
	}
	tex.state.Signal = signal
	tex.release = func() {
		if tex.target != 0 {
			m.device.DestroyRenderTarget(tex.target)
		}
		m.liveTextures--
	}
	m.liveTextures++

	return tex
}

// RenderTarget returns the render target for tex, creating it on first use. The texture must
// have been created with ImageUsageColorAttachment.
func (m *Manager) RenderTarget(tex *Texture) (driver.RenderTarget, error) {
	if tex.target != 0 {
		return tex.target, nil
	}
	if tex.usage&driver.ImageUsageColorAttachment == 0 {
		return 0, errors.AssertionFailedf("texture with usage %s cannot be a render target", tex.usage)
	}

	target, err := m.device.CreateRenderTarget(tex.image, tex.format, tex.extent)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create render target")
	}
	tex.target = target
	return target, nil
}

// DestroyTexture releases tex. If a command that uses tex has not yet finished, it is released
// when the command does. A foreign texture's image is left alone.
func (m *Manager) DestroyTexture(tex *Texture) {
	tex.destroy()
}
