package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/rava/driver"
)

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (driver.Memory, error) {
	memory, res, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return 0, errors.Wrapf(translate(res, err), "failed to allocate %d bytes from memory type %d", size, memoryTypeIndex)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Memory(d.handle())
	d.memory.Put(handle, memory)
	return handle, nil
}

func (d *Device) FreeMemory(handle driver.Memory) {
	d.mutex.Lock()
	memory, ok := d.memory.Get(handle)
	d.memory.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.FreeMemory(memory, nil)
	}
}

func (d *Device) lookupMemory(handle driver.Memory) (core1_0.DeviceMemory, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	memory, ok := d.memory.Get(handle)
	if !ok {
		return core1_0.DeviceMemory{}, errors.AssertionFailedf("unknown memory %d", handle)
	}
	return memory, nil
}

func (d *Device) MapMemory(handle driver.Memory, size int) (unsafe.Pointer, error) {
	memory, err := d.lookupMemory(handle)
	if err != nil {
		return nil, err
	}

	ptr, res, err := d.driver.MapMemory(memory, 0, size, 0)
	if err != nil {
		return nil, errors.Wrapf(translate(res, err), "failed to map memory %d", handle)
	}
	return ptr, nil
}

func (d *Device) UnmapMemory(handle driver.Memory) {
	memory, err := d.lookupMemory(handle)
	if err != nil {
		return
	}
	d.driver.UnmapMemory(memory)
}

func requirements(req *core1_0.MemoryRequirements) driver.MemoryRequirements {
	return driver.MemoryRequirements{
		Size:           int(req.Size),
		Alignment:      uint(req.Alignment),
		MemoryTypeBits: uint32(req.MemoryTypeBits),
	}
}

func (d *Device) CreateBuffer(size int, usage driver.BufferUsage) (driver.Buffer, driver.MemoryRequirements, error) {
	buffer, res, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       core1_0.BufferUsageFlags(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return 0, driver.MemoryRequirements{}, errors.Wrapf(translate(res, err), "failed to create %d byte buffer", size)
	}
	req := d.driver.GetBufferMemoryRequirements(buffer)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Buffer(d.handle())
	d.buffers.Put(handle, buffer)
	return handle, requirements(req), nil
}

func (d *Device) DestroyBuffer(handle driver.Buffer) {
	d.mutex.Lock()
	buffer, ok := d.buffers.Get(handle)
	d.buffers.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyBuffer(buffer, nil)
	}
}

func (d *Device) BindBufferMemory(handle driver.Buffer, memoryHandle driver.Memory, offset int) error {
	d.mutex.RLock()
	buffer, bufferOK := d.buffers.Get(handle)
	memory, memoryOK := d.memory.Get(memoryHandle)
	d.mutex.RUnlock()

	if !bufferOK || !memoryOK {
		return errors.AssertionFailedf("binding unknown buffer %d or memory %d", handle, memoryHandle)
	}

	res, err := d.driver.BindBufferMemory(buffer, memory, offset)
	return errors.Wrapf(translate(res, err), "failed to bind buffer %d", handle)
}

func extent3D(extent driver.Extent) core1_0.Extent3D {
	return core1_0.Extent3D{
		Width:  extent.Width,
		Height: max(extent.Height, 1),
		Depth:  max(extent.Depth, 1),
	}
}

func (d *Device) CreateImage(info driver.ImageInfo) (driver.Image, driver.MemoryRequirements, error) {
	img, res, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Extent:        extent3D(info.Extent),
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        core1_0.Format(info.Format),
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageFlags(info.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return 0, driver.MemoryRequirements{}, errors.Wrapf(translate(res, err), "failed to create %dx%d image", info.Extent.Width, info.Extent.Height)
	}
	req := d.driver.GetImageMemoryRequirements(img)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Image(d.handle())
	d.images.Put(handle, &image{image: img, format: info.Format})
	return handle, requirements(req), nil
}

// ImportImage issues a handle for an image the Device did not create, such as a swapchain
// image. DestroyImage releases the handle and any view created for it, but not the image.
func (d *Device) ImportImage(img core1_0.Image, format driver.Format) driver.Image {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Image(d.handle())
	d.images.Put(handle, &image{image: img, format: format, foreign: true})
	return handle
}

func (d *Device) DestroyImage(handle driver.Image) {
	d.mutex.Lock()
	img, ok := d.images.Get(handle)
	d.images.Delete(handle)
	d.mutex.Unlock()

	if !ok {
		return
	}
	if img.view.Initialized() {
		d.driver.DestroyImageView(img.view, nil)
	}
	if !img.foreign {
		d.driver.DestroyImage(img.image, nil)
	}
}

func (d *Device) BindImageMemory(handle driver.Image, memoryHandle driver.Memory, offset int) error {
	d.mutex.RLock()
	img, imageOK := d.images.Get(handle)
	memory, memoryOK := d.memory.Get(memoryHandle)
	d.mutex.RUnlock()

	if !imageOK || !memoryOK {
		return errors.AssertionFailedf("binding unknown image %d or memory %d", handle, memoryHandle)
	}

	res, err := d.driver.BindImageMemory(img.image, memory, offset)
	return errors.Wrapf(translate(res, err), "failed to bind image %d", handle)
}

// imageView returns the color view of an image, creating it on first use. Views are created
// lazily because an image cannot be viewed until its memory is bound.
func (d *Device) imageView(handle driver.Image) (core1_0.ImageView, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	img, ok := d.images.Get(handle)
	if !ok {
		return core1_0.ImageView{}, errors.AssertionFailedf("unknown image %d", handle)
	}
	if img.view.Initialized() {
		return img.view, nil
	}

	view, res, err := d.driver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    img.image,
		ViewType: core1_0.ImageViewType2D,
		Format:   core1_0.Format(img.format),
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask: core1_0.ImageAspectColor,
			LevelCount: 1,
			LayerCount: 1,
		},
	})
	if err != nil {
		return core1_0.ImageView{}, errors.Wrapf(translate(res, err), "failed to create view of image %d", handle)
	}

	img.view = view
	return view, nil
}
