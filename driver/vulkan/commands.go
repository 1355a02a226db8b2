package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/rava/driver"
)

func (d *Device) CreateCommandPool(queueFamily int) (driver.CommandPool, error) {
	pool, res, err := d.driver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamily,
	})
	if err != nil {
		return 0, errors.Wrapf(translate(res, err), "failed to create command pool for queue family %d", queueFamily)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.CommandPool(d.handle())
	d.commandPools.Put(handle, pool)
	return handle, nil
}

func (d *Device) DestroyCommandPool(handle driver.CommandPool) {
	d.mutex.Lock()
	pool, ok := d.commandPools.Get(handle)
	d.commandPools.Delete(handle)

	// Buffers are freed along with their pool
	var orphans []driver.CommandBuffer
	d.commandBuffers.Iter(func(buffer driver.CommandBuffer, cb commandBuffer) bool {
		if cb.pool == handle {
			orphans = append(orphans, buffer)
		}
		return false
	})
	for _, buffer := range orphans {
		d.commandBuffers.Delete(buffer)
	}
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyCommandPool(pool, nil)
	}
}

func (d *Device) AllocateCommandBuffer(poolHandle driver.CommandPool) (driver.CommandBuffer, error) {
	d.mutex.RLock()
	pool, ok := d.commandPools.Get(poolHandle)
	d.mutex.RUnlock()
	if !ok {
		return 0, errors.AssertionFailedf("unknown command pool %d", poolHandle)
	}

	buffers, res, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return 0, errors.Wrapf(translate(res, err), "failed to allocate command buffer from pool %d", poolHandle)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.CommandBuffer(d.handle())
	d.commandBuffers.Put(handle, commandBuffer{buffer: buffers[0], pool: poolHandle})
	return handle, nil
}

func (d *Device) FreeCommandBuffer(poolHandle driver.CommandPool, handle driver.CommandBuffer) {
	d.mutex.Lock()
	cb, ok := d.commandBuffers.Get(handle)
	d.commandBuffers.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.FreeCommandBuffers(cb.buffer)
	}
}

func (d *Device) commandBuffer(handle driver.CommandBuffer) (core1_0.CommandBuffer, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	cb, ok := d.commandBuffers.Get(handle)
	return cb.buffer, ok
}

func (d *Device) BeginCommandBuffer(handle driver.CommandBuffer) error {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return errors.AssertionFailedf("unknown command buffer %d", handle)
	}

	res, err := d.driver.BeginCommandBuffer(buffer, core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return errors.Wrap(translate(res, err), "failed to begin command buffer")
}

func (d *Device) EndCommandBuffer(handle driver.CommandBuffer) error {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return errors.AssertionFailedf("unknown command buffer %d", handle)
	}

	res, err := d.driver.EndCommandBuffer(buffer)
	return errors.Wrap(translate(res, err), "failed to end command buffer")
}

func (d *Device) ResetCommandBuffer(handle driver.CommandBuffer) error {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return errors.AssertionFailedf("unknown command buffer %d", handle)
	}

	res, err := d.driver.ResetCommandBuffer(buffer, 0)
	return errors.Wrap(translate(res, err), "failed to reset command buffer")
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.driver.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create fence")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Fence(d.handle())
	d.fences.Put(handle, fence)
	return handle, nil
}

func (d *Device) DestroyFence(handle driver.Fence) {
	d.mutex.Lock()
	fence, ok := d.fences.Get(handle)
	d.fences.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyFence(fence, nil)
	}
}

func (d *Device) fence(handle driver.Fence) (core1_0.Fence, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	fence, ok := d.fences.Get(handle)
	if !ok {
		return core1_0.Fence{}, errors.AssertionFailedf("unknown fence %d", handle)
	}
	return fence, nil
}

func (d *Device) ResetFence(handle driver.Fence) error {
	fence, err := d.fence(handle)
	if err != nil {
		return err
	}

	res, err := d.driver.ResetFences(fence)
	return errors.Wrap(translate(res, err), "failed to reset fence")
}

func (d *Device) WaitFence(handle driver.Fence, timeout time.Duration) (bool, error) {
	fence, err := d.fence(handle)
	if err != nil {
		return false, err
	}

	res, err := d.driver.WaitForFences(true, timeout, fence)
	if err != nil {
		return false, errors.Wrap(translate(res, err), "failed to wait for fence")
	}
	return res != core1_0.VKTimeout, nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	semaphore, res, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create semaphore")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Semaphore(d.handle())
	d.semaphores.Put(handle, semaphore)
	return handle, nil
}

// ImportSemaphore issues a handle for a semaphore the Device did not create, such as a
// swapchain acquire semaphore. DestroySemaphore releases the handle and the semaphore.
func (d *Device) ImportSemaphore(semaphore core1_0.Semaphore) driver.Semaphore {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Semaphore(d.handle())
	d.semaphores.Put(handle, semaphore)
	return handle
}

func (d *Device) DestroySemaphore(handle driver.Semaphore) {
	d.mutex.Lock()
	semaphore, ok := d.semaphores.Get(handle)
	d.semaphores.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroySemaphore(semaphore, nil)
	}
}

func (d *Device) GetQueue(family int, index int) driver.Queue {
	key := queueKey{family: family, index: index}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if handle, ok := d.queueHandles.Get(key); ok {
		return handle
	}

	handle := driver.Queue(d.handle())
	d.queues.Put(handle, d.driver.GetQueue(family, index))
	d.queueHandles.Put(key, handle)
	return handle
}

func (d *Device) QueueSubmit(queueHandle driver.Queue, submit driver.SubmitInfo, fenceHandle driver.Fence) error {
	d.mutex.RLock()
	queue, queueOK := d.queues.Get(queueHandle)
	cb, bufferOK := d.commandBuffers.Get(submit.CommandBuffer)

	info := core1_0.SubmitInfo{
		CommandBuffers: []core1_0.CommandBuffer{cb.buffer},
	}
	missing := !queueOK || !bufferOK
	for _, wait := range submit.Waits {
		semaphore, ok := d.semaphores.Get(wait.Semaphore)
		missing = missing || !ok
		info.WaitSemaphores = append(info.WaitSemaphores, semaphore)
		info.WaitDstStageMask = append(info.WaitDstStageMask, core1_0.PipelineStageFlags(wait.Stage))
	}
	for _, signal := range submit.Signals {
		semaphore, ok := d.semaphores.Get(signal)
		missing = missing || !ok
		info.SignalSemaphores = append(info.SignalSemaphores, semaphore)
	}

	var fence *core1_0.Fence
	if fenceHandle != 0 {
		f, ok := d.fences.Get(fenceHandle)
		missing = missing || !ok
		fence = &f
	}
	d.mutex.RUnlock()

	if missing {
		return errors.AssertionFailedf("submission to queue %d refers to an unknown object", queueHandle)
	}

	res, err := d.driver.QueueSubmit(queue, fence, info)
	return errors.Wrap(translate(res, err), "failed to submit command buffer")
}

func (d *Device) WaitIdle() error {
	res, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(translate(res, err), "failed to wait for device idle")
}

func (d *Device) CmdPipelineBarrier(handle driver.CommandBuffer, barrier driver.Barrier) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	bufferBarriers := make([]core1_0.BufferMemoryBarrier, 0, len(barrier.Buffers))
	for _, b := range barrier.Buffers {
		vkBuffer, _ := d.buffers.Get(b.Buffer)
		bufferBarriers = append(bufferBarriers, core1_0.BufferMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(b.SrcAccess),
			DstAccessMask:       core1_0.AccessFlags(b.DstAccess),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Buffer:              vkBuffer,
			Offset:              b.Offset,
			Size:                b.Size,
		})
	}

	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(barrier.Images))
	for _, b := range barrier.Images {
		img, _ := d.images.Get(b.Image)
		if img == nil {
			continue
		}
		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(b.SrcAccess),
			DstAccessMask:       core1_0.AccessFlags(b.DstAccess),
			OldLayout:           core1_0.ImageLayout(b.OldLayout),
			NewLayout:           core1_0.ImageLayout(b.NewLayout),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               img.image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask: core1_0.ImageAspectColor,
				LevelCount: 1,
				LayerCount: 1,
			},
		})
	}
	d.mutex.RUnlock()

	err := d.driver.CmdPipelineBarrier(buffer,
		core1_0.PipelineStageFlags(barrier.SrcStage),
		core1_0.PipelineStageFlags(barrier.DstStage),
		0, nil, bufferBarriers, imageBarriers)
	d.logRecordError("CmdPipelineBarrier", err)
}

func (d *Device) CmdCopyBuffer(handle driver.CommandBuffer, src driver.Buffer, dst driver.Buffer, region driver.BufferCopy) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	srcBuffer, _ := d.buffers.Get(src)
	dstBuffer, _ := d.buffers.Get(dst)
	d.mutex.RUnlock()

	err := d.driver.CmdCopyBuffer(buffer, srcBuffer, dstBuffer, core1_0.BufferCopy{
		SrcOffset: region.SrcOffset,
		DstOffset: region.DstOffset,
		Size:      region.Size,
	})
	d.logRecordError("CmdCopyBuffer", err)
}

func bufferImageCopy(region driver.BufferImageCopy) core1_0.BufferImageCopy {
	return core1_0.BufferImageCopy{
		BufferOffset: region.BufferOffset,
		ImageSubresource: core1_0.ImageSubresourceLayers{
			AspectMask: core1_0.ImageAspectColor,
			LayerCount: 1,
		},
		ImageExtent: extent3D(region.Extent),
	}
}

func (d *Device) CmdCopyBufferToImage(handle driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.ImageLayout, region driver.BufferImageCopy) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	srcBuffer, _ := d.buffers.Get(src)
	img, _ := d.images.Get(dst)
	d.mutex.RUnlock()
	if img == nil {
		return
	}

	err := d.driver.CmdCopyBufferToImage(buffer, srcBuffer, img.image, core1_0.ImageLayout(layout), bufferImageCopy(region))
	d.logRecordError("CmdCopyBufferToImage", err)
}

func (d *Device) CmdCopyImageToBuffer(handle driver.CommandBuffer, src driver.Image, layout driver.ImageLayout, dst driver.Buffer, region driver.BufferImageCopy) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	img, _ := d.images.Get(src)
	dstBuffer, _ := d.buffers.Get(dst)
	d.mutex.RUnlock()
	if img == nil {
		return
	}

	err := d.driver.CmdCopyImageToBuffer(buffer, img.image, core1_0.ImageLayout(layout), dstBuffer, bufferImageCopy(region))
	d.logRecordError("CmdCopyImageToBuffer", err)
}

func (d *Device) CmdBindPipeline(handle driver.CommandBuffer, bindPoint driver.PipelineBindPoint, pipelineHandle driver.Pipeline) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	pipeline, _ := d.pipelines.Get(pipelineHandle)
	d.mutex.RUnlock()

	d.driver.CmdBindPipeline(buffer, core1_0.PipelineBindPoint(bindPoint), pipeline)
}

func (d *Device) CmdBindDescriptorSet(handle driver.CommandBuffer, bindPoint driver.PipelineBindPoint, layoutHandle driver.PipelineLayout, setHandle driver.DescriptorSet) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	layout, _ := d.pipelineLayouts.Get(layoutHandle)
	set, _ := d.descriptorSets.Get(setHandle)
	d.mutex.RUnlock()

	d.driver.CmdBindDescriptorSets(buffer, core1_0.PipelineBindPoint(bindPoint), layout, 0, []core1_0.DescriptorSet{set}, nil)
}

func (d *Device) CmdDispatch(handle driver.CommandBuffer, x, y, z int) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}
	d.driver.CmdDispatch(buffer, x, y, z)
}

func (d *Device) CmdBeginRenderTarget(handle driver.CommandBuffer, targetHandle driver.RenderTarget, clear bool) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	target, ok := d.renderTargets.Get(targetHandle)
	d.mutex.RUnlock()
	if !ok {
		return
	}

	pass, err := d.renderPass(target.format, clear)
	if err != nil {
		d.logRecordError("CmdBeginRenderPass", err)
		return
	}

	area := core1_0.Rect2D{
		Extent: core1_0.Extent2D{Width: target.extent.Width, Height: max(target.extent.Height, 1)},
	}
	err = d.driver.CmdBeginRenderPass(buffer, core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  pass,
		Framebuffer: target.framebuffer,
		RenderArea:  area,
		ClearValues: []core1_0.ClearValue{
			core1_0.ClearValueFloat{0, 0, 0, 0},
		},
	})
	if err != nil {
		d.logRecordError("CmdBeginRenderPass", err)
		return
	}

	d.driver.CmdSetViewport(buffer, []core1_0.Viewport{{
		Width:    float32(area.Extent.Width),
		Height:   float32(area.Extent.Height),
		MaxDepth: 1,
	}})
	d.driver.CmdSetScissor(buffer, []core1_0.Rect2D{area})
}

func (d *Device) CmdEndRenderTarget(handle driver.CommandBuffer) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}
	d.driver.CmdEndRenderPass(buffer)
}

func (d *Device) CmdBindVertexBuffer(handle driver.CommandBuffer, vertexBuffer driver.Buffer, offset int) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}

	d.mutex.RLock()
	vkBuffer, _ := d.buffers.Get(vertexBuffer)
	d.mutex.RUnlock()

	d.driver.CmdBindVertexBuffers(buffer, 0, []core1_0.Buffer{vkBuffer}, []int{offset})
}

func (d *Device) CmdDraw(handle driver.CommandBuffer, vertexCount int) {
	buffer, ok := d.commandBuffer(handle)
	if !ok {
		return
	}
	d.driver.CmdDraw(buffer, vertexCount, 1, 0, 0)
}
