package sim

import (
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

type commandBufferState int

const (
	stateInitial commandBufferState = iota
	stateRecording
	stateExecutable
	statePending
)

type commandBuffer struct {
	pool  driver.CommandPool
	state commandBufferState
	ops   []Op
}

type fence struct {
	signaled bool
	pending  bool
}

type semaphoreState int

const (
	semaphoreUnsignaled semaphoreState = iota
	semaphoreSignalPending
	semaphoreSignaled
)

type semaphore struct {
	state       semaphoreState
	waitPending bool
}

type queueID struct {
	family int
	index  int
}

// OpKind identifies a recorded command
type OpKind int

const (
	OpBarrier OpKind = iota
	OpCopyBuffer
	OpCopyBufferToImage
	OpCopyImageToBuffer
	OpBindPipeline
	OpBindDescriptorSet
	OpDispatch
	OpBeginRenderTarget
	OpEndRenderTarget
	OpBindVertexBuffer
	OpDraw
)

// Op is a single recorded command. Only the fields relevant to Kind are populated.
type Op struct {
	Kind OpKind

	Barrier driver.Barrier

	Src        uint64
	Dst        uint64
	BufferCopy driver.BufferCopy
	ImageCopy  driver.BufferImageCopy
	Layout     driver.ImageLayout

	BindPoint      driver.PipelineBindPoint
	Pipeline       driver.Pipeline
	PipelineLayout driver.PipelineLayout
	DescriptorSet  driver.DescriptorSet
	RenderTarget   driver.RenderTarget
	Clear          bool

	Count [3]int
}

// Submission is one call to QueueSubmit, along with the commands that were recorded into the
// submitted command buffer
type Submission struct {
	Queue     driver.Queue
	Family    int
	Info      driver.SubmitInfo
	Fence     driver.Fence
	Ops       []Op
	Completed bool
}

func (d *Device) create(kind string) error {
	if d.FailCreate != nil {
		return d.FailCreate(kind)
	}
	return nil
}

func (d *Device) CreateCommandPool(queueFamily int) (driver.CommandPool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if queueFamily < 0 || queueFamily >= len(d.props.QueueFamilies) {
		return 0, errors.AssertionFailedf("queue family %d out of range", queueFamily)
	}
	if err := d.create("commandPool"); err != nil {
		return 0, err
	}

	handle := driver.CommandPool(d.handle())
	d.commandPools[handle] = queueFamily
	return handle, nil
}

func (d *Device) DestroyCommandPool(pool driver.CommandPool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.commandPools[pool]; !ok {
		d.violate("destroying unknown command pool %d", pool)
		return
	}
	for handle, buf := range d.commandBuffers {
		if buf.pool != pool {
			continue
		}
		if buf.state == statePending {
			d.violate("destroying command pool %d while command buffer %d is pending", pool, handle)
		}
		delete(d.commandBuffers, handle)
	}
	delete(d.commandPools, pool)
}

func (d *Device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.commandPools[pool]; !ok {
		return 0, errors.AssertionFailedf("allocating from unknown command pool %d", pool)
	}
	if err := d.create("commandBuffer"); err != nil {
		return 0, err
	}

	handle := driver.CommandBuffer(d.handle())
	d.commandBuffers[handle] = &commandBuffer{pool: pool}
	return handle, nil
}

func (d *Device) FreeCommandBuffer(pool driver.CommandPool, handle driver.CommandBuffer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.commandBuffers[handle]
	if !ok || buf.pool != pool {
		d.violate("freeing unknown command buffer %d", handle)
		return
	}
	if buf.state == statePending {
		d.violate("freeing command buffer %d while it is pending", handle)
	}
	delete(d.commandBuffers, handle)
}

func (d *Device) BeginCommandBuffer(handle driver.CommandBuffer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.commandBuffers[handle]
	if !ok {
		return errors.AssertionFailedf("beginning unknown command buffer %d", handle)
	}
	if buf.state != stateInitial {
		d.violate("beginning command buffer %d which has not been reset", handle)
	}

	buf.state = stateRecording
	buf.ops = buf.ops[:0]
	return nil
}

func (d *Device) EndCommandBuffer(handle driver.CommandBuffer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.commandBuffers[handle]
	if !ok {
		return errors.AssertionFailedf("ending unknown command buffer %d", handle)
	}
	if buf.state != stateRecording {
		d.violate("ending command buffer %d which is not recording", handle)
	}

	buf.state = stateExecutable
	return nil
}

func (d *Device) ResetCommandBuffer(handle driver.CommandBuffer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.commandBuffers[handle]
	if !ok {
		return errors.AssertionFailedf("resetting unknown command buffer %d", handle)
	}
	if buf.state == statePending {
		d.violate("resetting command buffer %d while it is pending", handle)
	}

	buf.state = stateInitial
	buf.ops = nil
	return nil
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.create("fence"); err != nil {
		return 0, err
	}

	handle := driver.Fence(d.handle())
	d.fences[handle] = &fence{signaled: signaled}
	return handle, nil
}

func (d *Device) DestroyFence(handle driver.Fence) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.fences[handle]
	if !ok {
		d.violate("destroying unknown fence %d", handle)
		return
	}
	if f.pending {
		d.violate("destroying fence %d while it is pending", handle)
	}
	delete(d.fences, handle)
}

func (d *Device) ResetFence(handle driver.Fence) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.fences[handle]
	if !ok {
		return errors.AssertionFailedf("resetting unknown fence %d", handle)
	}
	if f.pending {
		d.violate("resetting fence %d while it is pending", handle)
	}
	f.signaled = false
	return nil
}

func (d *Device) WaitFence(handle driver.Fence, timeout time.Duration) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.fences[handle]
	if !ok {
		return false, errors.AssertionFailedf("waiting on unknown fence %d", handle)
	}

	if !f.signaled && d.autoComplete && timeout > 0 {
		for !f.signaled && len(d.pending) > 0 {
			d.completeNext()
		}
	}

	return f.signaled, nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.create("semaphore"); err != nil {
		return 0, err
	}

	handle := driver.Semaphore(d.handle())
	d.semaphores[handle] = &semaphore{}
	return handle, nil
}

func (d *Device) DestroySemaphore(handle driver.Semaphore) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sem, ok := d.semaphores[handle]
	if !ok {
		d.violate("destroying unknown semaphore %d", handle)
		return
	}
	if sem.waitPending || sem.state == semaphoreSignalPending {
		d.violate("destroying semaphore %d while it is in use by pending work", handle)
	}
	delete(d.semaphores, handle)
}

// SignalSemaphore marks a semaphore as signaled from outside the device, the way a presentation
// engine signals an image acquisition
func (d *Device) SignalSemaphore(handle driver.Semaphore) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sem, ok := d.semaphores[handle]
	if !ok {
		return errors.Newf("unknown semaphore %d", handle)
	}
	if sem.state != semaphoreUnsignaled {
		d.violate("signaling semaphore %d which is already signaled", handle)
	}
	sem.state = semaphoreSignaled
	return nil
}

// SemaphoreSignaled reports whether a semaphore is currently in the signaled state
func (d *Device) SemaphoreSignaled(handle driver.Semaphore) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sem, ok := d.semaphores[handle]
	return ok && sem.state == semaphoreSignaled
}

func (d *Device) GetQueue(family int, index int) driver.Queue {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	id := queueID{family: family, index: index}
	for handle, existing := range d.queues {
		if existing == id {
			return handle
		}
	}

	handle := driver.Queue(d.handle())
	d.queues[handle] = id
	return handle
}

func (d *Device) QueueSubmit(queue driver.Queue, submit driver.SubmitInfo, fenceHandle driver.Fence) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	id, ok := d.queues[queue]
	if !ok {
		return errors.AssertionFailedf("submitting to unknown queue %d", queue)
	}
	buf, ok := d.commandBuffers[submit.CommandBuffer]
	if !ok {
		return errors.AssertionFailedf("submitting unknown command buffer %d", submit.CommandBuffer)
	}

	if d.FailSubmit != nil {
		if err := d.FailSubmit(queue, submit); err != nil {
			return err
		}
	}

	if d.props.QueueFamilies[id.family].QueueCount <= id.index {
		d.violate("queue %d index %d exceeds the family's queue count", queue, id.index)
	}
	if buf.state != stateExecutable {
		d.violate("submitting command buffer %d which is not executable", submit.CommandBuffer)
	}

	for _, wait := range submit.Waits {
		sem, ok := d.semaphores[wait.Semaphore]
		switch {
		case !ok:
			d.violate("waiting on unknown semaphore %d", wait.Semaphore)
		case sem.state == semaphoreUnsignaled:
			d.violate("waiting on semaphore %d which has no signal operation pending", wait.Semaphore)
		case sem.waitPending:
			d.violate("waiting on semaphore %d which already has a wait pending", wait.Semaphore)
		default:
			sem.waitPending = true
		}
	}
	for _, signal := range submit.Signals {
		sem, ok := d.semaphores[signal]
		switch {
		case !ok:
			d.violate("signaling unknown semaphore %d", signal)
		case sem.state != semaphoreUnsignaled:
			d.violate("signaling semaphore %d which is already signaled", signal)
		default:
			sem.state = semaphoreSignalPending
		}
	}

	if fenceHandle != 0 {
		f, ok := d.fences[fenceHandle]
		if !ok {
			d.violate("submitting with unknown fence %d", fenceHandle)
		} else {
			if f.signaled || f.pending {
				d.violate("submitting with fence %d which has not been reset", fenceHandle)
			}
			f.pending = true
		}
	}

	buf.state = statePending
	submission := &Submission{
		Queue:  queue,
		Family: id.family,
		Info: driver.SubmitInfo{
			CommandBuffer: submit.CommandBuffer,
			Waits:         slices.Clone(submit.Waits),
			Signals:       slices.Clone(submit.Signals),
		},
		Fence: fenceHandle,
		Ops:   slices.Clone(buf.ops),
	}
	d.pending = append(d.pending, submission)
	d.history = append(d.history, submission)
	return nil
}

// Pending returns the number of submissions that have not yet completed
func (d *Device) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.pending)
}

// Submissions returns every submission the device has accepted, oldest first
func (d *Device) Submissions() []*Submission {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return slices.Clone(d.history)
}

// CompleteNext completes the oldest pending submission. It returns false if nothing was pending.
func (d *Device) CompleteNext() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return false
	}
	d.completeNext()
	return true
}

// CompleteAll completes every pending submission in order
func (d *Device) CompleteAll() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for len(d.pending) > 0 {
		d.completeNext()
	}
}

func (d *Device) completeNext() {
	submission := d.pending[0]
	d.pending = d.pending[1:]

	for _, op := range submission.Ops {
		d.execute(op)
	}

	for _, wait := range submission.Info.Waits {
		if sem, ok := d.semaphores[wait.Semaphore]; ok && sem.waitPending {
			sem.waitPending = false
			sem.state = semaphoreUnsignaled
		}
	}
	for _, signal := range submission.Info.Signals {
		if sem, ok := d.semaphores[signal]; ok && sem.state == semaphoreSignalPending {
			sem.state = semaphoreSignaled
		}
	}

	if buf, ok := d.commandBuffers[submission.Info.CommandBuffer]; ok {
		buf.state = stateExecutable
	}
	if f, ok := d.fences[submission.Fence]; ok {
		f.pending = false
		f.signaled = true
	}
	submission.Completed = true
}

func (d *Device) execute(op Op) {
	switch op.Kind {
	case OpCopyBuffer:
		src, err := d.bufferBytes(driver.Buffer(op.Src), op.BufferCopy.SrcOffset, op.BufferCopy.Size)
		if err != nil {
			d.violate("copy source: %v", err)
			return
		}
		dst, err := d.bufferBytes(driver.Buffer(op.Dst), op.BufferCopy.DstOffset, op.BufferCopy.Size)
		if err != nil {
			d.violate("copy destination: %v", err)
			return
		}
		copy(dst, src)
	case OpCopyBufferToImage:
		img, ok := d.images[driver.Image(op.Dst)]
		if !ok {
			d.violate("copy to unknown image %d", op.Dst)
			return
		}
		dst := d.imageBytes(img)
		src, err := d.bufferBytes(driver.Buffer(op.Src), op.ImageCopy.BufferOffset, min(len(dst), op.ImageCopy.Extent.Texels()*img.info.Format.TexelSize()))
		if err != nil {
			d.violate("copy source: %v", err)
			return
		}
		copy(dst, src)
	case OpCopyImageToBuffer:
		img, ok := d.images[driver.Image(op.Src)]
		if !ok {
			d.violate("copy from unknown image %d", op.Src)
			return
		}
		src := d.imageBytes(img)
		dst, err := d.bufferBytes(driver.Buffer(op.Dst), op.ImageCopy.BufferOffset, min(len(src), op.ImageCopy.Extent.Texels()*img.info.Format.TexelSize()))
		if err != nil {
			d.violate("copy destination: %v", err)
			return
		}
		copy(dst, src)
	}
}

// inUse reports whether any op of a pending submission matches
func (d *Device) inUse(match func(op Op) bool) bool {
	for _, submission := range d.pending {
		for _, op := range submission.Ops {
			if match(op) {
				return true
			}
		}
	}
	return false
}

func (d *Device) WaitIdle() error {
	d.CompleteAll()
	return nil
}

func (d *Device) record(handle driver.CommandBuffer, op Op) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.commandBuffers[handle]
	if !ok {
		d.violate("recording into unknown command buffer %d", handle)
		return
	}
	if buf.state != stateRecording {
		d.violate("recording into command buffer %d which is not recording", handle)
		return
	}
	buf.ops = append(buf.ops, op)
}

func (d *Device) CmdPipelineBarrier(buffer driver.CommandBuffer, barrier driver.Barrier) {
	barrier.Buffers = slices.Clone(barrier.Buffers)
	barrier.Images = slices.Clone(barrier.Images)
	d.record(buffer, Op{Kind: OpBarrier, Barrier: barrier})
}

func (d *Device) CmdCopyBuffer(buffer driver.CommandBuffer, src driver.Buffer, dst driver.Buffer, region driver.BufferCopy) {
	d.record(buffer, Op{Kind: OpCopyBuffer, Src: uint64(src), Dst: uint64(dst), BufferCopy: region})
}

func (d *Device) CmdCopyBufferToImage(buffer driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.ImageLayout, region driver.BufferImageCopy) {
	d.record(buffer, Op{Kind: OpCopyBufferToImage, Src: uint64(src), Dst: uint64(dst), Layout: layout, ImageCopy: region})
}

func (d *Device) CmdCopyImageToBuffer(buffer driver.CommandBuffer, src driver.Image, layout driver.ImageLayout, dst driver.Buffer, region driver.BufferImageCopy) {
	d.record(buffer, Op{Kind: OpCopyImageToBuffer, Src: uint64(src), Dst: uint64(dst), Layout: layout, ImageCopy: region})
}

func (d *Device) CmdBindPipeline(buffer driver.CommandBuffer, bindPoint driver.PipelineBindPoint, pipeline driver.Pipeline) {
	d.record(buffer, Op{Kind: OpBindPipeline, BindPoint: bindPoint, Pipeline: pipeline})
}

func (d *Device) CmdBindDescriptorSet(buffer driver.CommandBuffer, bindPoint driver.PipelineBindPoint, layout driver.PipelineLayout, set driver.DescriptorSet) {
	d.record(buffer, Op{Kind: OpBindDescriptorSet, BindPoint: bindPoint, PipelineLayout: layout, DescriptorSet: set})
}

func (d *Device) CmdDispatch(buffer driver.CommandBuffer, x, y, z int) {
	d.record(buffer, Op{Kind: OpDispatch, Count: [3]int{x, y, z}})
}

func (d *Device) CmdBeginRenderTarget(buffer driver.CommandBuffer, target driver.RenderTarget, clear bool) {
	d.record(buffer, Op{Kind: OpBeginRenderTarget, RenderTarget: target, Clear: clear})
}

func (d *Device) CmdEndRenderTarget(buffer driver.CommandBuffer) {
	d.record(buffer, Op{Kind: OpEndRenderTarget})
}

func (d *Device) CmdBindVertexBuffer(buffer driver.CommandBuffer, vertexBuffer driver.Buffer, offset int) {
	d.record(buffer, Op{Kind: OpBindVertexBuffer, Src: uint64(vertexBuffer), BufferCopy: driver.BufferCopy{SrcOffset: offset}})
}

func (d *Device) CmdDraw(buffer driver.CommandBuffer, vertexCount int) {
	d.record(buffer, Op{Kind: OpDraw, Count: [3]int{vertexCount, 1, 1}})
}
