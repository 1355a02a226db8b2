package pipeline

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/resource"
)

// Binding supplies the resource for one descriptor binding. Buffer bindings use Buffer, and
// image bindings use Texture.
type Binding struct {
	Binding int
	Buffer  *resource.Buffer
	Texture *resource.Texture
}

// Entry is a built pipeline, its layouts, and a ring of descriptor sets. Each Dispatch or Draw
// writes its bindings into the next set in the ring.
type Entry struct {
	cache *Cache
	key   string
	kind  Kind

	bindings []driver.DescriptorBinding
	paths    []string

	pipeline  driver.Pipeline
	layout    driver.PipelineLayout
	setLayout driver.DescriptorSetLayout
	pool      driver.DescriptorPool
	ring      []driver.DescriptorSet
	index     int

	uses        int
	invalidated bool
	destroyed   bool
}

func (e *Entry) Key() string { return e.key }

func (e *Entry) Kind() Kind { return e.kind }

func (e *Entry) Pipeline() driver.Pipeline { return e.pipeline }

func (e *Entry) Layout() driver.PipelineLayout { return e.layout }

// Ring returns the entry's descriptor sets. It is empty for pipelines without bindings.
func (e *Entry) Ring() []driver.DescriptorSet { return e.ring }

// Paths returns the shader files the entry was built from
func (e *Entry) Paths() []string { return e.paths }

// Invalidated reports whether the entry has been removed from its cache
func (e *Entry) Invalidated() bool { return e.invalidated }

// Dispatch records a compute dispatch of x*y*z workgroups into cmd. Every bound resource is
// barriered for compute use beforehand and signaled by cmd afterwards.
func (e *Entry) Dispatch(cmd *command.Command, bindings []Binding, x, y, z int) error {
	if e.kind != KindCompute {
		return errors.AssertionFailedf("dispatching a %s pipeline", e.kind)
	}
	if x < 1 || y < 1 || z < 1 {
		return errors.AssertionFailedf("invalid dispatch size %dx%dx%d", x, y, z)
	}

	set, uses, err := e.prepare(cmd, bindings)
	if err != nil {
		return err
	}

	tracker := e.cache.tracker
	for _, use := range uses {
		use.barrier(tracker, cmd)
	}

	device := e.cache.device
	device.CmdBindPipeline(cmd.Buffer(), driver.BindPointCompute, e.pipeline)
	if set != 0 {
		device.CmdBindDescriptorSet(cmd.Buffer(), driver.BindPointCompute, e.layout, set)
	}
	device.CmdDispatch(cmd.Buffer(), x, y, z)

	for _, use := range uses {
		use.signal(tracker, cmd)
	}
	return nil
}

// Draw records a draw of vertexCount vertices into target. vertexBuffer may be nil for
// pipelines that take no vertex input. The target, the vertex buffer and every bound resource
// are barriered before the draw and signaled by cmd after it.
func (e *Entry) Draw(cmd *command.Command, target *resource.Texture, vertexBuffer *resource.Buffer, vertexCount int, bindings []Binding) error {
	if e.kind != KindGraphics {
		return errors.AssertionFailedf("drawing with a %s pipeline", e.kind)
	}
	if target == nil {
		return errors.AssertionFailed("drawing without a render target")
	}
	if target.Destroyed() {
		return errors.AssertionFailed("drawing into a destroyed texture")
	}
	if vertexBuffer != nil && vertexBuffer.Destroyed() {
		return errors.AssertionFailed("drawing from a destroyed vertex buffer")
	}
	if vertexCount < 0 {
		return errors.AssertionFailedf("invalid vertex count %d", vertexCount)
	}

	tracker := e.cache.tracker
	renderTarget, err := tracker.RenderTarget(target)
	if err != nil {
		return err
	}

	set, uses, err := e.prepare(cmd, bindings)
	if err != nil {
		return err
	}

	uses = append(uses, bindingUse{texture: target, stage: driver.StageColorAttachmentOutput, role: resource.RoleRenderTarget})
	if vertexBuffer != nil {
		uses = append(uses, bindingUse{buffer: vertexBuffer, stage: driver.StageVertexInput, role: resource.RoleVertexInput})
	}
	for _, use := range uses {
		use.barrier(tracker, cmd)
	}

	device := e.cache.device
	device.CmdBeginRenderTarget(cmd.Buffer(), renderTarget, false)
	device.CmdBindPipeline(cmd.Buffer(), driver.BindPointGraphics, e.pipeline)
	if set != 0 {
		device.CmdBindDescriptorSet(cmd.Buffer(), driver.BindPointGraphics, e.layout, set)
	}
	if vertexBuffer != nil {
		device.CmdBindVertexBuffer(cmd.Buffer(), vertexBuffer.Handle(), vertexBuffer.Offset())
	}
	device.CmdDraw(cmd.Buffer(), vertexCount)
	device.CmdEndRenderTarget(cmd.Buffer())

	for _, use := range uses {
		use.signal(tracker, cmd)
	}
	return nil
}

// bindingUse is how a dispatch or draw uses one resource
type bindingUse struct {
	buffer  *resource.Buffer
	texture *resource.Texture
	stage   driver.PipelineStage
	role    resource.Role
}

func (u bindingUse) barrier(tracker Tracker, cmd *command.Command) {
	if u.buffer != nil {
		tracker.BarrierBuffer(cmd, u.buffer, u.stage, u.role)
		return
	}
	tracker.BarrierTexture(cmd, u.texture, u.stage, u.role, false)
}

func (u bindingUse) signal(tracker Tracker, cmd *command.Command) {
	if u.buffer != nil {
		tracker.SignalBuffer(cmd, u.buffer, u.stage)
		return
	}
	tracker.SignalTexture(cmd, u.texture, u.stage)
}

// bindingRole is ShaderWrite for storage descriptors, which shaders may write, and ShaderRead
// for the rest
func bindingRole(descriptorType driver.DescriptorType) resource.Role {
	switch descriptorType {
	case driver.DescriptorStorageBuffer, driver.DescriptorStorageImage:
		return resource.RoleShaderWrite
	default:
		return resource.RoleShaderRead
	}
}

// bindingStage is the pipeline stages of the shaders that can see a binding
func bindingStage(stages driver.ShaderStage) driver.PipelineStage {
	var stage driver.PipelineStage
	if stages&driver.ShaderStageVertex != 0 {
		stage |= driver.StageVertexShader
	}
	if stages&driver.ShaderStageFragment != 0 {
		stage |= driver.StageFragmentShader
	}
	if stages&driver.ShaderStageCompute != 0 {
		stage |= driver.StageComputeShader
	}
	if stage == 0 {
		return driver.StageAllCommands
	}
	return stage
}

// prepare writes bindings into the next descriptor set of the ring and keeps the entry alive
// until cmd finishes. Nothing is recorded or written if a binding is invalid.
func (e *Entry) prepare(cmd *command.Command, bindings []Binding) (driver.DescriptorSet, []bindingUse, error) {
	if e.invalidated {
		return 0, nil, ErrInvalidated
	}
	if !cmd.Recording() {
		return 0, nil, errors.AssertionFailed("recording into a command that is not recording")
	}

	writes, uses, err := e.writes(bindings)
	if err != nil {
		return 0, nil, err
	}

	var set driver.DescriptorSet
	if len(e.ring) > 0 {
		e.index = (e.index + 1) % len(e.ring)
		set = e.ring[e.index]
		e.cache.device.UpdateDescriptorSet(set, writes)
	}

	e.use(cmd)
	return set, uses, nil
}

func (e *Entry) writes(bindings []Binding) ([]driver.DescriptorWrite, []bindingUse, error) {
	writes := make([]driver.DescriptorWrite, 0, len(bindings))
	uses := make([]bindingUse, 0, len(bindings))

	for _, binding := range bindings {
		var layout *driver.DescriptorBinding
		for i := range e.bindings {
			if e.bindings[i].Binding == binding.Binding {
				layout = &e.bindings[i]
				break
			}
		}
		if layout == nil {
			return nil, nil, errors.AssertionFailedf("pipeline has no binding %d", binding.Binding)
		}

		write := driver.DescriptorWrite{Binding: binding.Binding, Type: layout.Type}
		use := bindingUse{stage: bindingStage(layout.Stages), role: bindingRole(layout.Type)}
		switch layout.Type {
		case driver.DescriptorUniformBuffer, driver.DescriptorStorageBuffer:
			if binding.Buffer == nil {
				return nil, nil, errors.AssertionFailedf("binding %d of type %s needs a buffer", binding.Binding, layout.Type)
			}
			if binding.Buffer.Destroyed() {
				return nil, nil, errors.AssertionFailedf("binding %d is a destroyed buffer", binding.Binding)
			}
			write.Buffer = binding.Buffer.Handle()
			write.Offset = binding.Buffer.Offset()
			write.Size = binding.Buffer.Size()
			use.buffer = binding.Buffer
		default:
			if binding.Texture == nil {
				return nil, nil, errors.AssertionFailedf("binding %d of type %s needs a texture", binding.Binding, layout.Type)
			}
			if binding.Texture.Destroyed() {
				return nil, nil, errors.AssertionFailedf("binding %d is a destroyed texture", binding.Binding)
			}
			write.Image = binding.Texture.Image()
			use.texture = binding.Texture
		}
		writes = append(writes, write)
		uses = append(uses, use)
	}

	return writes, uses, nil
}

func (e *Entry) use(cmd *command.Command) {
	e.uses++

	done := func() {
		e.uses--
		if e.uses == 0 && e.invalidated {
			e.destroy()
		}
	}
	cmd.Callback(done)
	cmd.OnAbort(done)
}

func (e *Entry) invalidate() {
	e.invalidated = true
	if e.uses == 0 {
		e.destroy()
	}
}

func (e *Entry) destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true

	device := e.cache.device
	device.DestroyPipeline(e.pipeline)
	if e.pool != 0 {
		device.DestroyDescriptorPool(e.pool)
	}
	device.DestroyPipelineLayout(e.layout)
	device.DestroyDescriptorSetLayout(e.setLayout)
}
