package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/rava/driver"
)

const entryPoint = "main"

func (d *Device) CreateShaderModule(spirv []byte) (driver.ShaderModule, error) {
	if len(spirv) == 0 || len(spirv)%4 != 0 {
		return 0, errors.Mark(errors.Newf("SPIR-V length %d is not a whole number of words", len(spirv)), driver.ErrInitializationFailed)
	}

	code := make([]uint32, len(spirv)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}

	module, res, err := d.driver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: code})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create shader module")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.ShaderModule(d.handle())
	d.shaderModules.Put(handle, module)
	return handle, nil
}

func (d *Device) DestroyShaderModule(handle driver.ShaderModule) {
	d.mutex.Lock()
	module, ok := d.shaderModules.Get(handle)
	d.shaderModules.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyShaderModule(module, nil)
	}
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	layoutBindings := make([]core1_0.DescriptorSetLayoutBinding, 0, len(bindings))
	for _, binding := range bindings {
		layoutBindings = append(layoutBindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         binding.Binding,
			DescriptorType:  core1_0.DescriptorType(binding.Type),
			DescriptorCount: 1,
			StageFlags:      core1_0.ShaderStageFlags(binding.Stages),
		})
	}

	layout, res, err := d.driver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: layoutBindings,
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create descriptor set layout")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.DescriptorSetLayout(d.handle())
	d.setLayouts.Put(handle, layout)
	return handle, nil
}

func (d *Device) DestroyDescriptorSetLayout(handle driver.DescriptorSetLayout) {
	d.mutex.Lock()
	layout, ok := d.setLayouts.Get(handle)
	d.setLayouts.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyDescriptorSetLayout(layout, nil)
	}
}

func (d *Device) CreatePipelineLayout(setLayoutHandle driver.DescriptorSetLayout) (driver.PipelineLayout, error) {
	d.mutex.RLock()
	setLayout, ok := d.setLayouts.Get(setLayoutHandle)
	d.mutex.RUnlock()
	if !ok {
		return 0, errors.AssertionFailedf("unknown descriptor set layout %d", setLayoutHandle)
	}

	layout, res, err := d.driver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{setLayout},
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create pipeline layout")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.PipelineLayout(d.handle())
	d.pipelineLayouts.Put(handle, layout)
	return handle, nil
}

func (d *Device) DestroyPipelineLayout(handle driver.PipelineLayout) {
	d.mutex.Lock()
	layout, ok := d.pipelineLayouts.Get(handle)
	d.pipelineLayouts.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyPipelineLayout(layout, nil)
	}
}

func (d *Device) CreateDescriptorPool(bindings []driver.DescriptorBinding, maxSets int) (driver.DescriptorPool, error) {
	counts := make(map[driver.DescriptorType]int)
	var order []driver.DescriptorType
	for _, binding := range bindings {
		if counts[binding.Type] == 0 {
			order = append(order, binding.Type)
		}
		counts[binding.Type]++
	}

	sizes := make([]core1_0.DescriptorPoolSize, 0, len(order))
	for _, descriptorType := range order {
		sizes = append(sizes, core1_0.DescriptorPoolSize{
			Type:            core1_0.DescriptorType(descriptorType),
			DescriptorCount: counts[descriptorType] * maxSets,
		})
	}

	pool, res, err := d.driver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   maxSets,
		PoolSizes: sizes,
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create descriptor pool")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.DescriptorPool(d.handle())
	d.descriptorPools.Put(handle, pool)
	return handle, nil
}

func (d *Device) DestroyDescriptorPool(handle driver.DescriptorPool) {
	d.mutex.Lock()
	pool, ok := d.descriptorPools.Get(handle)
	d.descriptorPools.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyDescriptorPool(pool, nil)
	}
}

func (d *Device) AllocateDescriptorSet(poolHandle driver.DescriptorPool, layoutHandle driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	d.mutex.RLock()
	pool, poolOK := d.descriptorPools.Get(poolHandle)
	layout, layoutOK := d.setLayouts.Get(layoutHandle)
	d.mutex.RUnlock()
	if !poolOK || !layoutOK {
		return 0, errors.AssertionFailedf("unknown descriptor pool %d or layout %d", poolHandle, layoutHandle)
	}

	sets, res, err := d.driver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to allocate descriptor set")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.DescriptorSet(d.handle())
	d.descriptorSets.Put(handle, sets[0])
	return handle, nil
}

// defaultSampler returns the sampler used for every combined image sampler binding
func (d *Device) defaultSampler() (core1_0.Sampler, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.sampler.Initialized() {
		return d.sampler, nil
	}

	sampler, res, err := d.driver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeClampToEdge,
		AddressModeV: core1_0.SamplerAddressModeClampToEdge,
		AddressModeW: core1_0.SamplerAddressModeClampToEdge,
		BorderColor:  core1_0.BorderColorFloatTransparentBlack,
		MipmapMode:   core1_0.SamplerMipmapModeLinear,
	})
	if err != nil {
		return core1_0.Sampler{}, errors.Wrap(translate(res, err), "failed to create sampler")
	}

	d.sampler = sampler
	return sampler, nil
}

func (d *Device) UpdateDescriptorSet(setHandle driver.DescriptorSet, writes []driver.DescriptorWrite) {
	d.mutex.RLock()
	set, ok := d.descriptorSets.Get(setHandle)
	d.mutex.RUnlock()
	if !ok {
		return
	}

	vkWrites := make([]core1_0.WriteDescriptorSet, 0, len(writes))
	for _, write := range writes {
		vkWrite := core1_0.WriteDescriptorSet{
			DstSet:         set,
			DstBinding:     write.Binding,
			DescriptorType: core1_0.DescriptorType(write.Type),
		}

		switch write.Type {
		case driver.DescriptorUniformBuffer, driver.DescriptorStorageBuffer:
			d.mutex.RLock()
			buffer, _ := d.buffers.Get(write.Buffer)
			d.mutex.RUnlock()

			vkWrite.BufferInfo = []core1_0.DescriptorBufferInfo{{
				Buffer: buffer,
				Offset: write.Offset,
				Range:  write.Size,
			}}
		default:
			view, err := d.imageView(write.Image)
			if err != nil {
				d.logRecordError("UpdateDescriptorSets", err)
				return
			}

			info := core1_0.DescriptorImageInfo{
				ImageView:   view,
				ImageLayout: core1_0.ImageLayoutGeneral,
			}
			if write.Type == driver.DescriptorCombinedImageSampler {
				info.ImageLayout = core1_0.ImageLayoutShaderReadOnlyOptimal
				info.Sampler, err = d.defaultSampler()
				if err != nil {
					d.logRecordError("UpdateDescriptorSets", err)
					return
				}
			}
			vkWrite.ImageInfo = []core1_0.DescriptorImageInfo{info}
		}

		vkWrites = append(vkWrites, vkWrite)
	}

	err := d.driver.UpdateDescriptorSets(vkWrites, nil)
	d.logRecordError("UpdateDescriptorSets", err)
}

func (d *Device) CreatePipelineCache(initialData []byte) (driver.PipelineCache, error) {
	cache, res, err := d.driver.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{
		InitialData: initialData,
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create pipeline cache")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.PipelineCache(d.handle())
	d.pipelineCaches.Put(handle, cache)
	return handle, nil
}

func (d *Device) PipelineCacheData(handle driver.PipelineCache) ([]byte, error) {
	d.mutex.RLock()
	cache, ok := d.pipelineCaches.Get(handle)
	d.mutex.RUnlock()
	if !ok {
		return nil, errors.AssertionFailedf("unknown pipeline cache %d", handle)
	}

	data, res, err := d.driver.GetPipelineCacheData(cache)
	if err != nil {
		return nil, errors.Wrap(translate(res, err), "failed to read pipeline cache data")
	}
	return data, nil
}

func (d *Device) DestroyPipelineCache(handle driver.PipelineCache) {
	d.mutex.Lock()
	cache, ok := d.pipelineCaches.Get(handle)
	d.pipelineCaches.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyPipelineCache(cache, nil)
	}
}

// pipelineCache returns a pointer to the Vulkan cache for handle, or nil for no cache
func (d *Device) pipelineCache(handle driver.PipelineCache) *core1_0.PipelineCache {
	if handle == 0 {
		return nil
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	cache, ok := d.pipelineCaches.Get(handle)
	if !ok {
		return nil
	}
	return &cache
}

func (d *Device) addPipeline(pipeline core1_0.Pipeline) driver.Pipeline {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.Pipeline(d.handle())
	d.pipelines.Put(handle, pipeline)
	return handle
}

func (d *Device) CreateComputePipeline(info driver.ComputePipelineInfo) (driver.Pipeline, error) {
	d.mutex.RLock()
	layout, layoutOK := d.pipelineLayouts.Get(info.Layout)
	module, moduleOK := d.shaderModules.Get(info.Shader)
	d.mutex.RUnlock()
	if !layoutOK || !moduleOK {
		return 0, errors.AssertionFailedf("unknown pipeline layout %d or shader module %d", info.Layout, info.Shader)
	}

	pipelines, res, err := d.driver.CreateComputePipelines(d.pipelineCache(info.Cache), nil, core1_0.ComputePipelineCreateInfo{
		Stage: core1_0.PipelineShaderStageCreateInfo{
			Stage:  core1_0.StageCompute,
			Module: module,
			Name:   entryPoint,
		},
		Layout:            layout,
		BasePipelineIndex: -1,
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create compute pipeline")
	}

	return d.addPipeline(pipelines[0]), nil
}

func colorBlendAttachment(mode driver.BlendMode) core1_0.PipelineColorBlendAttachmentState {
	state := core1_0.PipelineColorBlendAttachmentState{
		ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
		ColorBlendOp:   core1_0.BlendOpAdd,
		AlphaBlendOp:   core1_0.BlendOpAdd,
	}

	switch mode {
	case driver.BlendAlpha:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorSrcAlpha
		state.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
	case driver.BlendPremultiplied:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorOne
		state.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
	case driver.BlendAdditive:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorOne
		state.DstColorBlendFactor = core1_0.BlendFactorOne
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOne
	}

	return state
}

func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineInfo) (driver.Pipeline, error) {
	d.mutex.RLock()
	layout, layoutOK := d.pipelineLayouts.Get(info.Layout)
	vertex, vertexOK := d.shaderModules.Get(info.Vertex)
	fragment, fragmentOK := d.shaderModules.Get(info.Fragment)
	d.mutex.RUnlock()
	if !layoutOK || !vertexOK || !fragmentOK {
		return 0, errors.AssertionFailedf("graphics pipeline refers to an unknown layout or shader module")
	}

	pass, err := d.renderPass(info.TargetFormat, false)
	if err != nil {
		return 0, err
	}

	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{}
	if info.VertexStride > 0 {
		vertexInput.VertexBindingDescriptions = []core1_0.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    info.VertexStride,
			InputRate: core1_0.VertexInputRateVertex,
		}}
		for _, attribute := range info.Attributes {
			vertexInput.VertexAttributeDescriptions = append(vertexInput.VertexAttributeDescriptions, core1_0.VertexInputAttributeDescription{
				Binding:  0,
				Location: attribute.Location,
				Format:   core1_0.Format(attribute.Format),
				Offset:   attribute.Offset,
			})
		}
	}

	// Viewport and scissor are set per render target when recording
	placeholder := core1_0.Rect2D{Extent: core1_0.Extent2D{Width: 1, Height: 1}}

	pipelines, res, err := d.driver.CreateGraphicsPipelines(d.pipelineCache(info.Cache), nil, core1_0.GraphicsPipelineCreateInfo{
		Stages: []core1_0.PipelineShaderStageCreateInfo{
			{Stage: core1_0.StageVertex, Module: vertex, Name: entryPoint},
			{Stage: core1_0.StageFragment, Module: fragment, Name: entryPoint},
		},
		VertexInputState: vertexInput,
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopology(info.Topology),
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
			Scissors:  []core1_0.Rect2D{placeholder},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonModeFill,
			CullMode:    core1_0.CullModeNone,
			FrontFace:   core1_0.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOp:     core1_0.LogicOpCopy,
			Attachments: []core1_0.PipelineColorBlendAttachmentState{colorBlendAttachment(info.Blend)},
		},
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
		},
		Layout:            layout,
		RenderPass:        pass,
		Subpass:           0,
		BasePipelineIndex: -1,
	})
	if err != nil {
		return 0, errors.Wrap(translate(res, err), "failed to create graphics pipeline")
	}

	return d.addPipeline(pipelines[0]), nil
}

func (d *Device) DestroyPipeline(handle driver.Pipeline) {
	d.mutex.Lock()
	pipeline, ok := d.pipelines.Get(handle)
	d.pipelines.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyPipeline(pipeline, nil)
	}
}

// renderPass returns the single-subpass render pass for a color attachment of format, creating
// it on first use. Passes that clear and passes that load are compatible, so framebuffers and
// pipelines built against one work with the other.
func (d *Device) renderPass(format driver.Format, clear bool) (core1_0.RenderPass, error) {
	key := renderPassKey{format: format, clear: clear}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if pass, ok := d.renderPasses.Get(key); ok {
		return pass, nil
	}

	loadOp := core1_0.AttachmentLoadOpLoad
	if clear {
		loadOp = core1_0.AttachmentLoadOpClear
	}

	pass, res, err := d.driver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{{
			Format:         core1_0.Format(format),
			Samples:        core1_0.Samples1,
			LoadOp:         loadOp,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
		}},
		Subpasses: []core1_0.SubpassDescription{{
			PipelineBindPoint: core1_0.PipelineBindPointGraphics,
			ColorAttachments: []core1_0.AttachmentReference{{
				Attachment: 0,
				Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
			}},
		}},
	})
	if err != nil {
		return core1_0.RenderPass{}, errors.Wrapf(translate(res, err), "failed to create render pass for format %d", format)
	}

	d.renderPasses.Put(key, pass)
	return pass, nil
}

func (d *Device) CreateRenderTarget(imageHandle driver.Image, format driver.Format, extent driver.Extent) (driver.RenderTarget, error) {
	view, err := d.imageView(imageHandle)
	if err != nil {
		return 0, err
	}
	pass, err := d.renderPass(format, false)
	if err != nil {
		return 0, err
	}

	framebuffer, res, err := d.driver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  pass,
		Attachments: []core1_0.ImageView{view},
		Width:       extent.Width,
		Height:      max(extent.Height, 1),
		Layers:      1,
	})
	if err != nil {
		return 0, errors.Wrapf(translate(res, err), "failed to create framebuffer for image %d", imageHandle)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.RenderTarget(d.handle())
	d.renderTargets.Put(handle, renderTarget{framebuffer: framebuffer, format: format, extent: extent})
	return handle, nil
}

func (d *Device) DestroyRenderTarget(handle driver.RenderTarget) {
	d.mutex.Lock()
	target, ok := d.renderTargets.Get(handle)
	d.renderTargets.Delete(handle)
	d.mutex.Unlock()

	if ok {
		d.driver.DestroyFramebuffer(target.framebuffer, nil)
	}
}
