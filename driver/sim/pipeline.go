package sim

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

// SPIRVMagic is the first word of every SPIR-V module
const SPIRVMagic uint32 = 0x07230203

type descriptorPool struct {
	maxSets   int
	allocated int
}

type descriptorSet struct {
	pool   driver.DescriptorPool
	layout driver.DescriptorSetLayout
	writes map[int]driver.DescriptorWrite
}

type pipelineRecord struct {
	compute  bool
	layout   driver.PipelineLayout
	graphics driver.GraphicsPipelineInfo
}

func (d *Device) CreateShaderModule(spirv []byte) (driver.ShaderModule, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(spirv) < 4 || len(spirv)%4 != 0 || binary.LittleEndian.Uint32(spirv) != SPIRVMagic {
		return 0, errors.Wrap(driver.ErrInitializationFailed, "shader module is not valid SPIR-V")
	}

	handle := driver.ShaderModule(d.handle())
	d.shaderModules[handle] = slices.Clone(spirv)
	return handle, nil
}

func (d *Device) DestroyShaderModule(module driver.ShaderModule) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.shaderModules[module]; !ok {
		d.violate("destroying unknown shader module %d", module)
		return
	}
	delete(d.shaderModules, module)
}

// ShaderModuleCount returns the number of live shader modules
func (d *Device) ShaderModuleCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.shaderModules)
}

func (d *Device) createObject(kind string) uint64 {
	handle := d.handle()
	d.objects[handle] = kind
	return handle
}

func (d *Device) destroyObject(kind string, handle uint64) {
	existing, ok := d.objects[handle]
	if !ok || existing != kind {
		d.violate("destroying unknown %s %d", kind, handle)
		return
	}
	delete(d.objects, handle)
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	seen := make(map[int]bool, len(bindings))
	for _, binding := range bindings {
		if seen[binding.Binding] {
			return 0, errors.AssertionFailedf("binding %d declared twice", binding.Binding)
		}
		seen[binding.Binding] = true
	}

	return driver.DescriptorSetLayout(d.createObject("descriptor set layout")), nil
}

func (d *Device) DestroyDescriptorSetLayout(layout driver.DescriptorSetLayout) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.destroyObject("descriptor set layout", uint64(layout))
}

func (d *Device) CreatePipelineLayout(setLayout driver.DescriptorSetLayout) (driver.PipelineLayout, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.objects[uint64(setLayout)] != "descriptor set layout" {
		return 0, errors.AssertionFailedf("unknown descriptor set layout %d", setLayout)
	}
	return driver.PipelineLayout(d.createObject("pipeline layout")), nil
}

func (d *Device) DestroyPipelineLayout(layout driver.PipelineLayout) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.destroyObject("pipeline layout", uint64(layout))
}

func (d *Device) CreateDescriptorPool(bindings []driver.DescriptorBinding, maxSets int) (driver.DescriptorPool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if maxSets < 1 {
		return 0, errors.AssertionFailedf("invalid descriptor pool size %d", maxSets)
	}

	handle := driver.DescriptorPool(d.handle())
	d.descriptorPools[handle] = &descriptorPool{maxSets: maxSets}
	return handle, nil
}

func (d *Device) DestroyDescriptorPool(pool driver.DescriptorPool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.descriptorPools[pool]; !ok {
		d.violate("destroying unknown descriptor pool %d", pool)
		return
	}
	for handle, set := range d.descriptorSets {
		if set.pool == pool {
			delete(d.descriptorSets, handle)
		}
	}
	delete(d.descriptorPools, pool)
}

func (d *Device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		return 0, errors.AssertionFailedf("allocating from unknown descriptor pool %d", pool)
	}
	if p.allocated >= p.maxSets {
		return 0, errors.Wrapf(driver.ErrOutOfHostMemory, "descriptor pool %d is exhausted", pool)
	}

	p.allocated++
	handle := driver.DescriptorSet(d.handle())
	d.descriptorSets[handle] = &descriptorSet{pool: pool, layout: layout, writes: make(map[int]driver.DescriptorWrite)}
	return handle, nil
}

func (d *Device) UpdateDescriptorSet(set driver.DescriptorSet, writes []driver.DescriptorWrite) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	s, ok := d.descriptorSets[set]
	if !ok {
		d.violate("updating unknown descriptor set %d", set)
		return
	}
	if d.inUse(func(op Op) bool { return op.Kind == OpBindDescriptorSet && op.DescriptorSet == set }) {
		d.violate("updating descriptor set %d while it is in use by pending work", set)
	}

	for _, write := range writes {
		s.writes[write.Binding] = write
	}
}

// DescriptorWrites returns the current contents of a descriptor set, keyed by binding
func (d *Device) DescriptorWrites(set driver.DescriptorSet) map[int]driver.DescriptorWrite {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	s, ok := d.descriptorSets[set]
	if !ok {
		return nil
	}
	return maps.Clone(s.writes)
}

func (d *Device) CreatePipelineCache(initialData []byte) (driver.PipelineCache, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.PipelineCache(d.handle())
	d.pipelineCaches[handle] = slices.Clone(initialData)
	return handle, nil
}

func (d *Device) PipelineCacheData(cache driver.PipelineCache) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	data, ok := d.pipelineCaches[cache]
	if !ok {
		return nil, errors.AssertionFailedf("unknown pipeline cache %d", cache)
	}
	return slices.Clone(data), nil
}

func (d *Device) DestroyPipelineCache(cache driver.PipelineCache) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.pipelineCaches[cache]; !ok {
		d.violate("destroying unknown pipeline cache %d", cache)
		return
	}
	delete(d.pipelineCaches, cache)
}

func (d *Device) notePipeline(cache driver.PipelineCache, description string) {
	if cache == 0 {
		return
	}
	data, ok := d.pipelineCaches[cache]
	if !ok {
		d.violate("creating pipeline with unknown pipeline cache %d", cache)
		return
	}
	d.pipelineCaches[cache] = append(data, []byte(description+";")...)
}

func (d *Device) CreateComputePipeline(info driver.ComputePipelineInfo) (driver.Pipeline, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.shaderModules[info.Shader]; !ok {
		return 0, errors.AssertionFailedf("unknown shader module %d", info.Shader)
	}
	if d.objects[uint64(info.Layout)] != "pipeline layout" {
		return 0, errors.AssertionFailedf("unknown pipeline layout %d", info.Layout)
	}

	handle := driver.Pipeline(d.handle())
	d.pipelines[handle] = pipelineRecord{compute: true, layout: info.Layout}
	d.notePipeline(info.Cache, fmt.Sprintf("compute:%d", len(d.shaderModules[info.Shader])))
	return handle, nil
}

func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineInfo) (driver.Pipeline, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.shaderModules[info.Vertex]; !ok {
		return 0, errors.AssertionFailedf("unknown vertex shader module %d", info.Vertex)
	}
	if _, ok := d.shaderModules[info.Fragment]; !ok {
		return 0, errors.AssertionFailedf("unknown fragment shader module %d", info.Fragment)
	}
	if d.objects[uint64(info.Layout)] != "pipeline layout" {
		return 0, errors.AssertionFailedf("unknown pipeline layout %d", info.Layout)
	}
	if info.TargetFormat.TexelSize() == 0 {
		return 0, errors.AssertionFailedf("unsupported target format %d", info.TargetFormat)
	}

	handle := driver.Pipeline(d.handle())
	info.Attributes = slices.Clone(info.Attributes)
	d.pipelines[handle] = pipelineRecord{layout: info.Layout, graphics: info}
	d.notePipeline(info.Cache, fmt.Sprintf("graphics:%d", info.TargetFormat))
	return handle, nil
}

func (d *Device) DestroyPipeline(pipeline driver.Pipeline) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.pipelines[pipeline]; !ok {
		d.violate("destroying unknown pipeline %d", pipeline)
		return
	}
	if d.inUse(func(op Op) bool { return op.Kind == OpBindPipeline && op.Pipeline == pipeline }) {
		d.violate("destroying pipeline %d while it is in use by pending work", pipeline)
	}
	delete(d.pipelines, pipeline)
}

// PipelineCount returns the number of live pipelines
func (d *Device) PipelineCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.pipelines)
}

func (d *Device) CreateRenderTarget(img driver.Image, format driver.Format, extent driver.Extent) (driver.RenderTarget, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	i, ok := d.images[img]
	if !ok {
		return 0, errors.AssertionFailedf("unknown image %d", img)
	}
	if i.info.Usage&driver.ImageUsageColorAttachment == 0 {
		return 0, errors.AssertionFailedf("image %d was not created for use as a color attachment", img)
	}

	handle := driver.RenderTarget(d.handle())
	d.renderTargets[handle] = img
	return handle, nil
}

func (d *Device) DestroyRenderTarget(target driver.RenderTarget) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.renderTargets[target]; !ok {
		d.violate("destroying unknown render target %d", target)
		return
	}
	delete(d.renderTargets, target)
}
