package pipeline

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/resource"
)

// DefaultMaxFramesInFlight is the descriptor ring length used when Options leaves it unset
const DefaultMaxFramesInFlight = 2

// Device is the part of a driver.Device the cache uses
type Device interface {
	driver.PipelineDevice
	driver.Recorder
	Properties() *driver.Properties
}

// Tracker keeps the hazard state of the resources a Dispatch or Draw binds. It is satisfied
// by *resource.Manager.
type Tracker interface {
	BarrierBuffer(cmd *command.Command, buf *resource.Buffer, stage driver.PipelineStage, role resource.Role)
	BarrierTexture(cmd *command.Command, tex *resource.Texture, stage driver.PipelineStage, role resource.Role, discard bool)
	SignalBuffer(cmd *command.Command, buf *resource.Buffer, stage driver.PipelineStage) *command.Signal
	SignalTexture(cmd *command.Command, tex *resource.Texture, stage driver.PipelineStage) *command.Signal
	RenderTarget(tex *resource.Texture) (driver.RenderTarget, error)
}

// Options configures a Cache
type Options struct {
	// MaxFramesInFlight is the length of each entry's descriptor ring. It must be at least the
	// number of commands that may use one entry at the same time, or descriptor sets will be
	// rewritten while the device is still reading them.
	MaxFramesInFlight int
}

type shaderCode struct {
	hash [sha256.Size]byte
	code []byte
}

// Cache builds pipelines on demand and keeps them by key. The shader bytecode and the driver's
// pipeline cache can be saved with Serialize and restored with Load on a later run.
//
// A Cache is not safe for concurrent use.
type Cache struct {
	logger   *slog.Logger
	device   Device
	compiler Compiler
	tracker  Tracker
	options  Options

	handle  driver.PipelineCache
	entries *swiss.Map[string, *Entry]
	shaders *swiss.Map[string, shaderCode]
	watcher *Watcher

	hits     int
	misses   int
	compiles int
}

// NewCache creates an empty Cache. Entries record through tracker, which barriers and signals
// every resource they bind.
func NewCache(logger *slog.Logger, device Device, compiler Compiler, tracker Tracker, options Options) (*Cache, error) {
	if options.MaxFramesInFlight == 0 {
		options.MaxFramesInFlight = DefaultMaxFramesInFlight
	}
	if options.MaxFramesInFlight < 1 {
		return nil, errors.Newf("invalid MaxFramesInFlight %d", options.MaxFramesInFlight)
	}
	if compiler == nil {
		return nil, errors.New("no shader compiler was provided")
	}
	if tracker == nil {
		return nil, errors.New("no resource tracker was provided")
	}

	handle, err := device.CreatePipelineCache(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline cache")
	}

	return &Cache{
		logger:   logger,
		device:   device,
		compiler: compiler,
		tracker:  tracker,
		options:  options,
		handle:   handle,
		entries:  swiss.NewMap[string, *Entry](16),
		shaders:  swiss.NewMap[string, shaderCode](16),
	}, nil
}

// Options returns the options the cache was created with, after defaults were applied
func (c *Cache) Options() Options {
	return c.options
}

// Len is the number of entries in the cache
func (c *Cache) Len() int {
	return c.entries.Count()
}

// Stats returns the number of GetOrBuild calls that found an entry and that had to build one,
// along with the number of shaders that were compiled rather than taken from a loaded blob
func (c *Cache) Stats() (hits, misses, compiles int) {
	return c.hits, c.misses, c.compiles
}

// GetOrBuild returns the entry for params, building it if it is not already cached
func (c *Cache) GetOrBuild(params Params) (*Entry, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	key := params.Key()
	if entry, ok := c.entries.Get(key); ok {
		c.hits++
		return entry, nil
	}
	c.misses++

	entry, err := c.build(key, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s pipeline", params.Kind)
	}
	c.entries.Put(key, entry)

	if c.watcher != nil {
		for _, path := range entry.paths {
			if err := c.watcher.Watch(path); err != nil {
				c.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to watch shader",
					slog.String("path", path),
					slog.Any("error", err))
			}
		}
	}

	return entry, nil
}

func (c *Cache) bytecode(stage driver.ShaderStage, shader Shader) ([]byte, error) {
	source, err := shader.load()
	if err != nil {
		return nil, err
	}

	key := sectionKey(stage, shader)
	hash := sha256.Sum256([]byte(source))
	if cached, ok := c.shaders.Get(key); ok && cached.hash == hash {
		return cached.code, nil
	}

	code, err := c.compiler.Compile(stage, source)
	if err != nil {
		return nil, err
	}
	c.compiles++
	c.shaders.Put(key, shaderCode{hash: hash, code: code})

	return code, nil
}

func (c *Cache) build(key string, params Params) (entry *Entry, err error) {
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	// Modules are only needed until the pipeline exists
	modules := make(map[driver.ShaderStage]driver.ShaderModule)
	defer func() {
		for _, module := range modules {
			c.device.DestroyShaderModule(module)
		}
	}()

	for _, s := range params.stages() {
		code, err := c.bytecode(s.stage, s.shader)
		if err != nil {
			return nil, err
		}

		module, err := c.device.CreateShaderModule(code)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %s shader module", s.stage)
		}
		modules[s.stage] = module
	}

	entry = &Entry{
		cache:    c,
		key:      key,
		kind:     params.Kind,
		bindings: slices.Clone(params.Bindings),
		paths:    params.paths(),
	}

	entry.setLayout, err = c.device.CreateDescriptorSetLayout(params.Bindings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create descriptor set layout")
	}
	undo = append(undo, func() { c.device.DestroyDescriptorSetLayout(entry.setLayout) })

	entry.layout, err = c.device.CreatePipelineLayout(entry.setLayout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline layout")
	}
	undo = append(undo, func() { c.device.DestroyPipelineLayout(entry.layout) })

	if len(params.Bindings) > 0 {
		entry.pool, err = c.device.CreateDescriptorPool(params.Bindings, c.options.MaxFramesInFlight)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create descriptor pool")
		}
		undo = append(undo, func() { c.device.DestroyDescriptorPool(entry.pool) })

		entry.ring = make([]driver.DescriptorSet, c.options.MaxFramesInFlight)
		for i := range entry.ring {
			entry.ring[i], err = c.device.AllocateDescriptorSet(entry.pool, entry.setLayout)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to allocate descriptor set %d", i)
			}
		}
		entry.index = len(entry.ring) - 1
	}

	if params.Kind == KindCompute {
		entry.pipeline, err = c.device.CreateComputePipeline(driver.ComputePipelineInfo{
			Layout: entry.layout,
			Shader: modules[driver.ShaderStageCompute],
			Cache:  c.handle,
		})
	} else {
		entry.pipeline, err = c.device.CreateGraphicsPipeline(driver.GraphicsPipelineInfo{
			Layout:       entry.layout,
			Vertex:       modules[driver.ShaderStageVertex],
			Fragment:     modules[driver.ShaderStageFragment],
			VertexStride: params.VertexStride,
			Attributes:   params.Attributes,
			Topology:     params.Topology,
			Blend:        params.Blend,
			TargetFormat: params.TargetFormat,
			Cache:        c.handle,
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline")
	}

	return entry, nil
}

// Invalidate removes the entry with key from the cache. Its device objects are destroyed once
// every command that recorded it has finished. It returns false if no such entry was cached.
func (c *Cache) Invalidate(key string) bool {
	entry, ok := c.entries.Get(key)
	if !ok {
		return false
	}

	c.entries.Delete(key)
	entry.invalidate()
	return true
}

// InvalidatePath invalidates every entry built from the shader file at path, and returns the
// number of entries invalidated
func (c *Cache) InvalidatePath(path string) int {
	var keys []string
	c.entries.Iter(func(key string, entry *Entry) bool {
		if slices.Contains(entry.paths, path) {
			keys = append(keys, key)
		}
		return false
	})

	for _, key := range keys {
		c.Invalidate(key)
	}
	return len(keys)
}

// Load replaces the cache's shader bytecode and driver pipeline cache with the contents of a
// blob written by Serialize. It should be called before any pipelines are built.
//
// A blob that is malformed, or that was written for a different compiler, compiler version or
// device, is logged and discarded, and the returned error is marked with ErrCacheMismatch. The
// cache is unchanged and remains usable.
func (c *Cache) Load(data []byte) error {
	decoded, err := decodeBlob(data)
	if err == nil {
		err = c.checkBlob(decoded)
	}
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "discarding pipeline cache blob",
			slog.Int("bytes", len(data)),
			slog.Any("error", err))
		return errors.Mark(errors.Wrap(err, "failed to load pipeline cache blob"), ErrCacheMismatch)
	}

	handle, err := c.device.CreatePipelineCache(decoded.pipelineCache)
	if err != nil {
		return errors.Wrap(err, "failed to create pipeline cache from blob")
	}
	c.device.DestroyPipelineCache(c.handle)
	c.handle = handle

	for _, shader := range decoded.shaders {
		c.shaders.Put(shader.key, shaderCode{hash: shader.hash, code: shader.code})
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "loaded pipeline cache blob",
		slog.Int("shaders", len(decoded.shaders)),
		slog.Int("pipelineCacheBytes", len(decoded.pipelineCache)))
	return nil
}

func (c *Cache) checkBlob(decoded *blob) error {
	if decoded.identity != c.compiler.Identity() {
		return errors.Newf("blob was written by compiler %q, not %q", decoded.identity, c.compiler.Identity())
	}
	if decoded.version != c.compiler.Version() {
		return errors.Newf("blob was written by %s version %q, not %q", decoded.identity, decoded.version, c.compiler.Version())
	}

	device := c.device.Properties().PipelineCacheUUID
	if decoded.device != device {
		return errors.Newf("blob was written for device %s, not %s", decoded.device, device)
	}
	return nil
}

// Serialize writes the cache's shader bytecode and driver pipeline cache to a blob that Load
// accepts on a later run with the same compiler and device
func (c *Cache) Serialize() ([]byte, error) {
	pipelineCache, err := c.device.PipelineCacheData(c.handle)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pipeline cache data")
	}

	result := &blob{
		identity:      c.compiler.Identity(),
		version:       c.compiler.Version(),
		device:        c.device.Properties().PipelineCacheUUID,
		pipelineCache: pipelineCache,
	}

	c.shaders.Iter(func(key string, shader shaderCode) bool {
		result.shaders = append(result.shaders, blobShader{key: key, hash: shader.hash, code: shader.code})
		return false
	})
	slices.SortFunc(result.shaders, func(l, r blobShader) int {
		switch {
		case l.key < r.key:
			return -1
		case l.key > r.key:
			return 1
		}
		return 0
	})

	return result.encode(), nil
}

// Destroy destroys every entry and the driver pipeline cache. No command that recorded an
// entry may still be pending.
func (c *Cache) Destroy() {
	c.entries.Iter(func(key string, entry *Entry) bool {
		entry.destroy()
		return false
	})
	c.entries.Clear()

	c.device.DestroyPipelineCache(c.handle)
	c.handle = 0
}
