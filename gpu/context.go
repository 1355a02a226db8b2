// Package gpu ties the allocator, the command pools, the resource manager and the pipeline cache
// to a single device. A Context is the usual entry point for applications: it picks queue
// families, constructs every component with consistent options and tears them down in order.
package gpu

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/pipeline"
	"github.com/vkngwrapper/rava/resource"
	"github.com/vkngwrapper/rava/slab"
)

// Options configures a Context. Zero values select the defaults of each component.
type Options struct {
	Allocator slab.CreateOptions
	Pipeline  pipeline.Options

	// Compiler builds shader bytecode. NagaCompiler is used if it is nil.
	Compiler pipeline.Compiler

	// QueueCount is the number of queues each pool rotates between. It is clamped to the
	// number of queues in the family, and defaults to 1.
	QueueCount int
	// SharedTransfer submits transfers to the main pool even when the device has a dedicated
	// transfer family
	SharedTransfer bool

	// PipelineCachePath names a file the pipeline cache blob is loaded from by New and saved
	// to by Destroy. It may be empty.
	PipelineCachePath string
	// WatchShaders rebuilds pipelines whose shader files change on disk. Changes are applied
	// during Poll.
	WatchShaders bool
}

// Context owns every component built on one device. It is not safe for concurrent use.
type Context struct {
	logger  *slog.Logger
	device  driver.Device
	options Options

	allocator *slab.Allocator
	main      *command.Pool
	transfer  *command.Pool
	resources *resource.Manager
	pipelines *pipeline.Cache
	watcher   *pipeline.Watcher

	destroyed bool
}

// New creates a Context. The main pool uses the first family that supports both graphics and
// compute. Transfers go to a family without either when the device has one.
func New(logger *slog.Logger, device driver.Device, options Options) (ctx *Context, err error) {
	props := device.Properties()
	if options.QueueCount == 0 {
		options.QueueCount = 1
	}
	if options.QueueCount < 0 {
		return nil, errors.Newf("invalid queue count %d", options.QueueCount)
	}

	mainFamily, ok := props.FindQueueFamily(driver.QueueGraphics|driver.QueueCompute, 0)
	if !ok {
		return nil, errors.Newf("device %q has no queue family supporting graphics and compute", props.DeviceName)
	}

	c := &Context{
		logger:  logger,
		device:  device,
		options: options,
	}
	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	c.allocator, err = slab.New(logger, device, options.Allocator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create allocator")
	}

	c.main, err = c.newPool(mainFamily)
	if err != nil {
		return nil, err
	}
	c.transfer = c.main

	if !options.SharedTransfer {
		transferFamily, ok := props.FindQueueFamily(driver.QueueTransfer, driver.QueueGraphics|driver.QueueCompute)
		if ok {
			c.transfer, err = c.newPool(transferFamily)
			if err != nil {
				return nil, err
			}
		}
	}

	c.resources = resource.NewManager(logger, device, c.allocator)

	compiler := options.Compiler
	if compiler == nil {
		compiler = pipeline.NewNagaCompiler()
	}
	c.pipelines, err = pipeline.NewCache(logger, device, compiler, c.resources, options.Pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline cache")
	}

	if options.PipelineCachePath != "" {
		err = c.loadPipelineCache(options.PipelineCachePath)
		if err != nil {
			return nil, err
		}
	}

	if options.WatchShaders {
		c.watcher, err = pipeline.NewWatcher(logger, c.pipelines)
		if err != nil {
			return nil, err
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created gpu context",
		slog.String("device", props.DeviceName),
		slog.Int("mainFamily", c.main.Family()),
		slog.Int("transferFamily", c.transfer.Family()),
		slog.Int("queueCount", options.QueueCount),
	)
	return c, nil
}

func (c *Context) newPool(family int) (*command.Pool, error) {
	queueCount := min(c.options.QueueCount, c.device.Properties().QueueFamilies[family].QueueCount)

	pool, err := command.NewPool(c.logger, c.device, family, queueCount)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create command pool for queue family %d", family)
	}
	return pool, nil
}

// loadPipelineCache reads a saved blob. A missing file is normal on a first run, and a blob from
// another device or compiler is discarded by the cache.
func (c *Context) loadPipelineCache(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read pipeline cache %s", path)
	}

	err = c.pipelines.Load(data)
	if err != nil && !errors.Is(err, pipeline.ErrCacheMismatch) {
		return err
	}
	return nil
}

func (c *Context) savePipelineCache(path string) error {
	data, err := c.pipelines.Serialize()
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o644)
	return errors.Wrapf(err, "failed to write pipeline cache %s", path)
}

func (c *Context) Device() driver.Device { return c.device }

func (c *Context) Allocator() *slab.Allocator { return c.allocator }

func (c *Context) Resources() *resource.Manager { return c.resources }

func (c *Context) Pipelines() *pipeline.Cache { return c.pipelines }

// MainPool submits to the graphics and compute family
func (c *Context) MainPool() *command.Pool { return c.main }

// TransferPool submits to the dedicated transfer family, or is the main pool if there is none
func (c *Context) TransferPool() *command.Pool { return c.transfer }

// Acquire returns a command from the main pool
func (c *Context) Acquire() (*command.Command, error) {
	return c.main.Acquire()
}

// AcquireTransfer returns a command from the transfer pool
func (c *Context) AcquireTransfer() (*command.Command, error) {
	return c.transfer.Acquire()
}

// Flush submits cmd to its pool and moves that pool on to its next queue
func (c *Context) Flush(cmd *command.Command) (*command.Signal, error) {
	pool := cmd.Pool()

	signal, err := pool.Submit(cmd)
	if err != nil {
		return nil, err
	}
	pool.RotateQueues()
	return signal, nil
}

// Poll applies pending shader changes and reclaims completed commands. The main pool is waited
// on for up to timeout and the transfer pool is only checked. Poll returns whether any commands
// remain pending.
func (c *Context) Poll(timeout time.Duration) (bool, error) {
	if c.watcher != nil && c.watcher.Pending() {
		c.watcher.Apply()
	}

	pending, err := c.main.Poll(timeout)
	if err != nil {
		return pending, err
	}
	if c.transfer == c.main {
		return pending, nil
	}

	transferPending, err := c.transfer.Poll(0)
	return pending || transferPending, err
}

// WaitIdle blocks until every submitted command has completed
func (c *Context) WaitIdle() error {
	err := c.main.WaitIdle()
	if c.transfer != c.main {
		err = errors.CombineErrors(err, c.transfer.WaitIdle())
	}
	return err
}

// Destroy waits for all work to finish, saves the pipeline cache if a path was configured and
// destroys every component in the reverse of the order they were created
func (c *Context) Destroy() error {
	if c.destroyed {
		return nil
	}

	err := c.WaitIdle()
	if err == nil && c.options.PipelineCachePath != "" {
		err = c.savePipelineCache(c.options.PipelineCachePath)
	}

	if live := c.resources.LiveBuffers() + c.resources.LiveTextures(); live > 0 {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "destroying gpu context with live resources",
			slog.Int("buffers", c.resources.LiveBuffers()),
			slog.Int("textures", c.resources.LiveTextures()))
	}

	return errors.CombineErrors(err, c.teardown())
}

func (c *Context) teardown() error {
	var err error

	if c.watcher != nil {
		err = errors.CombineErrors(err, c.watcher.Close())
		c.watcher = nil
	}
	if c.pipelines != nil {
		c.pipelines.Destroy()
		c.pipelines = nil
	}
	if c.transfer != nil && c.transfer != c.main {
		err = errors.CombineErrors(err, c.transfer.Destroy())
	}
	c.transfer = nil
	if c.main != nil {
		err = errors.CombineErrors(err, c.main.Destroy())
		c.main = nil
	}
	if c.allocator != nil {
		err = errors.CombineErrors(err, c.allocator.Destroy())
		c.allocator = nil
	}

	c.destroyed = true
	return err
}
