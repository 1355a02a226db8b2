// Package config reads the tunables of a gpu.Context from TOML.
//
//	[allocator]
//	min_slab_size = 1048576
//	max_slab_size = 536870912
//	growth_factor = 4
//	min_region_size = 256
//	heap_size_limits = [-1, 268435456]
//	synchronized = false
//	first_fit = false
//
//	[commands]
//	queue_count = 1
//	shared_transfer = false
//
//	[pipelines]
//	max_frames_in_flight = 2
//	cache_path = "pipelines.bin"
//	watch_shaders = false
package config

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/rava/gpu"
	"github.com/vkngwrapper/rava/pipeline"
	"github.com/vkngwrapper/rava/slab"
)

type Allocator struct {
	MinSlabSize    int   `toml:"min_slab_size"`
	MaxSlabSize    int   `toml:"max_slab_size"`
	GrowthFactor   int   `toml:"growth_factor"`
	MinRegionSize  int   `toml:"min_region_size"`
	HeapSizeLimits []int `toml:"heap_size_limits"`
	Synchronized   bool  `toml:"synchronized"`
	FirstFit       bool  `toml:"first_fit"`
}

type Commands struct {
	QueueCount     int  `toml:"queue_count"`
	SharedTransfer bool `toml:"shared_transfer"`
}

type Pipelines struct {
	MaxFramesInFlight int    `toml:"max_frames_in_flight"`
	CachePath         string `toml:"cache_path"`
	WatchShaders      bool   `toml:"watch_shaders"`
}

// Config holds every setting of a gpu.Context
type Config struct {
	Allocator Allocator `toml:"allocator"`
	Commands  Commands  `toml:"commands"`
	Pipelines Pipelines `toml:"pipelines"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Allocator: Allocator{
			MinSlabSize:   slab.DefaultMinSlabSize,
			MaxSlabSize:   slab.DefaultMaxSlabSize,
			GrowthFactor:  slab.DefaultGrowthFactor,
			MinRegionSize: slab.DefaultMinRegionSize,
		},
		Commands: Commands{
			QueueCount: 1,
		},
		Pipelines: Pipelines{
			MaxFramesInFlight: pipeline.DefaultMaxFramesInFlight,
		},
	}
}

// Parse reads a TOML document over the defaults. Settings the document leaves out keep their
// default values, and unknown settings are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(&cfg)
	if err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, errors.Newf("unknown settings:\n%s", strict.String())
		}
		return Config{}, errors.Wrap(err, "failed to parse config")
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}

	cfg, err := Parse(data)
	return cfg, errors.Wrapf(err, "invalid config %s", path)
}

// Validate checks the settings that can be checked without a device
func (c Config) Validate() error {
	a := c.Allocator
	if a.MinSlabSize < 1 || a.MaxSlabSize < a.MinSlabSize {
		return errors.Newf("allocator: invalid slab bounds [%d, %d]", a.MinSlabSize, a.MaxSlabSize)
	}
	if a.GrowthFactor < 1 {
		return errors.Newf("allocator: invalid growth factor %d", a.GrowthFactor)
	}
	if a.MinRegionSize < 1 {
		return errors.Newf("allocator: invalid min region size %d", a.MinRegionSize)
	}
	for i, limit := range a.HeapSizeLimits {
		if limit < -1 {
			return errors.Newf("allocator: invalid size limit %d for heap %d", limit, i)
		}
	}
	if c.Commands.QueueCount < 1 {
		return errors.Newf("commands: invalid queue count %d", c.Commands.QueueCount)
	}
	if c.Pipelines.MaxFramesInFlight < 1 {
		return errors.Newf("pipelines: invalid max frames in flight %d", c.Pipelines.MaxFramesInFlight)
	}
	return nil
}

// Options converts the configuration to gpu.Options
func (c Config) Options() gpu.Options {
	var flags slab.CreateFlags
	if c.Allocator.Synchronized {
		flags |= slab.CreateInternallySynchronized
	}
	if c.Allocator.FirstFit {
		flags |= slab.CreateFirstFit
	}

	return gpu.Options{
		Allocator: slab.CreateOptions{
			Flags:          flags,
			MinSlabSize:    c.Allocator.MinSlabSize,
			MaxSlabSize:    c.Allocator.MaxSlabSize,
			GrowthFactor:   c.Allocator.GrowthFactor,
			MinRegionSize:  c.Allocator.MinRegionSize,
			HeapSizeLimits: c.Allocator.HeapSizeLimits,
		},
		Pipeline: pipeline.Options{
			MaxFramesInFlight: c.Pipelines.MaxFramesInFlight,
		},
		QueueCount:        c.Commands.QueueCount,
		SharedTransfer:    c.Commands.SharedTransfer,
		PipelineCachePath: c.Pipelines.CachePath,
		WatchShaders:      c.Pipelines.WatchShaders,
	}
}
