package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/slab"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 1024*1024, cfg.Allocator.MinSlabSize)
	require.Equal(t, 512*1024*1024, cfg.Allocator.MaxSlabSize)
	require.Equal(t, 4, cfg.Allocator.GrowthFactor)
	require.Equal(t, 256, cfg.Allocator.MinRegionSize)
	require.Equal(t, 2, cfg.Pipelines.MaxFramesInFlight)
	require.Equal(t, 1, cfg.Commands.QueueCount)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[allocator]
min_slab_size = 65536
heap_size_limits = [-1, 1048576]
synchronized = true
first_fit = true

[pipelines]
max_frames_in_flight = 3
cache_path = "cache.bin"
`))
	require.NoError(t, err)

	require.Equal(t, 65536, cfg.Allocator.MinSlabSize)
	require.Equal(t, slab.DefaultMaxSlabSize, cfg.Allocator.MaxSlabSize)
	require.Equal(t, []int{-1, 1048576}, cfg.Allocator.HeapSizeLimits)

	options := cfg.Options()
	require.Equal(t, slab.CreateInternallySynchronized|slab.CreateFirstFit, options.Allocator.Flags)
	require.Equal(t, 65536, options.Allocator.MinSlabSize)
	require.Equal(t, []int{-1, 1048576}, options.Allocator.HeapSizeLimits)
	require.Equal(t, 3, options.Pipeline.MaxFramesInFlight)
	require.Equal(t, "cache.bin", options.PipelineCachePath)
	require.Equal(t, 1, options.QueueCount)
	require.False(t, options.WatchShaders)
}

func TestParseRejectsUnknownSettings(t *testing.T) {
	_, err := Parse([]byte(`
[allocator]
min_slab_sise = 65536
`))
	require.ErrorContains(t, err, "unknown settings")
	require.ErrorContains(t, err, "min_slab_sise")
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	_, err := Parse([]byte(`
[allocator]
min_slab_size = 4096
max_slab_size = 1024
`))
	require.ErrorContains(t, err, "invalid slab bounds")

	_, err = Parse([]byte(`
[commands]
queue_count = 0
`))
	require.ErrorContains(t, err, "invalid queue count")

	_, err = Parse([]byte(`[allocator`))
	require.ErrorContains(t, err, "failed to parse config")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rava.toml")
	require.NoError(t, os.WriteFile(path, []byte("[commands]\nshared_transfer = true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Commands.SharedTransfer)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "failed to read config")
}
