package main

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/gpu"
	"github.com/vkngwrapper/rava/pipeline"
	"github.com/vkngwrapper/rava/resource"
	"golang.org/x/exp/rand"
)

const scaleShader = `@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 3u;
}
`

type workloadOptions struct {
	Frames          int
	BuffersPerFrame int
	MaxSize         int
	Seed            uint64
}

type workloadStats struct {
	Frames      int
	Submissions int
	Created     int
	Destroyed   int
	PeakLive    int
	Downloads   int
	Mismatches  int
}

func (s workloadStats) printJson(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Frames").Int(s.Frames)
	obj.Name("Submissions").Int(s.Submissions)
	obj.Name("BuffersCreated").Int(s.Created)
	obj.Name("BuffersDestroyed").Int(s.Destroyed)
	obj.Name("PeakLiveBuffers").Int(s.PeakLive)
	obj.Name("Downloads").Int(s.Downloads)
	obj.Name("Mismatches").Int(s.Mismatches)
}

type liveBuffer struct {
	buffer *resource.Buffer
	data   []byte
}

type pendingDownload struct {
	readback *resource.Readback
	expected []byte
}

// workload creates, uploads, dispatches over, downloads and destroys buffers of random sizes.
// The simulated device does not run shaders, so every download must match its upload.
type workload struct {
	logger  *slog.Logger
	ctx     *gpu.Context
	options workloadOptions
	rng     *rand.Rand
	entry   *pipeline.Entry

	live      []liveBuffer
	downloads []pendingDownload
	stats     workloadStats
}

func newWorkload(logger *slog.Logger, ctx *gpu.Context, options workloadOptions) (*workload, error) {
	if options.Frames < 1 || options.BuffersPerFrame < 1 || options.MaxSize < 4 {
		return nil, errors.Newf("invalid workload %+v", options)
	}

	entry, err := ctx.Pipelines().GetOrBuild(pipeline.Params{
		Kind:    pipeline.KindCompute,
		Compute: pipeline.Shader{Source: scaleShader},
		Bindings: []driver.DescriptorBinding{
			{Binding: 0, Type: driver.DescriptorStorageBuffer, Stages: driver.ShaderStageCompute},
		},
	})
	if err != nil {
		return nil, err
	}

	return &workload{
		logger:  logger,
		ctx:     ctx,
		options: options,
		rng:     rand.New(rand.NewSource(options.Seed)),
		entry:   entry,
	}, nil
}

func (w *workload) run() error {
	maxFrames := w.ctx.Pipelines().Options().MaxFramesInFlight

	for frame := 0; frame < w.options.Frames; frame++ {
		for w.ctx.MainPool().PendingCount() >= maxFrames {
			_, err := w.ctx.Poll(command.Infinite)
			if err != nil {
				return err
			}
		}

		err := w.frame()
		if err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		w.stats.Frames++

		_, err = w.ctx.Poll(0)
		if err != nil {
			return err
		}
		w.collect()
	}

	err := w.ctx.WaitIdle()
	if err != nil {
		return err
	}
	w.collect()
	return nil
}

func (w *workload) frame() error {
	upload, err := w.ctx.AcquireTransfer()
	if err != nil {
		return err
	}

	created := make([]liveBuffer, 0, w.options.BuffersPerFrame)
	for i := 0; i < w.options.BuffersPerFrame; i++ {
		size := (1 + w.rng.Intn(w.options.MaxSize/4)) * 4
		buf, err := w.ctx.Resources().CreateBuffer(resource.BufferParams{
			Size:  size,
			Usage: driver.BufferUsageStorage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst,
		})
		if err != nil {
			return err
		}

		data := make([]byte, size)
		_, _ = w.rng.Read(data)
		err = w.ctx.Resources().Upload(upload, buf, 0, data)
		if err != nil {
			return err
		}

		created = append(created, liveBuffer{buffer: buf, data: data})
		w.stats.Created++
	}

	_, err = w.ctx.Flush(upload)
	if err != nil {
		return err
	}
	w.stats.Submissions++
	w.live = append(w.live, created...)
	w.stats.PeakLive = max(w.stats.PeakLive, len(w.live))

	compute, err := w.ctx.Acquire()
	if err != nil {
		return err
	}
	// One dispatch per frame, since each dispatch takes a set from the descriptor ring
	target := created[w.rng.Intn(len(created))]
	groups := (target.buffer.Size()/4 + 63) / 64
	err = w.entry.Dispatch(compute, []pipeline.Binding{{Binding: 0, Buffer: target.buffer}}, groups, 1, 1)
	if err != nil {
		return err
	}

	// Read a few buffers back and destroy some older ones while the device may still use them
	for i := 0; i < len(created)/4+1; i++ {
		live := created[w.rng.Intn(len(created))]
		readback, err := w.ctx.Resources().Download(compute, live.buffer, 0, live.buffer.Size())
		if err != nil {
			return err
		}
		w.downloads = append(w.downloads, pendingDownload{readback: readback, expected: live.data})
	}

	_, err = w.ctx.Flush(compute)
	if err != nil {
		return err
	}
	w.stats.Submissions++

	for len(w.live) > 0 && w.rng.Intn(3) != 0 {
		index := w.rng.Intn(len(w.live))
		w.ctx.Resources().DestroyBuffer(w.live[index].buffer)
		w.live[index] = w.live[len(w.live)-1]
		w.live = w.live[:len(w.live)-1]
		w.stats.Destroyed++
	}

	return nil
}

// collect checks every download that has finished
func (w *workload) collect() {
	remaining := w.downloads[:0]
	for _, download := range w.downloads {
		select {
		case <-download.readback.Done():
		default:
			remaining = append(remaining, download)
			continue
		}

		w.stats.Downloads++
		data, err := download.readback.Data()
		if err != nil || !bytes.Equal(data, download.expected) {
			w.stats.Mismatches++
			w.logger.LogAttrs(context.Background(), slog.LevelWarn, "download did not match upload",
				slog.Int("bytes", len(download.expected)),
				slog.Any("error", err))
		}
	}
	w.downloads = remaining
}

func (w *workload) release() {
	for _, live := range w.live {
		w.ctx.Resources().DestroyBuffer(live.buffer)
		w.stats.Destroyed++
	}
	w.live = nil
}
