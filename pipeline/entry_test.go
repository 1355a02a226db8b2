package pipeline

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/driver/sim"
	"github.com/vkngwrapper/rava/resource"
	"github.com/vkngwrapper/rava/slab"
)

type recordRig struct {
	device    *sim.Device
	allocator *slab.Allocator
	pool      *command.Pool
	manager   *resource.Manager
	cache     *Cache
}

func readyRecordRig(t *testing.T, options Options) *recordRig {
	device := sim.New(sim.Options{})
	logger := testLogger(io.Discard)

	allocator, err := slab.New(logger, device, slab.CreateOptions{})
	require.NoError(t, err)
	pool, err := command.NewPool(logger, device, 0, 1)
	require.NoError(t, err)

	manager := resource.NewManager(logger, device, allocator)
	cache, err := NewCache(logger, device, &fakeCompiler{version: "1"}, manager, options)
	require.NoError(t, err)

	return &recordRig{
		device:    device,
		allocator: allocator,
		pool:      pool,
		manager:   manager,
		cache:     cache,
	}
}

func (r *recordRig) record(t *testing.T, fn func(cmd *command.Command)) *sim.Submission {
	cmd, err := r.pool.Acquire()
	require.NoError(t, err)
	fn(cmd)
	_, err = r.pool.Submit(cmd)
	require.NoError(t, err)

	submissions := r.device.Submissions()
	return submissions[len(submissions)-1]
}

func (r *recordRig) complete(t *testing.T) {
	r.device.CompleteAll()
	_, err := r.pool.Poll(0)
	require.NoError(t, err)
}

func (r *recordRig) finish(t *testing.T, violations bool) {
	r.complete(t)
	r.cache.Destroy()
	require.NoError(t, r.pool.Destroy())
	require.NoError(t, r.allocator.Destroy())
	require.Empty(t, r.device.Leaks())
	if !violations {
		require.Empty(t, r.device.Violations())
	}
}

func opsOfKind(submission *sim.Submission, kind sim.OpKind) []sim.Op {
	var ops []sim.Op
	for _, op := range submission.Ops {
		if op.Kind == kind {
			ops = append(ops, op)
		}
	}
	return ops
}

func TestDispatchRotatesDescriptorRing(t *testing.T) {
	rig := readyRecordRig(t, Options{MaxFramesInFlight: 2})

	data, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 256, Usage: driver.BufferUsageStorage})
	require.NoError(t, err)
	uniforms, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 64, Usage: driver.BufferUsageUniform, HostVisible: true})
	require.NoError(t, err)

	entry, err := rig.cache.GetOrBuild(computeParams())
	require.NoError(t, err)
	ring := entry.Ring()

	bindings := []Binding{{Binding: 0, Buffer: data}, {Binding: 1, Buffer: uniforms}}
	dispatch := func(cmd *command.Command) {
		require.NoError(t, entry.Dispatch(cmd, bindings, 4, 1, 1))
	}

	first := rig.record(t, dispatch)
	second := rig.record(t, dispatch)
	rig.complete(t)
	third := rig.record(t, dispatch)

	// Each dispatch waits on the previous one while it is still pending
	require.Empty(t, first.Info.Waits)
	require.Len(t, second.Info.Waits, 2)
	require.Empty(t, third.Info.Waits)

	var used []driver.DescriptorSet
	for _, submission := range []*sim.Submission{first, second, third} {
		binds := opsOfKind(submission, sim.OpBindDescriptorSet)
		require.Len(t, binds, 1)
		require.Equal(t, entry.Layout(), binds[0].PipelineLayout)
		used = append(used, binds[0].DescriptorSet)

		dispatches := opsOfKind(submission, sim.OpDispatch)
		require.Equal(t, [3]int{4, 1, 1}, dispatches[0].Count)
	}
	require.Equal(t, []driver.DescriptorSet{ring[0], ring[1], ring[0]}, used)

	writes := rig.device.DescriptorWrites(ring[0])
	require.Equal(t, driver.DescriptorWrite{
		Binding: 0,
		Type:    driver.DescriptorStorageBuffer,
		Buffer:  data.Handle(),
		Offset:  data.Offset(),
		Size:    data.Size(),
	}, writes[0])
	require.Equal(t, uniforms.Handle(), writes[1].Buffer)

	rig.manager.DestroyBuffer(data)
	rig.manager.DestroyBuffer(uniforms)
	rig.finish(t, false)
}

func TestShortRingIsRewrittenWhilePending(t *testing.T) {
	rig := readyRecordRig(t, Options{MaxFramesInFlight: 1})

	data, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 64, Usage: driver.BufferUsageStorage})
	require.NoError(t, err)
	entry, err := rig.cache.GetOrBuild(computeParams())
	require.NoError(t, err)

	for range 2 {
		rig.record(t, func(cmd *command.Command) {
			require.NoError(t, entry.Dispatch(cmd, []Binding{{Binding: 0, Buffer: data}}, 1, 1, 1))
		})
	}

	// The ring is shorter than the number of commands in flight, which the device notices
	require.NotEmpty(t, rig.device.Violations())

	rig.manager.DestroyBuffer(data)
	rig.finish(t, true)
}

func TestDrawRecordsRenderTarget(t *testing.T) {
	rig := readyRecordRig(t, Options{})

	target, err := rig.manager.CreateTexture(resource.TextureParams{
		Format: driver.FormatB8G8R8A8Unorm,
		Extent: driver.Extent{Width: 8, Height: 8},
		Usage:  driver.ImageUsageColorAttachment,
	})
	require.NoError(t, err)
	sampled, err := rig.manager.CreateTexture(resource.TextureParams{
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent{Width: 4, Height: 4},
		Usage:  driver.ImageUsageSampled,
	})
	require.NoError(t, err)
	vertices, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 48, Usage: driver.BufferUsageVertex, HostVisible: true})
	require.NoError(t, err)

	renderTarget, err := rig.manager.RenderTarget(target)
	require.NoError(t, err)

	entry, err := rig.cache.GetOrBuild(graphicsParams())
	require.NoError(t, err)

	var drawn *command.Command
	submission := rig.record(t, func(cmd *command.Command) {
		drawn = cmd
		err := entry.Draw(cmd, target, vertices, 6, []Binding{{Binding: 0, Texture: sampled}})
		require.NoError(t, err)

		// Compute-only recording is refused
		require.Error(t, entry.Dispatch(cmd, nil, 1, 1, 1))
	})

	var kinds []sim.OpKind
	for _, op := range submission.Ops {
		if op.Kind != sim.OpBarrier {
			kinds = append(kinds, op.Kind)
		}
	}
	require.Equal(t, []sim.OpKind{
		sim.OpBeginRenderTarget,
		sim.OpBindPipeline,
		sim.OpBindDescriptorSet,
		sim.OpBindVertexBuffer,
		sim.OpDraw,
		sim.OpEndRenderTarget,
	}, kinds)

	require.Equal(t, renderTarget, opsOfKind(submission, sim.OpBeginRenderTarget)[0].RenderTarget)
	require.Equal(t, driver.BindPointGraphics, opsOfKind(submission, sim.OpBindPipeline)[0].BindPoint)
	require.Equal(t, [3]int{6, 1, 1}, opsOfKind(submission, sim.OpDraw)[0].Count)
	require.Equal(t, sampled.Image(), rig.device.DescriptorWrites(entry.Ring()[0])[0].Image)

	// The draw barriered and signaled everything it touched
	recorded := opsOfKind(submission, sim.OpBarrier)
	require.Len(t, recorded, 3)
	require.Equal(t, driver.StageFragmentShader, recorded[0].Barrier.DstStage)
	require.Equal(t, driver.LayoutShaderReadOnlyOptimal, recorded[0].Barrier.Images[0].NewLayout)
	require.Equal(t, driver.StageColorAttachmentOutput, recorded[1].Barrier.DstStage)
	require.Equal(t, driver.LayoutColorAttachmentOptimal, recorded[1].Barrier.Images[0].NewLayout)
	require.Equal(t, driver.AccessVertexAttributeRead, recorded[2].Barrier.Buffers[0].DstAccess)
	for _, state := range []resource.State{target.State(), sampled.State(), vertices.State()} {
		require.NotNil(t, state.Signal)
		require.Same(t, drawn, state.Signal.Producer())
	}

	rig.manager.DestroyTexture(target)
	rig.manager.DestroyTexture(sampled)
	rig.manager.DestroyBuffer(vertices)
	rig.finish(t, false)
}

func TestBindingValidation(t *testing.T) {
	rig := readyRecordRig(t, Options{})

	tex, err := rig.manager.CreateTexture(resource.TextureParams{
		Format: driver.FormatR8Unorm,
		Extent: driver.Extent{Width: 4},
	})
	require.NoError(t, err)

	entry, err := rig.cache.GetOrBuild(computeParams())
	require.NoError(t, err)

	rig.record(t, func(cmd *command.Command) {
		require.Error(t, entry.Dispatch(cmd, []Binding{{Binding: 5, Texture: tex}}, 1, 1, 1))
		require.Error(t, entry.Dispatch(cmd, []Binding{{Binding: 0, Texture: tex}}, 1, 1, 1))
		require.Error(t, entry.Dispatch(cmd, nil, 0, 1, 1))
		require.Error(t, entry.Draw(cmd, nil, nil, 3, nil))
	})

	// Rejected calls record nothing
	require.Empty(t, rig.device.Submissions()[0].Ops)

	rig.manager.DestroyTexture(tex)
	rig.finish(t, false)
}

func TestInvalidateWaitsForPendingCommands(t *testing.T) {
	rig := readyRecordRig(t, Options{})

	params := Params{Kind: KindCompute, Compute: Shader{Source: "no bindings"}}
	entry, err := rig.cache.GetOrBuild(params)
	require.NoError(t, err)
	require.Empty(t, entry.Ring())

	submission := rig.record(t, func(cmd *command.Command) {
		require.NoError(t, entry.Dispatch(cmd, nil, 2, 2, 1))
	})
	require.Empty(t, opsOfKind(submission, sim.OpBindDescriptorSet))

	require.True(t, rig.cache.Invalidate(params.Key()))
	require.False(t, rig.cache.Invalidate(params.Key()))
	require.True(t, entry.Invalidated())
	require.Zero(t, rig.cache.Len())
	require.Equal(t, 1, rig.device.PipelineCount())

	rig.record(t, func(cmd *command.Command) {
		require.ErrorIs(t, entry.Dispatch(cmd, nil, 1, 1, 1), ErrInvalidated)
	})

	rig.complete(t)
	require.Zero(t, rig.device.PipelineCount())

	rebuilt, err := rig.cache.GetOrBuild(params)
	require.NoError(t, err)
	require.NotSame(t, entry, rebuilt)

	rig.finish(t, false)
}

func TestDispatchWaitsOnUploadFromAnotherPool(t *testing.T) {
	rig := readyRecordRig(t, Options{})

	transfer, err := command.NewPool(testLogger(io.Discard), rig.device, 1, 1)
	require.NoError(t, err)

	data, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 64, Usage: driver.BufferUsageStorage})
	require.NoError(t, err)
	uniforms, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 16, Usage: driver.BufferUsageUniform, HostVisible: true})
	require.NoError(t, err)
	entry, err := rig.cache.GetOrBuild(computeParams())
	require.NoError(t, err)

	upload, err := transfer.Acquire()
	require.NoError(t, err)
	require.NoError(t, rig.manager.Upload(upload, data, 0, make([]byte, 64)))
	_, err = transfer.Submit(upload)
	require.NoError(t, err)
	uploaded := rig.device.Submissions()[0]

	submission := rig.record(t, func(cmd *command.Command) {
		require.NoError(t, entry.Dispatch(cmd, []Binding{{Binding: 0, Buffer: data}, {Binding: 1, Buffer: uniforms}}, 1, 1, 1))
	})
	require.Equal(t, []driver.SemaphoreWait{{Semaphore: uploaded.Info.Signals[0], Stage: driver.StageComputeShader}}, submission.Info.Waits)

	recorded := opsOfKind(submission, sim.OpBarrier)
	require.Len(t, recorded, 2)
	require.Equal(t, driver.AccessTransferWrite, recorded[0].Barrier.Buffers[0].SrcAccess)
	require.Equal(t, driver.AccessShaderWrite, recorded[0].Barrier.Buffers[0].DstAccess)
	require.Equal(t, driver.AccessShaderRead, recorded[1].Barrier.Buffers[0].DstAccess)

	rig.device.CompleteAll()
	require.NoError(t, transfer.WaitIdle())
	require.NoError(t, transfer.Destroy())

	rig.manager.DestroyBuffer(data)
	rig.manager.DestroyBuffer(uniforms)
	rig.finish(t, false)
}

func TestDestroyedBindingIsRejected(t *testing.T) {
	rig := readyRecordRig(t, Options{})

	data, err := rig.manager.CreateBuffer(resource.BufferParams{Size: 64, Usage: driver.BufferUsageStorage})
	require.NoError(t, err)
	entry, err := rig.cache.GetOrBuild(computeParams())
	require.NoError(t, err)
	rig.manager.DestroyBuffer(data)

	submission := rig.record(t, func(cmd *command.Command) {
		require.Error(t, entry.Dispatch(cmd, []Binding{{Binding: 0, Buffer: data}}, 1, 1, 1))
	})
	require.Empty(t, submission.Ops)
	require.Zero(t, rig.manager.LiveBuffers())

	rig.finish(t, false)
}
