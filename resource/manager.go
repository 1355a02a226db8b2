package resource

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/slab"
)

// Manager creates buffers and textures and keeps track of how each was last used, so that
// commands using them can be given the barriers and semaphore waits they need.
//
// The Manager is pure bookkeeping over a device and an allocator. Like the command pools it
// works with, it is not safe for concurrent use.
type Manager struct {
	logger    *slog.Logger
	device    driver.Device
	allocator *slab.Allocator

	liveBuffers  int
	liveTextures int
}

// NewManager creates a Manager that allocates from allocator
func NewManager(logger *slog.Logger, device driver.Device, allocator *slab.Allocator) *Manager {
	return &Manager{
		logger:    logger,
		device:    device,
		allocator: allocator,
	}
}

// LiveBuffers is the number of buffers that have been created and not yet released
func (m *Manager) LiveBuffers() int {
	return m.liveBuffers
}

// LiveTextures is the number of textures that have been created and not yet released
func (m *Manager) LiveTextures() int {
	return m.liveTextures
}

// tracked is the hazard state shared by buffers and textures
type tracked struct {
	state State

	// uses counts commands that have used the resource and not yet finished. A destroyed
	// resource is released once it drops to zero.
	uses    int
	doomed  bool
	release func()
}

// use keeps the resource alive until cmd either completes or fails to submit
func (t *tracked) use(cmd *command.Command) {
	t.uses++

	done := func() {
		t.uses--
		if t.uses == 0 && t.doomed {
			t.release()
		}
	}
	cmd.Callback(done)
	cmd.OnAbort(done)
}

// destroy releases the resource now if no command is using it, and otherwise as soon as the
// last command using it finishes
func (t *tracked) destroy() {
	if t.doomed {
		return
	}
	t.doomed = true

	if t.state.Signal != nil && !t.state.Signal.Consumed() {
		t.state.Signal.Release()
	}
	t.state.Signal = nil

	if t.uses == 0 {
		t.release()
	}
}

// checkAlive panics if the resource has been destroyed. Recording a destroyed resource would
// release its memory a second time once the command finished.
func (t *tracked) checkAlive() {
	if t.doomed {
		panic(errors.AssertionFailedf("recording a resource after it was destroyed"))
	}
}

// acquire turns an outstanding signal from another command into a wait by cmd and registers
// an abort hook that restores the state as it was before cmd touched it
func (t *tracked) acquire(cmd *command.Command, stage driver.PipelineStage) State {
	t.checkAlive()
	previous := t.state

	signal := t.state.Signal
	if signal != nil && signal.Producer() != cmd {
		// A signal some other command already took as a wait has no semaphore left for cmd.
		// That command is ordered after the producer, so the hazard is already covered.
		if !signal.Consumed() {
			// Wait only fails for consumed signals
			_ = cmd.Wait(signal, stage)
		}
		t.state.Signal = nil
	}

	cmd.OnAbort(func() {
		t.state = previous
	})
	t.use(cmd)

	return previous
}

// attachSignal replaces the resource's outstanding signal with a new one produced by cmd
func (t *tracked) attachSignal(cmd *command.Command, stage driver.PipelineStage) *command.Signal {
	t.checkAlive()
	previous := t.state.Signal
	if previous != nil && !previous.Consumed() {
		previous.Release()
	}

	signal := cmd.Signal(stage)
	t.state.Signal = signal

	cmd.OnAbort(func() {
		if previous != nil {
			previous.Retain()
		}
		t.state.Signal = previous
	})
	t.use(cmd)

	return signal
}

func sourceStage(stage driver.PipelineStage) driver.PipelineStage {
	if stage == 0 {
		return driver.StageTopOfPipe
	}
	return stage
}

// BarrierTexture prepares tex for use by cmd in role at stage. If another command's signal is
// outstanding on the texture, cmd waits on it. A pipeline barrier is recorded only if the stage,
// access or layout differ from the texture's last use. If discard is set, the texture's current
// contents are not preserved, and the transition is from an undefined layout. Barriering a
// destroyed texture panics.
func (m *Manager) BarrierTexture(cmd *command.Command, tex *Texture, stage driver.PipelineStage, role Role, discard bool) {
	previous := tex.acquire(cmd, stage)

	access := RoleAccess(role)
	layout := RoleLayout(role)

	if previous.Stage != stage || previous.Access != access || previous.Layout != layout {
		oldLayout := previous.Layout
		srcAccess := previous.Access
		if discard {
			oldLayout = driver.LayoutUndefined
			srcAccess = 0
		}

		m.device.CmdPipelineBarrier(cmd.Buffer(), driver.Barrier{
			SrcStage: sourceStage(previous.Stage),
			DstStage: stage,
			Images: []driver.ImageBarrier{
				{
					Image:     tex.image,
					OldLayout: oldLayout,
					NewLayout: layout,
					SrcAccess: srcAccess,
					DstAccess: access,
				},
			},
		})
	}

	tex.state.Stage = stage
	tex.state.Access = access
	tex.state.Layout = layout
}

// BarrierBuffer prepares buf for use by cmd in role at stage. If another command's signal is
// outstanding on the buffer, cmd waits on it. A pipeline barrier is recorded only if the stage
// or access differ from the buffer's last use. Barriering a destroyed buffer panics.
func (m *Manager) BarrierBuffer(cmd *command.Command, buf *Buffer, stage driver.PipelineStage, role Role) {
	previous := buf.acquire(cmd, stage)

	access := RoleAccess(role)
	if previous.Stage != stage || previous.Access != access {
		m.device.CmdPipelineBarrier(cmd.Buffer(), driver.Barrier{
			SrcStage: sourceStage(previous.Stage),
			DstStage: stage,
			Buffers: []driver.BufferBarrier{
				{
					Buffer:    buf.Handle(),
					Offset:    buf.Offset(),
					Size:      buf.Size(),
					SrcAccess: previous.Access,
					DstAccess: access,
				},
			},
		})
	}

	buf.state.Stage = stage
	buf.state.Access = access
}

// SignalTexture attaches a new signal to tex that cmd raises when it completes at stage. Any
// signal already outstanding on tex is superseded and released.
func (m *Manager) SignalTexture(cmd *command.Command, tex *Texture, stage driver.PipelineStage) *command.Signal {
	return tex.attachSignal(cmd, stage)
}

// SignalBuffer attaches a new signal to buf that cmd raises when it completes at stage. Any
// signal already outstanding on buf is superseded and released.
func (m *Manager) SignalBuffer(cmd *command.Command, buf *Buffer, stage driver.PipelineStage) *command.Signal {
	return buf.attachSignal(cmd, stage)
}

func (m *Manager) logReleaseError(kind string, err error) {
	m.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release "+kind,
		slog.Any("error", err))
}
