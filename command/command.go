package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

type commandState int

const (
	stateAvailable commandState = iota
	stateRecording
	statePending
)

var stateNames = map[commandState]string{
	stateAvailable: "Available",
	stateRecording: "Recording",
	statePending:   "Pending",
}

func (s commandState) String() string {
	return stateNames[s]
}

// Command is a command buffer with its completion fence and the synchronization it carries into
// its submission. Commands are reused: once a submitted command completes on the device, it runs
// its callbacks and returns to its pool.
type Command struct {
	pool   *Pool
	buffer driver.CommandBuffer
	fence  driver.Fence
	state  commandState

	// seq advances every time the command is recycled, so Signals and callbacks from an
	// earlier use can be told apart from the current one
	seq uint64

	waits    []driver.SemaphoreWait
	consumed []*Signal
	signals  []*Signal

	callbacks []func()
	aborts    []func()
	done      chan struct{}
	aborted   bool
}

// Buffer is the command buffer to record into
func (c *Command) Buffer() driver.CommandBuffer {
	return c.buffer
}

// Pool is the pool the command belongs to
func (c *Command) Pool() *Pool {
	return c.pool
}

// Recording reports whether the command has been acquired and not yet submitted
func (c *Command) Recording() bool {
	return c.state == stateRecording
}

// Callback registers fn to run exactly once, after the device has finished executing this
// command. Callbacks run in registration order from Pool.Poll.
func (c *Command) Callback(fn func()) {
	c.callbacks = append(c.callbacks, fn)
}

// Completion returns a channel that is closed after this use of the command has finished and its
// callbacks have run. It is also closed if submission fails, in which case Aborted is true.
func (c *Command) Completion() <-chan struct{} {
	return c.done
}

// Aborted reports whether the most recent submission of this command failed
func (c *Command) Aborted() bool {
	return c.aborted
}

// OnAbort registers fn to run if submission fails. Abort hooks run in reverse registration
// order, so that each hook sees the state it saved.
func (c *Command) OnAbort(fn func()) {
	c.aborts = append(c.aborts, fn)
}

// Wait makes this command's submission wait for signal at stage. A signal produced by this
// command, a signal whose producer has already finished, or a released signal needs no wait.
// It is an error to wait on a signal that another command has already consumed.
func (c *Command) Wait(signal *Signal, stage driver.PipelineStage) error {
	if signal == nil || signal.producer == c || signal.released || signal.Complete() {
		return nil
	}
	if signal.consumed {
		return errors.AssertionFailedf("signal at stage %s has already been consumed", signal.stage)
	}

	signal.consumed = true
	c.consumed = append(c.consumed, signal)
	c.waits = append(c.waits, driver.SemaphoreWait{Stage: stage})
	return nil
}

// Dep makes this command's submission wait on a raw semaphore. The semaphore stays owned by
// the caller.
func (c *Command) Dep(semaphore driver.Semaphore, stage driver.PipelineStage) {
	c.waits = append(c.waits, driver.SemaphoreWait{Semaphore: semaphore, Stage: stage})
	c.consumed = append(c.consumed, nil)
}

// Signal creates a Signal that will be raised when this command completes at stage. The
// semaphore is created when the command is submitted.
func (c *Command) Signal(stage driver.PipelineStage) *Signal {
	signal := &Signal{
		pool:     c.pool,
		producer: c,
		seq:      c.seq,
		stage:    stage,
	}
	c.signals = append(c.signals, signal)
	return signal
}

// resolveWaits fills in the semaphores of consumed signals, which may not have existed when
// Wait was called
func (c *Command) resolveWaits() ([]driver.SemaphoreWait, error) {
	waits := make([]driver.SemaphoreWait, len(c.waits))
	copy(waits, c.waits)

	for i, signal := range c.consumed {
		if signal == nil {
			continue
		}
		if signal.semaphore == 0 {
			return nil, errors.AssertionFailedf("waiting on a signal at stage %s whose producer has not been submitted", signal.stage)
		}
		waits[i].Semaphore = signal.semaphore
	}

	return waits, nil
}

func (c *Command) clear() {
	c.waits = c.waits[:0]
	clear(c.consumed)
	c.consumed = c.consumed[:0]
	clear(c.signals)
	c.signals = c.signals[:0]
	clear(c.callbacks)
	c.callbacks = c.callbacks[:0]
	clear(c.aborts)
	c.aborts = c.aborts[:0]
}
