package command

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

// Infinite is a Poll timeout that waits until the oldest pending command completes
const Infinite = time.Duration(math.MaxInt64)

// Pool hands out Commands for one queue family and tracks them from recording through
// completion. A Pool is not safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	device driver.CommandDevice

	family       int
	handle       driver.CommandPool
	queues       []driver.Queue
	currentQueue int

	commands   []*Command
	available  []*Command
	pending    []*Command
	semaphores []driver.Semaphore

	err       error
	destroyed bool
}

// NewPool creates a pool submitting to the first queueCount queues of a queue family
func NewPool(logger *slog.Logger, device driver.CommandDevice, family int, queueCount int) (*Pool, error) {
	props := device.Properties()
	if family < 0 || family >= len(props.QueueFamilies) {
		return nil, errors.AssertionFailedf("queue family %d out of range", family)
	}
	if queueCount < 1 || queueCount > props.QueueFamilies[family].QueueCount {
		return nil, errors.AssertionFailedf("queue family %d has %d queues, but %d were requested",
			family, props.QueueFamilies[family].QueueCount, queueCount)
	}

	handle, err := device.CreateCommandPool(family)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to create command pool for queue family %d", family), ErrDevice)
	}

	queues := make([]driver.Queue, 0, queueCount)
	for i := 0; i < queueCount; i++ {
		queues = append(queues, device.GetQueue(family, i))
	}

	return &Pool{
		logger: logger,
		device: device,
		family: family,
		handle: handle,
		queues: queues,
	}, nil
}

// Family is the queue family the pool submits to
func (p *Pool) Family() int {
	return p.family
}

// Queue is the queue the next submission will go to
func (p *Pool) Queue() driver.Queue {
	return p.queues[p.currentQueue]
}

// RotateQueues moves later submissions to the next queue of the family, round-robin
func (p *Pool) RotateQueues() {
	p.currentQueue = (p.currentQueue + 1) % len(p.queues)
}

// PendingCount is the number of submitted commands that have not yet been seen to complete
func (p *Pool) PendingCount() int {
	return len(p.pending)
}

// Err returns the error that put the pool in a failed state, or nil
func (p *Pool) Err() error {
	return p.err
}

func (p *Pool) fail(err error) error {
	p.err = errors.Mark(err, ErrDevice)
	p.logger.LogAttrs(context.Background(), slog.LevelError, "command pool failed",
		slog.Int("family", p.family),
		slog.Any("error", p.err),
	)
	return p.err
}

// Acquire returns a Command that is ready for recording. Completed commands are reclaimed
// first, so a command that was submitted and has finished is reused before a new one is created.
func (p *Pool) Acquire() (*Command, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.destroyed {
		return nil, errors.AssertionFailed("acquiring from a destroyed command pool")
	}

	_, err := p.Poll(0)
	if err != nil {
		return nil, err
	}

	var cmd *Command
	if len(p.available) > 0 {
		cmd = p.available[0]
		p.available = p.available[1:]
	} else {
		cmd, err = p.create()
		if err != nil {
			return nil, p.fail(err)
		}
	}

	err = p.device.BeginCommandBuffer(cmd.buffer)
	if err != nil {
		p.available = append(p.available, cmd)
		return nil, p.fail(errors.Wrap(err, "failed to begin command buffer"))
	}

	cmd.state = stateRecording
	cmd.aborted = false
	cmd.done = make(chan struct{})
	return cmd, nil
}

func (p *Pool) create() (*Command, error) {
	buffer, err := p.device.AllocateCommandBuffer(p.handle)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate command buffer")
	}

	fence, err := p.device.CreateFence(false)
	if err != nil {
		p.device.FreeCommandBuffer(p.handle, buffer)
		return nil, errors.Wrap(err, "failed to create fence")
	}

	cmd := &Command{
		pool:   p,
		buffer: buffer,
		fence:  fence,
	}
	p.commands = append(p.commands, cmd)
	return cmd, nil
}

func (p *Pool) acquireSemaphore() (driver.Semaphore, error) {
	if n := len(p.semaphores); n > 0 {
		semaphore := p.semaphores[n-1]
		p.semaphores = p.semaphores[:n-1]
		return semaphore, nil
	}

	semaphore, err := p.device.CreateSemaphore()
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "failed to create semaphore"), ErrDevice)
	}
	return semaphore, nil
}

// recycleSemaphore returns an unsignaled semaphore to the free list
func (p *Pool) recycleSemaphore(semaphore driver.Semaphore) {
	if p.destroyed {
		p.device.DestroySemaphore(semaphore)
		return
	}
	p.semaphores = append(p.semaphores, semaphore)
}

func (p *Pool) destroySemaphore(semaphore driver.Semaphore) {
	p.device.DestroySemaphore(semaphore)
}

// Submit ends recording and submits the command to the pool's current queue. The returned
// Signal is raised when the whole command has completed.
//
// If submission fails, the command is returned to the pool unsubmitted: its callbacks are
// discarded, its abort hooks run, and any signals it consumed may be consumed again. The
// returned error is marked with ErrSubmission.
func (p *Pool) Submit(cmd *Command) (*Signal, error) {
	if cmd.pool != p {
		return nil, errors.AssertionFailed("submitting a command to a pool it does not belong to")
	}
	if cmd.state != stateRecording {
		return nil, errors.AssertionFailedf("submitting a command in state %s", cmd.state)
	}

	completion := cmd.Signal(driver.StageAllCommands)

	err := p.submit(cmd)
	if err != nil {
		p.abort(cmd)
		return nil, errors.Mark(errors.Wrapf(err, "failed to submit to queue family %d", p.family), ErrSubmission)
	}

	cmd.state = statePending
	p.pending = append(p.pending, cmd)
	return completion, nil
}

func (p *Pool) submit(cmd *Command) error {
	err := p.device.EndCommandBuffer(cmd.buffer)
	if err != nil {
		return errors.Wrap(err, "failed to end command buffer")
	}

	err = p.device.ResetFence(cmd.fence)
	if err != nil {
		return errors.Wrap(err, "failed to reset fence")
	}

	waits, err := cmd.resolveWaits()
	if err != nil {
		return err
	}

	signals := make([]driver.Semaphore, 0, len(cmd.signals))
	for _, signal := range cmd.signals {
		if signal.released && !signal.consumed {
			continue
		}

		signal.semaphore, err = p.acquireSemaphore()
		if err != nil {
			return err
		}
		signals = append(signals, signal.semaphore)
	}

	return p.device.QueueSubmit(p.Queue(), driver.SubmitInfo{
		CommandBuffer: cmd.buffer,
		Waits:         waits,
		Signals:       signals,
	}, cmd.fence)
}

func (p *Pool) abort(cmd *Command) {
	if len(cmd.callbacks) > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "discarding callbacks of failed submission",
			slog.Int("family", p.family),
			slog.Int("callbacks", len(cmd.callbacks)),
		)
	}

	for i := len(cmd.aborts) - 1; i >= 0; i-- {
		cmd.aborts[i]()
	}

	for _, signal := range cmd.consumed {
		if signal != nil {
			signal.unconsume()
		}
	}

	// Semaphores handed out for this submission were never signaled
	for _, signal := range cmd.signals {
		if signal.semaphore != 0 {
			p.recycleSemaphore(signal.semaphore)
			signal.semaphore = 0
		}
	}

	err := p.device.ResetCommandBuffer(cmd.buffer)
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to reset aborted command buffer",
			slog.Any("error", err))
	}

	cmd.aborted = true
	cmd.seq++
	cmd.clear()
	cmd.state = stateAvailable
	close(cmd.done)
	p.available = append(p.available, cmd)
}

// Poll reclaims completed commands, oldest first. The oldest pending command is waited on for
// up to timeout, and every later one is only checked. Polling stops at the first command that
// has not completed. Poll returns whether any commands remain pending.
func (p *Pool) Poll(timeout time.Duration) (bool, error) {
	if p.err != nil {
		return len(p.pending) > 0, p.err
	}

	for len(p.pending) > 0 {
		cmd := p.pending[0]

		done, err := p.device.WaitFence(cmd.fence, timeout)
		if err != nil {
			return true, p.fail(errors.Wrap(err, "failed to wait for command completion"))
		}
		if !done {
			break
		}

		p.pending = p.pending[1:]
		p.complete(cmd)
		timeout = 0
	}

	return len(p.pending) > 0, nil
}

func (p *Pool) complete(cmd *Command) {
	for _, callback := range cmd.callbacks {
		callback()
	}
	close(cmd.done)

	// This command's waits have finished, so the semaphores it consumed are unsignaled again
	for _, signal := range cmd.consumed {
		if signal == nil || signal.external || signal.semaphore == 0 {
			continue
		}
		signal.pool.recycleSemaphore(signal.semaphore)
		signal.semaphore = 0
	}

	// Signaled semaphores nobody waited on can't be signaled again
	for _, signal := range cmd.signals {
		if signal.consumed || signal.semaphore == 0 {
			continue
		}
		p.destroySemaphore(signal.semaphore)
		signal.semaphore = 0
	}

	err := p.device.ResetCommandBuffer(cmd.buffer)
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to reset completed command buffer",
			slog.Any("error", err))
	}

	cmd.seq++
	cmd.clear()
	cmd.state = stateAvailable
	p.available = append(p.available, cmd)
}

// WaitIdle blocks until every submitted command has completed and been reclaimed
func (p *Pool) WaitIdle() error {
	for len(p.pending) > 0 {
		before := len(p.pending)

		_, err := p.Poll(Infinite)
		if err != nil {
			return err
		}
		if len(p.pending) == before {
			return p.fail(errors.Newf("fence of queue family %d did not signal during an unbounded wait", p.family))
		}
	}

	return nil
}

// Destroy waits for all work to complete and then destroys the pool and every object it created.
// Commands that are still recording are destroyed without being submitted. If the pool has
// failed, the whole device is waited on instead and pending commands are reclaimed regardless.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}

	err := p.WaitIdle()
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "destroying command pool with unfinished work",
			slog.Int("family", p.family),
			slog.Any("error", err))

		if waitErr := p.device.WaitIdle(); waitErr != nil {
			err = errors.CombineErrors(err, waitErr)
		}
		for _, cmd := range p.pending {
			p.complete(cmd)
		}
	}

	for _, cmd := range p.commands {
		p.device.FreeCommandBuffer(p.handle, cmd.buffer)
		p.device.DestroyFence(cmd.fence)
	}
	for _, semaphore := range p.semaphores {
		p.device.DestroySemaphore(semaphore)
	}
	p.device.DestroyCommandPool(p.handle)

	p.commands = nil
	p.available = nil
	p.pending = nil
	p.semaphores = nil
	p.destroyed = true
	return err
}
