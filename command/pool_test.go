package command

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/driver/sim"
)

func readyPool(t *testing.T, options sim.Options, queueCount int) (*sim.Device, *Pool) {
	device := sim.New(options)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool, err := NewPool(logger, device, 0, queueCount)
	require.NoError(t, err)

	return device, pool
}

func destroyPool(t *testing.T, device *sim.Device, pool *Pool) {
	require.NoError(t, pool.Destroy())
	require.Empty(t, device.Leaks())
	require.Empty(t, device.Violations())
}

func TestCallbacksRunAfterCompletion(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	require.True(t, cmd.Recording())
	buffer := cmd.Buffer()

	var calls []int
	cmd.Callback(func() { calls = append(calls, 1) })
	cmd.Callback(func() { calls = append(calls, 2) })

	_, err = pool.Submit(cmd)
	require.NoError(t, err)
	require.False(t, cmd.Recording())

	pending, err := pool.Poll(0)
	require.NoError(t, err)
	require.True(t, pending)
	require.Empty(t, calls)

	select {
	case <-cmd.Completion():
		t.Fatal("completion closed before the device finished")
	default:
	}

	require.True(t, device.CompleteNext())
	pending, err = pool.Poll(0)
	require.NoError(t, err)
	require.False(t, pending)
	require.Equal(t, []int{1, 2}, calls)

	select {
	case <-cmd.Completion():
	default:
		t.Fatal("completion was not closed")
	}
	require.False(t, cmd.Aborted())

	// Callbacks never run twice
	_, err = pool.Poll(0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, calls)

	// The completed command is reused
	again, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, buffer, again.Buffer())
	_, err = pool.Submit(again)
	require.NoError(t, err)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestPollStopsAtFirstIncomplete(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	var completed []int
	for i := range 3 {
		cmd, err := pool.Acquire()
		require.NoError(t, err)
		cmd.Callback(func() { completed = append(completed, i) })
		_, err = pool.Submit(cmd)
		require.NoError(t, err)
	}
	require.Equal(t, 3, pool.PendingCount())

	require.True(t, device.CompleteNext())
	pending, err := pool.Poll(0)
	require.NoError(t, err)
	require.True(t, pending)
	require.Equal(t, []int{0}, completed)
	require.Equal(t, 2, pool.PendingCount())

	device.CompleteAll()
	pending, err = pool.Poll(0)
	require.NoError(t, err)
	require.False(t, pending)
	require.Equal(t, []int{0, 1, 2}, completed)

	destroyPool(t, device, pool)
}

func TestSignalBecomesSemaphoreWait(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	producer, err := pool.Acquire()
	require.NoError(t, err)
	signal := producer.Signal(driver.StageTransfer)
	_, err = pool.Submit(producer)
	require.NoError(t, err)
	require.NotZero(t, signal.Semaphore())
	require.Same(t, producer, signal.Producer())

	consumer, err := pool.Acquire()
	require.NoError(t, err)
	require.NotSame(t, producer, consumer)
	require.NoError(t, consumer.Wait(signal, driver.StageFragmentShader))
	require.True(t, signal.Consumed())
	_, err = pool.Submit(consumer)
	require.NoError(t, err)

	submissions := device.Submissions()
	require.Len(t, submissions, 2)
	require.Contains(t, submissions[0].Info.Signals, signal.Semaphore())
	require.Equal(t, []driver.SemaphoreWait{
		{Semaphore: signal.Semaphore(), Stage: driver.StageFragmentShader},
	}, submissions[1].Info.Waits)

	device.CompleteAll()
	pending, err := pool.Poll(0)
	require.NoError(t, err)
	require.False(t, pending)
	require.True(t, signal.Complete())

	destroyPool(t, device, pool)
}

func TestWaitIsSkippedWhenUnneeded(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	own := cmd.Signal(driver.StageTransfer)
	require.NoError(t, cmd.Wait(own, driver.StageComputeShader))
	require.False(t, own.Consumed())
	completion, err := pool.Submit(cmd)
	require.NoError(t, err)

	device.CompleteAll()
	_, err = pool.Poll(0)
	require.NoError(t, err)
	require.True(t, completion.Complete())

	next, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, next.Wait(completion, driver.StageComputeShader))
	require.NoError(t, next.Wait(nil, driver.StageComputeShader))
	_, err = pool.Submit(next)
	require.NoError(t, err)

	submissions := device.Submissions()
	require.Empty(t, submissions[len(submissions)-1].Info.Waits)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestSignalConsumedOnce(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	producer, err := pool.Acquire()
	require.NoError(t, err)
	signal, err := pool.Submit(producer)
	require.NoError(t, err)

	first, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, first.Wait(signal, driver.StageTransfer))

	second, err := pool.Acquire()
	require.NoError(t, err)
	require.Error(t, second.Wait(signal, driver.StageTransfer))

	_, err = pool.Submit(first)
	require.NoError(t, err)
	_, err = pool.Submit(second)
	require.NoError(t, err)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestReleasedSignalCreatesNoSemaphore(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	released := cmd.Signal(driver.StageTransfer)
	released.Release()
	kept := cmd.Signal(driver.StageTransfer)
	_, err = pool.Submit(cmd)
	require.NoError(t, err)

	require.Zero(t, released.Semaphore())
	require.NotZero(t, kept.Semaphore())
	// One for kept, one for the completion signal
	require.Len(t, device.Submissions()[0].Info.Signals, 2)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestSubmitFailureRestoresState(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	producer, err := pool.Acquire()
	require.NoError(t, err)
	signal, err := pool.Submit(producer)
	require.NoError(t, err)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, cmd.Wait(signal, driver.StageTransfer))

	ran := false
	cmd.Callback(func() { ran = true })
	var undo []int
	cmd.OnAbort(func() { undo = append(undo, 1) })
	cmd.OnAbort(func() { undo = append(undo, 2) })

	device.FailSubmit = func(queue driver.Queue, submit driver.SubmitInfo) error {
		return errors.Wrap(driver.ErrDeviceLost, "simulated")
	}
	_, err = pool.Submit(cmd)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubmission))
	require.True(t, errors.Is(err, driver.ErrDeviceLost))

	require.Equal(t, []int{2, 1}, undo)
	require.False(t, signal.Consumed())
	require.True(t, cmd.Aborted())
	select {
	case <-cmd.Completion():
	default:
		t.Fatal("completion of an aborted command was not closed")
	}

	device.FailSubmit = nil
	device.CompleteAll()
	_, err = pool.Poll(0)
	require.NoError(t, err)
	require.False(t, ran)

	// The pool is still usable, and the aborted command is reused
	retry, err := pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Submit(retry)
	require.NoError(t, err)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestUnconsumeAfterProducerCompleted(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	producer, err := pool.Acquire()
	require.NoError(t, err)
	signal, err := pool.Submit(producer)
	require.NoError(t, err)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, cmd.Wait(signal, driver.StageTransfer))

	// The producer finishes while the consumer is still recording
	device.CompleteAll()
	_, err = pool.Poll(0)
	require.NoError(t, err)

	device.FailSubmit = func(queue driver.Queue, submit driver.SubmitInfo) error {
		return errors.New("simulated")
	}
	_, err = pool.Submit(cmd)
	require.Error(t, err)
	require.Zero(t, signal.Semaphore())

	device.FailSubmit = nil
	destroyPool(t, device, pool)
}

func TestWaitOnUnsubmittedProducer(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	producer, err := pool.Acquire()
	require.NoError(t, err)
	signal := producer.Signal(driver.StageTransfer)

	consumer, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, consumer.Wait(signal, driver.StageTransfer))

	_, err = pool.Submit(consumer)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubmission))
	require.False(t, signal.Consumed())

	_, err = pool.Submit(producer)
	require.NoError(t, err)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestAcquireFailureMarksPoolFailed(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	device.FailCreate = func(kind string) error {
		if kind == "fence" {
			return errors.Wrap(driver.ErrOutOfHostMemory, "simulated")
		}
		return nil
	}

	_, err := pool.Acquire()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDevice))
	require.True(t, errors.Is(err, driver.ErrOutOfHostMemory))
	require.Same(t, err, pool.Err())

	device.FailCreate = nil
	_, err = pool.Acquire()
	require.Same(t, pool.Err(), err)

	destroyPool(t, device, pool)
}

func TestSemaphoreCreationFailure(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	cmd, err := pool.Acquire()
	require.NoError(t, err)

	device.FailCreate = func(kind string) error {
		if kind == "semaphore" {
			return errors.New("simulated")
		}
		return nil
	}
	_, err = pool.Submit(cmd)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubmission))
	require.True(t, errors.Is(err, ErrDevice))
	require.Empty(t, device.Submissions())

	device.FailCreate = nil
	destroyPool(t, device, pool)
}

func TestRotateQueues(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 2)

	first := pool.Queue()
	for range 4 {
		cmd, err := pool.Acquire()
		require.NoError(t, err)
		_, err = pool.Submit(cmd)
		require.NoError(t, err)
		pool.RotateQueues()
	}
	require.Equal(t, first, pool.Queue())

	submissions := device.Submissions()
	require.Equal(t, submissions[0].Queue, submissions[2].Queue)
	require.Equal(t, submissions[1].Queue, submissions[3].Queue)
	require.NotEqual(t, submissions[0].Queue, submissions[1].Queue)

	device.CompleteAll()
	destroyPool(t, device, pool)
}

func TestNewPoolValidatesQueues(t *testing.T) {
	device := sim.New(sim.Options{})
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := NewPool(logger, device, 7, 1)
	require.Error(t, err)
	_, err = NewPool(logger, device, 1, 2)
	require.Error(t, err)
	require.Empty(t, device.Leaks())
}

func TestWaitIdle(t *testing.T) {
	device, pool := readyPool(t, sim.Options{AutoComplete: true}, 1)

	count := 0
	for range 3 {
		cmd, err := pool.Acquire()
		require.NoError(t, err)
		cmd.Callback(func() { count++ })
		_, err = pool.Submit(cmd)
		require.NoError(t, err)
	}

	require.NoError(t, pool.WaitIdle())
	require.Equal(t, 3, count)
	require.Zero(t, pool.PendingCount())

	destroyPool(t, device, pool)
}

func TestWaitIdleWithoutProgress(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Submit(cmd)
	require.NoError(t, err)

	err = pool.WaitIdle()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDevice))

	// Destroy falls back to idling the whole device
	require.Error(t, pool.Destroy())
	require.Empty(t, device.Leaks())
	require.Empty(t, device.Violations())
}

func TestExternalSignal(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	semaphore, err := device.CreateSemaphore()
	require.NoError(t, err)
	require.NoError(t, device.SignalSemaphore(semaphore))

	external := NewExternalSignal(semaphore, driver.StageColorAttachmentOutput)
	require.True(t, external.External())
	require.False(t, external.Complete())

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, cmd.Wait(external, driver.StageColorAttachmentOutput))
	_, err = pool.Submit(cmd)
	require.NoError(t, err)

	require.Equal(t, []driver.SemaphoreWait{
		{Semaphore: semaphore, Stage: driver.StageColorAttachmentOutput},
	}, device.Submissions()[0].Info.Waits)

	device.CompleteAll()
	_, err = pool.Poll(0)
	require.NoError(t, err)

	// The pool does not take ownership of external semaphores
	require.Equal(t, semaphore, external.Semaphore())
	device.DestroySemaphore(semaphore)
	destroyPool(t, device, pool)
}

func TestDep(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	semaphore, err := device.CreateSemaphore()
	require.NoError(t, err)
	require.NoError(t, device.SignalSemaphore(semaphore))

	cmd, err := pool.Acquire()
	require.NoError(t, err)
	cmd.Dep(semaphore, driver.StageTransfer)
	_, err = pool.Submit(cmd)
	require.NoError(t, err)
	require.Equal(t, []driver.SemaphoreWait{
		{Semaphore: semaphore, Stage: driver.StageTransfer},
	}, device.Submissions()[0].Info.Waits)

	device.CompleteAll()
	_, err = pool.Poll(0)
	require.NoError(t, err)

	device.DestroySemaphore(semaphore)
	destroyPool(t, device, pool)
}

func TestDestroyWhileRecording(t *testing.T) {
	device, pool := readyPool(t, sim.Options{}, 1)

	_, err := pool.Acquire()
	require.NoError(t, err)

	destroyPool(t, device, pool)

	_, err = pool.Acquire()
	require.Error(t, err)
}
