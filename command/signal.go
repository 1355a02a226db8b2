package command

import (
	"github.com/vkngwrapper/rava/driver"
)

// Signal is the promise that some GPU work will finish. A command that depends on the work
// calls Wait with the Signal, which turns it into a semaphore wait on the consumer's submission.
//
// A Signal's semaphore is binary, so each Signal may be consumed by at most one command.
type Signal struct {
	pool     *Pool
	producer *Command
	seq      uint64

	semaphore driver.Semaphore
	stage     driver.PipelineStage

	external bool
	consumed bool
	released bool
}

// NewExternalSignal wraps a semaphore signaled by something other than a command from a Pool,
// such as a presentation engine's image acquisition. The caller keeps ownership of the semaphore.
func NewExternalSignal(semaphore driver.Semaphore, stage driver.PipelineStage) *Signal {
	return &Signal{
		semaphore: semaphore,
		stage:     stage,
		external:  true,
	}
}

// Stage is the pipeline stage at which the signaled work completes
func (s *Signal) Stage() driver.PipelineStage { return s.stage }

// Semaphore is the semaphore that will be signaled. It is zero until the producing command
// has been submitted.
func (s *Signal) Semaphore() driver.Semaphore { return s.semaphore }

// Producer is the command that will signal, or nil for external signals
func (s *Signal) Producer() *Command { return s.producer }

// External reports whether the signal came from NewExternalSignal
func (s *Signal) External() bool { return s.external }

// Consumed reports whether a command has already taken this signal as a wait
func (s *Signal) Consumed() bool { return s.consumed }

// Complete reports whether the producing command is known to have finished on the device.
// Waiting on a complete signal is unnecessary. External signals are never complete.
func (s *Signal) Complete() bool {
	return s.producer != nil && s.producer.seq != s.seq
}

// Release gives up interest in the signal. A released signal can no longer be consumed, and
// if its producer has not yet been submitted no semaphore is created for it.
func (s *Signal) Release() {
	s.released = true
}

// Retain reverses Release. It must be called before the producer is submitted for the signal
// to be raised.
func (s *Signal) Retain() {
	s.released = false
}

// unconsume returns a signal taken by a command whose submission failed. If the producer has
// already finished, nobody will wait on the semaphore again and it is destroyed.
func (s *Signal) unconsume() {
	s.consumed = false
	if s.external || !s.Complete() || s.semaphore == 0 {
		return
	}

	s.pool.destroySemaphore(s.semaphore)
	s.semaphore = 0
}
