package command

import "github.com/cockroachdb/errors"

var (
	// ErrDevice marks failures to create command buffers, fences or semaphores, and failures
	// while waiting on the device. A pool that returns ErrDevice from Acquire will return the
	// same error from every later call.
	ErrDevice = errors.New("command device failure")
	// ErrSubmission marks a failed queue submission. The command has already been returned
	// to its pool and its abort hooks have run.
	ErrSubmission = errors.New("command submission failed")
)
