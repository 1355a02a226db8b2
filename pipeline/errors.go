package pipeline

import "github.com/cockroachdb/errors"

var (
	// ErrCacheMismatch marks a cache blob that was discarded, either because it is malformed or
	// because it was produced by a different compiler or device. The cache remains usable and
	// builds from source.
	ErrCacheMismatch = errors.New("pipeline cache blob mismatch")
	// ErrInvalidated is returned when recording with an entry that has been invalidated
	ErrInvalidated = errors.New("pipeline entry has been invalidated")
)
