package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
// These can be checked with errors.Is().
var (
	ErrJobNotFound = errors.New("job not found")

	// ErrPathRejected marks a path outside the allowed roots or inside a
	// denylisted one. Terminal, never retried automatically.
	ErrPathRejected = errors.New("path rejected by policy")

	// ErrResolutionFailure marks a path that yields no usable media file.
	ErrResolutionFailure = errors.New("no usable media found")
)

// JobNotFoundError returns a wrapped error for a missing job.
func JobNotFoundError(id int64) error {
	return fmt.Errorf("%w: %d", ErrJobNotFound, id)
}

func pathRejectedError(path, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrPathRejected, path, reason)
}

func resolutionError(path, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrResolutionFailure, path, reason)
}

// ErrNotRequeueable is returned when a job is still pending or running.
var ErrNotRequeueable = errors.New("job cannot be requeued")
