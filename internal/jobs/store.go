package jobs

import "context"

// Store persists the job queue. Implementations must be safe for concurrent
// use, including by several processes sharing the same backend.
type Store interface {
	// Enqueue inserts path as PENDING. It returns false when the path is
	// already known, whatever its status.
	Enqueue(ctx context.Context, path string) (bool, error)

	// Record inserts path directly in status. Used for REJECTED lines.
	Record(ctx context.Context, path string, status Status) (bool, error)

	// DequeuePending atomically claims the oldest PENDING job and marks it
	// PROCESSING. Returns nil, nil when nothing is pending.
	DequeuePending(ctx context.Context) (*Job, error)

	// SetStatus overwrites the status and clears the reason.
	SetStatus(ctx context.Context, id int64, status Status) error

	// Finish overwrites the status and records a reason.
	Finish(ctx context.Context, id int64, status Status, reason string) error

	// ResetProcessing returns PROCESSING jobs to PENDING after a crash.
	ResetProcessing(ctx context.Context) (int, error)

	GetJob(ctx context.Context, id int64) (*Job, error)
	GetJobByPath(ctx context.Context, path string) (*Job, error)
	ListJobs(ctx context.Context, status Status, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
