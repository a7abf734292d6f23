package jobs

import (
	"context"
	"fmt"
)

// Requeue puts a finished job back to PENDING and clears its reason.
// Pending and processing jobs are refused with ErrNotRequeueable.
func Requeue(ctx context.Context, s Store, id int64) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsTerminal() {
		return nil, fmt.Errorf("%w: job %d is %s", ErrNotRequeueable, id, job.Status)
	}
	if err := s.SetStatus(ctx, id, StatusPending); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}
