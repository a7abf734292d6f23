package store

import (
	"context"
	"fmt"

	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/logger"
)

// MigrationResult contains the outcome of copying one store into another.
type MigrationResult struct {
	JobsImported     int
	JobsSkipped      int // path already present in the destination
	ProfilesImported int
	ProcessingReset  int // PROCESSING rows written as PENDING
}

// Migrate copies every job and profile from src into dst, e.g. when moving a
// single-host SQLite queue to a shared Redis backend.
//
// Jobs keep their status except PROCESSING, which is written as PENDING:
// nobody holds the claim in the new backend. Paths already present in dst
// are left alone. Profiles overwrite dst, counters included. IDs and
// creation times are reassigned by dst; queue order is preserved.
func Migrate(ctx context.Context, src, dst Store) (*MigrationResult, error) {
	result := &MigrationResult{}

	list, err := src.ListJobs(ctx, "", 0)
	if err != nil {
		return result, fmt.Errorf("list source jobs: %w", err)
	}

	for _, job := range list {
		status := job.Status
		if status == jobs.StatusProcessing {
			status = jobs.StatusPending
			result.ProcessingReset++
		}

		inserted, err := dst.Record(ctx, job.Path, status)
		if err != nil {
			return result, fmt.Errorf("import job %d: %w", job.ID, err)
		}
		if !inserted {
			result.JobsSkipped++
			continue
		}
		result.JobsImported++

		if job.Reason == "" {
			continue
		}
		// Record does not carry a reason; look the row up to attach it
		copied, err := dst.GetJobByPath(ctx, job.Path)
		if err != nil {
			logger.Warn("Could not carry job reason over", "path", job.Path, "error", err)
			continue
		}
		if err := dst.Finish(ctx, copied.ID, status, job.Reason); err != nil {
			logger.Warn("Could not carry job reason over", "path", job.Path, "error", err)
		}
	}

	profiles, err := src.ListProfiles(ctx)
	if err != nil {
		return result, fmt.Errorf("list source profiles: %w", err)
	}
	for _, rec := range profiles {
		if err := dst.PutProfile(ctx, rec); err != nil {
			return result, fmt.Errorf("import profile %s: %w", rec.Signature, err)
		}
		result.ProfilesImported++
	}

	logger.Info("Migration complete",
		"jobs_imported", result.JobsImported,
		"jobs_skipped", result.JobsSkipped,
		"processing_reset", result.ProcessingReset,
		"profiles_imported", result.ProfilesImported,
	)
	return result, nil
}
