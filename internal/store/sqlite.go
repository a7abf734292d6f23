package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
)

const schemaVersion = 2

// Version 1 is the layout of databases created before schema tracking
// existed; the tables are compatible, only the newer columns are missing.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS encoding_profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	codec TEXT NOT NULL,
	pix_fmt TEXT NOT NULL,
	best_bf INTEGER NOT NULL,
	best_lad INTEGER NOT NULL,
	best_async_depth INTEGER NOT NULL,
	success_count INTEGER DEFAULT 1,
	last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(width, height, codec, pix_fmt)
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

// migrations[v] upgrades a database from version v to v+1.
var migrations = map[int][]string{
	1: {
		`ALTER TABLE jobs ADD COLUMN reason TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE encoding_profiles ADD COLUMN last_success TIMESTAMP`,
		`UPDATE encoding_profiles SET last_success = last_used WHERE last_success IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, id)`,
	},
}

// Timestamps use SQLite's CURRENT_TIMESTAMP shape with milliseconds, so
// rows written by either sort correctly as text.
const (
	timeLayout       = "2006-01-02 15:04:05.000"
	legacyTimeLayout = "2006-01-02 15:04:05"
)

// Busy retry bounds for lock contention with other processes.
const (
	busyRetries  = 8
	busyBackoff  = 25 * time.Millisecond
	busyMaxSleep = time.Second
)

// SQLiteStore implements the job queue and the heuristic store on one
// SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serialises writers within this process
	path string
	now  func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store.
// The database file is created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets readers proceed while a dispatcher holds the write lock
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx := context.Background()

	hadJobs, err := s.tableExists(ctx, "jobs")
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Untracked: either a brand new file or a pre-versioning database.
		version = 1
		if !hadJobs {
			logger.Debug("Initialising new queue database", "path", s.path)
		} else {
			logger.Info("Upgrading untracked queue database", "path", s.path)
		}
	case err != nil:
		return fmt.Errorf("check schema version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := version; v < schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d->v%d failed: %w", v, v+1, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	return n > 0, err
}

// retry runs fn again while SQLite reports the database busy or locked.
// Contention is never surfaced to callers unless it outlasts every attempt.
func (s *SQLiteStore) retry(ctx context.Context, fn func() error) error {
	wait := busyBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) || attempt == busyRetries {
			return err
		}
		logger.Debug("Database busy, retrying", "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, busyMaxSleep)
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	// Extended codes carry the primary code in the low byte
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// --- Job queue ---

// Enqueue inserts path as PENDING. It returns false, without error, when
// the path is already known in any status.
func (s *SQLiteStore) Enqueue(ctx context.Context, path string) (bool, error) {
	return s.Record(ctx, path, jobs.StatusPending)
}

// Record inserts path directly in the given status, e.g. REJECTED for a
// backlog line that fails the path policy. Existing rows are left alone.
func (s *SQLiteStore) Record(ctx context.Context, path string, status jobs.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted bool
	err := s.retry(ctx, func() error {
		now := s.timestamp()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (path, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING
		`, path, string(status), now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", path, err)
	}
	return inserted, nil
}

// DequeuePending claims the oldest PENDING job and marks it PROCESSING in
// one statement. It returns nil when the queue is empty. Two callers, in
// this process or another, never receive the same job.
func (s *SQLiteStore) DequeuePending(ctx context.Context) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *jobs.Job
	err := s.retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE jobs
			SET status = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			) AND status = ?
			RETURNING `+jobColumns,
			string(jobs.StatusProcessing), s.timestamp(),
			string(jobs.StatusPending), string(jobs.StatusPending),
		)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		job = j
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return job, nil
}

// SetStatus overwrites a job's status and clears its reason.
func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status jobs.Status) error {
	return s.Finish(ctx, id, status, "")
}

// Finish overwrites a job's status and records why it ended that way.
func (s *SQLiteStore) Finish(ctx context.Context, id int64, status jobs.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, reason = ?, updated_at = ? WHERE id = ?",
			string(status), reason, s.timestamp(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set status of job %d: %w", id, err)
	}
	if affected == 0 {
		return jobs.JobNotFoundError(id)
	}
	return nil
}

// ResetProcessing returns every PROCESSING job to PENDING. Run once at
// startup, before any dispatcher claims work, to recover from a crash.
func (s *SQLiteStore) ResetProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?",
			string(jobs.StatusPending), s.timestamp(), string(jobs.StatusProcessing))
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset processing jobs: %w", err)
	}
	return int(count), nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.JobNotFoundError(id)
	}
	return job, err
}

// GetJobByPath retrieves a job by its unique path.
func (s *SQLiteStore) GetJobByPath(ctx context.Context, path string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE path = ?", path)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, path)
	}
	return job, err
}

// ListJobs returns jobs in queue order, optionally filtered by status.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListJobs(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

// CountByStatus returns the number of jobs per status. Every status is
// present in the result, zero or not.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	counts := make(map[jobs.Status]int, len(jobs.Statuses))
	for _, st := range jobs.Statuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[jobs.Status(status)] = n
	}
	return counts, rows.Err()
}

// --- Heuristic profiles ---

// GetProfile returns the learned profile for sig, or nil when none exists.
// A hit touches last_used.
func (s *SQLiteStore) GetProfile(ctx context.Context, sig media.Signature) (*encode.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM encoding_profiles
		WHERE width = ? AND height = ? AND codec = ? AND pix_fmt = ?
	`, sig.Width, sig.Height, sig.Codec, sig.PixFmt)
	rec, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", sig, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE encoding_profiles SET last_used = ?
			WHERE width = ? AND height = ? AND codec = ? AND pix_fmt = ?
		`, s.timestamp(), sig.Width, sig.Height, sig.Codec, sig.PixFmt)
		return err
	})
	if err != nil {
		// The lookup itself succeeded; a missed touch is not worth failing on.
		logger.Warn("Could not touch profile", "signature", sig.String(), "error", err)
	}

	return &rec.Profile, nil
}

// SaveProfile records tier as the best known parameters for sig. An
// existing profile is overwritten and its success counter incremented.
func (s *SQLiteStore) SaveProfile(ctx context.Context, sig media.Signature, tier encode.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.retry(ctx, func() error {
		now := s.timestamp()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO encoding_profiles
				(width, height, codec, pix_fmt, best_bf, best_lad, best_async_depth, success_count, last_used, last_success)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(width, height, codec, pix_fmt) DO UPDATE SET
				best_bf = excluded.best_bf,
				best_lad = excluded.best_lad,
				best_async_depth = excluded.best_async_depth,
				success_count = success_count + 1,
				last_used = excluded.last_used,
				last_success = excluded.last_success
		`, sig.Width, sig.Height, sig.Codec, sig.PixFmt, tier.BF, tier.LAD, tier.AsyncDepth, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save profile %s: %w", sig, err)
	}
	return nil
}

// PutProfile writes rec as is, keeping its counter and timestamps. Used when
// copying profiles between backends.
func (s *SQLiteStore) PutProfile(ctx context.Context, rec encode.ProfileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := rec.Signature
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO encoding_profiles
				(width, height, codec, pix_fmt, best_bf, best_lad, best_async_depth, success_count, last_used, last_success)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(width, height, codec, pix_fmt) DO UPDATE SET
				best_bf = excluded.best_bf,
				best_lad = excluded.best_lad,
				best_async_depth = excluded.best_async_depth,
				success_count = excluded.success_count,
				last_used = excluded.last_used,
				last_success = excluded.last_success
		`, sig.Width, sig.Height, sig.Codec, sig.PixFmt, rec.BF, rec.LAD, rec.AsyncDepth,
			rec.SuccessCount, formatTime(rec.LastUsed), formatTime(rec.LastSuccess))
		return err
	})
	if err != nil {
		return fmt.Errorf("put profile %s: %w", sig, err)
	}
	return nil
}

// ListProfiles returns every learned profile, largest resolution first.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]encode.ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM encoding_profiles
		ORDER BY width * height DESC, codec, pix_fmt
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []encode.ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// DeleteProfile forgets what was learned for sig. It reports whether a
// profile existed.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, sig media.Signature) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM encoding_profiles
			WHERE width = ? AND height = ? AND codec = ? AND pix_fmt = ?
		`, sig.Width, sig.Height, sig.Codec, sig.PixFmt)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete profile %s: %w", sig, err)
	}
	return n > 0, nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Helper functions for scanning rows

const jobColumns = "id, path, status, reason, created_at, updated_at"

const profileColumns = "width, height, codec, pix_fmt, best_bf, best_lad, best_async_depth, success_count, last_used, last_success"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var status string
	var createdAt, updatedAt sql.NullString

	if err := row.Scan(&job.ID, &job.Path, &status, &job.Reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	job.CreatedAt = parseTime(createdAt.String)
	job.UpdatedAt = parseTime(updatedAt.String)
	return &job, nil
}

func scanProfile(row rowScanner) (encode.ProfileRecord, error) {
	var rec encode.ProfileRecord
	var successCount sql.NullInt64
	var lastUsed, lastSuccess sql.NullString

	err := row.Scan(
		&rec.Signature.Width, &rec.Signature.Height, &rec.Signature.Codec, &rec.Signature.PixFmt,
		&rec.BF, &rec.LAD, &rec.AsyncDepth, &successCount, &lastUsed, &lastSuccess,
	)
	if err != nil {
		return rec, err
	}
	rec.SuccessCount = successCount.Int64
	rec.LastUsed = parseTime(lastUsed.String)
	rec.LastSuccess = parseTime(lastSuccess.String)
	return rec, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, legacyTimeLayout, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
