package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/media"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustEnqueue(t *testing.T, s *SQLiteStore, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := s.Enqueue(context.Background(), p); err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
	}
}

func TestSQLiteStore_Enqueue_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.Enqueue(ctx, "/data/scratch/movies/Heat")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !inserted {
		t.Error("first enqueue should insert")
	}

	inserted, err = store.Enqueue(ctx, "/data/scratch/movies/Heat")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if inserted {
		t.Error("second enqueue of the same path should be a no-op")
	}

	list, err := store.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 job, got %d", len(list))
	}
}

func TestSQLiteStore_Enqueue_IgnoresTerminalDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "/movies/a.mkv")
	job, _ := store.DequeuePending(ctx)
	if err := store.SetStatus(ctx, job.ID, jobs.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	inserted, err := store.Enqueue(ctx, "/movies/a.mkv")
	if err != nil || inserted {
		t.Fatalf("re-enqueue of a completed path: inserted=%v err=%v", inserted, err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestSQLiteStore_DequeuePending_FIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "/a", "/b", "/c")

	for _, want := range []string{"/a", "/b", "/c"} {
		job, err := store.DequeuePending(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil {
			t.Fatalf("expected %s, got empty queue", want)
		}
		if job.Path != want {
			t.Errorf("expected %s, got %s", want, job.Path)
		}
		if job.Status != jobs.StatusProcessing {
			t.Errorf("claimed job should be PROCESSING, got %s", job.Status)
		}
	}

	job, err := store.DequeuePending(ctx)
	if err != nil {
		t.Fatalf("dequeue on empty: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil on empty queue, got %+v", job)
	}
}

func TestSQLiteStore_DequeuePending_SameTimestampOrdersByID(t *testing.T) {
	store := newTestStore(t)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	mustEnqueue(t, store, "/z", "/y", "/x")

	job, _ := store.DequeuePending(context.Background())
	if job == nil || job.Path != "/z" {
		t.Errorf("expected /z first, got %+v", job)
	}
}

func TestSQLiteStore_Record_RejectedNeverClaimed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.Record(ctx, "/share/seeding/x.mkv", jobs.StatusRejected)
	if err != nil || !inserted {
		t.Fatalf("record: inserted=%v err=%v", inserted, err)
	}

	job, err := store.DequeuePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("rejected row was claimed: %+v", job)
	}

	got, err := store.GetJobByPath(ctx, "/share/seeding/x.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobs.StatusRejected {
		t.Errorf("expected REJECTED, got %s", got.Status)
	}
}

func TestSQLiteStore_SetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "/tv/show")
	job, _ := store.DequeuePending(ctx)

	if err := store.Finish(ctx, job.ID, jobs.StatusFailed, "no usable media found"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusFailed || got.Reason != "no usable media found" {
		t.Errorf("unexpected job after finish: %+v", got)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}

	if err := store.SetStatus(ctx, job.ID, jobs.StatusPending); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusPending || got.Reason != "" {
		t.Errorf("requeue should clear the reason: %+v", got)
	}
}

func TestSQLiteStore_SetStatus_UnknownID(t *testing.T) {
	store := newTestStore(t)

	err := store.SetStatus(context.Background(), 42, jobs.StatusCompleted)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	_, err = store.GetJob(context.Background(), 42)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound from GetJob, got %v", err)
	}
}

func TestSQLiteStore_ResetProcessing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "/a", "/b", "/c")
	store.DequeuePending(ctx)
	store.DequeuePending(ctx)

	n, err := store.ResetProcessing(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 jobs reset, got %d", n)
	}

	counts, _ := store.CountByStatus(ctx)
	if counts[jobs.StatusPending] != 3 || counts[jobs.StatusProcessing] != 0 {
		t.Errorf("unexpected counts after reset: %v", counts)
	}

	job, _ := store.DequeuePending(ctx)
	if job.Path != "/a" {
		t.Errorf("recovered job should keep its position, got %s", job.Path)
	}
}

func TestSQLiteStore_CountByStatus_AllStatusesPresent(t *testing.T) {
	store := newTestStore(t)

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range jobs.Statuses {
		if n, ok := counts[st]; !ok || n != 0 {
			t.Errorf("status %s: got %d (present=%v)", st, n, ok)
		}
	}
}

func TestSQLiteStore_ListJobs_FilterAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "/a", "/b", "/c", "/d")
	job, _ := store.DequeuePending(ctx)
	store.SetStatus(ctx, job.ID, jobs.StatusCompleted)

	pending, err := store.ListJobs(ctx, jobs.StatusPending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Path != "/b" || pending[1].Path != "/c" {
		t.Errorf("unexpected pending list: %+v", pending)
	}

	completed, _ := store.ListJobs(ctx, jobs.StatusCompleted, 0)
	if len(completed) != 1 || completed[0].Path != "/a" {
		t.Errorf("unexpected completed list: %+v", completed)
	}
}

func TestSQLiteStore_Profiles_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sig := media.Signature{Width: 3840, Height: 2160, Codec: "hevc", PixFmt: "yuv420p10le"}

	p, err := store.GetProfile(ctx, sig)
	if err != nil || p != nil {
		t.Fatalf("expected no profile, got %+v (%v)", p, err)
	}

	if err := store.SaveProfile(ctx, sig, encode.Tier{BF: 7, LAD: 40, AsyncDepth: 8}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveProfile(ctx, sig, encode.Tier{BF: 4, LAD: 20, AsyncDepth: 4}); err != nil {
		t.Fatal(err)
	}

	p, err = store.GetProfile(ctx, sig)
	if err != nil || p == nil {
		t.Fatalf("get profile: %+v (%v)", p, err)
	}
	if p.BF != 4 || p.LAD != 20 || p.AsyncDepth != 4 {
		t.Errorf("latest success should win, got %+v", p)
	}
	if p.SuccessCount != 2 {
		t.Errorf("expected success_count 2, got %d", p.SuccessCount)
	}
	if p.LastSuccess.IsZero() {
		t.Error("last_success not stamped")
	}

	list, _ := store.ListProfiles(ctx)
	if len(list) != 1 {
		t.Errorf("signature must stay unique, got %d rows", len(list))
	}
}

func TestSQLiteStore_Profiles_GetTouchesLastUsed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sig := media.Signature{Width: 1920, Height: 1080, Codec: "h264", PixFmt: "yuv420p"}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }
	store.SaveProfile(ctx, sig, encode.Tier{BF: 7, LAD: 40, AsyncDepth: 8})

	t1 := t0.Add(48 * time.Hour)
	store.now = func() time.Time { return t1 }
	if _, err := store.GetProfile(ctx, sig); err != nil {
		t.Fatal(err)
	}

	list, _ := store.ListProfiles(ctx)
	if len(list) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(list))
	}
	if !list[0].LastUsed.Equal(t1) {
		t.Errorf("last_used = %v, expected %v", list[0].LastUsed, t1)
	}
	if !list[0].LastSuccess.Equal(t0) {
		t.Errorf("last_success = %v, expected %v", list[0].LastSuccess, t0)
	}
}

func TestSQLiteStore_Profiles_DeleteAndPut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sig := media.Signature{Width: 1280, Height: 720, Codec: "mpeg4", PixFmt: "yuv420p"}

	last := time.Date(2025, 12, 24, 8, 0, 0, 0, time.UTC)
	err := store.PutProfile(ctx, encode.ProfileRecord{
		Signature: sig,
		Profile:   encode.Profile{BF: 0, LAD: 10, AsyncDepth: 2, SuccessCount: 17, LastUsed: last, LastSuccess: last},
	})
	if err != nil {
		t.Fatal(err)
	}

	list, _ := store.ListProfiles(ctx)
	if len(list) != 1 || list[0].SuccessCount != 17 || !list[0].LastSuccess.Equal(last) {
		t.Fatalf("put profile not stored verbatim: %+v", list)
	}

	existed, err := store.DeleteProfile(ctx, sig)
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, _ = store.DeleteProfile(ctx, sig)
	if existed {
		t.Error("second delete should report nothing removed")
	}
	if p, _ := store.GetProfile(ctx, sig); p != nil {
		t.Errorf("profile survived delete: %+v", p)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	store1.Enqueue(ctx, "/a")
	store1.SaveProfile(ctx, media.Signature{Width: 1, Height: 1, Codec: "h264", PixFmt: "yuv420p"}, encode.Tier{BF: 1, LAD: 1, AsyncDepth: 1})
	store1.Close()

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	job, _ := store2.DequeuePending(ctx)
	if job == nil || job.Path != "/a" {
		t.Errorf("job not persisted: %+v", job)
	}
	list, _ := store2.ListProfiles(ctx)
	if len(list) != 1 {
		t.Errorf("profile not persisted: %+v", list)
	}
}

func TestSQLiteStore_WALMode(t *testing.T) {
	store := newTestStore(t)

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("expected WAL mode, got %s", mode)
	}
}

// A database created before schema tracking has no reason or last_success
// columns and stores CURRENT_TIMESTAMP values without milliseconds.
func TestSQLiteStore_AdoptsUntrackedDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "conversion_data.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	legacy := []string{
		`CREATE TABLE jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE encoding_profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			width INTEGER NOT NULL, height INTEGER NOT NULL,
			codec TEXT NOT NULL, pix_fmt TEXT NOT NULL,
			best_bf INTEGER NOT NULL, best_lad INTEGER NOT NULL, best_async_depth INTEGER NOT NULL,
			success_count INTEGER DEFAULT 1,
			last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(width, height, codec, pix_fmt)
		)`,
		`INSERT INTO jobs (path, status, created_at) VALUES ('/old/done', 'COMPLETED', '2024-01-01 10:00:00')`,
		`INSERT INTO jobs (path, status, created_at) VALUES ('/old/stuck', 'PROCESSING', '2024-01-02 10:00:00')`,
		`INSERT INTO encoding_profiles (width, height, codec, pix_fmt, best_bf, best_lad, best_async_depth, success_count, last_used)
		 VALUES (1920, 1080, 'h264', 'yuv420p', 4, 20, 4, 12, '2024-01-03 10:00:00')`,
	}
	for _, stmt := range legacy {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("seed legacy db: %v", err)
		}
	}
	raw.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	n, err := store.ResetProcessing(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}

	mustEnqueue(t, store, "/new/movie")
	job, _ := store.DequeuePending(ctx)
	if job == nil || job.Path != "/old/stuck" {
		t.Errorf("legacy row should be claimed before newer ones, got %+v", job)
	}
	if job.CreatedAt.IsZero() {
		t.Error("legacy timestamp not parsed")
	}

	p, err := store.GetProfile(ctx, media.Signature{Width: 1920, Height: 1080, Codec: "h264", PixFmt: "yuv420p"})
	if err != nil || p == nil {
		t.Fatalf("legacy profile lost: %+v (%v)", p, err)
	}
	if p.SuccessCount != 12 || p.LastSuccess.IsZero() {
		t.Errorf("legacy profile not migrated: %+v", p)
	}

	var version int
	store.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if version != schemaVersion {
		t.Errorf("schema version = %d, expected %d", version, schemaVersion)
	}
}
