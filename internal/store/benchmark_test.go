package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/media"
)

func newBenchStore(b *testing.B) *SQLiteStore {
	b.Helper()
	store, err := NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

func BenchmarkEnqueue(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Enqueue(ctx, fmt.Sprintf("/movies/bench-%d.mkv", i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnqueueDuplicate(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()
	store.Enqueue(ctx, "/movies/dup.mkv")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Enqueue(ctx, "/movies/dup.mkv"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDequeuePending(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		store.Enqueue(ctx, fmt.Sprintf("/movies/bench-%d.mkv", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		job, err := store.DequeuePending(ctx)
		if err != nil || job == nil {
			b.Fatalf("dequeue: %v %v", job, err)
		}
	}
}

func BenchmarkSaveProfile(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()
	sig := media.Signature{Width: 1920, Height: 1080, Codec: "h264", PixFmt: "yuv420p"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.SaveProfile(ctx, sig, encode.Tier{BF: 4, LAD: 20, AsyncDepth: 4}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCountByStatus(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		store.Enqueue(ctx, fmt.Sprintf("/movies/bench-%d.mkv", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.CountByStatus(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// TestPerformanceThresholds guards against the claim query losing its index.
func TestPerformanceThresholds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "perf.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		store.Enqueue(ctx, fmt.Sprintf("/movies/perf-%d.mkv", i))
	}
	for i := 0; i < 4000; i++ {
		job, _ := store.DequeuePending(ctx)
		store.SetStatus(ctx, job.ID, jobs.StatusCompleted)
	}

	start := time.Now()
	for i := 0; i < 100; i++ {
		job, err := store.DequeuePending(ctx)
		if err != nil || job == nil {
			t.Fatalf("dequeue: %v %v", job, err)
		}
	}
	perClaim := time.Since(start) / 100

	if perClaim > 20*time.Millisecond {
		t.Errorf("DequeuePending took %v per claim with 5000 rows, expected < 20ms", perClaim)
	}
}
