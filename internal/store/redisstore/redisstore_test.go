package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/media"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewWithClient(client, "test")
}

func TestNewConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	inserted, err := s.Enqueue(ctx, "/data/scratch/movies/Heat")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Enqueue(ctx, "/data/scratch/movies/Heat")
	require.NoError(t, err)
	assert.False(t, inserted)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.StatusPending])
}

func TestDequeueInOrderAndEmpty(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		_, err := s.Enqueue(ctx, p)
		require.NoError(t, err)
	}

	for _, want := range []string{"/a", "/b", "/c"} {
		job, err := s.DequeuePending(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.Path)
		assert.Equal(t, jobs.StatusProcessing, job.Status)
	}

	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueConcurrentClaimsAreUnique(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, "/movies/"+string(rune('A'+i%26))+string(rune('a'+i/26)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.DequeuePending(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "job %d claimed more than once", id)
	}
}

func TestRecordRejected(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	inserted, err := s.Record(ctx, "/share/seeding/x.mkv", jobs.StatusRejected)
	require.NoError(t, err)
	assert.True(t, inserted)

	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "rejected rows must never be claimed")

	got, err := s.GetJobByPath(ctx, "/share/seeding/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRejected, got.Status)
}

func TestFinishAndSetStatus(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "/tv/show")
	require.NoError(t, err)
	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Finish(ctx, job.ID, jobs.StatusFailed, "all encoding tiers exhausted"))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "all encoding tiers exhausted", got.Reason)

	require.NoError(t, s.SetStatus(ctx, job.ID, jobs.StatusPending))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Empty(t, got.Reason)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.StatusPending])
	assert.Equal(t, 0, counts[jobs.StatusFailed])

	err = s.SetStatus(ctx, 999, jobs.StatusCompleted)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestResetProcessing(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		_, err := s.Enqueue(ctx, p)
		require.NoError(t, err)
	}
	_, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	_, err = s.DequeuePending(ctx)
	require.NoError(t, err)

	n, err := s.ResetProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/a", job.Path, "recovered jobs keep their queue position")
}

func TestListJobs(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		_, err := s.Enqueue(ctx, p)
		require.NoError(t, err)
	}
	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, job.ID, jobs.StatusCompleted))

	all, err := s.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "/a", all[0].Path)
	assert.Equal(t, jobs.StatusCompleted, all[0].Status)

	pending, err := s.ListJobs(ctx, jobs.StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/b", pending[0].Path)
	assert.Equal(t, "/c", pending[1].Path)

	limited, err := s.ListJobs(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "/a", limited[0].Path)
}

func TestProfileUpsertIncrementsCounter(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()
	sig := media.Signature{Width: 3840, Height: 2160, Codec: "hevc", PixFmt: "yuv420p10le"}

	p, err := s.GetProfile(ctx, sig)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.SaveProfile(ctx, sig, encode.Tier{BF: 7, LAD: 40, AsyncDepth: 8}))
	require.NoError(t, s.SaveProfile(ctx, sig, encode.Tier{BF: 4, LAD: 20, AsyncDepth: 4}))

	p, err = s.GetProfile(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 4, p.BF)
	assert.Equal(t, 20, p.LAD)
	assert.Equal(t, 4, p.AsyncDepth)
	assert.EqualValues(t, 2, p.SuccessCount)
	assert.False(t, p.LastSuccess.IsZero())
}

func TestListPutAndDeleteProfiles(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	hd := media.Signature{Width: 1920, Height: 1080, Codec: "h264", PixFmt: "yuv420p"}
	uhd := media.Signature{Width: 3840, Height: 2160, Codec: "hevc", PixFmt: "yuv420p10le"}
	require.NoError(t, s.SaveProfile(ctx, hd, encode.Tier{BF: 7, LAD: 40, AsyncDepth: 8}))

	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.PutProfile(ctx, encode.ProfileRecord{
		Signature: uhd,
		Profile:   encode.Profile{BF: 0, LAD: 10, AsyncDepth: 2, SuccessCount: 9, LastUsed: last, LastSuccess: last},
	}))

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uhd, list[0].Signature)
	assert.EqualValues(t, 9, list[0].SuccessCount)
	assert.True(t, last.Equal(list[0].LastSuccess))
	assert.Equal(t, hd, list[1].Signature)

	existed, err := s.DeleteProfile(ctx, uhd)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteProfile(ctx, uhd)
	require.NoError(t, err)
	assert.False(t, existed)

	list, err = s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestKeysUsePrefix(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "/a")
	require.NoError(t, err)

	for _, k := range mr.Keys() {
		assert.Regexp(t, `^test:`, k)
	}
}
