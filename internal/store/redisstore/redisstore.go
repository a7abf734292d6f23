// Package redisstore keeps the job queue and the learned encoding profiles
// in Redis so dispatchers on several hosts can share one backlog.
//
// Layout, under a configurable prefix:
//
//	<p>:seq             job id counter
//	<p>:paths           hash path -> id
//	<p>:job:<id>        hash path, status, reason, created_at, updated_at
//	<p>:idx:<STATUS>    sorted set of ids, score = id (queue order)
//	<p>:profile:<sig>   hash of one learned profile
//	<p>:profiles        set of profile keys
//
// Every state change that touches more than one key runs as a Lua script,
// so a claim is atomic across clients.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/media"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key namespace, "stepdown" when empty
}

const defaultPrefix = "stepdown"

// Store is a Redis-backed queue and heuristic store.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) jobKey(id int64) string {
	return s.key("job", strconv.FormatInt(id, 10))
}

func (s *Store) idxKey(status jobs.Status) string {
	return s.key("idx", string(status))
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// KEYS: paths, seq. ARGV: path, status, now, prefix.
// Returns the new id, or 0 when the path exists.
var recordScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
local id = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], id)
redis.call('HSET', ARGV[4] .. ':job:' .. id,
	'path', ARGV[1], 'status', ARGV[2], 'reason', '',
	'created_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', ARGV[4] .. ':idx:' .. ARGV[2], id, id)
return id
`)

// KEYS: idx:PENDING, idx:PROCESSING. ARGV: now, prefix.
// Returns the claimed id or nil.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], id, id)
redis.call('HSET', ARGV[2] .. ':job:' .. id, 'status', 'PROCESSING', 'updated_at', ARGV[1])
return id
`)

// KEYS: job hash. ARGV: status, reason, now, prefix, id.
// Returns 0 when the job does not exist.
var setStatusScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'status')
if not old then
	return 0
end
redis.call('ZREM', ARGV[4] .. ':idx:' .. old, ARGV[5])
redis.call('ZADD', ARGV[4] .. ':idx:' .. ARGV[1], ARGV[5], ARGV[5])
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'reason', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// KEYS: idx:PROCESSING, idx:PENDING. ARGV: now, prefix.
var resetScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[2], id, id)
	redis.call('HSET', ARGV[2] .. ':job:' .. id, 'status', 'PENDING', 'updated_at', ARGV[1])
end
redis.call('DEL', KEYS[1])
return #ids
`)

// Enqueue inserts path as PENDING unless it is already known.
func (s *Store) Enqueue(ctx context.Context, path string) (bool, error) {
	return s.Record(ctx, path, jobs.StatusPending)
}

// Record inserts path in status unless it is already known.
func (s *Store) Record(ctx context.Context, path string, status jobs.Status) (bool, error) {
	id, err := recordScript.Run(ctx, s.client,
		[]string{s.key("paths"), s.key("seq")},
		path, string(status), s.timestamp(), s.prefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", path, err)
	}
	return id > 0, nil
}

// DequeuePending claims the oldest PENDING job.
func (s *Store) DequeuePending(ctx context.Context) (*jobs.Job, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.idxKey(jobs.StatusPending), s.idxKey(jobs.StatusProcessing)},
		s.timestamp(), s.prefix,
	).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return s.GetJob(ctx, id)
}

// SetStatus overwrites a job's status and clears its reason.
func (s *Store) SetStatus(ctx context.Context, id int64, status jobs.Status) error {
	return s.Finish(ctx, id, status, "")
}

// Finish overwrites a job's status and records a reason.
func (s *Store) Finish(ctx context.Context, id int64, status jobs.Status, reason string) error {
	ok, err := setStatusScript.Run(ctx, s.client,
		[]string{s.jobKey(id)},
		string(status), reason, s.timestamp(), s.prefix, id,
	).Int64()
	if err != nil {
		return fmt.Errorf("set status of job %d: %w", id, err)
	}
	if ok == 0 {
		return jobs.JobNotFoundError(id)
	}
	return nil
}

// ResetProcessing returns every PROCESSING job to PENDING.
func (s *Store) ResetProcessing(ctx context.Context) (int, error) {
	n, err := resetScript.Run(ctx, s.client,
		[]string{s.idxKey(jobs.StatusProcessing), s.idxKey(jobs.StatusPending)},
		s.timestamp(), s.prefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reset processing jobs: %w", err)
	}
	return n, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*jobs.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, jobs.JobNotFoundError(id)
	}
	return jobFromHash(id, fields), nil
}

// GetJobByPath retrieves a job by its unique path.
func (s *Store) GetJobByPath(ctx context.Context, path string) (*jobs.Job, error) {
	id, err := s.client.HGet(ctx, s.key("paths"), path).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// ListJobs returns jobs in queue order, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	statuses := jobs.Statuses
	if status != "" {
		statuses = []jobs.Status{status}
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var ids []int64
	for _, st := range statuses {
		members, err := s.client.ZRange(ctx, s.idxKey(st), 0, stop).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			id, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt index entry %q: %w", m, err)
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	list := make([]*jobs.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		list = append(list, jobFromHash(ids[i], fields))
	}
	return list, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[jobs.Status]*redis.IntCmd, len(jobs.Statuses))
	for _, st := range jobs.Statuses {
		cmds[st] = pipe.ZCard(ctx, s.idxKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	counts := make(map[jobs.Status]int, len(cmds))
	for st, cmd := range cmds {
		counts[st] = int(cmd.Val())
	}
	return counts, nil
}

func jobFromHash(id int64, f map[string]string) *jobs.Job {
	return &jobs.Job{
		ID:        id,
		Path:      f["path"],
		Status:    jobs.Status(f["status"]),
		Reason:    f["reason"],
		CreatedAt: parseTime(f["created_at"]),
		UpdatedAt: parseTime(f["updated_at"]),
	}
}

// --- Heuristic profiles ---

func (s *Store) profileKey(sig media.Signature) string {
	return s.key("profile", fmt.Sprintf("%dx%d", sig.Width, sig.Height), sig.Codec, sig.PixFmt)
}

// GetProfile returns the learned profile for sig, or nil. A hit touches
// last_used.
func (s *Store) GetProfile(ctx context.Context, sig media.Signature) (*encode.Profile, error) {
	key := s.profileKey(sig)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", sig, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if err := s.client.HSet(ctx, key, "last_used", s.timestamp()).Err(); err != nil {
		return nil, fmt.Errorf("touch profile %s: %w", sig, err)
	}
	rec := profileFromHash(fields)
	return &rec.Profile, nil
}

// SaveProfile overwrites the tier for sig and increments its success count.
func (s *Store) SaveProfile(ctx context.Context, sig media.Signature, tier encode.Tier) error {
	key := s.profileKey(sig)
	now := s.timestamp()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"width", sig.Width, "height", sig.Height, "codec", sig.Codec, "pix_fmt", sig.PixFmt,
			"bf", tier.BF, "lad", tier.LAD, "async_depth", tier.AsyncDepth,
			"last_used", now, "last_success", now,
		)
		pipe.HIncrBy(ctx, key, "success_count", 1)
		pipe.SAdd(ctx, s.key("profiles"), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save profile %s: %w", sig, err)
	}
	return nil
}

// PutProfile writes rec verbatim, counter included.
func (s *Store) PutProfile(ctx context.Context, rec encode.ProfileRecord) error {
	sig := rec.Signature
	key := s.profileKey(sig)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"width", sig.Width, "height", sig.Height, "codec", sig.Codec, "pix_fmt", sig.PixFmt,
			"bf", rec.BF, "lad", rec.LAD, "async_depth", rec.AsyncDepth,
			"success_count", rec.SuccessCount,
			"last_used", formatTime(rec.LastUsed), "last_success", formatTime(rec.LastSuccess),
		)
		pipe.SAdd(ctx, s.key("profiles"), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put profile %s: %w", sig, err)
	}
	return nil
}

// ListProfiles returns every learned profile, largest resolution first.
func (s *Store) ListProfiles(ctx context.Context) ([]encode.ProfileRecord, error) {
	keys, err := s.client.SMembers(ctx, s.key("profiles")).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var list []encode.ProfileRecord
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			list = append(list, profileFromHash(fields))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Signature, list[j].Signature
		if pa, pb := a.Width*a.Height, b.Width*b.Height; pa != pb {
			return pa > pb
		}
		if a.Codec != b.Codec {
			return a.Codec < b.Codec
		}
		return a.PixFmt < b.PixFmt
	})
	return list, nil
}

// DeleteProfile forgets sig and reports whether it existed.
func (s *Store) DeleteProfile(ctx context.Context, sig media.Signature) (bool, error) {
	key := s.profileKey(sig)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.SRem(ctx, s.key("profiles"), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete profile %s: %w", sig, err)
	}
	return del.Val() > 0, nil
}

func profileFromHash(f map[string]string) encode.ProfileRecord {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	count, _ := strconv.ParseInt(f["success_count"], 10, 64)

	var rec encode.ProfileRecord
	rec.Signature = media.Signature{
		Width:  atoi("width"),
		Height: atoi("height"),
		Codec:  f["codec"],
		PixFmt: f["pix_fmt"],
	}
	rec.BF = atoi("bf")
	rec.LAD = atoi("lad")
	rec.AsyncDepth = atoi("async_depth")
	rec.SuccessCount = count
	rec.LastUsed = parseTime(f["last_used"])
	rec.LastSuccess = parseTime(f["last_success"])
	return rec
}

// Ping checks the server answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
