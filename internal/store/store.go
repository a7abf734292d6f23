package store

import (
	"context"
	"fmt"

	"github.com/gwlsn/stepdown/internal/config"
	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/store/redisstore"
)

// Store is the queue and the heuristic store behind one backend.
// Implementations must be safe for concurrent use.
type Store interface {
	jobs.Store
	encode.ProfileStore

	// ListProfiles returns every learned profile.
	ListProfiles(ctx context.Context) ([]encode.ProfileRecord, error)

	// DeleteProfile forgets a signature. Reports whether it existed.
	DeleteProfile(ctx context.Context, sig media.Signature) (bool, error)

	// PutProfile writes a record verbatim, counters included.
	PutProfile(ctx context.Context, rec encode.ProfileRecord) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*redisstore.Store)(nil)
)

// Open connects to the backend selected in cfg.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite, "":
		return NewSQLiteStore(cfg.DBPath)
	case config.BackendRedis:
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// InitStore opens the configured store and returns jobs orphaned by a
// previous crash to the queue. This is the daemon's entry point; one-shot
// commands that must not disturb a running dispatcher use Open.
func InitStore(ctx context.Context, cfg *config.Config) (Store, error) {
	s, err := Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	count, err := s.ResetProcessing(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("reset processing jobs: %w", err)
	}
	if count > 0 {
		logger.Info("Reset interrupted jobs to pending", "count", count)
	}
	return s, nil
}
