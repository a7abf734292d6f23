package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Encoder.GlobalQuality != 23 {
		t.Errorf("expected global quality 23, got %d", cfg.Encoder.GlobalQuality)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("expected 60s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.LogGeneralDir() != "/var/log/conversion/general" {
		t.Errorf("unexpected general log dir %s", cfg.LogGeneralDir())
	}
	if cfg.LogFFmpegDir() != "/var/log/conversion/ffmpeg" {
		t.Errorf("unexpected ffmpeg log dir %s", cfg.LogFFmpegDir())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MoviesRoot != "/data/scratch/movies" {
		t.Errorf("expected default movies root, got %s", cfg.MoviesRoot)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepdown.yaml")
	content := `
movies_root: /srv/in/movies
tv_root: /srv/in/tv
queue_file: /srv/in/backlog.txt
poll_interval: 15s
encoder:
  global_quality: 21
  timeout: 3h
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MoviesRoot != "/srv/in/movies" {
		t.Errorf("expected movies root from file, got %s", cfg.MoviesRoot)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("expected 15s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.Encoder.GlobalQuality != 21 {
		t.Errorf("expected quality 21, got %d", cfg.Encoder.GlobalQuality)
	}
	if cfg.Encoder.Timeout != 3*time.Hour {
		t.Errorf("expected 3h timeout, got %s", cfg.Encoder.Timeout)
	}
	// Defaults for fields the file left out
	if cfg.Encoder.QSVDevice != "/dev/dri/renderD128" {
		t.Errorf("expected default qsv device, got %s", cfg.Encoder.QSVDevice)
	}
	if cfg.Encoder.Cooldown != 2*time.Second {
		t.Errorf("expected default cooldown, got %s", cfg.Encoder.Cooldown)
	}
	if cfg.Encoder.MinOutputBytes != 1000 {
		t.Errorf("expected default min output, got %d", cfg.Encoder.MinOutputBytes)
	}
	if cfg.FFprobePath != "/usr/bin/ffprobe" {
		t.Errorf("expected default ffprobe, got %s", cfg.FFprobePath)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Store.Backend)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: [nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"TMDB_READ_ACCESS_TOKEN": "tok",
		"EMAIL_SMTP_PASSWORD":    "secret",
		"STEPDOWN_DB_PATH":       "/tmp/x.db",
		"STEPDOWN_LOG_LEVEL":     "",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.TMDB.ReadAccessToken != "tok" {
		t.Errorf("expected token from env, got %q", cfg.TMDB.ReadAccessToken)
	}
	if cfg.SMTP.Password != "secret" {
		t.Errorf("expected smtp password from env, got %q", cfg.SMTP.Password)
	}
	if cfg.DBPath != "/tmp/x.db" {
		t.Errorf("expected db path from env, got %q", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("empty env value must not override, got %q", cfg.LogLevel)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.GlobalQuality = 60
	cfg.PollInterval = 0
	cfg.Store.Backend = "etcd"
	cfg.MoviesRoot = "relative/movies"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"global_quality", "poll_interval", "store.backend", "must be absolute"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in error, got: %s", want, msg)
		}
	}
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = BackendRedis
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redis_addr") {
		t.Fatalf("expected redis_addr error, got %v", err)
	}
	cfg.Store.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stepdown.yaml")
	cfg := DefaultConfig()
	cfg.TVRoot = "/srv/tv"
	cfg.Encoder.Timeout = 90 * time.Minute
	cfg.Heuristics.MaxAge = 720 * time.Hour

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TVRoot != "/srv/tv" {
		t.Errorf("expected tv root to survive, got %s", loaded.TVRoot)
	}
	if loaded.Encoder.Timeout != 90*time.Minute {
		t.Errorf("expected timeout to survive, got %s", loaded.Encoder.Timeout)
	}
	if loaded.Heuristics.MaxAge != 720*time.Hour {
		t.Errorf("expected max age to survive, got %s", loaded.Heuristics.MaxAge)
	}
	if len(loaded.Subtitles.ReplaceRules) != len(DefaultReplaceRules()) {
		t.Errorf("expected replace rules to survive, got %d", len(loaded.Subtitles.ReplaceRules))
	}
}

func TestChoices(t *testing.T) {
	if !IsValidStoreBackend("redis") || IsValidStoreBackend("mysql") {
		t.Error("store backend validation is wrong")
	}
	if !IsValidLogLevel("WARN") || IsValidLogLevel("trace") {
		t.Error("log level validation is wrong")
	}
}
