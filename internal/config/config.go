package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// LogLevel is the console log level: debug, info, warn, error (default info)
	LogLevel string `yaml:"log_level"`

	// LogDir holds the general/ (per-job) and ffmpeg/ (per-attempt) log folders
	LogDir string `yaml:"log_dir"`

	// DBPath is the SQLite database holding the job queue and encoding profiles
	DBPath string `yaml:"db_path"`

	// QueueFile is the backlog file, one path per line, appended to externally
	QueueFile string `yaml:"queue_file"`

	// PollInterval is how long the dispatcher sleeps when the queue is empty
	PollInterval time.Duration `yaml:"poll_interval"`

	// MoviesRoot and TVRoot are the only trees jobs may come from
	MoviesRoot string `yaml:"movies_root"`
	TVRoot     string `yaml:"tv_root"`

	// SeedingRoots are never touched, even when nested under an allowed root
	SeedingRoots []string `yaml:"seeding_roots"`

	// TargetMoviesDir and TargetTVDir receive finished conversions
	TargetMoviesDir string `yaml:"target_movies_dir"`
	TargetTVDir     string `yaml:"target_tv_dir"`

	// ValidExtensions are kept when a movie folder is pruned after conversion
	ValidExtensions []string `yaml:"valid_extensions"`

	// Tool paths
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	MKVExtractPath string `yaml:"mkvextract_path"`

	Encoder    EncoderConfig    `yaml:"encoder"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Store      StoreConfig      `yaml:"store"`
	Subtitles  SubtitleConfig   `yaml:"subtitles"`
	TMDB       TMDBConfig       `yaml:"tmdb"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// EncoderConfig controls the QSV encode and the tier ladder runtime.
type EncoderConfig struct {
	// QSVDevice is the DRM render node used by the QSV runtime
	QSVDevice string `yaml:"qsv_device"`

	// GlobalQuality is the ICQ quality value, 1 (best) to 51
	GlobalQuality int `yaml:"global_quality"`

	// DenoiseLevel feeds vpp_qsv denoise; 0 disables
	DenoiseLevel int `yaml:"denoise_level"`

	// Cooldown is the pause after a resource-exhaustion failure before the next tier
	Cooldown time.Duration `yaml:"cooldown"`

	// MinOutputBytes is the smallest output accepted as a real encode
	MinOutputBytes int64 `yaml:"min_output_bytes"`

	// Timeout kills an attempt that runs longer than this; 0 means no watchdog
	Timeout time.Duration `yaml:"timeout"`

	// ResourceExitCodes are exit statuses treated as hardware exhaustion
	ResourceExitCodes []int `yaml:"resource_exit_codes"`
}

// HeuristicsConfig controls how learned encoding profiles are trusted.
type HeuristicsConfig struct {
	// MaxAge ignores profiles whose last success is older than this; 0 keeps them forever
	MaxAge time.Duration `yaml:"max_age"`
}

// StoreConfig selects the queue/profile backend.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "redis"
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Replacement is one find/replace rule applied to Romanian subtitles.
type Replacement struct {
	Find    string `yaml:"find"`
	Replace string `yaml:"replace"`
}

type SubtitleConfig struct {
	// Enabled turns subtitle discovery/extraction on (default true)
	Enabled bool `yaml:"enabled"`

	// ReplaceRules are applied in order to Romanian text subtitles
	ReplaceRules []Replacement `yaml:"replace_rules"`
}

type TMDBConfig struct {
	// ReadAccessToken is the v4 bearer token; TMDB_READ_ACCESS_TOKEN overrides it
	ReadAccessToken string `yaml:"read_access_token"`

	// RequestsPerSecond throttles lookups (default 4)
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Timeout bounds a single search request
	Timeout time.Duration `yaml:"timeout"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	// Password is usually supplied through EMAIL_SMTP_PASSWORD
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`

	// SSL uses implicit TLS instead of STARTTLS
	SSL bool `yaml:"ssl"`

	// MinInterval is the minimum spacing between two failure mails
	MinInterval time.Duration `yaml:"min_interval"`
}

type HTTPConfig struct {
	// Addr is the listen address for /metrics, /healthz and the API; empty disables
	Addr string `yaml:"addr"`

	// RequestsPerMinute limits API calls per client IP
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DefaultReplaceRules folds Romanian diacritics, including the cedilla and
// mis-decoded variants found in old subtitle files.
func DefaultReplaceRules() []Replacement {
	return []Replacement{
		{"ș", "s"}, {"Ș", "S"}, {"Ă", "A"}, {"Î", "I"}, {"î", "i"},
		{"ă", "a"}, {"â", "a"}, {"Â", "A"}, {"Ş", "S"}, {"ţ", "t"},
		{"Ț", "T"}, {"ş", "s"}, {"Ţ", "T"}, {"ț", "t"}, {"º", "s"},
		{"ª", "S"}, {"ã", "a"}, {"þ", "t"}, {"Þ", "T"},
	}
}

// DefaultResourceExitCodes are exit statuses that ffmpeg and the QSV runtime
// produce when the GPU runs out of memory or the driver resets.
func DefaultResourceExitCodes() []int {
	return []int{134, 137, 139, 244, 251}
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		LogDir:          "/var/log/conversion",
		DBPath:          "/data/scratch/conversion_data.db",
		QueueFile:       "/data/scratch/conversion.txt",
		PollInterval:    60 * time.Second,
		MoviesRoot:      "/data/scratch/movies",
		TVRoot:          "/data/scratch/tv-series",
		SeedingRoots:    []string{"/share/seeding"},
		TargetMoviesDir: "/data/archive/movies",
		TargetTVDir:     "/data/archive/tv-series",
		ValidExtensions: []string{".mp4", ".srt", ".sub", ".ass", ".sup", ".idx"},
		FFmpegPath:      "/usr/bin/ffmpeg",
		FFprobePath:     "/usr/bin/ffprobe",
		MKVExtractPath:  "/usr/bin/mkvextract",
		Encoder: EncoderConfig{
			QSVDevice:         "/dev/dri/renderD128",
			GlobalQuality:     23,
			DenoiseLevel:      15,
			Cooldown:          2 * time.Second,
			MinOutputBytes:    1000,
			ResourceExitCodes: DefaultResourceExitCodes(),
		},
		Store: StoreConfig{
			Backend:     BackendSQLite,
			RedisPrefix: "stepdown",
		},
		Subtitles: SubtitleConfig{
			Enabled:      true,
			ReplaceRules: DefaultReplaceRules(),
		},
		TMDB: TMDBConfig{
			RequestsPerSecond: 4,
			Timeout:           10 * time.Second,
		},
		SMTP: SMTPConfig{
			Host:        "smtp.gmail.com",
			Port:        587,
			MinInterval: time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:              ":9310",
			RequestsPerMinute: 120,
		},
	}
}

// Load reads config from a YAML file, applying defaults for missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults
			cfg.ApplyEnv(os.LookupEnv)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// applyDefaults fills zero values left behind by a partial YAML file.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
	if c.MKVExtractPath == "" {
		c.MKVExtractPath = def.MKVExtractPath
	}
	if len(c.ValidExtensions) == 0 {
		c.ValidExtensions = def.ValidExtensions
	}
	if c.Encoder.QSVDevice == "" {
		c.Encoder.QSVDevice = def.Encoder.QSVDevice
	}
	if c.Encoder.GlobalQuality == 0 {
		c.Encoder.GlobalQuality = def.Encoder.GlobalQuality
	}
	if c.Encoder.Cooldown <= 0 {
		c.Encoder.Cooldown = def.Encoder.Cooldown
	}
	if c.Encoder.MinOutputBytes <= 0 {
		c.Encoder.MinOutputBytes = def.Encoder.MinOutputBytes
	}
	if c.Encoder.ResourceExitCodes == nil {
		c.Encoder.ResourceExitCodes = def.Encoder.ResourceExitCodes
	}
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = def.Store.RedisPrefix
	}
	if c.Subtitles.ReplaceRules == nil {
		c.Subtitles.ReplaceRules = def.Subtitles.ReplaceRules
	}
	if c.TMDB.RequestsPerSecond <= 0 {
		c.TMDB.RequestsPerSecond = def.TMDB.RequestsPerSecond
	}
	if c.TMDB.Timeout <= 0 {
		c.TMDB.Timeout = def.TMDB.Timeout
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = def.SMTP.Port
	}
	if c.HTTP.RequestsPerMinute <= 0 {
		c.HTTP.RequestsPerMinute = def.HTTP.RequestsPerMinute
	}
}

// ApplyEnv overrides secrets and a few deployment knobs from the environment.
// lookup is os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("TMDB_READ_ACCESS_TOKEN"); ok && v != "" {
		c.TMDB.ReadAccessToken = v
	}
	if v, ok := lookup("EMAIL_SMTP_PASSWORD"); ok && v != "" {
		c.SMTP.Password = v
	}
	if v, ok := lookup("STEPDOWN_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("STEPDOWN_DB_PATH"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup("STEPDOWN_REDIS_ADDR"); ok && v != "" {
		c.Store.RedisAddr = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MoviesRoot == "" && c.TVRoot == "" {
		errs = append(errs, errors.New("at least one of movies_root or tv_root is required"))
	}
	if c.MoviesRoot != "" && c.TargetMoviesDir == "" {
		errs = append(errs, errors.New("target_movies_dir is required when movies_root is set"))
	}
	if c.TVRoot != "" && c.TargetTVDir == "" {
		errs = append(errs, errors.New("target_tv_dir is required when tv_root is set"))
	}
	for _, root := range []string{c.MoviesRoot, c.TVRoot} {
		if root != "" && !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("media root %q must be absolute", root))
		}
	}
	if c.QueueFile == "" {
		errs = append(errs, errors.New("queue_file is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if q := c.Encoder.GlobalQuality; q < 1 || q > 51 {
		errs = append(errs, fmt.Errorf("encoder.global_quality must be between 1 and 51, got %d", q))
	}
	if c.Encoder.DenoiseLevel < 0 || c.Encoder.DenoiseLevel > 100 {
		errs = append(errs, fmt.Errorf("encoder.denoise_level must be between 0 and 100, got %d", c.Encoder.DenoiseLevel))
	}
	if c.Encoder.Timeout < 0 {
		errs = append(errs, errors.New("encoder.timeout must not be negative"))
	}
	if c.Heuristics.MaxAge < 0 {
		errs = append(errs, errors.New("heuristics.max_age must not be negative"))
	}
	if !IsValidStoreBackend(c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %v", c.Store.Backend, ValidStoreBackends))
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
	}
	if !IsValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not one of %v", c.LogLevel, ValidLogLevels))
	}

	return errors.Join(errs...)
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return renameio.WriteFile(path, data, 0644)
}

// LogGeneralDir is where per-job logs are written.
func (c *Config) LogGeneralDir() string {
	return filepath.Join(c.LogDir, "general")
}

// DaemonLogPath is the rotating log of the long-running daemon.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.LogDir, "stepdown.log")
}

// LogFFmpegDir is where per-attempt encoder logs are written.
func (c *Config) LogFFmpegDir() string {
	return filepath.Join(c.LogDir, "ffmpeg")
}
