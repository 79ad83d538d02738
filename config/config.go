package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Database   DatabaseConfig     `yaml:"database"`
	Blob       BlobConfig         `yaml:"blob"`
	Sweeper    SweeperConfig      `yaml:"sweeper"`
	Push       PushConfig         `yaml:"push"`
	WorkerPool WorkerPoolConfig   `yaml:"worker_pool"`
	Machines   map[string]float64 `yaml:"machines"`
	LogLevel   string             `yaml:"log_level"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	// SSEBuffer is the number of undelivered events a viewer may lag behind
	// before it is disconnected.
	SSEBuffer       int `yaml:"sse_buffer"`
	ShutdownSeconds int `yaml:"shutdown_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Path is the SQLite database file, used when DSN is empty.
	Path string `yaml:"path"`
	// SnapshotPath enables ordered VACUUM INTO snapshots after every write.
	SnapshotPath string `yaml:"snapshot_path"`
	QueueSize    int    `yaml:"queue_size"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries"`
}

// BlobConfig configures where uploaded images live and how they are served.
type BlobConfig struct {
	// URL is a gocloud.dev bucket URL (e.g. s3://bucket?region=x). When empty
	// a local directory bucket rooted at Dir is used.
	URL            string   `yaml:"url"`
	Dir            string   `yaml:"dir"`
	Prefix         string   `yaml:"prefix"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedTypes   []string `yaml:"allowed_types"`
	// Access is "proxy" (default), "public" or "signed".
	Access           string        `yaml:"access"`
	PublicBaseURL    string        `yaml:"public_base_url"`
	SignedURLSeconds int           `yaml:"signed_url_seconds"`
	SignedURLExpiry  time.Duration `yaml:"-"`
}

// SweeperConfig controls the periodic removal of unreferenced blobs.
type SweeperConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	GraceSeconds    int           `yaml:"grace_seconds"`
	Grace           time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path. A missing file is not an
// error: defaults and environment overrides still apply, which is how the
// desktop shell starts the server on first run.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
		slog.Warn("configuration file not found, using defaults", "path", path)
	default:
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv lets the process environment override file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring invalid PORT", "value", v)
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Database.Path = filepath.Join(v, "calibration.db")
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.Blob.Dir = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}
	if cfg.Server.SSEBuffer <= 0 {
		cfg.Server.SSEBuffer = 16
	}
	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/calibration.db"
	}
	if cfg.Database.QueueSize <= 0 {
		cfg.Database.QueueSize = 64
	}

	if cfg.Blob.Dir == "" {
		cfg.Blob.Dir = "./uploads"
	}
	if cfg.Blob.Prefix == "" {
		cfg.Blob.Prefix = "records/"
	}
	if cfg.Blob.MaxUploadBytes <= 0 {
		cfg.Blob.MaxUploadBytes = 10 << 20
	}
	if len(cfg.Blob.AllowedTypes) == 0 {
		cfg.Blob.AllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	}
	if cfg.Blob.Access == "" {
		cfg.Blob.Access = "proxy"
	}
	if cfg.Blob.SignedURLSeconds <= 0 {
		cfg.Blob.SignedURLSeconds = 900
	}
	cfg.Blob.SignedURLExpiry = time.Duration(cfg.Blob.SignedURLSeconds) * time.Second

	if cfg.Sweeper.IntervalSeconds <= 0 {
		cfg.Sweeper.IntervalSeconds = 3600
	}
	cfg.Sweeper.Interval = time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second
	if cfg.Sweeper.GraceSeconds <= 0 {
		cfg.Sweeper.GraceSeconds = 600
	}
	cfg.Sweeper.Grace = time.Duration(cfg.Sweeper.GraceSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		slog.Info("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
