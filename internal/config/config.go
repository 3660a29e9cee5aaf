// Package config loads configuration from a YAML file and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/drivesync/internal/pathindex"
	"github.com/fruitsalade/drivesync/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRIVESYNC_"

// Config holds everything needed to open a drive.
type Config struct {
	// Driver names a registered driver; DriverOptions are passed to it.
	Driver        string            `yaml:"driver"`
	DriverOptions map[string]string `yaml:"driver_options"`

	Store    StoreConfig    `yaml:"store"`
	Sync     SyncConfig     `yaml:"sync"`
	Transfer TransferConfig `yaml:"transfer"`
	Log      LogConfig      `yaml:"log"`

	// MetricsAddr is where the CLI serves /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// StoreConfig selects the node store.
type StoreConfig struct {
	Engine      string `yaml:"engine"` // sqlite, postgres
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	CollisionPolicy string      `yaml:"collision_policy"`
	Retry           RetryConfig `yaml:"retry"`
}

// RetryConfig mirrors retry.Config in YAML.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// TransferConfig tunes downloads and uploads.
type TransferConfig struct {
	Concurrency int         `yaml:"concurrency"`
	Sink        string      `yaml:"sink"` // local, s3
	Retry       RetryConfig `yaml:"retry"`
	S3          S3Config    `yaml:"s3"`
}

// S3Config configures the S3 download sink.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // empty: stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Retry converts to a retry.Config.
func (r RetryConfig) Retry() retry.Config {
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		InitialWait: r.InitialWait,
		MaxWait:     r.MaxWait,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
}

// Policy returns the parsed collision policy.
func (c *Config) Policy() pathindex.Policy {
	p, _ := pathindex.ParsePolicy(c.Sync.CollisionPolicy)
	return p
}

// ConfigDir returns the default configuration directory.
func ConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "drivesync")
	}
	return ".drivesync"
}

// DataDir returns the default data directory.
func DataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "drivesync")
	}
	return ".drivesync"
}

// DefaultPath is the config file read when none is named.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	def := retry.DefaultConfig()
	r := RetryConfig{
		MaxAttempts: def.MaxAttempts,
		InitialWait: def.InitialWait,
		MaxWait:     def.MaxWait,
		Multiplier:  def.Multiplier,
		Jitter:      def.Jitter,
	}
	return &Config{
		Driver:        "memory",
		DriverOptions: map[string]string{},
		Store: StoreConfig{
			Engine: "sqlite",
			Path:   filepath.Join(DataDir(), "nodes.db"),
		},
		Sync: SyncConfig{
			CollisionPolicy: pathindex.LastApplied.String(),
			Retry:           r,
		},
		Transfer: TransferConfig{
			Concurrency: 4,
			Sink:        "local",
			Retry:       r,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Driver = envOr("DRIVER", c.Driver)
	c.Store.Engine = envOr("STORE_ENGINE", c.Store.Engine)
	c.Store.Path = envOr("STORE_PATH", c.Store.Path)
	c.Store.DatabaseURL = envOr("DATABASE_URL", c.Store.DatabaseURL)
	c.Sync.CollisionPolicy = envOr("COLLISION_POLICY", c.Sync.CollisionPolicy)
	c.Sync.Retry.MaxAttempts = envInt("RETRY_MAX_ATTEMPTS", c.Sync.Retry.MaxAttempts)
	c.Sync.Retry.InitialWait = envDuration("RETRY_INITIAL_WAIT", c.Sync.Retry.InitialWait)
	c.Sync.Retry.MaxWait = envDuration("RETRY_MAX_WAIT", c.Sync.Retry.MaxWait)
	c.Transfer.Concurrency = envInt("TRANSFER_CONCURRENCY", c.Transfer.Concurrency)
	c.Transfer.Sink = envOr("TRANSFER_SINK", c.Transfer.Sink)
	c.Transfer.S3.Endpoint = envOr("S3_ENDPOINT", c.Transfer.S3.Endpoint)
	c.Transfer.S3.Region = envOr("S3_REGION", c.Transfer.S3.Region)
	c.Transfer.S3.Bucket = envOr("S3_BUCKET", c.Transfer.S3.Bucket)
	c.Transfer.S3.Prefix = envOr("S3_PREFIX", c.Transfer.S3.Prefix)
	c.Transfer.S3.AccessKey = envOr("S3_ACCESS_KEY", c.Transfer.S3.AccessKey)
	c.Transfer.S3.SecretKey = envOr("S3_SECRET_KEY", c.Transfer.S3.SecretKey)
	c.Transfer.S3.PathStyle = envBool("S3_PATH_STYLE", c.Transfer.S3.PathStyle)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
	c.Log.File = envOr("LOG_FILE", c.Log.File)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// Validate checks that the configuration can open a drive.
func (c *Config) Validate() error {
	if c.Driver == "" {
		return fmt.Errorf("driver is required")
	}
	switch c.Store.Engine {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store engine %q", c.Store.Engine)
	}
	if _, err := pathindex.ParsePolicy(c.Sync.CollisionPolicy); err != nil {
		return err
	}
	if c.Sync.Retry.MaxAttempts < 0 || c.Transfer.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Transfer.Concurrency < 1 {
		return fmt.Errorf("transfer.concurrency must be at least 1")
	}
	switch c.Transfer.Sink {
	case "local":
	case "s3":
		if c.Transfer.S3.Bucket == "" {
			return fmt.Errorf("transfer.s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("unknown transfer sink %q", c.Transfer.Sink)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
