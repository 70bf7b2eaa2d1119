// Package config loads and validates the clip-engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultTempDir    = "temp"
	defaultKeyPrefix  = "clips/"
	defaultRegion     = "us-east-1"
	defaultJournalDir = "progress-journal"
)

// Config is the full runtime configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Progress ProgressConfig `yaml:"progress"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	API      APIConfig      `yaml:"api"`
}

// StorageConfig configures the remote object store.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // "s3" | "gcs" | "local"
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // custom endpoint for B2/MinIO/R2
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	KeyPrefix string `yaml:"key_prefix"`
	LocalDir  string `yaml:"local_dir"` // for the local backend
}

// PipelineConfig configures the processing engine.
type PipelineConfig struct {
	TempDir            string `yaml:"temp_dir"`
	AcceleratorEnabled bool   `yaml:"accelerator_enabled"`
	MaxConcurrent      int    `yaml:"max_concurrent"` // 0 = derive from resources
	PreflightCheck     bool   `yaml:"preflight_check"`
}

// ProgressConfig configures progress event delivery.
type ProgressConfig struct {
	JournalDir string `yaml:"journal_dir"`
	Endpoint   string `yaml:"endpoint"` // optional HTTP subscriber
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// APIConfig configures the read-only status HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":8080"
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:   "s3",
			Region:    defaultRegion,
			KeyPrefix: defaultKeyPrefix,
			LocalDir:  "./data",
		},
		Pipeline: PipelineConfig{
			TempDir:        defaultTempDir,
			PreflightCheck: true,
		},
		Progress: ProgressConfig{
			JournalDir: defaultJournalDir,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
		API:     APIConfig{Enabled: true, Address: ":8080"},
	}
}

// Load reads YAML config from path, applies environment overrides, and
// validates the result. A missing or empty file is not an error; defaults
// plus env apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays CLIP_* environment variables onto the config.
// Credentials are the common case for env-only deployment.
func (c *Config) applyEnv() {
	c.Storage.Backend = getenvDefault("CLIP_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getenvDefault("CLIP_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getenvDefault("CLIP_STORAGE_REGION", c.Storage.Region)
	c.Storage.Endpoint = getenvDefault("CLIP_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getenvDefault("CLIP_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getenvDefault("CLIP_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.KeyPrefix = getenvDefault("CLIP_KEY_PREFIX", c.Storage.KeyPrefix)
	c.Pipeline.TempDir = getenvDefault("CLIP_TEMP_DIR", c.Pipeline.TempDir)

	if v := os.Getenv("CLIP_ACCELERATOR_ENABLED"); v != "" {
		c.Pipeline.AcceleratorEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLIP_MAX_CONCURRENT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxConcurrent = parsed
		}
	}
	c.Logging.Format = getenvDefault("CLIP_LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("CLIP_LOG_LEVEL", c.Logging.Level)
}

// normalize fills gaps and fixes up the key prefix so joins stay predictable.
func (c *Config) normalize() {
	if c.Storage.Region == "" {
		c.Storage.Region = defaultRegion
	}
	if c.Pipeline.TempDir == "" {
		c.Pipeline.TempDir = defaultTempDir
	}
	if c.Progress.JournalDir == "" {
		c.Progress.JournalDir = defaultJournalDir
	}
	if p := c.Storage.KeyPrefix; p != "" && !strings.HasSuffix(p, "/") {
		c.Storage.KeyPrefix = p + "/"
	}
}

// Validate rejects configurations that would fail every batch anyway.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage backend %q requires a bucket", c.Storage.Backend)
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New(`storage backend "local" requires local_dir`)
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	// Half-configured static credentials are always a mistake. An empty pair
	// is fine: the SDK falls back to its own credential chain.
	if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		return errors.New("access_key and secret_key must be set together")
	}

	if c.Pipeline.MaxConcurrent < 0 {
		return fmt.Errorf("invalid max_concurrent: %d", c.Pipeline.MaxConcurrent)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
