package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: s3
  bucket: court-footage
  region: us-west-2
  key_prefix: clips/highlights
pipeline:
  max_concurrent: 2
  accelerator_enabled: true
logging:
  format: json
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Bucket != "court-footage" || cfg.Storage.Region != "us-west-2" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.KeyPrefix != "clips/highlights/" {
		t.Errorf("key prefix = %q, want trailing slash added", cfg.Storage.KeyPrefix)
	}
	if cfg.Pipeline.MaxConcurrent != 2 || !cfg.Pipeline.AcceleratorEnabled {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.TempDir != defaultTempDir {
		t.Errorf("temp dir = %q", cfg.Pipeline.TempDir)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		// Defaults use the s3 backend without a bucket, which must not
		// validate; a bucket from the environment makes it pass instead.
		t.Fatal("expected validation error without a bucket")
	}

	t.Setenv("CLIP_STORAGE_BUCKET", "court-footage")
	cfg, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Bucket != "court-footage" {
		t.Errorf("bucket = %q", cfg.Storage.Bucket)
	}
	if cfg.Storage.Backend != "s3" || cfg.Storage.Region != defaultRegion {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: s3
  bucket: from-file
`)

	t.Setenv("CLIP_STORAGE_BUCKET", "from-env")
	t.Setenv("CLIP_ACCESS_KEY", "AKIA123")
	t.Setenv("CLIP_SECRET_KEY", "shh")
	t.Setenv("CLIP_MAX_CONCURRENT", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Bucket != "from-env" {
		t.Errorf("bucket = %q, want env to win", cfg.Storage.Bucket)
	}
	if cfg.Storage.AccessKey != "AKIA123" || cfg.Storage.SecretKey != "shh" {
		t.Errorf("credentials not applied from env")
	}
	if cfg.Pipeline.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want 3", cfg.Pipeline.MaxConcurrent)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Bucket = "" }},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local"; c.Storage.LocalDir = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"half credentials", func(c *Config) { c.Storage.AccessKey = "AKIA123"; c.Storage.SecretKey = "" }},
		{"negative concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Bucket = "court-footage"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
