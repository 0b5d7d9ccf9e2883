package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_SingleMount(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: DEBUG
  format: json

connectors:
  s3:
    region: us-west-2
    force_path_style: false

mounts:
  - path: /mnt/data
    connector:
      type: s3
      s3:
        bucket: my-bucket
        prefix: data/
    cache:
      max_size: 4GB
      flush_interval: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected logging.level DEBUG, got %s", cfg.Logging.Level)
	}
	if len(cfg.Mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(cfg.Mounts))
	}

	m := cfg.Mounts[0]
	resolved, err := cfg.ResolveS3(m)
	if err != nil {
		t.Fatalf("ResolveS3() error = %v", err)
	}

	if resolved.Bucket != "my-bucket" {
		t.Errorf("expected bucket my-bucket, got %s", resolved.Bucket)
	}
	if resolved.Region != "us-west-2" {
		t.Errorf("expected region inherited from defaults, got %s", resolved.Region)
	}
	if resolved.Prefix != "data/" {
		t.Errorf("expected prefix data/, got %s", resolved.Prefix)
	}

	cache := EffectiveCache(m)
	if cache.FlushInterval != 10*time.Second {
		t.Errorf("expected flush_interval 10s, got %v", cache.FlushInterval)
	}
	if cache.MaxSize != "4GB" {
		t.Errorf("expected max_size 4GB, got %s", cache.MaxSize)
	}
}

func TestResolveS3_MountOverridesDefaults(t *testing.T) {
	cfg := &Config{
		Connectors: ConnectorDefaults{
			S3: &S3Defaults{Region: "us-east-1", ForcePathStyle: false},
		},
	}
	forcePathStyle := true
	m := MountConfig{
		Path: "/mnt/x",
		Connector: MountConnectorConfig{
			Type: "s3",
			S3: &S3MountConfig{
				Bucket:         "b",
				Region:         "eu-central-1",
				ForcePathStyle: &forcePathStyle,
			},
		},
	}

	resolved, err := cfg.ResolveS3(m)
	if err != nil {
		t.Fatalf("ResolveS3() error = %v", err)
	}
	if resolved.Region != "eu-central-1" {
		t.Errorf("expected mount-level region override, got %s", resolved.Region)
	}
	if !resolved.ForcePathStyle {
		t.Error("expected mount-level force_path_style override to take effect")
	}
}

func TestResolveS3_MissingBucket(t *testing.T) {
	cfg := &Config{}
	m := MountConfig{
		Path: "/mnt/x",
		Connector: MountConnectorConfig{
			Type: "s3",
			S3:   &S3MountConfig{},
		},
	}

	if _, err := cfg.ResolveS3(m); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestValidate_NoMounts(t *testing.T) {
	cfg := &Config{Logging: DefaultLoggingConfig()}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when no mounts are declared")
	}
}

func TestValidate_DuplicatePaths(t *testing.T) {
	cfg := &Config{
		Logging: DefaultLoggingConfig(),
		Mounts: []MountConfig{
			{Path: "/mnt/a", Connector: MountConnectorConfig{Type: "s3", S3: &S3MountConfig{Bucket: "b1"}}},
			{Path: "/mnt/a", Connector: MountConnectorConfig{Type: "s3", S3: &S3MountConfig{Bucket: "b2"}}},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate mount paths")
	}
}

func TestValidate_UnknownConnectorType(t *testing.T) {
	cfg := &Config{
		Logging: DefaultLoggingConfig(),
		Mounts: []MountConfig{
			{Path: "/mnt/a", Connector: MountConnectorConfig{Type: "gdrive"}},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown connector type")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "VERBOSE"},
		Mounts: []MountConfig{
			{Path: "/mnt/a", Connector: MountConnectorConfig{Type: "s3", S3: &S3MountConfig{Bucket: "b1"}}},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FUSEADAPTER_LOG_LEVEL", "ERROR")
	t.Setenv("FUSEADAPTER_LOG_FORMAT", "json")

	cfg := &Config{Logging: DefaultLoggingConfig()}
	cfg.applyEnv()

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected log level ERROR from env, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format json from env, got %s", cfg.Logging.Format)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Mounts: []MountConfig{
			{
				Path: "/mnt/data",
				Connector: MountConnectorConfig{
					Type: "s3",
					S3:   &S3MountConfig{Bucket: "round-trip-bucket"},
				},
			},
		},
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(loaded.Mounts) != 1 || loaded.Mounts[0].Connector.S3.Bucket != "round-trip-bucket" {
		t.Errorf("round-tripped config does not match: %+v", loaded)
	}
}

func TestMaxSizeBytes_Empty(t *testing.T) {
	c := CacheConfig{}
	n, err := c.MaxSizeBytes()
	if err != nil {
		t.Fatalf("MaxSizeBytes() error = %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 for unset max_size, got %d", n)
	}
}

func TestMaxSizeBytes_Parsed(t *testing.T) {
	c := CacheConfig{MaxSize: "2GB"}
	n, err := c.MaxSizeBytes()
	if err != nil {
		t.Fatalf("MaxSizeBytes() error = %v", err)
	}
	if n != 2*1024*1024*1024 {
		t.Errorf("expected 2GB in bytes, got %d", n)
	}
}
