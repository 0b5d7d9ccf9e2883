// Package config loads the adapter's multi-mount configuration: one YAML
// document describing zero or more mounts, each binding a local path to a
// connector and an optional cache override, plus a connectors section of
// defaults every mount can inherit from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/fuseadapter/pkg/utils"
)

// Config is the root of the configuration file.
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Connectors ConnectorDefaults `yaml:"connectors"`
	Mounts     []MountConfig     `yaml:"mounts"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint every mount
// reports to.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// DefaultMetricsConfig returns metrics disabled, matching the adapter's
// opt-in posture for anything that opens a network listener.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: false, Addr: ":9100", Path: "/metrics"}
}

// LoggingConfig controls the structured logger wired up in cmd/fuseadapter.
type LoggingConfig struct {
	Level    string          `yaml:"level"`
	Format   string          `yaml:"format"` // "text" or "json"
	File     string          `yaml:"file"`   // empty means stdout
	Rotation *RotationConfig `yaml:"rotation,omitempty"`
}

// RotationConfig bounds the size and age of the log file named by
// LoggingConfig.File before it's rotated aside. Ignored when File is
// empty, since rotation only applies to a file sink.
type RotationConfig struct {
	MaxSizeMB  int64 `yaml:"max_size_mb"`
	MaxAgeDays int   `yaml:"max_age_days"`
	MaxBackups int   `yaml:"max_backups"`
	Compress   bool  `yaml:"compress"`
}

// ConnectorDefaults holds per-connector-type settings that every mount
// using that connector type inherits unless it overrides the field itself.
// Only S3 is implemented; the shape leaves room for sibling connector
// types without disturbing mounts already configured.
type ConnectorDefaults struct {
	S3 *S3Defaults `yaml:"s3,omitempty"`
}

// S3Defaults are the fleet-wide defaults for S3-backed mounts.
type S3Defaults struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// MountConfig describes one FUSE mount.
type MountConfig struct {
	// Path is the local directory the adapter mounts onto.
	Path string `yaml:"path"`

	// ReadOnly forces the mount read-only regardless of what the
	// connector itself supports.
	ReadOnly bool `yaml:"read_only"`

	Connector MountConnectorConfig `yaml:"connector"`
	Cache     *CacheConfig         `yaml:"cache,omitempty"`

	// StatusOverlay configures the virtual status directory reporting this
	// mount's backend health. The overlay is always enabled; nil uses the
	// defaults.
	StatusOverlay *StatusOverlayConfig `yaml:"status_overlay,omitempty"`
}

// StatusOverlayConfig controls the virtual status directory injected into
// a mount's root: "<prefix>/status", "<prefix>/error" and
// "<prefix>/error_log".
type StatusOverlayConfig struct {
	Prefix        string `yaml:"prefix"`
	MaxLogEntries int    `yaml:"max_log_entries"`
}

// DefaultStatusOverlayConfig returns the adapter's default status
// directory name and error log retention.
func DefaultStatusOverlayConfig() StatusOverlayConfig {
	return StatusOverlayConfig{Prefix: ".fuse-adapter", MaxLogEntries: 1000}
}

// EffectiveStatusOverlay returns the mount's status overlay config,
// falling back to the package default for any field left unset.
func EffectiveStatusOverlay(m MountConfig) StatusOverlayConfig {
	def := DefaultStatusOverlayConfig()
	if m.StatusOverlay == nil {
		return def
	}
	eff := *m.StatusOverlay
	if eff.Prefix == "" {
		eff.Prefix = def.Prefix
	}
	if eff.MaxLogEntries <= 0 {
		eff.MaxLogEntries = def.MaxLogEntries
	}
	return eff
}

// MountConnectorConfig is a manually-flattened tagged union: Type selects
// which of the typed sub-structs is populated, mirroring the tagged-enum
// shape a serde-based config would use for the same data.
type MountConnectorConfig struct {
	Type string        `yaml:"type"` // "s3"
	S3   *S3MountConfig `yaml:"s3,omitempty"`
}

// S3MountConfig is a single mount's S3 settings. Every field is optional;
// an empty field falls back to ConnectorDefaults.S3, then to a hard
// default, in ResolveS3.
type S3MountConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle *bool  `yaml:"force_path_style,omitempty"`
	ReadOnly       bool   `yaml:"read_only"`
}

// ResolvedS3Config is the fully-merged S3 configuration for one mount,
// after applying ConnectorDefaults.S3 and hard defaults.
type ResolvedS3Config struct {
	Bucket         string
	Region         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool
	ReadOnly       bool
}

// CacheConfig controls the staging cache backing a mount's write buffer
// and read-through cache.
type CacheConfig struct {
	// Kind selects the cache implementation: "filesystem" (default) stages
	// on local disk, "none" disables caching entirely. A connector whose
	// CacheRequirements declare write_buffer=Required cannot be mounted
	// with Kind "none"; the supervisor refuses to start that mount.
	Kind          string        `yaml:"kind"`
	Dir           string        `yaml:"dir"`
	MaxSize       string        `yaml:"max_size"`       // human-readable, e.g. "2GB"
	FlushInterval time.Duration `yaml:"flush_interval"` // dirty-entry flush cadence
	MetadataTTL   time.Duration `yaml:"metadata_ttl"`   // stat() result cache lifetime

	// RetryMaxAttempts, RetryInitialDelay and RetryMaxDelay tune the
	// backoff used when flushing a dirty entry to a backend that reports
	// a transient failure. Zero leaves the staging cache's default in
	// place.
	RetryMaxAttempts  int           `yaml:"retry_max_attempts,omitempty"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay,omitempty"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay,omitempty"`
}

// Disabled reports whether this cache config turns caching off entirely.
func (c CacheConfig) Disabled() bool {
	return c.Kind == "none"
}

// MaxSizeBytes parses CacheConfig.MaxSize, defaulting to 0 (unbounded) if
// the field is empty.
func (c CacheConfig) MaxSizeBytes() (int64, error) {
	if c.MaxSize == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.MaxSize)
}

// DefaultCacheConfig returns the adapter's default staging cache policy.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Kind:          "filesystem",
		Dir:           filepath.Join(os.TempDir(), "fuseadapter-cache"),
		MaxSize:       "2GB",
		FlushInterval: 30 * time.Second,
		MetadataTTL:   60 * time.Second,
	}
}

// DefaultLoggingConfig returns the adapter's default logging policy.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "INFO",
		Format: "text",
	}
}

// Load reads and parses the YAML configuration file at path, then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Logging: DefaultLoggingConfig(), Metrics: DefaultMetricsConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables onto fields a deployment commonly
// wants to override without editing the mounted config file.
func (c *Config) applyEnv() {
	if val := os.Getenv("FUSEADAPTER_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("FUSEADAPTER_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("FUSEADAPTER_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
}

// Save writes the configuration back out as YAML, used by tests and by
// operators who want to capture an env-overridden config to disk.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that every mount is well-formed and that no two mounts
// target the same local path.
func (c *Config) Validate() error {
	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLevels, ", "))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	if len(c.Mounts) == 0 {
		return fmt.Errorf("config must declare at least one mount")
	}

	seen := make(map[string]bool, len(c.Mounts))
	for i, m := range c.Mounts {
		if err := utils.ValidatePath(m.Path, true); err != nil {
			return fmt.Errorf("mounts[%d]: path: %w", i, err)
		}
		if seen[m.Path] {
			return fmt.Errorf("mounts[%d]: duplicate mount path %q", i, m.Path)
		}
		seen[m.Path] = true

		switch m.Connector.Type {
		case "s3":
			if m.Connector.S3 == nil {
				return fmt.Errorf("mounts[%d]: connector.type is s3 but connector.s3 is unset", i)
			}
			if _, err := c.ResolveS3(m); err != nil {
				return fmt.Errorf("mounts[%d]: %w", i, err)
			}
		case "":
			return fmt.Errorf("mounts[%d]: connector.type is required", i)
		default:
			return fmt.Errorf("mounts[%d]: unknown connector type %q", i, m.Connector.Type)
		}

		if m.Cache != nil {
			if _, err := m.Cache.MaxSizeBytes(); err != nil {
				return fmt.Errorf("mounts[%d]: cache.max_size: %w", i, err)
			}
			switch m.Cache.Kind {
			case "", "filesystem", "none":
			default:
				return fmt.Errorf("mounts[%d]: unknown cache.kind %q", i, m.Cache.Kind)
			}
		}
	}

	return nil
}

// ResolveS3 merges a mount's S3 settings with the fleet-wide S3 defaults,
// the way a mount omitting bucket-level fields inherits them in
// ConnectorDefaults.S3.
func (c *Config) ResolveS3(m MountConfig) (ResolvedS3Config, error) {
	if m.Connector.S3 == nil {
		return ResolvedS3Config{}, fmt.Errorf("mount has no s3 connector config")
	}
	mc := m.Connector.S3

	resolved := ResolvedS3Config{
		Bucket:   mc.Bucket,
		Region:   mc.Region,
		Prefix:   mc.Prefix,
		Endpoint: mc.Endpoint,
		ReadOnly: m.ReadOnly || mc.ReadOnly,
	}

	if def := c.Connectors.S3; def != nil {
		if resolved.Region == "" {
			resolved.Region = def.Region
		}
		if resolved.Endpoint == "" {
			resolved.Endpoint = def.Endpoint
		}
		if mc.ForcePathStyle != nil {
			resolved.ForcePathStyle = *mc.ForcePathStyle
		} else {
			resolved.ForcePathStyle = def.ForcePathStyle
		}
	} else if mc.ForcePathStyle != nil {
		resolved.ForcePathStyle = *mc.ForcePathStyle
	}

	if resolved.Bucket == "" {
		return ResolvedS3Config{}, fmt.Errorf("s3 connector requires a bucket")
	}
	if resolved.Region == "" {
		resolved.Region = "us-east-1"
	}

	return resolved, nil
}

// EffectiveCache returns the mount's cache config, falling back to the
// package default for any field the mount leaves unset.
func EffectiveCache(m MountConfig) CacheConfig {
	def := DefaultCacheConfig()
	if m.Cache == nil {
		return def
	}

	eff := *m.Cache
	if eff.Kind == "" {
		eff.Kind = def.Kind
	}
	if eff.Dir == "" {
		eff.Dir = def.Dir
	}
	if eff.MaxSize == "" {
		eff.MaxSize = def.MaxSize
	}
	if eff.FlushInterval <= 0 {
		eff.FlushInterval = def.FlushInterval
	}
	if eff.MetadataTTL <= 0 {
		eff.MetadataTTL = def.MetadataTTL
	}
	// RetryMaxAttempts/RetryInitialDelay/RetryMaxDelay have no package
	// default to fall back to; zero means "let the staging cache use its
	// own built-in retry defaults".
	return eff
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
