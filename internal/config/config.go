// Package config loads, validates, and hot-reloads the daemon's
// configuration file.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/WorkingRobot/egvmount/internal/chunkcodec"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	Mount    MountConfig    `mapstructure:"mount"`
	Cache    CacheConfig    `mapstructure:"cache"`
	CDN      CDNConfig      `mapstructure:"cdn"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Admin    AdminConfig    `mapstructure:"admin"`
	LogLevel string         `mapstructure:"log_level"`
}

// MountConfig controls the FUSE mount surface.
type MountConfig struct {
	MountPoint  string `mapstructure:"mount_point"`
	VolumeLabel string `mapstructure:"volume_label"`
}

// CacheConfig controls local chunk storage and the in-memory pool.
type CacheConfig struct {
	Dir               string           `mapstructure:"dir"`
	CompressionMethod chunkcodec.Form  `mapstructure:"compression_method"`
	CompressionLevel  chunkcodec.Level `mapstructure:"compression_level"`
	BufferCount       uint16           `mapstructure:"buffer_count"`
	ThreadCount       uint16           `mapstructure:"thread_count"`
	VerifyHashes      bool             `mapstructure:"verify_hashes"`
}

// CDNConfig controls chunk retrieval from the content delivery network.
type CDNConfig struct {
	Host          string        `mapstructure:"host"`
	CloudDir      string        `mapstructure:"cloud_dir"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// ManifestConfig controls where the build manifest is sourced from.
type ManifestConfig struct {
	SourceURL string `mapstructure:"source_url"`
	LocalPath string `mapstructure:"local_path"`
}

// AuditSinkConfig configures the destination audit events are written to.
type AuditSinkConfig struct {
	Type          string            `mapstructure:"type"`
	Endpoint      string            `mapstructure:"endpoint"`
	Headers       map[string]string `mapstructure:"headers"`
	FilePath      string            `mapstructure:"file_path"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig controls the audit event logger.
type AuditConfig struct {
	Enabled             bool            `mapstructure:"enabled"`
	Sink                AuditSinkConfig `mapstructure:"sink"`
	MaxEvents           int             `mapstructure:"max_events"`
	RedactMetadataKeys  []string        `mapstructure:"redact_metadata_keys"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AdminConfig controls the health/readiness/stats HTTP surface.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Validate checks that required fields are present and internally
// consistent.
func (c *Config) Validate() error {
	if c.Mount.MountPoint == "" {
		return fmt.Errorf("config: mount.mount_point is required")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("config: cache.dir is required")
	}
	if c.Cache.ThreadCount == 0 {
		c.Cache.ThreadCount = 4
	}
	if c.Cache.BufferCount == 0 {
		c.Cache.BufferCount = 32
	}
	if c.CDN.Host == "" {
		return fmt.Errorf("config: cdn.host is required")
	}
	if c.Manifest.SourceURL == "" && c.Manifest.LocalPath == "" {
		return fmt.Errorf("config: manifest.source_url or manifest.local_path is required")
	}
	if c.CDN.MaxRetries <= 0 {
		c.CDN.MaxRetries = 5
	}
	if c.CDN.RequestTimeout <= 0 {
		c.CDN.RequestTimeout = 30 * time.Second
	}
	if c.CDN.RetryBackoff <= 0 {
		c.CDN.RetryBackoff = 200 * time.Millisecond
	}
	if c.Audit.Enabled && c.Audit.Sink.Type == "" {
		c.Audit.Sink.Type = "stdout"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("cache.thread_count", 4)
	v.SetDefault("cache.buffer_count", 32)
	v.SetDefault("cache.verify_hashes", true)
	v.SetDefault("cdn.max_retries", 5)
	v.SetDefault("cdn.request_timeout", "30s")
	v.SetDefault("cdn.retry_backoff", "200ms")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8080")
}

// Load reads and validates configuration from path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watcher holds the current configuration and reloads it from disk on
// file-system write events.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// NewWatcher loads path once and begins watching it for changes.
func NewWatcher(path string, logger *logrus.Entry) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	w := &Watcher{path: path, watcher: fsw, logger: logger}
	w.current.Store(cfg)

	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops the file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			w.current.Store(cfg)
			w.logger.Info("configuration reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}
