// Package config handles configuration loading for the bin viewer server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/queue"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Mosaic MosaicConfig `yaml:"mosaic"`
	Queue  QueueConfig  `yaml:"queue"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// CacheConfig contains mosaic cache settings.
type CacheConfig struct {
	Backend    string `yaml:"backend"` // bigcache or lru
	SizeMB     int    `yaml:"size_mb"`
	Entries    int    `yaml:"entries"`
	TTLMinutes int    `yaml:"ttl_minutes"`
	Compress   *bool  `yaml:"compress"`

	// Timeline caching is off unless TimelineTTLSeconds is positive.
	TimelineEntries    int `yaml:"timeline_entries"`
	TimelineTTLSeconds int `yaml:"timeline_ttl_seconds"`
}

// MosaicConfig contains the mosaic view defaults offered to clients.
type MosaicConfig struct {
	DefaultViewSize    string   `yaml:"default_view_size"`
	DefaultScaleFactor int      `yaml:"default_scale_factor"`
	ViewSizes          []string `yaml:"view_sizes"`
	ScaleFactors       []int    `yaml:"scale_factors"`
}

// QueueConfig contains work queue settings.
type QueueConfig struct {
	Workers       int     `yaml:"workers"`
	Capacity      int     `yaml:"capacity"`
	SQLitePath    string  `yaml:"sqlite_path"`
	RetentionDays int     `yaml:"retention_days"`
	SubmitRate    float64 `yaml:"submit_rate"`
	SubmitBurst   int     `yaml:"submit_burst"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	compress := true
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "IFCB Dashboard",
		},
		Data: DataConfig{
			SQLitePath: "./data/ifcb.sqlite",
		},
		Cache: CacheConfig{
			Backend:    cache.BackendBigCache,
			SizeMB:     256,
			Entries:    4096,
			TTLMinutes: 0,
			Compress:   &compress,
		},
		Mosaic: MosaicConfig{
			DefaultViewSize:    "800x600",
			DefaultScaleFactor: 33,
			ViewSizes:          []string{"640x480", "800x600", "1024x768", "1280x720", "1920x1080"},
			ScaleFactors:       []int{10, 25, 33, 50, 66, 75, 100},
		},
		Queue: QueueConfig{
			Workers:       2,
			Capacity:      256,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
			SubmitRate:    50,
			SubmitBurst:   100,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.SQLitePath == "" {
		cfg.Data.SQLitePath = defaults.Data.SQLitePath
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = defaults.Cache.Backend
	}
	if cfg.Cache.SizeMB == 0 {
		cfg.Cache.SizeMB = defaults.Cache.SizeMB
	}
	if cfg.Cache.Entries == 0 {
		cfg.Cache.Entries = defaults.Cache.Entries
	}
	if cfg.Cache.Compress == nil {
		cfg.Cache.Compress = defaults.Cache.Compress
	}
	if cfg.Mosaic.DefaultViewSize == "" {
		cfg.Mosaic.DefaultViewSize = defaults.Mosaic.DefaultViewSize
	}
	if cfg.Mosaic.DefaultScaleFactor == 0 {
		cfg.Mosaic.DefaultScaleFactor = defaults.Mosaic.DefaultScaleFactor
	}
	if len(cfg.Mosaic.ViewSizes) == 0 {
		cfg.Mosaic.ViewSizes = defaults.Mosaic.ViewSizes
	}
	if len(cfg.Mosaic.ScaleFactors) == 0 {
		cfg.Mosaic.ScaleFactors = defaults.Mosaic.ScaleFactors
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = defaults.Queue.Workers
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = defaults.Queue.Capacity
	}
	if cfg.Queue.SQLitePath == "" {
		cfg.Queue.SQLitePath = defaults.Queue.SQLitePath
	}
	if cfg.Queue.RetentionDays == 0 {
		cfg.Queue.RetentionDays = defaults.Queue.RetentionDays
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case cache.BackendBigCache, cache.BackendLRU:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", model.ErrInvalidRequest, c.Cache.Backend)
	}
	if _, err := c.DefaultShape(); err != nil {
		return err
	}
	if _, err := c.DefaultScale(); err != nil {
		return err
	}
	return nil
}

// DefaultShape returns the mosaic page shape used when a request names none.
func (c *Config) DefaultShape() (model.Shape, error) {
	return mosaic.ParseViewSize(c.Mosaic.DefaultViewSize)
}

// DefaultScale returns the mosaic scale used when a request names none.
func (c *Config) DefaultScale() (float64, error) {
	return mosaic.ParseScaleFactor(c.Mosaic.DefaultScaleFactor)
}

// CacheStore returns the cache store settings.
func (c *Config) CacheStore() cache.Config {
	return cache.Config{
		Backend: c.Cache.Backend,
		SizeMB:  c.Cache.SizeMB,
		Entries: c.Cache.Entries,
		TTL:     time.Duration(c.Cache.TTLMinutes) * time.Minute,
	}
}

// TimelineCache returns the timeline cache size and lifetime. A zero
// lifetime disables the cache.
func (c *Config) TimelineCache() (int, time.Duration) {
	return c.Cache.TimelineEntries, time.Duration(c.Cache.TimelineTTLSeconds) * time.Second
}

// CompressCache reports whether cached layouts are zstd compressed.
func (c *Config) CompressCache() bool {
	return c.Cache.Compress == nil || *c.Cache.Compress
}

// WorkQueue returns the work queue settings.
func (c *Config) WorkQueue() queue.Config {
	return queue.Config{
		Workers:       c.Queue.Workers,
		Capacity:      c.Queue.Capacity,
		SQLitePath:    c.Queue.SQLitePath,
		RetentionDays: c.Queue.RetentionDays,
		SubmitRate:    c.Queue.SubmitRate,
		SubmitBurst:   c.Queue.SubmitBurst,
	}
}
