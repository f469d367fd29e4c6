// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory store for local development.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig selects the Redis durable cache tier. Addr empty means
// the durable tier falls back to Postgres (or nothing without a DSN).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig sizes the unified result cache.
type CacheConfig struct {
	Capacity       int `mapstructure:"capacity"`
	SuccessTTLMin  int `mapstructure:"success_ttl_minutes"`
	FailureTTLMin  int `mapstructure:"failure_ttl_minutes"`
	SchemaVersion  int `mapstructure:"schema_version"`
	PrunePeriodMin int `mapstructure:"prune_period_minutes"`
}

// QueueConfig governs the per-host job queue.
type QueueConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	JobTimeoutSeconds int     `mapstructure:"job_timeout_seconds"`
	PerHostRPS        float64 `mapstructure:"per_host_rps"`
}

// WorkerConfig governs the task orchestrator loop.
type WorkerConfig struct {
	Count              int `mapstructure:"count"`
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	FaultBackoffMs     int `mapstructure:"fault_backoff_ms"`
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
}

// FetcherConfig configures the plain HTTP fetcher.
type FetcherConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ArchiveConfig sets where fetched page bodies are persisted.
// Backend is one of "none", "local", "gcs".
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// EventsConfig controls scan event delivery.
type EventsConfig struct {
	BufferSize      int    `mapstructure:"buffer_size"`
	MaxBatchEvents  int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int    `mapstructure:"max_batch_wait_ms"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("cache.capacity", 50)
	v.SetDefault("cache.success_ttl_minutes", 24*60)
	v.SetDefault("cache.failure_ttl_minutes", 15)
	v.SetDefault("cache.schema_version", 1)
	v.SetDefault("cache.prune_period_minutes", 60)
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.job_timeout_seconds", 60)
	v.SetDefault("queue.per_host_rps", 0)
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.poll_interval_ms", 2000)
	v.SetDefault("worker.fault_backoff_ms", 5000)
	v.SetDefault("worker.task_timeout_seconds", 180)
	v.SetDefault("fetcher.user_agent", "sitepulse-bot/1.0")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_dir", "data/pages")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Archive.Backend {
	case "", "none", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be one of none, local, gcs")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
	}
	if c.Events.PubSubTopic != "" && c.Events.PubSubProjectID == "" {
		return fmt.Errorf("events.pubsub_project_id must be set when events.pubsub_topic is set")
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// FaultBackoff returns the store-fault backoff as a duration.
func (c WorkerConfig) FaultBackoff() time.Duration {
	return time.Duration(c.FaultBackoffMs) * time.Millisecond
}

// TaskTimeout returns the per-task deadline as a duration.
func (c WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// JobTimeout returns the host-queue job deadline as a duration.
func (c QueueConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// SuccessTTL returns the cache success lifetime as a duration.
func (c CacheConfig) SuccessTTL() time.Duration {
	return time.Duration(c.SuccessTTLMin) * time.Minute
}

// FailureTTL returns the cache failure lifetime as a duration.
func (c CacheConfig) FailureTTL() time.Duration {
	return time.Duration(c.FailureTTLMin) * time.Minute
}

// PrunePeriod returns the durable-cache prune cadence as a duration.
func (c CacheConfig) PrunePeriod() time.Duration {
	return time.Duration(c.PrunePeriodMin) * time.Minute
}
