// Package config loads and validates ingestor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	SiteMap     SiteMapConfig     `mapstructure:"sitemap"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ApplicationConfig identifies the service to telemetry backends.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	Environment   string `mapstructure:"environment"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for the trigger endpoint.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// IngestConfig governs the batch pipeline: fan-out, drain and finalize.
type IngestConfig struct {
	ScheduleMinutes      int         `mapstructure:"schedule_minutes"`
	Concurrency          int         `mapstructure:"concurrency"`
	MaxAttempts          int         `mapstructure:"max_attempts"`
	BatchTimeoutMinutes  int         `mapstructure:"batch_timeout_minutes"`
	FinalizeStaleMinutes int         `mapstructure:"finalize_stale_minutes"`
	DrainPollSeconds     int         `mapstructure:"drain_poll_seconds"`
	StaleMaxCycles       int         `mapstructure:"stale_max_cycles"`
	UserAgent            string      `mapstructure:"user_agent"`
	MaxBodyBytes         int         `mapstructure:"max_body_bytes"`
	Guard                GuardConfig `mapstructure:"guard"`
}

// GuardConfig parameterizes the board sanity guard.
type GuardConfig struct {
	MaxDropPercent int  `mapstructure:"max_drop_percent"`
	MinBaseline    int  `mapstructure:"min_baseline"`
	AllowColdStart bool `mapstructure:"allow_cold_start"`
}

// HTTPConfig configures outbound fetch behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// RateLimitConfig sets the default per-host politeness budget.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// StorageConfig selects and parameterizes the object store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig selects and parameterizes the batch store backend.
type DatabaseConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// QueueConfig selects and parameterizes the job queue backend.
type QueueConfig struct {
	Backend  string       `mapstructure:"backend"`
	Capacity int          `mapstructure:"capacity"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Cloud Pub/Sub coordinates for the queue backend.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// SiteMapConfig points at the board hierarchy document.
type SiteMapConfig struct {
	Path          string   `mapstructure:"path"`
	ExcludeBoards []string `mapstructure:"exclude_boards"`
}

// ProgressConfig tunes the milestone event hub and its sinks. Zero values
// fall back to the hub's own defaults.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogSink        bool `mapstructure:"log_sink"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSec int  `mapstructure:"sink_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Backend names accepted by the storage, database and queue selectors.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTICEGRID")
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
	v.SetDefault("application.service_name", "noticegrid-ingestor")
	v.SetDefault("application.version", "dev")
	v.SetDefault("application.environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.schedule_minutes", 30)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.batch_timeout_minutes", 20)
	v.SetDefault("ingest.finalize_stale_minutes", 10)
	v.SetDefault("ingest.drain_poll_seconds", 15)
	v.SetDefault("ingest.stale_max_cycles", 6)
	v.SetDefault("ingest.user_agent", "noticegrid-ingestor/1.0 (+https://github.com/noticegrid/ingestor)")
	v.SetDefault("ingest.max_body_bytes", 1<<20)
	v.SetDefault("ingest.guard.max_drop_percent", 20)
	v.SetDefault("ingest.guard.min_baseline", 10)
	v.SetDefault("ingest.guard.allow_cold_start", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("sitemap.path", "sitemap.yaml")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_sink", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ingest.ScheduleMinutes <= 0 {
		return fmt.Errorf("ingest.schedule_minutes must be > 0")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.Ingest.BatchTimeoutMinutes <= 0 {
		return fmt.Errorf("ingest.batch_timeout_minutes must be > 0")
	}
	if c.Ingest.DrainPollSeconds <= 0 {
		return fmt.Errorf("ingest.drain_poll_seconds must be > 0")
	}
	if c.Ingest.StaleMaxCycles <= 0 {
		return fmt.Errorf("ingest.stale_max_cycles must be > 0")
	}
	if c.Ingest.Guard.MaxDropPercent < 0 || c.Ingest.Guard.MaxDropPercent > 100 {
		return fmt.Errorf("ingest.guard.max_drop_percent must be between 0 and 100")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.SiteMap.Path == "" {
		return fmt.Errorf("sitemap.path is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}

	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not one of memory, postgres", c.Database.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend)
	}

	return nil
}

// Schedule is the interval between orchestrated crawl cycles.
func (c Config) Schedule() time.Duration {
	return time.Duration(c.Ingest.ScheduleMinutes) * time.Minute
}

// BatchTimeout is how long a batch may run before the timeout sweep finalizes it.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.Ingest.BatchTimeoutMinutes) * time.Minute
}

// FinalizeStale is the age past which another claimant may steal the finalize lease.
func (c Config) FinalizeStale() time.Duration {
	return time.Duration(c.Ingest.FinalizeStaleMinutes) * time.Minute
}

// DrainPoll is the completion monitor's sweep interval.
func (c Config) DrainPoll() time.Duration {
	return time.Duration(c.Ingest.DrainPollSeconds) * time.Second
}

// FetchTimeout bounds a single outbound page or feed fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ProgressBatchWait is how long a partial progress batch may age before flush.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}

// ProgressSinkTimeout bounds one progress sink flush.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutSec) * time.Second
}

// NavTimeout bounds one headless navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
