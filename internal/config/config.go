// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bmie/internal/job"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Job      job.Options    `mapstructure:"job"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Source   SourceConfig   `mapstructure:"source"`
	Headless HeadlessConfig `mapstructure:"headless"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	History  HistoryConfig  `mapstructure:"history"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
	ShutdownTimeoutSecs int `mapstructure:"shutdown_timeout_seconds"`
	// APIKey, when set, protects the /v1 routes.
	APIKey         string `mapstructure:"api_key"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RetryConfig selects the retry strategy. Options carry the budget and delay.
type RetryConfig struct {
	Strategy        string  `mapstructure:"strategy"`
	MaxDelaySeconds float64 `mapstructure:"max_delay_seconds"`
}

// FetcherConfig picks the scrape collaborator.
type FetcherConfig struct {
	Mode           string `mapstructure:"mode"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	RemoteEndpoint string `mapstructure:"remote_endpoint"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// SourceConfig bounds input resolution.
type SourceConfig struct {
	MaxItems       int `mapstructure:"max_items"`
	MaxDepth       int `mapstructure:"max_depth"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// LLMConfig holds the analysis model defaults. Requests may override the
// provider, model and key.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// StorageConfig selects where artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogSink        bool `mapstructure:"log_sink"`
	PrometheusSink bool `mapstructure:"prometheus_sink"`
}

// HistoryConfig enables Postgres run history. An empty DSN disables it.
type HistoryConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema       bool   `mapstructure:"ensure_schema"`
}

// Fetcher modes.
const (
	FetcherColly  = "colly"
	FetcherRemote = "remote"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BMIE")
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
	opts := job.DefaultOptions()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.max_upload_bytes", 8<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("job.output_dir", opts.OutputDir)
	v.SetDefault("job.rate_limit", opts.RateLimit)
	v.SetDefault("job.max_concurrent_requests", opts.MaxConcurrentRequests)
	v.SetDefault("job.crawl_timeout", opts.CrawlTimeout)
	v.SetDefault("job.max_retries", opts.MaxRetries)
	v.SetDefault("job.retry_delay", opts.RetryDelay)
	v.SetDefault("job.sitemap_output", opts.SitemapOutput)
	v.SetDefault("job.summary_file", opts.SummaryFile)
	v.SetDefault("retry.strategy", "fixed")
	v.SetDefault("retry.max_delay_seconds", 60)
	v.SetDefault("fetcher.mode", FetcherColly)
	v.SetDefault("fetcher.user_agent", "bmie-bot/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.remote_endpoint", "")
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("source.max_items", 1000)
	v.SetDefault("source.max_depth", 3)
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus_sink", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("history.min_conns", 0)
	v.SetDefault("history.max_conn_lifetime_seconds", 1800)
	v.SetDefault("history.ensure_schema", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Job.Validate(); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	switch c.Retry.Strategy {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("retry.strategy %q is not supported", c.Retry.Strategy)
	}
	switch c.Fetcher.Mode {
	case FetcherColly:
	case FetcherRemote:
		if strings.TrimSpace(c.Fetcher.RemoteEndpoint) == "" {
			return errors.New("fetcher.remote_endpoint must be set when fetcher.mode is remote")
		}
	default:
		return fmt.Errorf("fetcher.mode %q is not supported", c.Fetcher.Mode)
	}
	if c.Source.MaxItems < 0 {
		return fmt.Errorf("source.max_items must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.History.DSN != "" && c.History.MaxConns < 0 {
		return errors.New("history.max_conns must be >= 0")
	}
	return nil
}

// ShutdownTimeout is the grace period for draining the HTTP server and the
// active run.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}

// SourceTimeout bounds sitemap fetching.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// MaxRetryDelay caps exponential backoff.
func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds * float64(time.Second))
}
