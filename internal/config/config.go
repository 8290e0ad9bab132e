// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// built once at startup and passed by reference into each component.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	Accounts     AccountsConfig     `mapstructure:"accounts"`
	Pacing       PacingConfig       `mapstructure:"pacing"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PlatformConfig points the engine at the target platform's endpoints.
type PlatformConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	ProbePath string `mapstructure:"probe_path"`
}

// AccountsConfig governs the account pool.
type AccountsConfig struct {
	FailureThreshold int               `mapstructure:"failure_threshold"`
	HighUsageCount   int64             `mapstructure:"high_usage_count"`
	SlowProbeMs      int64             `mapstructure:"slow_probe_ms"`
	Bootstrap        []BootstrapAccount `mapstructure:"bootstrap"`
}

// BootstrapAccount is a static fallback account used when the store is
// unreachable on refresh.
type BootstrapAccount struct {
	ID          int64             `mapstructure:"id"`
	Credentials map[string]string `mapstructure:"credentials"`
	Priority    int               `mapstructure:"priority"`
}

// PacingConfig governs the adaptive rate limiter.
type PacingConfig struct {
	DefaultRPS        float64       `mapstructure:"default_rps"`
	DefaultBurst      int           `mapstructure:"default_burst"`
	FloorDelay        time.Duration `mapstructure:"floor_delay"`
	CeilingDelay      time.Duration `mapstructure:"ceiling_delay"`
	WindowSize        int           `mapstructure:"window_size"`
	DirectiveTTL      time.Duration `mapstructure:"directive_ttl"`
	UserAgent         string        `mapstructure:"user_agent"`
	SlowRequestMs     int64         `mapstructure:"slow_request_ms"`
}

// SchedulerConfig governs the pagination state machine.
type SchedulerConfig struct {
	MaxPages         int           `mapstructure:"max_pages"`
	GapThreshold     time.Duration `mapstructure:"gap_threshold"`
	IncrementalDelay time.Duration `mapstructure:"incremental_delay"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
}

// IngestConfig governs dedup, quality and lifecycle behavior.
type IngestConfig struct {
	URLOverlapThreshold   float64       `mapstructure:"url_overlap_threshold"`
	FuzzyThreshold        float64       `mapstructure:"fuzzy_threshold"`
	FuzzyScanLimit        int           `mapstructure:"fuzzy_scan_limit"`
	MinContentLength      int           `mapstructure:"min_content_length"`
	StalenessWindow       time.Duration `mapstructure:"staleness_window"`
	ArchiveAfterDays      int           `mapstructure:"archive_after_days"`
	ExpireAfterDays       int           `mapstructure:"expire_after_days"`
	PublishMaxRetries     int           `mapstructure:"publish_max_retries"`
	PublishInitialBackoff time.Duration `mapstructure:"publish_initial_backoff"`
	PublishMaxBackoff     time.Duration `mapstructure:"publish_max_backoff"`
	SourcePlatform        string        `mapstructure:"source_platform"`
}

// OrchestratorConfig governs multi-mode fan-out.
type OrchestratorConfig struct {
	DetailBatchSize    int           `mapstructure:"detail_batch_size"`
	DetailConcurrency  int           `mapstructure:"detail_concurrency"`
	DetailBatchPause   time.Duration `mapstructure:"detail_batch_pause"`
	CreatorItemPause   time.Duration `mapstructure:"creator_item_pause"`
	MaxCommentDepth    int           `mapstructure:"max_comment_depth"`
	CommentItemBudget  int           `mapstructure:"comment_item_budget"`
	MediaConcurrency   int           `mapstructure:"media_concurrency"`
	MediaBatchPause    time.Duration `mapstructure:"media_batch_pause"`
}

// WorkerConfig controls queue consumption.
type WorkerConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	QueueDepth  int    `mapstructure:"queue_depth"`
	SourceType  string `mapstructure:"source_type"`
}

// HeadlessConfig configures the browser session factory.
type HeadlessConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds topic metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TaskSubscription string `mapstructure:"task_subscription"`
	ContentTopic     string `mapstructure:"content_topic"`
	StatusTopic      string `mapstructure:"status_topic"`
	TaskTopic        string `mapstructure:"task_topic"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTD")
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
	v.SetDefault("platform.base_url", "https://www.example.com")
	v.SetDefault("platform.probe_path", "/api/v1/me")
	v.SetDefault("accounts.failure_threshold", 5)
	v.SetDefault("accounts.high_usage_count", 500)
	v.SetDefault("accounts.slow_probe_ms", 8000)
	v.SetDefault("pacing.default_rps", 0.5)
	v.SetDefault("pacing.default_burst", 1)
	v.SetDefault("pacing.floor_delay", "2s")
	v.SetDefault("pacing.ceiling_delay", "60s")
	v.SetDefault("pacing.window_size", 50)
	v.SetDefault("pacing.directive_ttl", "30m")
	v.SetDefault("pacing.user_agent", "harvestd/1.0")
	v.SetDefault("pacing.slow_request_ms", 5000)
	v.SetDefault("scheduler.max_pages", 50)
	v.SetDefault("scheduler.gap_threshold", "1h")
	v.SetDefault("scheduler.incremental_delay", "1h")
	v.SetDefault("scheduler.task_timeout", "30m")
	v.SetDefault("ingest.url_overlap_threshold", 0.85)
	v.SetDefault("ingest.fuzzy_threshold", 0.8)
	v.SetDefault("ingest.fuzzy_scan_limit", 20)
	v.SetDefault("ingest.min_content_length", 50)
	v.SetDefault("ingest.staleness_window", "24h")
	v.SetDefault("ingest.archive_after_days", 90)
	v.SetDefault("ingest.expire_after_days", 365)
	v.SetDefault("ingest.publish_max_retries", 3)
	v.SetDefault("ingest.publish_initial_backoff", "1s")
	v.SetDefault("ingest.publish_max_backoff", "8s")
	v.SetDefault("ingest.source_platform", "web")
	v.SetDefault("orchestrator.detail_batch_size", 10)
	v.SetDefault("orchestrator.detail_concurrency", 4)
	v.SetDefault("orchestrator.detail_batch_pause", "5s")
	v.SetDefault("orchestrator.creator_item_pause", "10s")
	v.SetDefault("orchestrator.max_comment_depth", 3)
	v.SetDefault("orchestrator.comment_item_budget", 200)
	v.SetDefault("orchestrator.media_concurrency", 4)
	v.SetDefault("orchestrator.media_batch_pause", "2s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.source_type", "search_page")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 4)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local_dir", "data/raw")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Scheduler.MaxPages <= 0 {
		return fmt.Errorf("scheduler.max_pages must be > 0")
	}
	if c.Ingest.URLOverlapThreshold <= 0 || c.Ingest.URLOverlapThreshold > 1 {
		return fmt.Errorf("ingest.url_overlap_threshold must be in (0,1]")
	}
	if c.Ingest.FuzzyThreshold <= 0 || c.Ingest.FuzzyThreshold > 1 {
		return fmt.Errorf("ingest.fuzzy_threshold must be in (0,1]")
	}
	if c.Pacing.FloorDelay > c.Pacing.CeilingDelay {
		return fmt.Errorf("pacing.floor_delay must not exceed pacing.ceiling_delay")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	case "local", "memory":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return nil
}
