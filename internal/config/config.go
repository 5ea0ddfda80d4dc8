// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package config provides centralized configuration for all Spyglass
// components.
//
// Configuration Loading Order (koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config File: optional YAML config file (config.yaml)
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	SecretKey string `koanf:"secret_key" validate:"required"`

	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	KV          KVConfig          `koanf:"kv"`
	Blob        BlobConfig        `koanf:"blob"`
	NATS        NATSConfig        `koanf:"nats"`
	Scraper     ScraperConfig     `koanf:"scraper"`
	Health      HealthConfig      `koanf:"health"`
	Crawler     CrawlerConfig     `koanf:"crawler"`
	Notify      NotifyConfig      `koanf:"notify"`
	Digest      DigestConfig      `koanf:"digest"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds the HTTP API server settings.
//
// Environment variables:
//   - HTTP_HOST, HTTP_PORT: bind address (default 0.0.0.0:8087)
//   - HTTP_TIMEOUT: per-request timeout (default 30s)
//   - ENVIRONMENT: development or production
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// DatabaseConfig holds the embedded DuckDB settings.
//
// Environment variables:
//   - DATABASE_PATH: database file path (default /data/spyglass.duckdb)
//   - DATABASE_MAX_MEMORY: DuckDB memory budget (default 2GB)
//   - DATABASE_THREADS: 0 = runtime.NumCPU()
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// KVConfig holds the badger KV store settings. The KV store carries dedup
// locks, shared token buckets and the beat schedule cache.
//
// Environment variables:
//   - KV_PATH: store directory (default /data/kv)
//   - KV_IN_MEMORY: run without disk persistence (tests, dev)
type KVConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// BlobConfig holds the raw snapshot blob store settings. Raw snapshots are
// written to {root}/{yyyy}/{mm}/{dd}/{sha256}.html with a .meta.json sidecar.
type BlobConfig struct {
	Root    string `koanf:"root"`
	Enabled bool   `koanf:"enabled"`
}

// NATSConfig holds the embedded JetStream broker and Watermill router
// settings for the typed task queues.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`

	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
	PoisonQueueTopic           string        `koanf:"poison_queue_topic"`
}

// ScraperConfig holds the Fetcher settings.
//
// Environment variables:
//   - SCRAPER_USER_AGENT: outbound User-Agent header
//   - SCRAPER_TIMEOUT: absolute per-call deadline (default 30s)
//   - SCRAPER_MAX_RETRIES: retry budget for transient errors (default 3)
//   - SCRAPER_RETRY_MULTIPLIER: exponential backoff multiplier (default 2.0)
//   - SCRAPER_RATE_LIMIT_REQUESTS / SCRAPER_RATE_LIMIT_WINDOW: per-host
//     token bucket (default 10 requests / 60s)
//   - SCRAPER_PROXY_URL: optional HTTP proxy
//   - SCRAPER_HEADLESS_ENABLED: allow headless fallback when wired
type ScraperConfig struct {
	UserAgent       string        `koanf:"user_agent"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryMultiplier float64       `koanf:"retry_multiplier"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	ProxyURL        string `koanf:"proxy_url"`
	HeadlessEnabled bool   `koanf:"headless_enabled"`
}

// HealthConfig holds the Health Ledger thresholds. A URL is disabled after
// FailureThreshold consecutive hard failures; transient failures count
// TransientWeight toward the threshold. Disabled URLs are retried on
// probation after ProbationInterval.
type HealthConfig struct {
	FailureThreshold  float64       `koanf:"failure_threshold"`
	TransientWeight   float64       `koanf:"transient_weight"`
	ProbationInterval time.Duration `koanf:"probation_interval"`
}

// CrawlerConfig holds planner and ingestion settings.
//
// Environment variables:
//   - BEAT_INTERVAL: planner tick cadence (default 60s)
//   - CRAWLER_MAX_ARTICLES: provider item cap per run (default 10)
//   - CRAWLER_LOOKBACK: skip-URL lookback window (default 168h)
//   - CRAWLER_SOFT_DEADLINE / CRAWLER_HARD_DEADLINE: task deadlines
type CrawlerConfig struct {
	BeatInterval time.Duration `koanf:"beat_interval"`
	MaxArticles  int           `koanf:"max_articles"`
	Lookback     time.Duration `koanf:"lookback"`

	SoftDeadline time.Duration `koanf:"soft_deadline"`
	HardDeadline time.Duration `koanf:"hard_deadline"`

	// ScheduleReloadRetries bounds dynamic schedule merge retries on
	// transient DB errors before falling back to the static base.
	ScheduleReloadRetries int           `koanf:"schedule_reload_retries"`
	ScheduleReloadBackoff time.Duration `koanf:"schedule_reload_backoff"`
}

// NotifyConfig holds the Notification Core settings.
//
// Environment variables:
//   - NOTIFY_DISPATCH_BATCH: max deliveries claimed per dispatcher pass
//   - NOTIFY_MAX_RETRIES: delivery retry budget (default 3)
//   - NOTIFY_RETRY_BASE / NOTIFY_RETRY_MAX: backoff bounds
//   - NOTIFY_DEDUP_TTL: recompute/dedup lock TTL (default 900s)
//   - NOTIFY_EVENT_TTL: default event expiry (default 24h)
//   - TELEGRAM_BOT_TOKEN: shared bot credential
//   - TELEGRAM_MESSAGES_PER_SECOND: per-bot rate limit (default 20)
//   - NOTIFY_DEV_BYPASS_USERS: comma-separated user IDs that skip
//     subscription-tier gating
type NotifyConfig struct {
	DispatchBatch int           `koanf:"dispatch_batch"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryBase     time.Duration `koanf:"retry_base"`
	RetryMax      time.Duration `koanf:"retry_max"`

	DedupTTL time.Duration `koanf:"dedup_ttl"`
	EventTTL time.Duration `koanf:"event_ttl"`

	TelegramBotToken          string  `koanf:"telegram_bot_token"`
	TelegramMessagesPerSecond float64 `koanf:"telegram_messages_per_second"`

	SMTPHost string `koanf:"smtp_host"`
	SMTPPort int    `koanf:"smtp_port"`
	SMTPFrom string `koanf:"smtp_from"`
	SMTPUser string `koanf:"smtp_user"`
	SMTPPass string `koanf:"smtp_pass"`

	DevBypassUsers []string `koanf:"dev_bypass_users"`
}

// DigestConfig holds the Digest Scheduler settings.
//
// Environment variables:
//   - DIGEST_TICK_INTERVAL: evaluation cadence (default 1h)
//   - DIGEST_DEFAULT_HOUR: default local send hour (default 9)
//   - DIGEST_WINDOW: acceptance window after scheduled time (default 1h)
type DigestConfig struct {
	Enabled      bool          `koanf:"enabled"`
	TickInterval time.Duration `koanf:"tick_interval"`
	DefaultHour  int           `koanf:"default_hour" validate:"gte=0,lte=23"`
	Window       time.Duration `koanf:"window"`
	Period       time.Duration `koanf:"period"` // content lookback per digest
}

// MaintenanceConfig holds sweeper and pruner settings.
type MaintenanceConfig struct {
	SweepInterval         time.Duration `koanf:"sweep_interval"`
	NewsRetention         time.Duration `koanf:"news_retention"`
	NotificationRetention time.Duration `koanf:"notification_retention"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings and the
// optional OpenTelemetry mirror.
//
// Environment variables:
//   - METRICS_HOST, METRICS_PORT: scrape endpoint bind (default 0.0.0.0:9097)
//   - METRICS_OTEL_ENABLED: mirror metrics through the OTel bridge
type MetricsConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port" validate:"gt=0,lte=65535"`
	OTelEnabled bool   `koanf:"otel_enabled"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8087,
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Database: DatabaseConfig{
			Path:      "/data/spyglass.duckdb",
			MaxMemory: "2GB",
			Threads:   0,
		},
		KV: KVConfig{
			Path:     "/data/kv",
			InMemory: false,
		},
		Blob: BlobConfig{
			Root:    "/data/snapshots",
			Enabled: true,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			DurableName:    "spyglass-worker",
			QueueGroup:     "workers",

			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterCloseTimeout:         30 * time.Second,
			PoisonQueueTopic:           "tasks.poison",
		},
		Scraper: ScraperConfig{
			UserAgent:         "Mozilla/5.0 (compatible; SpyglassBot/1.0; +https://github.com/pfielding/spyglass)",
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RetryMultiplier:   2.0,
			RateLimitRequests: 10,
			RateLimitWindow:   time.Minute,
		},
		Health: HealthConfig{
			FailureThreshold:  3,
			TransientWeight:   0.5,
			ProbationInterval: 24 * time.Hour,
		},
		Crawler: CrawlerConfig{
			BeatInterval:          time.Minute,
			MaxArticles:           10,
			Lookback:              7 * 24 * time.Hour,
			SoftDeadline:          25 * time.Minute,
			HardDeadline:          30 * time.Minute,
			ScheduleReloadRetries: 3,
			ScheduleReloadBackoff: 2 * time.Second,
		},
		Notify: NotifyConfig{
			DispatchBatch:             50,
			MaxRetries:                3,
			RetryBase:                 time.Second,
			RetryMax:                  5 * time.Minute,
			DedupTTL:                  900 * time.Second,
			EventTTL:                  24 * time.Hour,
			TelegramMessagesPerSecond: 20,
			SMTPPort:                  587,
		},
		Digest: DigestConfig{
			Enabled:      true,
			TickInterval: time.Hour,
			DefaultHour:  9,
			Window:       time.Hour,
			Period:       24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:         10 * time.Minute,
			NewsRetention:         6 * 30 * 24 * time.Hour,
			NotificationRetention: 30 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Host: "0.0.0.0",
			Port: 9097,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
