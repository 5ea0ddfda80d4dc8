// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are checked in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"/config/config.yaml",
	"/config/config.yml",
	"config.yaml",
	"config.yml",
}

// Load builds the configuration with koanf layering:
// defaults -> optional YAML file -> environment variables.
// The returned Config is validated; Load fails on any invalid or missing
// required setting.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file.
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	processSliceFields(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// findConfigFile returns the config file path: CONFIG_PATH if set, else the
// first existing default path, else empty.
func findConfigFile() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envKeyMap maps well-known environment variable names to koanf paths.
// Variables not in this map are ignored, which keeps unrelated process
// environment out of the config tree.
var envKeyMap = map[string]string{
	"SECRET_KEY": "secret_key",

	"HTTP_HOST":    "server.host",
	"HTTP_PORT":    "server.port",
	"HTTP_TIMEOUT": "server.timeout",
	"ENVIRONMENT":  "server.environment",

	"DATABASE_PATH":       "database.path",
	"DATABASE_MAX_MEMORY": "database.max_memory",
	"DATABASE_THREADS":    "database.threads",

	"KV_PATH":      "kv.path",
	"KV_IN_MEMORY": "kv.in_memory",

	"BLOB_ROOT":    "blob.root",
	"BLOB_ENABLED": "blob.enabled",

	"NATS_URL":             "nats.url",
	"NATS_EMBEDDED_SERVER": "nats.embedded_server",
	"NATS_STORE_DIR":       "nats.store_dir",
	"NATS_DURABLE_NAME":    "nats.durable_name",
	"NATS_QUEUE_GROUP":     "nats.queue_group",

	"SCRAPER_USER_AGENT":          "scraper.user_agent",
	"SCRAPER_TIMEOUT":             "scraper.timeout",
	"SCRAPER_MAX_RETRIES":         "scraper.max_retries",
	"SCRAPER_RETRY_MULTIPLIER":    "scraper.retry_multiplier",
	"SCRAPER_RATE_LIMIT_REQUESTS": "scraper.rate_limit_requests",
	"SCRAPER_RATE_LIMIT_WINDOW":   "scraper.rate_limit_window",
	"SCRAPER_PROXY_URL":           "scraper.proxy_url",
	"SCRAPER_HEADLESS_ENABLED":    "scraper.headless_enabled",

	"HEALTH_FAILURE_THRESHOLD":  "health.failure_threshold",
	"HEALTH_TRANSIENT_WEIGHT":   "health.transient_weight",
	"HEALTH_PROBATION_INTERVAL": "health.probation_interval",

	"BEAT_INTERVAL":         "crawler.beat_interval",
	"CRAWLER_MAX_ARTICLES":  "crawler.max_articles",
	"CRAWLER_LOOKBACK":      "crawler.lookback",
	"CRAWLER_SOFT_DEADLINE": "crawler.soft_deadline",
	"CRAWLER_HARD_DEADLINE": "crawler.hard_deadline",

	"NOTIFY_DISPATCH_BATCH":        "notify.dispatch_batch",
	"NOTIFY_MAX_RETRIES":           "notify.max_retries",
	"NOTIFY_RETRY_BASE":            "notify.retry_base",
	"NOTIFY_RETRY_MAX":             "notify.retry_max",
	"NOTIFY_DEDUP_TTL":             "notify.dedup_ttl",
	"NOTIFY_EVENT_TTL":             "notify.event_ttl",
	"NOTIFY_DEV_BYPASS_USERS":      "notify.dev_bypass_users",
	"TELEGRAM_BOT_TOKEN":           "notify.telegram_bot_token",
	"TELEGRAM_MESSAGES_PER_SECOND": "notify.telegram_messages_per_second",
	"SMTP_HOST":                    "notify.smtp_host",
	"SMTP_PORT":                    "notify.smtp_port",
	"SMTP_FROM":                    "notify.smtp_from",
	"SMTP_USER":                    "notify.smtp_user",
	"SMTP_PASS":                    "notify.smtp_pass",

	"DIGEST_ENABLED":       "digest.enabled",
	"DIGEST_TICK_INTERVAL": "digest.tick_interval",
	"DIGEST_DEFAULT_HOUR":  "digest.default_hour",
	"DIGEST_WINDOW":        "digest.window",
	"DIGEST_PERIOD":        "digest.period",

	"MAINTENANCE_SWEEP_INTERVAL":         "maintenance.sweep_interval",
	"MAINTENANCE_NEWS_RETENTION":         "maintenance.news_retention",
	"MAINTENANCE_NOTIFICATION_RETENTION": "maintenance.notification_retention",

	"METRICS_HOST":         "metrics.host",
	"METRICS_PORT":         "metrics.port",
	"METRICS_OTEL_ENABLED": "metrics.otel_enabled",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
	"LOG_CALLER": "logging.caller",
}

// envTransformFunc maps environment variable names to koanf config paths.
// SPYGLASS_-prefixed variables map structurally (SPYGLASS_SCRAPER_TIMEOUT ->
// scraper.scraper_timeout is wrong, so the prefix form uses double
// underscore as the section separator: SPYGLASS_SCRAPER__USER_AGENT ->
// scraper.user_agent). Well-known flat names map via envKeyMap.
func envTransformFunc(key string) string {
	if path, ok := envKeyMap[key]; ok {
		return path
	}
	if rest, ok := strings.CutPrefix(key, "SPYGLASS_"); ok {
		return strings.ToLower(strings.ReplaceAll(rest, "__", "."))
	}
	return "" // ignore unrelated environment
}

// sliceConfigPaths are string-slice settings that accept comma-separated
// values from environment variables.
var sliceConfigPaths = []string{
	"notify.dev_bypass_users",
}

// processSliceFields splits comma-separated env values into string slices
// so Unmarshal sees the proper type.
func processSliceFields(k *koanf.Koanf) {
	for _, path := range sliceConfigPaths {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		_ = k.Set(path, out)
	}
}
