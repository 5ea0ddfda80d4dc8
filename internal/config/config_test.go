// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-secret", cfg.SecretKey)
	assert.Equal(t, 8087, cfg.Server.Port)
	assert.Equal(t, "/data/spyglass.duckdb", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Scraper.Timeout)
	assert.Equal(t, 3, cfg.Scraper.MaxRetries)
	assert.Equal(t, 10, cfg.Scraper.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.Scraper.RateLimitWindow)
	assert.Equal(t, time.Minute, cfg.Crawler.BeatInterval)
	assert.Equal(t, 900*time.Second, cfg.Notify.DedupTTL)
	assert.Equal(t, 9, cfg.Digest.DefaultHour)
	assert.Equal(t, 9097, cfg.Metrics.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SCRAPER_USER_AGENT", "custom-agent/2.0")
	t.Setenv("SCRAPER_TIMEOUT", "45s")
	t.Setenv("BEAT_INTERVAL", "30s")
	t.Setenv("METRICS_PORT", "9200")
	t.Setenv("NOTIFY_DEV_BYPASS_USERS", "user-a, user-b,user-c")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "custom-agent/2.0", cfg.Scraper.UserAgent)
	assert.Equal(t, 45*time.Second, cfg.Scraper.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Crawler.BeatInterval)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, []string{"user-a", "user-b", "user-c"}, cfg.Notify.DevBypassUsers)
}

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	t.Setenv("CONFIG_PATH", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateCrossField(t *testing.T) {
	base := func() *Config {
		c := defaultConfig()
		c.SecretKey = "s"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Server.Environment = "staging" }},
		{"zero rate window", func(c *Config) { c.Scraper.RateLimitWindow = 0 }},
		{"transient weight above one", func(c *Config) { c.Health.TransientWeight = 1.5 }},
		{"hard deadline before soft", func(c *Config) { c.Crawler.HardDeadline = c.Crawler.SoftDeadline }},
		{"retry max below base", func(c *Config) { c.Notify.RetryMax = c.Notify.RetryBase / 2 }},
		{"digest hour out of range", func(c *Config) { c.Digest.DefaultHour = 24 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDevBypassAllowed(t *testing.T) {
	cfg := defaultConfig()
	cfg.Notify.DevBypassUsers = []string{"u1"}

	cfg.Server.Environment = "development"
	assert.True(t, cfg.DevBypassAllowed("u1"))
	assert.False(t, cfg.DevBypassAllowed("u2"))

	cfg.Server.Environment = "production"
	assert.False(t, cfg.DevBypassAllowed("u1"))
}

func TestEnvTransformIgnoresUnknown(t *testing.T) {
	assert.Equal(t, "", envTransformFunc("PATH"))
	assert.Equal(t, "", envTransformFunc("HOME"))
	assert.Equal(t, "scraper.user_agent", envTransformFunc("SCRAPER_USER_AGENT"))
	assert.Equal(t, "scraper.user_agent", envTransformFunc("SPYGLASS_SCRAPER__USER_AGENT"))
}
