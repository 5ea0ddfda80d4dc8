// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the cross-field constraints the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Server.Environment != "development" && c.Server.Environment != "production" {
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}

	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be positive, got %s", c.Scraper.Timeout)
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0, got %d", c.Scraper.MaxRetries)
	}
	if c.Scraper.RateLimitRequests <= 0 || c.Scraper.RateLimitWindow <= 0 {
		return fmt.Errorf("scraper rate limit requires positive requests and window, got %d/%s",
			c.Scraper.RateLimitRequests, c.Scraper.RateLimitWindow)
	}

	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be positive, got %g", c.Health.FailureThreshold)
	}
	if c.Health.TransientWeight <= 0 || c.Health.TransientWeight > 1 {
		return fmt.Errorf("health.transient_weight must be in (0,1], got %g", c.Health.TransientWeight)
	}

	if c.Crawler.BeatInterval < time.Second {
		return fmt.Errorf("crawler.beat_interval must be at least 1s, got %s", c.Crawler.BeatInterval)
	}
	if c.Crawler.HardDeadline <= c.Crawler.SoftDeadline {
		return fmt.Errorf("crawler.hard_deadline (%s) must exceed soft_deadline (%s)",
			c.Crawler.HardDeadline, c.Crawler.SoftDeadline)
	}

	if c.Notify.DedupTTL <= 0 {
		return fmt.Errorf("notify.dedup_ttl must be positive, got %s", c.Notify.DedupTTL)
	}
	if c.Notify.TelegramMessagesPerSecond <= 0 {
		return fmt.Errorf("notify.telegram_messages_per_second must be positive, got %g",
			c.Notify.TelegramMessagesPerSecond)
	}
	if c.Notify.RetryBase <= 0 || c.Notify.RetryMax < c.Notify.RetryBase {
		return fmt.Errorf("notify retry backoff bounds invalid: base=%s max=%s",
			c.Notify.RetryBase, c.Notify.RetryMax)
	}

	if c.Digest.TickInterval <= 0 || c.Digest.Window <= 0 {
		return fmt.Errorf("digest tick_interval and window must be positive")
	}

	if c.Maintenance.SweepInterval <= 0 {
		return fmt.Errorf("maintenance.sweep_interval must be positive, got %s", c.Maintenance.SweepInterval)
	}

	return nil
}

// IsProduction reports whether the server runs in production mode.
// Dev-only affordances, like the subscription gating bypass list, are
// ignored in production.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// DevBypassAllowed reports whether subscription-tier gating is bypassed for
// the given user. Always false in production.
func (c *Config) DevBypassAllowed(userID string) bool {
	if c.IsProduction() {
		return false
	}
	for _, id := range c.Notify.DevBypassUsers {
		if id == userID {
			return true
		}
	}
	return false
}
