// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

/*
schema.go - Database Schema Management

Tables:
  - companies: tracked competitors; owner_id empty for global companies
  - news_items: deduplicated classified news corpus (source_url unique)
  - news_keywords: extracted keyword relevances per news item
  - competitor_snapshots: content-addressed parsed captures, one table for
    all snapshot kinds discriminated by the kind column
  - competitor_change_events: structured diffs between snapshot pairs
  - crawl_schedules: declarative scheduling rules by (scope, scope_key)
  - source_profiles: per-(company, source kind) crawl state
  - crawl_runs: run lifecycle records
  - notification_channels / notification_subscriptions /
    notification_events / notification_deliveries: delivery pipeline
  - user_preferences: per-user digest preferences singleton

Schema Strategy (Pre-Release):
All columns are defined in the initial CREATE TABLE statements. Versioned
migrations in migrations.go stay empty until the first public release.

DuckDB has no ON DELETE CASCADE; the cascade flows (user -> channels ->
subscriptions, company -> profiles/runs/snapshots, event -> deliveries)
are implemented in the delete operations.
*/
package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

// tableCreationQueries returns the table and index creation statements.
func tableCreationQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS companies (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			website TEXT NOT NULL,
			normalized_website TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			handles JSON NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (owner_id, normalized_website)
		)`,

		`CREATE TABLE IF NOT EXISTS news_items (
			id UUID PRIMARY KEY,
			company_id UUID,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			source_url TEXT NOT NULL UNIQUE,
			source_kind TEXT NOT NULL,
			category TEXT NOT NULL,
			topic TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			priority_score DOUBLE NOT NULL,
			published_at TIMESTAMP NOT NULL,
			raw_snapshot_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_news_company_published
			ON news_items (company_id, published_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_news_published
			ON news_items (published_at DESC)`,

		`CREATE TABLE IF NOT EXISTS news_keywords (
			news_item_id UUID NOT NULL,
			keyword TEXT NOT NULL,
			relevance DOUBLE NOT NULL,
			PRIMARY KEY (news_item_id, keyword)
		)`,

		`CREATE TABLE IF NOT EXISTS competitor_snapshots (
			id UUID PRIMARY KEY,
			company_id UUID NOT NULL,
			source_url TEXT NOT NULL,
			kind TEXT NOT NULL,
			data_hash TEXT NOT NULL,
			normalized_data JSON NOT NULL,
			parser_version TEXT NOT NULL,
			processing_status TEXT NOT NULL,
			warnings JSON NOT NULL DEFAULT '[]',
			raw_snapshot_url TEXT NOT NULL DEFAULT '',
			extracted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_company_kind_extracted
			ON competitor_snapshots (company_id, kind, extracted_at DESC)`,

		`CREATE TABLE IF NOT EXISTS competitor_change_events (
			id UUID PRIMARY KEY,
			company_id UUID NOT NULL,
			source_kind TEXT NOT NULL,
			change_summary TEXT NOT NULL,
			changed_fields JSON NOT NULL DEFAULT '[]',
			raw_diff JSON,
			current_snapshot_id UUID NOT NULL,
			previous_snapshot_id UUID NOT NULL,
			processing_status TEXT NOT NULL,
			notification_status TEXT NOT NULL,
			detected_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_company_detected
			ON competitor_change_events (company_id, detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_notification_status
			ON competitor_change_events (notification_status)`,

		`CREATE TABLE IF NOT EXISTS crawl_schedules (
			id UUID PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			frequency_seconds INTEGER NOT NULL,
			jitter_seconds INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_backoff_seconds INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			run_window_start INTEGER NOT NULL DEFAULT 0,
			run_window_end INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, scope_key)
		)`,

		`CREATE TABLE IF NOT EXISTS source_profiles (
			id UUID PRIMARY KEY,
			company_id UUID NOT NULL,
			source_kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			last_run_at TIMESTAMP,
			last_success_at TIMESTAMP,
			last_error_at TIMESTAMP,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			consecutive_no_change INTEGER NOT NULL DEFAULT 0,
			last_content_hash TEXT NOT NULL DEFAULT '',
			schedule_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (company_id, source_kind)
		)`,

		`CREATE TABLE IF NOT EXISTS crawl_runs (
			id UUID PRIMARY KEY,
			profile_id UUID NOT NULL,
			schedule_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			item_count INTEGER NOT NULL DEFAULT 0,
			change_detected BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_runs_profile_started
			ON crawl_runs (profile_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_runs_status
			ON crawl_runs (status)`,

		`CREATE TABLE IF NOT EXISTS notification_channels (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			destination TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (user_id, kind, destination)
		)`,

		`CREATE TABLE IF NOT EXISTS notification_subscriptions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id UUID NOT NULL,
			type TEXT NOT NULL,
			filters JSON NOT NULL DEFAULT '{}',
			min_priority DOUBLE NOT NULL DEFAULT 0,
			frequency TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_type
			ON notification_subscriptions (type)`,

		`CREATE TABLE IF NOT EXISTS notification_events (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			priority DOUBLE NOT NULL,
			payload JSON NOT NULL,
			deduplication_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			scheduled_for TIMESTAMP,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_type_dedup
			ON notification_events (user_id, type, deduplication_key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status
			ON notification_events (status)`,

		`CREATE TABLE IF NOT EXISTS notification_deliveries (
			id UUID PRIMARY KEY,
			event_id UUID NOT NULL,
			channel_id UUID NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP,
			next_retry_at TIMESTAMP,
			response_metadata JSON NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			UNIQUE (event_id, channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status_retry
			ON notification_deliveries (status, next_retry_at)`,

		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT PRIMARY KEY,
			digest_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			digest_frequency TEXT NOT NULL DEFAULT 'daily',
			digest_format TEXT NOT NULL DEFAULT 'markdown',
			time_of_day TEXT NOT NULL DEFAULT '09:00',
			days_of_week JSON NOT NULL DEFAULT '[]',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			last_sent_utc TIMESTAMP,
			telegram_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			telegram_digest_mode TEXT NOT NULL DEFAULT 'tracked'
		)`,
	}
}
