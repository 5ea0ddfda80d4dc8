// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/models"
)

// UpsertSchedule inserts or rewrites a crawl schedule rule keyed by
// (scope, scope_key).
func (db *DB) UpsertSchedule(ctx context.Context, s *models.CrawlSchedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := db.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := db.exec(ctx, "upsert", "crawl_schedules",
		`INSERT INTO crawl_schedules (id, scope, scope_key, frequency_seconds, jitter_seconds, mode,
			max_retries, retry_backoff_seconds, priority, enabled, run_window_start, run_window_end,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, scope_key) DO UPDATE SET
			frequency_seconds = EXCLUDED.frequency_seconds,
			jitter_seconds = EXCLUDED.jitter_seconds,
			mode = EXCLUDED.mode,
			max_retries = EXCLUDED.max_retries,
			retry_backoff_seconds = EXCLUDED.retry_backoff_seconds,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			run_window_start = EXCLUDED.run_window_start,
			run_window_end = EXCLUDED.run_window_end,
			updated_at = EXCLUDED.updated_at`,
		s.ID, string(s.Scope), s.ScopeKey, s.FrequencySeconds, s.JitterSeconds, string(s.Mode),
		s.MaxRetries, s.RetryBackoffSeconds, s.Priority, s.Enabled, s.RunWindowStart, s.RunWindowEnd,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// ListSchedules returns every enabled schedule rule.
func (db *DB) ListSchedules(ctx context.Context) ([]models.CrawlSchedule, error) {
	rows, err := db.query(ctx, "select", "crawl_schedules",
		`SELECT id, scope, scope_key, frequency_seconds, jitter_seconds, mode, max_retries,
			retry_backoff_seconds, priority, enabled, run_window_start, run_window_end,
			created_at, updated_at
		 FROM crawl_schedules WHERE enabled ORDER BY scope, scope_key`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.CrawlSchedule
	for rows.Next() {
		var s models.CrawlSchedule
		var scope, mode string
		if err := rows.Scan(&s.ID, &scope, &s.ScopeKey, &s.FrequencySeconds, &s.JitterSeconds,
			&mode, &s.MaxRetries, &s.RetryBackoffSeconds, &s.Priority, &s.Enabled,
			&s.RunWindowStart, &s.RunWindowEnd, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.Scope = models.ScheduleScope(scope)
		s.Mode = models.ProfileMode(mode)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule rule by ID.
func (db *DB) DeleteSchedule(ctx context.Context, id string) error {
	res, err := db.exec(ctx, "delete", "crawl_schedules",
		`DELETE FROM crawl_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureProfile creates the (company, source kind) profile if missing and
// returns it. Exactly one profile exists per pair.
func (db *DB) EnsureProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error) {
	now := db.now().UTC()
	_, err := db.exec(ctx, "insert", "source_profiles",
		`INSERT INTO source_profiles (id, company_id, source_kind, mode, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM source_profiles WHERE company_id = ? AND source_kind = ?)`,
		uuid.NewString(), companyID, string(kind), string(kind.DefaultMode()), now, now,
		companyID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return db.GetProfile(ctx, companyID, kind)
}

// GetProfile loads the profile for (company, source kind).
func (db *DB) GetProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error) {
	row, err := db.queryRow(ctx, "select", "source_profiles",
		profileColumns+` FROM source_profiles WHERE company_id = ? AND source_kind = ?`,
		companyID, string(kind))
	if err != nil {
		return nil, err
	}
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProfiles returns every source profile.
func (db *DB) ListProfiles(ctx context.Context) ([]models.SourceProfile, error) {
	rows, err := db.query(ctx, "select", "source_profiles",
		profileColumns+` FROM source_profiles ORDER BY company_id, source_kind`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.SourceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProfileRun records the outcome of one crawl run on the profile:
// success resets the failure streak, a detected change resets the
// no-change streak, failure increments the failure streak.
func (db *DB) UpdateProfileRun(ctx context.Context, profileID string, succeeded, changed bool, contentHash string) error {
	now := db.now().UTC()
	var query string
	args := []any{now}
	switch {
	case succeeded && changed:
		query = `UPDATE source_profiles SET last_run_at = ?, last_success_at = ?,
			consecutive_failures = 0, consecutive_no_change = 0, last_content_hash = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, now, contentHash, now, profileID)
	case succeeded:
		query = `UPDATE source_profiles SET last_run_at = ?, last_success_at = ?,
			consecutive_failures = 0, consecutive_no_change = consecutive_no_change + 1,
			last_content_hash = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, now, contentHash, now, profileID)
	default:
		query = `UPDATE source_profiles SET last_run_at = ?, last_error_at = ?,
			consecutive_failures = consecutive_failures + 1, updated_at = ?
			WHERE id = ?`
		args = append(args, now, now, profileID)
	}
	res, err := db.exec(ctx, "update", "source_profiles", query, args...)
	if err != nil {
		return fmt.Errorf("update profile run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProfilePlanned stamps last_run_at when the planner enqueues a run,
// making duplicate planner ticks no-ops.
func (db *DB) MarkProfilePlanned(ctx context.Context, profileID string) error {
	now := db.now().UTC()
	_, err := db.exec(ctx, "update", "source_profiles",
		`UPDATE source_profiles SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		now, now, profileID)
	if err != nil {
		return fmt.Errorf("mark profile planned: %w", err)
	}
	return nil
}

const profileColumns = `SELECT id, company_id, source_kind, mode, last_run_at, last_success_at,
	last_error_at, consecutive_failures, consecutive_no_change, last_content_hash, schedule_id,
	created_at, updated_at`

func scanProfile(s rowScanner) (*models.SourceProfile, error) {
	var p models.SourceProfile
	var kind, mode string
	if err := s.Scan(&p.ID, &p.CompanyID, &kind, &mode, &p.LastRunAt, &p.LastSuccessAt,
		&p.LastErrorAt, &p.ConsecutiveFailures, &p.ConsecutiveNoChange, &p.LastContentHash,
		&p.ScheduleID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Kind = models.SourceKind(kind)
	p.Mode = models.ProfileMode(mode)
	return &p, nil
}

// OpenRun creates a running crawl run record.
func (db *DB) OpenRun(ctx context.Context, profileID, scheduleID string) (*models.CrawlRun, error) {
	run := &models.CrawlRun{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		ScheduleID: scheduleID,
		Status:     models.RunRunning,
		StartedAt:  db.now().UTC(),
	}
	_, err := db.exec(ctx, "insert", "crawl_runs",
		`INSERT INTO crawl_runs (id, profile_id, schedule_id, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ProfileID, run.ScheduleID, string(run.Status), run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("open crawl run: %w", err)
	}
	return run, nil
}

// CloseRun finishes a run with a terminal status. Terminal runs are
// immutable; closing an already-terminal run is rejected.
func (db *DB) CloseRun(ctx context.Context, runID string, status models.RunStatus, itemCount int, changeDetected bool, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("close run: %s is not a terminal status", status)
	}
	res, err := db.exec(ctx, "update", "crawl_runs",
		`UPDATE crawl_runs SET status = ?, finished_at = ?, item_count = ?, change_detected = ?, error_message = ?
		 WHERE id = ? AND status IN ('scheduled', 'running')`,
		string(status), db.now().UTC(), itemCount, changeDetected, errorMessage, runID)
	if err != nil {
		return fmt.Errorf("close crawl run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImmutable
	}
	return nil
}

// ListRunsForProfile returns a profile's crawl runs, newest first.
func (db *DB) ListRunsForProfile(ctx context.Context, profileID string, limit int) ([]models.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, "select", "crawl_runs",
		`SELECT id, profile_id, schedule_id, status, started_at, finished_at, item_count,
			change_detected, error_message
		 FROM crawl_runs WHERE profile_id = ? ORDER BY started_at DESC LIMIT ?`,
		profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.CrawlRun
	for rows.Next() {
		var run models.CrawlRun
		var status string
		if err := rows.Scan(&run.ID, &run.ProfileID, &run.ScheduleID, &status, &run.StartedAt,
			&run.FinishedAt, &run.ItemCount, &run.ChangeDetected, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = models.RunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

// SweepStaleRuns force-fails running runs that started before the cutoff.
// Returns the number of runs failed.
func (db *DB) SweepStaleRuns(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	res, err := db.exec(ctx, "update", "crawl_runs",
		`UPDATE crawl_runs SET status = 'failed', finished_at = ?, error_message = ?
		 WHERE status = 'running' AND started_at < ?`,
		db.now().UTC(), message, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
