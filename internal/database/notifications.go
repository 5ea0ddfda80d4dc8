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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/models"
)

// CreateChannel inserts a notification channel.
// (user, kind, destination) is unique.
func (db *DB) CreateChannel(ctx context.Context, c *models.NotificationChannel) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = db.now().UTC()
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal channel metadata: %w", err)
	}
	if c.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = db.exec(ctx, "insert", "notification_channels",
		`INSERT INTO notification_channels (id, user_id, kind, destination, verified, disabled, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, string(c.Kind), c.Destination, c.Verified, c.Disabled, string(meta), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// GetChannel loads one channel by ID.
func (db *DB) GetChannel(ctx context.Context, id string) (*models.NotificationChannel, error) {
	row, err := db.queryRow(ctx, "select", "notification_channels",
		`SELECT id, user_id, kind, destination, verified, disabled, metadata, created_at
		 FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListUserChannels returns a user's channels, optionally only deliverable
// ones (verified and not disabled).
func (db *DB) ListUserChannels(ctx context.Context, userID string, deliverableOnly bool) ([]models.NotificationChannel, error) {
	query := `SELECT id, user_id, kind, destination, verified, disabled, metadata, created_at
		 FROM notification_channels WHERE user_id = ?`
	if deliverableOnly {
		query += ` AND verified AND NOT disabled`
	}
	query += ` ORDER BY kind, destination`

	rows, err := db.query(ctx, "select", "notification_channels", query, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetChannelState flips the verified/disabled flags of a channel.
func (db *DB) SetChannelState(ctx context.Context, id string, verified, disabled bool) error {
	res, err := db.exec(ctx, "update", "notification_channels",
		`UPDATE notification_channels SET verified = ?, disabled = ? WHERE id = ?`,
		verified, disabled, id)
	if err != nil {
		return fmt.Errorf("update channel state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChannel(s rowScanner) (*models.NotificationChannel, error) {
	var c models.NotificationChannel
	var kind, meta string
	if err := s.Scan(&c.ID, &c.UserID, &kind, &c.Destination, &c.Verified, &c.Disabled, &meta, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Kind = models.ChannelKind(kind)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal channel metadata: %w", err)
		}
	}
	return &c, nil
}

// CreateSubscription inserts a routing rule. The channel must belong to
// the same user.
func (db *DB) CreateSubscription(ctx context.Context, s *models.NotificationSubscription) error {
	ch, err := db.GetChannel(ctx, s.ChannelID)
	if err != nil {
		return fmt.Errorf("subscription channel: %w", err)
	}
	if ch.UserID != s.UserID {
		return fmt.Errorf("subscription channel belongs to a different user")
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = db.now().UTC()
	filters, err := json.Marshal(s.Filters)
	if err != nil {
		return fmt.Errorf("marshal subscription filters: %w", err)
	}
	_, err = db.exec(ctx, "insert", "notification_subscriptions",
		`INSERT INTO notification_subscriptions (id, user_id, channel_id, type, filters, min_priority, frequency, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ChannelID, string(s.Type), string(filters), s.MinPriority, s.Frequency, s.Enabled, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// ListSubscriptionsByType returns enabled subscriptions of one type whose
// channel is verified and not disabled.
func (db *DB) ListSubscriptionsByType(ctx context.Context, t models.NotificationType) ([]models.NotificationSubscription, error) {
	rows, err := db.query(ctx, "select", "notification_subscriptions",
		`SELECT s.id, s.user_id, s.channel_id, s.type, s.filters, s.min_priority, s.frequency, s.enabled, s.created_at
		 FROM notification_subscriptions s
		 JOIN notification_channels c ON c.id = s.channel_id
		 WHERE s.type = ? AND s.enabled AND c.verified AND NOT c.disabled
		 ORDER BY s.user_id, s.id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.NotificationSubscription
	for rows.Next() {
		var s models.NotificationSubscription
		var typ, filters string
		if err := rows.Scan(&s.ID, &s.UserID, &s.ChannelID, &typ, &filters, &s.MinPriority,
			&s.Frequency, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Type = models.NotificationType(typ)
		if filters != "" && filters != "{}" {
			if err := json.Unmarshal([]byte(filters), &s.Filters); err != nil {
				return nil, fmt.Errorf("unmarshal subscription filters: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertEvent persists a notification event.
func (db *DB) InsertEvent(ctx context.Context, e *models.NotificationEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = db.now().UTC()
	_, err := db.exec(ctx, "insert", "notification_events",
		`INSERT INTO notification_events (id, user_id, type, priority, payload, deduplication_key,
			status, scheduled_for, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Type), e.Priority, string(e.Payload), e.DeduplicationKey,
		string(e.Status), nullableTime(e.ScheduledFor), nullableTime(e.ExpiresAt), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent loads one notification event by ID.
func (db *DB) GetEvent(ctx context.Context, id string) (*models.NotificationEvent, error) {
	row, err := db.queryRow(ctx, "select", "notification_events",
		`SELECT id, user_id, type, priority, payload, deduplication_key, status, scheduled_for, expires_at, created_at
		 FROM notification_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// GetActiveEvent returns the newest unexpired queued/dispatched event
// with the same (user, type, dedup key), or ErrNotFound.
func (db *DB) GetActiveEvent(ctx context.Context, userID string, t models.NotificationType, dedupKey string) (*models.NotificationEvent, error) {
	row, err := db.queryRow(ctx, "select", "notification_events",
		`SELECT id, user_id, type, priority, payload, deduplication_key, status, scheduled_for, expires_at, created_at
		 FROM notification_events
		 WHERE user_id = ? AND type = ? AND deduplication_key = ?
		   AND status IN ('queued', 'dispatched')
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, string(t), dedupKey, db.now().UTC())
	if err != nil {
		return nil, err
	}
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEvent(s rowScanner) (*models.NotificationEvent, error) {
	var e models.NotificationEvent
	var typ, payload, status string
	if err := s.Scan(&e.ID, &e.UserID, &typ, &e.Priority, &payload, &e.DeduplicationKey,
		&status, &e.ScheduledFor, &e.ExpiresAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Type = models.NotificationType(typ)
	e.Status = models.EventStatus(status)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// SetEventStatus transitions an event's lifecycle status.
func (db *DB) SetEventStatus(ctx context.Context, id string, status models.EventStatus) error {
	res, err := db.exec(ctx, "update", "notification_events",
		`UPDATE notification_events SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireEvents marks unexpired active events past their expiry. Returns
// the number expired.
func (db *DB) ExpireEvents(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, "update", "notification_events",
		`UPDATE notification_events SET status = 'expired'
		 WHERE status IN ('queued', 'dispatched') AND expires_at IS NOT NULL AND expires_at <= ?`,
		db.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateDelivery inserts a pending delivery for (event, channel).
func (db *DB) CreateDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	meta, err := json.Marshal(d.ResponseMetadata)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}
	if d.ResponseMetadata == nil {
		meta = []byte("{}")
	}
	_, err = db.exec(ctx, "insert", "notification_deliveries",
		`INSERT INTO notification_deliveries (id, event_id, channel_id, status, attempt,
			last_attempt_at, next_retry_at, response_metadata, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EventID, d.ChannelID, string(d.Status), d.Attempt,
		nullableTime(d.LastAttemptAt), nullableTime(d.NextRetryAt), string(meta), d.Error)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetDelivery returns one delivery by ID.
func (db *DB) GetDelivery(ctx context.Context, id string) (*models.NotificationDelivery, error) {
	row, err := db.queryRow(ctx, "select", "notification_deliveries",
		`SELECT id, event_id, channel_id, status, attempt, last_attempt_at, next_retry_at, response_metadata, error
		 FROM notification_deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	var d models.NotificationDelivery
	var status, meta string
	err = row.Scan(&d.ID, &d.EventID, &d.ChannelID, &status, &d.Attempt,
		&d.LastAttemptAt, &d.NextRetryAt, &meta, &d.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery %s: %w", id, err)
	}
	d.Status = models.DeliveryStatus(status)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &d.ResponseMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal delivery metadata: %w", err)
		}
	}
	return &d, nil
}

// ClaimDueDeliveries returns up to limit deliveries that are pending or
// due for retry, oldest first.
func (db *DB) ClaimDueDeliveries(ctx context.Context, limit int) ([]models.NotificationDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, "select", "notification_deliveries",
		`SELECT id, event_id, channel_id, status, attempt, last_attempt_at, next_retry_at, response_metadata, error
		 FROM notification_deliveries
		 WHERE status = 'pending' OR (status = 'retrying' AND next_retry_at <= ?)
		 ORDER BY COALESCE(next_retry_at, '1970-01-01'::TIMESTAMP), id
		 LIMIT ?`,
		db.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.NotificationDelivery
	for rows.Next() {
		var d models.NotificationDelivery
		var status, meta string
		if err := rows.Scan(&d.ID, &d.EventID, &d.ChannelID, &status, &d.Attempt,
			&d.LastAttemptAt, &d.NextRetryAt, &meta, &d.Error); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = models.DeliveryStatus(status)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &d.ResponseMetadata); err != nil {
				return nil, fmt.Errorf("unmarshal delivery metadata: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelivery records an attempt outcome. Terminal deliveries are
// immutable.
func (db *DB) UpdateDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	meta, err := json.Marshal(d.ResponseMetadata)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}
	if d.ResponseMetadata == nil {
		meta = []byte("{}")
	}
	res, err := db.exec(ctx, "update", "notification_deliveries",
		`UPDATE notification_deliveries
		 SET status = ?, attempt = ?, last_attempt_at = ?, next_retry_at = ?, response_metadata = ?, error = ?
		 WHERE id = ? AND status IN ('pending', 'retrying')`,
		string(d.Status), d.Attempt, nullableTime(d.LastAttemptAt), nullableTime(d.NextRetryAt),
		string(meta), d.Error, d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImmutable
	}
	return nil
}

// DeliveryStatusesForEvent returns the statuses of all deliveries of one
// event, for rolling up the event status.
func (db *DB) DeliveryStatusesForEvent(ctx context.Context, eventID string) ([]models.DeliveryStatus, error) {
	rows, err := db.query(ctx, "select", "notification_deliveries",
		`SELECT status FROM notification_deliveries WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list delivery statuses: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.DeliveryStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan delivery status: %w", err)
		}
		out = append(out, models.DeliveryStatus(s))
	}
	return out, rows.Err()
}

// PruneReadNotificationsBefore deletes terminal notification events (and
// their deliveries) created before the cutoff. Returns events removed.
func (db *DB) PruneReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := db.exec(ctx, "delete", "notification_deliveries",
		`DELETE FROM notification_deliveries WHERE event_id IN
			(SELECT id FROM notification_events
			 WHERE status IN ('delivered', 'suppressed', 'expired') AND created_at < ?)`,
		cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	res, err := db.exec(ctx, "delete", "notification_events",
		`DELETE FROM notification_events
		 WHERE status IN ('delivered', 'suppressed', 'expired') AND created_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetPreferences loads a user's digest preferences, or defaults when the
// row does not exist yet.
func (db *DB) GetPreferences(ctx context.Context, userID string) (*models.DigestPreferences, error) {
	row, err := db.queryRow(ctx, "select", "user_preferences",
		`SELECT user_id, digest_enabled, digest_frequency, digest_format, time_of_day, days_of_week,
			timezone, last_sent_utc, telegram_enabled, telegram_digest_mode
		 FROM user_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.DigestPreferences{
			UserID:             userID,
			Frequency:          models.DigestDaily,
			Format:             models.DigestFormatMarkdown,
			TimeOfDay:          "09:00",
			Timezone:           "UTC",
			TelegramDigestMode: models.TelegramDigestTracked,
		}, nil
	}
	return p, err
}

// UpsertPreferences writes a user's digest preferences singleton.
func (db *DB) UpsertPreferences(ctx context.Context, p *models.DigestPreferences) error {
	days, err := json.Marshal(p.DaysOfWeek)
	if err != nil {
		return fmt.Errorf("marshal days of week: %w", err)
	}
	if p.DaysOfWeek == nil {
		days = []byte("[]")
	}
	_, err = db.exec(ctx, "upsert", "user_preferences",
		`INSERT INTO user_preferences (user_id, digest_enabled, digest_frequency, digest_format,
			time_of_day, days_of_week, timezone, last_sent_utc, telegram_enabled, telegram_digest_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			digest_enabled = EXCLUDED.digest_enabled,
			digest_frequency = EXCLUDED.digest_frequency,
			digest_format = EXCLUDED.digest_format,
			time_of_day = EXCLUDED.time_of_day,
			days_of_week = EXCLUDED.days_of_week,
			timezone = EXCLUDED.timezone,
			last_sent_utc = EXCLUDED.last_sent_utc,
			telegram_enabled = EXCLUDED.telegram_enabled,
			telegram_digest_mode = EXCLUDED.telegram_digest_mode`,
		p.UserID, p.Enabled, string(p.Frequency), string(p.Format), p.TimeOfDay, string(days),
		p.Timezone, nullableTime(p.LastSentUTC), p.TelegramEnabled, string(p.TelegramDigestMode))
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// ListDigestUsers returns the preferences of every user with digests
// enabled.
func (db *DB) ListDigestUsers(ctx context.Context) ([]models.DigestPreferences, error) {
	rows, err := db.query(ctx, "select", "user_preferences",
		`SELECT user_id, digest_enabled, digest_frequency, digest_format, time_of_day, days_of_week,
			timezone, last_sent_utc, telegram_enabled, telegram_digest_mode
		 FROM user_preferences WHERE digest_enabled AND digest_frequency != 'off'
		 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list digest users: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.DigestPreferences
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkDigestSent atomically stamps last_sent_utc, but only forward: a
// concurrent task that already stamped a later time wins.
func (db *DB) MarkDigestSent(ctx context.Context, userID string, sentAt time.Time) error {
	res, err := db.exec(ctx, "update", "user_preferences",
		`UPDATE user_preferences SET last_sent_utc = ?
		 WHERE user_id = ? AND (last_sent_utc IS NULL OR last_sent_utc < ?)`,
		sentAt.UTC(), userID, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPreferences(s rowScanner) (*models.DigestPreferences, error) {
	var p models.DigestPreferences
	var freq, format, mode, days string
	if err := s.Scan(&p.UserID, &p.Enabled, &freq, &format, &p.TimeOfDay, &days,
		&p.Timezone, &p.LastSentUTC, &p.TelegramEnabled, &mode); err != nil {
		return nil, err
	}
	p.Frequency = models.DigestFrequency(freq)
	p.Format = models.DigestFormat(format)
	p.TelegramDigestMode = models.TelegramDigestMode(mode)
	if days != "" && days != "[]" {
		if err := json.Unmarshal([]byte(days), &p.DaysOfWeek); err != nil {
			return nil, fmt.Errorf("unmarshal days of week: %w", err)
		}
	}
	return &p, nil
}

// nullableTime maps a nil time pointer to SQL NULL.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
