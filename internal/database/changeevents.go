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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/models"
)

// InsertChangeEvent persists a detected change event.
func (db *DB) InsertChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	fields, err := json.Marshal(e.ChangedFields)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}
	if e.ChangedFields == nil {
		fields = []byte("[]")
	}
	_, err = db.exec(ctx, "insert", "competitor_change_events",
		`INSERT INTO competitor_change_events (id, company_id, source_kind, change_summary, changed_fields,
			raw_diff, current_snapshot_id, previous_snapshot_id, processing_status, notification_status, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CompanyID, string(e.Kind), e.ChangeSummary, string(fields),
		rawOrNil(e.RawDiff), e.CurrentSnapshotID, e.PreviousSnapshotID,
		string(e.ProcessingStatus), string(e.NotificationStatus), e.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// GetChangeEvent loads one change event by ID.
func (db *DB) GetChangeEvent(ctx context.Context, id string) (*models.ChangeEvent, error) {
	row, err := db.queryRow(ctx, "select", "competitor_change_events",
		changeEventColumns+` FROM competitor_change_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	e, err := scanChangeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ChangeEventFilter narrows ListChangeEvents. Zero values match all.
type ChangeEventFilter struct {
	CompanyID          string
	Kind               models.SourceKind
	NotificationStatus models.NotificationStatus
	Limit              int
}

// ListChangeEvents returns change events newest first.
func (db *DB) ListChangeEvents(ctx context.Context, f ChangeEventFilter) ([]models.ChangeEvent, error) {
	query := changeEventColumns + ` FROM competitor_change_events WHERE 1=1`
	var args []any
	if f.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, f.CompanyID)
	}
	if f.Kind != "" {
		query += ` AND source_kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.NotificationStatus != "" {
		query += ` AND notification_status = ?`
		args = append(args, string(f.NotificationStatus))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, "select", "competitor_change_events", query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.ChangeEvent
	for rows.Next() {
		e, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetChangeEventNotificationStatus transitions an event's notification
// status. Events already sent are immutable.
func (db *DB) SetChangeEventNotificationStatus(ctx context.Context, id string, status models.NotificationStatus) error {
	res, err := db.exec(ctx, "update", "competitor_change_events",
		`UPDATE competitor_change_events SET notification_status = ?
		 WHERE id = ? AND notification_status != 'sent'`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, gerr := db.GetChangeEvent(ctx, id)
		if gerr != nil {
			return gerr
		}
		if cur.NotificationStatus == models.NotifySent {
			return ErrImmutable
		}
	}
	return nil
}

// RewriteChangeEvent replaces the diff payload of a recomputed event.
// Events with notification_status=sent are never rewritten.
func (db *DB) RewriteChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	fields, err := json.Marshal(e.ChangedFields)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}
	res, err := db.exec(ctx, "update", "competitor_change_events",
		`UPDATE competitor_change_events
		 SET change_summary = ?, changed_fields = ?, raw_diff = ?, processing_status = ?
		 WHERE id = ? AND notification_status IN ('pending', 'failed')`,
		e.ChangeSummary, string(fields), rawOrNil(e.RawDiff), string(e.ProcessingStatus), e.ID)
	if err != nil {
		return fmt.Errorf("rewrite change event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := db.GetChangeEvent(ctx, e.ID); gerr != nil {
			return gerr
		}
		return ErrImmutable
	}
	return nil
}

const changeEventColumns = `SELECT id, company_id, source_kind, change_summary, changed_fields,
	COALESCE(CAST(raw_diff AS TEXT), ''), current_snapshot_id, previous_snapshot_id,
	processing_status, notification_status, detected_at`

func scanChangeEvent(s rowScanner) (*models.ChangeEvent, error) {
	var e models.ChangeEvent
	var kind, fields, rawDiff, pstatus, nstatus string
	if err := s.Scan(&e.ID, &e.CompanyID, &kind, &e.ChangeSummary, &fields, &rawDiff,
		&e.CurrentSnapshotID, &e.PreviousSnapshotID, &pstatus, &nstatus, &e.DetectedAt); err != nil {
		return nil, err
	}
	e.Kind = models.SourceKind(kind)
	e.ProcessingStatus = models.ProcessingStatus(pstatus)
	e.NotificationStatus = models.NotificationStatus(nstatus)
	if fields != "" && fields != "[]" {
		if err := json.Unmarshal([]byte(fields), &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("unmarshal changed fields: %w", err)
		}
	}
	if rawDiff != "" {
		e.RawDiff = json.RawMessage(rawDiff)
	}
	return &e, nil
}

// rawOrNil maps an empty raw JSON payload to SQL NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
