// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package changedetect turns successive competitor snapshots into typed
// change events. Snapshots are comparable only within the same parser
// version; the first observation under a new version resets the baseline
// instead of emitting a spurious diff.
package changedetect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
)

// Store is the persistence surface the detector needs.
type Store interface {
	InsertSnapshot(ctx context.Context, s *models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	LatestSnapshot(ctx context.Context, companyID, sourceURL string, kind models.SnapshotKind, parserVersion string) (*models.Snapshot, error)
	InsertChangeEvent(ctx context.Context, e *models.ChangeEvent) error
	GetChangeEvent(ctx context.Context, id string) (*models.ChangeEvent, error)
	RewriteChangeEvent(ctx context.Context, e *models.ChangeEvent) error
}

// Capturer produces a fresh snapshot for a detection source kind.
type Capturer interface {
	Capture(ctx context.Context, company models.Company, kind models.SourceKind) (*models.Snapshot, error)
}

// Detector observes detection surfaces and persists change events.
type Detector struct {
	store    Store
	capturer Capturer

	now func() time.Time
}

// New builds a change detector.
func New(store Store, capturer Capturer) *Detector {
	return &Detector{store: store, capturer: capturer, now: time.Now}
}

// rawDiff is the machine-readable payload stored alongside the typed
// field list.
type rawDiff struct {
	PreviousHash  string               `json:"previous_hash"`
	CurrentHash   string               `json:"current_hash"`
	ParserVersion string               `json:"parser_version"`
	Changes       []models.FieldChange `json:"changes"`
}

// Observe captures one detection surface, persists the snapshot and, if
// the content hash moved against the latest comparable baseline, emits a
// pending change event. Returns (nil, nil) when nothing changed or no
// comparable baseline exists yet.
func (d *Detector) Observe(ctx context.Context, company models.Company, kind models.SourceKind) (*models.ChangeEvent, error) {
	cur, err := d.capturer.Capture(ctx, company, kind)
	if err != nil {
		return nil, fmt.Errorf("capture %s/%s: %w", company.ID, kind, err)
	}

	prev, err := d.store.LatestSnapshot(ctx, cur.CompanyID, cur.SourceURL, cur.Kind, cur.ParserVersion)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("load baseline snapshot: %w", err)
	}

	if err := d.store.InsertSnapshot(ctx, cur); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if prev == nil {
		logging.Debug().
			Str("company_id", company.ID).
			Str("source_kind", string(kind)).
			Str("parser_version", cur.ParserVersion).
			Msg("No comparable baseline, snapshot becomes the new baseline")
		return nil, nil
	}
	if prev.DataHash == cur.DataHash {
		return nil, nil
	}

	start := d.now()
	event, err := d.buildEvent(company.ID, kind, prev, cur)
	metrics.ChangeDetectionDuration.WithLabelValues(string(kind)).Observe(d.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}

	if err := d.store.InsertChangeEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist change event: %w", err)
	}
	metrics.ChangeEventsDetected.WithLabelValues(string(kind)).Inc()
	metrics.MirrorChangeDetected(string(kind))

	logging.Info().
		Str("company_id", company.ID).
		Str("source_kind", string(kind)).
		Str("event_id", event.ID).
		Int("changed_fields", len(event.ChangedFields)).
		Msg("Change detected")
	return event, nil
}

// Recompute re-runs the diff of an existing event from its stored
// snapshots, replacing the summary and field list. Events that already
// reached a subscriber are immutable; the store rejects the rewrite.
func (d *Detector) Recompute(ctx context.Context, eventID string) (*models.ChangeEvent, error) {
	event, err := d.store.GetChangeEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load change event: %w", err)
	}
	prev, err := d.store.GetSnapshot(ctx, event.PreviousSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	cur, err := d.store.GetSnapshot(ctx, event.CurrentSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("load current snapshot: %w", err)
	}

	rebuilt, err := d.buildEvent(event.CompanyID, event.Kind, prev, cur)
	if err != nil {
		return nil, err
	}
	rebuilt.ID = event.ID
	rebuilt.NotificationStatus = event.NotificationStatus
	rebuilt.DetectedAt = event.DetectedAt

	if err := d.store.RewriteChangeEvent(ctx, rebuilt); err != nil {
		return nil, err
	}
	return rebuilt, nil
}

func (d *Detector) buildEvent(companyID string, kind models.SourceKind, prev, cur *models.Snapshot) (*models.ChangeEvent, error) {
	changes, err := diffSnapshots(cur.Kind, prev.NormalizedData, cur.NormalizedData)
	status := models.ProcessingSuccess
	if err != nil {
		// Hash moved but the structured diff failed; keep a degraded
		// event rather than losing the observation.
		logging.Warn().Err(err).
			Str("company_id", companyID).
			Str("source_kind", string(kind)).
			Msg("Structured diff failed, emitting degraded event")
		changes = nil
		status = models.ProcessingError
	}

	raw, err := json.Marshal(rawDiff{
		PreviousHash:  prev.DataHash,
		CurrentHash:   cur.DataHash,
		ParserVersion: cur.ParserVersion,
		Changes:       changes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal raw diff: %w", err)
	}

	return &models.ChangeEvent{
		ID:                 uuid.NewString(),
		CompanyID:          companyID,
		Kind:               kind,
		ChangeSummary:      summarize(cur.Kind, changes),
		ChangedFields:      changes,
		RawDiff:            raw,
		CurrentSnapshotID:  cur.ID,
		PreviousSnapshotID: prev.ID,
		ProcessingStatus:   status,
		NotificationStatus: models.NotifyPending,
		DetectedAt:         d.now().UTC(),
	}, nil
}
