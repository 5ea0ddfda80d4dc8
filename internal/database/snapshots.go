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

// InsertSnapshot persists a competitor snapshot. Snapshots are immutable
// and retained indefinitely.
func (db *DB) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	warnings, err := json.Marshal(s.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	if s.Warnings == nil {
		warnings = []byte("[]")
	}
	_, err = db.exec(ctx, "insert", "competitor_snapshots",
		`INSERT INTO competitor_snapshots (id, company_id, source_url, kind, data_hash, normalized_data,
			parser_version, processing_status, warnings, raw_snapshot_url, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CompanyID, s.SourceURL, string(s.Kind), s.DataHash, string(s.NormalizedData),
		s.ParserVersion, string(s.ProcessingStatus), string(warnings), s.RawSnapshotURL, s.ExtractedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot by ID.
func (db *DB) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	row, err := db.queryRow(ctx, "select", "competitor_snapshots",
		`SELECT id, company_id, source_url, kind, data_hash, normalized_data, parser_version,
			processing_status, warnings, raw_snapshot_url, extracted_at
		 FROM competitor_snapshots WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// LatestSnapshot returns the most recent successful snapshot for
// (company, source URL, kind) under the given parser version, or
// ErrNotFound for a first observation. Snapshots from older parser
// versions are not comparable. Empty parserVersion matches any.
func (db *DB) LatestSnapshot(ctx context.Context, companyID, sourceURL string, kind models.SnapshotKind, parserVersion string) (*models.Snapshot, error) {
	row, err := db.queryRow(ctx, "select", "competitor_snapshots",
		`SELECT id, company_id, source_url, kind, data_hash, normalized_data, parser_version,
			processing_status, warnings, raw_snapshot_url, extracted_at
		 FROM competitor_snapshots
		 WHERE company_id = ? AND source_url = ? AND kind = ? AND processing_status = 'success'
		   AND (? = '' OR parser_version = ?)
		 ORDER BY extracted_at DESC LIMIT 1`,
		companyID, sourceURL, string(kind), parserVersion, parserVersion)
	if err != nil {
		return nil, err
	}
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func scanSnapshot(s rowScanner) (*models.Snapshot, error) {
	var snap models.Snapshot
	var kind, status, data, warnings string
	if err := s.Scan(&snap.ID, &snap.CompanyID, &snap.SourceURL, &kind, &snap.DataHash, &data,
		&snap.ParserVersion, &status, &warnings, &snap.RawSnapshotURL, &snap.ExtractedAt); err != nil {
		return nil, err
	}
	snap.Kind = models.SnapshotKind(kind)
	snap.ProcessingStatus = models.ProcessingStatus(status)
	snap.NormalizedData = json.RawMessage(data)
	if warnings != "" && warnings != "[]" {
		if err := json.Unmarshal([]byte(warnings), &snap.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return &snap, nil
}
