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

// CreateCompany inserts a tracked company. (owner, normalized website) is
// unique; a duplicate insert fails.
func (db *DB) CreateCompany(ctx context.Context, c *models.Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := db.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	handles, err := json.Marshal(c.Handles)
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	_, err = db.exec(ctx, "insert", "companies",
		`INSERT INTO companies (id, owner_id, name, website, normalized_website, category, handles, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Website, models.NormalizedWebsite(c.Website), c.Category, string(handles), now, now)
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

// GetCompany loads one company by ID.
func (db *DB) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	row, err := db.queryRow(ctx, "select", "companies",
		`SELECT id, owner_id, name, website, category, handles, created_at, updated_at
		 FROM companies WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return scanCompany(row)
}

// ListCompanies returns every tracked company ordered by name.
func (db *DB) ListCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := db.query(ctx, "select", "companies",
		`SELECT id, owner_id, name, website, category, handles, created_at, updated_at
		 FROM companies ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.Company
	for rows.Next() {
		c, err := scanCompanyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListOwnedCompanies returns companies with a non-empty owner. The crawl
// planner skips global companies, which are visible but crawled for nobody.
func (db *DB) ListOwnedCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := db.query(ctx, "select", "companies",
		`SELECT id, owner_id, name, website, category, handles, created_at, updated_at
		 FROM companies WHERE owner_id != '' ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list owned companies: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.Company
	for rows.Next() {
		c, err := scanCompanyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCompaniesByOwner returns one owner's tracked companies.
func (db *DB) ListCompaniesByOwner(ctx context.Context, ownerID string) ([]models.Company, error) {
	rows, err := db.query(ctx, "select", "companies",
		`SELECT id, owner_id, name, website, category, handles, created_at, updated_at
		 FROM companies WHERE owner_id = ? ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list companies by owner: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.Company
	for rows.Next() {
		c, err := scanCompanyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCompany rewrites mutable company fields.
func (db *DB) UpdateCompany(ctx context.Context, c *models.Company) error {
	handles, err := json.Marshal(c.Handles)
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	res, err := db.exec(ctx, "update", "companies",
		`UPDATE companies SET name = ?, website = ?, normalized_website = ?, category = ?, handles = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Website, models.NormalizedWebsite(c.Website), c.Category, string(handles), db.now().UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCompany removes a company and cascades to its profiles, runs,
// snapshots, change events and news items.
func (db *DB) DeleteCompany(ctx context.Context, id string) error {
	cascade := []struct{ table, query string }{
		{"crawl_runs", `DELETE FROM crawl_runs WHERE profile_id IN (SELECT id FROM source_profiles WHERE company_id = ?)`},
		{"source_profiles", `DELETE FROM source_profiles WHERE company_id = ?`},
		{"competitor_change_events", `DELETE FROM competitor_change_events WHERE company_id = ?`},
		{"competitor_snapshots", `DELETE FROM competitor_snapshots WHERE company_id = ?`},
		{"news_keywords", `DELETE FROM news_keywords WHERE news_item_id IN (SELECT id FROM news_items WHERE company_id = ?)`},
		{"news_items", `DELETE FROM news_items WHERE company_id = ?`},
	}
	for _, c := range cascade {
		if _, err := db.exec(ctx, "delete", c.table, c.query, id); err != nil {
			return fmt.Errorf("cascade delete %s: %w", c.table, err)
		}
	}
	res, err := db.exec(ctx, "delete", "companies", `DELETE FROM companies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete company: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompany(row *sql.Row) (*models.Company, error) {
	c, err := scanCompanyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCompanyRow(s rowScanner) (*models.Company, error) {
	var c models.Company
	var handles string
	if err := s.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Website, &c.Category, &handles, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if handles != "" {
		if err := json.Unmarshal([]byte(handles), &c.Handles); err != nil {
			return nil, fmt.Errorf("unmarshal handles: %w", err)
		}
	}
	return &c, nil
}
