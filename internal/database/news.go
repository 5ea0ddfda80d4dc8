// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/models"
)

// InsertNewsItem inserts a news item, resolving source_url duplicates as
// no-ops. Returns true when a row was actually inserted.
func (db *DB) InsertNewsItem(ctx context.Context, item *models.NewsItem, keywords []models.NewsKeyword) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = db.now().UTC()

	res, err := db.exec(ctx, "insert", "news_items",
		`INSERT INTO news_items (id, company_id, title, summary, content, source_url, source_kind,
			category, topic, sentiment, priority_score, published_at, raw_snapshot_url, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM news_items WHERE source_url = ?)`,
		item.ID, nullableID(item.CompanyID), item.Title, item.Summary, item.Content, item.SourceURL,
		string(item.SourceKind), string(item.Category), string(item.Topic), string(item.Sentiment),
		item.PriorityScore, item.PublishedAt.UTC(), item.RawSnapshotURL, item.CreatedAt,
		item.SourceURL)
	if err != nil {
		return false, fmt.Errorf("insert news item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	for _, kw := range keywords {
		if _, err := db.exec(ctx, "insert", "news_keywords",
			`INSERT OR IGNORE INTO news_keywords (news_item_id, keyword, relevance) VALUES (?, ?, ?)`,
			item.ID, kw.Keyword, kw.Relevance); err != nil {
			return true, fmt.Errorf("insert news keyword: %w", err)
		}
	}
	return true, nil
}

// RecentSourceURLs returns the source URLs of a company's news items of
// one kind seen within the lookback window, keyed for the provider skip
// set.
func (db *DB) RecentSourceURLs(ctx context.Context, companyID string, kind models.SourceKind, since time.Time) (map[string]bool, error) {
	rows, err := db.query(ctx, "select", "news_items",
		`SELECT source_url FROM news_items
		 WHERE company_id = ? AND source_kind = ? AND created_at >= ?`,
		companyID, string(kind), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list recent source urls: %w", err)
	}
	defer closeQuietly(rows)

	out := map[string]bool{}
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan source url: %w", err)
		}
		out[url] = true
	}
	return out, rows.Err()
}

// ListNewsSince returns news published on or after since, newest first.
// companyIDs narrows the result; empty means all companies.
func (db *DB) ListNewsSince(ctx context.Context, since time.Time, companyIDs []string, limit int) ([]models.NewsItem, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, COALESCE(CAST(company_id AS TEXT), ''), title, summary, content, source_url, source_kind,
			category, topic, sentiment, priority_score, published_at, raw_snapshot_url, created_at
		 FROM news_items WHERE published_at >= ?`
	args := []any{since.UTC()}
	if len(companyIDs) > 0 {
		query += ` AND company_id IN (`
		for i, id := range companyIDs {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, id)
		}
		query += `)`
	}
	query += ` ORDER BY priority_score DESC, published_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, "select", "news_items", query, args...)
	if err != nil {
		return nil, fmt.Errorf("list news: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.NewsItem
	for rows.Next() {
		var it models.NewsItem
		var kind, category, topic, sentiment string
		if err := rows.Scan(&it.ID, &it.CompanyID, &it.Title, &it.Summary, &it.Content, &it.SourceURL,
			&kind, &category, &topic, &sentiment, &it.PriorityScore, &it.PublishedAt,
			&it.RawSnapshotURL, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan news item: %w", err)
		}
		it.SourceKind = models.SourceKind(kind)
		it.Category = models.Category(category)
		it.Topic = models.Topic(topic)
		it.Sentiment = models.Sentiment(sentiment)
		out = append(out, it)
	}
	return out, rows.Err()
}

// NewsKeywords loads the extracted keywords of one news item, most
// relevant first.
func (db *DB) NewsKeywords(ctx context.Context, newsItemID string) ([]models.NewsKeyword, error) {
	rows, err := db.query(ctx, "select", "news_keywords",
		`SELECT news_item_id, keyword, relevance FROM news_keywords
		 WHERE news_item_id = ? ORDER BY relevance DESC, keyword`, newsItemID)
	if err != nil {
		return nil, fmt.Errorf("list news keywords: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.NewsKeyword
	for rows.Next() {
		var kw models.NewsKeyword
		if err := rows.Scan(&kw.NewsItemID, &kw.Keyword, &kw.Relevance); err != nil {
			return nil, fmt.Errorf("scan news keyword: %w", err)
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

// PruneNewsBefore deletes news items (and their keywords) published before
// the cutoff. Returns the number of items removed.
func (db *DB) PruneNewsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := db.exec(ctx, "delete", "news_keywords",
		`DELETE FROM news_keywords WHERE news_item_id IN (SELECT id FROM news_items WHERE published_at < ?)`,
		cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("prune news keywords: %w", err)
	}
	res, err := db.exec(ctx, "delete", "news_items",
		`DELETE FROM news_items WHERE published_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune news items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// nullableID maps an empty string to SQL NULL for UUID columns.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
