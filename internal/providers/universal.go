// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/parsers"
	"github.com/pfielding/spyglass/internal/registry"
)

// Universal is the fallback provider for website-hosted item streams:
// blog, news-site and press-release kinds. It probes well-known feed
// endpoints first and falls back to scraping the listing page.
type Universal struct {
	deps Deps
	kind models.SourceKind
}

// NewUniversal builds a universal provider for one item-stream kind.
func NewUniversal(deps Deps, kind models.SourceKind) *Universal {
	return &Universal{deps: deps, kind: kind}
}

// Matches reports whether this provider serves (company, kind). Used as
// the registry binding predicate.
func (u *Universal) Matches(_ models.Company, kind models.SourceKind) bool {
	return kind == u.kind
}

// Fetch returns normalized items from the first reachable candidate URL.
func (u *Universal) Fetch(ctx context.Context, company models.Company, opts registry.FetchOptions) ([]models.NormalizedItem, error) {
	candidates := u.deps.Registry.CandidateURLs(ctx, company, u.kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate URLs for %s/%s", company.ID, u.kind)
	}

	// Feed endpoints are cheaper and better structured than listing
	// pages; probe them off each candidate root first.
	if items := u.tryFeeds(ctx, candidates, company, opts); len(items) > 0 {
		return capItems(items, opts.MaxItems), nil
	}

	resp, pageURL, err := u.deps.fetchFirst(ctx, candidates, company, u.kind, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s listing: %w", u.kind, err)
	}
	if feedItems := parseFeed(resp.Body, u.kind); isFeedPayload(resp.ContentType, resp.Body) && feedItems != nil {
		return capItems(feedItems, opts.MaxItems), nil
	}

	parsed, err := parsers.ParsePress(string(resp.Body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s listing: %w", u.kind, err)
	}
	items := make([]models.NormalizedItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		items = append(items, models.NormalizedItem{
			Title:          it.Title,
			Summary:        it.Summary,
			SourceURL:      it.URL,
			SourceKind:     u.kind,
			Category:       categorize(it.Title),
			PublishedAt:    it.PublishedAt,
			RawSnapshotURL: resp.SnapshotPath,
		})
	}
	return capItems(items, opts.MaxItems), nil
}

// tryFeeds probes feed endpoints derived from candidate URLs. The first
// parseable feed wins; failures are silent (the HTML fallback remains).
func (u *Universal) tryFeeds(ctx context.Context, candidates []string, company models.Company, opts registry.FetchOptions) []models.NormalizedItem {
	for _, base := range candidates {
		base = strings.TrimSuffix(base, "/")
		for _, p := range feedPaths {
			feedURL := base + p
			if opts.SkipURLs[feedURL] || ctx.Err() != nil {
				return nil
			}
			resp, err := u.deps.Fetcher.Fetch(ctx, feedURL, fetcher.Options{
				CompanyID:    company.ID,
				SourceKind:   string(u.kind),
				SkipSnapshot: true,
			})
			if err != nil {
				continue
			}
			if !isFeedPayload(resp.ContentType, resp.Body) {
				continue
			}
			if items := parseFeed(resp.Body, u.kind); len(items) > 0 {
				logging.Debug().Str("feed_url", feedURL).Int("items", len(items)).Msg("Feed endpoint resolved")
				return items
			}
		}
	}
	return nil
}

func (u *Universal) Close() error { return nil }
