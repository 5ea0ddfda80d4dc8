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
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/registry"
)

// GitHub monitors a competitor's GitHub presence through the public Atom
// feeds: releases for "org/repo" handles, the activity timeline for bare
// org/user handles. No API token required.
type GitHub struct {
	deps Deps
}

// NewGitHub builds the GitHub provider.
func NewGitHub(deps Deps) *GitHub {
	return &GitHub{deps: deps}
}

// Matches binds this provider to the github source kind.
func (g *GitHub) Matches(_ models.Company, kind models.SourceKind) bool {
	return kind == models.SourceGithub
}

// Fetch reads the Atom feed for the configured handle.
func (g *GitHub) Fetch(ctx context.Context, company models.Company, opts registry.FetchOptions) ([]models.NormalizedItem, error) {
	candidates := g.deps.Registry.CandidateURLs(ctx, company, models.SourceGithub)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no github handle configured for %s", company.ID)
	}

	var lastErr error
	for _, base := range candidates {
		if opts.SkipURLs[base] {
			continue
		}
		feedURL := githubFeedURL(base)
		resp, err := g.deps.Fetcher.Fetch(ctx, feedURL, fetcher.Options{
			CompanyID:    company.ID,
			SourceKind:   string(models.SourceGithub),
			SkipSnapshot: true,
		})
		g.deps.recordOutcome(ctx, feedURL, company.ID, err)
		if err != nil {
			lastErr = err
			continue
		}
		items := parseFeed(resp.Body, models.SourceGithub)
		if items == nil {
			lastErr = fmt.Errorf("github feed %s: not a parseable feed", feedURL)
			continue
		}
		for i := range items {
			// Releases and tags are release-category by definition.
			if strings.Contains(feedURL, "/releases.atom") || strings.Contains(feedURL, "/tags.atom") {
				items[i].Category = models.CategoryRelease
			}
		}
		return capItems(items, opts.MaxItems), nil
	}
	return nil, fmt.Errorf("fetch github feed: %w", lastErr)
}

// githubFeedURL derives the Atom feed for a profile or repository URL.
// "github.com/org/repo" gets the releases feed; "github.com/org" gets the
// public activity timeline.
func githubFeedURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	trimmed := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	parts := strings.Split(trimmed, "/")
	// parts: ["github.com", "org"] or ["github.com", "org", "repo"]
	if len(parts) >= 3 && parts[2] != "" {
		return base + "/releases.atom"
	}
	return base + ".atom"
}

func (g *GitHub) Close() error { return nil }
