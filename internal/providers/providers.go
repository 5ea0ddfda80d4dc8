// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package providers implements the registry.Provider bindings: the
// universal provider for website-hosted item streams (blog, news,
// press releases), the GitHub and social feed providers, and the
// snapshot capturer used by change-detection source kinds.
package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/health"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/registry"
)

// DefaultMaxItems bounds items returned per provider call when the
// caller does not set a limit.
const DefaultMaxItems = 30

// PageFetcher is the outbound HTTP capability providers depend on.
// Satisfied by *fetcher.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Response, error)
}

// HealthRecorder receives per-URL fetch outcomes. Satisfied by
// *health.Ledger; nil disables recording.
type HealthRecorder interface {
	Record(ctx context.Context, url, companyID string, outcome health.Outcome) error
}

// Deps bundles the shared collaborators of every provider.
type Deps struct {
	Fetcher  PageFetcher
	Registry *registry.Registry
	Health   HealthRecorder
}

// recordOutcome maps a fetch result onto the health ledger vocabulary.
func (d Deps) recordOutcome(ctx context.Context, url, companyID string, err error) {
	if d.Health == nil {
		return
	}
	outcome := health.OutcomeSuccess
	if err != nil {
		outcome = health.OutcomeTransient
		var ferr *fetcher.FetchError
		if errors.As(err, &ferr) && ferr.Kind == fetcher.KindPermanent {
			outcome = health.OutcomeHard
		}
	}
	if rerr := d.Health.Record(ctx, url, companyID, outcome); rerr != nil {
		logging.Error().Err(rerr).Str("url", url).Msg("Failed to record fetch outcome")
	}
}

// fetchFirst tries candidate URLs in order and returns the first
// successful response with its URL. Every attempt feeds the health
// ledger. Context cancellation aborts the walk.
func (d Deps) fetchFirst(ctx context.Context, candidates []string, company models.Company, kind models.SourceKind, opts registry.FetchOptions) (*fetcher.Response, string, error) {
	var lastErr error
	for _, url := range candidates {
		if opts.SkipURLs[url] {
			continue
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		resp, err := d.Fetcher.Fetch(ctx, url, fetcher.Options{
			CompanyID:  company.ID,
			SourceKind: string(kind),
		})
		d.recordOutcome(ctx, url, company.ID, err)
		if err == nil {
			return resp, url, nil
		}
		lastErr = err
		logging.Debug().Err(err).Str("url", url).Str("source_kind", string(kind)).Msg("Candidate URL failed")
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate URLs available")
	}
	return nil, "", lastErr
}

// capItems truncates items to the caller's limit (or the default).
func capItems(items []models.NormalizedItem, max int) []models.NormalizedItem {
	if max <= 0 {
		max = DefaultMaxItems
	}
	if len(items) > max {
		return items[:max]
	}
	return items
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// categorize assigns a coarse content category from title keywords.
func categorize(title string) models.Category {
	switch {
	case containsAny(title, "raises", "funding", "series a", "series b", "series c", "seed round", "investment", "valuation"):
		return models.CategoryFunding
	case containsAny(title, "partner", "partnership", "teams up", "collaboration", "joins forces"):
		return models.CategoryPartnership
	case containsAny(title, "hiring", "we're hiring", "join our team", "careers"):
		return models.CategoryHiring
	case containsAny(title, "release", "released", "launch", "launches", "now available", "generally available", "ga "):
		return models.CategoryRelease
	case containsAny(title, "pricing", "price", "plans", "free tier"):
		return models.CategoryPricing
	case containsAny(title, "update", "improved", "new feature", "introducing", "announcing"):
		return models.CategoryProductUpdate
	default:
		return models.CategoryNews
	}
}
