// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/parsers"
	"github.com/pfielding/spyglass/internal/registry"
)

// Capturer produces competitor snapshots for the change-detection source
// kinds. It fetches the first reachable candidate URL, runs the matching
// parser and hashes the canonical normalized payload.
type Capturer struct {
	deps Deps

	now func() time.Time // override in tests
}

// NewCapturer builds a snapshot capturer.
func NewCapturer(deps Deps) *Capturer {
	return &Capturer{deps: deps, now: time.Now}
}

// Capture fetches and parses one detection surface of a company.
func (c *Capturer) Capture(ctx context.Context, company models.Company, kind models.SourceKind) (*models.Snapshot, error) {
	snapKind, ok := models.SnapshotKindFor(kind)
	if !ok {
		return nil, fmt.Errorf("source kind %s does not produce snapshots", kind)
	}

	candidates := c.deps.Registry.CandidateURLs(ctx, company, kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate URLs for %s/%s", company.ID, kind)
	}
	resp, pageURL, err := c.deps.fetchFirst(ctx, candidates, company, kind, registry.FetchOptions{})
	if err != nil {
		metrics.SnapshotsWritten.WithLabelValues(string(snapKind), "error").Inc()
		return nil, fmt.Errorf("fetch %s page: %w", kind, err)
	}

	data, warnings, version, err := c.parse(ctx, company, kind, resp, pageURL)
	if err != nil {
		metrics.ParseFailures.WithLabelValues(string(snapKind)).Inc()
		metrics.SnapshotsWritten.WithLabelValues(string(snapKind), "error").Inc()
		return nil, fmt.Errorf("parse %s page: %w", kind, err)
	}

	hash, canonical, err := parsers.HashNormalized(data)
	if err != nil {
		return nil, fmt.Errorf("hash %s payload: %w", kind, err)
	}

	status := models.ProcessingSuccess
	metrics.SnapshotsWritten.WithLabelValues(string(snapKind), "success").Inc()
	return &models.Snapshot{
		ID:               uuid.NewString(),
		CompanyID:        company.ID,
		SourceURL:        pageURL,
		Kind:             snapKind,
		DataHash:         hash,
		NormalizedData:   json.RawMessage(canonical),
		ParserVersion:    version,
		ProcessingStatus: status,
		Warnings:         warnings,
		RawSnapshotURL:   resp.SnapshotPath,
		ExtractedAt:      c.now().UTC(),
	}, nil
}

// parse dispatches to the kind-specific parser.
func (c *Capturer) parse(ctx context.Context, company models.Company, kind models.SourceKind, resp *fetcher.Response, pageURL string) (any, []string, string, error) {
	doc := string(resp.Body)
	switch kind {
	case models.SourcePricing:
		res, err := parsers.ParsePricing(doc, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	case models.SourceLanding:
		res, err := parsers.ParseStructure(doc, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	case models.SourceSEO:
		robots, sitemap := c.fetchSEOExtras(ctx, company, pageURL)
		res, err := parsers.ParseSEO(doc, robots, sitemap, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	case models.SourceJobs:
		res, err := parsers.ParseJobs(doc, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	case models.SourceProducts:
		res, err := parsers.ParseProducts(doc, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	case models.SourceBanners:
		res, err := parsers.ParseBanners(doc, pageURL)
		if err != nil {
			return nil, nil, "", err
		}
		return res.Data, res.Warnings, res.ParserVersion, nil
	default:
		return nil, nil, "", fmt.Errorf("no parser for source kind %s", kind)
	}
}

// fetchSEOExtras best-effort loads robots.txt and the first sitemap it
// names. Failures yield empty inputs; the SEO parser degrades gracefully.
func (c *Capturer) fetchSEOExtras(ctx context.Context, company models.Company, pageURL string) (robots, sitemap string) {
	root := siteRoot(pageURL)
	if root == "" {
		return "", ""
	}
	opts := fetcher.Options{CompanyID: company.ID, SourceKind: string(models.SourceSEO), SkipSnapshot: true}

	if resp, err := c.deps.Fetcher.Fetch(ctx, root+"/robots.txt", opts); err == nil {
		robots = string(resp.Body)
	}
	sitemaps := parsers.ParseRobotsSitemaps(robots)
	sitemapURL := root + "/sitemap.xml"
	if len(sitemaps) > 0 {
		sitemapURL = sitemaps[0]
	}
	if resp, err := c.deps.Fetcher.Fetch(ctx, sitemapURL, opts); err == nil {
		sitemap = string(resp.Body)
	}
	return robots, sitemap
}

// siteRoot reduces a page URL to scheme://host.
func siteRoot(pageURL string) string {
	i := strings.Index(pageURL, "://")
	if i < 0 {
		return ""
	}
	rest := pageURL[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return ""
	}
	return pageURL[:i+3] + rest
}
