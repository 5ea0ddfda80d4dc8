// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/net/html"

	"github.com/pfielding/spyglass/internal/models"
)

// SEOResult is the output of the SEO-signals parser.
type SEOResult struct {
	Data          models.SEOData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// sitemapURLLimit truncates stored sitemap listings; the full count is kept
// separately so growth is still detectable.
const sitemapURLLimit = 200

// ParseSEO extracts SEO signals from a page: head metadata and the set of
// JSON-LD @type values. Robots and sitemap inputs are parsed separately
// because they come from different fetches; pass empty strings when they
// were not fetched.
func ParseSEO(doc, robotsTxt, sitemapXML, sourceURL string) (*SEOResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse seo html: %w", err)
	}

	res := &SEOResult{
		ParserVersion: SEOParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}
	res.Data.Meta = extractPageMetadata(root)
	res.Data.JSONLDTypes = extractJSONLDTypes(root, &res.Warnings)
	res.Data.Sitemaps = ParseRobotsSitemaps(robotsTxt)

	urls, count := ParseSitemapURLs(sitemapXML)
	res.Data.SitemapURLs = urls
	res.Data.SitemapURLCount = count

	res.Metadata.ExtractedCount = len(res.Data.JSONLDTypes) + count
	return res, nil
}

// extractJSONLDTypes collects the sorted set of @type values from
// application/ld+json script blocks. Malformed blocks produce a warning,
// not a failure.
func extractJSONLDTypes(root *html.Node, warnings *[]string) []string {
	typeSet := map[string]bool{}
	blocks := findAll(root, func(n *html.Node) bool {
		return isElement(n, "script") && strings.EqualFold(attr(n, "type"), "application/ld+json")
	})

	for _, block := range blocks {
		if block.FirstChild == nil {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(block.FirstChild.Data), &payload); err != nil {
			*warnings = append(*warnings, "malformed JSON-LD block skipped")
			continue
		}
		collectLDTypes(payload, typeSet)
	}

	if len(typeSet) == 0 {
		return nil
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// collectLDTypes walks a decoded JSON-LD value and gathers every @type.
func collectLDTypes(v any, into map[string]bool) {
	switch val := v.(type) {
	case map[string]any:
		switch t := val["@type"].(type) {
		case string:
			into[t] = true
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					into[s] = true
				}
			}
		}
		for _, child := range val {
			collectLDTypes(child, into)
		}
	case []any:
		for _, item := range val {
			collectLDTypes(item, into)
		}
	}
}

// ParseRobotsSitemaps returns the sorted set of Sitemap: URLs declared in a
// robots.txt body.
func ParseRobotsSitemaps(robotsTxt string) []string {
	if robotsTxt == "" {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, line := range strings.Split(robotsTxt, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			continue
		}
		u := strings.TrimSpace(line[len("sitemap:"):])
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// sitemapDoc covers both urlset and sitemapindex documents; only <loc>
// values matter for diffing.
type sitemapDoc struct {
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// ParseSitemapURLs extracts the URL set of a sitemap document, truncated to
// sitemapURLLimit entries. The full count is returned for set-size diffs.
func ParseSitemapURLs(sitemapXML string) (urls []string, total int) {
	if sitemapXML == "" {
		return nil, 0
	}
	var doc sitemapDoc
	if err := xml.Unmarshal([]byte(sitemapXML), &doc); err != nil {
		return nil, 0
	}

	seen := map[string]bool{}
	var all []string
	for _, entry := range append(doc.URLs, doc.Sitemaps...) {
		loc := strings.TrimSpace(entry.Loc)
		if loc != "" && !seen[loc] {
			seen[loc] = true
			all = append(all, loc)
		}
	}
	sort.Strings(all)

	total = len(all)
	if total > sitemapURLLimit {
		all = all[:sitemapURLLimit]
	}
	return all, total
}
