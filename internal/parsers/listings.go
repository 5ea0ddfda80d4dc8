// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/pfielding/spyglass/internal/models"
)

// The listing parsers share one shape: selector heuristics pick candidate
// elements, a typed entry is extracted from each, and the result is sorted
// into a stable canonical order so equal content always hashes equal.

// JobsResult is the output of the job-board parser.
type JobsResult struct {
	Data          models.JobsData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// ParseJobs extracts job postings. Diffing keys on (name, location).
func ParseJobs(doc, sourceURL string) (*JobsResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse jobs html: %w", err)
	}
	res := &JobsResult{
		ParserVersion: JobsParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	cards := innermostOnly(findAll(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && classContainsAny(n, "job", "position", "opening", "vacancy", "career")
	}))
	res.Metadata.CandidateCount = len(cards)

	seen := map[string]bool{}
	for _, card := range cards {
		name := firstHeadingText(card)
		if name == "" {
			if a := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") }); a != nil {
				name = nodeText(a)
			}
		}
		if name == "" || len(name) > 160 {
			continue
		}
		job := models.JobPosting{Name: name}
		if loc := findFirst(card, func(n *html.Node) bool {
			return n.Type == html.ElementNode && classContainsAny(n, "location", "city", "remote")
		}); loc != nil {
			job.Location = nodeText(loc)
		}
		if a := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" }); a != nil {
			job.URL = resolveURL(sourceURL, attr(a, "href"))
		}
		key := strings.ToLower(job.Name + "|" + job.Location)
		if !seen[key] {
			seen[key] = true
			res.Data.Jobs = append(res.Data.Jobs, job)
		}
	}

	sort.Slice(res.Data.Jobs, func(i, j int) bool {
		if res.Data.Jobs[i].Name != res.Data.Jobs[j].Name {
			return res.Data.Jobs[i].Name < res.Data.Jobs[j].Name
		}
		return res.Data.Jobs[i].Location < res.Data.Jobs[j].Location
	})
	res.Metadata.ExtractedCount = len(res.Data.Jobs)
	if len(res.Data.Jobs) == 0 {
		res.Warnings = append(res.Warnings, "no job postings detected")
	}
	return res, nil
}

// ProductsResult is the output of the product-listing parser.
type ProductsResult struct {
	Data          models.ProductsData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// ParseProducts extracts product entries. Diffing keys on name.
func ParseProducts(doc, sourceURL string) (*ProductsResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse products html: %w", err)
	}
	res := &ProductsResult{
		ParserVersion: ProductsParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	cards := innermostOnly(findAll(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && classContainsAny(n, "product", "item", "offering", "solution")
	}))
	res.Metadata.CandidateCount = len(cards)

	seen := map[string]bool{}
	for _, card := range cards {
		name := firstHeadingText(card)
		if name == "" || len(name) > 120 {
			continue
		}
		p := models.Product{Name: name}
		if d := findFirst(card, func(n *html.Node) bool { return isElement(n, "p") }); d != nil {
			p.Description = truncate(nodeText(d), 300)
		}
		if a := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" }); a != nil {
			p.URL = resolveURL(sourceURL, attr(a, "href"))
		}
		key := strings.ToLower(p.Name)
		if !seen[key] {
			seen[key] = true
			res.Data.Products = append(res.Data.Products, p)
		}
	}

	sort.Slice(res.Data.Products, func(i, j int) bool {
		return res.Data.Products[i].Name < res.Data.Products[j].Name
	})
	res.Metadata.ExtractedCount = len(res.Data.Products)
	if len(res.Data.Products) == 0 {
		res.Warnings = append(res.Warnings, "no products detected")
	}
	return res, nil
}

// BannersResult is the output of the banner parser.
type BannersResult struct {
	Data          models.BannersData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// ParseBanners extracts promotional banners: announcement bars, hero
// ribbons, alert strips. Diffing keys on banner text hash.
func ParseBanners(doc, sourceURL string) (*BannersResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse banners html: %w", err)
	}
	res := &BannersResult{
		ParserVersion: BannersParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	cards := innermostOnly(findAll(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && classContainsAny(n, "banner", "announcement", "promo", "ribbon", "alert-bar", "notice")
	}))
	res.Metadata.CandidateCount = len(cards)

	seen := map[string]bool{}
	for _, card := range cards {
		text := nodeText(card)
		if text == "" || len(text) > 500 {
			continue
		}
		b := models.Banner{Text: text}
		if a := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" }); a != nil {
			b.URL = resolveURL(sourceURL, attr(a, "href"))
		}
		if !seen[b.Text] {
			seen[b.Text] = true
			res.Data.Banners = append(res.Data.Banners, b)
		}
	}

	sort.Slice(res.Data.Banners, func(i, j int) bool {
		return res.Data.Banners[i].Text < res.Data.Banners[j].Text
	})
	res.Metadata.ExtractedCount = len(res.Data.Banners)
	return res, nil
}

// PressItem is one entry of a press-release listing page.
type PressItem struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Summary     string     `json:"summary,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// PressResult is the output of the press-release list parser.
type PressResult struct {
	Items         []PressItem
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

var pressDateFormats = []string{
	time.RFC3339,
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02.01.2006",
}

// ParsePress extracts press-release entries from a listing page. Unlike
// the snapshot parsers its output feeds the news pipeline, so document
// order is preserved (newest-first pages stay newest-first).
func ParsePress(doc, sourceURL string) (*PressResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse press html: %w", err)
	}
	res := &PressResult{
		ParserVersion: PressParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	cards := innermostOnly(findAll(root, func(n *html.Node) bool {
		return isElement(n, "article") ||
			(n.Type == html.ElementNode && classContainsAny(n, "press", "release", "news-item", "post"))
	}))
	res.Metadata.CandidateCount = len(cards)

	seen := map[string]bool{}
	for _, card := range cards {
		item := PressItem{Title: firstHeadingText(card)}
		a := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" })
		if a == nil {
			continue
		}
		item.URL = resolveURL(sourceURL, attr(a, "href"))
		if item.Title == "" {
			item.Title = nodeText(a)
		}
		if item.Title == "" || seen[item.URL] {
			continue
		}
		seen[item.URL] = true

		if p := findFirst(card, func(n *html.Node) bool { return isElement(n, "p") }); p != nil {
			item.Summary = truncate(nodeText(p), 500)
		}
		if t := extractPressDate(card); t != nil {
			item.PublishedAt = t
		}
		res.Items = append(res.Items, item)
	}

	res.Metadata.ExtractedCount = len(res.Items)
	if len(res.Items) == 0 {
		res.Warnings = append(res.Warnings, "no press releases detected")
	}
	return res, nil
}

// extractPressDate reads a <time datetime> attribute or a date-classed
// element and tries the known formats.
func extractPressDate(card *html.Node) *time.Time {
	var texts []string
	if t := findFirst(card, func(n *html.Node) bool { return isElement(n, "time") }); t != nil {
		if dt := attr(t, "datetime"); dt != "" {
			texts = append(texts, dt)
		}
		texts = append(texts, nodeText(t))
	}
	if d := findFirst(card, func(n *html.Node) bool {
		return n.Type == html.ElementNode && classContainsAny(n, "date", "published")
	}); d != nil {
		texts = append(texts, nodeText(d))
	}

	for _, text := range texts {
		text = strings.TrimSpace(text)
		for _, layout := range pressDateFormats {
			if ts, err := time.Parse(layout, text); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
	}
	return nil
}

// innermostOnly drops candidates that wrap other candidates, so list
// containers whose class also matches do not swallow their cards.
func innermostOnly(nodes []*html.Node) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		wraps := false
		for _, other := range nodes {
			if n != other && isAncestor(n, other) {
				wraps = true
				break
			}
		}
		if !wraps {
			out = append(out, n)
		}
	}
	return out
}
