// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/pfielding/spyglass/internal/models"
)

// StructureResult is the output of the landing-structure parser.
type StructureResult struct {
	Data          models.StructureData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// keyPages are the site sections whose presence is tracked across
// snapshots.
var keyPages = []string{"pricing", "about", "blog", "news", "careers", "features"}

// ParseStructure extracts the structural fingerprint of a landing page:
// navigation links, key-page presence, head metadata and per-section
// content hashes.
func ParseStructure(doc, sourceURL string) (*StructureResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse structure html: %w", err)
	}

	res := &StructureResult{
		ParserVersion: StructureParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	res.Data.NavLinks = extractNavLinks(root, sourceURL)
	res.Data.KeyPages = detectKeyPages(res.Data.NavLinks)
	res.Data.Metadata = extractPageMetadata(root)
	res.Data.SectionHashes = hashSections(root)

	res.Metadata.ExtractedCount = len(res.Data.NavLinks)
	if len(res.Data.NavLinks) == 0 {
		res.Warnings = append(res.Warnings, "no navigation links detected")
	}
	return res, nil
}

// extractNavLinks collects anchors inside <nav>, <header>, or elements with
// nav-ish classes, deduplicated by (url, text) and sorted for a stable
// canonical form.
func extractNavLinks(root *html.Node, baseURL string) []models.NavLink {
	navRoots := findAll(root, func(n *html.Node) bool {
		return isElement(n, "nav", "header") || classContainsAny(n, "nav", "menu")
	})

	seen := map[models.NavLink]bool{}
	var links []models.NavLink
	for _, nav := range navRoots {
		for _, a := range findAll(nav, func(n *html.Node) bool { return isElement(n, "a") }) {
			href := strings.TrimSpace(attr(a, "href"))
			text := nodeText(a)
			if href == "" || href == "#" || text == "" {
				continue
			}
			link := models.NavLink{URL: resolveURL(baseURL, href), Text: text}
			if !seen[link] {
				seen[link] = true
				links = append(links, link)
			}
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].URL != links[j].URL {
			return links[i].URL < links[j].URL
		}
		return links[i].Text < links[j].Text
	})
	return links
}

// detectKeyPages marks which tracked sections are reachable from the
// navigation.
func detectKeyPages(links []models.NavLink) map[string]bool {
	pages := make(map[string]bool, len(keyPages))
	for _, page := range keyPages {
		pages[page] = false
		for _, link := range links {
			if strings.Contains(strings.ToLower(link.URL), page) ||
				strings.Contains(strings.ToLower(link.Text), page) {
				pages[page] = true
				break
			}
		}
	}
	return pages
}

// extractPageMetadata reads title, description, keywords and the OG/Twitter
// tag sets from the document head.
func extractPageMetadata(root *html.Node) models.PageMetadata {
	meta := models.PageMetadata{}

	if t := findFirst(root, func(n *html.Node) bool { return isElement(n, "title") }); t != nil {
		meta.Title = nodeText(t)
	}

	for _, m := range findAll(root, func(n *html.Node) bool { return isElement(n, "meta") }) {
		content := attr(m, "content")
		if content == "" {
			continue
		}
		switch strings.ToLower(attr(m, "name")) {
		case "description":
			meta.Description = content
		case "keywords":
			meta.Keywords = content
		}
		if name := strings.ToLower(attr(m, "name")); strings.HasPrefix(name, "twitter:") {
			if meta.Twitter == nil {
				meta.Twitter = map[string]string{}
			}
			meta.Twitter[name] = content
		}
		if prop := strings.ToLower(attr(m, "property")); strings.HasPrefix(prop, "og:") {
			if meta.OpenGraph == nil {
				meta.OpenGraph = map[string]string{}
			}
			meta.OpenGraph[prop] = content
		}
	}
	return meta
}

// hashSections hashes the text of each heading-delimited section keyed by
// its heading, so moved or reworded sections surface as section_change
// diffs without storing page text.
func hashSections(root *html.Node) map[string]string {
	sections := map[string]string{}
	for _, s := range findAll(root, func(n *html.Node) bool { return isElement(n, "section", "article", "main") }) {
		heading := firstHeadingText(s)
		if heading == "" {
			continue
		}
		if _, exists := sections[heading]; exists {
			continue
		}
		sum := sha256.Sum256([]byte(nodeText(s)))
		sections[heading] = hex.EncodeToString(sum[:])
	}
	return sections
}
