// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package providers

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/pfielding/spyglass/internal/models"
)

// feedPaths are the well-known feed locations probed before falling back
// to HTML scraping, in order.
var feedPaths = []string{"/feed", "/rss.xml", "/atom.xml", "/index.xml", "/feed.xml", "/rss"}

// rssDoc is the subset of RSS 2.0 the feed parser reads.
type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// atomDoc is the subset of Atom the feed parser reads.
type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title   string     `xml:"title"`
	Links   []atomLink `xml:"link"`
	Summary string     `xml:"summary"`
	Content string     `xml:"content"`
	Updated string     `xml:"updated"`
	Publish string     `xml:"published"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// href returns the alternate link, falling back to the first link.
func (e atomEntry) href() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

var feedDateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

func parseFeedDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range feedDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// isFeedPayload reports whether a response body looks like RSS or Atom
// rather than HTML.
func isFeedPayload(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") || strings.Contains(ct, "xml") {
		return true
	}
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	s := strings.ToLower(string(head))
	return strings.Contains(s, "<rss") || strings.Contains(s, "<feed")
}

// parseFeed decodes an RSS or Atom payload into normalized items in
// document order. Returns nil when the payload is neither.
func parseFeed(body []byte, kind models.SourceKind) []models.NormalizedItem {
	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		items := make([]models.NormalizedItem, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			title := strings.TrimSpace(it.Title)
			link := strings.TrimSpace(it.Link)
			if title == "" || link == "" {
				continue
			}
			items = append(items, models.NormalizedItem{
				Title:       title,
				Summary:     summarize(it.Description),
				SourceURL:   link,
				SourceKind:  kind,
				Category:    categorize(title),
				PublishedAt: parseFeedDate(it.PubDate),
			})
		}
		return items
	}

	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		items := make([]models.NormalizedItem, 0, len(atom.Entries))
		for _, e := range atom.Entries {
			title := strings.TrimSpace(e.Title)
			link := e.href()
			if title == "" || link == "" {
				continue
			}
			summary := e.Summary
			if summary == "" {
				summary = e.Content
			}
			date := e.Publish
			if date == "" {
				date = e.Updated
			}
			items = append(items, models.NormalizedItem{
				Title:       title,
				Summary:     summarize(summary),
				SourceURL:   link,
				SourceKind:  kind,
				Category:    categorize(title),
				PublishedAt: parseFeedDate(date),
			})
		}
		return items
	}
	return nil
}

// summarize strips markup remnants and caps the summary length.
func summarize(s string) string {
	s = strings.TrimSpace(stripTags(s))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// stripTags removes anything between angle brackets. Feed descriptions
// frequently embed escaped HTML; full parsing is not worth it here.
func stripTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
