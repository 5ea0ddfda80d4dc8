// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package models defines the domain entities shared across Spyglass
// components: tracked companies, source profiles, crawl schedules and runs,
// news items, competitor snapshots, change events, notification records and
// digest preferences.
package models

import (
	"net/url"
	"strings"
	"time"
)

// Company is a tracked competitor. OwnerID is empty for "global" companies
// that are visible to everyone but crawled for nobody in particular.
type Company struct {
	ID       string            `json:"id"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Name     string            `json:"name"`
	Website  string            `json:"website"`
	Category string            `json:"category,omitempty"`
	Handles  map[string]string `json:"handles,omitempty"` // source kind -> handle/URL override

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsGlobal reports whether the company has no owner.
func (c *Company) IsGlobal() bool {
	return c.OwnerID == ""
}

// NormalizedWebsite lowercases the host, strips scheme, "www." and trailing
// slashes. (owner, normalized website) is unique within an owner scope.
func NormalizedWebsite(website string) string {
	s := strings.TrimSpace(strings.ToLower(website))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimPrefix(s, "https://"), "/")
	}
	host := strings.TrimPrefix(u.Host, "www.")
	path := strings.TrimSuffix(u.Path, "/")
	return host + path
}
