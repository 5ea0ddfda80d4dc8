// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"time"
)

// SourceKind identifies an externally observable surface of a competitor.
type SourceKind string

// Item-stream kinds produce news items; detection kinds produce snapshots
// for the change detector.
const (
	SourceBlog         SourceKind = "blog"
	SourceNewsSite     SourceKind = "news-site"
	SourceTwitter      SourceKind = "twitter"
	SourceGithub       SourceKind = "github"
	SourceReddit       SourceKind = "reddit"
	SourcePressRelease SourceKind = "press-release"
	SourceFacebook     SourceKind = "facebook"
	SourceInstagram    SourceKind = "instagram"
	SourceLinkedin     SourceKind = "linkedin"
	SourceYoutube      SourceKind = "youtube"
	SourceTiktok       SourceKind = "tiktok"

	SourcePricing  SourceKind = "pricing"
	SourceLanding  SourceKind = "landing"
	SourceSEO      SourceKind = "seo"
	SourceBanners  SourceKind = "banners"
	SourceProducts SourceKind = "products"
	SourceJobs     SourceKind = "jobs"
)

// AllSourceKinds lists every valid source kind.
var AllSourceKinds = []SourceKind{
	SourceBlog, SourceNewsSite, SourceTwitter, SourceGithub, SourceReddit,
	SourcePressRelease, SourceFacebook, SourceInstagram, SourceLinkedin,
	SourceYoutube, SourceTiktok,
	SourcePricing, SourceLanding, SourceSEO, SourceBanners, SourceProducts,
	SourceJobs,
}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	for _, s := range AllSourceKinds {
		if s == k {
			return true
		}
	}
	return false
}

// ProfileMode controls what ingestion does with fetched payloads.
type ProfileMode string

const (
	// ModeAlwaysUpdate ingests every returned item (news-style sources).
	ModeAlwaysUpdate ProfileMode = "always-update"

	// ModeChangeDetection snapshots the parsed payload and emits change
	// events on content-hash differences.
	ModeChangeDetection ProfileMode = "change-detection"
)

// DefaultMode returns the natural profile mode for a source kind.
func (k SourceKind) DefaultMode() ProfileMode {
	switch k {
	case SourcePricing, SourceLanding, SourceSEO, SourceBanners,
		SourceProducts, SourceJobs:
		return ModeChangeDetection
	default:
		return ModeAlwaysUpdate
	}
}

// SourceProfile is the per-(company, source kind) crawl state. Exactly one
// profile exists per pair; counters increase monotonically until reset on
// success (failures) or on a detected change (no-change streak).
type SourceProfile struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	Kind      SourceKind `json:"source_kind"`
	Mode      ProfileMode `json:"mode"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	ConsecutiveNoChange int    `json:"consecutive_no_change"`
	LastContentHash     string `json:"last_content_hash,omitempty"`

	ScheduleID string `json:"schedule_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleScope is the specificity level of a crawl schedule rule.
type ScheduleScope string

const (
	ScopeSource     ScheduleScope = "source"      // key: "{company_id}:{source_kind}"
	ScopeCompany    ScheduleScope = "company"     // key: "{company_id}"
	ScopeSourceKind ScheduleScope = "source-kind" // key: "{source_kind}"
)

// SourceScopeKey builds the scope key for a source-scoped schedule.
func SourceScopeKey(companyID string, kind SourceKind) string {
	return companyID + ":" + string(kind)
}

// CrawlSchedule is a declarative scheduling rule. (scope, scope key) is
// unique; the effective schedule for a profile is the highest-specificity
// enabled rule, source over company over source-kind over built-in default.
type CrawlSchedule struct {
	ID       string        `json:"id"`
	Scope    ScheduleScope `json:"scope"`
	ScopeKey string        `json:"scope_key"`

	FrequencySeconds    int         `json:"frequency_seconds"` // >= 60
	JitterSeconds       int         `json:"jitter_seconds"`    // >= 0
	Mode                ProfileMode `json:"mode,omitempty"`
	MaxRetries          int         `json:"max_retries"`
	RetryBackoffSeconds int         `json:"retry_backoff_seconds"`
	Priority            int         `json:"priority"`
	Enabled             bool        `json:"enabled"`

	// Optional run window [start, end) in minutes-from-midnight UTC.
	// Both zero means unrestricted.
	RunWindowStart int `json:"run_window_start,omitempty"`
	RunWindowEnd   int `json:"run_window_end,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Frequency returns the schedule frequency as a duration.
func (s *CrawlSchedule) Frequency() time.Duration {
	return time.Duration(s.FrequencySeconds) * time.Second
}

// Jitter returns the schedule jitter as a duration.
func (s *CrawlSchedule) Jitter() time.Duration {
	return time.Duration(s.JitterSeconds) * time.Second
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

const (
	RunScheduled RunStatus = "scheduled"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunSkipped
}

// CrawlRun is one instance of a scheduled fetch for a source profile.
type CrawlRun struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profile_id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Status     RunStatus `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ItemCount      int    `json:"item_count"`
	ChangeDetected bool   `json:"change_detected"`
	ErrorMessage   string `json:"error_message,omitempty"`
}
