// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package schedule resolves the effective crawl schedule for a
// (company, source kind) pair and decides due-ness. Specificity order:
// source scope > company scope > source-kind scope > built-in default.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pfielding/spyglass/internal/models"
)

// builtinFrequencies are the per-kind defaults applied when no schedule
// rule matches.
var builtinFrequencies = map[models.SourceKind]time.Duration{
	models.SourceBlog:         15 * time.Minute,
	models.SourceNewsSite:     10 * time.Minute,
	models.SourceTwitter:      5 * time.Minute,
	models.SourceReddit:       10 * time.Minute,
	models.SourceFacebook:     10 * time.Minute,
	models.SourceInstagram:    10 * time.Minute,
	models.SourceLinkedin:     10 * time.Minute,
	models.SourceYoutube:      10 * time.Minute,
	models.SourceTiktok:       10 * time.Minute,
	models.SourceGithub:       30 * time.Minute,
	models.SourcePressRelease: 60 * time.Minute,

	// Detection surfaces move slowly; once a day is plenty.
	models.SourcePricing:  24 * time.Hour,
	models.SourceLanding:  24 * time.Hour,
	models.SourceSEO:      24 * time.Hour,
	models.SourceBanners:  24 * time.Hour,
	models.SourceProducts: 24 * time.Hour,
	models.SourceJobs:     24 * time.Hour,
}

// defaultJitter spreads built-in-scheduled fetches to avoid thundering
// herds against the same host.
const defaultJitter = 2 * time.Minute

// Store is the persistence surface the engine needs.
type Store interface {
	ListSchedules(ctx context.Context) ([]models.CrawlSchedule, error)
	EnsureProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error)
}

// Engine resolves effective schedules and due-ness.
type Engine struct {
	store Store

	now     func() time.Time
	jitterN func(max time.Duration) time.Duration
}

// New builds a schedule engine over the relational store.
func New(store Store) *Engine {
	return &Engine{
		store: store,
		now:   time.Now,
		jitterN: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Effective returns the highest-specificity enabled schedule rule for
// (company, kind), synthesizing a built-in default when no rule matches.
func (e *Engine) Effective(ctx context.Context, companyID string, kind models.SourceKind) (*models.CrawlSchedule, error) {
	rules, err := e.store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedule rules: %w", err)
	}
	return effectiveFrom(rules, companyID, kind), nil
}

// Resolved is a point-in-time rule set for bulk resolution. The planner
// loads it once per tick instead of re-querying per profile.
type Resolved struct {
	rules []models.CrawlSchedule
}

// Load snapshots the enabled schedule rules for bulk resolution.
func (e *Engine) Load(ctx context.Context) (*Resolved, error) {
	rules, err := e.store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedule rules: %w", err)
	}
	return &Resolved{rules: rules}, nil
}

// Effective resolves against the snapshot.
func (r *Resolved) Effective(companyID string, kind models.SourceKind) *models.CrawlSchedule {
	return effectiveFrom(r.rules, companyID, kind)
}

// effectiveFrom resolves against an already-loaded rule set.
func effectiveFrom(rules []models.CrawlSchedule, companyID string, kind models.SourceKind) *models.CrawlSchedule {
	var companyRule, kindRule *models.CrawlSchedule
	sourceKey := models.SourceScopeKey(companyID, kind)

	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		switch r.Scope {
		case models.ScopeSource:
			if r.ScopeKey == sourceKey {
				return r
			}
		case models.ScopeCompany:
			if r.ScopeKey == companyID && companyRule == nil {
				companyRule = r
			}
		case models.ScopeSourceKind:
			if r.ScopeKey == string(kind) && kindRule == nil {
				kindRule = r
			}
		}
	}
	if companyRule != nil {
		return companyRule
	}
	if kindRule != nil {
		return kindRule
	}
	return builtinSchedule(kind)
}

// builtinSchedule synthesizes the per-kind default rule.
func builtinSchedule(kind models.SourceKind) *models.CrawlSchedule {
	freq := builtinFrequencies[kind]
	if freq == 0 {
		freq = 15 * time.Minute
	}
	return &models.CrawlSchedule{
		Scope:            models.ScopeSourceKind,
		ScopeKey:         string(kind),
		FrequencySeconds: int(freq / time.Second),
		JitterSeconds:    int(defaultJitter / time.Second),
		Mode:             kind.DefaultMode(),
		Enabled:          true,
	}
}

// Due reports whether a profile is due under its effective schedule:
// now >= (last_run_at ?? epoch) + frequency + uniform(0, jitter). A
// configured run window additionally gates by UTC minutes-from-midnight.
func (e *Engine) Due(profile *models.SourceProfile, rule *models.CrawlSchedule) bool {
	now := e.now().UTC()

	if rule.RunWindowStart != 0 || rule.RunWindowEnd != 0 {
		minute := now.Hour()*60 + now.Minute()
		if !inRunWindow(minute, rule.RunWindowStart, rule.RunWindowEnd) {
			return false
		}
	}

	last := time.Time{}
	if profile.LastRunAt != nil {
		last = *profile.LastRunAt
	}
	next := last.Add(rule.Frequency()).Add(e.jitterN(rule.Jitter()))
	return !now.Before(next)
}

// inRunWindow checks a minutes-from-midnight half-open window [start,
// end), handling windows that wrap midnight.
func inRunWindow(minute, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// SyncProfiles ensures a SourceProfile exists for every (company, kind)
// pair in the crawl plan.
func (e *Engine) SyncProfiles(ctx context.Context, companies []models.Company, kinds []models.SourceKind) error {
	for _, c := range companies {
		for _, k := range kinds {
			if _, err := e.store.EnsureProfile(ctx, c.ID, k); err != nil {
				return fmt.Errorf("sync profile %s/%s: %w", c.ID, k, err)
			}
		}
	}
	return nil
}
