// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package crawler plans due crawl work and ingests fetched content:
// the planner turns schedules into queued tasks, the ingestor turns
// tasks into news items or change-detection observations.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/queue"
	"github.com/pfielding/spyglass/internal/schedule"
)

// PlannerStore is the persistence surface the planner needs.
type PlannerStore interface {
	ListOwnedCompanies(ctx context.Context) ([]models.Company, error)
	EnsureProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error)
	MarkProfilePlanned(ctx context.Context, profileID string) error
}

// Locker serializes in-flight runs per (company, kind). Satisfied by
// *kv.Store.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Enqueuer publishes crawl tasks. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, task queue.Task) error
}

// Planner selects due (company, source kind) profiles and enqueues one
// task per pair. The per-key lock guarantees at most one in-flight run
// per pair even across overlapping beat ticks.
type Planner struct {
	store  PlannerStore
	engine *schedule.Engine
	locks  Locker
	tasks  Enqueuer
	cfg    config.CrawlerConfig
}

// NewPlanner builds a planner.
func NewPlanner(store PlannerStore, engine *schedule.Engine, locks Locker, tasks Enqueuer, cfg config.CrawlerConfig) *Planner {
	return &Planner{store: store, engine: engine, locks: locks, tasks: tasks, cfg: cfg}
}

// PlanKind enqueues tasks for every company whose profile of the given
// kind is due. Returns the number of tasks enqueued.
func (p *Planner) PlanKind(ctx context.Context, kind models.SourceKind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("plan: unknown source kind %q", kind)
	}
	return p.plan(ctx, []models.SourceKind{kind})
}

// Plan enqueues tasks for every due profile across all source kinds.
func (p *Planner) Plan(ctx context.Context) (int, error) {
	return p.plan(ctx, models.AllSourceKinds)
}

func (p *Planner) plan(ctx context.Context, kinds []models.SourceKind) (int, error) {
	companies, err := p.store.ListOwnedCompanies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list companies: %w", err)
	}
	resolved, err := p.engine.Load(ctx)
	if err != nil {
		return 0, err
	}

	planned := 0
	var errs []error
	for _, company := range companies {
		for _, kind := range kinds {
			if err := ctx.Err(); err != nil {
				return planned, err
			}
			ok, err := p.planOne(ctx, company, kind, resolved)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				planned++
			}
		}
	}
	return planned, errors.Join(errs...)
}

// planOne evaluates one (company, kind) pair and enqueues its task when
// due and not already in flight.
func (p *Planner) planOne(ctx context.Context, company models.Company, kind models.SourceKind, resolved *schedule.Resolved) (bool, error) {
	profile, err := p.store.EnsureProfile(ctx, company.ID, kind)
	if err != nil {
		return false, fmt.Errorf("ensure profile %s/%s: %w", company.ID, kind, err)
	}
	rule := resolved.Effective(company.ID, kind)
	if !p.engine.Due(profile, rule) {
		return false, nil
	}

	acquired, err := p.locks.AcquireLock(ctx, runLockName(company.ID, kind), p.hardDeadline())
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s/%s: %w", company.ID, kind, err)
	}
	if !acquired {
		logging.Debug().
			Str("company_id", company.ID).
			Str("source_kind", string(kind)).
			Msg("Run already in flight, skipping")
		return false, nil
	}

	mode := profile.Mode
	if rule.Mode != "" {
		mode = rule.Mode
	}
	name := queue.TaskCrawlSource
	if mode == models.ModeChangeDetection {
		name = queue.TaskObserveSurface
	}
	task := queue.NewTask(name, company.ID, string(kind))
	if err := p.tasks.Enqueue(ctx, queue.TopicScraping, task); err != nil {
		return false, fmt.Errorf("enqueue %s for %s/%s: %w", name, company.ID, kind, err)
	}
	if err := p.store.MarkProfilePlanned(ctx, profile.ID); err != nil {
		return false, fmt.Errorf("mark planned %s/%s: %w", company.ID, kind, err)
	}
	return true, nil
}

// runLockName is the per-(company, kind) serialization key. The lock
// TTL covers the hard task deadline so a crashed worker frees the pair.
func runLockName(companyID string, kind models.SourceKind) string {
	return "crawl:" + companyID + ":" + string(kind)
}

func (p *Planner) hardDeadline() time.Duration {
	if p.cfg.HardDeadline > 0 {
		return p.cfg.HardDeadline
	}
	return 30 * time.Minute
}
