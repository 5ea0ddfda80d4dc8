// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/models"
)

// Entry is one named periodic task exported to the beat runner.
type Entry struct {
	Task      string        `json:"task"`
	Frequency time.Duration `json:"frequency"`
	Jitter    time.Duration `json:"jitter"`
	Priority  int           `json:"priority"`
	Args      []string      `json:"args,omitempty"`
}

// Beat task names.
const (
	TaskCrawlKind   = "crawler.crawl_kind"
	TaskSweepRuns   = "maintenance.sweep_stale_runs"
	TaskPruneNews   = "maintenance.prune_news"
	TaskPruneNotify = "maintenance.prune_notifications"
	TaskDigestTick  = "digest.tick"
)

// StaticBase returns the built-in beat schedule: one crawl entry per
// source kind plus the maintenance and digest cadences. It is the
// fallback when dynamic rules cannot be loaded.
func StaticBase() map[string]Entry {
	base := map[string]Entry{
		"sweep-stale-runs": {Task: TaskSweepRuns, Frequency: 5 * time.Minute},
		"prune-news":       {Task: TaskPruneNews, Frequency: 24 * time.Hour, Jitter: time.Hour},
		"prune-notify":     {Task: TaskPruneNotify, Frequency: 24 * time.Hour, Jitter: time.Hour},
		"digest-tick":      {Task: TaskDigestTick, Frequency: time.Hour},
	}
	for kind, freq := range builtinFrequencies {
		base[crawlEntryName(string(kind))] = Entry{
			Task:      TaskCrawlKind,
			Frequency: freq,
			Jitter:    defaultJitter,
			Args:      []string{string(kind)},
		}
	}
	return base
}

// Entries merges the dynamic source-kind-scoped rules over the static
// base and returns the flat name->entry map. Loading retries up to
// retries times with a fixed backoff; on exhaustion the static base is
// returned so the runner keeps ticking through DB outages. The merge is
// idempotent: repeated calls with the same rule set yield the same map.
func (e *Engine) Entries(ctx context.Context, retries int, backoff time.Duration) map[string]Entry {
	entries := StaticBase()

	rules, err := e.loadWithRetry(ctx, retries, backoff)
	if err != nil {
		logging.Warn().Err(err).Msg("Schedule reload failed, falling back to static base")
		return entries
	}

	for _, r := range rules {
		// Company- and source-scoped rules are resolved per profile by
		// the planner; only kind-wide rules reshape the beat cadence.
		if r.Scope != models.ScopeSourceKind {
			continue
		}
		entries[crawlEntryName(r.ScopeKey)] = Entry{
			Task:      TaskCrawlKind,
			Frequency: r.Frequency(),
			Jitter:    r.Jitter(),
			Priority:  r.Priority,
			Args:      []string{r.ScopeKey},
		}
	}
	return entries
}

func (e *Engine) loadWithRetry(ctx context.Context, retries int, backoff time.Duration) ([]models.CrawlSchedule, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		rules, err := e.store.ListSchedules(ctx)
		if err == nil {
			return rules, nil
		}
		lastErr = err
		logging.Debug().Err(err).Int("attempt", attempt+1).Msg("Schedule load attempt failed")
	}
	return nil, fmt.Errorf("load schedules after %d attempts: %w", retries+1, lastErr)
}

func crawlEntryName(kind string) string {
	return "crawl-" + kind
}

// Handler executes one beat entry when it fires.
type Handler func(ctx context.Context, entry Entry) error

// BeatConfig tunes the beat runner.
type BeatConfig struct {
	Interval      time.Duration
	ReloadRetries int
	ReloadBackoff time.Duration

	// Overrides pins an entry's frequency regardless of the merged
	// schedule, for cadences carried in server config.
	Overrides map[string]time.Duration
}

// Beat drives the merged beat schedule. Each tick it refreshes the
// entry map (dynamic rules over the static base) and fires every due
// entry through its registered handler. Entries without a handler are
// skipped and handler errors are logged, never fatal; the next tick
// retries.
type Beat struct {
	engine   *Engine
	cfg      BeatConfig
	handlers map[string]Handler
	next     map[string]time.Time

	now     func() time.Time
	jitterN func(max time.Duration) time.Duration
}

// NewBeat builds a beat runner over the schedule engine.
func NewBeat(engine *Engine, cfg BeatConfig) *Beat {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Beat{
		engine:   engine,
		cfg:      cfg,
		handlers: map[string]Handler{},
		next:     map[string]time.Time{},
		now:      time.Now,
		jitterN: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// HandleTask registers the handler for a beat task name.
func (b *Beat) HandleTask(task string, h Handler) {
	b.handlers[task] = h
}

// Run ticks until the context ends. Satisfies the supervisor's runner
// contract.
func (b *Beat) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick refreshes the entry map and fires every due entry. Returns the
// number of entries that ran successfully.
func (b *Beat) Tick(ctx context.Context) int {
	entries := b.engine.Entries(ctx, b.cfg.ReloadRetries, b.cfg.ReloadBackoff)
	now := b.now().UTC()

	// Drop fire times for entries a dynamic reload removed.
	for name := range b.next {
		if _, ok := entries[name]; !ok {
			delete(b.next, name)
		}
	}

	fired := 0
	for _, name := range sortedEntryNames(entries) {
		entry := entries[name]
		if freq, ok := b.cfg.Overrides[name]; ok {
			entry.Frequency = freq
		}
		handler, ok := b.handlers[entry.Task]
		if !ok {
			continue
		}
		due, seen := b.next[name]
		if !seen {
			// First sight: spread the initial fire over the jitter
			// window instead of stampeding at startup.
			b.next[name] = now.Add(b.jitterN(entry.Jitter))
			continue
		}
		if now.Before(due) {
			continue
		}
		b.next[name] = now.Add(entry.Frequency).Add(b.jitterN(entry.Jitter))
		if err := handler(ctx, entry); err != nil {
			logging.Warn().Err(err).
				Str("entry", name).
				Str("task", entry.Task).
				Msg("Beat entry failed")
			continue
		}
		fired++
	}
	return fired
}

func sortedEntryNames(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
