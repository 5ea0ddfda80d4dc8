// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package digest evaluates per-user wall-clock digest schedules and
// composes periodic summary messages over news and change events.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/queue"
)

// SchedulerStore is the persistence surface the tick evaluator needs.
type SchedulerStore interface {
	ListDigestUsers(ctx context.Context) ([]models.DigestPreferences, error)
}

// Enqueuer publishes per-user send tasks. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, task queue.Task) error
}

// Scheduler runs on the hourly beat tick and fans out one send task per
// eligible user. Eligibility is a precise window after the user's local
// scheduled time, not a rolling cron.
type Scheduler struct {
	store SchedulerStore
	tasks Enqueuer
	cfg   config.DigestConfig

	now func() time.Time
}

// NewScheduler builds a scheduler.
func NewScheduler(store SchedulerStore, tasks Enqueuer, cfg config.DigestConfig) *Scheduler {
	return &Scheduler{store: store, tasks: tasks, cfg: cfg, now: time.Now}
}

// Tick evaluates every digest-enabled user and enqueues a send task for
// each eligible one. Returns the number of tasks enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	users, err := s.store.ListDigestUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list digest users: %w", err)
	}

	now := s.now().UTC()
	var enqueued int
	var errs []error
	for i := range users {
		p := &users[i]
		ok, reason := s.eligible(p, now)
		if !ok {
			metrics.DigestsSkipped.WithLabelValues(reason).Inc()
			logging.Debug().
				Str("user_id", p.UserID).
				Str("reason", reason).
				Msg("Digest not eligible")
			continue
		}
		task := queue.NewTask(queue.TaskSendDigest, p.UserID)
		if err := s.tasks.Enqueue(ctx, queue.TopicDefault, task); err != nil {
			errs = append(errs, fmt.Errorf("enqueue digest for %s: %w", p.UserID, err))
			continue
		}
		enqueued++
	}
	return enqueued, errors.Join(errs...)
}

// eligible applies the schedule rules in order: same-local-date dedup,
// day-of-week gate, then the send window. The reason labels feed the
// skip counter.
func (s *Scheduler) eligible(p *models.DigestPreferences, nowUTC time.Time) (bool, string) {
	loc := s.location(p)
	nowLocal := nowUTC.In(loc)

	if p.LastSentUTC != nil {
		lastLocal := p.LastSentUTC.In(loc)
		if sameLocalDate(lastLocal, nowLocal) {
			return false, "already_sent"
		}
		// Weekly digests go out at most once per local calendar week, even
		// when several days of the week are selected.
		if p.Frequency == models.DigestWeekly && sameLocalISOWeek(lastLocal, nowLocal) {
			return false, "already_sent"
		}
	}

	days := models.NormalizeDaysOfWeek(p.DaysOfWeek)
	if p.Frequency == models.DigestWeekly && len(days) == 0 {
		days = []time.Weekday{time.Monday}
	}
	if len(days) > 0 && !containsWeekday(days, nowLocal.Weekday()) {
		return false, "not_due"
	}

	hour, minute, err := models.ParseTimeOfDay(p.TimeOfDay)
	if err != nil {
		logging.Warn().
			Str("user_id", p.UserID).
			Str("time_of_day", p.TimeOfDay).
			Msg("Invalid digest time of day, using default hour")
		hour, minute = s.cfg.DefaultHour, 0
	}

	scheduled := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), hour, minute, 0, 0, loc)
	delta := nowLocal.Sub(scheduled)
	if delta < 0 || delta > s.window() {
		return false, "window_missed"
	}
	return true, ""
}

func (s *Scheduler) location(p *models.DigestPreferences) *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		logging.Warn().
			Str("user_id", p.UserID).
			Str("timezone", p.Timezone).
			Msg("Unknown digest timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

func (s *Scheduler) window() time.Duration {
	if s.cfg.Window > 0 {
		return s.cfg.Window
	}
	return time.Hour
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameLocalISOWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, v := range days {
		if v == d {
			return true
		}
	}
	return false
}
