// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package maintenance reconciles abandoned crawl runs and enforces
// retention on news and notification data.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
)

// staleRunMessage is the error recorded on force-failed runs.
const staleRunMessage = "deadline exceeded"

// Store is the persistence surface maintenance needs.
type Store interface {
	SweepStaleRuns(ctx context.Context, cutoff time.Time, message string) (int64, error)
	PruneNewsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PruneReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireEvents(ctx context.Context) (int64, error)
}

// DeadURLSource exposes per-company dead URL counts. Satisfied by
// *health.Ledger; nil disables the gauge refresh.
type DeadURLSource interface {
	DeadURLCounts(ctx context.Context) (map[string]int, error)
}

// Worker runs the periodic sweeper and pruner tasks emitted by the
// beat.
type Worker struct {
	store   Store
	health  DeadURLSource
	crawler config.CrawlerConfig
	cfg     config.MaintenanceConfig

	now func() time.Time
}

// New builds a maintenance worker.
func New(store Store, health DeadURLSource, crawler config.CrawlerConfig, cfg config.MaintenanceConfig) *Worker {
	return &Worker{store: store, health: health, crawler: crawler, cfg: cfg, now: time.Now}
}

// SweepStaleRuns force-fails running crawl runs that outlived the hard
// deadline, then refreshes the dead-URL gauge. Returns the number of
// runs failed.
func (w *Worker) SweepStaleRuns(ctx context.Context) (int64, error) {
	cutoff := w.now().UTC().Add(-w.hardDeadline())
	n, err := w.store.SweepStaleRuns(ctx, cutoff, staleRunMessage)
	if err != nil {
		return 0, fmt.Errorf("sweep stale runs: %w", err)
	}
	if n > 0 {
		metrics.CrawlStaleRunsSwept.Add(float64(n))
		logging.Warn().Int64("count", n).Msg("Swept stale crawl runs")
	}
	w.refreshDeadURLs(ctx)
	return n, nil
}

// PruneNews removes news items past the retention horizon. Returns the
// number of rows removed.
func (w *Worker) PruneNews(ctx context.Context) (int64, error) {
	cutoff := w.now().UTC().Add(-w.retention(w.cfg.NewsRetention))
	n, err := w.store.PruneNewsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune news: %w", err)
	}
	metrics.MaintenanceRowsPruned.WithLabelValues("news_items").Add(float64(n))
	if n > 0 {
		logging.Info().Int64("count", n).Time("cutoff", cutoff).Msg("Pruned old news items")
	}
	return n, nil
}

// PruneNotifications expires overdue events and removes read
// notification rows past the retention horizon.
func (w *Worker) PruneNotifications(ctx context.Context) (int64, error) {
	expired, err := w.store.ExpireEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	metrics.MaintenanceRowsPruned.WithLabelValues("notification_events_expired").Add(float64(expired))

	cutoff := w.now().UTC().Add(-w.retention(w.cfg.NotificationRetention))
	pruned, err := w.store.PruneReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	metrics.MaintenanceRowsPruned.WithLabelValues("notification_events").Add(float64(pruned))
	if expired > 0 || pruned > 0 {
		logging.Info().Int64("expired", expired).Int64("pruned", pruned).Msg("Pruned notification events")
	}
	return expired + pruned, nil
}

// refreshDeadURLs republishes the per-company dead URL gauge from the
// ledger. The reset drops companies whose count fell to zero.
func (w *Worker) refreshDeadURLs(ctx context.Context) {
	if w.health == nil {
		return
	}
	counts, err := w.health.DeadURLCounts(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to load dead URL counts")
		return
	}
	metrics.HealthDeadURLs.Reset()
	for companyID, n := range counts {
		metrics.HealthDeadURLs.WithLabelValues(companyID).Set(float64(n))
	}
}

func (w *Worker) hardDeadline() time.Duration {
	if w.crawler.HardDeadline > 0 {
		return w.crawler.HardDeadline
	}
	return 30 * time.Minute
}

func (w *Worker) retention(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 90 * 24 * time.Hour
}
