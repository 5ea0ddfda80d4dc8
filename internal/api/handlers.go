// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package api serves the read-side HTTP surface: health probes and the
// listing endpoints for companies, news, change events and crawl runs.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pfielding/spyglass/internal/cache"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/queue"
)

// listingCacheTTL keeps hot listing queries off the database without
// making the dashboard feel stale.
const listingCacheTTL = time.Minute

// Store is the read surface the handlers need.
type Store interface {
	ListCompanies(ctx context.Context) ([]models.Company, error)
	ListChangeEvents(ctx context.Context, f database.ChangeEventFilter) ([]models.ChangeEvent, error)
	ListNewsSince(ctx context.Context, since time.Time, companyIDs []string, limit int) ([]models.NewsItem, error)
	GetProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error)
	ListRunsForProfile(ctx context.Context, profileID string, limit int) ([]models.CrawlRun, error)
}

// Enqueuer submits background tasks, such as event recomputes.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, task queue.Task) error
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler holds the API dependencies.
type Handler struct {
	store  Store
	tasks  Enqueuer
	cache  *cache.Cache
	checks []ReadyCheck

	now func() time.Time
}

// NewHandler builds the handler set. tasks may be nil, which disables
// the recompute endpoint.
func NewHandler(store Store, tasks Enqueuer, checks ...ReadyCheck) *Handler {
	return &Handler{
		store:  store,
		tasks:  tasks,
		cache:  cache.New(listingCacheTTL),
		checks: checks,
		now:    time.Now,
	}
}

// HealthLive is the liveness probe: the process answers.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"}, 0)
}

// HealthReady runs every readiness check and reports per-dependency
// status. Any failure returns 503.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]string, len(h.checks))
	healthy := true
	for _, c := range h.checks {
		if err := c.Check(r.Context()); err != nil {
			statuses[c.Name] = err.Error()
			healthy = false
			continue
		}
		statuses[c.Name] = "ok"
	}
	if !healthy {
		respondJSON(w, r, http.StatusServiceUnavailable, statuses, 0)
		return
	}
	respondJSON(w, r, http.StatusOK, statuses, 0)
}

// Companies lists every visible company.
func (h *Handler) Companies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.store.ListCompanies(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to list companies")
		return
	}
	respondJSON(w, r, http.StatusOK, companies, len(companies))
}

// ChangeEvents lists change events, optionally filtered by company,
// source kind and notification status.
func (h *Handler) ChangeEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ChangeEventFilter{
		CompanyID: q.Get("company_id"),
		Limit:     parseLimit(q.Get("limit")),
	}
	if kind := q.Get("source_kind"); kind != "" {
		sk := models.SourceKind(kind)
		if !sk.Valid() {
			respondError(w, r, http.StatusBadRequest, "invalid_source_kind", "unknown source kind "+kind)
			return
		}
		filter.Kind = sk
	}
	if status := q.Get("notification_status"); status != "" {
		ns := models.NotificationStatus(status)
		switch ns {
		case models.NotifyPending, models.NotifySent, models.NotifyFailed, models.NotifySkipped:
			filter.NotificationStatus = ns
		default:
			respondError(w, r, http.StatusBadRequest, "invalid_status", "unknown notification status "+status)
			return
		}
	}

	key := cache.GenerateKey("change-events", filter)
	if cached, ok := h.cache.Get(key); ok {
		events := cached.([]models.ChangeEvent)
		respondJSON(w, r, http.StatusOK, events, len(events))
		return
	}
	events, err := h.store.ListChangeEvents(r.Context(), filter)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to list change events")
		return
	}
	h.cache.Set(key, events)
	respondJSON(w, r, http.StatusOK, events, len(events))
}

// News lists recent news items. hours bounds the lookback (default 24,
// max 720); company_id narrows to one company.
func (h *Handler) News(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours := 24
	if raw := q.Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 720 {
			respondError(w, r, http.StatusBadRequest, "invalid_hours", "hours must be in [1, 720]")
			return
		}
		hours = n
	}
	var companyIDs []string
	if id := q.Get("company_id"); id != "" {
		companyIDs = []string{id}
	}
	since := h.now().UTC().Add(-time.Duration(hours) * time.Hour)
	limit := parseLimit(q.Get("limit"))

	key := cache.GenerateKey("news", map[string]any{"since": since.Truncate(time.Minute), "companies": companyIDs, "limit": limit})
	if cached, ok := h.cache.Get(key); ok {
		items := cached.([]models.NewsItem)
		respondJSON(w, r, http.StatusOK, items, len(items))
		return
	}
	items, err := h.store.ListNewsSince(r.Context(), since, companyIDs, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to list news")
		return
	}
	h.cache.Set(key, items)
	respondJSON(w, r, http.StatusOK, items, len(items))
}

// RecomputeChangeEvent queues a re-diff of one change event, for use
// after a parser version advances. The worker enforces the sent-events-
// are-immutable rule; this endpoint only enqueues.
func (h *Handler) RecomputeChangeEvent(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		respondError(w, r, http.StatusServiceUnavailable, "unavailable", "task queue not configured")
		return
	}
	eventID := chi.URLParam(r, "eventID")
	task := queue.NewTask(queue.TaskRecomputeEvent, eventID)
	if err := h.tasks.Enqueue(r.Context(), queue.TopicAnalytics, task); err != nil {
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue recompute")
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]string{"task_id": task.ID, "event_id": eventID}, 0)
}

// Runs lists the crawl run history for one (company, source kind).
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	kind := models.SourceKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		respondError(w, r, http.StatusBadRequest, "invalid_source_kind", "unknown source kind "+string(kind))
		return
	}

	profile, err := h.store.GetProfile(r.Context(), companyID, kind)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "not_found", "no profile for this company and source kind")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to load profile")
		return
	}
	runs, err := h.store.ListRunsForProfile(r.Context(), profile.ID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	respondJSON(w, r, http.StatusOK, runs, len(runs))
}

// parseLimit clamps the limit query parameter to [1, 500], with 0 left
// for the store default.
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	if n > 500 {
		return 500
	}
	return n
}
