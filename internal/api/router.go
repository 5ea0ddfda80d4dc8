// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/pfielding/spyglass/internal/middleware"
)

// Router assembles the HTTP surface for the service.
type Router struct {
	handler *Handler
}

// NewRouter wraps the handlers for mounting.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Setup wires the full route tree with the shared middleware stack.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Health probes get a permissive limit so orchestrators can poll
	// aggressively without tripping the API limiter.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/healthz", router.handler.HealthLive)
		r.Get("/readyz", router.handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Use(middleware.PrometheusMetrics)

		r.Get("/companies", router.handler.Companies)
		r.Get("/news", router.handler.News)
		r.Get("/change-events", router.handler.ChangeEvents)
		r.Post("/change-events/{eventID}/recompute", router.handler.RecomputeChangeEvent)
		r.Get("/companies/{companyID}/sources/{kind}/runs", router.handler.Runs)
	})

	return r
}
