// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pfielding/spyglass/internal/logging"
)

// HTTPServer matches *http.Server's lifecycle methods so listeners can
// be stubbed in tests.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTP server's blocking ListenAndServe to
// suture's context-aware Serve.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPService wraps a server for supervision. name distinguishes
// the API listener from the metrics listener in logs.
func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            name,
	}
}

// Serve implements suture.Service. http.ErrServerClosed is the normal
// shutdown path and maps to nil.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		// The serving context is canceled, so shutdown gets its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return h.name
}

// Runner is a blocking run loop, such as the task router.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService supervises anything with a blocking Run.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a runner for supervision.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (r *RunnerService) Serve(ctx context.Context) error {
	if err := r.runner.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	return ctx.Err()
}

func (r *RunnerService) String() string {
	return r.name
}

// TickerService invokes fn on a fixed interval until the context ends.
// A failing tick is logged and retried on the next interval instead of
// crashing the service; only a canceled context stops the loop.
type TickerService struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// NewTickerService builds a periodic worker. The first tick waits one
// full interval so startup ordering stays predictable.
func NewTickerService(name string, interval time.Duration, fn func(ctx context.Context) error) *TickerService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickerService{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (t *TickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return ctx.Err()
				}
				logging.Warn().Err(err).Str("service", t.name).Msg("Periodic task failed")
			}
		}
	}
}

func (t *TickerService) String() string {
	return t.name
}
