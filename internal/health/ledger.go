// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package health tracks per-URL fetch outcomes. A URL accumulates a
// failure score: hard failures (404/410/no-such-host) count 1, transient
// failures count a configured fraction. Reaching the threshold disables the
// URL; after a probation interval one trial fetch is allowed, and its
// outcome either fully re-enables the URL or extends the disablement.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/kv"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
)

// Outcome classifies one fetch attempt for the ledger.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeHard
)

const urlKeyPrefix = "health:url:"

// urlState is the persisted per-URL record.
type urlState struct {
	CompanyID    string     `json:"company_id,omitempty"`
	FailureScore float64    `json:"failure_score"`
	Disabled     bool       `json:"disabled"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	LastOutcome  time.Time  `json:"last_outcome"`
}

// Ledger records fetch outcomes and answers disablement queries.
type Ledger struct {
	store *kv.Store
	cfg   config.HealthConfig

	now func() time.Time // override in tests
}

// New builds a ledger over the shared KV store.
func New(store *kv.Store, cfg config.HealthConfig) *Ledger {
	return &Ledger{store: store, cfg: cfg, now: time.Now}
}

// Record updates the URL's state from one fetch outcome.
func (l *Ledger) Record(ctx context.Context, url, companyID string, outcome Outcome) error {
	key := urlKeyPrefix + url
	now := l.now()

	var state urlState
	err := l.store.GetJSON(ctx, key, &state)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("load health state: %w", err)
	}
	if companyID != "" {
		state.CompanyID = companyID
	}
	state.LastOutcome = now

	switch outcome {
	case OutcomeSuccess:
		if state.Disabled {
			metrics.HealthDeadURLs.WithLabelValues(state.CompanyID).Dec()
			logging.Info().Str("url", url).Msg("URL re-enabled after successful probation fetch")
		}
		state.FailureScore = 0
		state.Disabled = false
		state.DisabledAt = nil
	case OutcomeTransient:
		metrics.HealthFailuresRecorded.WithLabelValues("transient").Inc()
		state.FailureScore += l.cfg.TransientWeight
	case OutcomeHard:
		metrics.HealthFailuresRecorded.WithLabelValues("hard").Inc()
		state.FailureScore++
	}

	if !state.Disabled && state.FailureScore >= l.cfg.FailureThreshold {
		state.Disabled = true
		t := now
		state.DisabledAt = &t
		metrics.HealthDeadURLs.WithLabelValues(state.CompanyID).Inc()
		logging.Warn().
			Str("url", url).
			Str("company_id", companyID).
			Float64("failure_score", state.FailureScore).
			Msg("URL disabled by health ledger")
	} else if state.Disabled && outcome != OutcomeSuccess {
		// Failed probation extends the disablement window.
		t := now
		state.DisabledAt = &t
	}

	return l.store.SetJSON(ctx, key, state, 0)
}

// IsDisabled reports whether fetching the URL should be skipped. A
// disabled URL past its probation interval is reported enabled so exactly
// the next fetch acts as the probation trial; its recorded outcome decides
// re-enablement.
func (l *Ledger) IsDisabled(ctx context.Context, url string) bool {
	var state urlState
	err := l.store.GetJSON(ctx, urlKeyPrefix+url, &state)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logging.Error().Err(err).Str("url", url).Msg("Failed to load health state")
		}
		return false
	}
	if !state.Disabled {
		return false
	}
	if state.DisabledAt != nil && l.now().Sub(*state.DisabledAt) >= l.cfg.ProbationInterval {
		metrics.HealthProbationRetries.Inc()
		return false
	}
	return true
}

// DeadURLCounts returns the number of currently disabled URLs per company,
// for the periodic dead-URL gauge export.
func (l *Ledger) DeadURLCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	err := l.store.Scan(ctx, urlKeyPrefix, func(_ string, value []byte) error {
		var state urlState
		if err := json.Unmarshal(value, &state); err != nil {
			return nil // skip corrupt entries
		}
		if state.Disabled {
			counts[state.CompanyID]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan health states: %w", err)
	}
	return counts, nil
}
