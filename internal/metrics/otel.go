// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelBridge mirrors the high-level pipeline counters through the
// OpenTelemetry metric API so deployments with an OTel collector get the
// same signals without scraping Prometheus. Disabled by default.
type otelBridge struct {
	fetches    metric.Int64Counter
	crawlRuns  metric.Int64Counter
	changes    metric.Int64Counter
	deliveries metric.Int64Counter
	digests    metric.Int64Counter
}

var (
	bridgeMu sync.RWMutex
	bridge   *otelBridge
)

// EnableOTelBridge initializes the OTel mirror using the globally configured
// meter provider. Call once at startup when metrics.otel_enabled is set.
func EnableOTelBridge() error {
	meter := otel.Meter("github.com/pfielding/spyglass")

	b := &otelBridge{}
	var err error
	if b.fetches, err = meter.Int64Counter("spyglass.fetch.requests",
		metric.WithDescription("Outbound fetch attempts")); err != nil {
		return fmt.Errorf("otel bridge: %w", err)
	}
	if b.crawlRuns, err = meter.Int64Counter("spyglass.crawl.runs",
		metric.WithDescription("Completed crawl runs")); err != nil {
		return fmt.Errorf("otel bridge: %w", err)
	}
	if b.changes, err = meter.Int64Counter("spyglass.changes.detected",
		metric.WithDescription("Detected change events")); err != nil {
		return fmt.Errorf("otel bridge: %w", err)
	}
	if b.deliveries, err = meter.Int64Counter("spyglass.notify.deliveries",
		metric.WithDescription("Notification delivery attempts")); err != nil {
		return fmt.Errorf("otel bridge: %w", err)
	}
	if b.digests, err = meter.Int64Counter("spyglass.digest.sent",
		metric.WithDescription("Digests sent")); err != nil {
		return fmt.Errorf("otel bridge: %w", err)
	}

	bridgeMu.Lock()
	bridge = b
	bridgeMu.Unlock()
	return nil
}

func otelRecord(fn func(b *otelBridge)) {
	bridgeMu.RLock()
	b := bridge
	bridgeMu.RUnlock()
	if b != nil {
		fn(b)
	}
}

// MirrorFetch mirrors a fetch attempt into the OTel bridge when enabled.
func MirrorFetch(host string) {
	otelRecord(func(b *otelBridge) {
		b.fetches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("host", host)))
	})
}

// MirrorCrawlRun mirrors a completed crawl run.
func MirrorCrawlRun(sourceKind, status string, _ time.Duration) {
	otelRecord(func(b *otelBridge) {
		b.crawlRuns.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source_kind", sourceKind),
			attribute.String("status", status),
		))
	})
}

// MirrorChangeDetected mirrors a detected change event.
func MirrorChangeDetected(sourceKind string) {
	otelRecord(func(b *otelBridge) {
		b.changes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source_kind", sourceKind)))
	})
}

// MirrorDelivery mirrors a notification delivery attempt.
func MirrorDelivery(channel, status string) {
	otelRecord(func(b *otelBridge) {
		b.deliveries.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		))
	})
}

// MirrorDigestSent mirrors a sent digest.
func MirrorDigestSent(frequency string) {
	otelRecord(func(b *otelBridge) {
		b.digests.Add(context.Background(), 1, metric.WithAttributes(attribute.String("frequency", frequency)))
	})
}
