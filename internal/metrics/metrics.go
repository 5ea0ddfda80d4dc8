// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the monitoring pipeline:
// - Fetcher throughput, retries, rate limiting, circuit breakers
// - Crawl run outcomes per source kind
// - Parser and change detection activity
// - Notification queue and delivery outcomes
// - Digest sends
// - DuckDB query performance and queue traffic

var (
	// Fetcher Metrics
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "Total number of outbound fetch attempts",
		},
		[]string{"host", "status_class"}, // status_class: "2xx", "3xx", "4xx", "5xx", "error"
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Duration of outbound fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"host"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "Total number of fetch retry attempts",
		},
		[]string{"host", "reason"}, // "timeout", "5xx", "429", "network"
	)

	FetchRateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_rate_limit_waits_total",
			Help: "Total number of fetches delayed by the per-host token bucket",
		},
		[]string{"host"},
	)

	FetchChallengesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_challenges_detected_total",
			Help: "Total number of bot-challenge responses detected",
		},
		[]string{"host"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	// Health Ledger Metrics
	HealthDeadURLs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_dead_urls_count",
			Help: "Current number of URLs disabled by the health ledger, per company",
		},
		[]string{"company_id"},
	)

	HealthFailuresRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_failures_recorded_total",
			Help: "Total number of failures recorded against source URLs",
		},
		[]string{"class"}, // "hard", "transient"
	)

	HealthProbationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "health_probation_retries_total",
			Help: "Total number of probation retries of disabled URLs",
		},
	)

	// Crawl Metrics
	CrawlRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_runs_total",
			Help: "Total number of completed crawl runs",
		},
		[]string{"source_kind", "status"}, // status: "success", "failed", "skipped"
	)

	CrawlRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_run_duration_seconds",
			Help:    "Duration of crawl runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"source_kind"},
	)

	CrawlItemsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_items_ingested_total",
			Help: "Total number of normalized items persisted from crawl runs",
		},
		[]string{"source_kind"},
	)

	CrawlItemsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_items_skipped_total",
			Help: "Total number of items skipped during ingestion",
		},
		[]string{"source_kind", "reason"}, // "duplicate", "lookback", "invalid"
	)

	CrawlStaleRunsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_stale_runs_swept_total",
			Help: "Total number of running crawl runs forced to failed by the sweeper",
		},
	)

	// Parser and Snapshot Metrics
	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parse_failures_total",
			Help: "Total number of parser failures",
		},
		[]string{"parser"}, // "pricing", "structure", "seo", "jobs", "products", "banners", "press"
	)

	SnapshotsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshots_written_total",
			Help: "Total number of normalized snapshots persisted",
		},
		[]string{"kind", "status"}, // status: "success", "skipped", "error"
	)

	BlobWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_writes_total",
			Help: "Total number of raw snapshot blobs written",
		},
		[]string{"result"}, // "written", "deduplicated", "error"
	)

	// Change Detection Metrics
	ChangeEventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_detected_total",
			Help: "Total number of change events detected",
		},
		[]string{"source_kind"},
	)

	ChangeDetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "change_detection_duration_seconds",
			Help:    "Duration of snapshot diff computations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_kind"},
	)

	// Notification Metrics
	NotificationEventsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_events_created_total",
			Help: "Total number of notification events queued",
		},
		[]string{"type"},
	)

	NotificationEventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_events_suppressed_total",
			Help: "Total number of notification events suppressed by deduplication",
		},
		[]string{"type"},
	)

	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel", "status"}, // status: "sent", "failed", "retrying", "cancelled"
	)

	NotificationDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Duration of channel delivery calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Current number of pending notification deliveries",
		},
	)

	TelegramRateWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telegram_rate_waits_total",
			Help: "Total number of telegram sends delayed by the shared bot bucket",
		},
	)

	// Digest Metrics
	DigestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digests_sent_total",
			Help: "Total number of digests sent",
		},
		[]string{"frequency", "format"},
	)

	DigestsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digests_skipped_total",
			Help: "Total number of digest evaluations that did not send",
		},
		[]string{"reason"}, // "not_due", "already_sent", "empty", "window_missed"
	)

	DigestComposeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "digest_compose_duration_seconds",
			Help:    "Duration of digest composition in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue Metrics
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_published_total",
			Help: "Total number of task messages published",
		},
		[]string{"topic"},
	)

	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Total number of task messages consumed",
		},
		[]string{"topic"},
	)

	QueueMessagesPoisoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_poisoned_total",
			Help: "Total number of task messages routed to the poison queue",
		},
		[]string{"topic"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Duration of task handler executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		},
		[]string{"topic"},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Maintenance Metrics
	MaintenanceRowsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_rows_pruned_total",
			Help: "Total number of rows removed by retention pruning",
		},
		[]string{"table"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordFetch records one outbound fetch attempt.
func RecordFetch(host string, statusCode int, duration time.Duration, err error) {
	class := "error"
	if err == nil {
		switch {
		case statusCode >= 200 && statusCode < 300:
			class = "2xx"
		case statusCode >= 300 && statusCode < 400:
			class = "3xx"
		case statusCode >= 400 && statusCode < 500:
			class = "4xx"
		case statusCode >= 500:
			class = "5xx"
		}
	}
	FetchRequestsTotal.WithLabelValues(host, class).Inc()
	FetchDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordCrawlRun records a completed crawl run.
func RecordCrawlRun(sourceKind, status string, duration time.Duration) {
	CrawlRunsTotal.WithLabelValues(sourceKind, status).Inc()
	CrawlRunDuration.WithLabelValues(sourceKind).Observe(duration.Seconds())
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDelivery records one notification delivery attempt.
func RecordDelivery(channel, status string, duration time.Duration) {
	NotificationDeliveries.WithLabelValues(channel, status).Inc()
	NotificationDeliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordCircuitBreakerState updates the state gauge for a breaker.
func RecordCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
