// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFetchStatusClasses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		wantClass  string
	}{
		{"ok", 200, nil, "2xx"},
		{"redirect", 301, nil, "3xx"},
		{"not found", 404, nil, "4xx"},
		{"server error", 503, nil, "5xx"},
		{"network error", 0, errors.New("dial tcp: timeout"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := "fetch-test-" + tt.name + ".example.com"
			RecordFetch(host, tt.statusCode, 50*time.Millisecond, tt.err)

			got := testutil.ToFloat64(FetchRequestsTotal.WithLabelValues(host, tt.wantClass))
			if got != 1 {
				t.Errorf("FetchRequestsTotal[%s,%s] = %v, want 1", host, tt.wantClass, got)
			}
		})
	}
}

func TestRecordCrawlRun(t *testing.T) {
	before := testutil.ToFloat64(CrawlRunsTotal.WithLabelValues("blog", "success"))
	RecordCrawlRun("blog", "success", 3*time.Second)
	after := testutil.ToFloat64(CrawlRunsTotal.WithLabelValues("blog", "success"))
	if after != before+1 {
		t.Errorf("CrawlRunsTotal did not increment: before=%v after=%v", before, after)
	}
}

func TestRecordDBQueryError(t *testing.T) {
	before := testutil.ToFloat64(DBQueryErrors.WithLabelValues("SELECT", "metrics_test_table"))
	RecordDBQuery("SELECT", "metrics_test_table", time.Millisecond, errors.New("boom"))
	RecordDBQuery("SELECT", "metrics_test_table", time.Millisecond, nil)
	after := testutil.ToFloat64(DBQueryErrors.WithLabelValues("SELECT", "metrics_test_table"))
	if after != before+1 {
		t.Errorf("DBQueryErrors = %v, want %v", after, before+1)
	}
}

func TestRecordDeliveryConcurrent(t *testing.T) {
	const workers = 8
	const perWorker = 25

	before := testutil.ToFloat64(NotificationDeliveries.WithLabelValues("webhook", "sent"))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				RecordDelivery("webhook", "sent", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	after := testutil.ToFloat64(NotificationDeliveries.WithLabelValues("webhook", "sent"))
	if after != before+workers*perWorker {
		t.Errorf("NotificationDeliveries = %v, want %v", after, before+workers*perWorker)
	}
}

func TestMirrorHelpersNoBridge(t *testing.T) {
	// With no bridge enabled the mirrors are no-ops and must not panic.
	MirrorFetch("example.com")
	MirrorCrawlRun("pricing", "success", time.Second)
	MirrorChangeDetected("pricing")
	MirrorDelivery("telegram", "sent")
	MirrorDigestSent("daily")
}
