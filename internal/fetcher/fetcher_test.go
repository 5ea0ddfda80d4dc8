// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pfielding/spyglass/internal/blob"
	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/kv"
)

func newTestFetcher(t *testing.T, blobs *blob.Store, renderer Renderer) (*Fetcher, *[]time.Duration) {
	t.Helper()
	store, err := kv.Open(config.KVConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f, err := New(config.ScraperConfig{
		UserAgent:         "spyglass-test/1.0",
		Timeout:           5 * time.Second,
		MaxRetries:        2,
		RetryMultiplier:   2,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Second,
	}, store, blobs, renderer)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	// Capture backoffs instead of sleeping.
	var slept []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return f, &slept
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "spyglass-test/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil, nil)
	resp, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Body) != "<html><body>hello</body></html>" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.SnapshotPath != "" {
		t.Error("snapshot path should be empty without a blob store")
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f, slept := newTestFetcher(t, nil, nil)
	resp, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("body = %q", resp.Body)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// Exponential backoff: 1s then 2s with multiplier 2.
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Errorf("backoffs = %v", *slept)
	}
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, slept := newTestFetcher(t, nil, nil)
	if _, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Errorf("backoffs = %v, want [7s]", *slept)
	}
}

func TestFetchPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL, Options{})

	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if ferr.Kind != KindPermanent {
		t.Errorf("kind = %s, want permanent", ferr.Kind)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 404)", calls.Load())
	}
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL, Options{})

	var ferr *FetchError
	if !errors.As(err, &ferr) || ferr.Kind != KindTransient {
		t.Fatalf("err = %v, want transient *FetchError", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls.Load())
	}
}

type stubRenderer struct {
	resp *Response
	err  error
}

func (s *stubRenderer) Render(context.Context, string) (*Response, error) {
	return s.resp, s.err
}

func TestFetchChallengeFallsBackToHeadless(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><title>Just a moment...</title><div class=\"cf-challenge\"></div></html>"))
	}))
	defer srv.Close()

	rendered := &Response{StatusCode: 200, FinalURL: srv.URL, Body: []byte("real page")}
	f, _ := newTestFetcher(t, nil, &stubRenderer{resp: rendered})

	resp, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != "real page" {
		t.Errorf("body = %q, want rendered page", resp.Body)
	}
}

func TestFetchChallengeWithoutRendererSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL, Options{})

	var ferr *FetchError
	if !errors.As(err, &ferr) || ferr.Kind != KindChallenge {
		t.Fatalf("err = %v, want challenge *FetchError", err)
	}
}

func TestFetchPersistsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>snapshot me</html>"))
	}))
	defer srv.Close()

	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	f, _ := newTestFetcher(t, blobs, nil)

	resp, err := f.Fetch(context.Background(), srv.URL, Options{CompanyID: "c1", SourceKind: "pricing"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.SnapshotPath == "" || resp.SnapshotHash == "" {
		t.Fatal("snapshot path and hash should be set")
	}

	got, err := blobs.Read(context.Background(), resp.SnapshotPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != "<html>snapshot me</html>" {
		t.Errorf("snapshot body = %q", got)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	f, _ := newTestFetcher(t, nil, nil)
	_, err := f.Fetch(context.Background(), "://not-a-url", Options{})

	var ferr *FetchError
	if !errors.As(err, &ferr) || ferr.Kind != KindOther {
		t.Fatalf("err = %v, want other *FetchError", err)
	}
}
