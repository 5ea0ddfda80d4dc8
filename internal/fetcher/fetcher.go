// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package fetcher is the single outbound HTTP path of the crawler. It
// enforces per-host token-bucket rate limits shared through the KV store,
// retries transient failures with exponential backoff honoring
// Retry-After, protects each host with a circuit breaker, optionally
// renders challenged pages headlessly, and persists successful bodies to
// the content-addressed blob store.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pfielding/spyglass/internal/blob"
	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/kv"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
)

// maxBodyBytes caps response bodies; competitor pages beyond this are
// truncated at the transport.
const maxBodyBytes = 10 << 20

// Response is a successful fetch result.
type Response struct {
	StatusCode  int
	FinalURL    string
	Body        []byte
	ContentType string

	// SnapshotPath and SnapshotHash are set when raw persistence is on.
	SnapshotPath string
	SnapshotHash string
}

// Options tunes one fetch call.
type Options struct {
	CompanyID  string
	SourceKind string
	// SkipSnapshot disables raw blob persistence for this call.
	SkipSnapshot bool
	// AllowHeadless permits the headless fallback on challenge detection
	// even before a plain fetch fails.
	AllowHeadless bool
}

// Renderer is the optional headless fallback capability.
type Renderer interface {
	Render(ctx context.Context, url string) (*Response, error)
}

// nullRenderer reports the capability as absent.
type nullRenderer struct{}

func (nullRenderer) Render(context.Context, string) (*Response, error) {
	return nil, ErrHeadlessUnavailable
}

// Fetcher is the shared outbound HTTP client.
type Fetcher struct {
	cfg      config.ScraperConfig
	client   *http.Client
	store    *kv.Store
	blobs    *blob.Store // nil disables snapshot persistence
	renderer Renderer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]

	sleep func(context.Context, time.Duration) error // override in tests
}

// New builds a fetcher. blobs may be nil; renderer may be nil (headless
// reported unavailable).
func New(cfg config.ScraperConfig, store *kv.Store, blobs *blob.Store, renderer Renderer) (*Fetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	if renderer == nil {
		renderer = nullRenderer{}
	}
	return &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Transport: transport},
		store:    store,
		blobs:    blobs,
		renderer: renderer,
		breakers: map[string]*gobreaker.CircuitBreaker[*http.Response]{},
		sleep:    sleepCtx,
	}, nil
}

// Fetch retrieves a URL under the fetcher's rate, retry and deadline
// policy. The error, when non-nil, is always a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{Kind: KindOther, URL: rawURL, Err: fmt.Errorf("invalid url: %w", err)}
	}
	host := u.Host

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := f.waitForToken(ctx, host); err != nil {
		return nil, &FetchError{Kind: KindTransient, URL: rawURL, Err: err}
	}

	resp, ferr := f.fetchWithRetries(ctx, rawURL, host)
	if ferr != nil {
		if ferr.Kind == KindChallenge || opts.AllowHeadless {
			if rendered, rerr := f.renderer.Render(ctx, rawURL); rerr == nil {
				return f.finish(ctx, rendered, opts)
			} else if !errors.Is(rerr, ErrHeadlessUnavailable) {
				logging.Warn().Err(rerr).Str("url", rawURL).Msg("Headless fallback failed")
			}
		}
		return nil, ferr
	}
	return f.finish(ctx, resp, opts)
}

// waitForToken blocks until the shared per-host bucket grants a token or
// the context expires.
func (f *Fetcher) waitForToken(ctx context.Context, host string) error {
	for {
		ok, wait, err := f.store.TakeToken(ctx, "host:"+host, f.cfg.RateLimitRequests, f.cfg.RateLimitWindow)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		metrics.FetchRateLimitWaits.WithLabelValues(host).Inc()
		if err := f.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// fetchWithRetries drives the retry loop: transient failures back off
// exponentially (honoring Retry-After on 429/503) up to the budget.
func (f *Fetcher) fetchWithRetries(ctx context.Context, rawURL, host string) (*Response, *FetchError) {
	var lastErr *FetchError

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.backoff(attempt, lastErr)
			metrics.FetchRetries.WithLabelValues(host, lastErr.Kind.String()).Inc()
			if err := f.sleep(ctx, backoff); err != nil {
				return nil, &FetchError{Kind: KindTransient, URL: rawURL, Err: err}
			}
		}

		resp, ferr := f.doOnce(ctx, rawURL, host)
		if ferr == nil {
			return resp, nil
		}
		lastErr = ferr
		if !ferr.Kind.Retryable() {
			return nil, ferr
		}
	}
	return nil, lastErr
}

// backoff computes the next delay: Retry-After when the server sent one,
// else base * multiplier^(attempt-1).
func (f *Fetcher) backoff(attempt int, lastErr *FetchError) time.Duration {
	if lastErr != nil && lastErr.retryAfter > 0 {
		return lastErr.retryAfter
	}
	mult := f.cfg.RetryMultiplier
	if mult <= 1 {
		mult = 2
	}
	return time.Duration(float64(time.Second) * math.Pow(mult, float64(attempt-1)))
}

// doOnce executes a single HTTP round trip through the host's circuit
// breaker and classifies the outcome.
func (f *Fetcher) doOnce(ctx context.Context, rawURL, host string) (*Response, *FetchError) {
	start := time.Now()
	breaker := f.breakerFor(host)

	httpResp, err := breaker.Execute(func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		return f.client.Do(req) //nolint:bodyclose // closed below after breaker returns
	})

	if err != nil {
		metrics.RecordFetch(host, 0, time.Since(start), err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(host, "rejected").Inc()
			return nil, &FetchError{Kind: KindRejected, URL: rawURL, Err: err}
		}
		metrics.CircuitBreakerRequests.WithLabelValues(host, "failure").Inc()
		return nil, &FetchError{Kind: classifyNetErr(err), URL: rawURL, Err: err}
	}
	defer httpResp.Body.Close()
	metrics.CircuitBreakerRequests.WithLabelValues(host, "success").Inc()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordFetch(host, httpResp.StatusCode, time.Since(start), err)
		return nil, &FetchError{Kind: KindTransient, URL: rawURL, StatusCode: httpResp.StatusCode, Err: err}
	}
	metrics.RecordFetch(host, httpResp.StatusCode, time.Since(start), nil)
	metrics.MirrorFetch(host)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if isChallengeBody(body) {
			metrics.FetchChallengesDetected.WithLabelValues(host).Inc()
			return nil, &FetchError{Kind: KindChallenge, URL: rawURL, StatusCode: httpResp.StatusCode}
		}
		return &Response{
			StatusCode:  httpResp.StatusCode,
			FinalURL:    httpResp.Request.URL.String(),
			Body:        body,
			ContentType: httpResp.Header.Get("Content-Type"),
		}, nil
	}

	kind := classifyStatus(httpResp.StatusCode)
	if kind == KindChallenge {
		metrics.FetchChallengesDetected.WithLabelValues(host).Inc()
	}
	ferr := &FetchError{Kind: kind, URL: rawURL, StatusCode: httpResp.StatusCode}
	if ra := parseRetryAfter(httpResp.Header.Get("Retry-After")); ra > 0 {
		ferr.retryAfter = ra
	}
	return nil, ferr
}

// finish persists the raw snapshot when enabled and returns the response.
func (f *Fetcher) finish(ctx context.Context, resp *Response, opts Options) (*Response, error) {
	if f.blobs == nil || opts.SkipSnapshot {
		return resp, nil
	}
	path, hash, err := f.blobs.Write(ctx, resp.Body, blob.Meta{
		URL:         resp.FinalURL,
		CompanyID:   opts.CompanyID,
		SourceKind:  opts.SourceKind,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		FetchedAt:   time.Now().UTC(),
	})
	if err != nil {
		// Snapshot persistence is best-effort; the fetch itself succeeded.
		logging.Error().Err(err).Str("url", resp.FinalURL).Msg("Failed to persist raw snapshot")
		return resp, nil
	}
	resp.SnapshotPath = path
	resp.SnapshotHash = hash
	return resp, nil
}

// breakerFor returns (creating on first use) the host's circuit breaker.
func (f *Fetcher) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Fetcher circuit breaker state transition")
			metrics.RecordCircuitBreakerState(name, int(to))
		},
	})
	f.breakers[host] = cb
	return cb
}

// challengeMarkers identify bot-challenge interstitials in 2xx bodies.
var challengeMarkers = []string{
	"cf-challenge",
	"cf-browser-verification",
	"just a moment...",
	"attention required!",
	"captcha",
}

func isChallengeBody(body []byte) bool {
	if len(body) > 4096 {
		body = body[:4096]
	}
	lower := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter handles the delta-seconds form; HTTP-date values are
// rare on rate limiters and ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
