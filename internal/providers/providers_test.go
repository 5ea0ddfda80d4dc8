// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package providers

import (
	"context"
	"testing"
	"time"

	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/health"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/registry"
)

// stubFetcher serves canned responses by URL; everything else 404s.
type stubFetcher struct {
	pages map[string]*fetcher.Response
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, url string, _ fetcher.Options) (*fetcher.Response, error) {
	s.calls = append(s.calls, url)
	if resp, ok := s.pages[url]; ok {
		return resp, nil
	}
	return nil, &fetcher.FetchError{Kind: fetcher.KindPermanent, URL: url, StatusCode: 404}
}

type recordedOutcome struct {
	URL     string
	Outcome health.Outcome
}

type stubHealth struct {
	outcomes []recordedOutcome
}

func (s *stubHealth) Record(_ context.Context, url, _ string, outcome health.Outcome) error {
	s.outcomes = append(s.outcomes, recordedOutcome{URL: url, Outcome: outcome})
	return nil
}

func (s *stubHealth) IsDisabled(context.Context, string) bool { return false }

func testCompany() models.Company {
	return models.Company{
		ID:      "c1",
		Name:    "Acme",
		Website: "https://acme.example",
		Handles: map[string]string{},
	}
}

func htmlResponse(url, body string) *fetcher.Response {
	return &fetcher.Response{StatusCode: 200, FinalURL: url, Body: []byte(body), ContentType: "text/html"}
}

func xmlResponse(url, body string) *fetcher.Response {
	return &fetcher.Response{StatusCode: 200, FinalURL: url, Body: []byte(body), ContentType: "application/rss+xml"}
}

const rssFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<item><title>Acme raises $50M Series B</title><link>https://acme.example/blog/series-b</link><description>Funding news.</description><pubDate>Mon, 24 Aug 2026 09:00:00 +0000</pubDate></item>
<item><title>Introducing Acme Flow</title><link>https://acme.example/blog/flow</link><description>&lt;p&gt;A new product.&lt;/p&gt;</description><pubDate>Sun, 23 Aug 2026 09:00:00 +0000</pubDate></item>
</channel></rss>`

const atomFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<entry><title>v2.4.0 released</title><link rel="alternate" href="https://github.com/acme/widget/releases/v2.4.0"/><updated>2026-08-20T10:00:00Z</updated></entry>
</feed>`

func TestParseFeedRSS(t *testing.T) {
	items := parseFeed([]byte(rssFeed), models.SourceBlog)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Category != models.CategoryFunding {
		t.Errorf("category = %s, want funding", items[0].Category)
	}
	if items[1].Summary != "A new product." {
		t.Errorf("summary = %q, markup should be stripped", items[1].Summary)
	}
	want := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	if items[0].PublishedAt == nil || !items[0].PublishedAt.Equal(want) {
		t.Errorf("published = %v, want %v", items[0].PublishedAt, want)
	}
}

func TestParseFeedAtom(t *testing.T) {
	items := parseFeed([]byte(atomFeed), models.SourceGithub)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].SourceURL != "https://github.com/acme/widget/releases/v2.4.0" {
		t.Errorf("url = %q", items[0].SourceURL)
	}
	if items[0].Category != models.CategoryRelease {
		t.Errorf("category = %s, want release", items[0].Category)
	}
}

func TestParseFeedRejectsHTML(t *testing.T) {
	if items := parseFeed([]byte("<html><body>nope</body></html>"), models.SourceBlog); items != nil {
		t.Errorf("items = %v, want nil for non-feed payload", items)
	}
}

func TestUniversalPrefersFeed(t *testing.T) {
	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{
		"https://acme.example/blog/feed": xmlResponse("https://acme.example/blog/feed", rssFeed),
	}}
	reg := registry.New(ledger)
	u := NewUniversal(Deps{Fetcher: fetch, Registry: reg, Health: ledger}, models.SourceBlog)

	items, err := u.Fetch(context.Background(), testCompany(), registry.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	// Feed probes must not feed the health ledger with expected 404s.
	if len(ledger.outcomes) != 0 {
		t.Errorf("feed probes recorded %d health outcomes, want 0", len(ledger.outcomes))
	}
}

func TestUniversalFallsBackToListingPage(t *testing.T) {
	const listing = `<html><body>
<article><h3>Acme partners with Globex</h3><a href="/press/globex">Read</a><p>Partnership details.</p><time datetime="2026-08-19T00:00:00Z">Aug 19</time></article>
<article><h3>Acme launches Widget</h3><a href="/press/widget">Read</a></article>
</body></html>`

	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{
		"https://acme.example/press": htmlResponse("https://acme.example/press", listing),
	}}
	reg := registry.New(ledger)
	u := NewUniversal(Deps{Fetcher: fetch, Registry: reg, Health: ledger}, models.SourcePressRelease)

	items, err := u.Fetch(context.Background(), testCompany(), registry.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Title != "Acme partners with Globex" || items[0].Category != models.CategoryPartnership {
		t.Errorf("item[0] = %+v", items[0])
	}
	if items[0].SourceURL != "https://acme.example/press/globex" {
		t.Errorf("url = %q, relative hrefs must resolve", items[0].SourceURL)
	}
}

func TestUniversalMaxItems(t *testing.T) {
	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{
		"https://acme.example/blog/feed": xmlResponse("https://acme.example/blog/feed", rssFeed),
	}}
	reg := registry.New(ledger)
	u := NewUniversal(Deps{Fetcher: fetch, Registry: reg, Health: ledger}, models.SourceBlog)

	items, err := u.Fetch(context.Background(), testCompany(), registry.FetchOptions{MaxItems: 1})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestGitHubFeedURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"https://github.com/acme", "https://github.com/acme.atom"},
		{"https://github.com/acme/", "https://github.com/acme.atom"},
		{"https://github.com/acme/widget", "https://github.com/acme/widget/releases.atom"},
	}
	for _, tt := range tests {
		if got := githubFeedURL(tt.base); got != tt.want {
			t.Errorf("githubFeedURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestGitHubProvider(t *testing.T) {
	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{
		"https://github.com/acme/widget/releases.atom": xmlResponse("https://github.com/acme/widget/releases.atom", atomFeed),
	}}
	reg := registry.New(ledger)
	g := NewGitHub(Deps{Fetcher: fetch, Registry: reg, Health: ledger})

	company := testCompany()
	company.Handles[string(models.SourceGithub)] = "https://github.com/acme/widget"

	items, err := g.Fetch(context.Background(), company, registry.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].Category != models.CategoryRelease {
		t.Fatalf("items = %+v", items)
	}
	if len(ledger.outcomes) != 1 || ledger.outcomes[0].Outcome != health.OutcomeSuccess {
		t.Errorf("outcomes = %+v, want one success", ledger.outcomes)
	}
}

func TestSocialRedditFeed(t *testing.T) {
	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{
		"https://www.reddit.com/r/acme/.rss": xmlResponse("https://www.reddit.com/r/acme/.rss", atomFeed),
	}}
	reg := registry.New(ledger)
	s := NewSocial(Deps{Fetcher: fetch, Registry: reg, Health: ledger})

	company := testCompany()
	company.Handles[string(models.SourceReddit)] = "acme"

	items, err := s.FetchKind(context.Background(), company, models.SourceReddit, registry.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestSocialNoFeedPlatformReturnsEmpty(t *testing.T) {
	ledger := &stubHealth{}
	fetch := &stubFetcher{pages: map[string]*fetcher.Response{}}
	reg := registry.New(ledger)
	s := NewSocial(Deps{Fetcher: fetch, Registry: reg, Health: ledger})

	company := testCompany()
	company.Handles[string(models.SourceTwitter)] = "acme"

	items, err := s.FetchKind(context.Background(), company, models.SourceTwitter, registry.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %d, want 0 for platforms without public feeds", len(items))
	}
	if len(fetch.calls) != 0 {
		t.Errorf("calls = %v, want none", fetch.calls)
	}
}
