// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package registry

import (
	"context"
	"testing"

	"github.com/pfielding/spyglass/internal/models"
)

type stubLedger struct {
	disabled map[string]bool
}

func (l *stubLedger) IsDisabled(_ context.Context, url string) bool {
	return l.disabled[url]
}

type stubProvider struct{ name string }

func (p *stubProvider) Fetch(context.Context, models.Company, FetchOptions) ([]models.NormalizedItem, error) {
	return nil, nil
}
func (p *stubProvider) Close() error { return nil }

func TestCandidateURLLayering(t *testing.T) {
	r := New(nil)
	r.AddDomainHeuristic("acme.example", models.SourceBlog, "/engineering-blog")

	company := models.Company{
		Name:    "Acme",
		Website: "https://www.acme.example",
		Handles: map[string]string{"blog": "https://blog.acme.example/"},
	}

	got := r.CandidateURLs(context.Background(), company, models.SourceBlog)
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0] != "https://blog.acme.example/" {
		t.Errorf("explicit override should rank first, got %v", got)
	}
	if got[1] != "https://www.acme.example/engineering-blog" {
		t.Errorf("domain heuristic should rank second, got %v", got)
	}
	// Default templates follow.
	found := false
	for _, u := range got[2:] {
		if u == "https://www.acme.example/blog" {
			found = true
		}
	}
	if !found {
		t.Errorf("default /blog template missing from %v", got)
	}
}

func TestCandidateURLsSocialHandle(t *testing.T) {
	r := New(nil)
	company := models.Company{
		Name:    "Acme",
		Website: "acme.example",
		Handles: map[string]string{"github": "acme-dev"},
	}

	got := r.CandidateURLs(context.Background(), company, models.SourceGithub)
	if len(got) != 1 || got[0] != "https://github.com/acme-dev" {
		t.Errorf("github candidates = %v", got)
	}
}

func TestCandidateURLsFiltersDisabled(t *testing.T) {
	ledger := &stubLedger{disabled: map[string]bool{
		"https://acme.example/pricing": true,
	}}
	r := New(ledger)
	company := models.Company{Website: "https://acme.example"}

	got := r.CandidateURLs(context.Background(), company, models.SourcePricing)
	for _, u := range got {
		if u == "https://acme.example/pricing" {
			t.Errorf("disabled URL not filtered: %v", got)
		}
	}
	if len(got) == 0 {
		t.Error("remaining templates should survive filtering")
	}
}

func TestCandidateURLsDeduplicated(t *testing.T) {
	r := New(nil)
	r.AddDomainHeuristic("acme.example", models.SourcePricing, "/pricing")
	company := models.Company{Website: "https://acme.example"}

	got := r.CandidateURLs(context.Background(), company, models.SourcePricing)
	seen := map[string]int{}
	for _, u := range got {
		seen[u]++
		if seen[u] > 1 {
			t.Errorf("duplicate candidate %s in %v", u, got)
		}
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := New(nil)
	github := &stubProvider{name: "github"}
	universal := &stubProvider{name: "universal"}

	r.Register(Binding{
		Name:     "github",
		Match:    func(_ models.Company, kind models.SourceKind) bool { return kind == models.SourceGithub },
		Provider: github,
	})
	r.Register(Binding{
		Name:     "universal",
		Match:    func(models.Company, models.SourceKind) bool { return true },
		Provider: universal,
	})

	p, err := r.Resolve(models.Company{}, models.SourceGithub)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != Provider(github) {
		t.Error("github binding should win for github kind")
	}

	p, err = r.Resolve(models.Company{}, models.SourceBlog)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != Provider(universal) {
		t.Error("universal binding should catch everything else")
	}
}

func TestResolveNoBinding(t *testing.T) {
	r := New(nil)
	if _, err := r.Resolve(models.Company{}, models.SourceBlog); err == nil {
		t.Error("expected error with no bindings registered")
	}
}
