// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package registry resolves a (company, source kind) pair to an ordered
// list of candidate URLs and a provider binding. URL candidates come from
// three layers, most specific first: explicit per-company configuration,
// curated per-domain heuristics, and default path templates appended to
// the company website root. The health ledger filters out disabled URLs.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pfielding/spyglass/internal/models"
)

// FetchOptions tunes a provider invocation.
type FetchOptions struct {
	MaxItems        int
	SkipURLs        map[string]bool
	SourceOverrides map[string]string
}

// Provider converts fetched payloads for one source kind into normalized
// items. Implementations live in internal/providers.
type Provider interface {
	Fetch(ctx context.Context, company models.Company, opts FetchOptions) ([]models.NormalizedItem, error)
	Close() error
}

// HealthLedger is the subset of the health ledger the registry consults.
type HealthLedger interface {
	IsDisabled(ctx context.Context, url string) bool
}

// Binding pairs a match predicate with a provider. First matching binding
// wins; the universal provider must be registered last as the fallback.
type Binding struct {
	Name     string
	Match    func(company models.Company, kind models.SourceKind) bool
	Provider Provider
}

// Registry holds provider bindings and URL heuristics.
type Registry struct {
	bindings []Binding
	ledger   HealthLedger

	// domainHeuristics maps a registrable website domain to per-kind
	// curated paths that override the defaults.
	domainHeuristics map[string]map[models.SourceKind][]string
}

// New builds a registry. ledger may be nil (no URL filtering).
func New(ledger HealthLedger) *Registry {
	return &Registry{
		ledger:           ledger,
		domainHeuristics: map[string]map[models.SourceKind][]string{},
	}
}

// Register appends a provider binding. Order matters: first match wins.
func (r *Registry) Register(b Binding) {
	r.bindings = append(r.bindings, b)
}

// AddDomainHeuristic installs curated candidate paths for a domain and
// kind, consulted before the default templates.
func (r *Registry) AddDomainHeuristic(domain string, kind models.SourceKind, paths ...string) {
	if r.domainHeuristics[domain] == nil {
		r.domainHeuristics[domain] = map[models.SourceKind][]string{}
	}
	r.domainHeuristics[domain][kind] = append(r.domainHeuristics[domain][kind], paths...)
}

// Resolve returns the provider bound to (company, kind).
func (r *Registry) Resolve(company models.Company, kind models.SourceKind) (Provider, error) {
	for _, b := range r.bindings {
		if b.Match(company, kind) {
			return b.Provider, nil
		}
	}
	return nil, fmt.Errorf("no provider bound for source kind %s", kind)
}

// defaultPaths are the path templates per source kind, with language
// variants. Appended to the website root in order.
var defaultPaths = map[models.SourceKind][]string{
	models.SourceBlog:     {"/blog", "/news", "/en/blog", "/blog/en"},
	models.SourceNewsSite: {"/news", "/en/news"},
	models.SourcePressRelease: {"/press", "/press-releases", "/newsroom", "/en/press"},
	models.SourcePricing:  {"/pricing", "/plans", "/en/pricing"},
	models.SourceJobs:     {"/careers", "/jobs", "/en/careers"},
	models.SourceLanding:  {"/", "/about"},
	models.SourceSEO:      {"/"},
	models.SourceBanners:  {"/"},
	models.SourceProducts: {"/products", "/product", "/solutions"},
}

// socialBases build profile URLs from a handle for handle-addressed kinds.
var socialBases = map[models.SourceKind]string{
	models.SourceGithub:    "https://github.com/%s",
	models.SourceTwitter:   "https://twitter.com/%s",
	models.SourceReddit:    "https://www.reddit.com/r/%s",
	models.SourceFacebook:  "https://www.facebook.com/%s",
	models.SourceInstagram: "https://www.instagram.com/%s",
	models.SourceLinkedin:  "https://www.linkedin.com/company/%s",
	models.SourceYoutube:   "https://www.youtube.com/@%s",
	models.SourceTiktok:    "https://www.tiktok.com/@%s",
}

// CandidateURLs yields the ordered, deduplicated candidate URLs for a
// (company, kind), with ledger-disabled URLs removed.
func (r *Registry) CandidateURLs(ctx context.Context, company models.Company, kind models.SourceKind) []string {
	var candidates []string

	// Layer 1: explicit per-company configuration.
	if override := company.Handles[string(kind)]; override != "" {
		if strings.HasPrefix(override, "http://") || strings.HasPrefix(override, "https://") {
			candidates = append(candidates, override)
		} else if base, ok := socialBases[kind]; ok {
			candidates = append(candidates, fmt.Sprintf(base, override))
		}
	}

	root := websiteRoot(company.Website)
	if root != "" {
		// Layer 2: curated per-domain heuristics.
		if perKind, ok := r.domainHeuristics[rootDomain(root)]; ok {
			for _, p := range perKind[kind] {
				candidates = append(candidates, root+p)
			}
		}
		// Layer 3: default path templates.
		for _, p := range defaultPaths[kind] {
			if p == "/" {
				candidates = append(candidates, root)
			} else {
				candidates = append(candidates, root+p)
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		if r.ledger != nil && r.ledger.IsDisabled(ctx, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// websiteRoot normalizes a company website to scheme://host with no
// trailing slash. A missing scheme defaults to https.
func websiteRoot(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// rootDomain strips scheme and a www prefix for heuristic lookup.
func rootDomain(root string) string {
	u, err := url.Parse(root)
	if err != nil {
		return root
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
