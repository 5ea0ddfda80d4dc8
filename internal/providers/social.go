// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/registry"
)

// Social covers the feed-addressable social kinds. Reddit exposes RSS on
// every subreddit and YouTube serves channel Atom feeds; the remaining
// platforms gate content behind authenticated APIs, so the provider
// returns no items for them rather than failing the run.
type Social struct {
	deps Deps
}

// NewSocial builds the social provider.
func NewSocial(deps Deps) *Social {
	return &Social{deps: deps}
}

// socialKinds lists the kinds this provider accepts.
var socialKinds = map[models.SourceKind]bool{
	models.SourceTwitter:   true,
	models.SourceReddit:    true,
	models.SourceFacebook:  true,
	models.SourceInstagram: true,
	models.SourceLinkedin:  true,
	models.SourceYoutube:   true,
	models.SourceTiktok:    true,
}

// MatchesKind reports whether kind is a social kind. The registry
// binding closes over the kind because Provider.Fetch does not carry it.
func MatchesKind(kind models.SourceKind) bool {
	return socialKinds[kind]
}

// FetchKind returns normalized items for one social kind.
func (s *Social) FetchKind(ctx context.Context, company models.Company, kind models.SourceKind, opts registry.FetchOptions) ([]models.NormalizedItem, error) {
	candidates := s.deps.Registry.CandidateURLs(ctx, company, kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no %s handle configured for %s", kind, company.ID)
	}

	var lastErr error
	for _, base := range candidates {
		if opts.SkipURLs[base] {
			continue
		}
		feedURL := socialFeedURL(base, kind)
		if feedURL == "" {
			logging.Debug().Str("source_kind", string(kind)).Msg("No public feed for platform, skipping")
			return nil, nil
		}
		resp, err := s.deps.Fetcher.Fetch(ctx, feedURL, fetcher.Options{
			CompanyID:    company.ID,
			SourceKind:   string(kind),
			SkipSnapshot: true,
		})
		s.deps.recordOutcome(ctx, feedURL, company.ID, err)
		if err != nil {
			lastErr = err
			continue
		}
		if items := parseFeed(resp.Body, kind); items != nil {
			return capItems(items, opts.MaxItems), nil
		}
		lastErr = fmt.Errorf("social feed %s: not a parseable feed", feedURL)
	}
	return nil, fmt.Errorf("fetch %s feed: %w", kind, lastErr)
}

// socialFeedURL derives the public feed URL for a profile URL, or ""
// when the platform has none.
func socialFeedURL(base string, kind models.SourceKind) string {
	base = strings.TrimSuffix(base, "/")
	switch kind {
	case models.SourceReddit:
		return base + "/.rss"
	case models.SourceYoutube:
		// Feeds are addressed by channel ID, not handle.
		if i := strings.Index(base, "/channel/"); i >= 0 {
			id := base[i+len("/channel/"):]
			return "https://www.youtube.com/feeds/videos.xml?channel_id=" + id
		}
		return ""
	default:
		return ""
	}
}

// Bind registers the social provider once per social kind; the closure
// carries the kind that Provider.Fetch lacks.
func (s *Social) Bind(reg *registry.Registry) {
	for kind := range socialKinds {
		k := kind
		reg.Register(registry.Binding{
			Name: "social-" + string(k),
			Match: func(_ models.Company, want models.SourceKind) bool {
				return want == k
			},
			Provider: &socialKindProvider{social: s, kind: k},
		})
	}
}

// socialKindProvider adapts Social to the Provider interface for one kind.
type socialKindProvider struct {
	social *Social
	kind   models.SourceKind
}

func (p *socialKindProvider) Fetch(ctx context.Context, company models.Company, opts registry.FetchOptions) ([]models.NormalizedItem, error) {
	return p.social.FetchKind(ctx, company, p.kind, opts)
}

func (p *socialKindProvider) Close() error { return nil }
