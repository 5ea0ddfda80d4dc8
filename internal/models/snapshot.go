// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// SnapshotKind discriminates the normalized payload of a competitor
// snapshot and selects the structured diff strategy.
type SnapshotKind string

const (
	SnapshotPricing   SnapshotKind = "pricing"
	SnapshotStructure SnapshotKind = "structure"
	SnapshotSEO       SnapshotKind = "seo"
	SnapshotBanners   SnapshotKind = "banners"
	SnapshotProducts  SnapshotKind = "products"
	SnapshotJobs      SnapshotKind = "jobs"
)

// SnapshotKindFor maps a detection source kind to its snapshot kind.
func SnapshotKindFor(k SourceKind) (SnapshotKind, bool) {
	switch k {
	case SourcePricing:
		return SnapshotPricing, true
	case SourceLanding:
		return SnapshotStructure, true
	case SourceSEO:
		return SnapshotSEO, true
	case SourceBanners:
		return SnapshotBanners, true
	case SourceProducts:
		return SnapshotProducts, true
	case SourceJobs:
		return SnapshotJobs, true
	default:
		return "", false
	}
}

// ProcessingStatus records how cleanly a snapshot parse went.
type ProcessingStatus string

const (
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingSkipped ProcessingStatus = "skipped"
	ProcessingError   ProcessingStatus = "error"
)

// Snapshot is a content-addressed capture of a parsed competitor page.
// Equal normalized data produces an equal DataHash within a parser version.
type Snapshot struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	SourceURL string       `json:"source_url"`
	Kind      SnapshotKind `json:"kind"`

	DataHash       string          `json:"data_hash"` // 64-char hex sha256
	NormalizedData json.RawMessage `json:"normalized_data"`
	ParserVersion  string          `json:"parser_version"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
	Warnings         []string         `json:"warnings,omitempty"`
	RawSnapshotURL   string           `json:"raw_snapshot_url,omitempty"`

	ExtractedAt time.Time `json:"extracted_at"`
}

// PricingData is the canonical normalized form of a parsed pricing page.
type PricingData struct {
	Plans []PricingPlan `json:"plans"`
}

// PriceLabel classifies non-numeric price presentations.
type PriceLabel string

const (
	PriceLabelNumeric PriceLabel = ""
	PriceLabelFree    PriceLabel = "free"
	PriceLabelContact PriceLabel = "contact"
)

// BillingCycle is the closed normalized billing cycle vocabulary.
type BillingCycle string

const (
	BillingMonthly    BillingCycle = "monthly"
	BillingAnnual     BillingCycle = "annual"
	BillingQuarterly  BillingCycle = "quarterly"
	BillingWeekly     BillingCycle = "weekly"
	BillingDaily      BillingCycle = "daily"
	BillingLifetime   BillingCycle = "lifetime"
	BillingOneTime    BillingCycle = "one_time"
	BillingPerUser    BillingCycle = "per_user"
	BillingUsageBased BillingCycle = "usage_based"
)

// PricingPlan is one normalized plan card or table column.
type PricingPlan struct {
	Plan         string        `json:"plan"`
	Price        *float64      `json:"price"` // nil for contact/custom pricing
	PriceLabel   PriceLabel    `json:"price_label,omitempty"`
	Currency     string        `json:"currency,omitempty"` // ISO 4217
	BillingCycle BillingCycle  `json:"billing_cycle,omitempty"`
	Features     []PlanFeature `json:"features,omitempty"`
}

// PlanFeature is a single feature bullet, optionally grouped.
type PlanFeature struct {
	Text  string `json:"text"`
	Group string `json:"feature_group,omitempty"`
}

// StructureData is the canonical normalized form of a landing page.
type StructureData struct {
	NavLinks     []NavLink         `json:"nav_links"`
	KeyPages     map[string]bool   `json:"key_pages"` // pricing, about, blog, news, careers, features
	Metadata     PageMetadata      `json:"metadata"`
	SectionHashes map[string]string `json:"section_hashes"` // heading text -> content hash
}

// NavLink is one navigation anchor.
type NavLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// PageMetadata carries the SEO-relevant head metadata of a page.
type PageMetadata struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Keywords    string            `json:"keywords,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
	Twitter     map[string]string `json:"twitter,omitempty"`
}

// SEOData is the canonical normalized form of SEO signals for a site.
type SEOData struct {
	Meta        PageMetadata `json:"meta"`
	JSONLDTypes []string     `json:"jsonld_types,omitempty"`
	Sitemaps    []string     `json:"sitemaps,omitempty"`     // from robots.txt
	SitemapURLs []string     `json:"sitemap_urls,omitempty"` // truncated listing
	SitemapURLCount int      `json:"sitemap_url_count"`
}

// JobPosting is one normalized job listing; (name, location) keys the diff.
type JobPosting struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	URL      string `json:"url,omitempty"`
}

// JobsData is the canonical normalized job board capture.
type JobsData struct {
	Jobs []JobPosting `json:"jobs"`
}

// Product is one normalized product entry keyed by name for diffing.
type Product struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ProductsData is the canonical normalized product listing capture.
type ProductsData struct {
	Products []Product `json:"products"`
}

// Banner is one promotional banner keyed by content hash for diffing.
type Banner struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// BannersData is the canonical normalized banner capture.
type BannersData struct {
	Banners []Banner `json:"banners"`
}
