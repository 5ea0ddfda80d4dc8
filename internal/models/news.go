// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"time"
)

// Topic is the closed heuristic-classification vocabulary for news items.
type Topic string

const (
	TopicProduct    Topic = "product"
	TopicStrategy   Topic = "strategy"
	TopicFinance    Topic = "finance"
	TopicTechnology Topic = "technology"
	TopicSecurity   Topic = "security"
	TopicResearch   Topic = "research"
	TopicCommunity  Topic = "community"
	TopicTalent     Topic = "talent"
	TopicRegulation Topic = "regulation"
	TopicMarket     Topic = "market"
	TopicOther      Topic = "other"
)

// AllTopics lists every valid topic.
var AllTopics = []Topic{
	TopicProduct, TopicStrategy, TopicFinance, TopicTechnology, TopicSecurity,
	TopicResearch, TopicCommunity, TopicTalent, TopicRegulation, TopicMarket,
	TopicOther,
}

// Sentiment is the closed sentiment label vocabulary.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
)

// Category is the closed coarse content category assigned by providers.
type Category string

const (
	CategoryNews          Category = "news"
	CategoryProductUpdate Category = "product-update"
	CategoryFunding       Category = "funding"
	CategoryPartnership   Category = "partnership"
	CategoryHiring        Category = "hiring"
	CategoryRelease       Category = "release"
	CategoryPricing       Category = "pricing"
	CategoryOther         Category = "other"
)

// NewsItem is a canonical unit of observed content. SourceURL is the
// primary uniqueness key; duplicate inserts are resolved as no-ops.
type NewsItem struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id,omitempty"`

	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Content string `json:"content,omitempty"`

	SourceURL  string     `json:"source_url"`
	SourceKind SourceKind `json:"source_kind"`

	Category      Category  `json:"category"`
	Topic         Topic     `json:"topic"`
	Sentiment     Sentiment `json:"sentiment"`
	PriorityScore float64   `json:"priority_score"` // [0,1]

	PublishedAt    time.Time `json:"published_at"`
	RawSnapshotURL string    `json:"raw_snapshot_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewsKeyword is one keyword relevance extracted by the NLP pipeline.
type NewsKeyword struct {
	NewsItemID string  `json:"news_item_id"`
	Keyword    string  `json:"keyword"`
	Relevance  float64 `json:"relevance"` // [0,1]
}

// NormalizedItem is the provider output contract: one observed content unit
// normalized before canonicalization into a NewsItem.
type NormalizedItem struct {
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Content     string     `json:"content,omitempty"`
	SourceURL   string     `json:"source_url"`
	SourceKind  SourceKind `json:"source_kind"`
	Category    Category   `json:"category"`
	PublishedAt *time.Time `json:"published_at,omitempty"`

	RawSnapshotURL string `json:"raw_snapshot_url,omitempty"`
}
