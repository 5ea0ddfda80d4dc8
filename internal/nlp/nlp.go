// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package nlp classifies news items with a deterministic heuristic
// pipeline: keyword tables plus frequency and recency features. No model
// inference; identical input always yields identical output, which keeps
// re-ingestion idempotent.
package nlp

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pfielding/spyglass/internal/models"
)

// MaxKeywords bounds the keyword relevances stored per item.
const MaxKeywords = 10

// Result is the classification of one news item.
type Result struct {
	Topic     models.Topic
	Sentiment models.Sentiment
	Priority  float64 // [0,1]
	Keywords  []Keyword
}

// Keyword is one extracted keyword with its relevance weight.
type Keyword struct {
	Word      string  `json:"word"`
	Relevance float64 `json:"relevance"` // [0,1]
}

// topicTable maps trigger words to topics. First match by accumulated
// score wins; ties break on the fixed topic order below.
var topicTable = map[models.Topic][]string{
	models.TopicProduct:    {"launch", "feature", "release", "update", "version", "beta", "integration", "plugin"},
	models.TopicStrategy:   {"acquisition", "merger", "partnership", "expansion", "pivot", "roadmap", "strategy"},
	models.TopicFinance:    {"funding", "revenue", "series", "investment", "valuation", "ipo", "profit", "raise"},
	models.TopicTechnology: {"platform", "api", "infrastructure", "cloud", "architecture", "engineering", "ai", "model"},
	models.TopicSecurity:   {"security", "vulnerability", "breach", "cve", "encryption", "compliance", "patch"},
	models.TopicResearch:   {"research", "paper", "study", "benchmark", "experiment", "findings"},
	models.TopicCommunity:  {"community", "open source", "contributor", "hackathon", "meetup", "forum"},
	models.TopicTalent:     {"hiring", "hire", "joins", "appointed", "cto", "ceo", "layoff", "team"},
	models.TopicRegulation: {"regulation", "lawsuit", "gdpr", "antitrust", "court", "settlement", "fine"},
	models.TopicMarket:     {"market", "competitor", "pricing", "customers", "growth", "share", "demand"},
}

// topicOrder fixes tie-breaking so classification is deterministic.
var topicOrder = []models.Topic{
	models.TopicProduct, models.TopicStrategy, models.TopicFinance,
	models.TopicTechnology, models.TopicSecurity, models.TopicResearch,
	models.TopicCommunity, models.TopicTalent, models.TopicRegulation,
	models.TopicMarket,
}

var positiveWords = []string{
	"growth", "success", "launch", "win", "record", "milestone", "improved",
	"faster", "award", "expansion", "breakthrough", "profitable",
}

var negativeWords = []string{
	"breach", "lawsuit", "layoff", "decline", "outage", "loss", "failure",
	"vulnerability", "delay", "shutdown", "fine", "downturn",
}

var wordRe = regexp.MustCompile(`[a-z][a-z0-9'-]+`)

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "has": true,
	"have": true, "will": true, "its": true, "their": true, "they": true,
	"our": true, "your": true, "been": true, "more": true, "into": true,
	"about": true, "after": true, "over": true, "than": true, "when": true,
	"which": true, "also": true, "were": true, "all": true, "can": true,
	"new": true, "not": true, "but": true, "out": true, "now": true,
}

// Classify runs the full pipeline over a news item's text. publishedAt
// feeds the recency component of the priority score, evaluated against
// now so tests can pin the clock.
func Classify(title, summary, content string, publishedAt, now time.Time) Result {
	text := strings.ToLower(title + " " + summary + " " + content)
	titleLower := strings.ToLower(title)

	return Result{
		Topic:     classifyTopic(text, titleLower),
		Sentiment: classifySentiment(text),
		Priority:  priorityScore(text, titleLower, publishedAt, now),
		Keywords:  extractKeywords(text),
	}
}

// classifyTopic scores each topic by trigger hits; title hits count double.
func classifyTopic(text, title string) models.Topic {
	best := models.TopicOther
	bestScore := 0
	for _, topic := range topicOrder {
		score := 0
		for _, trigger := range topicTable[topic] {
			score += strings.Count(text, trigger)
			score += 2 * strings.Count(title, trigger)
		}
		if score > bestScore {
			bestScore = score
			best = topic
		}
	}
	return best
}

// classifySentiment compares positive and negative hit counts. Both
// present in similar measure reads as mixed.
func classifySentiment(text string) models.Sentiment {
	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(text, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(text, w)
	}

	switch {
	case pos == 0 && neg == 0:
		return models.SentimentNeutral
	case pos > 0 && neg > 0:
		return models.SentimentMixed
	case pos > neg:
		return models.SentimentPositive
	default:
		return models.SentimentNegative
	}
}

// priorityScore combines signal strength and recency into [0,1]:
// 0.4 topical signal, 0.2 title signal, 0.4 recency with linear decay over
// seven days.
func priorityScore(text, title string, publishedAt, now time.Time) float64 {
	signalHits := 0
	for _, triggers := range topicTable {
		for _, trigger := range triggers {
			signalHits += strings.Count(text, trigger)
		}
	}
	signal := float64(signalHits) / 5
	if signal > 1 {
		signal = 1
	}

	titleSignal := 0.0
	for _, triggers := range topicTable {
		for _, trigger := range triggers {
			if strings.Contains(title, trigger) {
				titleSignal = 1
				break
			}
		}
	}

	recency := 0.0
	if !publishedAt.IsZero() && !publishedAt.After(now) {
		age := now.Sub(publishedAt)
		const window = 7 * 24 * time.Hour
		if age < window {
			recency = 1 - float64(age)/float64(window)
		}
	}

	return 0.4*signal + 0.2*titleSignal + 0.4*recency
}

// extractKeywords returns the top MaxKeywords words by frequency,
// normalized so the most frequent has relevance 1. Sorting is by count
// descending then alphabetical for determinism.
func extractKeywords(text string) []Keyword {
	counts := map[string]int{}
	for _, word := range wordRe.FindAllString(text, -1) {
		if len(word) < 4 || stopwords[word] {
			continue
		}
		counts[word]++
	}
	if len(counts) == 0 {
		return nil
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > MaxKeywords {
		words = words[:MaxKeywords]
	}

	max := counts[words[0]]
	out := make([]Keyword, len(words))
	for i, w := range words {
		out[i] = Keyword{Word: w, Relevance: float64(counts[w]) / float64(max)}
	}
	return out
}
