// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package parsers turns fetched HTML into typed normalized structures.
// Parsers are pure and deterministic: the same payload always produces the
// same normalized form and therefore the same data hash. Each parser
// carries a version string that gates snapshot comparability; bumping a
// version invalidates diffs against older snapshots.
package parsers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Parser versions. Bump when a parser's normalized output changes shape or
// semantics for identical input.
const (
	PricingParserVersion   = "pricing-v2"
	StructureParserVersion = "structure-v1"
	SEOParserVersion       = "seo-v1"
	JobsParserVersion      = "jobs-v1"
	ProductsParserVersion  = "products-v1"
	BannersParserVersion   = "banners-v1"
	PressParserVersion     = "press-v1"
)

// ExtractionMetadata records how an extraction went, for audit and
// debugging. It is not part of the canonical normalized form and does not
// feed the data hash.
type ExtractionMetadata struct {
	SourceURL          string   `json:"source_url"`
	CandidateCount     int      `json:"candidate_count"`
	ExtractedCount     int      `json:"extracted_count"`
	CurrenciesObserved []string `json:"currencies_observed,omitempty"`
}

// HashNormalized serializes a normalized structure to canonical JSON bytes
// and returns the hex sha256 plus the bytes. Struct field order is fixed by
// declaration and map keys are sorted by the encoder, so equal normalized
// data always hashes equal.
func HashNormalized(v any) (hash string, canonical []byte, err error) {
	canonical, err = json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}
