// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/pfielding/spyglass/internal/models"
)

// PricingResult is the full output of the pricing parser.
type PricingResult struct {
	Data          models.PricingData
	Warnings      []string
	Metadata      ExtractionMetadata
	ParserVersion string
}

// planCardClasses mark plan-card candidates.
var planCardClasses = []string{"plan", "pricing", "tier", "package", "bundle", "card"}

// priceIndicatorRe matches currency symbols, ISO codes, or free/contact
// keywords anywhere in a candidate's text.
var priceIndicatorRe = regexp.MustCompile(`(?i)([$€£¥₹]|C\$|A\$|US\$|\b(USD|EUR|GBP|JPY|INR|CAD|AUD|CHF|SEK|NOK|DKK)\b|\bfree\b|\bcontact\b|\bcustom\b|\bquote\b)`)

// priceRe captures an optional currency token, the amount, and an optional
// billing cycle token. Multi-character symbols come before "$" so "C$49"
// resolves to CAD, not USD.
var priceRe = regexp.MustCompile(`(?i)(C\$|A\$|US\$|[$€£¥₹]|\b(?:USD|EUR|GBP|JPY|INR|CAD|AUD|CHF|SEK|NOK|DKK)\b)?\s*(\d[\d.,\s]*)\s*(?:/\s*|per[\s-]*)?(month|mo\b|year|yr\b|annual|quarter|week|day|user|seat|member|credit|prompt|request)?`)

var (
	freeRe    = regexp.MustCompile(`(?i)\bfree\b`)
	contactRe = regexp.MustCompile(`(?i)\b(contact|custom|quote)\b`)
)

// symbolCurrencies maps unambiguous currency tokens to ISO 4217 codes.
var symbolCurrencies = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₹":   "INR",
	"C$":  "CAD",
	"A$":  "AUD",
	"CHF": "CHF",
}

// isoCurrencies are accepted as-is when they appear in context.
var isoCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "INR": true,
	"CAD": true, "AUD": true, "CHF": true, "SEK": true, "NOK": true, "DKK": true,
}

// billingCycles is the closed mapping from cycle tokens to the normalized
// vocabulary.
var billingCycles = map[string]models.BillingCycle{
	"month": models.BillingMonthly, "mo": models.BillingMonthly, "monthly": models.BillingMonthly,
	"year": models.BillingAnnual, "yr": models.BillingAnnual, "annual": models.BillingAnnual, "annually": models.BillingAnnual,
	"quarter": models.BillingQuarterly, "quarterly": models.BillingQuarterly,
	"week": models.BillingWeekly, "weekly": models.BillingWeekly,
	"day": models.BillingDaily, "daily": models.BillingDaily,
	"lifetime": models.BillingLifetime,
	"once":     models.BillingOneTime, "one-time": models.BillingOneTime, "one_time": models.BillingOneTime,
	"user": models.BillingPerUser, "seat": models.BillingPerUser, "member": models.BillingPerUser,
	"credit": models.BillingUsageBased, "prompt": models.BillingUsageBased, "request": models.BillingUsageBased, "usage": models.BillingUsageBased,
}

// ParsePricing extracts normalized pricing plans from an HTML document.
// Deterministic: identical input yields identical output, so the data hash
// of the result is stable under PricingParserVersion.
func ParsePricing(doc, sourceURL string) (*PricingResult, error) {
	root, err := parseDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("parse pricing html: %w", err)
	}

	res := &PricingResult{
		ParserVersion: PricingParserVersion,
		Metadata:      ExtractionMetadata{SourceURL: sourceURL},
	}

	candidates := collectPlanCandidates(root)
	res.Metadata.CandidateCount = len(candidates)

	currencies := map[string]bool{}
	var plans []models.PricingPlan
	for _, c := range candidates {
		plan, warns := extractPlan(c)
		res.Warnings = append(res.Warnings, warns...)
		if plan.Plan == "" {
			continue
		}
		if plan.Currency != "" {
			currencies[plan.Currency] = true
		}
		plans = append(plans, plan)
	}

	tablePlans, tableWarns := parsePricingTables(root, currencies)
	res.Warnings = append(res.Warnings, tableWarns...)
	plans = mergePlans(plans, tablePlans)

	if len(plans) == 0 {
		res.Warnings = append(res.Warnings, "no pricing plans detected")
	}

	res.Data.Plans = plans
	res.Metadata.ExtractedCount = len(plans)
	for c := range currencies {
		res.Metadata.CurrenciesObserved = append(res.Metadata.CurrenciesObserved, c)
	}
	sort.Strings(res.Metadata.CurrenciesObserved)
	return res, nil
}

// collectPlanCandidates finds plan-card elements: class contains a plan
// marker and the text carries a price indicator. Candidates that contain
// other candidates are dropped so wrapper sections are not double-counted.
func collectPlanCandidates(root *html.Node) []*html.Node {
	raw := findAll(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode &&
			classContainsAny(n, planCardClasses...) &&
			priceIndicatorRe.MatchString(nodeText(n))
	})

	var out []*html.Node
	for _, a := range raw {
		wraps := false
		for _, b := range raw {
			if a != b && isAncestor(a, b) {
				wraps = true
				break
			}
		}
		if !wraps {
			out = append(out, a)
		}
	}
	return out
}

// extractPlan builds one plan from a candidate card.
func extractPlan(card *html.Node) (models.PricingPlan, []string) {
	var warns []string
	plan := models.PricingPlan{Plan: extractPlanName(card)}
	if plan.Plan == "" {
		return plan, warns
	}

	priceText := extractPriceText(card)
	price, label, currency, cycle, ok := parsePriceText(priceText)
	if !ok {
		warns = append(warns, fmt.Sprintf("unparsable price for plan %q: %q", plan.Plan, truncate(priceText, 60)))
	}
	plan.Price = price
	plan.PriceLabel = label
	plan.Currency = currency
	plan.BillingCycle = cycle
	plan.Features = extractFeatures(card)
	return plan, warns
}

// extractPlanName takes the first heading (max 80 chars) or a
// data-plan/data-tier attribute.
func extractPlanName(card *html.Node) string {
	if h := firstHeadingText(card); h != "" && len(h) <= 80 {
		return h
	}
	if v := attr(card, "data-plan"); v != "" {
		return v
	}
	if v := attr(card, "data-tier"); v != "" {
		return v
	}
	return ""
}

// extractPriceText finds the price-bearing text of a card: a child with a
// price-ish class, else the first paragraph with a price indicator, else
// the card's own text.
func extractPriceText(card *html.Node) string {
	if n := findFirst(card, func(n *html.Node) bool {
		return n != card && n.Type == html.ElementNode &&
			classContainsAny(n, "price", "cost", "amount")
	}); n != nil {
		return nodeText(n)
	}
	if p := findFirst(card, func(n *html.Node) bool {
		return isElement(n, "p") && priceIndicatorRe.MatchString(nodeText(n))
	}); p != nil {
		return nodeText(p)
	}
	return nodeText(card)
}

// parsePriceText normalizes a price string. Recognition order: free,
// contact/custom/quote, then the numeric price regex.
func parsePriceText(text string) (price *float64, label models.PriceLabel, currency string, cycle models.BillingCycle, ok bool) {
	if freeRe.MatchString(text) {
		zero := 0.0
		return &zero, models.PriceLabelFree, "", "", true
	}
	if contactRe.MatchString(text) {
		return nil, models.PriceLabelContact, "", "", true
	}
	if m := priceRe.FindStringSubmatch(text); m != nil && m[2] != "" {
		amount, err := normalizeAmount(m[2])
		if err == nil {
			currency = normalizeCurrency(m[1], text)
			cycle = normalizeBillingCycle(m[3])
			return &amount, models.PriceLabelNumeric, currency, cycle, true
		}
	}
	return nil, "", "", "", false
}

// normalizeAmount collapses thousand and decimal separators: when both ","
// and "." appear the last one is the decimal separator; a lone "," is a
// decimal separator.
func normalizeAmount(raw string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	// Trim a trailing separator left by text like "49."
	s = strings.TrimRight(s, ".")
	return strconv.ParseFloat(s, 64)
}

// normalizeCurrency resolves a captured currency token, falling back to any
// ISO code present in the surrounding context.
func normalizeCurrency(token, context string) string {
	token = strings.TrimSpace(token)
	if iso, ok := symbolCurrencies[token]; ok {
		return iso
	}
	if isoCurrencies[strings.ToUpper(token)] {
		return strings.ToUpper(token)
	}
	for _, word := range strings.Fields(strings.ToUpper(context)) {
		if isoCurrencies[word] {
			return word
		}
	}
	return ""
}

func normalizeBillingCycle(token string) models.BillingCycle {
	return billingCycles[strings.ToLower(strings.TrimSpace(token))]
}

// extractFeatures collects feature bullets: lists with a feature-ish class
// and at least two items, or bare lists labeled by an immediately preceding
// heading-like sibling.
func extractFeatures(card *html.Node) []models.PlanFeature {
	var features []models.PlanFeature
	lists := findAll(card, func(n *html.Node) bool {
		return isElement(n, "ul", "ol")
	})
	for _, list := range lists {
		items := findAll(list, func(n *html.Node) bool { return isElement(n, "li") })
		if len(items) < 2 {
			continue
		}
		group := ""
		if !classContainsAny(list, "feature", "benefit", "include") {
			group = headingSiblingText(list)
			if group == "" {
				continue
			}
		}
		for _, li := range items {
			if text := nodeText(li); text != "" {
				features = append(features, models.PlanFeature{Text: text, Group: group})
			}
		}
	}
	return features
}

// headingSiblingText returns the text of a heading-like element immediately
// preceding n, skipping whitespace-only text nodes.
func headingSiblingText(n *html.Node) string {
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.TextNode && strings.TrimSpace(prev.Data) == "" {
			continue
		}
		if isElement(prev, "h1", "h2", "h3", "h4", "h5", "h6", "strong", "b") {
			return nodeText(prev)
		}
		return ""
	}
	return ""
}

// parsePricingTables extracts plans from comparison tables: the header row
// names the plans per column, each body row's first cell is a feature
// label, and numeric cells set the plan price when unset or append a
// "table"-grouped feature otherwise.
func parsePricingTables(root *html.Node, currencies map[string]bool) ([]models.PricingPlan, []string) {
	var warns []string
	var out []models.PricingPlan

	for _, table := range findAll(root, func(n *html.Node) bool { return isElement(n, "table") }) {
		rows := findAll(table, func(n *html.Node) bool { return isElement(n, "tr") })
		if len(rows) < 2 {
			continue
		}

		headerCells := findAll(rows[0], func(n *html.Node) bool { return isElement(n, "th", "td") })
		if len(headerCells) < 2 {
			continue
		}
		// Column 0 is the feature-label column.
		plans := make([]*models.PricingPlan, 0, len(headerCells)-1)
		for _, cell := range headerCells[1:] {
			name := nodeText(cell)
			if name == "" {
				plans = append(plans, nil)
				continue
			}
			plans = append(plans, &models.PricingPlan{Plan: name})
		}

		recognized := false
		for _, row := range rows[1:] {
			cells := findAll(row, func(n *html.Node) bool { return isElement(n, "th", "td") })
			if len(cells) < 2 {
				continue
			}
			label := nodeText(cells[0])
			for i, cell := range cells[1:] {
				if i >= len(plans) || plans[i] == nil {
					continue
				}
				text := nodeText(cell)
				if text == "" {
					continue
				}
				if price, _, currency, cycle, ok := parsePriceText(text); ok && price != nil {
					recognized = true
					if plans[i].Price == nil && plans[i].PriceLabel == "" {
						plans[i].Price = price
						plans[i].Currency = currency
						plans[i].BillingCycle = cycle
						if currency != "" {
							currencies[currency] = true
						}
						continue
					}
				}
				plans[i].Features = append(plans[i].Features, models.PlanFeature{
					Text:  strings.TrimSpace(label + ": " + text),
					Group: "table",
				})
				recognized = true
			}
		}
		if !recognized {
			warns = append(warns, "pricing table with no recognizable values")
			continue
		}
		for _, p := range plans {
			if p != nil {
				out = append(out, *p)
			}
		}
	}
	return out, warns
}

// mergePlans deduplicates by lowercased plan name, preferring the first
// non-nil price and the richer feature list.
func mergePlans(groups ...[]models.PricingPlan) []models.PricingPlan {
	var order []string
	merged := map[string]*models.PricingPlan{}

	for _, group := range groups {
		for i := range group {
			p := group[i]
			key := strings.ToLower(strings.TrimSpace(p.Plan))
			if key == "" {
				continue
			}
			existing, ok := merged[key]
			if !ok {
				cp := p
				merged[key] = &cp
				order = append(order, key)
				continue
			}
			if existing.Price == nil && existing.PriceLabel != models.PriceLabelContact && p.Price != nil {
				existing.Price = p.Price
				existing.PriceLabel = p.PriceLabel
				existing.Currency = p.Currency
				existing.BillingCycle = p.BillingCycle
			}
			if len(p.Features) > len(existing.Features) {
				existing.Features = p.Features
			}
		}
	}

	out := make([]models.PricingPlan, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
