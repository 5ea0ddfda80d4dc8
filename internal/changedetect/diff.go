// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package changedetect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/models"
)

// diffSnapshots computes the typed per-kind diff between two comparable
// snapshots (same kind, same parser version, differing hashes).
func diffSnapshots(kind models.SnapshotKind, prev, cur json.RawMessage) ([]models.FieldChange, error) {
	switch kind {
	case models.SnapshotPricing:
		return diffPricing(prev, cur)
	case models.SnapshotStructure:
		return diffStructure(prev, cur)
	case models.SnapshotSEO:
		return diffSEO(prev, cur)
	case models.SnapshotJobs:
		return diffJobs(prev, cur)
	case models.SnapshotProducts:
		return diffProducts(prev, cur)
	case models.SnapshotBanners:
		return diffBanners(prev, cur)
	default:
		return nil, fmt.Errorf("no diff strategy for snapshot kind %s", kind)
	}
}

func diffPricing(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.PricingData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	// Plans key by lowercased name so a case-only rename on the page
	// reads as a price change, not an add plus a remove.
	prevPlans := map[string]models.PricingPlan{}
	for _, p := range prev.Plans {
		prevPlans[planKey(p.Plan)] = p
	}
	curPlans := map[string]models.PricingPlan{}
	for _, p := range cur.Plans {
		curPlans[planKey(p.Plan)] = p
	}

	var changes []models.FieldChange
	for _, name := range sortedKeys(curPlans) {
		c := curPlans[name]
		p, existed := prevPlans[name]
		if !existed {
			changes = append(changes, models.FieldChange{
				Type: models.ChangeAddedPlan, Plan: name,
				Price: c.Price, Currency: c.Currency, Billing: c.BillingCycle,
			})
			continue
		}
		if !priceEqual(p.Price, c.Price) || p.Currency != c.Currency || p.BillingCycle != c.BillingCycle {
			changes = append(changes, models.FieldChange{
				Type: models.ChangePriceChange, Plan: name,
				Previous: p.Price, Current: c.Price,
				Currency: c.Currency, Billing: c.BillingCycle,
			})
		}
	}
	for _, name := range sortedKeys(prevPlans) {
		if _, kept := curPlans[name]; !kept {
			p := prevPlans[name]
			changes = append(changes, models.FieldChange{
				Type: models.ChangeRemovedPlan, Plan: name,
				Price: p.Price, Currency: p.Currency, Billing: p.BillingCycle,
			})
		}
	}
	return changes, nil
}

func planKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func diffStructure(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.StructureData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	var changes []models.FieldChange

	prevNav := navSet(prev.NavLinks)
	curNav := navSet(cur.NavLinks)
	for _, url := range setAdded(prevNav, curNav) {
		changes = append(changes, models.FieldChange{Type: models.ChangeNavAdded, Item: url, To: curNav[url]})
	}
	for _, url := range setAdded(curNav, prevNav) {
		changes = append(changes, models.FieldChange{Type: models.ChangeNavRemoved, Item: url, From: prevNav[url]})
	}

	for _, page := range sortedBoolKeys(prev.KeyPages, cur.KeyPages) {
		was, is := prev.KeyPages[page], cur.KeyPages[page]
		if was != is {
			changes = append(changes, models.FieldChange{
				Type: models.ChangePagePresence, Field: page,
				From: presence(was), To: presence(is),
			})
		}
	}

	changes = append(changes, diffMetadata(prev.Metadata, cur.Metadata)...)

	for _, heading := range sortedStringKeys(prev.SectionHashes, cur.SectionHashes) {
		was, is := prev.SectionHashes[heading], cur.SectionHashes[heading]
		if was != is {
			changes = append(changes, models.FieldChange{
				Type: models.ChangeSectionHash, Field: heading, From: was, To: is,
			})
		}
	}
	return changes, nil
}

func diffSEO(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.SEOData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	changes := diffMetadata(prev.Meta, cur.Meta)

	if prevSet, curSet := joinSorted(prev.JSONLDTypes), joinSorted(cur.JSONLDTypes); prevSet != curSet {
		changes = append(changes, models.FieldChange{
			Type: models.ChangeJSONLDTypes, From: prevSet, To: curSet,
		})
	}
	if prevSet, curSet := joinSorted(prev.Sitemaps), joinSorted(cur.Sitemaps); prevSet != curSet {
		changes = append(changes, models.FieldChange{
			Type: models.ChangeSitemapSet, Field: "sitemaps", From: prevSet, To: curSet,
		})
	}
	if prev.SitemapURLCount != cur.SitemapURLCount {
		changes = append(changes, models.FieldChange{
			Type:  models.ChangeSitemapSet,
			Field: "sitemap_url_count",
			From:  fmt.Sprintf("%d", prev.SitemapURLCount),
			To:    fmt.Sprintf("%d", cur.SitemapURLCount),
		})
	}
	return changes, nil
}

func diffJobs(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.JobsData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	prevJobs := map[string]bool{}
	for _, j := range prev.Jobs {
		prevJobs[jobKey(j)] = true
	}
	curJobs := map[string]bool{}
	for _, j := range cur.Jobs {
		curJobs[jobKey(j)] = true
	}

	var changes []models.FieldChange
	for _, j := range cur.Jobs {
		if !prevJobs[jobKey(j)] {
			changes = append(changes, models.FieldChange{Type: models.ChangeItemAdded, Item: jobKey(j), To: j.URL})
		}
	}
	for _, j := range prev.Jobs {
		if !curJobs[jobKey(j)] {
			changes = append(changes, models.FieldChange{Type: models.ChangeItemRemoved, Item: jobKey(j)})
		}
	}
	return changes, nil
}

func diffProducts(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.ProductsData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	prevByName := map[string]models.Product{}
	for _, p := range prev.Products {
		prevByName[p.Name] = p
	}
	curByName := map[string]models.Product{}
	for _, p := range cur.Products {
		curByName[p.Name] = p
	}

	var changes []models.FieldChange
	for _, name := range sortedKeys(curByName) {
		c := curByName[name]
		p, existed := prevByName[name]
		switch {
		case !existed:
			changes = append(changes, models.FieldChange{Type: models.ChangeItemAdded, Item: name, To: c.URL})
		case p.Description != c.Description || p.URL != c.URL:
			changes = append(changes, models.FieldChange{Type: models.ChangeItemChanged, Item: name, From: p.Description, To: c.Description})
		}
	}
	for _, name := range sortedKeys(prevByName) {
		if _, kept := curByName[name]; !kept {
			changes = append(changes, models.FieldChange{Type: models.ChangeItemRemoved, Item: name})
		}
	}
	return changes, nil
}

func diffBanners(prevRaw, curRaw json.RawMessage) ([]models.FieldChange, error) {
	var prev, cur models.BannersData
	if err := decodeBoth(prevRaw, curRaw, &prev, &cur); err != nil {
		return nil, err
	}

	prevSet := map[string]bool{}
	for _, b := range prev.Banners {
		prevSet[b.Text] = true
	}
	curSet := map[string]bool{}
	for _, b := range cur.Banners {
		curSet[b.Text] = true
	}

	var changes []models.FieldChange
	for _, b := range cur.Banners {
		if !prevSet[b.Text] {
			changes = append(changes, models.FieldChange{Type: models.ChangeItemAdded, Item: b.Text, To: b.URL})
		}
	}
	for _, b := range prev.Banners {
		if !curSet[b.Text] {
			changes = append(changes, models.FieldChange{Type: models.ChangeItemRemoved, Item: b.Text})
		}
	}
	return changes, nil
}

// diffMetadata compares head metadata field by field, open-graph and
// twitter card properties included.
func diffMetadata(prev, cur models.PageMetadata) []models.FieldChange {
	var changes []models.FieldChange
	scalar := func(field, was, is string) {
		if was != is {
			changes = append(changes, models.FieldChange{
				Type: models.ChangeMetaField, Field: field, From: was, To: is,
			})
		}
	}
	scalar("title", prev.Title, cur.Title)
	scalar("description", prev.Description, cur.Description)
	scalar("keywords", prev.Keywords, cur.Keywords)
	for _, prop := range sortedStringKeys(prev.OpenGraph, cur.OpenGraph) {
		scalar("og:"+prop, prev.OpenGraph[prop], cur.OpenGraph[prop])
	}
	for _, prop := range sortedStringKeys(prev.Twitter, cur.Twitter) {
		scalar("twitter:"+prop, prev.Twitter[prop], cur.Twitter[prop])
	}
	return changes
}

// summarize renders a short human-readable digest of the diff.
func summarize(kind models.SnapshotKind, changes []models.FieldChange) string {
	if len(changes) == 0 {
		return fmt.Sprintf("%s content changed", kind)
	}
	parts := make([]string, 0, 3)
	for _, c := range changes {
		if len(parts) == 3 {
			break
		}
		parts = append(parts, describeChange(c))
	}
	summary := fmt.Sprintf("%s: %s", kind, strings.Join(parts, "; "))
	if extra := len(changes) - len(parts); extra > 0 {
		summary += fmt.Sprintf(" (+%d more)", extra)
	}
	return summary
}

func describeChange(c models.FieldChange) string {
	switch c.Type {
	case models.ChangePriceChange:
		return fmt.Sprintf("%s price %s -> %s %s", c.Plan, priceStr(c.Previous), priceStr(c.Current), c.Currency)
	case models.ChangeAddedPlan:
		return fmt.Sprintf("new plan %q at %s %s", c.Plan, priceStr(c.Price), c.Currency)
	case models.ChangeRemovedPlan:
		return fmt.Sprintf("plan %q removed", c.Plan)
	case models.ChangeNavAdded:
		return fmt.Sprintf("nav link added %s", c.Item)
	case models.ChangeNavRemoved:
		return fmt.Sprintf("nav link removed %s", c.Item)
	case models.ChangePagePresence:
		return fmt.Sprintf("%s page now %s", c.Field, c.To)
	case models.ChangeMetaField:
		return fmt.Sprintf("%s changed", c.Field)
	case models.ChangeJSONLDTypes:
		return "structured data types changed"
	case models.ChangeSitemapSet:
		return fmt.Sprintf("%s changed", c.Field)
	case models.ChangeSectionHash:
		return fmt.Sprintf("section %q changed", c.Field)
	case models.ChangeItemAdded:
		return fmt.Sprintf("added %q", c.Item)
	case models.ChangeItemRemoved:
		return fmt.Sprintf("removed %q", c.Item)
	case models.ChangeItemChanged:
		return fmt.Sprintf("%q changed", c.Item)
	default:
		return string(c.Type)
	}
}

func decodeBoth(prevRaw, curRaw json.RawMessage, prev, cur any) error {
	if err := json.Unmarshal(prevRaw, prev); err != nil {
		return fmt.Errorf("decode previous payload: %w", err)
	}
	if err := json.Unmarshal(curRaw, cur); err != nil {
		return fmt.Errorf("decode current payload: %w", err)
	}
	return nil
}

func priceEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func priceStr(p *float64) string {
	if p == nil {
		return "contact"
	}
	return fmt.Sprintf("%g", *p)
}

func presence(present bool) string {
	if present {
		return "present"
	}
	return "absent"
}

func jobKey(j models.JobPosting) string {
	if j.Location == "" {
		return j.Name
	}
	return j.Name + " @ " + j.Location
}

func navSet(links []models.NavLink) map[string]string {
	out := make(map[string]string, len(links))
	for _, l := range links {
		out[l.URL] = l.Text
	}
	return out
}

// setAdded returns keys in b that are missing from a, sorted.
func setAdded(a, b map[string]string) []string {
	var out []string
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringKeys(a, b map[string]string) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	return sortedKeys(seen)
}

func sortedBoolKeys(a, b map[string]bool) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	return sortedKeys(seen)
}

func joinSorted(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
