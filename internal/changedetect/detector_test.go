// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package changedetect

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/parsers"
)

type memStore struct {
	snapshots map[string]*models.Snapshot
	events    map[string]*models.ChangeEvent
	sent      map[string]bool // event IDs locked as sent
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: map[string]*models.Snapshot{},
		events:    map[string]*models.ChangeEvent{},
		sent:      map[string]bool{},
	}
}

func (m *memStore) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	cp := *s
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *memStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	s, ok := m.snapshots[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (m *memStore) LatestSnapshot(ctx context.Context, companyID, sourceURL string, kind models.SnapshotKind, parserVersion string) (*models.Snapshot, error) {
	var latest *models.Snapshot
	for _, s := range m.snapshots {
		if s.CompanyID != companyID || s.SourceURL != sourceURL || s.Kind != kind {
			continue
		}
		if s.ProcessingStatus != models.ProcessingSuccess {
			continue
		}
		if parserVersion != "" && s.ParserVersion != parserVersion {
			continue
		}
		if latest == nil || s.ExtractedAt.After(latest.ExtractedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	return latest, nil
}

func (m *memStore) InsertChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memStore) GetChangeEvent(ctx context.Context, id string) (*models.ChangeEvent, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e, nil
}

func (m *memStore) RewriteChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	if m.sent[e.ID] {
		return database.ErrImmutable
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

// fixedCapturer returns preloaded snapshots in order.
type fixedCapturer struct {
	queue []*models.Snapshot
}

func (f *fixedCapturer) Capture(ctx context.Context, company models.Company, kind models.SourceKind) (*models.Snapshot, error) {
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, nil
}

func pricingSnapshot(t *testing.T, id, version string, plans ...models.PricingPlan) *models.Snapshot {
	t.Helper()
	hash, canonical, err := parsers.HashNormalized(models.PricingData{Plans: plans})
	require.NoError(t, err)
	return &models.Snapshot{
		ID:               id,
		CompanyID:        "acme",
		SourceURL:        "https://acme.test/pricing",
		Kind:             models.SnapshotPricing,
		DataHash:         hash,
		NormalizedData:   json.RawMessage(canonical),
		ParserVersion:    version,
		ProcessingStatus: models.ProcessingSuccess,
		ExtractedAt:      time.Now().UTC(),
	}
}

func ptr(v float64) *float64 { return &v }

func TestObserveFirstSnapshotNoEvent(t *testing.T) {
	store := newMemStore()
	snap := pricingSnapshot(t, "s1", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(49)})
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{snap}})

	event, err := d.Observe(context.Background(), models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	assert.Nil(t, event, "first observation seeds the baseline")
	assert.Contains(t, store.snapshots, "s1")
}

func TestObserveNoChangeNoEvent(t *testing.T) {
	store := newMemStore()
	plan := models.PricingPlan{Plan: "Pro", Price: ptr(49), Currency: "USD"}
	first := pricingSnapshot(t, "s1", "pricing-v2", plan)
	second := pricingSnapshot(t, "s2", "pricing-v2", plan)
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{first, second}})

	_, err := d.Observe(context.Background(), models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	event, err := d.Observe(context.Background(), models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Empty(t, store.events)
}

func TestObservePricingChangeEmitsEvent(t *testing.T) {
	store := newMemStore()
	first := pricingSnapshot(t, "s1", "pricing-v2",
		models.PricingPlan{Plan: "Pro", Price: ptr(49), Currency: "USD", BillingCycle: models.BillingMonthly},
		models.PricingPlan{Plan: "Starter", Price: ptr(9), Currency: "USD", BillingCycle: models.BillingMonthly})
	second := pricingSnapshot(t, "s2", "pricing-v2",
		models.PricingPlan{Plan: "Pro", Price: ptr(59), Currency: "USD", BillingCycle: models.BillingMonthly},
		models.PricingPlan{Plan: "Enterprise", Price: nil, Currency: "", BillingCycle: ""})
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{first, second}})

	ctx := context.Background()
	_, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	event, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, models.NotifyPending, event.NotificationStatus)
	assert.Equal(t, "s2", event.CurrentSnapshotID)
	assert.Equal(t, "s1", event.PreviousSnapshotID)

	byType := map[models.ChangeType]models.FieldChange{}
	for _, c := range event.ChangedFields {
		byType[c.Type] = c
	}
	require.Len(t, event.ChangedFields, 3)

	price := byType[models.ChangePriceChange]
	assert.Equal(t, "Pro", price.Plan)
	assert.Equal(t, 49.0, *price.Previous)
	assert.Equal(t, 59.0, *price.Current)

	assert.Equal(t, "Enterprise", byType[models.ChangeAddedPlan].Plan)
	assert.Equal(t, "Starter", byType[models.ChangeRemovedPlan].Plan)
	assert.Contains(t, event.ChangeSummary, "Pro price 49 -> 59 USD")
}

func TestObserveParserVersionResetsBaseline(t *testing.T) {
	store := newMemStore()
	first := pricingSnapshot(t, "s1", "pricing-v1", models.PricingPlan{Plan: "Pro", Price: ptr(49)})
	second := pricingSnapshot(t, "s2", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(59)})
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{first, second}})

	ctx := context.Background()
	_, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	event, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	assert.Nil(t, event, "snapshots from different parser versions are not comparable")
}

func TestRecomputeRewritesPendingEvent(t *testing.T) {
	store := newMemStore()
	first := pricingSnapshot(t, "s1", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(49), Currency: "USD"})
	second := pricingSnapshot(t, "s2", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(59), Currency: "USD"})
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{first, second}})

	ctx := context.Background()
	_, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	event, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	require.NotNil(t, event)

	rebuilt, err := d.Recompute(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, rebuilt.ID)
	assert.Equal(t, event.ChangedFields, rebuilt.ChangedFields)
	assert.Equal(t, event.DetectedAt, rebuilt.DetectedAt, "recompute keeps the original detection time")
}

func TestRecomputeSentEventImmutable(t *testing.T) {
	store := newMemStore()
	first := pricingSnapshot(t, "s1", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(49)})
	second := pricingSnapshot(t, "s2", "pricing-v2", models.PricingPlan{Plan: "Pro", Price: ptr(59)})
	d := New(store, &fixedCapturer{queue: []*models.Snapshot{first, second}})

	ctx := context.Background()
	_, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	event, err := d.Observe(ctx, models.Company{ID: "acme"}, models.SourcePricing)
	require.NoError(t, err)
	store.sent[event.ID] = true

	_, err = d.Recompute(ctx, event.ID)
	assert.ErrorIs(t, err, database.ErrImmutable)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDiffPricingPlanKeysAreCaseInsensitive(t *testing.T) {
	prev := mustJSON(t, models.PricingData{Plans: []models.PricingPlan{
		{Plan: "Pro", Price: ptr(49), Currency: "USD"},
	}})
	cur := mustJSON(t, models.PricingData{Plans: []models.PricingPlan{
		{Plan: "PRO", Price: ptr(59), Currency: "USD"},
	}})

	changes, err := diffSnapshots(models.SnapshotPricing, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	assert.Equal(t, models.ChangePriceChange, changes[0].Type)
	assert.Equal(t, "pro", changes[0].Plan)
	assert.Equal(t, ptr(49), changes[0].Previous)
	assert.Equal(t, ptr(59), changes[0].Current)
}

func TestDiffPricingTrimsPlanNames(t *testing.T) {
	prev := mustJSON(t, models.PricingData{Plans: []models.PricingPlan{
		{Plan: " Starter ", Price: ptr(9)},
	}})
	cur := mustJSON(t, models.PricingData{Plans: []models.PricingPlan{
		{Plan: "Starter", Price: ptr(9)},
		{Plan: "Team", Price: ptr(29)},
	}})

	changes, err := diffSnapshots(models.SnapshotPricing, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeAddedPlan, changes[0].Type)
	assert.Equal(t, "team", changes[0].Plan)
}

func TestDiffStructure(t *testing.T) {
	prev := mustJSON(t, models.StructureData{
		NavLinks:      []models.NavLink{{URL: "/pricing", Text: "Pricing"}},
		KeyPages:      map[string]bool{"pricing": true, "careers": false},
		Metadata:      models.PageMetadata{Title: "Acme"},
		SectionHashes: map[string]string{"Hero": "aaa"},
	})
	cur := mustJSON(t, models.StructureData{
		NavLinks:      []models.NavLink{{URL: "/pricing", Text: "Pricing"}, {URL: "/careers", Text: "Careers"}},
		KeyPages:      map[string]bool{"pricing": true, "careers": true},
		Metadata:      models.PageMetadata{Title: "Acme - Ship Faster"},
		SectionHashes: map[string]string{"Hero": "bbb"},
	})

	changes, err := diffSnapshots(models.SnapshotStructure, prev, cur)
	require.NoError(t, err)

	types := map[models.ChangeType]int{}
	for _, c := range changes {
		types[c.Type]++
	}
	assert.Equal(t, 1, types[models.ChangeNavAdded])
	assert.Equal(t, 1, types[models.ChangePagePresence])
	assert.Equal(t, 1, types[models.ChangeMetaField])
	assert.Equal(t, 1, types[models.ChangeSectionHash])
}

func TestDiffSEO(t *testing.T) {
	prev := mustJSON(t, models.SEOData{
		Meta:            models.PageMetadata{Description: "old"},
		JSONLDTypes:     []string{"Organization"},
		Sitemaps:        []string{"https://acme.test/sitemap.xml"},
		SitemapURLCount: 10,
	})
	cur := mustJSON(t, models.SEOData{
		Meta:            models.PageMetadata{Description: "new"},
		JSONLDTypes:     []string{"Organization", "Product"},
		Sitemaps:        []string{"https://acme.test/sitemap.xml"},
		SitemapURLCount: 14,
	})

	changes, err := diffSnapshots(models.SnapshotSEO, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	types := map[models.ChangeType]bool{}
	for _, c := range changes {
		types[c.Type] = true
	}
	assert.True(t, types[models.ChangeMetaField])
	assert.True(t, types[models.ChangeJSONLDTypes])
	assert.True(t, types[models.ChangeSitemapSet])
}

func TestDiffJobsKeyedByNameAndLocation(t *testing.T) {
	prev := mustJSON(t, models.JobsData{Jobs: []models.JobPosting{
		{Name: "Backend Engineer", Location: "Berlin"},
		{Name: "Designer", Location: "Remote"},
	}})
	cur := mustJSON(t, models.JobsData{Jobs: []models.JobPosting{
		{Name: "Backend Engineer", Location: "Berlin"},
		{Name: "Backend Engineer", Location: "Lisbon"},
	}})

	changes, err := diffSnapshots(models.SnapshotJobs, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	var added, removed string
	for _, c := range changes {
		switch c.Type {
		case models.ChangeItemAdded:
			added = c.Item
		case models.ChangeItemRemoved:
			removed = c.Item
		}
	}
	assert.Equal(t, "Backend Engineer @ Lisbon", added, "same title in a new location is a new posting")
	assert.Equal(t, "Designer @ Remote", removed)
}

func TestDiffProducts(t *testing.T) {
	prev := mustJSON(t, models.ProductsData{Products: []models.Product{
		{Name: "Widget", Description: "v1"},
	}})
	cur := mustJSON(t, models.ProductsData{Products: []models.Product{
		{Name: "Widget", Description: "v2"},
		{Name: "Gadget"},
	}})

	changes, err := diffSnapshots(models.SnapshotProducts, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeItemChanged, changes[1].Type)
	assert.Equal(t, "Widget", changes[1].Item)
	assert.Equal(t, models.ChangeItemAdded, changes[0].Type)
	assert.Equal(t, "Gadget", changes[0].Item)
}

func TestDiffBanners(t *testing.T) {
	prev := mustJSON(t, models.BannersData{Banners: []models.Banner{{Text: "Summer sale"}}})
	cur := mustJSON(t, models.BannersData{Banners: []models.Banner{{Text: "Black Friday -50%"}}})

	changes, err := diffSnapshots(models.SnapshotBanners, prev, cur)
	require.NoError(t, err)
	require.Len(t, changes, 2)
}
