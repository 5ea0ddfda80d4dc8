// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{Path: ":memory:", Threads: 1, MaxMemory: "256MB"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestCompany(t *testing.T, db *DB, owner, website string) *models.Company {
	t.Helper()
	c := &models.Company{
		OwnerID: owner,
		Name:    "Acme",
		Website: website,
		Handles: map[string]string{"github": "acme"},
	}
	require.NoError(t, db.CreateCompany(context.Background(), c))
	return c
}

func TestCompanyCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c := newTestCompany(t, db, "u1", "https://www.acme.example/")

	got, err := db.GetCompany(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Name)
	require.Equal(t, "acme", got.Handles["github"])

	got.Name = "Acme Corp"
	require.NoError(t, db.UpdateCompany(ctx, got))

	list, err := db.ListCompaniesByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Acme Corp", list[0].Name)

	_, err = db.GetCompany(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompanyUniquePerOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	newTestCompany(t, db, "u1", "https://acme.example")
	// Same normalized website for the same owner must fail.
	err := db.CreateCompany(ctx, &models.Company{OwnerID: "u1", Name: "Dup", Website: "http://www.acme.example/"})
	require.Error(t, err)
	// A different owner may track the same website.
	require.NoError(t, db.CreateCompany(ctx, &models.Company{OwnerID: "u2", Name: "Other", Website: "https://acme.example"}))
}

func TestListOwnedCompaniesSkipsGlobal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	newTestCompany(t, db, "u1", "https://acme.example")
	newTestCompany(t, db, "", "https://globex.example")

	owned, err := db.ListOwnedCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	all, err := db.ListCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteCompanyCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c := newTestCompany(t, db, "u1", "https://acme.example")
	profile, err := db.EnsureProfile(ctx, c.ID, models.SourceBlog)
	require.NoError(t, err)
	run, err := db.OpenRun(ctx, profile.ID, "")
	require.NoError(t, err)
	_ = run

	inserted, err := db.InsertNewsItem(ctx, &models.NewsItem{
		CompanyID: c.ID, Title: "T", SourceURL: "https://acme.example/blog/t",
		SourceKind: models.SourceBlog, Category: models.CategoryNews, Topic: models.TopicOther,
		Sentiment: models.SentimentNeutral, PublishedAt: time.Now(),
	}, []models.NewsKeyword{{Keyword: "acme", Relevance: 1}})
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, db.DeleteCompany(ctx, c.ID))

	_, err = db.GetProfile(ctx, c.ID, models.SourceBlog)
	require.ErrorIs(t, err, ErrNotFound)
	items, err := db.ListNewsSince(ctx, time.Now().Add(-time.Hour), nil, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestInsertNewsItemDeduplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	item := func() *models.NewsItem {
		return &models.NewsItem{
			Title: "Launch", SourceURL: "https://acme.example/blog/launch",
			SourceKind: models.SourceBlog, Category: models.CategoryRelease,
			Topic: models.TopicProduct, Sentiment: models.SentimentPositive,
			PriorityScore: 0.8, PublishedAt: time.Now(),
		}
	}
	first, err := db.InsertNewsItem(ctx, item(), nil)
	require.NoError(t, err)
	require.True(t, first)

	second, err := db.InsertNewsItem(ctx, item(), nil)
	require.NoError(t, err)
	require.False(t, second, "duplicate source_url must be a no-op")
}

func TestPruneNewsBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := &models.NewsItem{Title: "Old", SourceURL: "https://a.example/old",
		SourceKind: models.SourceBlog, Category: models.CategoryNews, Topic: models.TopicOther,
		Sentiment: models.SentimentNeutral, PublishedAt: time.Now().Add(-8 * 30 * 24 * time.Hour)}
	fresh := &models.NewsItem{Title: "Fresh", SourceURL: "https://a.example/fresh",
		SourceKind: models.SourceBlog, Category: models.CategoryNews, Topic: models.TopicOther,
		Sentiment: models.SentimentNeutral, PublishedAt: time.Now()}

	_, err := db.InsertNewsItem(ctx, old, []models.NewsKeyword{{Keyword: "old", Relevance: 1}})
	require.NoError(t, err)
	_, err = db.InsertNewsItem(ctx, fresh, nil)
	require.NoError(t, err)

	n, err := db.PruneNewsBefore(ctx, time.Now().Add(-6*30*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	kws, err := db.NewsKeywords(ctx, old.ID)
	require.NoError(t, err)
	require.Empty(t, kws)
}

func newTestSnapshot(companyID, url, hash string) *models.Snapshot {
	return &models.Snapshot{
		CompanyID: companyID, SourceURL: url, Kind: models.SnapshotPricing,
		DataHash: hash, NormalizedData: json.RawMessage(`{"plans":[]}`),
		ParserVersion: "pricing-v2", ProcessingStatus: models.ProcessingSuccess,
		ExtractedAt: time.Now(),
	}
}

func TestLatestSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")
	url := "https://acme.example/pricing"

	_, err := db.LatestSnapshot(ctx, c.ID, url, models.SnapshotPricing, "pricing-v2")
	require.ErrorIs(t, err, ErrNotFound)

	first := newTestSnapshot(c.ID, url, "aaa")
	first.ExtractedAt = time.Now().Add(-time.Hour)
	require.NoError(t, db.InsertSnapshot(ctx, first))

	second := newTestSnapshot(c.ID, url, "bbb")
	require.NoError(t, db.InsertSnapshot(ctx, second))

	failed := newTestSnapshot(c.ID, url, "ccc")
	failed.ProcessingStatus = models.ProcessingError
	failed.ExtractedAt = time.Now().Add(time.Minute)
	require.NoError(t, db.InsertSnapshot(ctx, failed))

	latest, err := db.LatestSnapshot(ctx, c.ID, url, models.SnapshotPricing, "pricing-v2")
	require.NoError(t, err)
	require.Equal(t, "bbb", latest.DataHash, "only successful snapshots are comparable")
}

func newTestEvent(db *DB, t *testing.T, companyID string) *models.ChangeEvent {
	t.Helper()
	prev := newTestSnapshot(companyID, "https://acme.example/pricing", "aaa")
	cur := newTestSnapshot(companyID, "https://acme.example/pricing", "bbb")
	require.NoError(t, db.InsertSnapshot(context.Background(), prev))
	require.NoError(t, db.InsertSnapshot(context.Background(), cur))

	e := &models.ChangeEvent{
		CompanyID: companyID, Kind: models.SourcePricing,
		ChangeSummary: "Pro price changed",
		ChangedFields: []models.FieldChange{{Type: models.ChangePriceChange, Plan: "Pro"}},
		CurrentSnapshotID: cur.ID, PreviousSnapshotID: prev.ID,
		ProcessingStatus: models.ProcessingSuccess, NotificationStatus: models.NotifyPending,
		DetectedAt: time.Now(),
	}
	require.NoError(t, db.InsertChangeEvent(context.Background(), e))
	return e
}

func TestChangeEventListFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")

	e := newTestEvent(db, t, c.ID)
	require.NoError(t, db.SetChangeEventNotificationStatus(ctx, e.ID, models.NotifyFailed))

	failed, err := db.ListChangeEvents(ctx, ChangeEventFilter{NotificationStatus: models.NotifyFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	pending, err := db.ListChangeEvents(ctx, ChangeEventFilter{NotificationStatus: models.NotifyPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSentChangeEventsImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")
	e := newTestEvent(db, t, c.ID)

	require.NoError(t, db.SetChangeEventNotificationStatus(ctx, e.ID, models.NotifySent))

	e.ChangeSummary = "rewritten"
	err := db.RewriteChangeEvent(ctx, e)
	require.ErrorIs(t, err, ErrImmutable, "sent events are never rewritten")

	err = db.SetChangeEventNotificationStatus(ctx, e.ID, models.NotifyPending)
	require.ErrorIs(t, err, ErrImmutable)
}

func TestProfileRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")

	p, err := db.EnsureProfile(ctx, c.ID, models.SourcePricing)
	require.NoError(t, err)
	require.Equal(t, models.ModeChangeDetection, p.Mode)

	// A second ensure returns the same row.
	again, err := db.EnsureProfile(ctx, c.ID, models.SourcePricing)
	require.NoError(t, err)
	require.Equal(t, p.ID, again.ID)

	require.NoError(t, db.UpdateProfileRun(ctx, p.ID, false, false, ""))
	require.NoError(t, db.UpdateProfileRun(ctx, p.ID, true, false, "h1"))
	p, err = db.GetProfile(ctx, c.ID, models.SourcePricing)
	require.NoError(t, err)
	require.Zero(t, p.ConsecutiveFailures, "success resets the failure streak")
	require.Equal(t, 1, p.ConsecutiveNoChange)

	require.NoError(t, db.UpdateProfileRun(ctx, p.ID, true, true, "h2"))
	p, err = db.GetProfile(ctx, c.ID, models.SourcePricing)
	require.NoError(t, err)
	require.Zero(t, p.ConsecutiveNoChange, "detected change resets the no-change streak")
	require.Equal(t, "h2", p.LastContentHash)
}

func TestCloseRunTerminalImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")
	p, err := db.EnsureProfile(ctx, c.ID, models.SourceBlog)
	require.NoError(t, err)

	run, err := db.OpenRun(ctx, p.ID, "")
	require.NoError(t, err)

	require.Error(t, db.CloseRun(ctx, run.ID, models.RunRunning, 0, false, ""))
	require.NoError(t, db.CloseRun(ctx, run.ID, models.RunSuccess, 3, true, ""))
	require.ErrorIs(t, db.CloseRun(ctx, run.ID, models.RunFailed, 0, false, "late"), ErrImmutable)
}

func TestSweepStaleRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := newTestCompany(t, db, "u1", "https://acme.example")
	p, err := db.EnsureProfile(ctx, c.ID, models.SourceBlog)
	require.NoError(t, err)

	stale, err := db.OpenRun(ctx, p.ID, "")
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx,
		"UPDATE crawl_runs SET started_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour).UTC(), stale.ID)
	require.NoError(t, err)

	fresh, err := db.OpenRun(ctx, p.ID, "")
	require.NoError(t, err)
	_ = fresh

	n, err := db.SweepStaleRuns(ctx, time.Now().Add(-30*time.Minute), "deadline exceeded")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestScheduleUpsertByScope(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &models.CrawlSchedule{
		Scope: models.ScopeSourceKind, ScopeKey: "blog",
		FrequencySeconds: 900, Enabled: true,
	}
	require.NoError(t, db.UpsertSchedule(ctx, s))

	s2 := &models.CrawlSchedule{
		Scope: models.ScopeSourceKind, ScopeKey: "blog",
		FrequencySeconds: 600, Enabled: true,
	}
	require.NoError(t, db.UpsertSchedule(ctx, s2))

	list, err := db.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "(scope, scope_key) is unique")
	require.Equal(t, 600, list[0].FrequencySeconds)
}

func TestSubscriptionChannelOwnership(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ch := &models.NotificationChannel{UserID: "u1", Kind: models.ChannelEmail, Destination: "u1@example.com", Verified: true}
	require.NoError(t, db.CreateChannel(ctx, ch))

	err := db.CreateSubscription(ctx, &models.NotificationSubscription{
		UserID: "u2", ChannelID: ch.ID, Type: models.NotifyTypeNews, Enabled: true,
	})
	require.Error(t, err, "a subscription's channel must belong to the same user")

	require.NoError(t, db.CreateSubscription(ctx, &models.NotificationSubscription{
		UserID: "u1", ChannelID: ch.ID, Type: models.NotifyTypeNews, Enabled: true,
	}))

	subs, err := db.ListSubscriptionsByType(ctx, models.NotifyTypeNews)
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestListSubscriptionsSkipsUnverifiedChannels(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ch := &models.NotificationChannel{UserID: "u1", Kind: models.ChannelTelegram, Destination: "12345"}
	require.NoError(t, db.CreateChannel(ctx, ch))
	require.NoError(t, db.CreateSubscription(ctx, &models.NotificationSubscription{
		UserID: "u1", ChannelID: ch.ID, Type: models.NotifyTypeCompetitorChange, Enabled: true,
	}))

	subs, err := db.ListSubscriptionsByType(ctx, models.NotifyTypeCompetitorChange)
	require.NoError(t, err)
	require.Empty(t, subs, "unverified channels do not receive deliveries")

	require.NoError(t, db.SetChannelState(ctx, ch.ID, true, false))
	subs, err = db.ListSubscriptionsByType(ctx, models.NotifyTypeCompetitorChange)
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestActiveEventDeduplication(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := &models.NotificationEvent{
		UserID: "u1", Type: models.NotifyTypeNews, Priority: 0.5,
		Payload: json.RawMessage(`{}`), DeduplicationKey: "news:abc",
		Status: models.EventQueued,
	}
	require.NoError(t, db.InsertEvent(ctx, e))

	active, err := db.GetActiveEvent(ctx, "u1", models.NotifyTypeNews, "news:abc")
	require.NoError(t, err)
	require.Equal(t, e.ID, active.ID)

	require.NoError(t, db.SetEventStatus(ctx, e.ID, models.EventDelivered))
	_, err = db.GetActiveEvent(ctx, "u1", models.NotifyTypeNews, "news:abc")
	require.ErrorIs(t, err, ErrNotFound, "terminal events do not participate in dedup")
}

func TestDeliveryClaimAndImmutability(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := &models.NotificationEvent{UserID: "u1", Type: models.NotifyTypeNews,
		Payload: json.RawMessage(`{}`), Status: models.EventQueued}
	require.NoError(t, db.InsertEvent(ctx, e))
	ch := &models.NotificationChannel{UserID: "u1", Kind: models.ChannelEmail, Destination: "u@example.com", Verified: true}
	require.NoError(t, db.CreateChannel(ctx, ch))

	d := &models.NotificationDelivery{EventID: e.ID, ChannelID: ch.ID, Status: models.DeliveryPending}
	require.NoError(t, db.CreateDelivery(ctx, d))

	due, err := db.ClaimDueDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Retrying with a future next_retry_at is not yet due.
	future := time.Now().Add(time.Hour)
	d.Status = models.DeliveryRetrying
	d.Attempt = 1
	d.NextRetryAt = &future
	require.NoError(t, db.UpdateDelivery(ctx, d))

	due, err = db.ClaimDueDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	d.Status = models.DeliverySent
	d.NextRetryAt = nil
	require.NoError(t, db.UpdateDelivery(ctx, d))

	d.Status = models.DeliveryFailed
	err = db.UpdateDelivery(ctx, d)
	require.ErrorIs(t, err, ErrImmutable, "terminal deliveries are immutable")
}

func TestMarkDigestSentMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertPreferences(ctx, &models.DigestPreferences{
		UserID: "u1", Enabled: true, Frequency: models.DigestDaily,
		Format: models.DigestFormatMarkdown, TimeOfDay: "09:00", Timezone: "Europe/Berlin",
	}))

	t1 := time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	require.NoError(t, db.MarkDigestSent(ctx, "u1", t1))

	err := db.MarkDigestSent(ctx, "u1", t0)
	require.True(t, errors.Is(err, ErrNotFound), "earlier stamp must not overwrite a later one")

	p, err := db.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	require.True(t, p.LastSentUTC.Equal(t1))
}

func TestGetPreferencesDefaults(t *testing.T) {
	db := newTestDB(t)
	p, err := db.GetPreferences(context.Background(), "unknown")
	require.NoError(t, err)
	require.Equal(t, "09:00", p.TimeOfDay)
	require.Equal(t, "UTC", p.Timezone)
	require.False(t, p.Enabled)
}
