// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/models"
)

type stubNotifyStore struct {
	subs       []models.NotificationSubscription
	events     []*models.NotificationEvent
	deliveries []*models.NotificationDelivery
	active     map[string]*models.NotificationEvent // "user|type|key" -> surviving event
}

func (s *stubNotifyStore) ListSubscriptionsByType(ctx context.Context, t models.NotificationType) ([]models.NotificationSubscription, error) {
	var out []models.NotificationSubscription
	for _, sub := range s.subs {
		if sub.Type == t {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *stubNotifyStore) InsertEvent(ctx context.Context, e *models.NotificationEvent) error {
	if e.ID == "" {
		e.ID = "event-" + e.UserID
	}
	s.events = append(s.events, e)
	return nil
}

func (s *stubNotifyStore) GetActiveEvent(ctx context.Context, userID string, t models.NotificationType, key string) (*models.NotificationEvent, error) {
	e, ok := s.active[userID+"|"+string(t)+"|"+key]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e, nil
}

func (s *stubNotifyStore) CreateDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	s.deliveries = append(s.deliveries, d)
	return nil
}

type stubLocker struct {
	denied map[string]bool
	names  []string
}

func (l *stubLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.names = append(l.names, name)
	return !l.denied[name], nil
}

func testNotifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		DispatchBatch: 50,
		MaxRetries:    3,
		RetryBase:     time.Minute,
		RetryMax:      time.Hour,
		DedupTTL:      15 * time.Minute,
		EventTTL:      24 * time.Hour,
	}
}

func subscription(id, user, channel string, t models.NotificationType, minPriority float64) models.NotificationSubscription {
	return models.NotificationSubscription{
		ID: id, UserID: user, ChannelID: channel, Type: t,
		MinPriority: minPriority, Enabled: true,
	}
}

func TestPublishFansOutToMatchingUsers(t *testing.T) {
	store := &stubNotifyStore{subs: []models.NotificationSubscription{
		subscription("s1", "alice", "ch-a", models.NotifyTypeCompetitorChange, 0.2),
		subscription("s2", "bob", "ch-b", models.NotifyTypeCompetitorChange, 0.9),
	}}
	n := New(store, &stubLocker{}, testNotifyConfig())

	created, err := n.Publish(context.Background(), EventInput{
		Type:     models.NotifyTypeCompetitorChange,
		Priority: 0.5,
		DedupKey: "change-1",
		Payload:  map[string]string{"title": "Pricing changed"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1, "bob's priority floor filters him out")
	assert.Equal(t, "alice", created[0].UserID)
	assert.Equal(t, models.EventQueued, created[0].Status)
	require.Len(t, store.deliveries, 1)
	assert.Equal(t, "ch-a", store.deliveries[0].ChannelID)
	assert.Equal(t, models.DeliveryPending, store.deliveries[0].Status)
}

func TestPublishAppliesFilters(t *testing.T) {
	sub := subscription("s1", "alice", "ch-a", models.NotifyTypeNews, 0)
	sub.Filters = models.SubscriptionFilters{
		Categories: []models.Category{models.CategoryFunding},
		CompanyIDs: []string{"acme"},
	}
	store := &stubNotifyStore{subs: []models.NotificationSubscription{sub}}
	n := New(store, &stubLocker{}, testNotifyConfig())

	created, err := n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeNews, Priority: 0.8, DedupKey: "n1",
		Category: models.CategoryRelease, CompanyID: "acme",
	})
	require.NoError(t, err)
	assert.Empty(t, created, "category filter rejects release news")

	created, err = n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeNews, Priority: 0.8, DedupKey: "n2",
		Category: models.CategoryFunding, CompanyID: "acme",
	})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestPublishSuppressesActiveDuplicate(t *testing.T) {
	surviving := &models.NotificationEvent{
		ID: "ev-original", UserID: "alice",
		Type: models.NotifyTypeCompetitorChange, Status: models.EventQueued,
	}
	store := &stubNotifyStore{
		subs:   []models.NotificationSubscription{subscription("s1", "alice", "ch-a", models.NotifyTypeCompetitorChange, 0)},
		active: map[string]*models.NotificationEvent{"alice|competitor-change|change-1": surviving},
	}
	n := New(store, &stubLocker{}, testNotifyConfig())

	created, err := n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeCompetitorChange, Priority: 0.5, DedupKey: "change-1",
	})
	require.NoError(t, err)

	// The caller gets the event that already covers the change.
	require.Len(t, created, 1)
	assert.Equal(t, "ev-original", created[0].ID)

	// The duplicate persists as an audit row with no deliveries.
	require.Len(t, store.events, 1)
	assert.Equal(t, models.EventSuppressed, store.events[0].Status)
	assert.Equal(t, "change-1", store.events[0].DeduplicationKey)
	assert.Empty(t, store.deliveries)
}

func TestPublishSuppressedWhenLockHeld(t *testing.T) {
	locker := &stubLocker{denied: map[string]bool{
		"notify:alice:competitor-change:change-1": true,
	}}
	store := &stubNotifyStore{
		subs: []models.NotificationSubscription{subscription("s1", "alice", "ch-a", models.NotifyTypeCompetitorChange, 0)},
	}
	n := New(store, locker, testNotifyConfig())

	created, err := n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeCompetitorChange, Priority: 0.5, DedupKey: "change-1",
	})
	require.NoError(t, err)
	assert.Empty(t, created, "a concurrent publisher holds the dedup lock")
}

func TestPublishOneDeliveryPerChannel(t *testing.T) {
	subA := subscription("s1", "alice", "ch-a", models.NotifyTypeNews, 0)
	subB := subscription("s2", "alice", "ch-a", models.NotifyTypeNews, 0)
	subB.Filters = models.SubscriptionFilters{Topics: []models.Topic{models.TopicProduct}}
	store := &stubNotifyStore{subs: []models.NotificationSubscription{subA, subB}}
	n := New(store, &stubLocker{}, testNotifyConfig())

	created, err := n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeNews, Priority: 0.5, DedupKey: "n1", Topic: models.TopicProduct,
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Len(t, store.deliveries, 1, "two subscriptions on the same channel yield one delivery")
}

func TestPublishDevBypassSkipsPriorityFloor(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.DevBypassUsers = []string{"alice"}
	store := &stubNotifyStore{subs: []models.NotificationSubscription{
		subscription("s1", "alice", "ch-a", models.NotifyTypeNews, 0.9),
	}}
	n := New(store, &stubLocker{}, cfg)

	created, err := n.Publish(context.Background(), EventInput{
		Type: models.NotifyTypeNews, Priority: 0.1, DedupKey: "n1",
	})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}
