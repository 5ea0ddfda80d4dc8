// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package notify fans detected changes and high-priority news out to
// per-user channels. The unit of work is a NotificationEvent; one
// delivery row exists per (event, subscribed channel) and is retried
// independently.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
)

// Store is the persistence surface the notifier needs.
type Store interface {
	ListSubscriptionsByType(ctx context.Context, t models.NotificationType) ([]models.NotificationSubscription, error)
	InsertEvent(ctx context.Context, e *models.NotificationEvent) error
	GetActiveEvent(ctx context.Context, userID string, t models.NotificationType, dedupKey string) (*models.NotificationEvent, error)
	CreateDelivery(ctx context.Context, d *models.NotificationDelivery) error
}

// Locker guards event creation against concurrent task replays.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// EventInput describes one logical notification before fan-out.
type EventInput struct {
	Type     models.NotificationType
	Priority float64 // [0,1]
	DedupKey string
	Payload  any

	// Matching dimensions for subscription filters.
	Topic      models.Topic
	Category   models.Category
	SourceKind models.SourceKind
	CompanyID  string
}

// Notifier creates notification events and their per-channel deliveries.
type Notifier struct {
	store Store
	locks Locker
	cfg   config.NotifyConfig

	now func() time.Time
}

// New builds a notifier.
func New(store Store, locks Locker, cfg config.NotifyConfig) *Notifier {
	return &Notifier{store: store, locks: locks, cfg: cfg, now: time.Now}
}

// Publish fans one logical event out to every user with a matching
// subscription. Per user, an active unexpired event with the same
// (type, dedup key) suppresses the new one: the duplicate is persisted
// with status suppressed, gets no deliveries, and the surviving event
// is returned in its place. A KV lock closes the race between
// concurrent publishes of the same dedup key.
func (n *Notifier) Publish(ctx context.Context, in EventInput) ([]models.NotificationEvent, error) {
	subs, err := n.store.ListSubscriptionsByType(ctx, in.Type)
	if err != nil {
		return nil, fmt.Errorf("list %s subscriptions: %w", in.Type, err)
	}

	byUser := map[string][]models.NotificationSubscription{}
	for _, sub := range subs {
		if n.matches(sub, in) {
			byUser[sub.UserID] = append(byUser[sub.UserID], sub)
		}
	}
	if len(byUser) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	var created []models.NotificationEvent
	for userID, userSubs := range byUser {
		event, err := n.createForUser(ctx, userID, in, payload, userSubs)
		if err != nil {
			return created, err
		}
		if event != nil {
			created = append(created, *event)
		}
	}
	return created, nil
}

func (n *Notifier) createForUser(ctx context.Context, userID string, in EventInput, payload json.RawMessage, subs []models.NotificationSubscription) (*models.NotificationEvent, error) {
	if in.DedupKey != "" {
		lockName := fmt.Sprintf("notify:%s:%s:%s", userID, in.Type, in.DedupKey)
		acquired, err := n.locks.AcquireLock(ctx, lockName, n.cfg.DedupTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire dedup lock: %w", err)
		}
		if !acquired {
			metrics.NotificationEventsSuppressed.WithLabelValues(string(in.Type)).Inc()
			return nil, nil
		}

		active, err := n.store.GetActiveEvent(ctx, userID, in.Type, in.DedupKey)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("check active events: %w", err)
		}
		if active != nil {
			// Keep an audit row for the duplicate and point the caller
			// at the event that already covers it.
			dup := &models.NotificationEvent{
				UserID:           userID,
				Type:             in.Type,
				Priority:         in.Priority,
				Payload:          payload,
				DeduplicationKey: in.DedupKey,
				Status:           models.EventSuppressed,
			}
			if err := n.store.InsertEvent(ctx, dup); err != nil {
				return nil, fmt.Errorf("insert suppressed event: %w", err)
			}
			metrics.NotificationEventsSuppressed.WithLabelValues(string(in.Type)).Inc()
			logging.Debug().
				Str("user_id", userID).
				Str("dedup_key", in.DedupKey).
				Str("active_event_id", active.ID).
				Msg("Duplicate notification suppressed")
			return active, nil
		}
	}

	expires := n.now().UTC().Add(n.cfg.EventTTL)
	event := &models.NotificationEvent{
		UserID:           userID,
		Type:             in.Type,
		Priority:         in.Priority,
		Payload:          payload,
		DeduplicationKey: in.DedupKey,
		Status:           models.EventQueued,
		ExpiresAt:        &expires,
	}
	if err := n.store.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	metrics.NotificationEventsCreated.WithLabelValues(string(in.Type)).Inc()

	// One delivery per distinct channel; two subscriptions routed at the
	// same channel still produce one message.
	seen := map[string]bool{}
	for _, sub := range subs {
		if seen[sub.ChannelID] {
			continue
		}
		seen[sub.ChannelID] = true
		d := &models.NotificationDelivery{
			EventID:   event.ID,
			ChannelID: sub.ChannelID,
			Status:    models.DeliveryPending,
		}
		if err := n.store.CreateDelivery(ctx, d); err != nil {
			return nil, fmt.Errorf("create delivery: %w", err)
		}
	}

	logging.Debug().
		Str("user_id", userID).
		Str("type", string(in.Type)).
		Str("event_id", event.ID).
		Int("channels", len(seen)).
		Msg("Notification event queued")
	return event, nil
}

// matches applies the subscription's priority floor and filters. A dev
// bypass user skips the priority floor, not the filters.
func (n *Notifier) matches(sub models.NotificationSubscription, in EventInput) bool {
	if in.Priority < sub.MinPriority && !n.bypassed(sub.UserID) {
		return false
	}
	f := sub.Filters
	if len(f.Topics) > 0 && !containsVal(f.Topics, in.Topic) {
		return false
	}
	if len(f.Categories) > 0 && !containsVal(f.Categories, in.Category) {
		return false
	}
	if len(f.SourceKinds) > 0 && !containsVal(f.SourceKinds, in.SourceKind) {
		return false
	}
	if len(f.CompanyIDs) > 0 && !containsVal(f.CompanyIDs, in.CompanyID) {
		return false
	}
	return true
}

func (n *Notifier) bypassed(userID string) bool {
	for _, id := range n.cfg.DevBypassUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func containsVal[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
