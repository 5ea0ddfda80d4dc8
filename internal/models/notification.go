// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// ChannelKind is a delivery endpoint type.
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "email"
	ChannelTelegram ChannelKind = "telegram"
	ChannelWebhook  ChannelKind = "webhook"
	ChannelSlack    ChannelKind = "slack"
	ChannelZapier   ChannelKind = "zapier"
)

// NotificationChannel is a per-user delivery endpoint.
// (user, kind, destination) is unique.
type NotificationChannel struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Kind        ChannelKind `json:"kind"`
	Destination string      `json:"destination"` // address, chat id, webhook URL

	Verified bool              `json:"verified"`
	Disabled bool              `json:"disabled"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NotificationType is the logical event family a subscription matches.
type NotificationType string

const (
	NotifyTypeCompetitorChange NotificationType = "competitor-change"
	NotifyTypeNews             NotificationType = "news"
	NotifyTypeDailyTrend       NotificationType = "daily-trend"
	NotifyTypeDigest           NotificationType = "digest"
)

// SubscriptionFilters narrows which events a subscription matches.
// Empty slices match everything.
type SubscriptionFilters struct {
	Topics      []Topic      `json:"topics,omitempty"`
	Categories  []Category   `json:"categories,omitempty"`
	SourceKinds []SourceKind `json:"source_kinds,omitempty"`
	CompanyIDs  []string     `json:"company_ids,omitempty"`
}

// NotificationSubscription is a per-user routing rule. Its channel must
// belong to the same user.
type NotificationSubscription struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	ChannelID string           `json:"channel_id"`
	Type      NotificationType `json:"type"`

	Filters     SubscriptionFilters `json:"filters"`
	MinPriority float64             `json:"min_priority"` // [0,1]
	Frequency   string              `json:"frequency,omitempty"`
	Enabled     bool                `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
}

// EventStatus is the lifecycle state of a notification event.
type EventStatus string

const (
	EventQueued     EventStatus = "queued"
	EventDispatched EventStatus = "dispatched"
	EventDelivered  EventStatus = "delivered"
	EventFailed     EventStatus = "failed"
	EventSuppressed EventStatus = "suppressed"
	EventExpired    EventStatus = "expired"
)

// Active reports whether the status participates in deduplication.
func (s EventStatus) Active() bool {
	return s == EventQueued || s == EventDispatched
}

// NotificationEvent is a logical event queued for delivery. While active
// and unexpired, at most one event per (user, type, dedup key) exists.
type NotificationEvent struct {
	ID     string           `json:"id"`
	UserID string           `json:"user_id"`
	Type   NotificationType `json:"type"`

	Priority         float64         `json:"priority"` // [0,1]
	Payload          json.RawMessage `json:"payload"`
	DeduplicationKey string          `json:"deduplication_key,omitempty"`

	Status       EventStatus `json:"status"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DeliveryStatus is the lifecycle state of one (event, channel) delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
	DeliveryRetrying  DeliveryStatus = "retrying"
)

// Terminal reports whether the delivery status is final and immutable.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryCancelled
}

// NotificationDelivery is one attempt record per (event, channel).
// Attempt is monotone; terminal status is immutable.
type NotificationDelivery struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	ChannelID string `json:"channel_id"`

	Status        DeliveryStatus `json:"status"`
	Attempt       int            `json:"attempt"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`

	ResponseMetadata map[string]string `json:"response_metadata,omitempty"`
	Error            string            `json:"error,omitempty"`
}
