// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// ChangeType discriminates a typed diff entry.
type ChangeType string

const (
	ChangePriceChange  ChangeType = "price_change"
	ChangeAddedPlan    ChangeType = "added_plan"
	ChangeRemovedPlan  ChangeType = "removed_plan"
	ChangeNavAdded     ChangeType = "nav_added"
	ChangeNavRemoved   ChangeType = "nav_removed"
	ChangePagePresence ChangeType = "page_presence"
	ChangeMetaField    ChangeType = "meta_change"
	ChangeJSONLDTypes  ChangeType = "jsonld_change"
	ChangeSitemapSet   ChangeType = "sitemap_change"
	ChangeSectionHash  ChangeType = "section_change"
	ChangeItemAdded    ChangeType = "item_added"
	ChangeItemRemoved  ChangeType = "item_removed"
	ChangeItemChanged  ChangeType = "item_changed"
)

// FieldChange is one typed diff entry in a change event. Only the fields
// relevant to the change type are populated.
type FieldChange struct {
	Type ChangeType `json:"type"`

	// Pricing diffs.
	Plan     string       `json:"plan,omitempty"`
	Previous *float64     `json:"previous,omitempty"`
	Current  *float64     `json:"current,omitempty"`
	Price    *float64     `json:"price,omitempty"`
	Currency string       `json:"currency,omitempty"`
	Billing  BillingCycle `json:"billing,omitempty"`

	// Structure/SEO/set diffs.
	Field string `json:"field,omitempty"` // meta field, page name, section heading
	Item  string `json:"item,omitempty"`  // nav link, job key, product/banner name
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// NotificationStatus tracks the downstream fate of a change event.
type NotificationStatus string

const (
	NotifyPending NotificationStatus = "pending"
	NotifySent    NotificationStatus = "sent"
	NotifyFailed  NotificationStatus = "failed"
	NotifySkipped NotificationStatus = "skipped"
)

// ChangeEvent is a detected delta between two comparable snapshots.
// Invariant: the two snapshots' data hashes differ.
type ChangeEvent struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	Kind      SourceKind   `json:"source_kind"`

	ChangeSummary string          `json:"change_summary"`
	ChangedFields []FieldChange   `json:"changed_fields"`
	RawDiff       json.RawMessage `json:"raw_diff,omitempty"`

	CurrentSnapshotID  string `json:"current_snapshot_id"`
	PreviousSnapshotID string `json:"previous_snapshot_id"`

	ProcessingStatus   ProcessingStatus   `json:"processing_status"`
	NotificationStatus NotificationStatus `json:"notification_status"`

	DetectedAt time.Time `json:"detected_at"`
}
