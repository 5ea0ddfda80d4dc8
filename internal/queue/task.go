// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package queue carries typed crawl and notification tasks over
// Watermill on an embedded NATS JetStream broker.
package queue

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topics. Crawl work is isolated from notification fan-out so a slow
// scrape never starves Telegram sends.
const (
	TopicDefault   = "tasks.default"
	TopicScraping  = "tasks.scraping"
	TopicAnalytics = "tasks.analytics"
	TopicTelegram  = "tasks.telegram"
)

// Task names.
const (
	TaskCrawlSource    = "crawl.source"     // args: company_id, source_kind
	TaskObserveSurface = "observe.surface"  // args: company_id, source_kind
	TaskDispatchEvent  = "notify.dispatch"  // args: event_id
	TaskSendTelegram   = "telegram.send"    // args: delivery_id
	TaskRecomputeEvent = "change.recompute" // args: change_event_id
	TaskSendDigest     = "digest.send"      // args: user_id
)

// Task is the wire envelope for one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       []string        `json:"args,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a task envelope with a fresh ID.
func NewTask(name string, args ...string) Task {
	return Task{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// WithPayload attaches a JSON payload to the task.
func (t Task) WithPayload(v any) (Task, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return t, fmt.Errorf("marshal task payload: %w", err)
	}
	t.Payload = raw
	return t, nil
}

// Message converts the task to a Watermill message. The task ID doubles
// as the message UUID so JetStream deduplication keys on it.
func (t Task) Message() (*message.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	msg := message.NewMessage(t.ID, data)
	msg.Metadata.Set("task_name", t.Name)
	return msg, nil
}

// TaskFromMessage decodes the task envelope out of a Watermill message.
func TaskFromMessage(msg *message.Message) (Task, error) {
	var t Task
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		return Task{}, fmt.Errorf("unmarshal task %s: %w", msg.UUID, err)
	}
	if t.Name == "" {
		return Task{}, fmt.Errorf("task %s has no name", msg.UUID)
	}
	return t, nil
}
