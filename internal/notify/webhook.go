// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/models"
)

// WebhookSender POSTs event payloads to user-supplied URLs. It backs
// the webhook, slack and zapier channel kinds; only the body shape
// differs.
type WebhookSender struct {
	kind   models.ChannelKind
	client *http.Client
}

// NewWebhookSender builds a sender for one webhook-family channel kind.
func NewWebhookSender(kind models.ChannelKind) *WebhookSender {
	return &WebhookSender{
		kind:   kind,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Kind implements Sender.
func (w *WebhookSender) Kind() models.ChannelKind { return w.kind }

// Send POSTs the event to the channel destination URL. The
// Idempotency-Key header lets receivers drop replayed deliveries.
func (w *WebhookSender) Send(ctx context.Context, channel models.NotificationChannel, event *models.NotificationEvent) (map[string]string, error) {
	body, err := w.body(event)
	if err != nil {
		return nil, Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.Destination, strings.NewReader(string(body)))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", event.ID, channel.ID))
	req.Header.Set("User-Agent", "spyglass-notify/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024)) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return map[string]string{"status_code": fmt.Sprintf("%d", resp.StatusCode)}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, Permanent(fmt.Errorf("webhook rejected: %s", resp.Status))
	default:
		return nil, fmt.Errorf("webhook failed: %s", resp.Status)
	}
}

// body shapes the payload per receiver family. Slack expects {"text"},
// zapier and plain webhooks get the typed envelope.
func (w *WebhookSender) body(event *models.NotificationEvent) ([]byte, error) {
	if w.kind == models.ChannelSlack {
		return json.Marshal(map[string]string{"text": renderText(event)})
	}
	return json.Marshal(map[string]any{
		"event_id": event.ID,
		"type":     string(event.Type),
		"priority": event.Priority,
		"payload":  event.Payload,
		"created":  event.CreatedAt.UTC().Format(time.RFC3339),
	})
}
