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

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
)

// telegramMaxLen is our split threshold, under the Bot API's 4096 hard
// limit to leave room for continuation markers.
const telegramMaxLen = 4000

const telegramEllipsis = "…"

// TokenBucket is the shared per-bot rate limit. All chats share one bot
// credential, so the bucket is global, not per chat.
type TokenBucket interface {
	TakeToken(ctx context.Context, name string, capacity int, window time.Duration) (ok bool, wait time.Duration, err error)
}

// TelegramSender delivers messages through the Bot API.
type TelegramSender struct {
	cfg    config.NotifyConfig
	client *http.Client
	bucket TokenBucket
	apiURL string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTelegramSender builds the Telegram sender.
func NewTelegramSender(cfg config.NotifyConfig, bucket TokenBucket) *TelegramSender {
	return &TelegramSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		bucket: bucket,
		apiURL: "https://api.telegram.org",
		sleep:  sleepCtx,
	}
}

// Kind implements Sender.
func (t *TelegramSender) Kind() models.ChannelKind { return models.ChannelTelegram }

// Send renders the event and delivers it to the chat in the channel
// destination, splitting long texts across messages.
func (t *TelegramSender) Send(ctx context.Context, channel models.NotificationChannel, event *models.NotificationEvent) (map[string]string, error) {
	if t.cfg.TelegramBotToken == "" {
		return nil, Permanent(fmt.Errorf("telegram bot token not configured"))
	}

	text := renderText(event)
	parts := SplitMessage(text, telegramMaxLen)

	var lastMessageID string
	for _, part := range parts {
		if err := t.waitForSlot(ctx); err != nil {
			return nil, err
		}
		id, err := t.sendOne(ctx, channel.Destination, part)
		if err != nil {
			return nil, err
		}
		lastMessageID = id
	}
	return map[string]string{"message_id": lastMessageID, "parts": fmt.Sprintf("%d", len(parts))}, nil
}

// waitForSlot blocks on the shared per-bot bucket.
func (t *TelegramSender) waitForSlot(ctx context.Context) error {
	capacity := int(t.cfg.TelegramMessagesPerSecond)
	if capacity <= 0 {
		capacity = 20
	}
	for {
		ok, wait, err := t.bucket.TakeToken(ctx, "telegram:bot", capacity, time.Second)
		if err != nil {
			return fmt.Errorf("telegram rate bucket: %w", err)
		}
		if ok {
			return nil
		}
		metrics.TelegramRateWaits.Inc()
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (t *TelegramSender) sendOne(ctx context.Context, chatID, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.cfg.TelegramBotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		// Malformed chat ID or the user blocked the bot; retrying is futile.
		return "", Permanent(fmt.Errorf("telegram rejected message: %s: %s", resp.Status, payload))
	default:
		return "", fmt.Errorf("telegram send failed: %s: %s", resp.Status, payload)
	}

	var apiResp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &apiResp); err != nil || !apiResp.OK {
		return "", fmt.Errorf("telegram response not ok: %s", payload)
	}
	return fmt.Sprintf("%d", apiResp.Result.MessageID), nil
}

// SplitMessage splits text into chunks of at most maxLen runes. Splits
// prefer line boundaries, then word boundaries; only a single word
// longer than maxLen is cut mid-word with an ellipsis.
func SplitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var parts []string
	for len(runes) > maxLen {
		cut := lastBoundary(runes[:maxLen])
		if cut <= 0 {
			// One unbreakable run; cut hard and mark the continuation.
			parts = append(parts, string(runes[:maxLen-1])+telegramEllipsis)
			runes = runes[maxLen-1:]
			continue
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// lastBoundary finds the best split point: the last newline, else the
// last space.
func lastBoundary(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

// renderText extracts the displayable text of an event payload. Falls
// back to the raw payload for unknown shapes.
func renderText(event *models.NotificationEvent) string {
	var msg struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(event.Payload, &msg); err == nil && (msg.Title != "" || msg.Body != "") {
		var b strings.Builder
		if msg.Title != "" {
			b.WriteString("*")
			b.WriteString(msg.Title)
			b.WriteString("*\n")
		}
		b.WriteString(msg.Body)
		if msg.URL != "" {
			b.WriteString("\n")
			b.WriteString(msg.URL)
		}
		return b.String()
	}
	return string(event.Payload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
