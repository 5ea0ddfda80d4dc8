// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfielding/spyglass/internal/models"
)

type stubBucket struct {
	denials int
	takes   int
}

func (b *stubBucket) TakeToken(ctx context.Context, name string, capacity int, window time.Duration) (bool, time.Duration, error) {
	b.takes++
	if b.takes <= b.denials {
		return false, time.Millisecond, nil
	}
	return true, 0, nil
}

func telegramEvent(title, body string) *models.NotificationEvent {
	payload, _ := json.Marshal(map[string]string{"title": title, "body": body})
	return &models.NotificationEvent{
		ID:      "event-1",
		Type:    models.NotifyTypeCompetitorChange,
		Payload: payload,
	}
}

func newTestTelegram(t *testing.T, handler http.HandlerFunc) (*TelegramSender, *stubBucket, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testNotifyConfig()
	cfg.TelegramBotToken = "test-token"
	cfg.TelegramMessagesPerSecond = 20

	bucket := &stubBucket{}
	sender := NewTelegramSender(cfg, bucket)
	sender.apiURL = srv.URL
	sender.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return sender, bucket, srv
}

func TestTelegramSend(t *testing.T) {
	var gotReq map[string]any
	sender, _, _ := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/bottest-token/sendMessage")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	})

	channel := models.NotificationChannel{ID: "ch-1", Kind: models.ChannelTelegram, Destination: "12345"}
	meta, err := sender.Send(context.Background(), channel, telegramEvent("Pricing changed", "Pro went from 49 to 59 USD"))
	require.NoError(t, err)
	assert.Equal(t, "42", meta["message_id"])
	assert.Equal(t, "12345", gotReq["chat_id"])
	assert.Contains(t, gotReq["text"], "*Pricing changed*")
	assert.Equal(t, "Markdown", gotReq["parse_mode"])
	assert.Equal(t, true, gotReq["disable_web_page_preview"], "link previews would bloat the chat")
}

func TestTelegramSendSplitsLongText(t *testing.T) {
	var texts []string
	sender, _, _ := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		texts = append(texts, req["text"].(string))
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	body := strings.Repeat("line of digest content\n", 300) // well past 4000 chars
	channel := models.NotificationChannel{ID: "ch-1", Kind: models.ChannelTelegram, Destination: "12345"}
	meta, err := sender.Send(context.Background(), channel, telegramEvent("Digest", body))
	require.NoError(t, err)
	assert.Greater(t, len(texts), 1)
	assert.Equal(t, "2", meta["parts"])
	for _, text := range texts {
		assert.LessOrEqual(t, len([]rune(text)), telegramMaxLen)
	}
}

func TestTelegramSendWaitsForBucket(t *testing.T) {
	sender, bucket, _ := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})
	bucket.denials = 2

	channel := models.NotificationChannel{ID: "ch-1", Kind: models.ChannelTelegram, Destination: "12345"}
	_, err := sender.Send(context.Background(), channel, telegramEvent("Hi", "short"))
	require.NoError(t, err)
	assert.Equal(t, 3, bucket.takes, "two denials then one grant")
}

func TestTelegramBlockedBotIsPermanent(t *testing.T) {
	sender, _, _ := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"description":"bot was blocked by the user"}`))
	})

	channel := models.NotificationChannel{ID: "ch-1", Kind: models.ChannelTelegram, Destination: "12345"}
	_, err := sender.Send(context.Background(), channel, telegramEvent("Hi", "short"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestSplitMessageShortTextUntouched(t *testing.T) {
	parts := SplitMessage("hello world", 4000)
	assert.Equal(t, []string{"hello world"}, parts)
}

func TestSplitMessagePrefersLineBoundary(t *testing.T) {
	text := "first line\nsecond line\nthird line"
	parts := SplitMessage(text, 24)
	require.Len(t, parts, 2)
	assert.Equal(t, "first line\nsecond line", parts[0])
	assert.Equal(t, "third line", parts[1])
}

func TestSplitMessageFallsBackToWordBoundary(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	parts := SplitMessage(text, 12)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 12)
		assert.False(t, strings.HasPrefix(p, " "))
		assert.False(t, strings.HasSuffix(p, " "))
	}
	assert.Equal(t, "alpha beta", parts[0])
}

func TestSplitMessageUnbreakableRunGetsEllipsis(t *testing.T) {
	text := strings.Repeat("x", 30)
	parts := SplitMessage(text, 10)
	require.Greater(t, len(parts), 1)
	assert.True(t, strings.HasSuffix(parts[0], telegramEllipsis))
	assert.LessOrEqual(t, len([]rune(parts[0])), 10)
}
