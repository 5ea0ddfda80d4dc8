// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/models"
)

type stubDispatchStore struct {
	events     map[string]*models.NotificationEvent
	channels   map[string]*models.NotificationChannel
	deliveries map[string]*models.NotificationDelivery
	statuses   map[string]models.EventStatus
}

func newStubDispatchStore() *stubDispatchStore {
	return &stubDispatchStore{
		events:     map[string]*models.NotificationEvent{},
		channels:   map[string]*models.NotificationChannel{},
		deliveries: map[string]*models.NotificationDelivery{},
		statuses:   map[string]models.EventStatus{},
	}
}

func (s *stubDispatchStore) ClaimDueDeliveries(ctx context.Context, limit int) ([]models.NotificationDelivery, error) {
	var out []models.NotificationDelivery
	for _, d := range s.deliveries {
		if d.Status == models.DeliveryPending || d.Status == models.DeliveryRetrying {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *stubDispatchStore) GetDelivery(ctx context.Context, id string) (*models.NotificationDelivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *stubDispatchStore) UpdateDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Status.Terminal() {
		return database.ErrImmutable
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *stubDispatchStore) DeliveryStatusesForEvent(ctx context.Context, eventID string) ([]models.DeliveryStatus, error) {
	var out []models.DeliveryStatus
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			out = append(out, d.Status)
		}
	}
	return out, nil
}

func (s *stubDispatchStore) GetEvent(ctx context.Context, id string) (*models.NotificationEvent, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e, nil
}

func (s *stubDispatchStore) GetChannel(ctx context.Context, id string) (*models.NotificationChannel, error) {
	c, ok := s.channels[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return c, nil
}

func (s *stubDispatchStore) SetEventStatus(ctx context.Context, id string, status models.EventStatus) error {
	s.statuses[id] = status
	return nil
}

// flakySender fails a configured number of times before succeeding.
type flakySender struct {
	kind      models.ChannelKind
	failures  int
	permanent bool
	calls     int
}

func (f *flakySender) Kind() models.ChannelKind { return f.kind }

func (f *flakySender) Send(ctx context.Context, channel models.NotificationChannel, event *models.NotificationEvent) (map[string]string, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.permanent {
			return nil, Permanent(errors.New("rejected"))
		}
		return nil, errors.New("temporarily unavailable")
	}
	return map[string]string{"ok": "1"}, nil
}

func seedDelivery(s *stubDispatchStore, kind models.ChannelKind) *models.NotificationDelivery {
	payload, _ := json.Marshal(map[string]string{"title": "t", "body": "b"})
	s.events["ev-1"] = &models.NotificationEvent{
		ID: "ev-1", UserID: "alice", Type: models.NotifyTypeCompetitorChange,
		Status: models.EventQueued, Payload: payload,
	}
	s.channels["ch-1"] = &models.NotificationChannel{
		ID: "ch-1", UserID: "alice", Kind: kind, Destination: "dest", Verified: true,
	}
	d := &models.NotificationDelivery{ID: "d-1", EventID: "ev-1", ChannelID: "ch-1", Status: models.DeliveryPending}
	s.deliveries["d-1"] = d
	return d
}

func newTestDispatcher(store *stubDispatchStore, senders ...Sender) *Dispatcher {
	d := NewDispatcher(store, NewSenders(senders...), testNotifyConfig())
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestDispatcherDeliversAndRollsUp(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	sender := &flakySender{kind: models.ChannelWebhook}
	d := newTestDispatcher(store, sender)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DeliverySent, store.deliveries["d-1"].Status)
	assert.Equal(t, models.EventDelivered, store.statuses["ev-1"])
	assert.Equal(t, map[string]string{"ok": "1"}, store.deliveries["d-1"].ResponseMetadata)
}

func TestDispatchOneDeliversSingleDelivery(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelTelegram)
	sender := &flakySender{kind: models.ChannelTelegram}
	d := newTestDispatcher(store, sender)

	require.NoError(t, d.DispatchOne(context.Background(), "d-1"))
	assert.Equal(t, models.DeliverySent, store.deliveries["d-1"].Status)
	assert.Equal(t, 1, sender.calls)
}

func TestDispatchOneTerminalDeliveryIsNoop(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelTelegram)
	store.deliveries["d-1"].Status = models.DeliveryFailed
	sender := &flakySender{kind: models.ChannelTelegram}
	d := newTestDispatcher(store, sender)

	require.NoError(t, d.DispatchOne(context.Background(), "d-1"))
	assert.Zero(t, sender.calls)
}

func TestDispatchOneUnknownDelivery(t *testing.T) {
	d := newTestDispatcher(newStubDispatchStore(), &flakySender{kind: models.ChannelTelegram})
	assert.Error(t, d.DispatchOne(context.Background(), "missing"))
}

func TestDispatcherSchedulesRetryWithBackoff(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	sender := &flakySender{kind: models.ChannelWebhook, failures: 10}
	d := newTestDispatcher(store, sender)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	got := store.deliveries["d-1"]
	assert.Equal(t, models.DeliveryRetrying, got.Status)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, d.now().Add(time.Minute), *got.NextRetryAt, "first retry after RetryBase")

	// Second attempt doubles the backoff.
	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	got = store.deliveries["d-1"]
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, d.now().Add(2*time.Minute), *got.NextRetryAt)
}

func TestDispatcherExhaustsRetryBudget(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	sender := &flakySender{kind: models.ChannelWebhook, failures: 10}
	d := newTestDispatcher(store, sender)

	// The budget allows exactly MaxRetries attempts: the first two
	// failures schedule retries, the third fails the delivery.
	for i := 0; i < 2; i++ {
		_, err := d.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryRetrying, store.deliveries["d-1"].Status)
	}
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	got := store.deliveries["d-1"]
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Equal(t, 3, got.Attempt, "failed on the MaxRetries-th attempt")
	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, models.EventFailed, store.statuses["ev-1"])

	// Terminal deliveries never come back.
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherPermanentFailureSkipsRetries(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	sender := &flakySender{kind: models.ChannelWebhook, failures: 10, permanent: true}
	d := newTestDispatcher(store, sender)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, store.deliveries["d-1"].Status)
	assert.Equal(t, 1, sender.calls)
}

func TestDispatcherCancelsUndeliverableChannel(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	store.channels["ch-1"].Verified = false
	sender := &flakySender{kind: models.ChannelWebhook}
	d := newTestDispatcher(store, sender)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCancelled, store.deliveries["d-1"].Status)
	assert.Zero(t, sender.calls)
}

func TestDispatcherCancelsExpiredEvent(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	store.events["ev-1"].Status = models.EventExpired
	sender := &flakySender{kind: models.ChannelWebhook}
	d := newTestDispatcher(store, sender)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCancelled, store.deliveries["d-1"].Status)
	assert.Zero(t, sender.calls)
}

func TestDispatcherMarksPartialProgressDispatched(t *testing.T) {
	store := newStubDispatchStore()
	seedDelivery(store, models.ChannelWebhook)
	store.channels["ch-2"] = &models.NotificationChannel{
		ID: "ch-2", UserID: "alice", Kind: models.ChannelTelegram, Destination: "123", Verified: true,
	}
	store.deliveries["d-2"] = &models.NotificationDelivery{
		ID: "d-2", EventID: "ev-1", ChannelID: "ch-2", Status: models.DeliveryPending,
	}

	webhook := &flakySender{kind: models.ChannelWebhook}
	telegram := &flakySender{kind: models.ChannelTelegram, failures: 10}
	d := newTestDispatcher(store, webhook, telegram)

	// Webhook succeeds, telegram schedules a retry: the event is
	// dispatched, not delivered, while d-2 is still in flight.
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, store.deliveries["d-1"].Status)
	assert.Equal(t, models.DeliveryRetrying, store.deliveries["d-2"].Status)
	assert.Equal(t, models.EventDispatched, store.statuses["ev-1"])
}

func TestWebhookSendSetsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewWebhookSender(models.ChannelWebhook)
	payload, _ := json.Marshal(map[string]string{"title": "t"})
	event := &models.NotificationEvent{ID: "ev-9", Type: models.NotifyTypeNews, Payload: payload}
	channel := models.NotificationChannel{ID: "ch-9", Kind: models.ChannelWebhook, Destination: srv.URL}

	meta, err := sender.Send(context.Background(), channel, event)
	require.NoError(t, err)
	assert.Equal(t, "ev-9:ch-9", gotKey)
	assert.Equal(t, "204", meta["status_code"])
	assert.Equal(t, "ev-9", gotBody["event_id"])
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	sender := NewWebhookSender(models.ChannelWebhook)
	event := &models.NotificationEvent{ID: "ev-9", Payload: json.RawMessage(`{}`)}
	channel := models.NotificationChannel{ID: "ch-9", Destination: srv.URL}

	_, err := sender.Send(context.Background(), channel, event)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestSlackSenderWrapsText(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(models.ChannelSlack)
	payload, _ := json.Marshal(map[string]string{"title": "Pricing changed", "body": "details"})
	event := &models.NotificationEvent{ID: "ev-9", Payload: payload}
	channel := models.NotificationChannel{ID: "ch-9", Kind: models.ChannelSlack, Destination: srv.URL}

	_, err := sender.Send(context.Background(), channel, event)
	require.NoError(t, err)
	assert.Contains(t, gotBody["text"], "Pricing changed")
}

func TestEmailSenderComposesMessage(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.SMTPHost = "mail.test"
	cfg.SMTPPort = 587
	cfg.SMTPFrom = "alerts@spyglass.test"

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	sender := NewEmailSender(cfg)
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	payload, _ := json.Marshal(map[string]string{"title": "Pricing changed", "body": "Pro is now 59 USD"})
	event := &models.NotificationEvent{ID: "ev-1", Type: models.NotifyTypeCompetitorChange, Payload: payload}
	channel := models.NotificationChannel{ID: "ch-1", Kind: models.ChannelEmail, Destination: "user@example.com"}

	_, err := sender.Send(context.Background(), channel, event)
	require.NoError(t, err)
	assert.Equal(t, "mail.test:587", gotAddr)
	assert.Equal(t, "alerts@spyglass.test", gotFrom)
	assert.Equal(t, []string{"user@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Competitor change detected")
	assert.Contains(t, string(gotMsg), "Pro is now 59 USD")
}
