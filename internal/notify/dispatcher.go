// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
)

// DispatchStore is the persistence surface the dispatcher needs.
type DispatchStore interface {
	ClaimDueDeliveries(ctx context.Context, limit int) ([]models.NotificationDelivery, error)
	GetDelivery(ctx context.Context, id string) (*models.NotificationDelivery, error)
	UpdateDelivery(ctx context.Context, d *models.NotificationDelivery) error
	DeliveryStatusesForEvent(ctx context.Context, eventID string) ([]models.DeliveryStatus, error)
	GetEvent(ctx context.Context, id string) (*models.NotificationEvent, error)
	GetChannel(ctx context.Context, id string) (*models.NotificationChannel, error)
	SetEventStatus(ctx context.Context, id string, status models.EventStatus) error
}

// Dispatcher drains pending deliveries through the channel senders.
type Dispatcher struct {
	store   DispatchStore
	senders Senders
	cfg     config.NotifyConfig

	now func() time.Time
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store DispatchStore, senders Senders, cfg config.NotifyConfig) *Dispatcher {
	return &Dispatcher{store: store, senders: senders, cfg: cfg, now: time.Now}
}

// RunOnce claims one batch of due deliveries and attempts each. A
// failed attempt schedules a retry with exponential backoff until the
// budget is spent; permanent errors fail immediately. Returns the
// number of deliveries attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := d.store.ClaimDueDeliveries(ctx, d.cfg.DispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}
	metrics.NotificationQueueDepth.Set(float64(len(deliveries)))

	for i := range deliveries {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		d.attempt(ctx, &deliveries[i])
	}
	return len(deliveries), nil
}

// DispatchOne attempts a single delivery by ID, for queue consumers
// that process deliveries individually (the serial telegram queue).
// Deliveries already in a terminal state are a no-op.
func (d *Dispatcher) DispatchOne(ctx context.Context, deliveryID string) error {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	if delivery.Status.Terminal() {
		return nil
	}
	d.attempt(ctx, delivery)
	return nil
}

// attempt runs one delivery attempt end to end. Errors are recorded on
// the delivery row, never propagated; one broken channel must not stall
// the batch.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.NotificationDelivery) {
	event, err := d.store.GetEvent(ctx, delivery.EventID)
	if err != nil {
		d.recordFailure(ctx, delivery, "", fmt.Errorf("load event: %w", err), true)
		return
	}
	if event.Status == models.EventExpired {
		d.cancel(ctx, delivery, "event expired before delivery")
		return
	}
	channel, err := d.store.GetChannel(ctx, delivery.ChannelID)
	if err != nil {
		d.recordFailure(ctx, delivery, "", fmt.Errorf("load channel: %w", err), true)
		return
	}
	if !channel.Verified || channel.Disabled {
		d.cancel(ctx, delivery, "channel not deliverable")
		return
	}
	sender, err := d.senders.For(channel.Kind)
	if err != nil {
		d.recordFailure(ctx, delivery, string(channel.Kind), err, true)
		return
	}

	start := d.now()
	meta, err := sender.Send(ctx, *channel, event)
	elapsed := d.now().Sub(start)

	if err != nil {
		metrics.RecordDelivery(string(channel.Kind), "failed", elapsed)
		d.recordFailure(ctx, delivery, string(channel.Kind), err, IsPermanent(err))
		d.rollup(ctx, delivery.EventID)
		return
	}

	now := d.now().UTC()
	delivery.Status = models.DeliverySent
	delivery.Attempt++
	delivery.LastAttemptAt = &now
	delivery.NextRetryAt = nil
	delivery.ResponseMetadata = meta
	delivery.Error = ""
	if uerr := d.store.UpdateDelivery(ctx, delivery); uerr != nil && !errors.Is(uerr, database.ErrImmutable) {
		logging.Error().Err(uerr).Str("delivery_id", delivery.ID).Msg("Failed to record sent delivery")
	}
	metrics.RecordDelivery(string(channel.Kind), "sent", elapsed)
	metrics.MirrorDelivery(string(channel.Kind), "sent")
	d.rollup(ctx, delivery.EventID)
}

// recordFailure schedules a retry or fails the delivery outright.
func (d *Dispatcher) recordFailure(ctx context.Context, delivery *models.NotificationDelivery, channelKind string, cause error, permanent bool) {
	now := d.now().UTC()
	delivery.Attempt++
	delivery.LastAttemptAt = &now
	delivery.Error = cause.Error()

	if permanent || delivery.Attempt >= d.cfg.MaxRetries {
		delivery.Status = models.DeliveryFailed
		delivery.NextRetryAt = nil
	} else {
		next := now.Add(d.backoff(delivery.Attempt))
		delivery.Status = models.DeliveryRetrying
		delivery.NextRetryAt = &next
	}

	if err := d.store.UpdateDelivery(ctx, delivery); err != nil && !errors.Is(err, database.ErrImmutable) {
		logging.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to record delivery failure")
	}
	if channelKind != "" {
		metrics.MirrorDelivery(channelKind, string(delivery.Status))
	}
	logging.Warn().Err(cause).
		Str("delivery_id", delivery.ID).
		Str("status", string(delivery.Status)).
		Int("attempt", delivery.Attempt).
		Msg("Notification delivery failed")
}

func (d *Dispatcher) cancel(ctx context.Context, delivery *models.NotificationDelivery, reason string) {
	now := d.now().UTC()
	delivery.Status = models.DeliveryCancelled
	delivery.LastAttemptAt = &now
	delivery.NextRetryAt = nil
	delivery.Error = reason
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil && !errors.Is(err, database.ErrImmutable) {
		logging.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to cancel delivery")
	}
	d.rollup(ctx, delivery.EventID)
}

// backoff doubles from RetryBase per attempt, capped at RetryMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}
	if wait > d.cfg.RetryMax {
		return d.cfg.RetryMax
	}
	return wait
}

// rollup recomputes the event status once every delivery is terminal:
// delivered if anything reached the user, failed otherwise.
func (d *Dispatcher) rollup(ctx context.Context, eventID string) {
	statuses, err := d.store.DeliveryStatusesForEvent(ctx, eventID)
	if err != nil {
		logging.Error().Err(err).Str("event_id", eventID).Msg("Failed to load delivery statuses")
		return
	}

	anySent := false
	for _, s := range statuses {
		if !s.Terminal() {
			// Still in flight; mark the event dispatched and wait.
			if err := d.store.SetEventStatus(ctx, eventID, models.EventDispatched); err != nil {
				logging.Error().Err(err).Str("event_id", eventID).Msg("Failed to mark event dispatched")
			}
			return
		}
		if s == models.DeliverySent {
			anySent = true
		}
	}

	final := models.EventFailed
	if anySent {
		final = models.EventDelivered
	}
	if err := d.store.SetEventStatus(ctx, eventID, final); err != nil {
		logging.Error().Err(err).Str("event_id", eventID).Msg("Failed to finalize event status")
	}
}
