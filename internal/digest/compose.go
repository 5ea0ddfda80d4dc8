// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/notify"
)

const (
	maxNewsPerDigest    = 20
	maxChangesPerDigest = 50
)

// ComposeStore is the persistence surface digest composition needs.
type ComposeStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.DigestPreferences, error)
	ListCompanies(ctx context.Context) ([]models.Company, error)
	ListCompaniesByOwner(ctx context.Context, ownerID string) ([]models.Company, error)
	ListNewsSince(ctx context.Context, since time.Time, companyIDs []string, limit int) ([]models.NewsItem, error)
	ListChangeEvents(ctx context.Context, f database.ChangeEventFilter) ([]models.ChangeEvent, error)
	ListUserChannels(ctx context.Context, userID string, deliverableOnly bool) ([]models.NotificationChannel, error)
	MarkDigestSent(ctx context.Context, userID string, sentAt time.Time) error
}

// Digest is one composed summary for one user.
type Digest struct {
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time

	News    []models.NewsItem
	Changes []ChangeEntry
}

// ChangeEntry pairs a change event with its company's display name.
type ChangeEntry struct {
	Company string
	Event   models.ChangeEvent
}

// Empty reports whether the digest has nothing to say.
func (d *Digest) Empty() bool {
	return len(d.News) == 0 && len(d.Changes) == 0
}

// Composer builds and delivers per-user digests. It runs inside the
// digest.send task handler.
type Composer struct {
	store   ComposeStore
	senders notify.Senders
	cfg     config.DigestConfig

	now func() time.Time
}

// NewComposer builds a composer.
func NewComposer(store ComposeStore, senders notify.Senders, cfg config.DigestConfig) *Composer {
	return &Composer{store: store, senders: senders, cfg: cfg, now: time.Now}
}

// SendForUser composes, renders and delivers one user's digest, then
// stamps last_sent_utc. A channel failure leaves the other channels
// unaffected; the cycle is marked sent as soon as one channel delivers,
// and left unstamped (so the next tick retries) when every channel
// fails.
func (c *Composer) SendForUser(ctx context.Context, userID string) error {
	prefs, err := c.store.GetPreferences(ctx, userID)
	if err != nil {
		return fmt.Errorf("load digest preferences: %w", err)
	}
	if !prefs.Enabled || prefs.Frequency == models.DigestOff {
		metrics.DigestsSkipped.WithLabelValues("not_due").Inc()
		return nil
	}

	start := c.now()
	digest, err := c.Compose(ctx, prefs)
	metrics.DigestComposeDuration.Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("compose digest: %w", err)
	}
	if digest.Empty() {
		metrics.DigestsSkipped.WithLabelValues("empty").Inc()
		logging.Debug().Str("user_id", userID).Msg("Digest empty, nothing to send")
		return nil
	}

	channels, err := c.store.ListUserChannels(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	channels = c.filterChannels(channels, prefs)
	if len(channels) == 0 {
		metrics.DigestsSkipped.WithLabelValues("no_channels").Inc()
		return nil
	}

	event, err := c.buildEvent(userID, digest, prefs.Format)
	if err != nil {
		return err
	}

	delivered := 0
	for _, channel := range channels {
		sender, err := c.senders.For(channel.Kind)
		if err != nil {
			logging.Warn().Str("channel_id", channel.ID).Err(err).Msg("No digest sender for channel")
			continue
		}
		if _, err := sender.Send(ctx, channel, event); err != nil {
			logging.Warn().
				Str("user_id", userID).
				Str("channel_id", channel.ID).
				Str("channel_kind", string(channel.Kind)).
				Err(err).
				Msg("Digest delivery failed")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("digest for %s failed on all %d channels", userID, len(channels))
	}

	if err := c.store.MarkDigestSent(ctx, userID, c.now().UTC()); err != nil {
		// A concurrent send already stamped a later time; the digest
		// went out either way.
		logging.Warn().Str("user_id", userID).Err(err).Msg("Failed to stamp digest sent time")
	}
	metrics.DigestsSent.WithLabelValues(string(prefs.Frequency), string(prefs.Format)).Inc()
	return nil
}

// Compose gathers the user's news and change events for the lookback
// period. Tracked mode restricts content to companies the user owns;
// all mode covers everything visible.
func (c *Composer) Compose(ctx context.Context, prefs *models.DigestPreferences) (*Digest, error) {
	end := c.now().UTC()
	since := end.Add(-c.period())
	digest := &Digest{UserID: prefs.UserID, PeriodStart: since, PeriodEnd: end}

	tracked := prefs.TelegramDigestMode != models.TelegramDigestAll
	var companies []models.Company
	var err error
	if tracked {
		companies, err = c.store.ListCompaniesByOwner(ctx, prefs.UserID)
	} else {
		companies, err = c.store.ListCompanies(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	nameByID := make(map[string]string, len(companies))
	var companyIDs []string
	for _, company := range companies {
		nameByID[company.ID] = company.Name
		if tracked {
			companyIDs = append(companyIDs, company.ID)
		}
	}
	if tracked && len(companyIDs) == 0 {
		return digest, nil
	}

	digest.News, err = c.store.ListNewsSince(ctx, since, companyIDs, maxNewsPerDigest)
	if err != nil {
		return nil, fmt.Errorf("list news: %w", err)
	}

	events, err := c.listChanges(ctx, companyIDs)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.DetectedAt.Before(since) {
			continue
		}
		name := nameByID[event.CompanyID]
		if name == "" {
			name = event.CompanyID
		}
		digest.Changes = append(digest.Changes, ChangeEntry{Company: name, Event: event})
	}
	return digest, nil
}

func (c *Composer) listChanges(ctx context.Context, companyIDs []string) ([]models.ChangeEvent, error) {
	if len(companyIDs) == 0 {
		events, err := c.store.ListChangeEvents(ctx, database.ChangeEventFilter{Limit: maxChangesPerDigest})
		if err != nil {
			return nil, fmt.Errorf("list change events: %w", err)
		}
		return events, nil
	}
	var out []models.ChangeEvent
	for _, id := range companyIDs {
		events, err := c.store.ListChangeEvents(ctx, database.ChangeEventFilter{CompanyID: id, Limit: maxChangesPerDigest})
		if err != nil {
			return nil, fmt.Errorf("list change events for %s: %w", id, err)
		}
		out = append(out, events...)
	}
	return out, nil
}

// filterChannels drops telegram channels when the user has telegram
// digests turned off.
func (c *Composer) filterChannels(channels []models.NotificationChannel, prefs *models.DigestPreferences) []models.NotificationChannel {
	out := channels[:0]
	for _, channel := range channels {
		if channel.Kind == models.ChannelTelegram && !prefs.TelegramEnabled {
			continue
		}
		out = append(out, channel)
	}
	return out
}

func (c *Composer) buildEvent(userID string, digest *Digest, format models.DigestFormat) (*models.NotificationEvent, error) {
	body := Render(digest, format)
	payload, err := json.Marshal(map[string]string{
		"title": "Your competitor digest",
		"body":  body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal digest payload: %w", err)
	}
	return &models.NotificationEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      models.NotifyTypeDigest,
		Priority:  0.5,
		Payload:   payload,
		Status:    models.EventQueued,
		CreatedAt: c.now().UTC(),
	}, nil
}

func (c *Composer) period() time.Duration {
	if c.cfg.Period > 0 {
		return c.cfg.Period
	}
	return 24 * time.Hour
}

// Render produces the digest body in the requested format.
func Render(d *Digest, format models.DigestFormat) string {
	if format == models.DigestFormatPlain {
		return renderPlain(d)
	}
	return renderMarkdown(d)
}

func renderMarkdown(d *Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "_%s — %s_\n", d.PeriodStart.Format("Jan 2"), d.PeriodEnd.Format("Jan 2, 2006"))

	if len(d.Changes) > 0 {
		b.WriteString("\n*Competitor changes*\n")
		for _, entry := range d.Changes {
			fmt.Fprintf(&b, "• *%s* (%s): %s\n", entry.Company, entry.Event.Kind, entry.Event.ChangeSummary)
		}
	}
	if len(d.News) > 0 {
		b.WriteString("\n*News*\n")
		for _, item := range d.News {
			fmt.Fprintf(&b, "• [%s](%s)", item.Title, item.SourceURL)
			if item.Category != "" {
				fmt.Fprintf(&b, " — %s", item.Category)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPlain(d *Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s\n", d.PeriodStart.Format("Jan 2"), d.PeriodEnd.Format("Jan 2, 2006"))

	if len(d.Changes) > 0 {
		b.WriteString("\nCompetitor changes:\n")
		for _, entry := range d.Changes {
			fmt.Fprintf(&b, "- %s (%s): %s\n", entry.Company, entry.Event.Kind, entry.Event.ChangeSummary)
		}
	}
	if len(d.News) > 0 {
		b.WriteString("\nNews:\n")
		for _, item := range d.News {
			fmt.Fprintf(&b, "- %s (%s)", item.Title, item.SourceURL)
			if item.Category != "" {
				fmt.Fprintf(&b, " - %s", item.Category)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
