// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/nlp"
	"github.com/pfielding/spyglass/internal/notify"
	"github.com/pfielding/spyglass/internal/registry"
)

// IngestStore is the persistence surface ingestion needs.
type IngestStore interface {
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	GetProfile(ctx context.Context, companyID string, kind models.SourceKind) (*models.SourceProfile, error)
	OpenRun(ctx context.Context, profileID, scheduleID string) (*models.CrawlRun, error)
	CloseRun(ctx context.Context, runID string, status models.RunStatus, itemCount int, changeDetected bool, errorMessage string) error
	UpdateProfileRun(ctx context.Context, profileID string, succeeded, changed bool, contentHash string) error
	InsertNewsItem(ctx context.Context, item *models.NewsItem, keywords []models.NewsKeyword) (bool, error)
	RecentSourceURLs(ctx context.Context, companyID string, kind models.SourceKind, since time.Time) (map[string]bool, error)
	SetChangeEventNotificationStatus(ctx context.Context, id string, status models.NotificationStatus) error
}

// Observer runs one change-detection observation. Satisfied by
// *changedetect.Detector.
type Observer interface {
	Observe(ctx context.Context, company models.Company, kind models.SourceKind) (*models.ChangeEvent, error)
}

// Publisher fans a notification event out to subscribers. Satisfied by
// *notify.Notifier.
type Publisher interface {
	Publish(ctx context.Context, in notify.EventInput) ([]models.NotificationEvent, error)
}

// Resolver binds a (company, kind) to its provider. Satisfied by
// *registry.Registry.
type Resolver interface {
	Resolve(company models.Company, kind models.SourceKind) (registry.Provider, error)
}

// Unlocker releases the planner's per-pair run lock. Satisfied by
// *kv.Store.
type Unlocker interface {
	ReleaseLock(ctx context.Context, name string) error
}

// Ingestor executes crawl tasks: item-stream sources become news items
// run through the NLP pipeline, detection surfaces become snapshot
// observations and change events.
type Ingestor struct {
	store     IngestStore
	providers Resolver
	observer  Observer
	notifier  Publisher
	locks     Unlocker
	cfg       config.CrawlerConfig

	now func() time.Time
}

// NewIngestor builds an ingestor. notifier may be nil (change events are
// then left pending for a later dispatch pass).
func NewIngestor(store IngestStore, providers Resolver, observer Observer, notifier Publisher, locks Unlocker, cfg config.CrawlerConfig) *Ingestor {
	return &Ingestor{
		store:     store,
		providers: providers,
		observer:  observer,
		notifier:  notifier,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CrawlSource runs one item-stream crawl for (company, kind): fetch via
// the bound provider, classify, dedupe and persist each item, then close
// the run. Returns the number of items ingested.
func (in *Ingestor) CrawlSource(ctx context.Context, companyID string, kind models.SourceKind) (int, error) {
	company, profile, run, err := in.openRun(ctx, companyID, kind)
	if err != nil {
		return 0, err
	}
	defer in.releaseRunLock(ctx, companyID, kind)
	start := in.now()

	provider, err := in.providers.Resolve(*company, kind)
	if err != nil {
		return 0, in.failRun(ctx, run, profile, kind, start, err)
	}

	// URLs already ingested within the lookback window need no refetch.
	seen, err := in.store.RecentSourceURLs(ctx, companyID, kind, start.UTC().Add(-in.lookback()))
	if err != nil {
		return 0, in.failRun(ctx, run, profile, kind, start, err)
	}
	items, err := provider.Fetch(ctx, *company, registry.FetchOptions{
		MaxItems:        in.maxArticles(),
		SkipURLs:        seen,
		SourceOverrides: company.Handles,
	})
	if err != nil {
		return 0, in.failRun(ctx, run, profile, kind, start, err)
	}

	ingested := 0
	for _, item := range items {
		ok, err := in.ingestItem(ctx, company, kind, item)
		if err != nil {
			return ingested, in.failRun(ctx, run, profile, kind, start, err)
		}
		if ok {
			ingested++
		}
	}

	if err := in.store.UpdateProfileRun(ctx, profile.ID, true, ingested > 0, profile.LastContentHash); err != nil {
		logging.Error().Err(err).Str("profile_id", profile.ID).Msg("Failed to update profile after run")
	}
	if err := in.store.CloseRun(ctx, run.ID, models.RunSuccess, ingested, ingested > 0, ""); err != nil {
		logging.Error().Err(err).Str("run_id", run.ID).Msg("Failed to close crawl run")
	}
	metrics.RecordCrawlRun(string(kind), "success", in.now().Sub(start))
	return ingested, nil
}

// ingestItem classifies and persists one normalized item. Returns true
// when a new row was written.
func (in *Ingestor) ingestItem(ctx context.Context, company *models.Company, kind models.SourceKind, item models.NormalizedItem) (bool, error) {
	if item.Title == "" || item.SourceURL == "" {
		metrics.CrawlItemsSkipped.WithLabelValues(string(kind), "invalid").Inc()
		return false, nil
	}
	now := in.now().UTC()
	publishedAt := now
	if item.PublishedAt != nil {
		publishedAt = item.PublishedAt.UTC()
	}
	if publishedAt.Before(now.Add(-in.lookback())) {
		metrics.CrawlItemsSkipped.WithLabelValues(string(kind), "lookback").Inc()
		return false, nil
	}

	result := nlp.Classify(item.Title, item.Summary, item.Content, publishedAt, now)
	news := &models.NewsItem{
		CompanyID:      company.ID,
		Title:          item.Title,
		Summary:        item.Summary,
		Content:        item.Content,
		SourceURL:      item.SourceURL,
		SourceKind:     kind,
		Category:       item.Category,
		Topic:          result.Topic,
		Sentiment:      result.Sentiment,
		PriorityScore:  result.Priority,
		PublishedAt:    publishedAt,
		RawSnapshotURL: item.RawSnapshotURL,
	}
	keywords := make([]models.NewsKeyword, 0, len(result.Keywords))
	for _, kw := range result.Keywords {
		keywords = append(keywords, models.NewsKeyword{Keyword: kw.Word, Relevance: kw.Relevance})
	}

	inserted, err := in.store.InsertNewsItem(ctx, news, keywords)
	if err != nil {
		return false, fmt.Errorf("insert news item: %w", err)
	}
	if !inserted {
		metrics.CrawlItemsSkipped.WithLabelValues(string(kind), "duplicate").Inc()
		return false, nil
	}
	metrics.CrawlItemsIngested.WithLabelValues(string(kind)).Inc()
	return true, nil
}

// ObserveSurface runs one change-detection observation for (company,
// kind) and fans out the resulting change event, if any.
func (in *Ingestor) ObserveSurface(ctx context.Context, companyID string, kind models.SourceKind) (*models.ChangeEvent, error) {
	company, profile, run, err := in.openRun(ctx, companyID, kind)
	if err != nil {
		return nil, err
	}
	defer in.releaseRunLock(ctx, companyID, kind)
	start := in.now()

	event, err := in.observer.Observe(ctx, *company, kind)
	if err != nil {
		return nil, in.failRun(ctx, run, profile, kind, start, err)
	}
	changed := event != nil

	if err := in.store.UpdateProfileRun(ctx, profile.ID, true, changed, profile.LastContentHash); err != nil {
		logging.Error().Err(err).Str("profile_id", profile.ID).Msg("Failed to update profile after run")
	}
	if err := in.store.CloseRun(ctx, run.ID, models.RunSuccess, 0, changed, ""); err != nil {
		logging.Error().Err(err).Str("run_id", run.ID).Msg("Failed to close crawl run")
	}
	metrics.RecordCrawlRun(string(kind), "success", in.now().Sub(start))

	if changed {
		in.notifyChange(ctx, company, event)
	}
	return event, nil
}

// notifyChange fans the change event out and settles its notification
// status. Fan-out failure leaves the event pending for the listing with
// notification_status=failed once retries give up.
func (in *Ingestor) notifyChange(ctx context.Context, company *models.Company, event *models.ChangeEvent) {
	if in.notifier == nil {
		return
	}
	// One dedup key per observed surface state: a recrawl that lands on
	// the same snapshot cannot re-notify.
	created, err := in.notifier.Publish(ctx, notify.EventInput{
		Type:     models.NotifyTypeCompetitorChange,
		Priority: changePriority(event.Kind),
		DedupKey: fmt.Sprintf("%s:%s:%s", company.ID, event.Kind, event.CurrentSnapshotID),
		Payload: map[string]string{
			"title": fmt.Sprintf("%s %s changed", company.Name, event.Kind),
			"body":  event.ChangeSummary,
		},
		SourceKind: event.Kind,
		CompanyID:  company.ID,
	})

	status := models.NotifySent
	switch {
	case err != nil:
		status = models.NotifyFailed
		logging.Error().Err(err).Str("change_event_id", event.ID).Msg("Change event fan-out failed")
	case len(created) == 0:
		status = models.NotifySkipped
	}
	if serr := in.store.SetChangeEventNotificationStatus(ctx, event.ID, status); serr != nil {
		logging.Error().Err(serr).Str("change_event_id", event.ID).Msg("Failed to set notification status")
	}
}

// openRun loads the pair's records and opens a running crawl run.
func (in *Ingestor) openRun(ctx context.Context, companyID string, kind models.SourceKind) (*models.Company, *models.SourceProfile, *models.CrawlRun, error) {
	company, err := in.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load company %s: %w", companyID, err)
	}
	profile, err := in.store.GetProfile(ctx, companyID, kind)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load profile %s/%s: %w", companyID, kind, err)
	}
	run, err := in.store.OpenRun(ctx, profile.ID, profile.ScheduleID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open run %s/%s: %w", companyID, kind, err)
	}
	return company, profile, run, nil
}

// failRun closes the run as failed, bumps the failure streak and
// returns the cause for the task-level retry.
func (in *Ingestor) failRun(ctx context.Context, run *models.CrawlRun, profile *models.SourceProfile, kind models.SourceKind, start time.Time, cause error) error {
	if err := in.store.UpdateProfileRun(ctx, profile.ID, false, false, ""); err != nil {
		logging.Error().Err(err).Str("profile_id", profile.ID).Msg("Failed to record profile failure")
	}
	if err := in.store.CloseRun(ctx, run.ID, models.RunFailed, 0, false, cause.Error()); err != nil {
		logging.Error().Err(err).Str("run_id", run.ID).Msg("Failed to close crawl run")
	}
	metrics.RecordCrawlRun(string(kind), "failed", in.now().Sub(start))
	return cause
}

func (in *Ingestor) releaseRunLock(ctx context.Context, companyID string, kind models.SourceKind) {
	if in.locks == nil {
		return
	}
	if err := in.locks.ReleaseLock(ctx, runLockName(companyID, kind)); err != nil {
		logging.Debug().Err(err).Str("company_id", companyID).Str("source_kind", string(kind)).Msg("Failed to release run lock")
	}
}

func (in *Ingestor) maxArticles() int {
	if in.cfg.MaxArticles > 0 {
		return in.cfg.MaxArticles
	}
	return 10
}

func (in *Ingestor) lookback() time.Duration {
	if in.cfg.Lookback > 0 {
		return in.cfg.Lookback
	}
	return 30 * 24 * time.Hour
}

// changePriority ranks how urgent a change on each surface is for the
// notification priority floor.
func changePriority(kind models.SourceKind) float64 {
	switch kind {
	case models.SourcePricing:
		return 0.9
	case models.SourceProducts, models.SourceLanding:
		return 0.7
	default:
		return 0.5
	}
}
