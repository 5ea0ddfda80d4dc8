// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package main is the entry point for the Spyglass server.
//
// The server runs the whole monitoring pipeline in one process:
//
//  1. Configuration: Koanf v2 over environment variables and config.yaml
//  2. Storage: DuckDB for relational state, BadgerDB for locks, rate
//     buckets and the URL health ledger, a local blob store for raw
//     snapshots
//  3. Broker: embedded NATS JetStream carrying typed crawl and
//     notification tasks over Watermill
//  4. Workers: the crawl beat, task router, notification dispatcher,
//     digest scheduler and maintenance sweeper, all under a suture
//     supervision tree
//  5. HTTP: the read API on one listener, Prometheus metrics on another
//
// Shutdown is graceful on SIGINT and SIGTERM: the supervision tree
// drains workers, then listeners, then storage closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pfielding/spyglass/internal/api"
	"github.com/pfielding/spyglass/internal/blob"
	"github.com/pfielding/spyglass/internal/changedetect"
	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/crawler"
	"github.com/pfielding/spyglass/internal/database"
	"github.com/pfielding/spyglass/internal/digest"
	"github.com/pfielding/spyglass/internal/fetcher"
	"github.com/pfielding/spyglass/internal/health"
	"github.com/pfielding/spyglass/internal/kv"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/maintenance"
	"github.com/pfielding/spyglass/internal/metrics"
	"github.com/pfielding/spyglass/internal/models"
	"github.com/pfielding/spyglass/internal/notify"
	"github.com/pfielding/spyglass/internal/providers"
	"github.com/pfielding/spyglass/internal/queue"
	"github.com/pfielding/spyglass/internal/registry"
	"github.com/pfielding/spyglass/internal/schedule"
	"github.com/pfielding/spyglass/internal/supervisor"
)

// recomputeLockTTL guards duplicate recompute tasks; on worker crash the
// lock expires and the task becomes eligible again.
const recomputeLockTTL = 15 * time.Minute

const dispatchInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Msg("Starting Spyglass")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeQuietly("database", db)

	kvStore, err := kv.Open(cfg.KV)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer closeQuietly("kv store", kvStore)

	var blobs *blob.Store
	if cfg.Blob.Enabled {
		blobs, err = blob.New(cfg.Blob.Root)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	}

	// Broker.
	var embedded *queue.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = queue.StartEmbeddedServer(cfg.NATS)
		if err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
		defer embedded.Shutdown(context.Background())
		cfg.NATS.URL = embedded.ClientURL()
	}
	wmLogger := queue.NewLogger()
	tasks, err := queue.NewQueue(cfg.NATS, wmLogger)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer closeQuietly("task queue", tasks)

	subscriber, err := queue.NewSubscriber(cfg.NATS, wmLogger)
	if err != nil {
		return fmt.Errorf("create task subscriber: %w", err)
	}
	defer closeQuietly("task subscriber", subscriber)

	router, err := queue.NewRouter(cfg.NATS, tasks.Publisher(), wmLogger)
	if err != nil {
		return fmt.Errorf("create task router: %w", err)
	}
	defer closeQuietly("task router", router)

	// Fetch pipeline.
	ledger := health.New(kvStore, cfg.Health)
	pages, err := fetcher.New(cfg.Scraper, kvStore, blobs, nil)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	reg := buildRegistry(pages, ledger)
	capturer := providers.NewCapturer(providers.Deps{Fetcher: pages, Registry: reg, Health: ledger})
	detector := changedetect.New(db, capturer)

	// Notification pipeline.
	senders := notify.NewSenders(
		notify.NewEmailSender(cfg.Notify),
		notify.NewTelegramSender(cfg.Notify, kvStore),
		notify.NewWebhookSender(models.ChannelWebhook),
		notify.NewWebhookSender(models.ChannelSlack),
		notify.NewWebhookSender(models.ChannelZapier),
	)
	notifier := &dispatchingPublisher{
		notifier: notify.New(db, kvStore, cfg.Notify),
		tasks:    tasks,
	}
	dispatcher := notify.NewDispatcher(db, senders, cfg.Notify)

	// Crawl pipeline.
	engine := schedule.New(db)
	planner := crawler.NewPlanner(db, engine, kvStore, tasks, cfg.Crawler)
	ingestor := crawler.NewIngestor(db, reg, detector, notifier, kvStore, cfg.Crawler)

	// Digest and maintenance.
	digestScheduler := digest.NewScheduler(db, tasks, cfg.Digest)
	composer := digest.NewComposer(db, senders, cfg.Digest)
	janitor := maintenance.New(db, ledger, cfg.Crawler, cfg.Maintenance)

	registerHandlers(router, subscriber, ingestor, composer, dispatcher, detector, kvStore)
	beat := buildBeat(engine, planner, digestScheduler, janitor, cfg)

	// HTTP surfaces.
	apiHandler := api.NewHandler(db, tasks, readyChecks(db, kvStore, embedded)...)
	apiServer := &http.Server{
		Addr:         addr(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(apiHandler).Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    addr(cfg.Metrics.Host, cfg.Metrics.Port),
		Handler: metricsMux,
	}
	if cfg.Metrics.OTelEnabled {
		if err := metrics.EnableOTelBridge(); err != nil {
			return fmt.Errorf("enable otel bridge: %w", err)
		}
	}

	// Supervision tree.
	tree := supervisor.NewTree(slog.New(slog.NewJSONHandler(os.Stderr, nil)), supervisor.DefaultTreeConfig())
	tree.AddWorker(supervisor.NewRunnerService("task-router", router))
	tree.AddWorker(supervisor.NewRunnerService("crawl-beat", beat))
	tree.AddWorker(supervisor.NewTickerService("notify-dispatcher", dispatchInterval, func(ctx context.Context) error {
		_, err := dispatcher.RunOnce(ctx)
		return err
	}))
	tree.AddAPI(supervisor.NewHTTPService("api-server", apiServer, cfg.Server.Timeout))
	tree.AddAPI(supervisor.NewHTTPService("metrics-server", metricsServer, cfg.Server.Timeout))

	logging.Info().
		Str("api_addr", apiServer.Addr).
		Str("metrics_addr", metricsServer.Addr).
		Msg("Spyglass started")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logging.Info().Msg("Spyglass stopped")
	return nil
}

// buildRegistry binds providers in specificity order: GitHub, the
// social feeds, then the universal provider as the per-kind fallback
// for website-hosted item streams.
func buildRegistry(pages *fetcher.Fetcher, ledger *health.Ledger) *registry.Registry {
	reg := registry.New(ledger)
	deps := providers.Deps{Fetcher: pages, Registry: reg, Health: ledger}

	github := providers.NewGitHub(deps)
	reg.Register(registry.Binding{Name: "github", Match: github.Matches, Provider: github})
	providers.NewSocial(deps).Bind(reg)
	for _, kind := range []models.SourceKind{models.SourceBlog, models.SourceNewsSite, models.SourcePressRelease} {
		universal := providers.NewUniversal(deps, kind)
		reg.Register(registry.Binding{
			Name:     "universal-" + string(kind),
			Match:    universal.Matches,
			Provider: universal,
		})
	}
	return reg
}

// registerHandlers maps task names onto the pipeline entry points.
func registerHandlers(
	router *queue.Router,
	sub message.Subscriber,
	ingestor *crawler.Ingestor,
	composer *digest.Composer,
	dispatcher *notify.Dispatcher,
	detector *changedetect.Detector,
	locks *kv.Store,
) {
	router.Handle(queue.TopicScraping, queue.TaskCrawlSource, sub, func(ctx context.Context, task queue.Task) error {
		companyID, kind, err := crawlArgs(task)
		if err != nil {
			return err
		}
		_, err = ingestor.CrawlSource(ctx, companyID, kind)
		return err
	})
	router.Handle(queue.TopicScraping, queue.TaskObserveSurface, sub, func(ctx context.Context, task queue.Task) error {
		companyID, kind, err := crawlArgs(task)
		if err != nil {
			return err
		}
		_, err = ingestor.ObserveSurface(ctx, companyID, kind)
		return err
	})
	router.Handle(queue.TopicDefault, queue.TaskSendDigest, sub, func(ctx context.Context, task queue.Task) error {
		if len(task.Args) != 1 {
			return fmt.Errorf("digest task %s: want 1 arg, got %d", task.ID, len(task.Args))
		}
		return composer.SendForUser(ctx, task.Args[0])
	})
	router.Handle(queue.TopicDefault, queue.TaskDispatchEvent, sub, func(ctx context.Context, task queue.Task) error {
		// The event ID is advisory; the dispatcher drains everything
		// that is due, so a nudge for one event flushes the batch.
		_, err := dispatcher.RunOnce(ctx)
		return err
	})
	router.Handle(queue.TopicTelegram, queue.TaskSendTelegram, sub, func(ctx context.Context, task queue.Task) error {
		if len(task.Args) != 1 {
			return fmt.Errorf("telegram task %s: want 1 arg, got %d", task.ID, len(task.Args))
		}
		return dispatcher.DispatchOne(ctx, task.Args[0])
	})
	router.Handle(queue.TopicAnalytics, queue.TaskRecomputeEvent, sub, func(ctx context.Context, task queue.Task) error {
		if len(task.Args) != 1 {
			return fmt.Errorf("recompute task %s: want 1 arg, got %d", task.ID, len(task.Args))
		}
		eventID := task.Args[0]
		acquired, err := locks.AcquireLock(ctx, "recompute:"+eventID, recomputeLockTTL)
		if err != nil {
			return fmt.Errorf("acquire recompute lock: %w", err)
		}
		if !acquired {
			logging.Debug().Str("event_id", eventID).Msg("Recompute already in flight, skipping")
			return nil
		}
		defer func() {
			if err := locks.ReleaseLock(ctx, "recompute:"+eventID); err != nil {
				logging.Warn().Err(err).Str("event_id", eventID).Msg("Failed to release recompute lock")
			}
		}()
		_, err = detector.Recompute(ctx, eventID)
		return err
	})
}

func crawlArgs(task queue.Task) (string, models.SourceKind, error) {
	if len(task.Args) != 2 {
		return "", "", fmt.Errorf("crawl task %s: want 2 args, got %d", task.ID, len(task.Args))
	}
	kind := models.SourceKind(task.Args[1])
	if !kind.Valid() {
		return "", "", fmt.Errorf("crawl task %s: unknown source kind %q", task.ID, task.Args[1])
	}
	return task.Args[0], kind, nil
}

// buildBeat registers the periodic pipeline entry points on the beat
// runner. Crawl cadences come per source kind from the merged schedule
// (dynamic rules over the static base); sweep and digest frequencies
// are pinned from server config.
func buildBeat(
	engine *schedule.Engine,
	planner *crawler.Planner,
	digestScheduler *digest.Scheduler,
	janitor *maintenance.Worker,
	cfg *config.Config,
) *schedule.Beat {
	beat := schedule.NewBeat(engine, schedule.BeatConfig{
		Interval:      cfg.Crawler.BeatInterval,
		ReloadRetries: cfg.Crawler.ScheduleReloadRetries,
		ReloadBackoff: cfg.Crawler.ScheduleReloadBackoff,
		Overrides: map[string]time.Duration{
			"sweep-stale-runs": cfg.Maintenance.SweepInterval,
			"digest-tick":      cfg.Digest.TickInterval,
		},
	})
	beat.HandleTask(schedule.TaskCrawlKind, func(ctx context.Context, entry schedule.Entry) error {
		if len(entry.Args) != 1 {
			return fmt.Errorf("crawl beat entry: want 1 arg, got %d", len(entry.Args))
		}
		_, err := planner.PlanKind(ctx, models.SourceKind(entry.Args[0]))
		return err
	})
	beat.HandleTask(schedule.TaskSweepRuns, func(ctx context.Context, _ schedule.Entry) error {
		_, err := janitor.SweepStaleRuns(ctx)
		return err
	})
	beat.HandleTask(schedule.TaskPruneNews, func(ctx context.Context, _ schedule.Entry) error {
		_, err := janitor.PruneNews(ctx)
		return err
	})
	beat.HandleTask(schedule.TaskPruneNotify, func(ctx context.Context, _ schedule.Entry) error {
		_, err := janitor.PruneNotifications(ctx)
		return err
	})
	if cfg.Digest.Enabled {
		beat.HandleTask(schedule.TaskDigestTick, func(ctx context.Context, _ schedule.Entry) error {
			_, err := digestScheduler.Tick(ctx)
			return err
		})
	}
	return beat
}

// readyChecks assembles the /readyz probes for every hard dependency.
func readyChecks(db *database.DB, kvStore *kv.Store, embedded *queue.EmbeddedServer) []api.ReadyCheck {
	checks := []api.ReadyCheck{
		{Name: "database", Check: func(ctx context.Context) error {
			return db.Conn().PingContext(ctx)
		}},
		{Name: "kv", Check: func(ctx context.Context) error {
			err := kvStore.GetJSON(ctx, "readyz:probe", &struct{}{})
			if err != nil && !errors.Is(err, kv.ErrNotFound) {
				return err
			}
			return nil
		}},
	}
	if embedded != nil {
		checks = append(checks, api.ReadyCheck{Name: "broker", Check: func(context.Context) error {
			if !embedded.Running() {
				return errors.New("jetstream not running")
			}
			return nil
		}})
	}
	return checks
}

// dispatchingPublisher wraps the notifier so freshly created events get
// a dispatch nudge instead of waiting for the next dispatcher tick.
type dispatchingPublisher struct {
	notifier *notify.Notifier
	tasks    *queue.Queue
}

func (p *dispatchingPublisher) Publish(ctx context.Context, in notify.EventInput) ([]models.NotificationEvent, error) {
	created, err := p.notifier.Publish(ctx, in)
	if err != nil {
		return created, err
	}
	for _, event := range created {
		task := queue.NewTask(queue.TaskDispatchEvent, event.ID)
		if qerr := p.tasks.Enqueue(ctx, queue.TopicDefault, task); qerr != nil {
			logging.Warn().Err(qerr).Str("event_id", event.ID).Msg("Failed to enqueue dispatch nudge")
		}
	}
	return created, nil
}

func addr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

func closeQuietly(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Warn().Err(err).Str("component", name).Msg("Failed to close component")
	}
}
