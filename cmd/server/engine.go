package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/api"
	"github.com/calendar-sync-engine/backend/internal/api/handlers"
	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/config"
	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/orchestrator"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/scheduler"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/subscription"
	"github.com/calendar-sync-engine/backend/internal/token"
	"github.com/calendar-sync-engine/backend/internal/webhook"
	"github.com/calendar-sync-engine/backend/internal/websocket"
)

// engine holds every wired component of the service.
type engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	db           *storage.DB
	integrations *storage.IntegrationRepository
	mappings     *storage.MappingRepository
	conflicts    *storage.ConflictRepository
	events       *storage.EventRepository

	hub           *websocket.Hub
	broadcaster   *websocket.EventBroadcaster
	queue         *queue.Queue
	subscriptions *subscription.Manager
	orchestrator  *orchestrator.Orchestrator
	ingress       *webhook.Ingress
	scheduler     *scheduler.Scheduler
}

// newEngine opens the database, applies migrations and wires the components.
func newEngine(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*engine, error) {
	db, err := storage.Open(cfg.Server.DataDir, cfg.Server.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := storage.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.WithFields(logrus.Fields{"driver": db.Driver(), "path": db.Path()}).Info("Database ready")

	e := &engine{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		integrations: storage.NewIntegrationRepository(db),
		mappings:     storage.NewMappingRepository(db),
		conflicts:    storage.NewConflictRepository(db),
		events:       storage.NewEventRepository(db),
	}

	e.hub = websocket.NewHub(logger.WithField("component", "websocket"))
	e.broadcaster = websocket.NewEventBroadcaster(e.hub, logger.WithField("component", "websocket"))
	notifier := notify.Multi{notify.Logger{Log: logger.WithField("component", "notify")}, e.broadcaster}

	var tokens calendar.TokenProvider = token.NewProvider(
		storage.NewTokenRepository(db),
		token.NewOAuthConfig(cfg.Provider.ClientID, cfg.Provider.ClientSecret, cfg.Provider.TokenURL, cfg.Provider.Scopes),
		logger.WithField("component", "token"),
	)
	if cfg.Provider.StaticToken != "" {
		logger.Warn("Using PROVIDER_STATIC_TOKEN for every account")
		tokens = token.Static(cfg.Provider.StaticToken)
	}
	client := calendar.NewClient(calendar.Options{
		BaseURL:       cfg.Provider.BaseURL,
		TokenProvider: tokens,
		Timeout:       cfg.Provider.Timeout,
		MaxRetries:    cfg.Provider.MaxRetries,
		BaseDelay:     cfg.Provider.BaseDelay,
		MaxDelay:      cfg.Provider.MaxDelay,
		Logger:        logger.WithField("component", "calendar"),
	})

	e.queue = queue.New(queue.Options{
		Policy: queue.Policy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay,
			Multiplier:  cfg.Queue.Multiplier,
			MaxDelay:    cfg.Queue.MaxDelay,
		},
		Enabled: e.integrations.IsEnabled,
		Logger:  logger.WithField("component", "queue"),
	})

	e.subscriptions = subscription.NewManager(e.integrations, client, notifier, subscription.Options{
		NotificationURL: cfg.Subscription.NotificationURL,
		Lifetime:        cfg.Subscription.Lifetime,
		RenewalLead:     cfg.Subscription.RenewalLead,
		MaxFailures:     cfg.Subscription.MaxFailures,
	}, logger.WithField("component", "subscription"))

	e.orchestrator = orchestrator.New(orchestrator.Deps{
		Integrations: e.integrations,
		Mappings:     e.mappings,
		Conflicts:    e.conflicts,
		Internal:     e.events,
		External:     client,
		Queue:        e.queue,
		Notifier:     notifier,
	}, orchestrator.Options{
		CallTimeout:    cfg.Queue.CallTimeout,
		FullSyncPast:   cfg.FullSync.Past,
		FullSyncFuture: cfg.FullSync.Future,
		Hasher:         event.NewHasher(cfg.Hashing.IncludeAttendees),
	}, logger.WithField("component", "orchestrator"))
	e.queue.SetDeadLetter(e.orchestrator.HandleDeadLetter)
	if err := e.orchestrator.LoadStrategies(ctx); err != nil {
		db.Close()
		return nil, err
	}

	e.ingress = webhook.NewIngress(
		e.integrations,
		e.queue,
		e.subscriptions,
		webhook.NewDeduplicator(cfg.Webhook.DedupWindow, nil),
		nil,
		logger.WithField("component", "webhook"),
	)

	e.scheduler = scheduler.New(e.subscriptions, e.orchestrator, e.integrations, notifier, scheduler.Schedules{
		Renewal:  cfg.Subscription.RenewalSchedule,
		Health:   cfg.Subscription.HealthSchedule,
		FullSync: cfg.FullSync.Schedule,
	}, logger.WithField("component", "scheduler"))

	return e, nil
}

// services collects the components the HTTP API exposes.
func (e *engine) services() api.Services {
	return api.Services{
		DB:             e.db,
		Integrations:   e.integrations,
		Subscriptions:  e.subscriptions,
		Sync:           e.orchestrator,
		Events:         e.events,
		Scheduler:      e.scheduler,
		Ingress:        e.ingress,
		Hub:            e.hub,
		Broadcaster:    e.broadcaster,
		WebhookMaxBody: e.cfg.Webhook.MaxBodyBytes,
		ExportPast:     e.cfg.FullSync.Past,
		ExportFuture:   e.cfg.FullSync.Future,
		Status: handlers.StatusSources{
			Integrations: e.integrations,
			Conflicts:    e.conflicts,
			Mappings:     e.mappings,
			Queue:        e.queue,
			Schedule:     e.scheduler,
			Clients:      e.hub,
		},
	}
}

// Close stops the queue and releases the database.
func (e *engine) Close() error {
	e.queue.Close()
	e.ingress.Wait()
	return e.db.Close()
}
