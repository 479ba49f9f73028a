package bootstrap

import (
	"context"
	"sync"

	"concierge/internal/adapters/ai"
	chclient "concierge/internal/adapters/clickhouse"
	"concierge/internal/adapters/config"
	"concierge/internal/adapters/kafka"
	pgclient "concierge/internal/adapters/postgres"
	redisclient "concierge/internal/adapters/redis"
	"concierge/internal/api"
	"concierge/internal/api/health"
	"concierge/internal/consumers"
	"concierge/internal/domain/ai_usage"
	chrepo "concierge/internal/repository/clickhouse"
	aiusagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/services/matrix"
	"concierge/internal/services/registry"
	"concierge/internal/services/router"
	"concierge/internal/services/usage"
	"concierge/internal/workers"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// Container holds all application dependencies and their lifecycle.
// Components are organized in initialization order.
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure. Every store is optional; nil means not configured.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Adapters    *Adapters
	Services    *Services
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups the ledger stores
type Repositories struct {
	CostRecords ai_usage.Repository
	// CostAnalytics is nil without ClickHouse
	CostAnalytics *chrepo.CostAnalyticsRepository
}

// Adapters groups external adapters
type Adapters struct {
	AI                 ai.AdapterSet
	KafkaProducer      *kafka.Producer
	CostRecordConsumer *kafka.Consumer
}

// Services groups the broker's core components
type Services struct {
	Catalog  *config.Catalog
	Matrix   *matrix.Holder
	Registry *registry.Registry
	Ledger   *aiusagesvc.Ledger
	Router   *router.Router
	Usage    *usage.Service
}

// Application groups the HTTP surface
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler
	WorkerRegistry  *workers.Registry
	// CostRecordSvc is nil unless both Kafka and ClickHouse are configured
	CostRecordSvc *consumers.CostRecordConsumer
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Repos:       &Repositories{},
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order.
// Panics on any initialization error (fail-fast at startup).
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitServices()
	c.MustInitBackground()
	c.MustInitApplication()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	c.startAnalytics()

	if svc := c.Background.CostRecordSvc; svc != nil {
		c.WG.Add(1)
		go func() {
			defer c.WG.Done()
			if err := svc.Start(c.Context); err != nil && c.Context.Err() == nil {
				c.Log.Errorw("Cost record consumer failed", "error", err)
			}
		}()
		c.Log.Info("✓ Cost record consumer started")
	}

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorw("HTTP server failed", "error", err)
			c.Cancel()
		}
	}()

	c.Log.Infow("✓ All systems operational",
		"providers", c.Adapters.AI.Providers(),
		"workers", c.Background.WorkerRegistry.Count(),
	)
	return nil
}

// startAnalytics starts the ClickHouse flush loop when the ledger writes to it
// directly. With Kafka configured the consumer owns the writer instead.
func (c *Container) startAnalytics() {
	if c.Repos.CostAnalytics == nil || c.Background.CostRecordSvc != nil {
		return
	}
	c.Repos.CostAnalytics.Start(c.Context)
	c.Log.Info("✓ Analytics batch writer started")
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all components to stop
	c.Cancel()

	var directAnalytics *chrepo.CostAnalyticsRepository
	if c.Background.CostRecordSvc == nil {
		directAnalytics = c.Repos.CostAnalytics
	}

	c.Lifecycle.Shutdown(ShutdownTargets{
		WG:                 c.WG,
		HTTPServer:         c.Application.HTTPServer,
		WorkerScheduler:    c.Background.WorkerScheduler,
		Ledger:             c.Services.Ledger,
		CostRecordConsumer: c.Adapters.CostRecordConsumer,
		Analytics:          directAnalytics,
		KafkaProducer:      c.Adapters.KafkaProducer,
		PG:                 c.PG,
		CH:                 c.CH,
		Redis:              c.Redis,
		ErrorTracker:       c.ErrorTracker,
	}, c.Log)
}
