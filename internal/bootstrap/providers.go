package bootstrap

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"concierge/internal/adapters/ai"
	chclient "concierge/internal/adapters/clickhouse"
	"concierge/internal/adapters/config"
	errnoop "concierge/internal/adapters/errors/noop"
	"concierge/internal/adapters/errors/sentry"
	"concierge/internal/adapters/kafka"
	pgclient "concierge/internal/adapters/postgres"
	redisclient "concierge/internal/adapters/redis"
	"concierge/internal/api"
	"concierge/internal/api/health"
	"concierge/internal/consumers"
	"concierge/internal/domain/ai_usage"
	"concierge/internal/events"
	"concierge/internal/metrics"
	chrepo "concierge/internal/repository/clickhouse"
	"concierge/internal/repository/memory"
	pgrepo "concierge/internal/repository/postgres"
	aiusagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/services/matrix"
	"concierge/internal/services/registry"
	"concierge/internal/services/router"
	"concierge/internal/services/usage"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)

	metrics.Init()
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the configured data stores. A store with
// no host is skipped; a configured store that cannot be reached is fatal.
func (c *Container) MustInitInfrastructure() {
	var err error
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	if c.Config.Postgres.Enabled() {
		c.Log.Info("Connecting to PostgreSQL...")
		if c.PG, err = pgclient.NewClient(c.Config.Postgres); err != nil {
			c.Log.Fatalf("failed to connect postgres: %v", err)
		}
		if err := c.PG.Migrate(ctx); err != nil {
			c.Log.Fatalf("failed to migrate postgres: %v", err)
		}
		c.Log.Info("✓ PostgreSQL connected")
	} else {
		c.Log.Warn("PostgreSQL not configured: cost ledger is in-memory and lost on restart")
	}

	if c.Config.ClickHouse.Enabled() {
		c.Log.Info("Connecting to ClickHouse...")
		if c.CH, err = chclient.NewClient(c.Config.ClickHouse); err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		if err := c.CH.Migrate(ctx); err != nil {
			c.Log.Fatalf("failed to migrate clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}

	if c.Config.Redis.Enabled() {
		c.Log.Info("Connecting to Redis...")
		if c.Redis, err = redisclient.NewClient(c.Config.Redis); err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Log.Info("✓ Redis connected")
	}
}

// ========================================
// Phase 3: Repositories
// ========================================

// MustInitRepositories picks the ledger store
func (c *Container) MustInitRepositories() {
	if c.PG != nil {
		c.Repos.CostRecords = pgrepo.NewCostRecordRepository(c.PG.DB())
	} else {
		c.Repos.CostRecords = memory.NewCostRecordRepository()
	}

	if c.CH != nil {
		c.Repos.CostAnalytics = chrepo.NewCostAnalyticsRepository(c.CH.Conn())
	}
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters loads the capability catalog and builds one adapter per
// configured provider, plus the Kafka producer and consumer when brokers are set.
func (c *Container) MustInitAdapters() {
	cat, err := config.LoadCatalog(c.Config.Router.CatalogFile)
	if err != nil {
		c.Log.Fatalf("failed to load capability catalog: %v", err)
	}
	c.Services.Catalog = cat

	c.Adapters.AI, err = ai.BuildAdapters(c.Config.AI, cat.IsDisabled, c.redisClient())
	if err != nil {
		c.Log.Fatalf("failed to build provider adapters: %v", err)
	}

	if c.Config.Kafka.Enabled() {
		c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
		if c.Repos.CostAnalytics != nil {
			c.Adapters.CostRecordConsumer = provideKafkaConsumer(c.Config, c.Config.Kafka.CostRecordTopic, c.Log)
		}
	}
}

// ========================================
// Phase 5: Core Services
// ========================================

// MustInitServices wires matrix, registry, ledger, router and reporter
func (c *Container) MustInitServices() {
	cfg := c.Config

	m, err := matrix.FromCatalog(c.Services.Catalog)
	if err != nil {
		c.Log.Fatalf("invalid capability matrix: %v", err)
	}
	c.Services.Matrix = matrix.NewHolder(m)

	priceBook, err := registry.PriceBookFromCatalog(c.Services.Catalog)
	if err != nil {
		c.Log.Fatalf("invalid price book: %v", err)
	}
	c.Services.Registry = registry.New(priceBook, registry.ListersFromAdapters(c.Adapters.AI), registry.Config{
		MaxStaleness: cfg.Registry.MaxStaleness,
		ListTimeout:  cfg.Registry.ListTimeout,
	}, c.Log)

	initCtx, cancel := context.WithTimeout(c.Context, cfg.Registry.ListTimeout+5*time.Second)
	defer cancel()
	if err := c.Services.Registry.Init(initCtx); err != nil {
		c.Log.Fatalf("model registry init failed: %v", err)
	}
	c.Log.Infow("✓ Model registry ready", "models", c.Services.Registry.ModelCounts())

	ledgerCfg := aiusagesvc.Config{
		WriteTimeout:   cfg.Ledger.WriteTimeout,
		RetryQueueSize: cfg.Ledger.RetryQueueSize,
	}
	if limit, ok, _ := cfg.Ledger.DailyBudget(); ok {
		ledgerCfg.DailyBudget = &limit
	}
	c.Services.Ledger = aiusagesvc.NewLedger(c.Repos.CostRecords, c.providePublisher(), c.ErrorTracker, ledgerCfg, c.Log)

	c.Services.Router = router.New(
		c.Services.Matrix,
		c.Services.Registry,
		c.Adapters.AI,
		c.Services.Ledger,
		c.ErrorTracker,
		router.Config{
			CallTimeout:     cfg.Router.CallTimeout,
			RequestDeadline: cfg.Router.RequestDeadline,
			MaxChainLength:  cfg.Router.MaxChainLength,
		},
		c.Log,
	)

	var analytics ai_usage.AnalyticsRepository
	if c.Repos.CostAnalytics != nil {
		analytics = c.Repos.CostAnalytics
	}
	c.Services.Usage = usage.NewService(c.Services.Ledger, analytics, c.Log)

	var pgDB *sqlx.DB
	if c.PG != nil {
		pgDB = c.PG.DB()
	}
	metrics.RegisterCollector(metrics.NewBrokerCollector(c.Log, pgDB, c.Services.Ledger, c.Services.Registry))

	c.Log.Infow("✓ Router ready",
		"providers", c.Services.Matrix.Load().Providers(),
		"ledger", ledgerCfg.String(),
	)
}

// ========================================
// Phase 7: Application Layer
// ========================================

// MustInitApplication builds the health checks and the HTTP server
func (c *Container) MustInitApplication() {
	h := health.New(c.Log, c.Config.App.Name, c.Config.App.Version).
		AddCheck("models", true, health.ModelsCheck(c.Services.Registry.ModelCounts))
	if c.PG != nil {
		h.AddCheck("postgres", true, c.PG.Health)
	}
	if c.CH != nil {
		h.AddCheck("clickhouse", false, c.CH.Health)
	}
	if c.Redis != nil {
		h.AddCheck("redis", false, c.Redis.Health)
	}
	c.Application.HealthHandler = h

	c.Application.HTTPServer = provideHTTPServer(c)
}

// ========================================
// Phase 6: Background Processing
// ========================================

// MustInitBackground registers workers and the analytics consumer
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler, c.Background.WorkerRegistry = provideWorkers(c)

	if c.Adapters.CostRecordConsumer != nil {
		c.Background.CostRecordSvc = consumers.NewCostRecordConsumer(
			c.Adapters.CostRecordConsumer,
			c.Repos.CostAnalytics,
			c.Log,
		)
	}
}

// ========================================
// Providers
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, cfg.App.Version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		WriteTimeout: 10 * time.Second,
	})
	log.Infow("✓ Kafka producer initialized", "brokers", cfg.Kafka.Brokers)
	return producer
}

func provideKafkaConsumer(cfg *config.Config, topic string, log *logger.Logger) *kafka.Consumer {
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   topic,
	})
	log.Infow("✓ Kafka consumer initialized", "topic", topic, "group", cfg.Kafka.GroupID)
	return consumer
}

// providePublisher picks where committed cost records are mirrored: Kafka when
// brokers are set, straight into the ClickHouse buffer otherwise, or nowhere.
func (c *Container) providePublisher() aiusagesvc.EventPublisher {
	switch {
	case c.Adapters.KafkaProducer != nil:
		return events.NewCostPublisher(c.Adapters.KafkaProducer, c.Config.Kafka.CostRecordTopic, c.Log)
	case c.Repos.CostAnalytics != nil:
		return analyticsPublisher{repo: c.Repos.CostAnalytics}
	default:
		return nil
	}
}

// analyticsPublisher feeds the analytics buffer in-process when Kafka is absent
type analyticsPublisher struct {
	repo *chrepo.CostAnalyticsRepository
}

func (p analyticsPublisher) PublishCostRecorded(ctx context.Context, rec ai_usage.CostRecord) error {
	return p.repo.Add(ctx, rec)
}

func provideHTTPServer(c *Container) *api.Server {
	handlers := api.NewHandlers(
		c.Services.Router,
		c.Services.Usage,
		c.Services.Registry,
		c.Background.WorkerRegistry,
		c.Log,
	)

	var mws []api.Middleware
	if t, ok := c.ErrorTracker.(*sentry.Tracker); ok {
		mws = append(mws, t.Middleware)
	}
	mws = append(mws, api.RequestLogging(c.Log))

	return api.NewServer(api.ServerConfig{
		Port:         c.Config.HTTP.Port,
		ServiceName:  c.Config.App.Name,
		Version:      c.Config.App.Version,
		AdminToken:   c.Config.HTTP.AdminToken,
		ReadTimeout:  c.Config.HTTP.ReadTimeout,
		WriteTimeout: c.Config.HTTP.WriteTimeout,
		Middlewares:  mws,
	}, c.Application.HealthHandler, handlers, c.Log)
}

func (c *Container) redisClient() *goredis.Client {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Client()
}
