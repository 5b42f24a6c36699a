// Package server builds the scheduler's dependency graph and runs its roles.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/api"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/beat"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/dataforseo"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/onpage"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/pageaudit"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/config"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/id/uuid"
	lockmemory "github.com/JakeFAU/seo-crawl-scheduler/internal/lock/memory"
	lockredis "github.com/JakeFAU/seo-crawl-scheduler/internal/lock/redis"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/logging"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	memorypublisher "github.com/JakeFAU/seo-crawl-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/seo-crawl-scheduler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/seo-crawl-scheduler/internal/queue/memory"
	queueredis "github.com/JakeFAU/seo-crawl-scheduler/internal/queue/redis"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/recovery"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/seo-crawl-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/seo-crawl-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/seo-crawl-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/seo-crawl-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/telemetry"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     scheduler.Clock
	store     scheduler.EntityStore
	locker    scheduler.Locker
	queue     scheduler.Queue
	dispatch  *dispatcher.Dispatcher
	sweeper   *recovery.Sweeper
	beat      *beat.Beat
	apiServer *api.Server
	checks    map[string]api.ReadinessCheck

	memoryQueue     *queuememory.Queue
	redis           goredis.UniversalClient
	pgStore         *pgstore.EntityStore
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	auditor         *pageaudit.Auditor
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: make(map[string]api.ReadinessCheck),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupCoordination(ctx, app); err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	runners, err := setupRunners(app)
	if err != nil {
		return nil, err
	}

	policies, err := cfg.IntervalPolicies()
	if err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(app.queue, app.store, nil, uuid.New(), app.clock, logger.Named("dispatcher"))
	workerCfg := cfg.WorkerConfig()
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		app.dispatch.AddWorkers(worker.New(
			app.queue,
			app.store,
			app.locker,
			runners,
			app.dispatch,
			blobStore,
			publisher,
			app.clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	app.sweeper = recovery.New(app.store, app.locker, app.queue, app.clock, cfg.RecoveryConfig(), logger.Named("recovery"))

	app.beat = beat.New(app.locker, app.clock, logger.Named("beat"))
	for _, tick := range beat.StandardTicks(cfg.Beat, app.dispatch, app.sweeper) {
		if err = app.beat.Register(tick); err != nil {
			return nil, fmt.Errorf("beat init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(
		app.store,
		app.dispatch,
		app.clock,
		api.Config{
			APIKey:         cfg.Server.APIKey,
			RequestTimeout: cfg.Server.RequestTimeout,
			Policies:       policies,
		},
		app.checks,
		logger.Named("api"),
	)

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory entity store")
		app.store = memorystorage.NewEntityStore()
		return nil
	}
	var err error
	app.pgStore, err = pgstore.NewEntityStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("entity store init failed: %w", err)
	}
	if app.cfg.Database.AutoMigrate {
		if err := app.pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("entity store migrate failed: %w", err)
		}
	}
	app.store = app.pgStore
	app.checks["postgres"] = app.pgStore.Ping
	app.logger.Info("entity store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupCoordination(ctx context.Context, app *App) error {
	queueCfg := app.cfg.Worker
	if app.cfg.Redis.Addr == "" {
		app.logger.Warn("no redis address configured, using in-process lock and queue")
		app.locker = lockmemory.New(app.clock)
		app.memoryQueue = queuememory.NewQueue(app.clock, queuememory.Config{
			Visibility:   queueCfg.VisibilityTimeout,
			PollInterval: queueCfg.PollInterval,
		})
		app.queue = app.memoryQueue
		return nil
	}
	app.redis = goredis.NewClient(&goredis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	app.locker = lockredis.New(app.redis, app.cfg.Redis.LockPrefix)
	app.queue = queueredis.New(app.redis, app.clock, queueredis.Config{
		Namespace:    app.cfg.Redis.Namespace,
		Visibility:   queueCfg.VisibilityTimeout,
		PollInterval: queueCfg.PollInterval,
	})
	app.checks["redis"] = func(ctx context.Context) error {
		return app.redis.Ping(ctx).Err()
	}
	app.logger.Info("redis lock and queue initialized", zap.String("addr", app.cfg.Redis.Addr))
	return nil
}

func setupStorage(ctx context.Context, app *App) (scheduler.BlobStore, error) {
	var blobStore scheduler.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (scheduler.Publisher, error) {
	if app.cfg.PubSub.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return app.pubsubPublisher, nil
}

func setupRunners(app *App) (map[scheduler.EntityKind]scheduler.Runner, error) {
	deps := collector.Deps{
		OnPage: onpage.New(app.cfg.OnPage, app.logger),
		Clock:  app.clock,
	}

	if app.cfg.DataForSEO.Login != "" {
		client, err := dataforseo.New(app.cfg.DataForSEO, nil, app.logger)
		if err != nil {
			return nil, fmt.Errorf("dataforseo client init failed: %w", err)
		}
		deps.Rank = client
		deps.Backlinks = client
		app.logger.Info("dataforseo collectors enabled", zap.Float64("rps", app.cfg.DataForSEO.RPS))
	} else {
		app.logger.Warn("no dataforseo credentials, keyword and backlink runs will be skipped")
	}

	if app.cfg.Audit.Enabled {
		var err error
		app.auditor, err = pageaudit.New(app.cfg.Audit.Config)
		if err != nil {
			return nil, fmt.Errorf("page auditor init failed: %w", err)
		}
		deps.PageAudit = app.auditor
		app.logger.Info("headless page auditor enabled", zap.Int("max_parallel", app.cfg.Audit.MaxParallel))
	} else {
		app.logger.Warn("headless page auditor disabled, audit_page runs will be skipped")
	}

	return collector.Runners(app.cfg.Collector, deps), nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Enqueue places a single manual or onboarding trigger.
func (a *App) Enqueue(ctx context.Context, ref scheduler.Ref, trigger scheduler.Trigger) error {
	return a.dispatch.Enqueue(ctx, ref, trigger)
}

// Sweep runs one recovery pass.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.sweeper.Run(ctx)
}

// Roles selects which long-running loops Run starts.
type Roles struct {
	API     bool
	Workers bool
	Beat    bool
}

// Run starts the selected roles and blocks until the context is canceled or
// a termination signal arrives. The caller still owns Close.
func (a *App) Run(ctx context.Context, roles Roles) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started",
		zap.Bool("api", roles.API),
		zap.Bool("workers", roles.Workers),
		zap.Bool("beat", roles.Beat),
	)

	done := make(chan struct{}, 2)
	running := 0
	if roles.Workers {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
		}()
	}
	if roles.Beat {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			a.logger.Info("beat started")
			a.beat.Run(ctx)
		}()
	}

	var srv *http.Server
	if roles.API {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	for ; running > 0; running-- {
		<-done
	}
	a.logger.Info("roles stopped")
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.auditor != nil {
		a.auditor.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
