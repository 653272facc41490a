// Package server assembles the service's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/api"
	channelmemory "github.com/archival-systems/fetcherd/internal/channelcfg/memory"
	channelpg "github.com/archival-systems/fetcherd/internal/channelcfg/postgres"
	"github.com/archival-systems/fetcherd/internal/clock/system"
	codegcs "github.com/archival-systems/fetcherd/internal/codestore/gcs"
	codememory "github.com/archival-systems/fetcherd/internal/codestore/memory"
	"github.com/archival-systems/fetcherd/internal/config"
	"github.com/archival-systems/fetcherd/internal/dispatch"
	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/gen/template"
	"github.com/archival-systems/fetcherd/internal/id/uuid"
	"github.com/archival-systems/fetcherd/internal/lifecycle"
	"github.com/archival-systems/fetcherd/internal/logging"
	"github.com/archival-systems/fetcherd/internal/metrics"
	"github.com/archival-systems/fetcherd/internal/orchestrator"
	"github.com/archival-systems/fetcherd/internal/policy/ratelimit"
	"github.com/archival-systems/fetcherd/internal/policy/retry"
	pubgcs "github.com/archival-systems/fetcherd/internal/publisher/gcs"
	pubmemory "github.com/archival-systems/fetcherd/internal/publisher/memory"
	queuememory "github.com/archival-systems/fetcherd/internal/queue/memory"
	"github.com/archival-systems/fetcherd/internal/runner/collyrunner"
	"github.com/archival-systems/fetcherd/internal/runner/headless"
	"github.com/archival-systems/fetcherd/internal/runner/localdir"
	amqpsource "github.com/archival-systems/fetcherd/internal/source/amqp"
	"github.com/archival-systems/fetcherd/internal/status/logsink"
	statuspubsub "github.com/archival-systems/fetcherd/internal/status/pubsub"
	storememory "github.com/archival-systems/fetcherd/internal/store/memory"
	storepg "github.com/archival-systems/fetcherd/internal/store/postgres"
	"github.com/archival-systems/fetcherd/internal/validate"
)

// App holds the service's long-lived dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orch         *orchestrator.Orchestrator
	queue        *queuememory.Queue
	jobSource    *amqpsource.Source
	browser      *headless.Runner
	gcsClient    *storage.Client
	pgPool       *pgxpool.Pool
	statusSink   fetch.StatusSink
	statusCloser func()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Orchestrator.Workers),
	)

	store, channels, err := setupMetadata(ctx, app)
	if err != nil {
		return nil, err
	}
	codeStore, err := setupCodeStore(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.NewGenerator()

	runners, custom, err := setupRunners(app)
	if err != nil {
		return nil, err
	}

	validator := validate.New(store, channels, codeStore, custom, validate.Config{
		ReferenceWindow: cfg.Validation.ReferenceWindow,
		MinSuccessRatio: cfg.Validation.MinSuccessRatio,
	}, logger.Named("validate"))

	generator := template.New(template.Config{}, logger.Named("generator"))
	manager := lifecycle.New(store, generator, codeStore, validator, ids, clock, logger.Named("lifecycle"))

	retryCfg := retry.Config{
		MaxSimple:   cfg.Retry.MaxSimple,
		MaxWorkflow: cfg.Retry.MaxWorkflow,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	dispatcher := dispatch.New(
		channels, manager, runners, custom, publisher, store,
		retryCfg, clock, logger.Named("dispatch"),
	)

	if err := setupStatusSink(ctx, app, clock); err != nil {
		return nil, err
	}

	app.queue = queuememory.NewQueue(cfg.Orchestrator.QueueDepth)
	app.orch = orchestrator.New(
		app.queue, store, dispatcher, app.statusSink, clock,
		orchestrator.Config{
			Workers:       cfg.Orchestrator.Workers,
			JobTimeout:    cfg.Orchestrator.JobTimeout,
			ReportTimeout: cfg.Orchestrator.ReportTimeout,
		},
		logger.Named("orchestrator"),
	)

	if cfg.AMQP.Enabled {
		app.jobSource, err = amqpsource.New(amqpsource.Config{
			URL:           cfg.AMQP.URL,
			Queue:         cfg.AMQP.Queue,
			ConsumerTag:   cfg.AMQP.ConsumerTag,
			PrefetchCount: cfg.AMQP.PrefetchCount,
			DeclareQueue:  cfg.AMQP.DeclareQueue,
		}, app.orch, clock, logger.Named("amqp"))
		if err != nil {
			return nil, fmt.Errorf("amqp source init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(app.orch, ids, clock, *cfg, logger.Named("api"))
	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("orchestrator started")
		a.orch.Run(ctx)
	}()

	if a.jobSource != nil {
		go func() {
			a.logger.Info("amqp job source started")
			if err := a.jobSource.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("amqp job source stopped", zap.Error(err))
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	if a.jobSource != nil {
		if err := a.jobSource.Close(); err != nil {
			a.logger.Warn("amqp source close failed", zap.Error(err))
		}
	}
	a.queue.Close()
	if a.browser != nil {
		a.browser.Close()
	}
	if a.statusCloser != nil {
		a.statusCloser()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if err := a.logger.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func setupMetadata(ctx context.Context, app *App) (fetch.MetadataStore, fetch.ChannelConfigSource, error) {
	switch app.cfg.DB.Backend {
	case "postgres":
		app.logger.Info("using postgres metadata store")
		poolCfg, err := pgxpool.ParseConfig(app.cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if app.cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = app.cfg.DB.MaxConns
		}
		if app.cfg.DB.MinConns > 0 {
			poolCfg.MinConns = app.cfg.DB.MinConns
		}
		if app.cfg.DB.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = app.cfg.DB.MaxConnLifetime
		}
		app.pgPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store, err := storepg.NewWithPool(app.pgPool)
		if err != nil {
			return nil, nil, err
		}
		// Channel seeds in config take precedence over database rows so
		// development overrides keep working against a shared database.
		if len(app.cfg.Channels) > 0 {
			channels, err := seedChannels(app.cfg.Channels)
			if err != nil {
				return nil, nil, err
			}
			return store, channels, nil
		}
		channels, err := channelpg.New(app.pgPool)
		if err != nil {
			return nil, nil, err
		}
		return store, channels, nil
	default:
		app.logger.Info("using in-memory metadata store")
		channels, err := seedChannels(app.cfg.Channels)
		if err != nil {
			return nil, nil, err
		}
		return storememory.New(), channels, nil
	}
}

func seedChannels(seeds map[string]config.ChannelSeed) (*channelmemory.Source, error) {
	configs := make(map[string]fetch.ChannelConfig, len(seeds))
	for id, seed := range seeds {
		configs[id] = fetch.ChannelConfig{
			ChannelID:  id,
			SourceType: fetch.SourceType(seed.SourceType),
			TargetURL:  seed.TargetURL,
			Params:     seed.Params,
		}
	}
	return channelmemory.New(configs)
}

func setupCodeStore(ctx context.Context, app *App) (fetch.CodeStorage, error) {
	if app.cfg.CodeStore.Backend != "gcs" {
		app.logger.Info("using in-memory code store")
		return codememory.New(), nil
	}
	client, err := app.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	app.logger.Info("using GCS code store", zap.String("bucket", app.cfg.CodeStore.GCSBucket))
	return codegcs.New(client, codegcs.Config{
		Bucket: app.cfg.CodeStore.GCSBucket,
		Prefix: app.cfg.CodeStore.Prefix,
	})
}

func setupPublisher(ctx context.Context, app *App) (fetch.Publisher, error) {
	if app.cfg.Publisher.Backend != "gcs" {
		app.logger.Info("using in-memory publisher")
		return pubmemory.New(), nil
	}
	client, err := app.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	app.logger.Info("using GCS publisher", zap.String("bucket", app.cfg.Publisher.GCSBucket))
	return pubgcs.New(client, pubgcs.Config{
		Bucket:      app.cfg.Publisher.GCSBucket,
		Prefix:      app.cfg.Publisher.Prefix,
		ContentType: app.cfg.Publisher.ContentType,
	}, app.logger.Named("publisher"))
}

func setupRunners(app *App) (map[fetch.SourceType]fetch.SourceRunner, map[fetch.ExecutionMode]fetch.SourceRunner, error) {
	pacer := ratelimit.New(ratelimit.Config{
		RPS:   app.cfg.Runners.RateLimit.RPS,
		Burst: app.cfg.Runners.RateLimit.Burst,
	})
	httpRunner := collyrunner.New(collyrunner.Config{
		UserAgent: app.cfg.Runners.HTTP.UserAgent,
		Timeout:   app.cfg.Runners.HTTP.Timeout,
	}, pacer, app.logger.Named("http_runner"))

	if err := os.MkdirAll(app.cfg.Runners.Landing.BaseDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create landing directory: %w", err)
	}
	landing, err := localdir.New(localdir.Config{
		BaseDir:      app.cfg.Runners.Landing.BaseDir,
		MaxFileBytes: app.cfg.Runners.Landing.MaxFileBytes,
	}, app.logger.Named("landing_runner"))
	if err != nil {
		return nil, nil, fmt.Errorf("landing runner init failed: %w", err)
	}

	runners := map[fetch.SourceType]fetch.SourceRunner{
		fetch.SourceGenericAPI: httpRunner,
		fetch.SourceS3:         landing,
		fetch.SourceFTP:        landing,
	}
	custom := map[fetch.ExecutionMode]fetch.SourceRunner{
		fetch.ModeHTTP: httpRunner,
	}
	if app.cfg.Runners.Browser.Enabled {
		browser, err := headless.New(headless.Config{
			MaxParallel:       app.cfg.Runners.Browser.MaxParallel,
			UserAgent:         app.cfg.Runners.HTTP.UserAgent,
			NavigationTimeout: app.cfg.Runners.Browser.NavigationTimeout,
		}, pacer, app.logger.Named("browser_runner"))
		if err != nil {
			return nil, nil, fmt.Errorf("browser runner init failed: %w", err)
		}
		app.browser = browser
		custom[fetch.ModeBrowser] = browser
		app.logger.Info("browser execution enabled",
			zap.Int("max_parallel", app.cfg.Runners.Browser.MaxParallel))
	}
	return runners, custom, nil
}

func setupStatusSink(ctx context.Context, app *App, clock fetch.Clock) error {
	if app.cfg.Status.Backend != "pubsub" {
		app.statusSink = logsink.New(app.logger.Named("status"))
		return nil
	}
	sink, err := statuspubsub.New(ctx, statuspubsub.Config{
		ProjectID: app.cfg.Status.ProjectID,
		Topic:     app.cfg.Status.Topic,
		Timeout:   app.cfg.Status.Timeout,
	}, clock, app.logger.Named("status"))
	if err != nil {
		return fmt.Errorf("pubsub status sink init failed: %w", err)
	}
	app.statusSink = sink
	app.statusCloser = sink.Close
	app.logger.Info("pubsub status sink initialized",
		zap.String("project", app.cfg.Status.ProjectID),
		zap.String("topic", app.cfg.Status.Topic),
	)
	return nil
}

func (a *App) storageClient(ctx context.Context) (*storage.Client, error) {
	if a.gcsClient != nil {
		return a.gcsClient, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	a.gcsClient = client
	return client, nil
}
