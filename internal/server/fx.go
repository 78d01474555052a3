// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/api"
	"github.com/JakeFAU/bmie/internal/clock/system"
	"github.com/JakeFAU/bmie/internal/config"
	"github.com/JakeFAU/bmie/internal/hash/sha256"
	"github.com/JakeFAU/bmie/internal/id/uuid"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/logging"
	"github.com/JakeFAU/bmie/internal/orchestrator"
	"github.com/JakeFAU/bmie/internal/policy/retry"
	"github.com/JakeFAU/bmie/internal/progress"
	progresssinks "github.com/JakeFAU/bmie/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bmie/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bmie/internal/publisher/pubsub"
	"github.com/JakeFAU/bmie/internal/source"
	gcsstorage "github.com/JakeFAU/bmie/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bmie/internal/storage/local"
	memorystorage "github.com/JakeFAU/bmie/internal/storage/memory"
	"github.com/JakeFAU/bmie/internal/storage/postgres"
)

// localSummaryTopic receives run summaries when no Pub/Sub topic is set.
const localSummaryTopic = "local-run-summaries"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	orchestrator    *orchestrator.Orchestrator
	router          *Router
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	history         *postgres.HistoryStore
	readyChecks     []func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		FetcherMode string `json:"fetcher_mode"`
		Storage     string `json:"storage"`
		LLMProvider string `json:"llm_provider"`
		Headless    bool   `json:"headless"`
		History     bool   `json:"history"`
	}
	safeCfg := sanitizedConfig{
		ServerPort:  cfg.Server.Port,
		FetcherMode: cfg.Fetcher.Mode,
		Storage:     cfg.Storage.Backend,
		LLMProvider: cfg.LLM.Provider,
		Headless:    cfg.Headless.Enabled,
		History:     cfg.History.DSN != "",
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Orchestrator exposes the engine for in-process runs.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	// Streaming responses end once the active run is terminal, so cancel it
	// before draining the server.
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("run shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			a.logger.Warn("run shutdown incomplete", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.router != nil {
		a.router.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
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
	if a.history != nil {
		a.history.Close()
	}
}

// ready runs every registered readiness check.
func (a *App) ready(ctx context.Context) error {
	for _, check := range a.readyChecks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger wires every dependency using the provided logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	if err := setupHistory(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	progressEmitter, err := setupProgress(app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.router, err = NewRouter(RouterConfig{
		Fetcher:  cfg.Fetcher,
		Headless: cfg.Headless,
		LLM:      cfg.LLM,
		Clock:    system.New(),
	}, logger)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("collaborator init failed: %w", err)
	}

	app.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Source: source.New(source.Config{
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.SourceTimeout(),
			MaxItems:  cfg.Source.MaxItems,
			MaxDepth:  cfg.Source.MaxDepth,
		}, logger),
		Router:       app.router,
		Store:        blobStore,
		Hasher:       sha256.New(),
		Publisher:    publisher,
		SummaryTopic: topic,
		Clock:        system.New(),
		IDs:          uuid.New(),
		Progress:     progressEmitter,
		Retry: orchestrator.RetryConfig{
			Strategy: retry.Strategy(cfg.Retry.Strategy),
			MaxDelay: cfg.MaxRetryDelay(),
		},
		FinishTimeout: cfg.ShutdownTimeout(),
	}, logger)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	apiOpts := api.Options{
		Defaults:       cfg.Job,
		APIKey:         cfg.Server.APIKey,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Ready:          app.ready,
	}
	if app.history != nil {
		apiOpts.History = app.history
	}
	app.apiServer = api.NewServer(app.orchestrator, apiOpts, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (job.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		bucket := app.cfg.Storage.GCSBucket
		app.readyChecks = append(app.readyChecks, func(ctx context.Context) error {
			if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
				return fmt.Errorf("gcs bucket %s: %w", bucket, err)
			}
			return nil
		})
		app.logger.Debug("GCS storage backend", zap.String("bucket", bucket))
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", blobStore.BaseDir()))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (job.Publisher, string, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), localSummaryTopic, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, app.cfg.PubSub.TopicName, nil
}

func setupHistory(ctx context.Context, app *App) error {
	cfg := app.cfg.History
	if cfg.DSN == "" {
		app.logger.Info("run history disabled")
		return nil
	}
	history, err := postgres.NewHistoryStore(ctx, postgres.HistoryStoreConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeSec) * time.Second,
		EnsureSchema:    cfg.EnsureSchema,
	})
	if err != nil {
		return fmt.Errorf("run history init failed: %w", err)
	}
	app.history = history
	app.readyChecks = append(app.readyChecks, history.Ping)
	app.logger.Info("run history enabled", zap.Bool("ensure_schema", cfg.EnsureSchema))
	return nil
}

func setupProgress(app *App) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if app.history != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.history, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.cfg.Progress.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if app.cfg.Progress.PrometheusSink {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}
