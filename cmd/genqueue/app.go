package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/genqueue/internal/api"
	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/metrics"
	"github.com/phrazzld/genqueue/internal/platform/telemetry"
	"github.com/phrazzld/genqueue/internal/router"
	"github.com/phrazzld/genqueue/internal/store"
	"github.com/phrazzld/genqueue/internal/task"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

// application holds the shared dependencies of the serve command and
// owns their shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	store         queueStore
	meterProvider *sdkmetric.MeterProvider
	router        *router.Router
	processor     *task.Processor
	reaper        *task.Reaper
	resumer       *task.Resumer
	handler       http.Handler
}

// newApplication wires every component. providers is normally the result
// of buildProviders; db may be nil for the memory driver.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB, providers []router.Provider) (_ *application, err error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}
	defer func() {
		if err != nil && app.meterProvider != nil {
			_ = app.meterProvider.Shutdown(context.Background())
		}
	}()

	app.store, err = newQueueStore(cfg.Database.Driver, db)
	if err != nil {
		return nil, fmt.Errorf("failed to create task store: %w", err)
	}

	var sink metrics.Sink
	if cfg.Metrics.ExportEnabled {
		app.meterProvider, err = telemetry.NewMeterProvider(context.Background(), telemetry.Config{
			ServiceName:       "genqueue",
			ServiceVersion:    Version,
			CollectorEndpoint: cfg.Metrics.CollectorEndpoint,
			ExportInterval:    cfg.Metrics.ExportInterval,
			Insecure:          cfg.Metrics.ExportInsecure,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure metric export: %w", err)
		}
		otelSink := metrics.NewOTelSink(app.meterProvider)
		otelSink.OnError(func(name string, err error) {
			logger.Warn("metric instrument unavailable", slog.String("metric", name), slog.String("error", err.Error()))
		})
		sink = otelSink
	}

	app.router, err = router.New(providers, router.Config{
		FailureThreshold: cfg.Router.BreakerFailureThreshold,
		OpenDuration:     cfg.Router.BreakerOpenDuration,
		HistogramWindow:  cfg.Metrics.HistogramWindowSize,
	}, logger, router.WithSink(sink))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider router: %w", err)
	}

	executor, err := task.NewGenerationExecutor(app.router, app.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	app.processor = task.NewProcessor(app.store, executor, task.ProcessorConfig{
		WorkerCount:       cfg.Worker.Count,
		PollInterval:      cfg.Worker.PollInterval,
		TaskTimeout:       cfg.Worker.TaskTimeout,
		FetchTimeout:      cfg.Worker.FetchTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		HistogramWindow:   cfg.Metrics.HistogramWindowSize,
	}, logger, task.WithMetricsSink(sink))

	app.reaper = task.NewReaper(app.store, cfg.Worker.LeaseTimeout, cfg.Worker.ReapInterval, logger)

	app.resumer, err = task.NewResumer(app.store, cfg.Worker.ResumeSchedule, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resumer: %w", err)
	}

	app.handler = api.NewRouter(api.RouterConfig{
		Tasks:     api.NewTaskHandler(app.store, app.processor),
		Providers: api.NewProviderHandler(app.router),
		Logger:    logger,
	})

	logger.Info("application initialized",
		slog.String("database_driver", cfg.Database.Driver),
		slog.Int("providers", len(providers)),
		slog.Int("workers", cfg.Worker.Count))
	return app, nil
}

// Run serves HTTP and processes tasks until ctx is canceled or the server
// fails, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Requeue work orphaned by a previous crash before workers start.
	if _, err := app.reaper.ReapOnce(ctx); err != nil {
		app.logger.Warn("initial reap failed", slog.String("error", err.Error()))
	}

	app.processor.Start()
	app.reaper.Start()
	app.resumer.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("starting HTTP server", slog.Int("port", app.config.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	app.cleanup()
	return err
}

func (app *application) shutdownTimeout() time.Duration {
	if app.config.Server.ShutdownTimeout > 0 {
		return app.config.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// cleanup stops background workers, flushes metrics and closes the
// database. In-flight tasks finish before the connection is closed.
func (app *application) cleanup() {
	if app.resumer != nil {
		app.resumer.Stop()
	}
	if app.reaper != nil {
		app.reaper.Stop()
	}
	if app.processor != nil {
		app.processor.Stop()
	}

	if app.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
		if err := app.meterProvider.Shutdown(ctx); err != nil {
			app.logger.Warn("metric export shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", slog.String("error", err.Error()))
		}
	}

	app.logger.Info("application shutdown completed")
}

// openStore opens the configured database and, when migrate is set,
// brings its schema up to date.
func openStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool, logger *slog.Logger) (*sql.DB, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if db == nil || !migrate {
		return db, nil
	}
	if err := runMigrations(ctx, db, cfg.Driver, store.MigrateUp, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
