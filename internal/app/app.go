// Package app initializes and orchestrates the main components of invoice-relay.
// It wires together the configuration, the job store, the intake services,
// the worker pool and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sevigo/invoice-relay/internal/authority"
	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/dispatch"
	"github.com/sevigo/invoice-relay/internal/filing"
	"github.com/sevigo/invoice-relay/internal/handlers"
	"github.com/sevigo/invoice-relay/internal/ingest"
	"github.com/sevigo/invoice-relay/internal/jobs"
	"github.com/sevigo/invoice-relay/internal/notify"
	"github.com/sevigo/invoice-relay/internal/server"
	"github.com/sevigo/invoice-relay/internal/signature"
	"github.com/sevigo/invoice-relay/internal/storage"
)

// App holds the main application components. The exported services are used
// directly by the CLI.
type App struct {
	Store      storage.Store
	Verifier   *signature.Verifier
	Dispatcher *dispatch.Dispatcher
	Ingest     *ingest.Service
	Filing     *filing.Service
	Pool       *jobs.Pool

	cfg    *config.Config
	server *server.Server
	logger *slog.Logger

	mu            sync.Mutex
	cancelWorkers context.CancelFunc
	workersDone   chan error
}

// NewApp sets up the application with all its dependencies.
func NewApp(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*App, error) {
	logger.Info("initializing invoice-relay",
		"sources", cfg.Sources.Names(),
		"database_driver", cfg.Database.Driver,
		"workers", cfg.Worker.Workers)

	notifier := notify.New(cfg.Notify, logger)
	dispatcher := dispatch.NewDispatcher(cfg.Sources, notifier, cfg.Notify.Timeout, logger)
	verifier := signature.New(cfg.Sources, logger)

	ingestSvc := ingest.NewService(cfg.Sources, verifier, dispatcher, store, store, store, logger)
	filingSvc := filing.NewService(cfg.Sources, dispatcher, store, logger)

	deps := handlers.Deps{
		Sink:   handlers.NewLogSink(logger),
		Ledger: store,
		Logger: logger,
	}
	if cfg.Provider.BaseURL != "" {
		deps.Provider = handlers.NewProviderClient(ctx, cfg.Provider)
	}
	if cfg.Authority.BaseURL != "" {
		deps.Authority = authority.NewClient(ctx, cfg.Authority, logger)
	}
	table, err := handlers.ForSources(cfg.Sources, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build job handlers: %w", err)
	}

	pool := jobs.NewPool(store, table, notifier, cfg.Worker, logger)
	httpServer := server.NewServer(cfg, ingestSvc, filingSvc, store, logger)

	logger.Info("invoice-relay initialized successfully")
	return &App{
		Store:      store,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Ingest:     ingestSvc,
		Filing:     filingSvc,
		Pool:       pool,
		cfg:        cfg,
		server:     httpServer,
		logger:     logger,
	}, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Start runs the HTTP server, plus the worker pool when workers are embedded.
// It blocks until the server stops.
func (a *App) Start() error {
	a.logger.Info("starting invoice-relay",
		"server_port", a.cfg.Server.Port,
		"embedded_workers", a.cfg.Worker.Embedded)

	if a.cfg.Worker.Embedded {
		a.startWorkers()
	}

	if err := a.server.Start(); err != nil {
		a.logger.Error("failed to start HTTP server", "error", err)
		return err
	}
	return nil
}

// RunWorkers runs only the worker pool until ctx is cancelled. It is what a
// dedicated worker process runs.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("worker process on the in-memory store only sees jobs it enqueues itself")
	}
	err := a.Pool.Run(ctx)
	a.Dispatcher.Wait()
	return err
}

func (a *App) startWorkers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelWorkers != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelWorkers = cancel
	a.workersDone = make(chan error, 1)
	go func() {
		a.workersDone <- a.Pool.Run(ctx)
	}()
}

func (a *App) stopWorkers() error {
	a.mu.Lock()
	cancel, done := a.cancelWorkers, a.workersDone
	a.cancelWorkers = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

// Stop shuts down the application cleanly. The database itself is closed by
// the cleanup function returned alongside the App.
func (a *App) Stop() error {
	a.logger.Info("shutting down invoice-relay services")

	// Stop the HTTP server first to prevent new incoming requests.
	serverErr := a.server.Stop()
	if serverErr != nil {
		a.logger.Error("error during HTTP server shutdown", "error", serverErr)
	}

	// Let started jobs finish; unstarted claims are released by the pool.
	workerErr := a.stopWorkers()
	if workerErr != nil {
		a.logger.Error("error during worker shutdown", "error", workerErr)
	}

	a.Dispatcher.Wait()

	if err := errors.Join(serverErr, workerErr); err != nil {
		a.logger.Error("invoice-relay stopped with errors", "error", err)
		return err
	}

	a.logger.Info("invoice-relay stopped successfully")
	return nil
}
