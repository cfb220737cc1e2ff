// Package app provides the application lifecycle of the feature index server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/arkilian/featureindex/internal/api/http"
	"github.com/arkilian/featureindex/internal/config"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/manager"
	"github.com/arkilian/featureindex/internal/observability"
	"github.com/arkilian/featureindex/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns the store, the manager registry, the HTTP server and the
// background policy.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	store    *gpkg.Store
	registry *manager.Registry
	metrics  *prometheus.Registry
	life     *server.Lifecycle

	httpServer *http.Server
	policy     *manager.Policy

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.ReadOnly {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
	}

	return &App{
		cfg:    cfg,
		logger: logging.OrNoop(logger),
	}, nil
}

// Registry returns the manager registry; nil before Start.
func (a *App) Registry() *manager.Registry { return a.registry }

// Handler returns the HTTP handler; nil before Start.
func (a *App) Handler() http.Handler {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Handler
}

// Start opens the store and starts the HTTP server and, when enabled, the
// reindex policy.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.Policy.Enabled {
		if err := a.startPolicy(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start policy: %w", err)
		}
	}

	a.startHTTPServer()
	a.logger.Info("featureindex started", "geopackage", a.cfg.GeoPackage, "addr", a.cfg.HTTP.Addr)
	return nil
}

// initSharedResources opens the store and builds the registry, metrics
// and lifecycle.
func (a *App) initSharedResources(ctx context.Context) error {
	store, err := gpkg.Open(ctx, a.cfg.GeoPackage, gpkg.Options{
		ReadOnly:           a.cfg.ReadOnly,
		MaxOpenConns:       a.cfg.Index.MaxOpenConns,
		TableInfoCacheSize: a.cfg.Index.TableInfoCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open geopackage: %w", err)
	}
	a.store = store

	opts, err := manager.OptionsFromConfig(a.cfg.Index, a.logger)
	if err != nil {
		return err
	}
	opts.Stats = observability.NewQueryStats(a.cfg.Policy.StatsWindow)
	a.registry = manager.NewRegistry(store, opts)

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(manager.Collectors()...)
	a.metrics.MustRegister(collectors.NewGoCollector())

	a.life = server.NewLifecycle(server.Options{Logger: a.logger})
	a.life.Register("geopackage", store)
	return nil
}

func (a *App) startPolicy(ctx context.Context) error {
	policy, err := manager.NewPolicy(a.registry, a.cfg.Policy, a.logger)
	if err != nil {
		return err
	}
	a.policy = policy

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := policy.RunOnce(ctx); err != nil {
			a.logger.Warn("policy: initial evaluation failed", "error", err)
		}
		policy.Run(ctx)
	}()
	return nil
}

func (a *App) startHTTPServer() {
	handler := httpapi.NewHandler(a.registry, a.cfg.HTTP.MaxLimit, a.logger)
	router := httpapi.NewRouter(handler, a.metrics)

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.life.Guard(router),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.life.Register("http", server.HTTPServer(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("http: listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http: server error", "error", err)
		}
	}()
}

// Stop cancels the policy, shuts the HTTP server down and closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	err := a.life.Stop(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}

	a.logger.Info("featureindex stopped")
	return err
}

// cleanup releases shared resources after a failed start.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.life.Wait(ctx)
}
