package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"aegis/config"
	"aegis/core"
	"aegis/notify"
	"aegis/retention"
	"aegis/service"
	"aegis/util/goroutine"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// sweepInterval is how often timed-out and auto-hide groups are dismissed.
const sweepInterval = 5 * time.Second

// App represents the Aegis application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Engines
	Queue     *core.QueueManager
	Groups    *core.GroupingEngine
	Retention *retention.Engine
	Notifier  *notify.Notifier
	Service   *service.AlertService

	// Lifecycle
	metricsServer *http.Server
	serviceWg     *sync.WaitGroup
	cancel        context.CancelFunc
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{
		serviceWg: &sync.WaitGroup{},
	}

	// Load configuration
	cfg, err := InitConfig()
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Initialize logger
	logger, sugar, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Aegis alert engine starting...")
	LogStartupSummary(cfg, sugar)

	// Pre-flight checks
	dirs := DataDirectoriesFromConfig(cfg)
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	// Initialize storage
	storageComponents, err := InitStorage(cfg, dirs, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = storageComponents

	// Initialize notification sinks
	app.Notifier = notify.NewNotifier(cfg.Notify.Sinks, nil, sugar)

	// Initialize retention engine with the policy document when one exists
	if cfg.Retention.Enabled {
		policy, err := loadRetentionPolicy(cfg, dirs, sugar)
		if err != nil {
			return nil, err
		}
		app.Retention = retention.NewEngine(
			storageComponents.Store,
			storageComponents.Store,
			app.Notifier,
			policy,
			nil,
			sugar,
		)
		sugar.Infow("Retention engine initialized", "policy_version", policy.Version)
	} else {
		sugar.Info("Retention engine disabled by configuration")
	}

	// Initialize grouping engine
	groups, err := core.NewGroupingEngine(cfg.GroupCriteria(), nil, sugar)
	if err != nil {
		if !cfg.IsGracefulMode() {
			return nil, fmt.Errorf("failed to initialize grouping engine: %w", err)
		}
		sugar.Warnw("Invalid grouping criteria, falling back to defaults", "error", err)
		groups, err = core.NewGroupingEngine(core.DefaultGroupCriteria(), nil, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize grouping engine: %w", err)
		}
	}
	app.Groups = groups

	// Initialize queue manager
	app.Queue = core.NewQueueManager(cfg.QueueConfig(), nil, sugar)

	// Wire the service facade
	var cache service.SnapshotCache
	if storageComponents.Redis != nil {
		cache = storageComponents.Redis
	}
	app.Service = service.NewAlertService(
		app.Queue,
		app.Groups,
		app.Retention,
		storageComponents.Store,
		cache,
		nil,
		sugar,
	)

	return app, nil
}

// loadRetentionPolicy loads the policy document from disk, falling back to
// the stock policy when no file exists.
func loadRetentionPolicy(cfg *config.Config, dirs DataDirectories, sugar *zap.SugaredLogger) (*retention.Policy, error) {
	if _, err := os.Stat(dirs.Policy); err != nil {
		sugar.Infow("No retention policy file found, using defaults", "path", dirs.Policy)
		return retention.DefaultPolicy(), nil
	}

	policy, err := retention.LoadPolicy(dirs.Policy)
	if err != nil {
		if !cfg.IsGracefulMode() {
			return nil, fmt.Errorf("failed to load retention policy: %w", err)
		}
		sugar.Warnw("Failed to load retention policy, using defaults",
			"path", dirs.Policy,
			"error", err)
		return retention.DefaultPolicy(), nil
	}

	sugar.Infow("Retention policy loaded", "path", dirs.Policy, "version", policy.Version)
	return policy, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Queue visibility scheduler
	a.Service.Start(ctx)
	a.Sugar.Info("Queue scheduler started")

	// Periodic retention cleanup
	if a.Retention != nil {
		interval := a.Config.Retention.CleanupInterval
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			a.Retention.Run(ctx, interval)
		}()
		a.Sugar.Infow("Retention cleanup loop started", "interval", interval)
	}

	// Auto-dismissal sweeper for timeout and auto-hide groups
	a.serviceWg.Add(1)
	go a.runDismissalSweeper(ctx)

	// Metrics endpoint
	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	return nil
}

// runDismissalSweeper periodically auto-dismisses groups whose timeout or
// hide delay has elapsed.
func (a *App) runDismissalSweeper(ctx context.Context) {
	defer a.serviceWg.Done()
	defer goroutine.Recover("dismissal-sweeper", a.Sugar)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Groups.SweepAutoDismiss(); n > 0 {
				a.Sugar.Debugw("Auto-dismissed groups", "count", n)
			}
		}
	}
}

// startMetricsServer exposes the Prometheus registry over HTTP.
func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("metrics-server", a.Sugar)

		a.Sugar.Infof("Metrics server started on %s", a.Config.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Metrics server error", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Cancel background loops
	if a.cancel != nil {
		a.cancel()
	}

	// Phase 2 - Stop the queue scheduler
	a.Sugar.Info("Stopping queue scheduler...")
	a.Service.Stop()

	// Phase 3 - Stop the metrics server
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop metrics server", "error", err)
		}
		cancel()
	}

	// Phase 4 - Wait for service goroutines
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 5 - Close storage connections, draining any pending batches
	a.Sugar.Info("Closing storage connections...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.Storage.Close(ctx, a.Sugar)
	cancel()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
