// Package app wires the control plane's configuration, infrastructure
// clients, and domain services into a runnable server or sweeper
// process, in the teacher's (nightowl's) Run(ctx, cfg) shape.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/controlplane/internal/config"
	dbseam "github.com/wisbric/controlplane/internal/db"
	"github.com/wisbric/controlplane/internal/httpserver"
	"github.com/wisbric/controlplane/internal/platform"
	"github.com/wisbric/controlplane/internal/rpc"
	"github.com/wisbric/controlplane/internal/telemetry"
	"github.com/wisbric/controlplane/pkg/cleanup"
	"github.com/wisbric/controlplane/pkg/eventlog"
	"github.com/wisbric/controlplane/pkg/eventstore"
	"github.com/wisbric/controlplane/pkg/health"
	"github.com/wisbric/controlplane/pkg/lockmgr"
	"github.com/wisbric/controlplane/pkg/registry"
	"github.com/wisbric/controlplane/pkg/snapshot"
)

const version = "0.1.0"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (server or sweeper).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting controlplane",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "controlplane", version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// --- Domain services, composed per spec §4's component graph ---

	registryStore := registry.NewStore(rdb)
	healthTTL := time.Duration(cfg.HealthTTLSeconds) * time.Second
	router := registry.NewRouter(registryStore, logger, healthTTL)

	eventLog := eventlog.NewStore(dbseam.WrapPool(db))
	snapshots := snapshot.NewStore(dbseam.WrapPool(db))
	lockPolicy := lockmgr.RetryPolicy{
		MaxAttempts: cfg.LockRetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.LockRetryBaseMs) * time.Millisecond,
		Multiplier:  float64(cfg.LockRetryMultiplier),
	}
	locks := lockmgr.NewManager(logger, lockPolicy)

	snapshotPolicy := eventstore.SnapshotPolicy{
		Threshold:      int64(cfg.SnapshotThreshold),
		RetentionDays:  cfg.SnapshotRetentionDays,
		CleanupEnabled: cfg.SnapshotCleanupEnabled,
	}
	eventStoreSvc := eventstore.NewService(eventLog, snapshots, locks, logger, snapshotPolicy)

	healthSvc := health.NewService(router, logger)
	cleanupScheduler := cleanup.NewScheduler(router, logger)

	switch cfg.Mode {
	case "server":
		return runServer(ctx, cfg, logger, db, rdb, metricsReg, router, eventStoreSvc, healthSvc, cleanupScheduler)
	case "sweeper":
		return runSweeper(ctx, logger, healthSvc, cleanupScheduler, eventStoreSvc)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runServer serves the RPC surface and, alongside it, the same background
// loops a standalone sweeper would run — a single-process deployment runs
// both concerns together (spec §7). It blocks until ctx is cancelled, then
// shuts down in the order spec.md §9 calls for: C7/C8 loops first (they
// only read from the registry), then the HTTP surface, then the stores.
func runServer(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	router *registry.Router,
	eventStoreSvc *eventstore.Service,
	healthSvc *health.Service,
	cleanupScheduler *cleanup.Scheduler,
) error {
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	go healthSvc.RunStalenessLoop(loopCtx)
	go healthSvc.RunCleanupLoop(loopCtx)
	go cleanupScheduler.RunInstanceSweepLoop(loopCtx)
	go cleanupScheduler.RunRoutingReconcileLoop(loopCtx)
	go runRetentionLoop(loopCtx, logger, eventStoreSvc)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	rpcHandler := rpc.NewHandler(logger, router, eventStoreSvc, healthSvc, int64(cfg.HeartbeatIntervalSeconds))
	srv.APIRouter.Mount("/", rpcHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
		cancelLoops()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSweeper runs only the background loops (C7 staleness/cleanup, C8
// instance sweep/routing reconcile, and event-store snapshot retention),
// with no HTTP surface — the "sweeper" deployment mode (spec §7, 2.3).
func runSweeper(ctx context.Context, logger *slog.Logger, healthSvc *health.Service, cleanupScheduler *cleanup.Scheduler, eventStoreSvc *eventstore.Service) error {
	logger.Info("sweeper started")

	go healthSvc.RunStalenessLoop(ctx)
	go healthSvc.RunCleanupLoop(ctx)
	go cleanupScheduler.RunInstanceSweepLoop(ctx)
	go cleanupScheduler.RunRoutingReconcileLoop(ctx)
	go runRetentionLoop(ctx, logger, eventStoreSvc)

	<-ctx.Done()
	logger.Info("sweeper stopped")
	return nil
}

// runRetentionLoop runs the snapshot retention cleanup once a day.
func runRetentionLoop(ctx context.Context, logger *slog.Logger, eventStoreSvc *eventstore.Service) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eventStoreSvc.RunRetentionCleanup(ctx); err != nil {
				logger.Error("snapshot retention cleanup", "error", err)
			}
		}
	}
}
