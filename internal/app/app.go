// Package app wires every component into the two runnable processes: the
// API server (deploy/scale/rollback HTTP surface) and the worker (the
// health monitor's periodic loop). Both share the same config, database
// pool, and migrations; Mode decides which loop Run blocks on.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shiplane/controlplane/internal/audit"
	"github.com/shiplane/controlplane/internal/config"
	"github.com/shiplane/controlplane/internal/deployapi"
	"github.com/shiplane/controlplane/internal/httpserver"
	"github.com/shiplane/controlplane/internal/lock"
	"github.com/shiplane/controlplane/internal/platform"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/internal/telemetry"
	"github.com/shiplane/controlplane/pkg/deploy"
	"github.com/shiplane/controlplane/pkg/dnsclient"
	"github.com/shiplane/controlplane/pkg/healthmonitor"
	"github.com/shiplane/controlplane/pkg/nodeagent"
	"github.com/shiplane/controlplane/pkg/notify"
	"github.com/shiplane/controlplane/pkg/statefulinject"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, runs migrations, and starts the mode cfg.Mode names.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting controlplane", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

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

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, pool)
	default:
		return fmt.Errorf("unknown mode: %s (want \"api\" or \"worker\")", cfg.Mode)
	}
}

// cloudProvider is the out-of-scope-cloud-SDK placeholder. spec.md §1 and
// its expansion both name cloud/DNS provider SDKs as a non-goal, so
// CreateNodes/RebootNode stand in for a real DigitalOcean (or similar)
// integration this build deliberately omits: they fail loudly rather than
// silently no-op, so a deploy that actually needs fresh nodes, or an
// auto-heal pass that actually needs to reboot one, surfaces the gap
// immediately instead of pretending to succeed.
type cloudProvider struct{}

func (cloudProvider) CreateNodes(ctx context.Context, count int, region, size string, snapshotID uuid.UUID) ([]deploy.ProvisionedNode, error) {
	return nil, errors.New("no cloud provider configured: node provisioning is out of scope for this build")
}

func (cloudProvider) RebootNode(ctx context.Context, providerID string) error {
	return errors.New("no cloud provider configured: node reboot is out of scope for this build")
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	projects := repo.NewProjectRepo(pool)
	services := repo.NewServiceRepo(pool)
	nodes := repo.NewNodeRepo(pool)
	deployments := repo.NewDeploymentRepo(pool)
	containers := repo.NewContainerRepo(pool)
	snapshots := repo.NewSnapshotRepo(pool)
	auditRepo := repo.NewAuditRepo(pool)

	auditWriter := audit.NewWriter(auditRepo, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	agentFactory := func(n repo.Node) deploy.NodeAgent {
		return nodeagent.New(n.PrivateIP, cfg.NodeAgentPort, cfg.DOToken)
	}

	dns := dnsclient.New(cfg.CFToken)
	injector := statefulinject.New(services, deployments, nodes)
	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	orch := deploy.New(
		projects, services, nodes, deployments, containers, snapshots,
		lock.NewRegistry(),
		agentFactory,
		dns,
		injector,
		cloudProvider{},
		notifier,
		deploy.Config{
			DeployDeadline:   cfg.DeployDeadline,
			RollbackDeadline: cfg.RollbackDeadline,
			ScaleDeadline:    cfg.ScaleDeadline,
			FanoutLimit:      cfg.NodeFanoutLimit,
			ImageKeepLatest:  cfg.ImageKeepLatest,
			CFZoneID:         cfg.CFZoneID,
			RootDomain:       cfg.RootDomain,
		},
		logger,
	)

	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg)

	deployHandler := deployapi.NewHandler(orch, projects, services, deployments, auditRepo, auditWriter, logger)
	srv.APIRouter.Mount("/", deployHandler.Routes())

	auditHandler := audit.NewHandler(auditRepo, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.DeployDeadline + time.Minute, // deploy/scale/rollback responses are long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownFor)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	logger.Info("worker started")

	nodes := repo.NewNodeRepo(pool)
	services := repo.NewServiceRepo(pool)
	deployments := repo.NewDeploymentRepo(pool)
	containers := repo.NewContainerRepo(pool)

	agentFactory := func(n repo.Node) healthmonitor.NodeAgent {
		return nodeagent.New(n.PrivateIP, cfg.NodeAgentPort, cfg.DOToken)
	}

	monitor := healthmonitor.New(
		nodes, containers, deployments, services,
		agentFactory,
		cloudProvider{},
		healthmonitor.Config{
			CheckInterval:   cfg.HealthCheckInterval,
			CleanupInterval: cfg.HealthCheckCleanupInterval,
			FanoutLimit:     cfg.NodeFanoutLimit,
			ShutdownGrace:   cfg.GracefulShutdownFor,
		},
		logger,
	)

	return monitor.Run(ctx)
}
