package healthmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shiplane/controlplane/internal/naming"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/internal/telemetry"
)

// MaxNodeReboots is the number of consecutive failed pings a node is
// allowed before the monitor quarantines it as problematic.
const MaxNodeReboots = 2

// MaxContainerRestarts is the number of consecutive failed health checks a
// container is allowed before the monitor quarantines it as problematic.
const MaxContainerRestarts = 3

const healthCheckTimeout = 10 * time.Second

// Config controls the monitor's scheduling.
type Config struct {
	// CheckInterval is how often every workspace's nodes/containers are
	// probed. Defaults to 60s.
	CheckInterval time.Duration
	// CleanupInterval is how often orphaned container rows are purged.
	// Defaults to 24h.
	CleanupInterval time.Duration
	// FanoutLimit bounds per-workspace node/container concurrency.
	FanoutLimit int
	// ShutdownGrace bounds how long Run waits for in-flight checks to
	// finish once ctx is cancelled.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 8
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Monitor is the C10 periodic probe/auto-heal loop. It owns no HTTP
// surface; Run is meant to be started once per process in worker mode.
type Monitor struct {
	nodes       NodeRepo
	containers  ContainerRepo
	deployments DeploymentRepo
	services    ServiceRepo
	agents      NodeAgentFactory
	provider    Provider
	cfg         Config
	log         *slog.Logger
}

// New builds a Monitor.
func New(nodes NodeRepo, containers ContainerRepo, deployments DeploymentRepo, services ServiceRepo, agents NodeAgentFactory, provider Provider, cfg Config, log *slog.Logger) *Monitor {
	return &Monitor{
		nodes:       nodes,
		containers:  containers,
		deployments: deployments,
		services:    services,
		agents:      agents,
		provider:    provider,
		cfg:         cfg.withDefaults(),
		log:         log,
	}
}

// Run blocks, probing every workspace on cfg.CheckInterval and purging
// orphaned container rows on cfg.CleanupInterval, until ctx is cancelled.
// Grounded on the teacher's RunScheduleTopUpLoop/Engine.Run shape: run
// once immediately, then select on two tickers and ctx.Done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("health monitor starting", "check_interval", m.cfg.CheckInterval, "cleanup_interval", m.cfg.CleanupInterval)

	checkTicker := time.NewTicker(m.cfg.CheckInterval)
	defer checkTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	// Checks run on checkCtx, which is cancelled at most ShutdownGrace after
	// ctx, so a pass in flight when ctx is cancelled can still finish.
	checkCtx, cancelChecks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelChecks()
	go func() {
		<-ctx.Done()
		select {
		case <-time.After(m.cfg.ShutdownGrace):
		case <-checkCtx.Done():
		}
		cancelChecks()
	}()

	m.tick(checkCtx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopping")
			return nil
		case <-checkTicker.C:
			m.tick(checkCtx)
		case <-cleanupTicker.C:
			m.cleanup(checkCtx)
		}
	}
}

// tick enumerates workspaces with active nodes and probes each
// independently; concurrency between workspaces is unbounded, isolated
// failures in one workspace never abort another's pass.
func (m *Monitor) tick(ctx context.Context) {
	workspaces, err := m.nodes.ListWorkspacesWithActiveNodes(ctx)
	if err != nil {
		m.log.Error("listing workspaces with active nodes", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, workspaceID := range workspaces {
		wg.Add(1)
		go func(workspaceID string) {
			defer wg.Done()
			if err := m.probeWorkspace(ctx, workspaceID); err != nil {
				m.log.Error("probing workspace", "workspace_id", workspaceID, "error", err)
			}
		}(workspaceID)
	}
	wg.Wait()
}

func (m *Monitor) cleanup(ctx context.Context) {
	n, err := m.containers.DeleteOrphaned(ctx)
	if err != nil {
		m.log.Error("cleaning up orphaned containers", "error", err)
		return
	}
	if n > 0 {
		m.log.Info("purged orphaned container rows", "count", n)
	}
}

func (m *Monitor) probeWorkspace(ctx context.Context, workspaceID string) error {
	nodes, err := m.nodes.ListActiveForWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	fanOut(ctx, m.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		m.probeNode(ctx, n)
		return nil
	})
	return nil
}

// probeNode pings the node, then — unless this pass just flagged it
// problematic — probes its containers. Node checks precede container
// checks within a single pass (spec ordering).
func (m *Monitor) probeNode(ctx context.Context, n repo.Node) {
	agent := m.agents(n)
	defer agent.Close()

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err := agent.Ping(pingCtx)
	cancel()

	problematic := m.recordNodePing(ctx, n, err)
	if problematic {
		return
	}

	containers, err := m.containers.ListForNode(ctx, n.ID)
	if err != nil {
		m.log.Error("listing containers for node", "node_id", n.ID, "error", err)
		return
	}

	fanOut(ctx, m.cfg.FanoutLimit, containers, func(ctx context.Context, c repo.Container) error {
		m.probeContainer(ctx, agent, n, c)
		return nil
	})
}

// recordNodePing applies the ping result to failure-count/health-status
// bookkeeping and returns whether the node is now quarantined.
func (m *Monitor) recordNodePing(ctx context.Context, n repo.Node, pingErr error) bool {
	if pingErr == nil {
		if n.FailureCount != 0 || n.HealthStatus != repo.NodeHealthHealthy {
			if err := m.nodes.UpdateHealth(ctx, n.ID, repo.NodeHealthHealthy, 0, "", nil, n.LastRebootAt); err != nil {
				m.log.Error("recording healthy node", "node_id", n.ID, "error", err)
			}
		}
		return false
	}

	failureCount := n.FailureCount + 1
	m.log.Warn("node ping failed", "node_id", n.ID, "failure_count", failureCount, "error", pingErr)

	if failureCount > MaxNodeReboots {
		now := time.Now()
		reason := pingErr.Error()
		if err := m.nodes.UpdateHealth(ctx, n.ID, repo.NodeHealthProblematic, failureCount, reason, &now, n.LastRebootAt); err != nil {
			m.log.Error("flagging problematic node", "node_id", n.ID, "error", err)
		}
		telemetry.ProblematicTargetsTotal.WithLabelValues("node").Inc()
		return true
	}

	if err := m.provider.RebootNode(ctx, n.ProviderID); err != nil {
		m.log.Error("rebooting unhealthy node", "node_id", n.ID, "error", err)
	} else {
		telemetry.NodesRebootedTotal.Inc()
	}
	now := time.Now()
	if err := m.nodes.UpdateHealth(ctx, n.ID, repo.NodeHealthUnhealthy, failureCount, "", nil, &now); err != nil {
		m.log.Error("recording unhealthy node", "node_id", n.ID, "error", err)
	}
	return false
}

// probeContainer resolves the container's service type to build the
// health-check arguments, then applies the probe result.
func (m *Monitor) probeContainer(ctx context.Context, agent NodeAgent, n repo.Node, c repo.Container) {
	containerPort, httpPath, err := m.containerCheckArgs(ctx, c)
	if err != nil {
		m.log.Error("resolving container service type", "container_id", c.ID, "error", err)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	result, err := agent.Health(checkCtx, c.ContainerName, containerPort, httpPath, healthCheckTimeout)
	cancel()

	if err == nil && result.Healthy() {
		m.recordContainerHealthy(ctx, c)
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	} else {
		reason = result.Reason
	}
	m.recordContainerUnhealthy(ctx, agent, c, reason)
}

func (m *Monitor) containerCheckArgs(ctx context.Context, c repo.Container) (containerPort int, httpPath string, err error) {
	deployment, err := m.deployments.Get(ctx, c.DeploymentID)
	if err != nil {
		return 0, "", err
	}
	service, err := m.services.Get(ctx, deployment.ServiceID)
	if err != nil {
		return 0, "", err
	}
	containerPort = naming.ContainerPort(service.ServiceType)
	if naming.IsWebservice(service.ServiceType) {
		httpPath = "/health"
	}
	return containerPort, httpPath, nil
}

func (m *Monitor) recordContainerHealthy(ctx context.Context, c repo.Container) {
	if c.FailureCount == 0 && c.HealthStatus == repo.ContainerHealthHealthy {
		return
	}
	now := time.Now()
	if err := m.containers.UpdateHealth(ctx, c.ID, repo.ContainerHealthHealthy, 0, "", nil, &now, c.LastRestartAt); err != nil {
		m.log.Error("recording healthy container", "container_id", c.ID, "error", err)
	}
}

func (m *Monitor) recordContainerUnhealthy(ctx context.Context, agent NodeAgent, c repo.Container, reason string) {
	failureCount := c.FailureCount + 1
	now := time.Now()
	m.log.Warn("container health check failed", "container_id", c.ID, "failure_count", failureCount, "reason", reason)

	if failureCount > MaxContainerRestarts {
		if err := m.containers.UpdateHealth(ctx, c.ID, repo.ContainerHealthProblematic, failureCount, reason, &now, c.LastHealthyAt, c.LastRestartAt); err != nil {
			m.log.Error("flagging problematic container", "container_id", c.ID, "error", err)
		}
		telemetry.ProblematicTargetsTotal.WithLabelValues("container").Inc()
		return
	}

	if err := agent.RestartContainer(ctx, c.ContainerName); err != nil {
		m.log.Error("restarting unhealthy container", "container_id", c.ID, "error", err)
	} else {
		telemetry.ContainersRestartedTotal.Inc()
		now2 := time.Now()
		if err := m.containers.UpdateHealth(ctx, c.ID, repo.ContainerHealthUnhealthy, failureCount, reason, &now, c.LastHealthyAt, &now2); err != nil {
			m.log.Error("recording restarted container", "container_id", c.ID, "error", err)
		}
		return
	}

	if err := m.containers.UpdateHealth(ctx, c.ID, repo.ContainerHealthUnhealthy, failureCount, reason, &now, c.LastHealthyAt, c.LastRestartAt); err != nil {
		m.log.Error("recording unhealthy container", "container_id", c.ID, "error", err)
	}
}

// fanOut runs fn over items with bounded concurrency, waiting for every
// item to finish. Errors are reported by fn itself (via logging) rather
// than collected, mirroring pkg/deploy's per-item isolation for checks
// where one target's failure must never abort its siblings.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_ = fn(ctx, item)
		}()
	}
	wg.Wait()
}
