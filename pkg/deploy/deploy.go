package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/errs"
	"github.com/shiplane/controlplane/internal/naming"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/internal/telemetry"
	"github.com/shiplane/controlplane/pkg/events"
	"github.com/shiplane/controlplane/pkg/nodeagent"
	"github.com/shiplane/controlplane/pkg/notify"
)

const (
	healthGateAttempts = 10
	healthGateInterval = 2 * time.Second
)

// Deploy runs the full blue/green pipeline (PLAN through SUCCESS or
// PARTIAL_FAILURE) for one (service, env). It returns immediately with a
// progress stream; the pipeline runs on its own goroutine and the stream's
// terminal event carries the outcome.
func (o *Orchestrator) Deploy(ctx context.Context, in DeployInput) *events.Stream {
	correlationID := uuid.NewString()
	return o.run(ctx, correlationID, func(ctx context.Context, stream *events.Stream) {
		o.deploy(ctx, stream, in)
	})
}

func (o *Orchestrator) deploy(ctx context.Context, stream *events.Stream, in DeployInput) {
	start := time.Now()
	kind := "deploy"
	if in.IsRollback {
		kind = "rollback"
	}

	deploymentID := ""
	err := o.runDeploy(ctx, stream, in, &deploymentID)
	recordOutcome(kind, err)
	o.notifyOutcome(ctx, kind, in.ProjectID, in.ServiceID, in.Env, in.TriggeredBy, start, err)

	if err != nil {
		stream.Log(events.LevelError, "%s failed: %v", kind, err)
		stream.Complete(false, deploymentID, err.Error())
		return
	}
	stream.Log(events.LevelInfo, "%s finished in %s", kind, time.Since(start).Round(time.Millisecond))
	stream.Complete(true, deploymentID, "")
}

// notifyOutcome resolves the project/service names and current version for
// a best-effort Slack notification. Resolution failures degrade to blank
// names rather than blocking the notification or the run itself.
func (o *Orchestrator) notifyOutcome(ctx context.Context, kind string, projectID, serviceID uuid.UUID, env, triggeredBy string, start time.Time, runErr error) {
	var projectName, serviceName string
	if p, err := o.projects.Get(ctx, projectID); err == nil {
		projectName = p.Name
	}
	if s, err := o.services.Get(ctx, serviceID); err == nil {
		serviceName = s.Name
	}
	version := 0
	if d, ok, err := o.deployments.GetLatestSuccess(ctx, serviceID, env); err == nil && ok {
		version = d.Version
	}

	result := notify.DeployResult{
		Operation:   kind,
		ProjectName: projectName,
		ServiceName: serviceName,
		Env:         env,
		Version:     version,
		Success:     runErr == nil,
		TriggeredBy: triggeredBy,
		Duration:    time.Since(start),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	o.notify(ctx, result)
}

// runDeploy is the full state machine. deploymentID is written as soon as
// the deployment row is created so the caller's terminal event carries it
// even on later failure.
func (o *Orchestrator) runDeploy(ctx context.Context, stream *events.Stream, in DeployInput, deploymentID *string) error {
	deadline := o.cfg.DeployDeadline
	if in.IsRollback && o.cfg.RollbackDeadline > 0 {
		deadline = o.cfg.RollbackDeadline
	}
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// PLAN preconditions, validated before any side effect (property 13).
	service, err := o.services.Get(ctx, in.ServiceID)
	if err != nil {
		return fmt.Errorf("loading service: %w", err)
	}
	if service.DeletedAt != nil {
		return fmt.Errorf("service %s is deleted: %w", in.ServiceID, errs.ErrValidation)
	}
	project, err := o.projects.Get(ctx, in.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	newCount := 0
	if in.NewNodes != nil {
		newCount = in.NewNodes.Count
	}
	if len(in.ExistingNodeIDs)+newCount == 0 {
		return fmt.Errorf("deploy has no target nodes: %w", errs.ErrValidation)
	}

	isWeb := naming.IsWebservice(in.ServiceType)
	if isWeb && (o.cfg.RootDomain == "" || o.cfg.CFZoneID == "") {
		return fmt.Errorf("webservice deploy requires a configured edge-CDN domain and zone: %w", errs.ErrValidation)
	}

	lockID, ok := o.locker.Acquire(ctx, in.ServiceID.String(), in.Env, deadline)
	if !ok {
		return errs.ErrLockBusy
	}
	defer o.locker.Release(ctx, in.ServiceID.String(), in.Env, lockID)

	stream.Log(events.LevelInfo, "planning deploy of %s/%s", service.Name, in.Env)

	injectedEnv, warnings, err := o.injector.Inject(ctx, in.ProjectID, in.ServiceID, in.Env, coLocationHint(in.ExistingNodeIDs))
	if err != nil {
		return fmt.Errorf("resolving stateful dependencies: %w", err)
	}
	for _, w := range warnings {
		stream.Log(events.LevelWarn, "%s", w)
	}
	envVars := mergeEnv(in.EnvVariables, injectedEnv)

	// ALLOCATE_VERSION
	version, err := o.deployments.NextVersion(ctx, in.ServiceID, in.Env)
	if err != nil {
		return fmt.Errorf("allocating version: %w", err)
	}

	containerName := naming.ContainerName(in.TenantID, project.Name, service.Name, in.Env, version)
	imageName := in.ImageName
	if len(in.ImageBlob) > 0 {
		imageName = naming.ImageName(in.TenantID, project.Name, service.Name, in.Env, version)
	}

	deployment, err := o.deployments.Create(ctx, repo.Deployment{
		ServiceID:     in.ServiceID,
		Env:           in.Env,
		Version:       version,
		ImageName:     imageName,
		ContainerName: containerName,
		EnvVariables:  envVars,
		NodeIDs:       nil,
		IsRollback:    in.IsRollback,
		Status:        repo.DeploymentInProgress,
		TriggeredBy:   in.TriggeredBy,
	})
	if err != nil {
		return fmt.Errorf("recording deployment: %w", err)
	}
	*deploymentID = deployment.ID.String()
	stream.Log(events.LevelInfo, "allocated version %d (%s)", version, containerName)

	fail := func(step string, cause error) error {
		deployment.Status = repo.DeploymentFailed
		deployment.Error = cause.Error()
		deployment.Log = fmt.Sprintf("failed at %s: %v", step, cause)
		if uerr := o.deployments.Update(ctx, deployment); uerr != nil {
			o.log.Error("failed to persist failed deployment", "deployment_id", deployment.ID, "error", uerr)
		}
		return cause
	}

	existingNodes, err := o.nodes.ListByIDs(ctx, in.ExistingNodeIDs)
	if err != nil {
		return fail("plan", fmt.Errorf("loading existing nodes: %w", err))
	}

	// PROVISION_NODES
	targetNodes := append([]repo.Node{}, existingNodes...)
	var newNodes []repo.Node
	if in.NewNodes != nil && in.NewNodes.Count > 0 {
		stepStart := time.Now()
		newNodes, err = o.provisionNodes(ctx, in, project.WorkspaceID)
		telemetry.DeploymentStepDuration.WithLabelValues("provision_nodes").Observe(time.Since(stepStart).Seconds())
		if err != nil {
			return fail("provision_nodes", fmt.Errorf("%w: %v", errs.ErrProviderError, err))
		}
		stream.Log(events.LevelInfo, "provisioned %d node(s)", len(newNodes))
		targetNodes = append(targetNodes, newNodes...)
	}

	deployment.NodeIDs = nodeIDs(targetNodes)
	if err := o.deployments.Update(ctx, deployment); err != nil {
		return fail("provision_nodes", fmt.Errorf("persisting node list: %w", err))
	}

	domain := ""
	if isWeb {
		domain = naming.Domain(in.TenantID, project.Name, service.Name, in.Env)
	}
	containerPort := naming.ContainerPort(in.ServiceType)
	hostPort := naming.HostPort(in.TenantID, project.Name, service.Name, in.Env, version, in.ServiceType)

	// Stateful services free their fixed host_port before starting the new
	// container on the same nodes (spec.md §4.8 tie-break: stop then start).
	if naming.IsStateful(in.ServiceType) {
		stepStart := time.Now()
		o.stopPreviousStateful(ctx, stream, in.ServiceID, in.Env, version, existingNodes)
		telemetry.DeploymentStepDuration.WithLabelValues("retire_old_stateful").Observe(time.Since(stepStart).Seconds())
	}

	// UPLOAD
	if len(in.ImageBlob) > 0 {
		stepStart := time.Now()
		if err := o.uploadToNodes(ctx, targetNodes, imageName, in.ImageBlob); err != nil {
			telemetry.DeploymentStepDuration.WithLabelValues("upload").Observe(time.Since(stepStart).Seconds())
			return fail("upload", err)
		}
		telemetry.DeploymentStepDuration.WithLabelValues("upload").Observe(time.Since(stepStart).Seconds())
		stream.Log(events.LevelInfo, "uploaded %s to %d node(s)", imageName, len(targetNodes))
	}

	// START_NEW — scale-up (image_name reused, no blob) only starts the new
	// nodes; a version-allocating deploy starts every target node.
	startNodes := targetNodes
	if len(in.ImageBlob) == 0 && len(newNodes) > 0 && len(existingNodes) > 0 {
		startNodes = newNodes
	}

	stepStart := time.Now()
	if err := o.startContainers(ctx, startNodes, deployment.ID, containerName, imageName, envVars, containerPort, hostPort); err != nil {
		telemetry.DeploymentStepDuration.WithLabelValues("start_new").Observe(time.Since(stepStart).Seconds())
		return fail("start_new", err)
	}
	telemetry.DeploymentStepDuration.WithLabelValues("start_new").Observe(time.Since(stepStart).Seconds())
	stream.Log(events.LevelInfo, "started %s on %d node(s)", containerName, len(startNodes))

	// HEALTH_GATE
	httpPath := ""
	if isWeb {
		httpPath = "/health"
	}
	stepStart = time.Now()
	if err := o.healthGate(ctx, startNodes, deployment.ID, containerName, containerPort, httpPath); err != nil {
		telemetry.DeploymentStepDuration.WithLabelValues("health_gate").Observe(time.Since(stepStart).Seconds())
		return fail("health_gate", fmt.Errorf("%w: %v", errs.ErrHealthGateTimeout, err))
	}
	telemetry.DeploymentStepDuration.WithLabelValues("health_gate").Observe(time.Since(stepStart).Seconds())
	stream.Log(events.LevelInfo, "health gate passed")

	// SWITCH_NGINX + UPDATE_DNS (webservice only)
	if isWeb {
		stepStart = time.Now()
		if err := o.switchNginx(ctx, targetNodes, hostPort, domain); err != nil {
			telemetry.DeploymentStepDuration.WithLabelValues("switch_nginx").Observe(time.Since(stepStart).Seconds())
			return fail("switch_nginx", err)
		}
		telemetry.DeploymentStepDuration.WithLabelValues("switch_nginx").Observe(time.Since(stepStart).Seconds())
		stream.Log(events.LevelInfo, "nginx reconfigured on %d node(s)", len(targetNodes))

		stepStart = time.Now()
		if err := o.dns.SetupMultiServer(ctx, o.cfg.CFZoneID, domain, publicIPs(targetNodes)); err != nil {
			telemetry.DeploymentStepDuration.WithLabelValues("update_dns").Observe(time.Since(stepStart).Seconds())
			return fail("update_dns", fmt.Errorf("%w: %v", errs.ErrDNSError, err))
		}
		telemetry.DeploymentStepDuration.WithLabelValues("update_dns").Observe(time.Since(stepStart).Seconds())
		stream.Log(events.LevelInfo, "dns updated for %s", domain)
	}

	// RETIRE_OLD — best-effort, stateless path (the stateful path already
	// stopped the previous container above).
	if !naming.IsStateful(in.ServiceType) {
		o.retireOldDeployment(ctx, stream, in.ServiceID, in.Env, version)
	}

	// PRUNE_IMAGES — best-effort.
	o.pruneImages(ctx, stream, targetNodes, naming.ImageBaseName(in.TenantID, project.Name, service.Name, in.Env))

	deployment.Status = repo.DeploymentSuccess
	if err := o.deployments.Update(ctx, deployment); err != nil {
		return fmt.Errorf("persisting success: %w", err)
	}
	return nil
}

func coLocationHint(existing []uuid.UUID) uuid.UUID {
	if len(existing) == 1 {
		return existing[0]
	}
	return uuid.Nil
}

func mergeEnv(user, injected map[string]string) map[string]string {
	out := make(map[string]string, len(user)+len(injected))
	for k, v := range user {
		out[k] = v
	}
	for k, v := range injected {
		out[k] = v // injected wins on conflict
	}
	return out
}

func nodeIDs(nodes []repo.Node) []uuid.UUID {
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func publicIPs(nodes []repo.Node) []string {
	ips := make([]string, len(nodes))
	for i, n := range nodes {
		ips[i] = n.PublicIP
	}
	return ips
}

func privateIPs(nodes []repo.Node) []string {
	ips := make([]string, len(nodes))
	for i, n := range nodes {
		ips[i] = n.PrivateIP
	}
	return ips
}

func (o *Orchestrator) provisionNodes(ctx context.Context, in DeployInput, workspaceID string) ([]repo.Node, error) {
	provisioned, err := o.provider.CreateNodes(ctx, in.NewNodes.Count, in.NewNodes.Region, in.NewNodes.Size, in.NewNodes.SnapshotID)
	if err != nil {
		return nil, err
	}

	out := make([]repo.Node, 0, len(provisioned))
	for _, p := range provisioned {
		n, err := o.nodes.Create(ctx, repo.Node{
			WorkspaceID:  workspaceID,
			ProviderID:   p.ProviderID,
			PublicIP:     p.PublicIP,
			PrivateIP:    p.PrivateIP,
			Region:       in.NewNodes.Region,
			Size:         in.NewNodes.Size,
			SnapshotID:   &in.NewNodes.SnapshotID,
			Status:       repo.NodeStatusActive,
			HealthStatus: repo.NodeHealthHealthy,
		})
		if err != nil {
			// Already-provisioned nodes are retained for operator triage
			// rather than rolled back (spec.md §4.8).
			return out, fmt.Errorf("persisting provisioned node %s: %w", p.ProviderID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (o *Orchestrator) uploadToNodes(ctx context.Context, nodes []repo.Node, imageName string, blob []byte) error {
	results := fanOut(ctx, o.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()
		err := agent.UploadImage(ctx, imageName, blob)
		telemetry.NodeAgentCallsTotal.WithLabelValues("upload_image", outcomeLabel(err)).Inc()
		return err
	})
	return firstError(results, nodes)
}

func (o *Orchestrator) startContainers(ctx context.Context, nodes []repo.Node, deploymentID uuid.UUID, containerName, imageName string, env map[string]string, containerPort, hostPort int) error {
	results := fanOut(ctx, o.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()
		_, err := agent.StartContainer(ctx, nodeagent.StartContainerRequest{
			ContainerName: containerName,
			ImageName:     imageName,
			EnvVariables:  naming.FormatEnvVariables(env),
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Volumes:       []string{"/data:/app/data"},
		})
		status := repo.ContainerRunning
		if err != nil {
			status = repo.ContainerFailed
		}
		if _, uerr := o.containers.Upsert(ctx, repo.Container{
			ContainerName: containerName,
			NodeID:        n.ID,
			DeploymentID:  deploymentID,
			Status:        status,
			HealthStatus:  repo.ContainerHealthUnknown,
		}); uerr != nil {
			o.log.Error("failed to upsert container row", "container", containerName, "node", n.ID, "error", uerr)
		}
		return err
	})
	return firstError(results, nodes)
}

func (o *Orchestrator) healthGate(ctx context.Context, nodes []repo.Node, deploymentID uuid.UUID, containerName string, containerPort int, httpPath string) error {
	results := fanOut(ctx, o.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()

		for attempt := 0; attempt < healthGateAttempts; attempt++ {
			result, err := agent.Health(ctx, containerName, containerPort, httpPath, 2*time.Second)
			if err == nil && result.Healthy() {
				_, uerr := o.containers.Upsert(ctx, repo.Container{
					ContainerName: containerName,
					NodeID:        n.ID,
					DeploymentID:  deploymentID,
					Status:        repo.ContainerRunning,
					HealthStatus:  repo.ContainerHealthHealthy,
				})
				return uerr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(healthGateInterval):
			}
		}
		_, _ = o.containers.Upsert(ctx, repo.Container{
			ContainerName: containerName,
			NodeID:        n.ID,
			DeploymentID:  deploymentID,
			Status:        repo.ContainerRunning,
			HealthStatus:  repo.ContainerHealthUnhealthy,
		})
		return fmt.Errorf("node %s: container never became healthy", n.ID)
	})
	return firstError(results, nodes)
}

func (o *Orchestrator) switchNginx(ctx context.Context, nodes []repo.Node, hostPort int, domain string) error {
	ips := privateIPs(nodes)
	results := fanOut(ctx, o.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()
		return agent.ConfigureNginx(ctx, ips, hostPort, domain)
	})
	return firstError(results, nodes)
}

// retireOldDeployment removes containers of the previous successful
// deployment that are no longer part of the current target set (different
// node or different version). Best-effort: failures are logged, not fatal.
func (o *Orchestrator) retireOldDeployment(ctx context.Context, stream *events.Stream, serviceID uuid.UUID, env string, currentVersion int) {
	previous, ok, err := o.deployments.GetPreviousSuccess(ctx, serviceID, env, currentVersion)
	if err != nil || !ok {
		return
	}
	oldContainers, err := o.containers.ListForDeployment(ctx, previous.ID)
	if err != nil {
		stream.Log(events.LevelWarn, "could not list previous containers for retirement: %v", err)
		return
	}

	// The previous deployment's container_name always differs from the
	// current one (every version gets a distinct name), so every one of
	// its containers qualifies for retirement regardless of node overlap.
	nodesByID, _ := o.nodesByID(ctx, oldContainers)
	for _, c := range oldContainers {
		n, ok := nodesByID[c.NodeID]
		if !ok {
			continue
		}
		agent := o.agents(n)
		err := agent.RemoveContainer(ctx, c.ContainerName, true, 30*time.Second)
		agent.Close()
		if err != nil {
			stream.Log(events.LevelWarn, "could not retire %s on node %s: %v", c.ContainerName, n.ID, err)
			continue
		}
		_ = o.containers.DeleteBy(ctx, n.ID, c.ContainerName)
	}
}

// stopPreviousStateful stops the previous version's container on each
// still-targeted node before the new one starts, freeing the version-
// stable host_port (spec.md §4.8 tie-break for stateful services).
func (o *Orchestrator) stopPreviousStateful(ctx context.Context, stream *events.Stream, serviceID uuid.UUID, env string, currentVersion int, nodes []repo.Node) {
	previous, ok, err := o.deployments.GetPreviousSuccess(ctx, serviceID, env, currentVersion)
	if err != nil || !ok {
		return
	}
	for _, n := range nodes {
		agent := o.agents(n)
		err := agent.RemoveContainer(ctx, previous.ContainerName, false, 0)
		agent.Close()
		if err != nil {
			stream.Log(events.LevelWarn, "could not stop previous stateful container on node %s: %v", n.ID, err)
			continue
		}
		_ = o.containers.DeleteBy(ctx, n.ID, previous.ContainerName)
	}
}

func (o *Orchestrator) pruneImages(ctx context.Context, stream *events.Stream, nodes []repo.Node, imageBase string) {
	fanOut(ctx, o.cfg.FanoutLimit, nodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()
		removed, err := agent.CleanupImages(ctx, imageBase, o.cfg.ImageKeepLatest)
		if err != nil {
			stream.Log(events.LevelWarn, "image cleanup failed on node %s: %v", n.ID, err)
			return nil
		}
		if removed > 0 {
			stream.Log(events.LevelInfo, "pruned %d old image(s) on node %s", removed, n.ID)
		}
		return nil
	})
}

func (o *Orchestrator) nodesByID(ctx context.Context, containers []repo.Container) (map[uuid.UUID]repo.Node, error) {
	ids := make([]uuid.UUID, 0, len(containers))
	seen := map[uuid.UUID]bool{}
	for _, c := range containers {
		if !seen[c.NodeID] {
			seen[c.NodeID] = true
			ids = append(ids, c.NodeID)
		}
	}
	nodes, err := o.nodes.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]repo.Node, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out, nil
}

func firstError(results []error, nodes []repo.Node) error {
	for i, e := range results {
		if e != nil {
			return fmt.Errorf("node %s: %w", nodes[i].ID, e)
		}
	}
	return nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
