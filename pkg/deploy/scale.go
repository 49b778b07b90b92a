package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/errs"
	"github.com/shiplane/controlplane/internal/naming"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/events"
)

// ScaleInput is the input contract for Orchestrator.Scale.
type ScaleInput struct {
	TenantID    string
	ProjectID   uuid.UUID
	ServiceID   uuid.UUID
	Env         string
	ServiceType string

	TargetCount int
	Region      string
	Size        string
	SnapshotID  uuid.UUID

	TriggeredBy string
}

// Scale adjusts the number of nodes a service's current version runs on
// (spec.md §4.9, C9). Scaling up provisions new nodes and starts the
// current version on them with the deploy pipeline's start, health-gate
// and nginx helpers (no new version is allocated); scaling down removes
// nodes LIFO. The deploy lock is held for the whole operation.
func (o *Orchestrator) Scale(ctx context.Context, in ScaleInput) *events.Stream {
	correlationID := uuid.NewString()
	return o.run(ctx, correlationID, func(ctx context.Context, stream *events.Stream) {
		o.scale(ctx, stream, in)
	})
}

func (o *Orchestrator) scale(ctx context.Context, stream *events.Stream, in ScaleInput) {
	start := time.Now()
	err := o.runScale(ctx, stream, in)
	recordOutcome("scale", err)
	o.notifyOutcome(ctx, "scale", in.ProjectID, in.ServiceID, in.Env, in.TriggeredBy, start, err)
	if err != nil {
		stream.Log(events.LevelError, "scale failed: %v", err)
		stream.Complete(false, "", err.Error())
		return
	}
	stream.Log(events.LevelInfo, "scale finished")
	stream.Complete(true, "", "")
}

func (o *Orchestrator) runScale(ctx context.Context, stream *events.Stream, in ScaleInput) error {
	deadline := o.cfg.ScaleDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if in.TargetCount < 0 {
		return fmt.Errorf("target_count must be non-negative: %w", errs.ErrValidation)
	}

	lockID, ok := o.locker.Acquire(ctx, in.ServiceID.String(), in.Env, deadline)
	if !ok {
		return errs.ErrLockBusy
	}
	defer o.locker.Release(ctx, in.ServiceID.String(), in.Env, lockID)

	current, ok, err := o.deployments.GetLatestSuccess(ctx, in.ServiceID, in.Env)
	if err != nil {
		return fmt.Errorf("looking up current deployment: %w", err)
	}
	if !ok {
		return fmt.Errorf("no successful deployment to scale: %w", errs.ErrNoSuchEntity)
	}

	currentCount := len(current.NodeIDs)
	if in.TargetCount == currentCount {
		stream.Log(events.LevelInfo, "already at target count %d", in.TargetCount)
		return nil
	}

	if in.TargetCount > currentCount {
		stream.Log(events.LevelInfo, "scaling up from %d to %d node(s)", currentCount, in.TargetCount)
		return o.scaleUpLocked(ctx, stream, in, current, in.TargetCount-currentCount)
	}

	stream.Log(events.LevelInfo, "scaling down from %d to %d node(s)", currentCount, in.TargetCount)
	return o.scaleDownLocked(ctx, stream, in, current)
}

// scaleUpLocked adds nodes to the current version's deployment, starting
// the already-uploaded image on the new nodes only and reconfiguring
// nginx/DNS across the full, now-larger node set. No new version is
// allocated — this mirrors C8's scale-up tie-break.
func (o *Orchestrator) scaleUpLocked(ctx context.Context, stream *events.Stream, in ScaleInput, current repo.Deployment, addCount int) error {
	project, err := o.projects.Get(ctx, in.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	service, err := o.services.Get(ctx, in.ServiceID)
	if err != nil {
		return fmt.Errorf("loading service: %w", err)
	}

	existingNodes, err := o.nodes.ListByIDs(ctx, current.NodeIDs)
	if err != nil {
		return fmt.Errorf("loading existing nodes: %w", err)
	}

	provisioned, err := o.provider.CreateNodes(ctx, addCount, in.Region, in.Size, in.SnapshotID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProviderError, err)
	}
	newNodes := make([]repo.Node, 0, len(provisioned))
	for _, p := range provisioned {
		n, err := o.nodes.Create(ctx, repo.Node{
			WorkspaceID:  project.WorkspaceID,
			ProviderID:   p.ProviderID,
			PublicIP:     p.PublicIP,
			PrivateIP:    p.PrivateIP,
			Region:       in.Region,
			Size:         in.Size,
			SnapshotID:   &in.SnapshotID,
			Status:       repo.NodeStatusActive,
			HealthStatus: repo.NodeHealthHealthy,
		})
		if err != nil {
			return fmt.Errorf("persisting provisioned node %s: %w", p.ProviderID, err)
		}
		newNodes = append(newNodes, n)
	}
	stream.Log(events.LevelInfo, "provisioned %d node(s)", len(newNodes))

	containerPort := naming.ContainerPort(in.ServiceType)
	hostPort := naming.HostPort(in.TenantID, project.Name, service.Name, in.Env, current.Version, in.ServiceType)

	if err := o.startContainers(ctx, newNodes, current.ID, current.ContainerName, current.ImageName, current.EnvVariables, containerPort, hostPort); err != nil {
		return fmt.Errorf("starting containers on new nodes: %w", err)
	}

	httpPath := ""
	if naming.IsWebservice(in.ServiceType) {
		httpPath = "/health"
	}
	if err := o.healthGate(ctx, newNodes, current.ID, current.ContainerName, containerPort, httpPath); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrHealthGateTimeout, err)
	}
	stream.Log(events.LevelInfo, "health gate passed on new node(s)")

	allNodes := append(append([]repo.Node{}, existingNodes...), newNodes...)
	current.NodeIDs = nodeIDs(allNodes)
	if err := o.deployments.Update(ctx, current); err != nil {
		return fmt.Errorf("persisting node list: %w", err)
	}

	if naming.IsWebservice(in.ServiceType) {
		domain := naming.Domain(in.TenantID, project.Name, service.Name, in.Env)
		if err := o.switchNginx(ctx, allNodes, hostPort, domain); err != nil {
			return fmt.Errorf("reconfiguring nginx: %w", err)
		}
		if err := o.dns.SetupMultiServer(ctx, o.cfg.CFZoneID, domain, publicIPs(allNodes)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDNSError, err)
		}
		stream.Log(events.LevelInfo, "nginx and dns reconfigured for %d node(s)", len(allNodes))
	}
	return nil
}

// scaleDownLocked removes the last-added nodes (LIFO) from the current
// deployment.
func (o *Orchestrator) scaleDownLocked(ctx context.Context, stream *events.Stream, in ScaleInput, current repo.Deployment) error {
	project, err := o.projects.Get(ctx, in.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	service, err := o.services.Get(ctx, in.ServiceID)
	if err != nil {
		return fmt.Errorf("loading service: %w", err)
	}

	keepIDs := current.NodeIDs[:in.TargetCount]
	removeIDs := current.NodeIDs[in.TargetCount:]

	removeNodes, err := o.nodes.ListByIDs(ctx, removeIDs)
	if err != nil {
		return fmt.Errorf("loading nodes to remove: %w", err)
	}
	keepNodes, err := o.nodes.ListByIDs(ctx, keepIDs)
	if err != nil {
		return fmt.Errorf("loading nodes to keep: %w", err)
	}

	fanOut(ctx, o.cfg.FanoutLimit, removeNodes, func(ctx context.Context, n repo.Node) error {
		agent := o.agents(n)
		defer agent.Close()
		if err := agent.RemoveContainer(ctx, current.ContainerName, true, 30*time.Second); err != nil {
			stream.Log(events.LevelWarn, "could not remove container on node %s: %v", n.ID, err)
		}
		_ = o.containers.DeleteBy(ctx, n.ID, current.ContainerName)
		return nil
	})

	current.NodeIDs = keepIDs
	if err := o.deployments.Update(ctx, current); err != nil {
		return fmt.Errorf("persisting node list: %w", err)
	}

	if naming.IsWebservice(in.ServiceType) {
		hostPort := naming.HostPort(in.TenantID, project.Name, service.Name, in.Env, current.Version, in.ServiceType)
		domain := naming.Domain(in.TenantID, project.Name, service.Name, in.Env)
		if err := o.switchNginx(ctx, keepNodes, hostPort, domain); err != nil {
			return fmt.Errorf("reconfiguring nginx: %w", err)
		}
		if err := o.dns.SetupMultiServer(ctx, o.cfg.CFZoneID, domain, publicIPs(keepNodes)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDNSError, err)
		}
		stream.Log(events.LevelInfo, "nginx and dns reconfigured for %d remaining node(s)", len(keepNodes))
	}
	stream.Log(events.LevelInfo, "removed %d node(s)", len(removeNodes))
	return nil
}
