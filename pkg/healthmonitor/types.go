// Package healthmonitor implements the periodic node/container probe and
// auto-heal loop (C10 in the design). It runs independently of the deploy
// orchestrator: its own scheduler, its own fan-out, its own node-agent
// clients, writing only node and container health columns.
package healthmonitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/nodeagent"
)

// NodeRepo is the slice of internal/repo.NodeRepo the monitor needs.
type NodeRepo interface {
	ListWorkspacesWithActiveNodes(ctx context.Context) ([]string, error)
	ListActiveForWorkspace(ctx context.Context, workspaceID string) ([]repo.Node, error)
	UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, problematicReason string, flaggedAt, lastRebootAt *time.Time) error
}

// ContainerRepo is the slice of internal/repo.ContainerRepo the monitor needs.
type ContainerRepo interface {
	ListForNode(ctx context.Context, nodeID uuid.UUID) ([]repo.Container, error)
	UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, lastFailureReason string, lastFailureAt, lastHealthyAt, lastRestartAt *time.Time) error
	DeleteOrphaned(ctx context.Context) (int, error)
}

// DeploymentRepo is the slice of internal/repo.DeploymentRepo the monitor
// needs, to resolve a container back to the service_type it runs.
type DeploymentRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Deployment, error)
}

// ServiceRepo is the slice of internal/repo.ServiceRepo the monitor needs.
type ServiceRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Service, error)
}

// NodeAgent is the slice of pkg/nodeagent.Client the monitor drives.
type NodeAgent interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context, containerName string, containerPort int, httpPath string, timeout time.Duration) (nodeagent.HealthResult, error)
	RestartContainer(ctx context.Context, containerName string) error
	Close()
}

// NodeAgentFactory builds a NodeAgent client addressed at the given node.
type NodeAgentFactory func(node repo.Node) NodeAgent

// Provider is the out-of-scope cloud provider contract used for auto-heal
// reboots.
type Provider interface {
	RebootNode(ctx context.Context, providerID string) error
}
