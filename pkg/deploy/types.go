// Package deploy implements the deploy, scale, and rollback orchestrators
// (C8, C9, C11 in the design). They share locking, naming, repository and
// node-agent plumbing tightly enough to live behind one Orchestrator entry
// point, mirroring the coupling in the source this was distilled from while
// keeping each operation as its own method.
package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/nodeagent"
	"github.com/shiplane/controlplane/pkg/notify"
)

// ProjectRepo is the slice of internal/repo.ProjectRepo the orchestrator needs.
type ProjectRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Project, error)
}

// ServiceRepo is the slice of internal/repo.ServiceRepo the orchestrator needs.
type ServiceRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Service, error)
}

// NodeRepo is the slice of internal/repo.NodeRepo the orchestrator needs.
type NodeRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Node, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]repo.Node, error)
	Create(ctx context.Context, n repo.Node) (repo.Node, error)
}

// DeploymentRepo is the slice of internal/repo.DeploymentRepo the
// orchestrator needs.
type DeploymentRepo interface {
	NextVersion(ctx context.Context, serviceID uuid.UUID, env string) (int, error)
	Create(ctx context.Context, d repo.Deployment) (repo.Deployment, error)
	Update(ctx context.Context, d repo.Deployment) error
	GetLatestSuccess(ctx context.Context, serviceID uuid.UUID, env string) (repo.Deployment, bool, error)
	GetPreviousSuccess(ctx context.Context, serviceID uuid.UUID, env string, beforeVersion int) (repo.Deployment, bool, error)
}

// ContainerRepo is the slice of internal/repo.ContainerRepo the
// orchestrator needs.
type ContainerRepo interface {
	Upsert(ctx context.Context, c repo.Container) (repo.Container, error)
	ListForDeployment(ctx context.Context, deploymentID uuid.UUID) ([]repo.Container, error)
	DeleteBy(ctx context.Context, nodeID uuid.UUID, containerName string) error
}

// SnapshotRepo is the slice of internal/repo.SnapshotRepo the orchestrator
// needs.
type SnapshotRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Snapshot, error)
}

// Locker is the C2 fencing-lock contract (satisfied by internal/lock.Registry).
type Locker interface {
	Acquire(ctx context.Context, serviceID, env string, ttl time.Duration) (lockID string, ok bool)
	Release(ctx context.Context, serviceID, env, lockID string) bool
}

// NodeAgent is the slice of pkg/nodeagent.Client the orchestrator drives.
type NodeAgent interface {
	UploadImage(ctx context.Context, imageName string, blob []byte) error
	StartContainer(ctx context.Context, req nodeagent.StartContainerRequest) (string, error)
	RemoveContainer(ctx context.Context, containerName string, drain bool, drainTimeout time.Duration) error
	RestartContainer(ctx context.Context, containerName string) error
	Health(ctx context.Context, containerName string, containerPort int, httpPath string, timeout time.Duration) (nodeagent.HealthResult, error)
	ConfigureNginx(ctx context.Context, privateIPs []string, hostPort int, domain string) error
	CleanupImages(ctx context.Context, imagePrefix string, keepLatest int) (int, error)
	Close()
}

// NodeAgentFactory builds a NodeAgent client addressed at the given node.
type NodeAgentFactory func(node repo.Node) NodeAgent

// DNSClient is the slice of pkg/dnsclient.Client the orchestrator drives.
type DNSClient interface {
	SetupMultiServer(ctx context.Context, zoneID, domain string, ips []string) error
	RemoveDomain(ctx context.Context, zoneID, domain string) error
}

// Injector is the slice of pkg/statefulinject.Injector the orchestrator drives.
type Injector interface {
	Inject(ctx context.Context, projectID, excludeServiceID uuid.UUID, env string, targetNodeID uuid.UUID) (map[string]string, []string, error)
}

// ProvisionedNode is what the out-of-scope cloud provider returns for one
// newly created node.
type ProvisionedNode struct {
	ProviderID string
	PublicIP   string
	PrivateIP  string
}

// Provider is the out-of-scope cloud provider contract (VM lifecycle).
// Only its contract is specified here; a concrete implementation lives
// outside this module.
type Provider interface {
	CreateNodes(ctx context.Context, count int, region, size string, snapshotID uuid.UUID) ([]ProvisionedNode, error)
	RebootNode(ctx context.Context, providerID string) error
}

// Notifier is the slice of pkg/notify.Notifier the orchestrator drives. A
// nil Notifier disables best-effort outcome notifications entirely.
type Notifier interface {
	Notify(ctx context.Context, result notify.DeployResult) error
}

// NewNodesRequest describes nodes to provision as part of a deploy/scale-up.
type NewNodesRequest struct {
	Count      int
	Region     string
	Size       string
	SnapshotID uuid.UUID
}

// DeployInput is the input contract for Orchestrator.Deploy.
type DeployInput struct {
	TenantID    string
	ProjectID   uuid.UUID
	ServiceID   uuid.UUID
	Env         string
	ServiceType string

	ImageBlob []byte // set for a fresh upload
	ImageName string // set when reusing an already-uploaded image (scale-up, rollback)

	EnvVariables    map[string]string
	ExistingNodeIDs []uuid.UUID
	NewNodes        *NewNodesRequest
	IsRollback      bool
	TriggeredBy     string
}
