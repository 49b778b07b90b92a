package healthmonitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/nodeagent"
)

type fakeNodes struct {
	mu  sync.Mutex
	byID map[uuid.UUID]repo.Node
}

func (f *fakeNodes) ListWorkspacesWithActiveNodes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, n := range f.byID {
		if !seen[n.WorkspaceID] {
			seen[n.WorkspaceID] = true
			out = append(out, n.WorkspaceID)
		}
	}
	return out, nil
}

func (f *fakeNodes) ListActiveForWorkspace(ctx context.Context, workspaceID string) ([]repo.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.Node
	for _, n := range f.byID {
		if n.WorkspaceID == workspaceID && n.Status == repo.NodeStatusActive {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNodes) UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, problematicReason string, flaggedAt, lastRebootAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.byID[id]
	n.HealthStatus = healthStatus
	n.FailureCount = failureCount
	n.ProblematicReason = problematicReason
	n.FlaggedAt = flaggedAt
	n.LastRebootAt = lastRebootAt
	f.byID[id] = n
	return nil
}

func (f *fakeNodes) get(id uuid.UUID) repo.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type fakeContainers struct {
	mu         sync.Mutex
	byNode     map[uuid.UUID][]repo.Container
	byID       map[uuid.UUID]repo.Container
	orphaned   int
	purges     int
}

func (f *fakeContainers) ListForNode(ctx context.Context, nodeID uuid.UUID) ([]repo.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repo.Container{}, f.byNode[nodeID]...), nil
}

func (f *fakeContainers) UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, lastFailureReason string, lastFailureAt, lastHealthyAt, lastRestartAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[id]
	c.HealthStatus = healthStatus
	c.FailureCount = failureCount
	c.LastFailureReason = lastFailureReason
	c.LastFailureAt = lastFailureAt
	c.LastHealthyAt = lastHealthyAt
	c.LastRestartAt = lastRestartAt
	f.byID[id] = c
	for nodeID, list := range f.byNode {
		for i, lc := range list {
			if lc.ID == id {
				f.byNode[nodeID][i] = c
			}
		}
	}
	return nil
}

func (f *fakeContainers) DeleteOrphaned(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return f.orphaned, nil
}

func (f *fakeContainers) get(id uuid.UUID) repo.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type fakeDeployments struct {
	byID map[uuid.UUID]repo.Deployment
}

func (f *fakeDeployments) Get(ctx context.Context, id uuid.UUID) (repo.Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return repo.Deployment{}, errors.New("not found")
	}
	return d, nil
}

type fakeServices struct {
	byID map[uuid.UUID]repo.Service
}

func (f *fakeServices) Get(ctx context.Context, id uuid.UUID) (repo.Service, error) {
	s, ok := f.byID[id]
	if !ok {
		return repo.Service{}, errors.New("not found")
	}
	return s, nil
}

type fakeAgent struct {
	pingErr      error
	healthResult nodeagent.HealthResult
	healthErr    error

	mu            sync.Mutex
	restartCalls  int
	restartErr    error
}

func (f *fakeAgent) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeAgent) Health(ctx context.Context, containerName string, containerPort int, httpPath string, timeout time.Duration) (nodeagent.HealthResult, error) {
	return f.healthResult, f.healthErr
}

func (f *fakeAgent) RestartContainer(ctx context.Context, containerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	return f.restartErr
}

func (f *fakeAgent) Close() {}

type fakeProvider struct {
	mu     sync.Mutex
	reboots int
}

func (f *fakeProvider) RebootNode(ctx context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reboots++
	return nil
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(nodes *fakeNodes, containers *fakeContainers, deployments *fakeDeployments, services *fakeServices, agent *fakeAgent, provider *fakeProvider) *Monitor {
	return New(nodes, containers, deployments, services, func(repo.Node) NodeAgent { return agent }, provider, Config{FanoutLimit: 4}, testLog())
}

func TestProbeNodeHealthyResetsFailureCount(t *testing.T) {
	nodeID := uuid.New()
	nodes := &fakeNodes{byID: map[uuid.UUID]repo.Node{
		nodeID: {ID: nodeID, WorkspaceID: "ws1", Status: repo.NodeStatusActive, HealthStatus: repo.NodeHealthUnhealthy, FailureCount: 1},
	}}
	containers := &fakeContainers{byNode: map[uuid.UUID][]repo.Container{}, byID: map[uuid.UUID]repo.Container{}}
	agent := &fakeAgent{pingErr: nil}
	m := newTestMonitor(nodes, containers, &fakeDeployments{}, &fakeServices{}, agent, &fakeProvider{})

	m.probeNode(context.Background(), nodes.get(nodeID))

	got := nodes.get(nodeID)
	if got.HealthStatus != repo.NodeHealthHealthy || got.FailureCount != 0 {
		t.Fatalf("expected healthy/0, got %s/%d", got.HealthStatus, got.FailureCount)
	}
}

func TestProbeNodeRebootsUnderThreshold(t *testing.T) {
	nodeID := uuid.New()
	nodes := &fakeNodes{byID: map[uuid.UUID]repo.Node{
		nodeID: {ID: nodeID, WorkspaceID: "ws1", Status: repo.NodeStatusActive, ProviderID: "p1", HealthStatus: repo.NodeHealthHealthy, FailureCount: 0},
	}}
	containers := &fakeContainers{byNode: map[uuid.UUID][]repo.Container{}, byID: map[uuid.UUID]repo.Container{}}
	agent := &fakeAgent{pingErr: errors.New("timeout")}
	provider := &fakeProvider{}
	m := newTestMonitor(nodes, containers, &fakeDeployments{}, &fakeServices{}, agent, provider)

	m.probeNode(context.Background(), nodes.get(nodeID))

	got := nodes.get(nodeID)
	if got.HealthStatus != repo.NodeHealthUnhealthy || got.FailureCount != 1 {
		t.Fatalf("expected unhealthy/1, got %s/%d", got.HealthStatus, got.FailureCount)
	}
	if provider.reboots != 1 {
		t.Fatalf("expected 1 reboot, got %d", provider.reboots)
	}
}

func TestProbeNodeQuarantinesAfterMaxReboots(t *testing.T) {
	nodeID := uuid.New()
	nodes := &fakeNodes{byID: map[uuid.UUID]repo.Node{
		nodeID: {ID: nodeID, WorkspaceID: "ws1", Status: repo.NodeStatusActive, ProviderID: "p1", HealthStatus: repo.NodeHealthUnhealthy, FailureCount: MaxNodeReboots},
	}}
	containers := &fakeContainers{byNode: map[uuid.UUID][]repo.Container{}, byID: map[uuid.UUID]repo.Container{}}
	agent := &fakeAgent{pingErr: errors.New("still down")}
	provider := &fakeProvider{}
	m := newTestMonitor(nodes, containers, &fakeDeployments{}, &fakeServices{}, agent, provider)

	m.probeNode(context.Background(), nodes.get(nodeID))

	got := nodes.get(nodeID)
	if got.HealthStatus != repo.NodeHealthProblematic {
		t.Fatalf("expected problematic, got %s", got.HealthStatus)
	}
	if got.ProblematicReason == "" {
		t.Fatal("expected a problematic reason to be recorded")
	}
	if provider.reboots != 0 {
		t.Fatalf("expected no further reboot once quarantined, got %d", provider.reboots)
	}
}

func TestProbeNodeSkipsContainersWhenQuarantined(t *testing.T) {
	nodeID := uuid.New()
	containerID := uuid.New()
	nodes := &fakeNodes{byID: map[uuid.UUID]repo.Node{
		nodeID: {ID: nodeID, WorkspaceID: "ws1", Status: repo.NodeStatusActive, ProviderID: "p1", HealthStatus: repo.NodeHealthUnhealthy, FailureCount: MaxNodeReboots},
	}}
	c := repo.Container{ID: containerID, ContainerName: "web", NodeID: nodeID, HealthStatus: repo.ContainerHealthHealthy}
	containers := &fakeContainers{
		byNode: map[uuid.UUID][]repo.Container{nodeID: {c}},
		byID:   map[uuid.UUID]repo.Container{containerID: c},
	}
	agent := &fakeAgent{pingErr: errors.New("down")}
	m := newTestMonitor(nodes, containers, &fakeDeployments{}, &fakeServices{}, agent, &fakeProvider{})

	m.probeNode(context.Background(), nodes.get(nodeID))

	got := containers.get(containerID)
	if got.HealthStatus != repo.ContainerHealthHealthy {
		t.Fatalf("container should be untouched once node is quarantined, got %s", got.HealthStatus)
	}
}

func TestProbeContainerRestartsUnderThreshold(t *testing.T) {
	deploymentID := uuid.New()
	serviceID := uuid.New()
	containerID := uuid.New()
	nodeID := uuid.New()

	deployments := &fakeDeployments{byID: map[uuid.UUID]repo.Deployment{
		deploymentID: {ID: deploymentID, ServiceID: serviceID},
	}}
	services := &fakeServices{byID: map[uuid.UUID]repo.Service{
		serviceID: {ID: serviceID, ServiceType: "webservice"},
	}}
	c := repo.Container{ID: containerID, ContainerName: "web", NodeID: nodeID, DeploymentID: deploymentID, HealthStatus: repo.ContainerHealthHealthy, FailureCount: 0}
	containers := &fakeContainers{
		byNode: map[uuid.UUID][]repo.Container{nodeID: {c}},
		byID:   map[uuid.UUID]repo.Container{containerID: c},
	}
	agent := &fakeAgent{healthResult: nodeagent.HealthResult{Status: "unhealthy", Reason: "connection refused"}}
	m := newTestMonitor(&fakeNodes{byID: map[uuid.UUID]repo.Node{}}, containers, deployments, services, agent, &fakeProvider{})

	m.probeContainer(context.Background(), agent, repo.Node{ID: nodeID}, containers.get(containerID))

	got := containers.get(containerID)
	if got.HealthStatus != repo.ContainerHealthUnhealthy || got.FailureCount != 1 {
		t.Fatalf("expected unhealthy/1, got %s/%d", got.HealthStatus, got.FailureCount)
	}
	if agent.restartCalls != 1 {
		t.Fatalf("expected 1 restart, got %d", agent.restartCalls)
	}
}

func TestProbeContainerQuarantinesAfterMaxRestarts(t *testing.T) {
	deploymentID := uuid.New()
	serviceID := uuid.New()
	containerID := uuid.New()
	nodeID := uuid.New()

	deployments := &fakeDeployments{byID: map[uuid.UUID]repo.Deployment{
		deploymentID: {ID: deploymentID, ServiceID: serviceID},
	}}
	services := &fakeServices{byID: map[uuid.UUID]repo.Service{
		serviceID: {ID: serviceID, ServiceType: "worker"},
	}}
	c := repo.Container{ID: containerID, ContainerName: "worker", NodeID: nodeID, DeploymentID: deploymentID, HealthStatus: repo.ContainerHealthUnhealthy, FailureCount: MaxContainerRestarts}
	containers := &fakeContainers{
		byNode: map[uuid.UUID][]repo.Container{nodeID: {c}},
		byID:   map[uuid.UUID]repo.Container{containerID: c},
	}
	agent := &fakeAgent{healthResult: nodeagent.HealthResult{Status: "unhealthy"}}
	m := newTestMonitor(&fakeNodes{byID: map[uuid.UUID]repo.Node{}}, containers, deployments, services, agent, &fakeProvider{})

	m.probeContainer(context.Background(), agent, repo.Node{ID: nodeID}, containers.get(containerID))

	got := containers.get(containerID)
	if got.HealthStatus != repo.ContainerHealthProblematic {
		t.Fatalf("expected problematic, got %s", got.HealthStatus)
	}
	if agent.restartCalls != 0 {
		t.Fatalf("expected no restart once quarantined, got %d", agent.restartCalls)
	}
}

func TestCleanupPurgesOrphanedContainers(t *testing.T) {
	containers := &fakeContainers{byNode: map[uuid.UUID][]repo.Container{}, byID: map[uuid.UUID]repo.Container{}, orphaned: 3}
	m := newTestMonitor(&fakeNodes{byID: map[uuid.UUID]repo.Node{}}, containers, &fakeDeployments{}, &fakeServices{}, &fakeAgent{}, &fakeProvider{})

	m.cleanup(context.Background())

	if containers.purges != 1 {
		t.Fatalf("expected cleanup to purge orphaned containers once, got %d calls", containers.purges)
	}
}
