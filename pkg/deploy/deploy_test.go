package deploy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/errs"
	"github.com/shiplane/controlplane/internal/lock"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/events"
	"github.com/shiplane/controlplane/pkg/nodeagent"
)

// --- fakes -------------------------------------------------------------

type fakeProjects struct{ byID map[uuid.UUID]repo.Project }

func (f fakeProjects) Get(_ context.Context, id uuid.UUID) (repo.Project, error) {
	p, ok := f.byID[id]
	if !ok {
		return repo.Project{}, errs.ErrNoSuchEntity
	}
	return p, nil
}

type fakeServices struct{ byID map[uuid.UUID]repo.Service }

func (f fakeServices) Get(_ context.Context, id uuid.UUID) (repo.Service, error) {
	s, ok := f.byID[id]
	if !ok {
		return repo.Service{}, errs.ErrNoSuchEntity
	}
	return s, nil
}

type fakeNodes struct {
	mu   sync.Mutex
	byID map[uuid.UUID]repo.Node
}

func (f *fakeNodes) Get(_ context.Context, id uuid.UUID) (repo.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.byID[id]
	if !ok {
		return repo.Node{}, errs.ErrNoSuchEntity
	}
	return n, nil
}

func (f *fakeNodes) ListByIDs(_ context.Context, ids []uuid.UUID) ([]repo.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repo.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := f.byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNodes) Create(_ context.Context, n repo.Node) (repo.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = uuid.New()
	f.byID[n.ID] = n
	return n, nil
}

type fakeDeployments struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]repo.Deployment
	order   []uuid.UUID
	version map[string]int
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{byID: map[uuid.UUID]repo.Deployment{}, version: map[string]int{}}
}

func verKey(serviceID uuid.UUID, env string) string { return serviceID.String() + "/" + env }

func (f *fakeDeployments) NextVersion(_ context.Context, serviceID uuid.UUID, env string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version[verKey(serviceID, env)]++
	return f.version[verKey(serviceID, env)], nil
}

func (f *fakeDeployments) Create(_ context.Context, d repo.Deployment) (repo.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = uuid.New()
	d.TriggeredAt = time.Unix(0, 0)
	f.byID[d.ID] = d
	f.order = append(f.order, d.ID)
	return d, nil
}

func (f *fakeDeployments) Update(_ context.Context, d repo.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[d.ID] = d
	return nil
}

func (f *fakeDeployments) GetLatestSuccess(_ context.Context, serviceID uuid.UUID, env string) (repo.Deployment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best repo.Deployment
	found := false
	for _, id := range f.order {
		d := f.byID[id]
		if d.ServiceID == serviceID && d.Env == env && d.Status == repo.DeploymentSuccess {
			if !found || d.Version > best.Version {
				best = d
				found = true
			}
		}
	}
	return best, found, nil
}

func (f *fakeDeployments) GetPreviousSuccess(_ context.Context, serviceID uuid.UUID, env string, beforeVersion int) (repo.Deployment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best repo.Deployment
	found := false
	for _, id := range f.order {
		d := f.byID[id]
		if d.ServiceID == serviceID && d.Env == env && d.Status == repo.DeploymentSuccess && d.Version < beforeVersion {
			if !found || d.Version > best.Version {
				best = d
				found = true
			}
		}
	}
	return best, found, nil
}

type fakeContainers struct {
	mu   sync.Mutex
	byID map[string]repo.Container // keyed by nodeID+containerName
}

func newFakeContainers() *fakeContainers { return &fakeContainers{byID: map[string]repo.Container{}} }

func containerKey(nodeID uuid.UUID, name string) string { return nodeID.String() + "/" + name }

func (f *fakeContainers) Upsert(_ context.Context, c repo.Container) (repo.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[containerKey(c.NodeID, c.ContainerName)] = c
	return c, nil
}

func (f *fakeContainers) ListForDeployment(_ context.Context, deploymentID uuid.UUID) ([]repo.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.Container
	for _, c := range f.byID {
		if c.DeploymentID == deploymentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeContainers) DeleteBy(_ context.Context, nodeID uuid.UUID, containerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, containerKey(nodeID, containerName))
	return nil
}

type fakeSnapshots struct{}

func (fakeSnapshots) Get(_ context.Context, id uuid.UUID) (repo.Snapshot, error) {
	return repo.Snapshot{ID: id}, nil
}

type fakeAgent struct {
	healthy bool
}

func (f *fakeAgent) UploadImage(_ context.Context, _ string, _ []byte) error { return nil }
func (f *fakeAgent) StartContainer(_ context.Context, _ nodeagent.StartContainerRequest) (string, error) {
	return "c1", nil
}
func (f *fakeAgent) RemoveContainer(_ context.Context, _ string, _ bool, _ time.Duration) error {
	return nil
}
func (f *fakeAgent) RestartContainer(_ context.Context, _ string) error { return nil }
func (f *fakeAgent) Health(_ context.Context, _ string, _ int, _ string, _ time.Duration) (nodeagent.HealthResult, error) {
	if f.healthy {
		return nodeagent.HealthResult{Status: "healthy"}, nil
	}
	return nodeagent.HealthResult{Status: "unhealthy"}, nil
}
func (f *fakeAgent) ConfigureNginx(_ context.Context, _ []string, _ int, _ string) error { return nil }
func (f *fakeAgent) CleanupImages(_ context.Context, _ string, _ int) (int, error)       { return 0, nil }
func (f *fakeAgent) Close()                                                             {}

type fakeDNS struct{ calls int }

func (f *fakeDNS) SetupMultiServer(_ context.Context, _, _ string, _ []string) error {
	f.calls++
	return nil
}
func (f *fakeDNS) RemoveDomain(_ context.Context, _, _ string) error { return nil }

type fakeInjector struct{}

func (fakeInjector) Inject(_ context.Context, _, _ uuid.UUID, _ string, _ uuid.UUID) (map[string]string, []string, error) {
	return map[string]string{}, nil, nil
}

type fakeProvider struct {
	mu     sync.Mutex
	nextIP int
}

func (f *fakeProvider) CreateNodes(_ context.Context, count int, region, size string, _ uuid.UUID) ([]ProvisionedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProvisionedNode, count)
	for i := range out {
		f.nextIP++
		out[i] = ProvisionedNode{
			ProviderID: "prov-" + region,
			PublicIP:   "203.0.113." + itoa(f.nextIP),
			PrivateIP:  "10.0.0." + itoa(f.nextIP),
		}
	}
	return out, nil
}
func (f *fakeProvider) RebootNode(_ context.Context, _ string) error { return nil }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// --- harness -------------------------------------------------------------

type harness struct {
	orch      *Orchestrator
	projects  fakeProjects
	services  fakeServices
	nodes     *fakeNodes
	deploys   *fakeDeployments
	agent     *fakeAgent
	projectID uuid.UUID
	serviceID uuid.UUID
	nodeID    uuid.UUID
}

func newHarness(t *testing.T, serviceType string) *harness {
	t.Helper()
	projectID := uuid.New()
	serviceID := uuid.New()
	nodeID := uuid.New()

	projects := fakeProjects{byID: map[uuid.UUID]repo.Project{
		projectID: {ID: projectID, WorkspaceID: "workspace1", Name: "proj"},
	}}
	services := fakeServices{byID: map[uuid.UUID]repo.Service{
		serviceID: {ID: serviceID, ProjectID: projectID, Name: "svc", ServiceType: serviceType},
	}}
	nodes := &fakeNodes{byID: map[uuid.UUID]repo.Node{
		nodeID: {ID: nodeID, WorkspaceID: "workspace1", PublicIP: "203.0.113.1", PrivateIP: "10.0.0.1", Status: repo.NodeStatusActive},
	}}
	deploys := newFakeDeployments()
	agent := &fakeAgent{healthy: true}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := New(
		projects, services, nodes, deploys, newFakeContainers(), fakeSnapshots{},
		lock.NewRegistry(),
		func(repo.Node) NodeAgent { return agent },
		&fakeDNS{}, fakeInjector{}, &fakeProvider{},
		nil,
		Config{FanoutLimit: 4, ImageKeepLatest: 100, DeployDeadline: 5 * time.Second, ScaleDeadline: 5 * time.Second, CFZoneID: "zone1", RootDomain: "example.com"},
		log,
	)

	return &harness{
		orch: orch, projects: projects, services: services, nodes: nodes, deploys: deploys, agent: agent,
		projectID: projectID, serviceID: serviceID, nodeID: nodeID,
	}
}

func drainTerminal(t *testing.T, s *events.Stream) events.CompleteEvent {
	t.Helper()
	var last events.Event
	for e := range s.Events() {
		last = e
	}
	if last.Complete == nil {
		t.Fatal("stream did not end with a complete event")
	}
	return *last.Complete
}

// --- tests -----------------------------------------------------------------

func TestDeployFirstVersionSucceeds(t *testing.T) {
	h := newHarness(t, "webservice")

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "webservice",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
		TriggeredBy:     "alice",
	})

	result := drainTerminal(t, stream)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}

	dep, ok, err := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	if err != nil || !ok {
		t.Fatalf("expected a successful deployment, err=%v ok=%v", err, ok)
	}
	if dep.Version != 1 {
		t.Fatalf("expected version 1, got %d", dep.Version)
	}
	if len(dep.NodeIDs) < 1 {
		t.Fatal("expected at least one node_id on success (property 2)")
	}
}

func TestDeployRejectsEmptyTargetSetBeforeSideEffects(t *testing.T) {
	h := newHarness(t, "webservice")

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:    "tenant123",
		ProjectID:   h.projectID,
		ServiceID:   h.serviceID,
		Env:         "prod",
		ServiceType: "webservice",
		ImageBlob:   []byte("image-bytes"),
	})

	result := drainTerminal(t, stream)
	if result.Success {
		t.Fatal("expected failure for empty target set")
	}

	h.deploys.mu.Lock()
	created := len(h.deploys.order)
	h.deploys.mu.Unlock()
	if created != 0 {
		t.Fatal("expected no deployment row to be created for a rejected input (property 13)")
	}
}

func TestDeployLockBusyFailsImmediately(t *testing.T) {
	h := newHarness(t, "webservice")

	lockID, ok := h.orch.locker.Acquire(context.Background(), h.serviceID.String(), "prod", time.Minute)
	if !ok {
		t.Fatal("setup: could not acquire lock")
	}
	defer h.orch.locker.Release(context.Background(), h.serviceID.String(), "prod", lockID)

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "webservice",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
	})

	result := drainTerminal(t, stream)
	if result.Success {
		t.Fatal("expected lock-busy failure")
	}
}

func TestDeployVersionsAreGaplessAscending(t *testing.T) {
	h := newHarness(t, "webservice")

	for i := 0; i < 3; i++ {
		stream := h.orch.Deploy(context.Background(), DeployInput{
			TenantID:        "tenant123",
			ProjectID:       h.projectID,
			ServiceID:       h.serviceID,
			Env:             "prod",
			ServiceType:     "webservice",
			ImageBlob:       []byte("image-bytes"),
			ExistingNodeIDs: []uuid.UUID{h.nodeID},
		})
		if r := drainTerminal(t, stream); !r.Success {
			t.Fatalf("deploy %d failed: %s", i+1, r.Error)
		}
	}

	dep, ok, err := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	if err != nil || !ok {
		t.Fatal("expected a latest success")
	}
	if dep.Version != 3 {
		t.Fatalf("expected version 3 after three deploys, got %d", dep.Version)
	}
}

func TestDeployUnhealthyContainerFailsHealthGate(t *testing.T) {
	h := newHarness(t, "webservice")
	h.agent.healthy = false
	h.orch.cfg.DeployDeadline = 3 * time.Second

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "webservice",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
	})

	result := drainTerminal(t, stream)
	if result.Success {
		t.Fatal("expected health gate timeout failure")
	}
}

func TestRollbackRedeploysPreviousVersionAsNewVersion(t *testing.T) {
	h := newHarness(t, "webservice")

	for i := 0; i < 2; i++ {
		stream := h.orch.Deploy(context.Background(), DeployInput{
			TenantID:        "tenant123",
			ProjectID:       h.projectID,
			ServiceID:       h.serviceID,
			Env:             "prod",
			ServiceType:     "webservice",
			ImageBlob:       []byte("image-bytes"),
			ExistingNodeIDs: []uuid.UUID{h.nodeID},
		})
		if r := drainTerminal(t, stream); !r.Success {
			t.Fatalf("setup deploy %d failed: %s", i+1, r.Error)
		}
	}

	stream := h.orch.Rollback(context.Background(), h.serviceID, "prod", "bob")
	result := drainTerminal(t, stream)
	if !result.Success {
		t.Fatalf("expected rollback success, got: %s", result.Error)
	}

	dep, ok, err := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	if err != nil || !ok {
		t.Fatal("expected a latest success after rollback")
	}
	if dep.Version != 3 {
		t.Fatalf("rollback must allocate a new version, expected 3, got %d", dep.Version)
	}
	if !dep.IsRollback {
		t.Fatal("expected the rollback deployment to be flagged is_rollback")
	}
}

func TestScaleUpAddsNodesWithoutAllocatingVersion(t *testing.T) {
	h := newHarness(t, "api")

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "api",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
	})
	if r := drainTerminal(t, stream); !r.Success {
		t.Fatalf("setup deploy failed: %s", r.Error)
	}

	scaleStream := h.orch.Scale(context.Background(), ScaleInput{
		TenantID:    "tenant123",
		ProjectID:   h.projectID,
		ServiceID:   h.serviceID,
		Env:         "prod",
		ServiceType: "api",
		TargetCount: 2,
		Region:      "nyc1",
		Size:        "s-1vcpu-1gb",
	})
	result := drainTerminal(t, scaleStream)
	if !result.Success {
		t.Fatalf("expected scale-up success, got: %s", result.Error)
	}

	dep, ok, err := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	if err != nil || !ok {
		t.Fatal("expected a latest success")
	}
	if dep.Version != 1 {
		t.Fatalf("scale-up must not allocate a new version, expected 1, got %d", dep.Version)
	}
	if len(dep.NodeIDs) != 2 {
		t.Fatalf("expected 2 node_ids after scale-up, got %d", len(dep.NodeIDs))
	}
}

func TestScaleDownRemovesNodesLIFO(t *testing.T) {
	h := newHarness(t, "api")

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "api",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
	})
	if r := drainTerminal(t, stream); !r.Success {
		t.Fatalf("setup deploy failed: %s", r.Error)
	}

	scaleUp := h.orch.Scale(context.Background(), ScaleInput{
		TenantID: "tenant123", ProjectID: h.projectID, ServiceID: h.serviceID, Env: "prod",
		ServiceType: "api", TargetCount: 3, Region: "nyc1", Size: "s-1vcpu-1gb",
	})
	if r := drainTerminal(t, scaleUp); !r.Success {
		t.Fatalf("setup scale-up failed: %s", r.Error)
	}

	dep, _, _ := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	lastAddedNode := dep.NodeIDs[len(dep.NodeIDs)-1]

	scaleDown := h.orch.Scale(context.Background(), ScaleInput{
		TenantID: "tenant123", ProjectID: h.projectID, ServiceID: h.serviceID, Env: "prod",
		ServiceType: "api", TargetCount: 2,
	})
	result := drainTerminal(t, scaleDown)
	if !result.Success {
		t.Fatalf("expected scale-down success, got: %s", result.Error)
	}

	dep, ok, err := h.deploys.GetLatestSuccess(context.Background(), h.serviceID, "prod")
	if err != nil || !ok {
		t.Fatal("expected a latest success")
	}
	if len(dep.NodeIDs) != 2 {
		t.Fatalf("expected 2 node_ids after scale-down, got %d", len(dep.NodeIDs))
	}
	for _, id := range dep.NodeIDs {
		if id == lastAddedNode {
			t.Fatal("scale-down must remove the most recently added node first (LIFO)")
		}
	}
}

func TestRollbackWithNoPreviousVersionFails(t *testing.T) {
	h := newHarness(t, "webservice")

	stream := h.orch.Deploy(context.Background(), DeployInput{
		TenantID:        "tenant123",
		ProjectID:       h.projectID,
		ServiceID:       h.serviceID,
		Env:             "prod",
		ServiceType:     "webservice",
		ImageBlob:       []byte("image-bytes"),
		ExistingNodeIDs: []uuid.UUID{h.nodeID},
	})
	if r := drainTerminal(t, stream); !r.Success {
		t.Fatalf("setup deploy failed: %s", r.Error)
	}

	rollbackStream := h.orch.Rollback(context.Background(), h.serviceID, "prod", "bob")
	result := drainTerminal(t, rollbackStream)
	if result.Success {
		t.Fatal("expected rollback failure with only one successful deployment on record")
	}
}
