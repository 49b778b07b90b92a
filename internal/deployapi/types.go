// Package deployapi exposes the deploy/scale/rollback orchestrator and the
// deployment-history listing over HTTP, the way the teacher's domain
// packages each own a Handler and a Routes() chi.Router.
package deployapi

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/audit"
	"github.com/shiplane/controlplane/internal/repo"
	"github.com/shiplane/controlplane/pkg/deploy"
	"github.com/shiplane/controlplane/pkg/events"
)

// Orchestrator is the slice of pkg/deploy.Orchestrator the handler drives.
type Orchestrator interface {
	Deploy(ctx context.Context, in deploy.DeployInput) *events.Stream
	Scale(ctx context.Context, in deploy.ScaleInput) *events.Stream
	Rollback(ctx context.Context, serviceID uuid.UUID, env, triggeredBy string) *events.Stream
}

// ProjectRepo is the slice of internal/repo.ProjectRepo the handler needs.
type ProjectRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Project, error)
}

// ServiceRepo is the slice of internal/repo.ServiceRepo the handler needs.
type ServiceRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Service, error)
}

// DeploymentRepo is the slice of internal/repo.DeploymentRepo the handler
// needs for history and single-deployment lookups.
type DeploymentRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Deployment, error)
	ListForService(ctx context.Context, serviceID uuid.UUID, env string, limit, offset int) ([]repo.Deployment, error)
}

// AuditRepo is the slice of internal/repo.AuditRepo the handler needs.
type AuditRepo interface {
	ListForWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]repo.AuditEntry, error)
}

// Handler wires the orchestrator and read-side repositories to HTTP.
type Handler struct {
	orch        Orchestrator
	projects    ProjectRepo
	services    ServiceRepo
	deployments DeploymentRepo
	auditRepo   AuditRepo
	auditLog    *audit.Writer
	logger      *slog.Logger
}

// NewHandler builds a Handler. auditLog may be nil to disable audit writes.
func NewHandler(orch Orchestrator, projects ProjectRepo, services ServiceRepo, deployments DeploymentRepo, auditRepo AuditRepo, auditLog *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{
		orch:        orch,
		projects:    projects,
		services:    services,
		deployments: deployments,
		auditRepo:   auditRepo,
		auditLog:    auditLog,
		logger:      logger,
	}
}
