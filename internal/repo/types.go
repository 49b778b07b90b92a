// Package repo is the narrow repository facade (C3) the orchestrator reads
// and writes through. It is raw SQL over pgx — no ORM, no code generator —
// matching the store style the rest of this codebase uses elsewhere.
// JSON columns (env_variables, node_ids) are (de)serialized only here;
// every caller above this package sees typed Go values.
package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiplane/controlplane/internal/errs"
)

// wrapGetErr maps pgx.ErrNoRows to errs.ErrNoSuchEntity so callers can use
// errors.Is regardless of which entity repo returned the error.
func wrapGetErr(what string, id any, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, errs.ErrNoSuchEntity)
	}
	return fmt.Errorf("getting %s %v: %w", what, id, err)
}

// Project is a tenant-scoped grouping of services.
type Project struct {
	ID          uuid.UUID
	WorkspaceID string
	Name        string
	DeletedAt   *time.Time
}

// Service is a deployable unit within a project.
type Service struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Name        string
	ServiceType string
	DeletedAt   *time.Time
}

// Node statuses.
const (
	NodeStatusActive       = "active"
	NodeStatusInactive     = "inactive"
	NodeStatusProvisioning = "provisioning"
	NodeStatusError        = "error"
)

// Node health statuses, written only by the health monitor.
const (
	NodeHealthHealthy     = "healthy"
	NodeHealthUnhealthy   = "unhealthy"
	NodeHealthProblematic = "problematic"
)

// Node is a cloud VM under control-plane management.
type Node struct {
	ID           uuid.UUID
	WorkspaceID  string
	ProviderID   string
	PublicIP     string
	PrivateIP    string
	Region       string
	Size         string
	VPCID        string
	SnapshotID   *uuid.UUID
	Status       string
	HealthStatus string

	FailureCount      int
	ProblematicReason string
	FlaggedAt         *time.Time
	LastRebootAt      *time.Time

	DeletedAt *time.Time
}

// Deployment statuses.
const (
	DeploymentPending    = "pending"
	DeploymentInProgress = "in_progress"
	DeploymentSuccess    = "success"
	DeploymentFailed     = "failed"
	DeploymentCancelled  = "cancelled"
)

// Deployment is one attempt to place version V of a service in an env.
type Deployment struct {
	ID            uuid.UUID
	ServiceID     uuid.UUID
	Env           string
	Version       int
	ImageName     string
	ContainerName string
	EnvVariables  map[string]string
	NodeIDs       []uuid.UUID
	IsRollback    bool
	Status        string
	Error         string
	Log           string
	TriggeredBy   string
	TriggeredAt   time.Time
}

// Container statuses and health statuses.
const (
	ContainerPending = "pending"
	ContainerRunning = "running"
	ContainerStopped = "stopped"
	ContainerFailed  = "failed"

	ContainerHealthHealthy     = "healthy"
	ContainerHealthUnhealthy   = "unhealthy"
	ContainerHealthUnknown     = "unknown"
	ContainerHealthProblematic = "problematic"
)

// Container is the runtime incarnation of a deployment on one node.
type Container struct {
	ID            uuid.UUID
	ContainerName string
	NodeID        uuid.UUID
	DeploymentID  uuid.UUID
	Status        string
	HealthStatus  string

	FailureCount      int
	LastFailureReason string
	LastFailureAt     *time.Time
	LastHealthyAt     *time.Time
	LastRestartAt     *time.Time
}

// Snapshot is a base image a new node is provisioned from.
type Snapshot struct {
	ID                 uuid.UUID
	WorkspaceID        string
	Region             string
	ProviderSnapshotID string
	IsBase             bool
	IsManaged          bool
}
