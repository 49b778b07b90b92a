package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContainerRepo reads and writes the containers table.
type ContainerRepo struct {
	pool *pgxpool.Pool
}

// NewContainerRepo builds a ContainerRepo over the given pool.
func NewContainerRepo(pool *pgxpool.Pool) *ContainerRepo {
	return &ContainerRepo{pool: pool}
}

const containerColumns = `id, container_name, node_id, deployment_id, status, health_status,
	failure_count, last_failure_reason, last_failure_at, last_healthy_at, last_restart_at`

func scanContainer(row pgx.Row) (Container, error) {
	var c Container
	err := row.Scan(
		&c.ID, &c.ContainerName, &c.NodeID, &c.DeploymentID, &c.Status, &c.HealthStatus,
		&c.FailureCount, &c.LastFailureReason, &c.LastFailureAt, &c.LastHealthyAt, &c.LastRestartAt,
	)
	return c, err
}

// Get returns a container by (nodeID, containerName), its unique key.
func (r *ContainerRepo) Get(ctx context.Context, nodeID uuid.UUID, containerName string) (Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE node_id = $1 AND container_name = $2`
	c, err := scanContainer(r.pool.QueryRow(ctx, query, nodeID, containerName))
	if err != nil {
		return Container{}, wrapGetErr(fmt.Sprintf("container %s on node", containerName), nodeID, err)
	}
	return c, nil
}

// ListForDeployment returns every container row created for a deployment.
func (r *ContainerRepo) ListForDeployment(ctx context.Context, deploymentID uuid.UUID) ([]Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE deployment_id = $1`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("listing containers for deployment %s: %w", deploymentID, err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListForNode returns every container row on a given node, consumed by the
// health monitor's per-node pass.
func (r *ContainerRepo) ListForNode(ctx context.Context, nodeID uuid.UUID) ([]Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE node_id = $1`
	rows, err := r.pool.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("listing containers for node %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a container keyed by (node_id, container_name).
func (r *ContainerRepo) Upsert(ctx context.Context, c Container) (Container, error) {
	query := `INSERT INTO containers
		(container_name, node_id, deployment_id, status, health_status,
		 failure_count, last_failure_reason, last_failure_at, last_healthy_at, last_restart_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (node_id, container_name) DO UPDATE SET
			deployment_id = EXCLUDED.deployment_id,
			status = EXCLUDED.status,
			health_status = EXCLUDED.health_status,
			failure_count = EXCLUDED.failure_count,
			last_failure_reason = EXCLUDED.last_failure_reason,
			last_failure_at = EXCLUDED.last_failure_at,
			last_healthy_at = EXCLUDED.last_healthy_at,
			last_restart_at = EXCLUDED.last_restart_at
		RETURNING ` + containerColumns

	upserted, err := scanContainer(r.pool.QueryRow(ctx, query,
		c.ContainerName, c.NodeID, c.DeploymentID, c.Status, c.HealthStatus,
		c.FailureCount, c.LastFailureReason, c.LastFailureAt, c.LastHealthyAt, c.LastRestartAt,
	))
	if err != nil {
		return Container{}, fmt.Errorf("upserting container %s on node %s: %w", c.ContainerName, c.NodeID, err)
	}
	return upserted, nil
}

// DeleteBy removes a container row by its unique (node, name) key. Retire
// paths call it once the node agent confirms removal; scale-down calls it
// for each removed node whatever the agent returned.
func (r *ContainerRepo) DeleteBy(ctx context.Context, nodeID uuid.UUID, containerName string) error {
	query := `DELETE FROM containers WHERE node_id = $1 AND container_name = $2`
	_, err := r.pool.Exec(ctx, query, nodeID, containerName)
	if err != nil {
		return fmt.Errorf("deleting container %s on node %s: %w", containerName, nodeID, err)
	}
	return nil
}

// DeleteOrphaned removes container rows whose node has been deleted, run
// on the health monitor's cleanup tick to keep stale rows from
// accumulating once a node is decommissioned outside a scale-down.
func (r *ContainerRepo) DeleteOrphaned(ctx context.Context) (int, error) {
	query := `DELETE FROM containers
		WHERE node_id IN (SELECT id FROM nodes WHERE deleted_at IS NOT NULL)`
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned containers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateHealth persists the health fields written by the health monitor,
// leaving status untouched. The orchestrator's Upsert also writes
// health_status and the failure fields.
func (r *ContainerRepo) UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, lastFailureReason string, lastFailureAt, lastHealthyAt, lastRestartAt *time.Time) error {
	query := `UPDATE containers SET health_status = $2, failure_count = $3, last_failure_reason = $4,
		last_failure_at = $5, last_healthy_at = $6, last_restart_at = $7 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, healthStatus, failureCount, lastFailureReason, lastFailureAt, lastHealthyAt, lastRestartAt)
	if err != nil {
		return fmt.Errorf("updating container health %s: %w", id, err)
	}
	return nil
}
