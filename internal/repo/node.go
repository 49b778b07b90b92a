package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NodeRepo reads and writes the nodes table.
type NodeRepo struct {
	pool *pgxpool.Pool
}

// NewNodeRepo builds a NodeRepo over the given pool.
func NewNodeRepo(pool *pgxpool.Pool) *NodeRepo {
	return &NodeRepo{pool: pool}
}

const nodeColumns = `id, workspace_id, provider_id, public_ip, private_ip, region, size, vpc_id,
	snapshot_id, status, health_status, failure_count, problematic_reason, flagged_at,
	last_reboot_at, deleted_at`

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	err := row.Scan(
		&n.ID, &n.WorkspaceID, &n.ProviderID, &n.PublicIP, &n.PrivateIP, &n.Region, &n.Size, &n.VPCID,
		&n.SnapshotID, &n.Status, &n.HealthStatus, &n.FailureCount, &n.ProblematicReason, &n.FlaggedAt,
		&n.LastRebootAt, &n.DeletedAt,
	)
	return n, err
}

// Get returns a node by id.
func (r *NodeRepo) Get(ctx context.Context, id uuid.UUID) (Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	n, err := scanNode(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Node{}, wrapGetErr("node", id, err)
	}
	return n, nil
}

// Create inserts a newly provisioned node row and returns it with its
// generated id.
func (r *NodeRepo) Create(ctx context.Context, n Node) (Node, error) {
	query := `INSERT INTO nodes
		(workspace_id, provider_id, public_ip, private_ip, region, size, vpc_id,
		 snapshot_id, status, health_status, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		RETURNING ` + nodeColumns

	created, err := scanNode(r.pool.QueryRow(ctx, query,
		n.WorkspaceID, n.ProviderID, n.PublicIP, n.PrivateIP, n.Region, n.Size, n.VPCID,
		n.SnapshotID, n.Status, n.HealthStatus,
	))
	if err != nil {
		return Node{}, fmt.Errorf("creating node: %w", err)
	}
	return created, nil
}

// ListByIDs returns nodes matching the given ids, in no particular order;
// callers that need deployment.NodeIDs order should re-sort by id.
func (r *NodeRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("listing nodes by id: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListActiveForWorkspace returns non-deleted, active nodes in a workspace,
// consumed by the health monitor's per-workspace enumeration.
func (r *NodeRepo) ListActiveForWorkspace(ctx context.Context, workspaceID string) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE workspace_id = $1 AND status = 'active' AND deleted_at IS NULL`
	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing active nodes for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListWorkspacesWithActiveNodes returns the distinct workspace ids that have
// at least one active node, the unit the health monitor schedules by.
func (r *NodeRepo) ListWorkspacesWithActiveNodes(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT workspace_id FROM nodes WHERE status = 'active' AND deleted_at IS NULL`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces with active nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("scanning workspace id: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// UpdateHealth persists the node-health fields written by the health
// monitor. It never touches provisioning/status fields.
func (r *NodeRepo) UpdateHealth(ctx context.Context, id uuid.UUID, healthStatus string, failureCount int, problematicReason string, flaggedAt, lastRebootAt *time.Time) error {
	query := `UPDATE nodes SET health_status = $2, failure_count = $3, problematic_reason = $4,
		flagged_at = $5, last_reboot_at = $6 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, healthStatus, failureCount, problematicReason, flaggedAt, lastRebootAt)
	if err != nil {
		return fmt.Errorf("updating node health %s: %w", id, err)
	}
	return nil
}
