package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one row of the deploy audit trail.
type AuditEntry struct {
	ID          uuid.UUID
	WorkspaceID string
	TriggeredBy string
	Action      string
	Resource    string
	ResourceID  uuid.UUID
	Detail      json.RawMessage
	CreatedAt   time.Time
}

// AuditRepo reads and writes the audit_log table.
type AuditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepo builds an AuditRepo over the given pool.
func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// CreateBatch inserts every entry in one round trip, used by the audit
// writer's periodic flush.
func (r *AuditRepo) CreateBatch(ctx context.Context, entries []AuditEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		detail := e.Detail
		if detail == nil {
			detail = json.RawMessage("{}")
		}
		var resourceID *uuid.UUID
		if e.ResourceID != uuid.Nil {
			resourceID = &e.ResourceID
		}
		batch.Queue(
			`INSERT INTO audit_log (workspace_id, triggered_by, action, resource, resource_id, detail)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.WorkspaceID, e.TriggeredBy, e.Action, e.Resource, resourceID, detail,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting audit entry: %w", err)
		}
	}
	return nil
}

// ListForWorkspace returns audit entries for a workspace, newest first.
func (r *AuditRepo) ListForWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]AuditEntry, error) {
	query := `SELECT id, workspace_id, triggered_by, action, resource, resource_id, detail, created_at
		FROM audit_log WHERE workspace_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var resourceID *uuid.UUID
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.TriggeredBy, &e.Action, &e.Resource, &resourceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		if resourceID != nil {
			e.ResourceID = *resourceID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
