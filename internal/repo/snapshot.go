package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotRepo reads the snapshots table.
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepo builds a SnapshotRepo over the given pool.
func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

const snapshotColumns = `id, workspace_id, region, provider_snapshot_id, is_base, is_managed`

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var s Snapshot
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.Region, &s.ProviderSnapshotID, &s.IsBase, &s.IsManaged)
	return s, err
}

// Get returns a snapshot by id.
func (r *SnapshotRepo) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = $1`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Snapshot{}, wrapGetErr("snapshot", id, err)
	}
	return s, nil
}

// GetBase returns the base snapshot for (workspaceID, region), if any.
func (r *SnapshotRepo) GetBase(ctx context.Context, workspaceID, region string) (Snapshot, bool, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE workspace_id = $1 AND region = $2 AND is_base = true`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, workspaceID, region))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("getting base snapshot for workspace %s region %s: %w", workspaceID, region, err)
	}
	return s, true, nil
}
