package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectRepo reads and writes the projects table.
type ProjectRepo struct {
	pool *pgxpool.Pool
}

// NewProjectRepo builds a ProjectRepo over the given pool.
func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

const projectColumns = `id, workspace_id, name, deleted_at`

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.DeletedAt)
	return p, err
}

// Get returns a project by id, including soft-deleted ones.
func (r *ProjectRepo) Get(ctx context.Context, id uuid.UUID) (Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Project{}, wrapGetErr("project", id, err)
	}
	return p, nil
}
