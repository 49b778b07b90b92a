package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceRepo reads and writes the services table.
type ServiceRepo struct {
	pool *pgxpool.Pool
}

// NewServiceRepo builds a ServiceRepo over the given pool.
func NewServiceRepo(pool *pgxpool.Pool) *ServiceRepo {
	return &ServiceRepo{pool: pool}
}

const serviceColumns = `id, project_id, name, service_type, deleted_at`

func scanService(row pgx.Row) (Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.ServiceType, &s.DeletedAt)
	return s, err
}

// Get returns a service by id.
func (r *ServiceRepo) Get(ctx context.Context, id uuid.UUID) (Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	s, err := scanService(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Service{}, wrapGetErr("service", id, err)
	}
	return s, nil
}

// ListForProject returns the non-deleted services belonging to a project.
func (r *ServiceRepo) ListForProject(ctx context.Context, projectID uuid.UUID) ([]Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE project_id = $1 AND deleted_at IS NULL ORDER BY name`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing services for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStatefulSiblings returns the non-deleted stateful services (redis,
// postgres, mysql, mongodb) in a project, excluding the given service.
func (r *ServiceRepo) ListStatefulSiblings(ctx context.Context, projectID, excludeServiceID uuid.UUID) ([]Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services
		WHERE project_id = $1 AND id != $2 AND deleted_at IS NULL
		AND service_type IN ('redis', 'postgres', 'mysql', 'mongodb')
		ORDER BY name`
	rows, err := r.pool.Query(ctx, query, projectID, excludeServiceID)
	if err != nil {
		return nil, fmt.Errorf("listing stateful siblings for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
