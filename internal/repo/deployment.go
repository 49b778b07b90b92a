package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeploymentRepo reads and writes the deployments table. env_variables and
// node_ids are stored as jsonb and (de)serialized only in this file.
type DeploymentRepo struct {
	pool *pgxpool.Pool
}

// NewDeploymentRepo builds a DeploymentRepo over the given pool.
func NewDeploymentRepo(pool *pgxpool.Pool) *DeploymentRepo {
	return &DeploymentRepo{pool: pool}
}

const deploymentColumns = `id, service_id, env, version, image_name, container_name,
	env_variables, node_ids, is_rollback, status, error, log, triggered_by, triggered_at`

func scanDeployment(row pgx.Row) (Deployment, error) {
	var d Deployment
	var envJSON, nodeIDsJSON []byte

	err := row.Scan(
		&d.ID, &d.ServiceID, &d.Env, &d.Version, &d.ImageName, &d.ContainerName,
		&envJSON, &nodeIDsJSON, &d.IsRollback, &d.Status, &d.Error, &d.Log, &d.TriggeredBy, &d.TriggeredAt,
	)
	if err != nil {
		return Deployment{}, err
	}

	if err := decodeEnvVariables(envJSON, &d.EnvVariables); err != nil {
		return Deployment{}, fmt.Errorf("decoding env_variables: %w", err)
	}
	if err := decodeNodeIDs(nodeIDsJSON, &d.NodeIDs); err != nil {
		return Deployment{}, fmt.Errorf("decoding node_ids: %w", err)
	}
	return d, nil
}

func decodeEnvVariables(raw []byte, out *map[string]string) error {
	if len(raw) == 0 {
		*out = map[string]string{}
		return nil
	}
	return json.Unmarshal(raw, out)
}

func decodeNodeIDs(raw []byte, out *[]uuid.UUID) error {
	if len(raw) == 0 {
		*out = nil
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Get returns a deployment by id.
func (r *DeploymentRepo) Get(ctx context.Context, id uuid.UUID) (Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Deployment{}, wrapGetErr("deployment", id, err)
	}
	return d, nil
}

// NextVersion allocates the next monotonic version for (serviceID, env).
// Callers must hold the deploy lock for (serviceID, env) before calling.
func (r *DeploymentRepo) NextVersion(ctx context.Context, serviceID uuid.UUID, env string) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) + 1 FROM deployments WHERE service_id = $1 AND env = $2`
	var next int
	if err := r.pool.QueryRow(ctx, query, serviceID, env).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocating next version for service %s env %s: %w", serviceID, env, err)
	}
	return next, nil
}

// GetLatestSuccess returns the highest-version successful deployment for
// (serviceID, env).
func (r *DeploymentRepo) GetLatestSuccess(ctx context.Context, serviceID uuid.UUID, env string) (Deployment, bool, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE service_id = $1 AND env = $2 AND status = 'success'
		ORDER BY version DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, serviceID, env))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Deployment{}, false, nil
		}
		return Deployment{}, false, fmt.Errorf("getting latest success for service %s env %s: %w", serviceID, env, err)
	}
	return d, true, nil
}

// GetPreviousSuccess returns the highest-version successful deployment for
// (serviceID, env) strictly before beforeVersion.
func (r *DeploymentRepo) GetPreviousSuccess(ctx context.Context, serviceID uuid.UUID, env string, beforeVersion int) (Deployment, bool, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE service_id = $1 AND env = $2 AND status = 'success' AND version < $3
		ORDER BY version DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, serviceID, env, beforeVersion))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Deployment{}, false, nil
		}
		return Deployment{}, false, fmt.Errorf("getting previous success for service %s env %s: %w", serviceID, env, err)
	}
	return d, true, nil
}

// InProgressExists reports whether a deployment with status=in_progress
// already exists for (serviceID, env) — a direct check of invariant 4.
func (r *DeploymentRepo) InProgressExists(ctx context.Context, serviceID uuid.UUID, env string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM deployments WHERE service_id = $1 AND env = $2 AND status = 'in_progress')`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, serviceID, env).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking in-progress deployment for service %s env %s: %w", serviceID, env, err)
	}
	return exists, nil
}

// Create inserts a new deployment row and returns it with its generated id.
func (r *DeploymentRepo) Create(ctx context.Context, d Deployment) (Deployment, error) {
	envJSON, err := json.Marshal(d.EnvVariables)
	if err != nil {
		return Deployment{}, fmt.Errorf("encoding env_variables: %w", err)
	}
	nodeIDsJSON, err := json.Marshal(d.NodeIDs)
	if err != nil {
		return Deployment{}, fmt.Errorf("encoding node_ids: %w", err)
	}

	query := `INSERT INTO deployments
		(service_id, env, version, image_name, container_name, env_variables, node_ids,
		 is_rollback, status, error, log, triggered_by, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		RETURNING ` + deploymentColumns

	created, err := scanDeployment(r.pool.QueryRow(ctx, query,
		d.ServiceID, d.Env, d.Version, d.ImageName, d.ContainerName, envJSON, nodeIDsJSON,
		d.IsRollback, d.Status, d.Error, d.Log, d.TriggeredBy,
	))
	if err != nil {
		return Deployment{}, fmt.Errorf("creating deployment: %w", err)
	}
	return created, nil
}

// Update persists the mutable fields of a deployment (everything the
// orchestrator writes over the course of a run).
func (r *DeploymentRepo) Update(ctx context.Context, d Deployment) error {
	envJSON, err := json.Marshal(d.EnvVariables)
	if err != nil {
		return fmt.Errorf("encoding env_variables: %w", err)
	}
	nodeIDsJSON, err := json.Marshal(d.NodeIDs)
	if err != nil {
		return fmt.Errorf("encoding node_ids: %w", err)
	}

	query := `UPDATE deployments SET
		image_name = $2, container_name = $3, env_variables = $4, node_ids = $5,
		status = $6, error = $7, log = $8
		WHERE id = $1`
	_, err = r.pool.Exec(ctx, query, d.ID, d.ImageName, d.ContainerName, envJSON, nodeIDsJSON, d.Status, d.Error, d.Log)
	if err != nil {
		return fmt.Errorf("updating deployment %s: %w", d.ID, err)
	}
	return nil
}

// ListForService returns deployments for (serviceID, env), newest first,
// used by history-listing endpoints.
func (r *DeploymentRepo) ListForService(ctx context.Context, serviceID uuid.UUID, env string, limit, offset int) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE service_id = $1 AND env = $2
		ORDER BY version DESC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, serviceID, env, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing deployments for service %s env %s: %w", serviceID, env, err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
