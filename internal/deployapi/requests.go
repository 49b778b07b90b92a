package deployapi

import "github.com/google/uuid"

// NewNodesRequest mirrors pkg/deploy.NewNodesRequest for JSON decoding.
type NewNodesRequest struct {
	Count      int       `json:"count" validate:"required,min=1,max=20"`
	Region     string    `json:"region" validate:"required"`
	Size       string    `json:"size" validate:"required"`
	SnapshotID uuid.UUID `json:"snapshot_id"`
}

// DeployRequest is the JSON body for POST /deployments.
type DeployRequest struct {
	ProjectID   uuid.UUID `json:"project_id" validate:"required"`
	ServiceID   uuid.UUID `json:"service_id" validate:"required"`
	Env         string    `json:"env" validate:"required"`
	ServiceType string    `json:"service_type" validate:"required,oneof=webservice worker schedule redis postgres mysql mongodb"`

	ImageName       string `json:"image_name"`
	ImageBlobBase64 string `json:"image_blob_base64"`

	EnvVariables    map[string]string `json:"env_variables"`
	ExistingNodeIDs []uuid.UUID       `json:"existing_node_ids"`
	NewNodes        *NewNodesRequest  `json:"new_nodes"`

	TriggeredBy string `json:"triggered_by" validate:"required"`
}

// ScaleRequest is the JSON body for POST /scale.
type ScaleRequest struct {
	ProjectID   uuid.UUID `json:"project_id" validate:"required"`
	ServiceID   uuid.UUID `json:"service_id" validate:"required"`
	Env         string    `json:"env" validate:"required"`
	ServiceType string    `json:"service_type" validate:"required,oneof=webservice worker schedule redis postgres mysql mongodb"`

	TargetCount int       `json:"target_count" validate:"min=0"`
	Region      string    `json:"region"`
	Size        string    `json:"size"`
	SnapshotID  uuid.UUID `json:"snapshot_id"`

	TriggeredBy string `json:"triggered_by" validate:"required"`
}

// RollbackRequest is the JSON body for POST /rollback.
type RollbackRequest struct {
	ServiceID   uuid.UUID `json:"service_id" validate:"required"`
	Env         string    `json:"env" validate:"required"`
	TriggeredBy string    `json:"triggered_by" validate:"required"`
}
