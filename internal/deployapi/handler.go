package deployapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/audit"
	"github.com/shiplane/controlplane/internal/httpserver"
	"github.com/shiplane/controlplane/pkg/deploy"
)

// Routes returns a chi.Router with all deploy/scale/rollback/history routes
// mounted. Each of the three orchestration endpoints streams its run's
// progress back as Server-Sent Events on the same connection that started
// it; there is no separate channel to reconnect to once that connection
// drops.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/deployments", h.handleDeploy)
	r.Post("/scale", h.handleScale)
	r.Post("/rollback", h.handleRollback)
	r.Get("/services/{serviceID}/deployments", h.handleListDeployments)
	return r
}

func (h *Handler) logAudit(entry audit.Entry) {
	if h.auditLog == nil {
		return
	}
	h.auditLog.Log(entry)
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var blob []byte
	if req.ImageBlobBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ImageBlobBase64)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "image_blob_base64 is not valid base64")
			return
		}
		blob = decoded
	}
	if blob == nil && req.ImageName == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "one of image_blob_base64 or image_name is required")
		return
	}

	project, err := h.projects.Get(r.Context(), req.ProjectID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "project not found")
		return
	}

	in := deploy.DeployInput{
		TenantID:        project.WorkspaceID,
		ProjectID:       req.ProjectID,
		ServiceID:       req.ServiceID,
		Env:             req.Env,
		ServiceType:     req.ServiceType,
		ImageBlob:       blob,
		ImageName:       req.ImageName,
		EnvVariables:    req.EnvVariables,
		ExistingNodeIDs: req.ExistingNodeIDs,
		TriggeredBy:     req.TriggeredBy,
	}
	if req.NewNodes != nil {
		in.NewNodes = &deploy.NewNodesRequest{
			Count:      req.NewNodes.Count,
			Region:     req.NewNodes.Region,
			Size:       req.NewNodes.Size,
			SnapshotID: req.NewNodes.SnapshotID,
		}
	}

	stream := h.orch.Deploy(r.Context(), in)

	detail, _ := json.Marshal(map[string]string{"env": req.Env, "service_type": req.ServiceType})
	h.logAudit(audit.Entry{
		WorkspaceID: project.WorkspaceID,
		TriggeredBy: req.TriggeredBy,
		Action:      "deploy",
		Resource:    "service",
		ResourceID:  req.ServiceID,
		Detail:      detail,
	})

	h.streamSSE(w, r, stream)
}

func (h *Handler) handleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	project, err := h.projects.Get(r.Context(), req.ProjectID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "project not found")
		return
	}

	in := deploy.ScaleInput{
		TenantID:    project.WorkspaceID,
		ProjectID:   req.ProjectID,
		ServiceID:   req.ServiceID,
		Env:         req.Env,
		ServiceType: req.ServiceType,
		TargetCount: req.TargetCount,
		Region:      req.Region,
		Size:        req.Size,
		SnapshotID:  req.SnapshotID,
		TriggeredBy: req.TriggeredBy,
	}

	stream := h.orch.Scale(r.Context(), in)

	detail, _ := json.Marshal(map[string]any{"env": req.Env, "target_count": req.TargetCount})
	h.logAudit(audit.Entry{
		WorkspaceID: project.WorkspaceID,
		TriggeredBy: req.TriggeredBy,
		Action:      "scale",
		Resource:    "service",
		ResourceID:  req.ServiceID,
		Detail:      detail,
	})

	h.streamSSE(w, r, stream)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	stream := h.orch.Rollback(r.Context(), req.ServiceID, req.Env, req.TriggeredBy)

	var workspaceID string
	if service, err := h.services.Get(r.Context(), req.ServiceID); err == nil {
		if project, err := h.projects.Get(r.Context(), service.ProjectID); err == nil {
			workspaceID = project.WorkspaceID
		}
	}

	detail, _ := json.Marshal(map[string]string{"env": req.Env})
	h.logAudit(audit.Entry{
		WorkspaceID: workspaceID,
		TriggeredBy: req.TriggeredBy,
		Action:      "rollback",
		Resource:    "service",
		ResourceID:  req.ServiceID,
		Detail:      detail,
	})

	h.streamSSE(w, r, stream)
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	serviceID, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service ID")
		return
	}
	env := r.URL.Query().Get("env")
	if env == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "env query parameter is required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, err := h.deployments.ListForService(r.Context(), serviceID, env, params.PageSize+1, params.Offset)
	if err != nil {
		h.logger.Error("listing deployments", "error", err, "service_id", serviceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list deployments")
		return
	}

	hasMore := len(items) > params.PageSize
	if hasMore {
		items = items[:params.PageSize]
	}
	total := params.Offset + len(items)
	if hasMore {
		total++
	}
	page := httpserver.NewOffsetPage(items, params, total)
	httpserver.Respond(w, http.StatusOK, page)
}
