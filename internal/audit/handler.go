package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shiplane/controlplane/internal/httpserver"
	"github.com/shiplane/controlplane/internal/repo"
)

// ReadRepo is the slice of internal/repo.AuditRepo the handler needs.
type ReadRepo interface {
	ListForWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]repo.AuditEntry, error)
}

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	repo   ReadRepo
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(repo ReadRepo, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// handleList lists audit log entries for a workspace, newest first. Since
// multi-tenancy here is a workspace_id column rather than a request-scoped
// connection, the caller names the workspace explicitly.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "workspace_id query parameter is required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.repo.ListForWorkspace(r.Context(), workspaceID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err, "workspace_id", workspaceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
