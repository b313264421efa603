package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

// TenantMiddleware is a function that wraps a handler with tenant context.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// CreateProjectRequest for POST /api/projects
type CreateProjectRequest struct {
	Name     string                 `json:"name"`
	Provider models.SandboxProvider `json:"provider,omitempty"`
}

// ProjectsHandler handles project-related HTTP requests.
type ProjectsHandler struct {
	projectService services.ProjectService
	logger         *zap.Logger
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(projectService services.ProjectService, logger *zap.Logger) *ProjectsHandler {
	return &ProjectsHandler{
		projectService: projectService,
		logger:         logger,
	}
}

// RegisterRoutes registers the projects handler's routes on the given mux.
// unscoped wraps routes that run before a project exists.
func (h *ProjectsHandler) RegisterRoutes(mux *http.ServeMux, unscoped, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/projects", unscoped(h.Create))
	mux.HandleFunc("GET /api/projects/{pid}", tenantMiddleware(h.Get))
}

// Create handles POST /api/projects
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	project, err := h.projectService.Create(r.Context(), req.Name, req.Provider)
	if err != nil {
		writeServiceError(w, h.logger, "create_project", err, nil)
		return
	}
	writeData(w, http.StatusCreated, project, h.logger)
}

// Get handles GET /api/projects/{pid}
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	project, err := h.projectService.GetByID(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, "get_project", err, nil)
		return
	}
	writeData(w, http.StatusOK, project, h.logger)
}
