package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

// CreateSandboxRequest for POST /sandbox. Both fields are optional.
type CreateSandboxRequest struct {
	FragmentID *uuid.UUID `json:"fragment_id,omitempty"`
	Template   string     `json:"template,omitempty"`
}

// SetProviderRequest for PUT /provider
type SetProviderRequest struct {
	Provider models.SandboxProvider `json:"provider"`
}

// ProviderResponse for GET /provider. Provider is null until one is bound.
type ProviderResponse struct {
	Provider *models.SandboxProvider `json:"provider"`
}

// DeployRequest for POST /deploy
type DeployRequest struct {
	AppName string `json:"app_name"`
}

// SandboxHandler exposes the sandbox lifecycle, provider selection and deploy.
type SandboxHandler struct {
	sandboxService services.SandboxService
	selector       services.ProviderSelector
	deployService  services.DeployService
	logger         *zap.Logger
}

// NewSandboxHandler creates a new sandbox handler.
func NewSandboxHandler(
	sandboxService services.SandboxService,
	selector services.ProviderSelector,
	deployService services.DeployService,
	logger *zap.Logger,
) *SandboxHandler {
	return &SandboxHandler{
		sandboxService: sandboxService,
		selector:       selector,
		deployService:  deployService,
		logger:         logger,
	}
}

// RegisterRoutes registers the sandbox handler's routes on the given mux.
func (h *SandboxHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/projects/{pid}"

	mux.HandleFunc("POST "+base+"/sandbox/ensure", tenantMiddleware(h.Ensure))
	mux.HandleFunc("POST "+base+"/sandbox", tenantMiddleware(h.Create))
	mux.HandleFunc("DELETE "+base+"/sandbox", tenantMiddleware(h.Teardown))
	mux.HandleFunc("GET "+base+"/provider", tenantMiddleware(h.GetProvider))
	mux.HandleFunc("PUT "+base+"/provider", tenantMiddleware(h.SetProvider))
	mux.HandleFunc("POST "+base+"/deploy", tenantMiddleware(h.Deploy))
}

// Ensure handles POST /api/projects/{pid}/sandbox/ensure
func (h *SandboxHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.sandboxService.EnsureSandboxReady(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, "ensure_sandbox", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// Create handles POST /api/projects/{pid}/sandbox
func (h *SandboxHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req CreateSandboxRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req, h.logger) {
		return
	}

	info, err := h.sandboxService.CreateOrGetSandbox(r.Context(), projectID, services.CreateSandboxOptions{
		FragmentID: req.FragmentID,
		Template:   req.Template,
	})
	if err != nil {
		writeServiceError(w, h.logger, "create_sandbox", err, nil)
		return
	}
	writeData(w, http.StatusOK, info, h.logger)
}

// Teardown handles DELETE /api/projects/{pid}/sandbox
func (h *SandboxHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.sandboxService.TeardownSandbox(r.Context(), projectID); err != nil {
		writeServiceError(w, h.logger, "teardown_sandbox", err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProvider handles GET /api/projects/{pid}/provider
func (h *SandboxHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	provider, err := h.selector.GetProvider(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, "get_provider", err, nil)
		return
	}
	writeData(w, http.StatusOK, ProviderResponse{Provider: provider}, h.logger)
}

// SetProvider handles PUT /api/projects/{pid}/provider
func (h *SandboxHandler) SetProvider(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req SetProviderRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	if err := h.selector.SetProvider(r.Context(), projectID, req.Provider); err != nil {
		writeServiceError(w, h.logger, "set_provider", err, nil)
		return
	}
	provider := req.Provider
	writeData(w, http.StatusOK, ProviderResponse{Provider: &provider}, h.logger)
}

// Deploy handles POST /api/projects/{pid}/deploy
// A failed build still returns 200; the result carries the error and logs.
func (h *SandboxHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req DeployRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	res, err := h.deployService.Deploy(r.Context(), projectID, req.AppName)
	if err != nil {
		writeServiceError(w, h.logger, "deploy", err, nil)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: res.Error == "", Data: res}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
