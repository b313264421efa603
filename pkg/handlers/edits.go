package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

// BatchEditRequest for POST /edits/batch
type BatchEditRequest struct {
	Edits []models.ComponentEdit `json:"edits"`
}

// UndoLatestRequest for POST /edits/undo-latest
type UndoLatestRequest struct {
	FilePath string `json:"file_path"`
	Locator  string `json:"locator"`
}

// EditsHandler exposes visual edits and their undo.
type EditsHandler struct {
	editService services.VisualEditService
	logger      *zap.Logger
}

// NewEditsHandler creates a new edits handler.
func NewEditsHandler(editService services.VisualEditService, logger *zap.Logger) *EditsHandler {
	return &EditsHandler{
		editService: editService,
		logger:      logger,
	}
}

// RegisterRoutes registers the edits handler's routes on the given mux.
func (h *EditsHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/projects/{pid}/edits"

	mux.HandleFunc("POST "+base, tenantMiddleware(h.Apply))
	mux.HandleFunc("POST "+base+"/batch", tenantMiddleware(h.ApplyBatch))
	mux.HandleFunc("POST "+base+"/undo-latest", tenantMiddleware(h.UndoLatest))
	mux.HandleFunc("POST "+base+"/{eid}/undo", tenantMiddleware(h.Undo))
}

// Apply handles POST /api/projects/{pid}/edits
func (h *EditsHandler) Apply(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var edit models.ComponentEdit
	if !decodeJSON(w, r, &edit, h.logger) {
		return
	}

	res, err := h.editService.ApplyEdit(r.Context(), projectID, edit)
	if err != nil {
		writeServiceError(w, h.logger, "apply_edit", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// ApplyBatch handles POST /api/projects/{pid}/edits/batch
// Per-file results are returned on success and when no file could be changed.
func (h *EditsHandler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req BatchEditRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	res, err := h.editService.ApplyBatchedEdits(r.Context(), projectID, req.Edits)
	if err != nil {
		var data any
		if res != nil && errors.Is(err, apperrors.ErrNoChangesApplied) {
			data = res
		}
		writeServiceError(w, h.logger, "apply_batched_edits", err, data)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// Undo handles POST /api/projects/{pid}/edits/{eid}/undo
func (h *EditsHandler) Undo(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	editID, ok := ParseEditID(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.editService.UndoEdit(r.Context(), projectID, editID)
	if err != nil {
		writeServiceError(w, h.logger, "undo_edit", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// UndoLatest handles POST /api/projects/{pid}/edits/undo-latest
func (h *EditsHandler) UndoLatest(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req UndoLatestRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	res, err := h.editService.UndoLatestEdit(r.Context(), projectID, req.FilePath, req.Locator)
	if err != nil {
		writeServiceError(w, h.logger, "undo_latest_edit", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}
