package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
)

// ApiResponse is the envelope for every JSON response.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidationErrorData is the payload of a 422 caused by the structural validator.
type ValidationErrorData struct {
	FilePath   string   `json:"file_path"`
	Violations []string `json:"violations"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return WriteJSON(w, statusCode, ApiResponse{Error: errorCode, Message: message})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeData writes a successful envelope around data.
func writeData(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	if err := WriteJSON(w, statusCode, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, apperrors.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, apperrors.ErrNoChangesApplied):
		return http.StatusUnprocessableEntity, "no_changes_applied"
	case errors.Is(err, apperrors.ErrUndoConflict):
		return http.StatusConflict, "undo_conflict"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperrors.ErrUnsupportedFeature):
		return http.StatusNotImplemented, "unsupported_feature"
	case errors.Is(err, apperrors.ErrSandboxUnavailable):
		return http.StatusServiceUnavailable, "sandbox_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeServiceError writes the response for a failed service call. data, when
// non-nil, is returned alongside the error (per-file batch results).
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error, data any) {
	status, code := errorStatus(err)

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusNotImplemented {
		logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	} else {
		logger.Debug("Request rejected",
			zap.String("op", op),
			zap.Int("status", status),
			zap.Error(err))
	}

	var verr *apperrors.ValidationError
	if errors.As(err, &verr) && data == nil {
		data = ValidationErrorData{FilePath: verr.FilePath, Violations: verr.Violations}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}

	resp := ApiResponse{Error: code, Message: err.Error(), Data: data}
	if err := WriteJSON(w, status, resp); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}
