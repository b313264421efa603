package apperrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnsupportedFeature = errors.New("feature not supported by sandbox provider")
	ErrSandboxUnavailable = errors.New("sandbox is temporarily unreachable")
	ErrValidationFailed   = errors.New("content failed structural validation")
	ErrUndoConflict       = errors.New("edit window no longer matches the file; undo refused")
	ErrNoChangesApplied   = errors.New("no changes applied")
)

// OperationError tags a failure with the project and operation it belongs to,
// so callers can decide between retrying and surfacing it to the user.
type OperationError struct {
	ProjectID uuid.UUID
	Op        string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (project %s): %v", e.Op, e.ProjectID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// NewOperationError wraps err with project and operation context.
// Returns nil if err is nil.
func NewOperationError(projectID uuid.UUID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{ProjectID: projectID, Op: op, Err: err}
}

// ValidationError carries the violations reported by the structural validator.
type ValidationError struct {
	FilePath   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.FilePath, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }
