package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

type editsFixture struct {
	edits     *mockVisualEditService
	mux       *http.ServeMux
	projectID uuid.UUID
}

func newEditsFixture() *editsFixture {
	f := &editsFixture{
		edits:     &mockVisualEditService{},
		mux:       http.NewServeMux(),
		projectID: uuid.New(),
	}
	NewEditsHandler(f.edits, zap.NewNop()).RegisterRoutes(f.mux, passthrough)
	return f
}

func (f *editsFixture) do(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+f.projectID.String()+"/edits"+path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestEditsHandler_Apply(t *testing.T) {
	f := newEditsFixture()
	fragmentID, editID := uuid.New(), uuid.New()
	f.edits.result = &services.EditResult{FragmentID: fragmentID, EditIDs: []uuid.UUID{editID}}

	rec := f.do("", `{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:4:7","text_changes":"Goodbye"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "src/App.tsx", f.edits.lastEdit.FilePath)
	assert.Equal(t, "src/App.tsx:4:7", f.edits.lastEdit.ShipperID)
	require.NotNil(t, f.edits.lastEdit.TextChanges)
	assert.Equal(t, "Goodbye", *f.edits.lastEdit.TextChanges)

	var resp struct {
		Data services.EditResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, fragmentID, resp.Data.FragmentID)
	assert.Equal(t, []uuid.UUID{editID}, resp.Data.EditIDs)
}

func TestEditsHandler_Apply_ValidationFailure(t *testing.T) {
	f := newEditsFixture()
	f.edits.err = &apperrors.ValidationError{
		FilePath:   "src/App.tsx",
		Violations: []string{"src/App.tsx:4:10: Unexpected closing tag"},
	}

	rec := f.do("", `{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:4:7","text_changes":"<b>"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Error string              `json:"error"`
		Data  ValidationErrorData `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "validation_failed", resp.Error)
	assert.Equal(t, "src/App.tsx", resp.Data.FilePath)
	assert.Len(t, resp.Data.Violations, 1)
}

func TestEditsHandler_Apply_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed body", `{"file_path":`, nil, http.StatusBadRequest, "invalid_request"},
		{"invalid edit", `{}`, apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"missing element", `{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:99:1","text_changes":"x"}`, apperrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{"sandbox down", `{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:4:7","text_changes":"x"}`, apperrors.ErrSandboxUnavailable, http.StatusServiceUnavailable, "sandbox_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEditsFixture()
			f.edits.err = tt.err

			rec := f.do("", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeErrorCode(t, rec))
		})
	}
}

func TestEditsHandler_ApplyBatch(t *testing.T) {
	f := newEditsFixture()
	fragmentID := uuid.New()
	f.edits.batch = &services.BatchResult{
		FragmentID: &fragmentID,
		Files: []*services.FileResult{
			{FilePath: "src/App.tsx", Success: true, Edits: 2},
			{FilePath: "src/broken.tsx", Error: "validation failed", Violations: []string{"bad"}},
		},
	}

	rec := f.do("/batch", `{"edits":[{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:4:7","text_changes":"a"},{"file_path":"src/broken.tsx","selector":"div","style_changes":{"color":"red"}}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.edits.lastBatch, 2)
	var resp struct {
		Success bool                 `json:"success"`
		Data    services.BatchResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data.Files, 2)
	assert.False(t, resp.Data.Files[1].Success)
}

func TestEditsHandler_ApplyBatch_NothingApplied(t *testing.T) {
	f := newEditsFixture()
	f.edits.batch = &services.BatchResult{
		Files: []*services.FileResult{{FilePath: "src/App.tsx", Error: "element not found"}},
	}
	f.edits.err = apperrors.ErrNoChangesApplied

	rec := f.do("/batch", `{"edits":[{"file_path":"src/App.tsx","shipper_id":"src/App.tsx:99:1","text_changes":"a"}]}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Error string               `json:"error"`
		Data  services.BatchResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "no_changes_applied", resp.Error)
	require.Len(t, resp.Data.Files, 1)
	assert.Equal(t, "element not found", resp.Data.Files[0].Error)
}

func TestEditsHandler_Undo(t *testing.T) {
	f := newEditsFixture()
	f.edits.result = &services.EditResult{FragmentID: uuid.New(), EditIDs: []uuid.UUID{uuid.New()}}

	rec := f.do("/"+uuid.NewString()+"/undo", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEditsHandler_Undo_Conflict(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"file drifted", apperrors.ErrUndoConflict, "undo_conflict"},
		{"not the newest edit", apperrors.ErrConflict, "conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEditsFixture()
			f.edits.err = tt.err

			rec := f.do("/"+uuid.NewString()+"/undo", "")

			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, tt.wantCode, decodeErrorCode(t, rec))
		})
	}
}

func TestEditsHandler_Undo_InvalidEditID(t *testing.T) {
	f := newEditsFixture()

	rec := f.do("/not-an-id/undo", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_edit_id", decodeErrorCode(t, rec))
}

func TestEditsHandler_UndoLatest(t *testing.T) {
	f := newEditsFixture()
	f.edits.result = &services.EditResult{FragmentID: uuid.New()}

	rec := f.do("/undo-latest", `{"file_path":"src/App.tsx","locator":"src/App.tsx:4:7"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "src/App.tsx:4:7", f.edits.lastLocator)
}
