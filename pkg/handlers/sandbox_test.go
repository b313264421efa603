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
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

type sandboxFixture struct {
	sandboxes *mockSandboxService
	selector  *mockProviderSelector
	deploys   *mockDeployService
	mux       *http.ServeMux
	projectID uuid.UUID
}

func newSandboxFixture() *sandboxFixture {
	f := &sandboxFixture{
		sandboxes: &mockSandboxService{},
		selector:  &mockProviderSelector{},
		deploys:   &mockDeployService{},
		mux:       http.NewServeMux(),
		projectID: uuid.New(),
	}
	NewSandboxHandler(f.sandboxes, f.selector, f.deploys, zap.NewNop()).RegisterRoutes(f.mux, passthrough)
	return f
}

func (f *sandboxFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/api/projects/"+f.projectID.String()+path, nil)
	} else {
		req = httptest.NewRequest(method, "/api/projects/"+f.projectID.String()+path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestSandboxHandler_Ensure(t *testing.T) {
	f := newSandboxFixture()
	f.sandboxes.ensure = &services.EnsureResult{
		SandboxID: "e2b-sbx-1",
		URL:       "https://3000-e2b-sbx-1.sandbox.test",
		Healthy:   true,
	}

	rec := f.do(http.MethodPost, "/sandbox/ensure", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool                  `json:"success"`
		Data    services.EnsureResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "e2b-sbx-1", resp.Data.SandboxID)
	assert.True(t, resp.Data.Healthy)
}

func TestSandboxHandler_Ensure_Unavailable(t *testing.T) {
	f := newSandboxFixture()
	f.sandboxes.err = apperrors.NewOperationError(f.projectID, "ensure_sandbox", apperrors.ErrSandboxUnavailable)

	rec := f.do(http.MethodPost, "/sandbox/ensure", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "sandbox_unavailable", decodeErrorCode(t, rec))
}

func TestSandboxHandler_Create(t *testing.T) {
	f := newSandboxFixture()
	f.sandboxes.info = &sandbox.SandboxInfo{SandboxID: "e2b-sbx-1", URL: "https://3000-e2b-sbx-1.sandbox.test"}
	fragmentID := uuid.New()

	rec := f.do(http.MethodPost, "/sandbox", `{"fragment_id":"`+fragmentID.String()+`","template":"vite-react"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.sandboxes.lastOptions.FragmentID)
	assert.Equal(t, fragmentID, *f.sandboxes.lastOptions.FragmentID)
	assert.Equal(t, "vite-react", f.sandboxes.lastOptions.Template)
	assert.Contains(t, rec.Body.String(), `"sandbox_id":"e2b-sbx-1"`)
}

func TestSandboxHandler_Create_EmptyBody(t *testing.T) {
	f := newSandboxFixture()
	f.sandboxes.info = &sandbox.SandboxInfo{SandboxID: "e2b-sbx-1"}

	rec := f.do(http.MethodPost, "/sandbox", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.sandboxes.lastOptions.FragmentID)
	assert.Empty(t, f.sandboxes.lastOptions.Template)
}

func TestSandboxHandler_Teardown(t *testing.T) {
	f := newSandboxFixture()

	rec := f.do(http.MethodDelete, "/sandbox", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.sandboxes.teardowns)
}

func TestSandboxHandler_GetProvider_Unbound(t *testing.T) {
	f := newSandboxFixture()

	rec := f.do(http.MethodGet, "/provider", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"provider":null`)
}

func TestSandboxHandler_SetProvider(t *testing.T) {
	f := newSandboxFixture()

	rec := f.do(http.MethodPut, "/provider", `{"provider":"daytona"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SandboxProviderDaytona, f.selector.set)
	assert.Contains(t, rec.Body.String(), `"provider":"daytona"`)
}

func TestSandboxHandler_SetProvider_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown provider", apperrors.ErrInvalidInput, http.StatusBadRequest},
		{"provider not configured", apperrors.ErrUnsupportedFeature, http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSandboxFixture()
			f.selector.err = tt.err

			rec := f.do(http.MethodPut, "/provider", `{"provider":"fly"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSandboxHandler_Deploy(t *testing.T) {
	f := newSandboxFixture()
	f.deploys.result = &sandbox.DeployResult{URL: "https://my-app.apps.test", Logs: "built"}

	rec := f.do(http.MethodPost, "/deploy", `{"app_name":"my-app"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-app", f.deploys.appName)
	var resp struct {
		Success bool                 `json:"success"`
		Data    sandbox.DeployResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "https://my-app.apps.test", resp.Data.URL)
}

func TestSandboxHandler_Deploy_BuildFailure(t *testing.T) {
	f := newSandboxFixture()
	f.deploys.result = &sandbox.DeployResult{Logs: "error TS2304", Error: "build failed"}

	rec := f.do(http.MethodPost, "/deploy", `{"app_name":"my-app"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool                 `json:"success"`
		Data    sandbox.DeployResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "build failed", resp.Data.Error)
	assert.Equal(t, "error TS2304", resp.Data.Logs)
}

func TestSandboxHandler_InvalidProjectID(t *testing.T) {
	f := newSandboxFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/projects/not-a-uuid/sandbox/ensure", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_project_id", decodeErrorCode(t, rec))
}
