package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

// passthrough stands in for the tenant middleware in handler tests.
func passthrough(next http.HandlerFunc) http.HandlerFunc { return next }

// mockProjectService is a configurable mock for all handler tests.
type mockProjectService struct {
	project *models.Project
	err     error

	createdName     string
	createdProvider models.SandboxProvider
}

func (m *mockProjectService) Create(ctx context.Context, name string, provider models.SandboxProvider) (*models.Project, error) {
	m.createdName, m.createdProvider = name, provider
	if m.err != nil {
		return nil, m.err
	}
	return &models.Project{ID: uuid.New(), Name: name, BuildStatus: models.BuildStatusAwaitingSandbox}, nil
}

func (m *mockProjectService) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.project != nil {
		return m.project, nil
	}
	return &models.Project{ID: id, Name: "Test Project"}, nil
}

// mockSandboxService implements services.SandboxService.
type mockSandboxService struct {
	ensure      *services.EnsureResult
	info        *sandbox.SandboxInfo
	err         error
	lastOptions services.CreateSandboxOptions
	teardowns   int
}

func (m *mockSandboxService) EnsureSandboxReady(ctx context.Context, projectID uuid.UUID) (*services.EnsureResult, error) {
	return m.ensure, m.err
}

func (m *mockSandboxService) CreateOrGetSandbox(ctx context.Context, projectID uuid.UUID, opts services.CreateSandboxOptions) (*sandbox.SandboxInfo, error) {
	m.lastOptions = opts
	return m.info, m.err
}

func (m *mockSandboxService) TeardownSandbox(ctx context.Context, projectID uuid.UUID) error {
	m.teardowns++
	return m.err
}

// mockProviderSelector implements services.ProviderSelector.
type mockProviderSelector struct {
	provider *models.SandboxProvider
	err      error
	set      models.SandboxProvider
}

func (m *mockProviderSelector) GetProvider(ctx context.Context, projectID uuid.UUID) (*models.SandboxProvider, error) {
	return m.provider, m.err
}

func (m *mockProviderSelector) SetProvider(ctx context.Context, projectID uuid.UUID, provider models.SandboxProvider) error {
	m.set = provider
	return m.err
}

func (m *mockProviderSelector) SupportsFeature(provider models.SandboxProvider, feature sandbox.Feature) bool {
	return false
}

func (m *mockProviderSelector) ClientFor(ctx context.Context, project *models.Project) (sandbox.Provider, error) {
	return nil, m.err
}

// mockDeployService implements services.DeployService.
type mockDeployService struct {
	result  *sandbox.DeployResult
	err     error
	appName string
}

func (m *mockDeployService) Deploy(ctx context.Context, projectID uuid.UUID, appName string) (*sandbox.DeployResult, error) {
	m.appName = appName
	return m.result, m.err
}

// mockFragmentService implements services.FragmentService.
type mockFragmentService struct {
	fragment  *models.Fragment
	fragments []*models.Fragment
	diff      *models.FragmentDiff
	switched  *services.SwitchResult
	commit    *models.GitFragment
	commits   []*models.GitFragment
	err       error

	lastLimit  int
	lastAuthor services.GitAuthor
	diffFrom   uuid.UUID
	diffTo     uuid.UUID
}

func (m *mockFragmentService) CreateFragment(ctx context.Context, projectID uuid.UUID, files models.FileMap, title string) (*models.Fragment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Fragment{ID: uuid.New(), ProjectID: projectID, Title: title, Files: files}, nil
}

func (m *mockFragmentService) GetFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*models.Fragment, error) {
	return m.fragment, m.err
}

func (m *mockFragmentService) ListFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error) {
	m.lastLimit = limit
	return m.fragments, m.err
}

func (m *mockFragmentService) SetActiveFragment(ctx context.Context, projectID, fragmentID uuid.UUID) error {
	return m.err
}

func (m *mockFragmentService) SwitchFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*services.SwitchResult, error) {
	return m.switched, m.err
}

func (m *mockFragmentService) DiffFragments(ctx context.Context, projectID, fromID, toID uuid.UUID) (*models.FragmentDiff, error) {
	m.diffFrom, m.diffTo = fromID, toID
	return m.diff, m.err
}

func (m *mockFragmentService) ActiveFiles(ctx context.Context, project *models.Project) (models.FileMap, error) {
	return models.FileMap{}, m.err
}

func (m *mockFragmentService) SwitchGitCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*services.SwitchResult, error) {
	return m.switched, m.err
}

func (m *mockFragmentService) CommitGitFragment(ctx context.Context, projectID uuid.UUID, message string, author services.GitAuthor) (*models.GitFragment, error) {
	m.lastAuthor = author
	return m.commit, m.err
}

func (m *mockFragmentService) ListGitFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error) {
	m.lastLimit = limit
	return m.commits, m.err
}

// mockVisualEditService implements services.VisualEditService.
type mockVisualEditService struct {
	result *services.EditResult
	batch  *services.BatchResult
	err    error

	lastEdit    models.ComponentEdit
	lastBatch   []models.ComponentEdit
	lastLocator string
}

func (m *mockVisualEditService) ApplyEdit(ctx context.Context, projectID uuid.UUID, edit models.ComponentEdit) (*services.EditResult, error) {
	m.lastEdit = edit
	return m.result, m.err
}

func (m *mockVisualEditService) ApplyBatchedEdits(ctx context.Context, projectID uuid.UUID, edits []models.ComponentEdit) (*services.BatchResult, error) {
	m.lastBatch = edits
	return m.batch, m.err
}

func (m *mockVisualEditService) UndoEdit(ctx context.Context, projectID, editID uuid.UUID) (*services.EditResult, error) {
	return m.result, m.err
}

func (m *mockVisualEditService) UndoLatestEdit(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*services.EditResult, error) {
	m.lastLocator = locator
	return m.result, m.err
}
