package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/config"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/templates"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

// memStore is an in-memory stand-in for the database shared by the mock
// repositories. Several service instances can share one store to simulate
// multiple processes.
type memStore struct {
	mu        sync.Mutex
	seq       int64
	projects  map[uuid.UUID]*models.Project
	fragments []*models.Fragment
	edits     []*models.ComponentEditMetadata
	commits   []*models.GitFragment
	statuses  map[uuid.UUID][]models.BuildStatus

	// Error injection
	claimErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects: map[uuid.UUID]*models.Project{},
		statuses: map[uuid.UUID][]models.BuildStatus{},
	}
}

func (s *memStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *memStore) project(id uuid.UUID) (*models.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (s *memStore) setStatus(p *models.Project, status models.BuildStatus, buildError string) {
	p.BuildStatus = status
	p.BuildStatusUpdatedAt = time.Now()
	p.BuildError = nil
	if status == models.BuildStatusError && buildError != "" {
		p.BuildError = &buildError
	}
	s.statuses[p.ID] = append(s.statuses[p.ID], status)
}

func clearHandle(p *models.Project) {
	p.E2BSandboxID = nil
	p.DaytonaSandboxID = nil
	p.SandboxURL = nil
	p.ActiveGitCommit = nil
	p.GitBranch = nil
}

// Project returns a copy of the stored project.
func (s *memStore) Project(id uuid.UUID) *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.projects[id]
	return &p
}

// Statuses returns the build statuses stamped for a project, in order.
func (s *memStore) Statuses(id uuid.UUID) []models.BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BuildStatus(nil), s.statuses[id]...)
}

func (s *memStore) FragmentCount(projectID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.fragments {
		if f.ProjectID == projectID {
			n++
		}
	}
	return n
}

// mockProjectRepo implements repositories.ProjectRepository over memStore.
type mockProjectRepo struct {
	store *memStore
}

var _ repositories.ProjectRepository = (*mockProjectRepo)(nil)

func (r *mockProjectRepo) Create(ctx context.Context, project *models.Project) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	project.BuildStatus = models.BuildStatusAwaitingSandbox
	project.CreatedAt = time.Now()
	project.UpdatedAt = project.CreatedAt
	p := *project
	r.store.projects[p.ID] = &p
	return nil
}

func (r *mockProjectRepo) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	// pgx fails queries on a cancelled context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (r *mockProjectRepo) SetProvider(ctx context.Context, id uuid.UUID, provider models.SandboxProvider) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return false, err
	}
	if p.SandboxProvider != nil && *p.SandboxProvider == provider {
		return false, nil
	}
	p.SandboxProvider = &provider
	clearHandle(p)
	r.store.setStatus(p, models.BuildStatusAwaitingSandbox, "")
	return true, nil
}

func (r *mockProjectRepo) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status models.BuildStatus, buildError string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return err
	}
	r.store.setStatus(p, status, buildError)
	return nil
}

func (r *mockProjectRepo) ClaimSandboxHandle(ctx context.Context, id uuid.UUID, claim repositories.SandboxClaim, timeout time.Duration) (*models.Project, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.claimErr != nil {
		return nil, false, r.store.claimErr
	}
	p, err := r.store.project(id)
	if err != nil {
		return nil, false, err
	}
	if p.SandboxID() != "" {
		cp := *p
		return &cp, false, nil
	}
	if p.SandboxProvider != nil && *p.SandboxProvider != claim.Provider {
		return nil, false, fmt.Errorf("%w: provider changed", apperrors.ErrConflict)
	}

	provider := claim.Provider
	sandboxID, url := claim.SandboxID, claim.URL
	p.SandboxProvider = &provider
	switch provider {
	case models.SandboxProviderE2B:
		p.E2BSandboxID = &sandboxID
	case models.SandboxProviderDaytona:
		p.DaytonaSandboxID = &sandboxID
	}
	p.SandboxURL = &url
	p.ActiveGitCommit = nil
	p.GitBranch = nil
	if claim.GitBranch != "" {
		branch := claim.GitBranch
		p.GitBranch = &branch
	}
	r.store.setStatus(p, models.BuildStatusReady, "")
	cp := *p
	return &cp, true, nil
}

func (r *mockProjectRepo) ClearSandboxHandle(ctx context.Context, id uuid.UUID, sandboxID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return false, err
	}
	if p.SandboxID() != sandboxID {
		return false, nil
	}
	clearHandle(p)
	r.store.setStatus(p, models.BuildStatusAwaitingSandbox, "")
	return true, nil
}

func (r *mockProjectRepo) UpdateSandboxURL(ctx context.Context, id uuid.UUID, sandboxID, url string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return err
	}
	if p.SandboxID() == sandboxID {
		p.SandboxURL = &url
	}
	return nil
}

func (r *mockProjectRepo) SetActiveFragment(ctx context.Context, id, fragmentID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return err
	}
	for _, f := range r.store.fragments {
		if f.ID == fragmentID && f.ProjectID == id {
			fid := fragmentID
			p.ActiveFragmentID = &fid
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *mockProjectRepo) SetActiveGitCommit(ctx context.Context, id uuid.UUID, commitHash, branch string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.store.project(id)
	if err != nil {
		return err
	}
	p.ActiveGitCommit = &commitHash
	if branch != "" {
		p.GitBranch = &branch
	}
	return nil
}

// mockFragmentRepo implements repositories.FragmentRepository over memStore.
type mockFragmentRepo struct {
	store *memStore
}

var _ repositories.FragmentRepository = (*mockFragmentRepo)(nil)

func (r *mockFragmentRepo) insert(fragment *models.Fragment) {
	if fragment.ID == uuid.Nil {
		fragment.ID = uuid.New()
	}
	fragment.Seq = r.store.nextSeq()
	fragment.CreatedAt = time.Now()
	stored := *fragment
	stored.Files = fragment.Files.Clone()
	r.store.fragments = append(r.store.fragments, &stored)
}

func (r *mockFragmentRepo) Create(ctx context.Context, fragment *models.Fragment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.insert(fragment)
	return nil
}

func (r *mockFragmentRepo) CreateWithEdits(ctx context.Context, fragment *models.Fragment, edits []*models.ComponentEditMetadata) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.insert(fragment)
	for _, e := range edits {
		e.FragmentID = fragment.ID
		e.ProjectID = fragment.ProjectID
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.Seq = r.store.nextSeq()
		e.CreatedAt = time.Now()
		stored := *e
		r.store.edits = append(r.store.edits, &stored)
	}
	return nil
}

func (r *mockFragmentRepo) Get(ctx context.Context, projectID, id uuid.UUID) (*models.Fragment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, f := range r.store.fragments {
		if f.ID == id && f.ProjectID == projectID {
			cp := *f
			cp.Files = f.Files.Clone()
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *mockFragmentRepo) GetLatest(ctx context.Context, projectID uuid.UUID) (*models.Fragment, error) {
	list, _ := r.List(ctx, projectID, 1)
	if len(list) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return list[0], nil
}

func (r *mockFragmentRepo) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*models.Fragment
	for _, f := range r.store.fragments {
		if f.ProjectID == projectID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockEditRepo implements repositories.ComponentEditRepository over memStore.
type mockEditRepo struct {
	store *memStore
}

var _ repositories.ComponentEditRepository = (*mockEditRepo)(nil)

func (r *mockEditRepo) Get(ctx context.Context, projectID, id uuid.UUID) (*models.ComponentEditMetadata, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range r.store.edits {
		if e.ID == id && e.ProjectID == projectID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *mockEditRepo) GetLatestForLocator(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*models.ComponentEditMetadata, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var latest *models.ComponentEditMetadata
	for _, e := range r.store.edits {
		if e.ProjectID == projectID && e.FilePath == filePath && e.Locator() == locator {
			if latest == nil || e.Seq > latest.Seq {
				latest = e
			}
		}
	}
	if latest == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *mockEditRepo) ListByFragment(ctx context.Context, projectID, fragmentID uuid.UUID) ([]*models.ComponentEditMetadata, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*models.ComponentEditMetadata
	for _, e := range r.store.edits {
		if e.ProjectID == projectID && e.FragmentID == fragmentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockGitFragmentRepo implements repositories.GitFragmentRepository over memStore.
type mockGitFragmentRepo struct {
	store *memStore
}

var _ repositories.GitFragmentRepository = (*mockGitFragmentRepo)(nil)

func (r *mockGitFragmentRepo) Create(ctx context.Context, fragment *models.GitFragment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, c := range r.store.commits {
		if c.ProjectID == fragment.ProjectID && c.CommitHash == fragment.CommitHash {
			*fragment = *c
			return nil
		}
	}
	fragment.ID = uuid.New()
	fragment.CreatedAt = time.Now()
	stored := *fragment
	r.store.commits = append(r.store.commits, &stored)
	return nil
}

func (r *mockGitFragmentRepo) GetByCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*models.GitFragment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, c := range r.store.commits {
		if c.ProjectID == projectID && c.CommitHash == commitHash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *mockGitFragmentRepo) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*models.GitFragment
	for i := len(r.store.commits) - 1; i >= 0; i-- {
		if c := r.store.commits[i]; c.ProjectID == projectID {
			cp := *c
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memLease is an in-process CreationLease shared between service instances.
type memLease struct {
	mu       sync.Mutex
	held     map[uuid.UUID]bool
	acquired int
}

func newMemLease() *memLease {
	return &memLease{held: map[uuid.UUID]bool{}}
}

func (l *memLease) Acquire(ctx context.Context, projectID uuid.UUID) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[projectID] {
		return nil, false, nil
	}
	l.held[projectID] = true
	l.acquired++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, projectID)
	}, true, nil
}

// brokenChecker rejects every file whose path contains "broken".
var brokenChecker = validation.CheckerFunc(func(filePath, content string) []string {
	if strings.Contains(filePath, "broken") {
		return []string{"1:1: Unexpected end of file"}
	}
	return nil
})

// harness wires the services over mocks, the way main wires them over Postgres.
type harness struct {
	t         *testing.T
	store     *memStore
	e2b       *sandbox.MockProvider
	daytona   *sandbox.MockProvider
	registry  *sandbox.Registry
	lease     CreationLease
	cfg       *config.Config
	catalog   *templates.Catalog
	projects  ProjectService
	selector  ProviderSelector
	sandboxes SandboxService
	fragments FragmentService
	edits     VisualEditService
	deploys   DeployService
}

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			DefaultProvider: config.ProviderE2B,
			DefaultTemplate: "vite-react",
			ProbeTimeout:    time.Second,
			CreateTimeout:   5 * time.Second,
			ClaimTxTimeout:  time.Second,
			CleanupTimeout:  time.Second,
			LeaseTTL:        10 * time.Second,
			LeaseWait:       3 * time.Second,
		},
		Edits: config.EditsConfig{
			ContextLines:    2,
			VerifyWrites:    true,
			FileParallelism: 2,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := templates.Default()
	require.NoError(t, err)

	h := &harness{
		t:       t,
		store:   newMemStore(),
		e2b:     sandbox.NewMockProvider(models.SandboxProviderE2B, sandbox.Capabilities{}),
		daytona: sandbox.NewMockProvider(models.SandboxProviderDaytona, sandbox.Capabilities{Git: true, PersistentRestart: true, EphemeralURLs: true}),
		cfg:     testConfig(),
		catalog: catalog,
	}
	h.registry = sandbox.NewRegistry(h.e2b, h.daytona)
	h.wire(nil)
	return h
}

// wire (re)builds the services. A shared lease simulates several instances
// coordinating through Redis.
func (h *harness) wire(lease CreationLease) {
	logger := zap.NewNop()
	h.lease = lease
	projectRepo := &mockProjectRepo{store: h.store}
	fragmentRepo := &mockFragmentRepo{store: h.store}
	editRepo := &mockEditRepo{store: h.store}
	gitRepo := &mockGitFragmentRepo{store: h.store}

	h.projects = NewProjectService(projectRepo, logger)
	h.selector = NewProviderSelector(projectRepo, h.registry, models.SandboxProvider(h.cfg.Sandbox.DefaultProvider), logger)
	h.sandboxes = NewSandboxService(projectRepo, fragmentRepo, h.selector, h.catalog, lease, h.cfg.Sandbox, logger)
	h.fragments = NewFragmentService(projectRepo, fragmentRepo, gitRepo, h.sandboxes, h.selector, h.cfg.Edits.FileParallelism, logger)
	h.edits = NewVisualEditService(projectRepo, fragmentRepo, editRepo, h.sandboxes, h.selector, h.fragments, brokenChecker, h.cfg.Edits, logger)
	h.deploys = NewDeployService(projectRepo, h.sandboxes, h.selector, logger)
}

// instance builds a second, independent SandboxService over the same store
// and providers, as another process would.
func (h *harness) instance(lease CreationLease) SandboxService {
	projectRepo := &mockProjectRepo{store: h.store}
	selector := NewProviderSelector(projectRepo, h.registry, models.SandboxProvider(h.cfg.Sandbox.DefaultProvider), zap.NewNop())
	return NewSandboxService(projectRepo, &mockFragmentRepo{store: h.store}, selector, h.catalog, lease, h.cfg.Sandbox, zap.NewNop())
}

func (h *harness) newProject(provider models.SandboxProvider) uuid.UUID {
	h.t.Helper()
	p, err := h.projects.Create(context.Background(), "test project", provider)
	require.NoError(h.t, err)
	return p.ID
}

// readyProject creates a project with a running sandbox seeded from the
// default template, and records those files as its active fragment.
func (h *harness) readyProject(provider models.SandboxProvider) (uuid.UUID, string) {
	h.t.Helper()
	ctx := context.Background()
	id := h.newProject(provider)
	res, err := h.sandboxes.EnsureSandboxReady(ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, res.Healthy)

	tmpl, err := h.catalog.Get(h.cfg.Sandbox.DefaultTemplate)
	require.NoError(h.t, err)
	base, err := h.fragments.CreateFragment(ctx, id, tmpl.SeedFiles(), "Initial template")
	require.NoError(h.t, err)
	require.NoError(h.t, h.fragments.SetActiveFragment(ctx, id, base.ID))
	return id, res.SandboxID
}

func (h *harness) provider(p models.SandboxProvider) *sandbox.MockProvider {
	if p == models.SandboxProviderDaytona {
		return h.daytona
	}
	return h.e2b
}
