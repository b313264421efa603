package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

const (
	defaultFragmentListLimit = 50
	maxFragmentListLimit     = 500
)

// SwitchResult is the sandbox now serving a switched-to version.
type SwitchResult struct {
	SandboxID string `json:"sandbox_id"`
	URL       string `json:"url"`
}

// GitAuthor identifies who a git fragment is committed as.
type GitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FragmentService stores and restores versions of a project's files.
type FragmentService interface {
	// CreateFragment stores a new immutable snapshot. It does not change the active pointer.
	CreateFragment(ctx context.Context, projectID uuid.UUID, files models.FileMap, title string) (*models.Fragment, error)
	GetFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*models.Fragment, error)
	// ListFragments returns fragments newest first.
	ListFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error)
	SetActiveFragment(ctx context.Context, projectID, fragmentID uuid.UUID) error

	// SwitchFragment loads the fragment's files into the project's sandbox
	// and makes it the active fragment. Files not in the fragment are left alone.
	SwitchFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*SwitchResult, error)

	DiffFragments(ctx context.Context, projectID, fromID, toID uuid.UUID) (*models.FragmentDiff, error)

	// ActiveFiles returns the active fragment's files, or an empty map when none is set.
	ActiveFiles(ctx context.Context, project *models.Project) (models.FileMap, error)

	SwitchGitCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*SwitchResult, error)
	CommitGitFragment(ctx context.Context, projectID uuid.UUID, message string, author GitAuthor) (*models.GitFragment, error)
	ListGitFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error)
}

type fragmentService struct {
	projectRepo     repositories.ProjectRepository
	fragmentRepo    repositories.FragmentRepository
	gitFragmentRepo repositories.GitFragmentRepository
	sandboxes       SandboxService
	selector        ProviderSelector
	parallelism     int
	logger          *zap.Logger
}

// NewFragmentService creates the fragment store. parallelism bounds
// concurrent file writes while restoring a fragment.
func NewFragmentService(
	projectRepo repositories.ProjectRepository,
	fragmentRepo repositories.FragmentRepository,
	gitFragmentRepo repositories.GitFragmentRepository,
	sandboxes SandboxService,
	selector ProviderSelector,
	parallelism int,
	logger *zap.Logger,
) FragmentService {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &fragmentService{
		projectRepo:     projectRepo,
		fragmentRepo:    fragmentRepo,
		gitFragmentRepo: gitFragmentRepo,
		sandboxes:       sandboxes,
		selector:        selector,
		parallelism:     parallelism,
		logger:          logger.Named("fragment-service"),
	}
}

var _ FragmentService = (*fragmentService)(nil)

// DerivedFiles returns a copy of base with overrides written over it.
// base is never modified.
func DerivedFiles(base, overrides models.FileMap) models.FileMap {
	out := base.Clone()
	for p, c := range overrides {
		out[p] = c
	}
	return out
}

func (s *fragmentService) CreateFragment(ctx context.Context, projectID uuid.UUID, files models.FileMap, title string) (*models.Fragment, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: a fragment needs at least one file", apperrors.ErrInvalidInput)
	}
	for p := range files {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty file path", apperrors.ErrInvalidInput)
		}
	}

	fragment := &models.Fragment{
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Files:     files.Clone(),
	}
	if err := s.fragmentRepo.Create(ctx, fragment); err != nil {
		return nil, fmt.Errorf("create fragment: %w", err)
	}

	s.logger.Debug("Fragment created",
		zap.String("project_id", projectID.String()),
		zap.String("fragment_id", fragment.ID.String()),
		zap.Int("files", len(fragment.Files)))
	return fragment, nil
}

func (s *fragmentService) GetFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*models.Fragment, error) {
	return s.fragmentRepo.Get(ctx, projectID, fragmentID)
}

func (s *fragmentService) ListFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error) {
	return s.fragmentRepo.List(ctx, projectID, clampLimit(limit))
}

func (s *fragmentService) SetActiveFragment(ctx context.Context, projectID, fragmentID uuid.UUID) error {
	return s.projectRepo.SetActiveFragment(ctx, projectID, fragmentID)
}

func (s *fragmentService) ActiveFiles(ctx context.Context, project *models.Project) (models.FileMap, error) {
	if project.ActiveFragmentID == nil {
		return models.FileMap{}, nil
	}
	fragment, err := s.fragmentRepo.Get(ctx, project.ID, *project.ActiveFragmentID)
	if err != nil {
		return nil, fmt.Errorf("load active fragment: %w", err)
	}
	return fragment.Files, nil
}

func (s *fragmentService) SwitchFragment(ctx context.Context, projectID, fragmentID uuid.UUID) (*SwitchResult, error) {
	fragment, err := s.fragmentRepo.Get(ctx, projectID, fragmentID)
	if err != nil {
		return nil, err
	}

	ready, err := requireHealthy(ctx, s.sandboxes, projectID)
	if err != nil {
		return nil, err
	}
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := s.selector.ClientFor(ctx, project)
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "switch_fragment", err)
	}

	if err := s.restoreFiles(ctx, client, ready.SandboxID, fragment.Files); err != nil {
		return nil, apperrors.NewOperationError(projectID, "switch_fragment", err)
	}

	if git, ok := sandbox.AsGitProvider(client); ok {
		if err := git.StartDevServer(ctx, ready.SandboxID); err != nil {
			s.logger.Warn("Failed to restart dev server after switch",
				zap.String("project_id", projectID.String()),
				zap.Error(err))
		}
	}

	if err := s.projectRepo.SetActiveFragment(ctx, projectID, fragmentID); err != nil {
		return nil, err
	}

	s.logger.Info("Switched fragment",
		zap.String("project_id", projectID.String()),
		zap.String("fragment_id", fragmentID.String()),
		zap.Int("files", len(fragment.Files)))
	return &SwitchResult{SandboxID: ready.SandboxID, URL: ready.URL}, nil
}

// restoreFiles writes files with bounded parallelism. Binary placeholders
// are skipped; the sandbox already holds the real asset.
func (s *fragmentService) restoreFiles(ctx context.Context, client sandbox.Provider, sandboxID string, files models.FileMap) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, p := range files.Paths() {
		content := files[p]
		if models.IsBinaryPlaceholder(content) {
			continue
		}
		g.Go(func() error {
			return client.WriteFile(gctx, sandboxID, p, content)
		})
	}
	return g.Wait()
}

func (s *fragmentService) DiffFragments(ctx context.Context, projectID, fromID, toID uuid.UUID) (*models.FragmentDiff, error) {
	from, err := s.fragmentRepo.Get(ctx, projectID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.fragmentRepo.Get(ctx, projectID, toID)
	if err != nil {
		return nil, err
	}
	added, removed, modified := models.DiffFileMaps(from.Files, to.Files)
	return &models.FragmentDiff{
		FromID:   fromID,
		ToID:     toID,
		Added:    added,
		Removed:  removed,
		Modified: modified,
	}, nil
}

// gitClient returns the project's provider as a git provider, or
// ErrUnsupportedFeature.
func (s *fragmentService) gitClient(ctx context.Context, projectID uuid.UUID) (sandbox.GitProvider, error) {
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := s.selector.ClientFor(ctx, project)
	if err != nil {
		return nil, err
	}
	git, ok := sandbox.AsGitProvider(client)
	if !ok || !s.selector.SupportsFeature(client.Name(), sandbox.FeatureGit) {
		return nil, fmt.Errorf("%w: %s has no git support", apperrors.ErrUnsupportedFeature, client.Name())
	}
	return git, nil
}

func (s *fragmentService) SwitchGitCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*SwitchResult, error) {
	commitHash = strings.TrimSpace(commitHash)
	if commitHash == "" {
		return nil, fmt.Errorf("%w: commit hash is required", apperrors.ErrInvalidInput)
	}
	git, err := s.gitClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ready, err := requireHealthy(ctx, s.sandboxes, projectID)
	if err != nil {
		return nil, err
	}

	if err := git.SwitchToCommit(ctx, ready.SandboxID, commitHash); err != nil {
		return nil, apperrors.NewOperationError(projectID, "switch_git_commit", err)
	}
	if err := git.StartDevServer(ctx, ready.SandboxID); err != nil {
		s.logger.Warn("Failed to restart dev server after checkout",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
	}

	// An empty branch keeps the one recorded at creation.
	var branch string
	if recorded, err := s.gitFragmentRepo.GetByCommit(ctx, projectID, commitHash); err == nil {
		branch = recorded.Branch
	}
	if err := s.projectRepo.SetActiveGitCommit(ctx, projectID, commitHash, branch); err != nil {
		return nil, err
	}

	s.logger.Info("Switched git commit",
		zap.String("project_id", projectID.String()),
		zap.String("commit", commitHash))
	return &SwitchResult{SandboxID: ready.SandboxID, URL: ready.URL}, nil
}

func (s *fragmentService) CommitGitFragment(ctx context.Context, projectID uuid.UUID, message string, author GitAuthor) (*models.GitFragment, error) {
	req := sandbox.CommitRequest{
		Message:     strings.TrimSpace(message),
		AuthorName:  strings.TrimSpace(author.Name),
		AuthorEmail: strings.TrimSpace(author.Email),
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	git, err := s.gitClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ready, err := requireHealthy(ctx, s.sandboxes, projectID)
	if err != nil {
		return nil, err
	}

	result, err := git.Commit(ctx, ready.SandboxID, req)
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "commit_git_fragment", err)
	}

	fragment := &models.GitFragment{
		ProjectID:   projectID,
		CommitHash:  result.CommitHash,
		Branch:      result.Branch,
		Message:     req.Message,
		AuthorName:  req.AuthorName,
		AuthorEmail: req.AuthorEmail,
	}
	if err := s.gitFragmentRepo.Create(ctx, fragment); err != nil {
		return nil, fmt.Errorf("record git fragment: %w", err)
	}
	if err := s.projectRepo.SetActiveGitCommit(ctx, projectID, result.CommitHash, result.Branch); err != nil {
		return nil, err
	}

	s.logger.Info("Committed git fragment",
		zap.String("project_id", projectID.String()),
		zap.String("commit", result.CommitHash))
	return fragment, nil
}

func (s *fragmentService) ListGitFragments(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error) {
	return s.gitFragmentRepo.List(ctx, projectID, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultFragmentListLimit
	case limit > maxFragmentListLimit:
		return maxFragmentListLimit
	}
	return limit
}
