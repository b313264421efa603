package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
)

// ProjectService defines the interface for project operations.
type ProjectService interface {
	// Create registers a project. provider may be empty, in which case the
	// default provider is bound on first sandbox use.
	Create(ctx context.Context, name string, provider models.SandboxProvider) (*models.Project, error)

	// GetByID returns a project by its ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type projectService struct {
	repo   repositories.ProjectRepository
	logger *zap.Logger
}

// NewProjectService creates a new project service.
func NewProjectService(repo repositories.ProjectRepository, logger *zap.Logger) ProjectService {
	return &projectService{
		repo:   repo,
		logger: logger.Named("project-service"),
	}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) Create(ctx context.Context, name string, provider models.SandboxProvider) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", apperrors.ErrInvalidInput)
	}

	project := &models.Project{Name: name}
	if provider != "" {
		if !provider.Valid() {
			return nil, fmt.Errorf("%w: unknown sandbox provider %q", apperrors.ErrInvalidInput, provider)
		}
		project.SandboxProvider = &provider
	}

	if err := s.repo.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	s.logger.Info("Project created",
		zap.String("project_id", project.ID.String()),
		zap.String("name", project.Name))
	return project, nil
}

func (s *projectService) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return s.repo.Get(ctx, id)
}
