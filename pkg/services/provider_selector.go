package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

// ProviderSelector binds projects to sandbox providers. It only reads and
// writes project metadata; it never talks to a provider.
type ProviderSelector interface {
	// GetProvider returns the project's provider, or nil when none is bound yet.
	GetProvider(ctx context.Context, projectID uuid.UUID) (*models.SandboxProvider, error)

	// SetProvider binds the project to provider. Setting the current provider
	// is a no-op; switching providers drops the old sandbox handle.
	SetProvider(ctx context.Context, projectID uuid.UUID, provider models.SandboxProvider) error

	// SupportsFeature reports whether provider advertises feature.
	SupportsFeature(provider models.SandboxProvider, feature sandbox.Feature) bool

	// ClientFor returns the client for the project's provider, binding and
	// persisting the default provider first when none is set.
	ClientFor(ctx context.Context, project *models.Project) (sandbox.Provider, error)
}

type providerSelector struct {
	projectRepo     repositories.ProjectRepository
	registry        *sandbox.Registry
	defaultProvider models.SandboxProvider
	logger          *zap.Logger
}

// NewProviderSelector creates a selector over the configured providers.
func NewProviderSelector(
	projectRepo repositories.ProjectRepository,
	registry *sandbox.Registry,
	defaultProvider models.SandboxProvider,
	logger *zap.Logger,
) ProviderSelector {
	return &providerSelector{
		projectRepo:     projectRepo,
		registry:        registry,
		defaultProvider: defaultProvider,
		logger:          logger.Named("provider-selector"),
	}
}

var _ ProviderSelector = (*providerSelector)(nil)

func (s *providerSelector) GetProvider(ctx context.Context, projectID uuid.UUID) (*models.SandboxProvider, error) {
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return project.SandboxProvider, nil
}

func (s *providerSelector) SetProvider(ctx context.Context, projectID uuid.UUID, provider models.SandboxProvider) error {
	if !provider.Valid() {
		return fmt.Errorf("%w: unknown sandbox provider %q", apperrors.ErrInvalidInput, provider)
	}
	if _, err := s.registry.Get(provider); err != nil {
		return err
	}

	changed, err := s.projectRepo.SetProvider(ctx, projectID, provider)
	if err != nil {
		return fmt.Errorf("set provider: %w", err)
	}
	if changed {
		s.logger.Info("Sandbox provider changed",
			zap.String("project_id", projectID.String()),
			zap.String("provider", string(provider)))
	}
	return nil
}

func (s *providerSelector) SupportsFeature(provider models.SandboxProvider, feature sandbox.Feature) bool {
	client, err := s.registry.Get(provider)
	if err != nil {
		return false
	}
	return client.Capabilities().Supports(feature)
}

func (s *providerSelector) ClientFor(ctx context.Context, project *models.Project) (sandbox.Provider, error) {
	if project.SandboxProvider == nil {
		if err := s.SetProvider(ctx, project.ID, s.defaultProvider); err != nil {
			return nil, err
		}
		p := s.defaultProvider
		project.SandboxProvider = &p
	}
	return s.registry.Get(*project.SandboxProvider)
}
