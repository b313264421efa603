package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

// DeployService builds a project's sandbox into a published app.
type DeployService interface {
	// Deploy runs the build in the project's sandbox. A failed build is not
	// an error: the result carries Error and the build logs.
	Deploy(ctx context.Context, projectID uuid.UUID, appName string) (*sandbox.DeployResult, error)
}

type deployService struct {
	projectRepo repositories.ProjectRepository
	sandboxes   SandboxService
	selector    ProviderSelector
	logger      *zap.Logger
}

// NewDeployService creates a deploy service.
func NewDeployService(
	projectRepo repositories.ProjectRepository,
	sandboxes SandboxService,
	selector ProviderSelector,
	logger *zap.Logger,
) DeployService {
	return &deployService{
		projectRepo: projectRepo,
		sandboxes:   sandboxes,
		selector:    selector,
		logger:      logger.Named("deploy-service"),
	}
}

var _ DeployService = (*deployService)(nil)

type deployRequest struct {
	AppName string `json:"app_name" validate:"required,max=63,hostname_rfc1123,excludes=."`
}

func (s *deployService) Deploy(ctx context.Context, projectID uuid.UUID, appName string) (*sandbox.DeployResult, error) {
	req := deployRequest{AppName: strings.ToLower(strings.TrimSpace(appName))}
	if err := validation.Struct(req); err != nil {
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
		return nil, apperrors.NewOperationError(projectID, "deploy", err)
	}

	result, err := client.Deploy(ctx, ready.SandboxID, projectID, req.AppName)
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "deploy", err)
	}

	if result.Error != "" {
		s.logger.Warn("Deploy build failed",
			zap.String("project_id", projectID.String()),
			zap.String("app_name", req.AppName),
			zap.String("error", result.Error))
	} else {
		s.logger.Info("Deployed",
			zap.String("project_id", projectID.String()),
			zap.String("url", result.URL))
	}
	return result, nil
}
