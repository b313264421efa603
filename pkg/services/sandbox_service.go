package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/config"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/templates"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

// leasePollInterval is how often a request waiting on another instance's
// creation re-reads the project row.
const leasePollInterval = 500 * time.Millisecond

// EnsureResult reports the sandbox a request should use.
// NeedsRefresh means the sandbox could not be reached right now; the handle
// was kept and the caller should try again later.
type EnsureResult struct {
	SandboxID    string `json:"sandbox_id"`
	URL          string `json:"url"`
	Healthy      bool   `json:"healthy"`
	NeedsRefresh bool   `json:"needs_refresh"`
}

// CreateSandboxOptions selects what a new sandbox is seeded with.
// Zero values fall back to the active fragment and the default template.
type CreateSandboxOptions struct {
	FragmentID *uuid.UUID
	Template   string
}

// SandboxService owns the lifecycle of each project's single sandbox.
type SandboxService interface {
	// EnsureSandboxReady probes the recorded sandbox and recovers it:
	// healthy sandboxes are returned, stopped ones restarted where the
	// provider allows, missing ones replaced, unreachable ones kept.
	EnsureSandboxReady(ctx context.Context, projectID uuid.UUID) (*EnsureResult, error)

	// CreateOrGetSandbox returns the project's healthy sandbox or creates
	// one. Concurrent callers, in this process or others, end up sharing a
	// single sandbox.
	CreateOrGetSandbox(ctx context.Context, projectID uuid.UUID, opts CreateSandboxOptions) (*sandbox.SandboxInfo, error)

	// TeardownSandbox deletes the remote sandbox (best-effort) and clears the handle.
	TeardownSandbox(ctx context.Context, projectID uuid.UUID) error
}

type sandboxService struct {
	projectRepo  repositories.ProjectRepository
	fragmentRepo repositories.FragmentRepository
	selector     ProviderSelector
	catalog      *templates.Catalog
	lease        CreationLease
	cfg          config.SandboxConfig
	flight       singleflight.Group
	logger       *zap.Logger
}

// NewSandboxService creates the recovery controller and creation protocol.
// lease may be nil.
func NewSandboxService(
	projectRepo repositories.ProjectRepository,
	fragmentRepo repositories.FragmentRepository,
	selector ProviderSelector,
	catalog *templates.Catalog,
	lease CreationLease,
	cfg config.SandboxConfig,
	logger *zap.Logger,
) SandboxService {
	if lease == nil {
		lease = noopCreationLease{}
	}
	return &sandboxService{
		projectRepo:  projectRepo,
		fragmentRepo: fragmentRepo,
		selector:     selector,
		catalog:      catalog,
		lease:        lease,
		cfg:          cfg,
		logger:       logger.Named("sandbox-service"),
	}
}

var _ SandboxService = (*sandboxService)(nil)

type probeOutcome int

const (
	probeHealthy probeOutcome = iota
	probeStopped
	probeUnreachable
	probeMissing
)

func (o probeOutcome) String() string {
	switch o {
	case probeHealthy:
		return "healthy"
	case probeStopped:
		return "stopped"
	case probeMissing:
		return "missing"
	}
	return "unreachable"
}

// probe classifies the sandbox with a single bounded describe call. Only a
// definitive not-found counts as missing; every other failure is unreachable.
func (s *sandboxService) probe(ctx context.Context, client sandbox.Provider, sandboxID string) (probeOutcome, *sandbox.SandboxStatus) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	status, err := client.DescribeSandbox(probeCtx, sandboxID)
	switch {
	case sandbox.IsNotFound(err):
		return probeMissing, nil
	case err != nil:
		s.logger.Warn("Sandbox probe failed",
			zap.String("sandbox_id", sandboxID),
			zap.String("provider", string(client.Name())),
			zap.Bool("transient", sandbox.IsTransient(err)),
			zap.Error(err))
		return probeUnreachable, nil
	case status.Healthy():
		return probeHealthy, status
	case status.State == sandbox.StateStopped:
		return probeStopped, status
	}
	return probeUnreachable, status
}

func (s *sandboxService) EnsureSandboxReady(ctx context.Context, projectID uuid.UUID) (*EnsureResult, error) {
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := s.selector.ClientFor(ctx, project)
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "ensure_sandbox", err)
	}

	sandboxID := project.SandboxID()
	if sandboxID == "" {
		return s.createFresh(ctx, projectID)
	}

	outcome, status := s.probe(ctx, client, sandboxID)
	s.logger.Debug("Sandbox probed",
		zap.String("project_id", projectID.String()),
		zap.String("sandbox_id", sandboxID),
		zap.Stringer("outcome", outcome))

	if outcome == probeStopped {
		outcome, status = s.restart(ctx, project, client, sandboxID)
	}

	switch outcome {
	case probeHealthy:
		url := s.refreshURL(ctx, project, client, status)
		return &EnsureResult{SandboxID: sandboxID, URL: url, Healthy: true}, nil

	case probeMissing:
		s.logger.Info("Sandbox is gone, replacing it",
			zap.String("project_id", projectID.String()),
			zap.String("sandbox_id", sandboxID))
		if _, err := s.projectRepo.ClearSandboxHandle(ctx, projectID, sandboxID); err != nil {
			return nil, apperrors.NewOperationError(projectID, "clear_sandbox_handle", err)
		}
		return s.createFresh(ctx, projectID)
	}

	return &EnsureResult{SandboxID: sandboxID, URL: project.URL(), NeedsRefresh: true}, nil
}

func (s *sandboxService) createFresh(ctx context.Context, projectID uuid.UUID) (*EnsureResult, error) {
	info, err := s.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
	if err != nil {
		return nil, err
	}
	return &EnsureResult{SandboxID: info.SandboxID, URL: info.URL, Healthy: true}, nil
}

// restart starts a stopped sandbox when the provider keeps disks across
// stops. Otherwise the stopped sandbox is reported unreachable.
func (s *sandboxService) restart(ctx context.Context, project *models.Project, client sandbox.Provider, sandboxID string) (probeOutcome, *sandbox.SandboxStatus) {
	restarter, ok := client.(sandbox.GitProvider)
	if !ok || !s.selector.SupportsFeature(client.Name(), sandbox.FeaturePersistentRestart) {
		return probeUnreachable, nil
	}

	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CreateTimeout)
	defer cancel()

	status, err := restarter.StartStoppedSandbox(startCtx, sandboxID)
	switch {
	case sandbox.IsNotFound(err):
		return probeMissing, nil
	case err != nil:
		s.logger.Warn("Failed to start stopped sandbox",
			zap.String("project_id", project.ID.String()),
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
		return probeUnreachable, nil
	case !status.Healthy():
		return probeUnreachable, status
	}

	s.logger.Info("Stopped sandbox restarted",
		zap.String("project_id", project.ID.String()),
		zap.String("sandbox_id", sandboxID))
	return probeHealthy, status
}

// refreshURL persists a changed preview URL for providers whose URLs rotate.
func (s *sandboxService) refreshURL(ctx context.Context, project *models.Project, client sandbox.Provider, status *sandbox.SandboxStatus) string {
	url := project.URL()
	if status == nil || status.URL == "" || status.URL == url || !client.Capabilities().EphemeralURLs {
		return url
	}
	if err := s.projectRepo.UpdateSandboxURL(ctx, project.ID, status.SandboxID, status.URL); err != nil {
		s.logger.Warn("Failed to store refreshed sandbox URL",
			zap.String("project_id", project.ID.String()),
			zap.Error(err))
		return status.URL
	}
	s.logger.Debug("Sandbox URL refreshed",
		zap.String("project_id", project.ID.String()),
		zap.String("url", status.URL))
	return status.URL
}

func (s *sandboxService) CreateOrGetSandbox(ctx context.Context, projectID uuid.UUID, opts CreateSandboxOptions) (*sandbox.SandboxInfo, error) {
	// Requests for the same project share one in-flight creation; the first
	// caller's options win. The shared work keeps the first caller's values
	// but not its cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(projectID.String(), func() (any, error) {
		return s.createOrGet(shared, projectID, opts)
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*sandbox.SandboxInfo)
	return &info, nil
}

func (s *sandboxService) createOrGet(ctx context.Context, projectID uuid.UUID, opts CreateSandboxOptions) (*sandbox.SandboxInfo, error) {
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := s.selector.ClientFor(ctx, project)
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "create_sandbox", err)
	}

	if info, done, err := s.existing(ctx, project, client); done {
		return info, err
	}

	release, acquired, err := s.lease.Acquire(ctx, projectID)
	switch {
	case err != nil:
		s.logger.Warn("Creation lease unavailable, relying on the database claim",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
	case !acquired:
		if info := s.awaitOtherCreator(ctx, projectID); info != nil {
			return info, nil
		}
	default:
		defer release()
	}

	return s.create(ctx, project, client, opts)
}

// existing handles a recorded handle: healthy sandboxes are returned, missing
// ones cleared so creation can proceed. done is false when the caller should create.
func (s *sandboxService) existing(ctx context.Context, project *models.Project, client sandbox.Provider) (*sandbox.SandboxInfo, bool, error) {
	sandboxID := project.SandboxID()
	if sandboxID == "" {
		return nil, false, nil
	}

	outcome, status := s.probe(ctx, client, sandboxID)
	switch outcome {
	case probeHealthy:
		return &sandbox.SandboxInfo{
			SandboxID: sandboxID,
			URL:       s.refreshURL(ctx, project, client, status),
			Provider:  client.Name(),
			GitBranch: derefString(project.GitBranch),
		}, true, nil
	case probeMissing:
		if _, err := s.projectRepo.ClearSandboxHandle(ctx, project.ID, sandboxID); err != nil {
			return nil, true, apperrors.NewOperationError(project.ID, "clear_sandbox_handle", err)
		}
		return nil, false, nil
	}

	return nil, true, apperrors.NewOperationError(project.ID, "create_sandbox",
		fmt.Errorf("%w: sandbox %s is %s", apperrors.ErrSandboxUnavailable, sandboxID, outcome))
}

// awaitOtherCreator polls the project row while another instance holds the
// creation lease. Returns nil when nothing appeared within the wait.
func (s *sandboxService) awaitOtherCreator(ctx context.Context, projectID uuid.UUID) *sandbox.SandboxInfo {
	s.logger.Debug("Another instance is creating the sandbox, waiting",
		zap.String("project_id", projectID.String()))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaseWait)
	defer cancel()
	ticker := time.NewTicker(leasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			s.logger.Warn("Timed out waiting for another instance's sandbox",
				zap.String("project_id", projectID.String()))
			return nil
		case <-ticker.C:
			project, err := s.projectRepo.Get(waitCtx, projectID)
			if err != nil {
				continue
			}
			if id := project.SandboxID(); id != "" {
				return infoFromProject(project)
			}
			if project.BuildStatus == models.BuildStatusError {
				return nil
			}
		}
	}
}

// create provisions a sandbox outside any transaction, then claims the
// handle. A process that loses the claim deletes its own sandbox.
func (s *sandboxService) create(ctx context.Context, project *models.Project, client sandbox.Provider, opts CreateSandboxOptions) (*sandbox.SandboxInfo, error) {
	// Provisioning is never cancelled by the request going away.
	detached := context.WithoutCancel(ctx)

	if err := s.projectRepo.UpdateBuildStatus(ctx, project.ID, models.BuildStatusInitializing, ""); err != nil {
		return nil, apperrors.NewOperationError(project.ID, "create_sandbox", err)
	}

	req, err := s.createRequest(ctx, project, client, opts)
	if err != nil {
		return nil, s.fail(detached, project.ID, "create_sandbox", err)
	}

	s.logger.Info("Creating sandbox",
		zap.String("project_id", project.ID.String()),
		zap.String("provider", string(client.Name())),
		zap.String("template", req.Template),
		zap.Int("files", len(req.Files)))

	createCtx, cancel := context.WithTimeout(detached, s.cfg.CreateTimeout)
	started := time.Now()
	info, err := client.CreateSandbox(createCtx, req)
	cancel()
	if err != nil {
		return nil, s.fail(detached, project.ID, "create_sandbox", err)
	}
	s.logger.Info("Sandbox provisioned",
		zap.String("project_id", project.ID.String()),
		zap.String("sandbox_id", info.SandboxID),
		zap.Duration("elapsed", time.Since(started)))

	winner, claimed, err := s.projectRepo.ClaimSandboxHandle(detached, project.ID, repositories.SandboxClaim{
		Provider:  client.Name(),
		SandboxID: info.SandboxID,
		URL:       info.URL,
		GitBranch: info.GitBranch,
	}, s.cfg.ClaimTxTimeout)
	if err != nil {
		s.discard(detached, client, project.ID, info.SandboxID)
		return nil, s.fail(detached, project.ID, "claim_sandbox", err)
	}

	if !claimed {
		s.logger.Info("Another request claimed the project first, discarding own sandbox",
			zap.String("project_id", project.ID.String()),
			zap.String("winner", winner.SandboxID()),
			zap.String("discarded", info.SandboxID))
		s.discard(detached, client, project.ID, info.SandboxID)
		return infoFromProject(winner), nil
	}

	return info, nil
}

// createRequest resolves template and files. Template seed files are not
// stored as a fragment; a project has no active fragment until its first
// edit or import.
func (s *sandboxService) createRequest(ctx context.Context, project *models.Project, client sandbox.Provider, opts CreateSandboxOptions) (sandbox.CreateRequest, error) {
	name := opts.Template
	if name == "" {
		name = s.cfg.DefaultTemplate
	}
	tmpl, err := s.catalog.Get(name)
	if err != nil {
		return sandbox.CreateRequest{}, err
	}
	templateID, err := tmpl.ProviderTemplate(client.Name())
	if err != nil {
		return sandbox.CreateRequest{}, err
	}

	req := sandbox.CreateRequest{
		ProjectID: project.ID,
		Template:  templateID,
		Options:   tmpl.CreateOptions(derefString(project.GitBranch)),
	}
	if err := validation.Struct(req); err != nil {
		return sandbox.CreateRequest{}, err
	}

	fragmentID := opts.FragmentID
	if fragmentID == nil {
		fragmentID = project.ActiveFragmentID
	}
	if fragmentID != nil {
		fragment, err := s.fragmentRepo.Get(ctx, project.ID, *fragmentID)
		switch {
		case err == nil:
			req.FragmentID = &fragment.ID
			req.Files = fragment.Files
			return req, nil
		case opts.FragmentID != nil || !errors.Is(err, apperrors.ErrNotFound):
			return sandbox.CreateRequest{}, fmt.Errorf("load fragment %s: %w", *fragmentID, err)
		}
		// A dangling active pointer falls back to the template.
	}

	req.Files = tmpl.SeedFiles()
	return req, nil
}

// discard deletes a sandbox nobody will reference. Failures leak the sandbox
// until the provider's own timeout reaps it, so they are logged loudly.
func (s *sandboxService) discard(ctx context.Context, client sandbox.Provider, projectID uuid.UUID, sandboxID string) {
	cleanupCtx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
	defer cancel()
	if err := client.DeleteSandbox(cleanupCtx, sandboxID); err != nil {
		s.logger.Error("Failed to delete discarded sandbox",
			zap.String("project_id", projectID.String()),
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
	}
}

// fail stamps ERROR with the failure text and returns the tagged error.
func (s *sandboxService) fail(ctx context.Context, projectID uuid.UUID, op string, err error) error {
	if statusErr := s.projectRepo.UpdateBuildStatus(ctx, projectID, models.BuildStatusError, err.Error()); statusErr != nil {
		s.logger.Error("Failed to record build error",
			zap.String("project_id", projectID.String()),
			zap.Error(statusErr))
	}
	s.logger.Error("Sandbox creation failed",
		zap.String("project_id", projectID.String()),
		zap.String("op", op),
		zap.Error(err))
	return apperrors.NewOperationError(projectID, op, err)
}

func (s *sandboxService) TeardownSandbox(ctx context.Context, projectID uuid.UUID) error {
	project, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		return err
	}
	sandboxID := project.SandboxID()
	if sandboxID == "" {
		return nil
	}

	client, err := s.selector.ClientFor(ctx, project)
	if err != nil {
		return apperrors.NewOperationError(projectID, "teardown_sandbox", err)
	}
	s.discard(context.WithoutCancel(ctx), client, projectID, sandboxID)

	if _, err := s.projectRepo.ClearSandboxHandle(ctx, projectID, sandboxID); err != nil {
		return apperrors.NewOperationError(projectID, "teardown_sandbox", err)
	}
	s.logger.Info("Sandbox torn down",
		zap.String("project_id", projectID.String()),
		zap.String("sandbox_id", sandboxID))
	return nil
}

// requireHealthy runs recovery and refuses to continue on an unreachable sandbox.
func requireHealthy(ctx context.Context, sandboxes SandboxService, projectID uuid.UUID) (*EnsureResult, error) {
	ready, err := sandboxes.EnsureSandboxReady(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ready.Healthy {
		return nil, apperrors.NewOperationError(projectID, "ensure_sandbox", apperrors.ErrSandboxUnavailable)
	}
	return ready, nil
}

func infoFromProject(p *models.Project) *sandbox.SandboxInfo {
	info := &sandbox.SandboxInfo{
		SandboxID: p.SandboxID(),
		URL:       p.URL(),
		GitBranch: derefString(p.GitBranch),
	}
	if p.SandboxProvider != nil {
		info.Provider = *p.SandboxProvider
	}
	return info
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
