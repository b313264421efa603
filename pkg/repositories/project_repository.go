package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/database"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// SandboxClaim is the handle a process wants to persist after creating a sandbox.
type SandboxClaim struct {
	Provider  models.SandboxProvider
	SandboxID string
	URL       string
	GitBranch string // empty for providers without git
}

// ProjectRepository defines the interface for project data access.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)

	// SetProvider records the provider. When it differs from the current one,
	// every provider-specific handle, the URL and git pointers are cleared in
	// the same statement. Returns whether the provider changed.
	SetProvider(ctx context.Context, id uuid.UUID, provider models.SandboxProvider) (bool, error)

	// UpdateBuildStatus stamps a new status; buildError is stored only for ERROR.
	UpdateBuildStatus(ctx context.Context, id uuid.UUID, status models.BuildStatus, buildError string) error

	// ClaimSandboxHandle persists claim unless another handle is already
	// recorded, in a short SERIALIZABLE transaction. The first writer wins:
	// the returned project holds the winning handle and claimed reports
	// whether it is ours.
	ClaimSandboxHandle(ctx context.Context, id uuid.UUID, claim SandboxClaim, timeout time.Duration) (project *models.Project, claimed bool, err error)

	// ClearSandboxHandle drops the handle, URL and git pointers and resets the
	// status to AWAITING_SANDBOX, but only while sandboxID is still the
	// recorded handle. Returns whether a row changed.
	ClearSandboxHandle(ctx context.Context, id uuid.UUID, sandboxID string) (bool, error)

	// UpdateSandboxURL replaces the URL while sandboxID is still the recorded handle.
	UpdateSandboxURL(ctx context.Context, id uuid.UUID, sandboxID, url string) error

	// SetActiveFragment points the project at one of its own fragments.
	// Returns apperrors.ErrNotFound when the fragment belongs elsewhere or does not exist.
	SetActiveFragment(ctx context.Context, id, fragmentID uuid.UUID) error

	SetActiveGitCommit(ctx context.Context, id uuid.UUID, commitHash, branch string) error
}

// projectRepository implements ProjectRepository using PostgreSQL.
type projectRepository struct{}

// NewProjectRepository creates a new project repository.
func NewProjectRepository() ProjectRepository {
	return &projectRepository{}
}

var _ ProjectRepository = (*projectRepository)(nil)

const projectColumns = `
	id, name, sandbox_provider, e2b_sandbox_id, daytona_sandbox_id, sandbox_url,
	active_fragment_id, active_git_commit, git_branch,
	build_status, build_status_updated_at, build_error, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	var provider *string
	var status string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&provider,
		&p.E2BSandboxID,
		&p.DaytonaSandboxID,
		&p.SandboxURL,
		&p.ActiveFragmentID,
		&p.ActiveGitCommit,
		&p.GitBranch,
		&status,
		&p.BuildStatusUpdatedAt,
		&p.BuildError,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		sp := models.SandboxProvider(*provider)
		p.SandboxProvider = &sp
	}
	p.BuildStatus = models.BuildStatus(status)
	return &p, nil
}

// Create inserts a new project in AWAITING_SANDBOX.
func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}

	var provider *string
	if project.SandboxProvider != nil {
		s := string(*project.SandboxProvider)
		provider = &s
	}

	query := `
		INSERT INTO engine_projects (id, name, sandbox_provider)
		VALUES ($1, $2, $3)
		RETURNING ` + projectColumns

	created, err := scanProject(q.QueryRow(ctx, query, project.ID, project.Name, provider))
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	*project = *created
	return nil
}

// Get retrieves a project by ID.
func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + projectColumns + ` FROM engine_projects WHERE id = $1`
	p, err := scanProject(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (r *projectRepository) SetProvider(ctx context.Context, id uuid.UUID, provider models.SandboxProvider) (bool, error) {
	var changed bool
	err := database.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		var current *string
		err = q.QueryRow(ctx,
			`SELECT sandbox_provider FROM engine_projects WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock project: %w", err)
		}

		if current != nil && *current == string(provider) {
			return nil
		}
		changed = true

		_, err = q.Exec(ctx, `
			UPDATE engine_projects
			SET sandbox_provider = $2,
			    e2b_sandbox_id = NULL,
			    daytona_sandbox_id = NULL,
			    sandbox_url = NULL,
			    active_git_commit = NULL,
			    git_branch = NULL,
			    build_status = $3,
			    build_status_updated_at = now(),
			    build_error = NULL
			WHERE id = $1`,
			id, string(provider), string(models.BuildStatusAwaitingSandbox))
		if err != nil {
			return fmt.Errorf("failed to set provider: %w", err)
		}
		return nil
	})
	return changed, err
}

func (r *projectRepository) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status models.BuildStatus, buildError string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	var errText *string
	if status == models.BuildStatusError && buildError != "" {
		errText = &buildError
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_projects
		SET build_status = $2, build_status_updated_at = now(), build_error = $3
		WHERE id = $1`,
		id, string(status), errText)
	if err != nil {
		return fmt.Errorf("failed to update build status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *projectRepository) ClaimSandboxHandle(ctx context.Context, id uuid.UUID, claim SandboxClaim, timeout time.Duration) (*models.Project, bool, error) {
	var (
		result  *models.Project
		claimed bool
	)

	err := database.WithSerializableTx(ctx, timeout, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		current, err := scanProject(q.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM engine_projects WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock project: %w", err)
		}

		if current.SandboxID() != "" {
			result, claimed = current, false
			return nil
		}
		if current.SandboxProvider != nil && *current.SandboxProvider != claim.Provider {
			return fmt.Errorf("%w: project provider changed to %s during creation", apperrors.ErrConflict, *current.SandboxProvider)
		}

		var e2bID, daytonaID, branch *string
		switch claim.Provider {
		case models.SandboxProviderE2B:
			e2bID = &claim.SandboxID
		case models.SandboxProviderDaytona:
			daytonaID = &claim.SandboxID
		default:
			return fmt.Errorf("%w: unknown provider %q", apperrors.ErrInvalidInput, claim.Provider)
		}
		if claim.GitBranch != "" {
			branch = &claim.GitBranch
		}

		updated, err := scanProject(q.QueryRow(ctx, `
			UPDATE engine_projects
			SET sandbox_provider = $2,
			    e2b_sandbox_id = $3,
			    daytona_sandbox_id = $4,
			    sandbox_url = $5,
			    git_branch = $6,
			    active_git_commit = NULL,
			    build_status = $7,
			    build_status_updated_at = now(),
			    build_error = NULL
			WHERE id = $1
			RETURNING `+projectColumns,
			id, string(claim.Provider), e2bID, daytonaID, claim.URL, branch, string(models.BuildStatusReady)))
		if err != nil {
			return fmt.Errorf("failed to persist sandbox handle: %w", err)
		}
		result, claimed = updated, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, claimed, nil
}

func (r *projectRepository) ClearSandboxHandle(ctx context.Context, id uuid.UUID, sandboxID string) (bool, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return false, err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_projects
		SET e2b_sandbox_id = NULL,
		    daytona_sandbox_id = NULL,
		    sandbox_url = NULL,
		    active_git_commit = NULL,
		    git_branch = NULL,
		    build_status = $3,
		    build_status_updated_at = now(),
		    build_error = NULL
		WHERE id = $1
		  AND (e2b_sandbox_id = $2 OR daytona_sandbox_id = $2)`,
		id, sandboxID, string(models.BuildStatusAwaitingSandbox))
	if err != nil {
		return false, fmt.Errorf("failed to clear sandbox handle: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *projectRepository) UpdateSandboxURL(ctx context.Context, id uuid.UUID, sandboxID, url string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		UPDATE engine_projects
		SET sandbox_url = $3
		WHERE id = $1
		  AND (e2b_sandbox_id = $2 OR daytona_sandbox_id = $2)`,
		id, sandboxID, url)
	if err != nil {
		return fmt.Errorf("failed to update sandbox url: %w", err)
	}
	return nil
}

func (r *projectRepository) SetActiveFragment(ctx context.Context, id, fragmentID uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_projects
		SET active_fragment_id = $2
		WHERE id = $1
		  AND EXISTS (SELECT 1 FROM engine_fragments WHERE id = $2 AND project_id = $1)`,
		id, fragmentID)
	if err != nil {
		return fmt.Errorf("failed to set active fragment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *projectRepository) SetActiveGitCommit(ctx context.Context, id uuid.UUID, commitHash, branch string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_projects
		SET active_git_commit = $2, git_branch = COALESCE(NULLIF($3, ''), git_branch)
		WHERE id = $1`,
		id, commitHash, branch)
	if err != nil {
		return fmt.Errorf("failed to set active git commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
