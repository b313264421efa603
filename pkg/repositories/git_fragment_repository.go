package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/database"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// GitFragmentRepository records commits made in git-capable sandboxes.
type GitFragmentRepository interface {
	// Create is idempotent per (project, commit): a repeated commit hash returns the existing row.
	Create(ctx context.Context, fragment *models.GitFragment) error
	GetByCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*models.GitFragment, error)
	List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error)
}

type gitFragmentRepository struct{}

// NewGitFragmentRepository creates a new git fragment repository.
func NewGitFragmentRepository() GitFragmentRepository {
	return &gitFragmentRepository{}
}

var _ GitFragmentRepository = (*gitFragmentRepository)(nil)

const gitFragmentColumns = `id, project_id, commit_hash, branch, message, author_name, author_email, created_at`

func scanGitFragment(row pgx.Row) (*models.GitFragment, error) {
	var g models.GitFragment
	err := row.Scan(&g.ID, &g.ProjectID, &g.CommitHash, &g.Branch, &g.Message, &g.AuthorName, &g.AuthorEmail, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *gitFragmentRepository) Create(ctx context.Context, fragment *models.GitFragment) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if fragment.ID == uuid.Nil {
		fragment.ID = uuid.New()
	}

	// DO UPDATE with a no-op assignment so RETURNING yields the existing row on conflict.
	saved, err := scanGitFragment(q.QueryRow(ctx, `
		INSERT INTO engine_git_fragments (id, project_id, commit_hash, branch, message, author_name, author_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, commit_hash) DO UPDATE SET commit_hash = EXCLUDED.commit_hash
		RETURNING `+gitFragmentColumns,
		fragment.ID, fragment.ProjectID, fragment.CommitHash, fragment.Branch,
		fragment.Message, fragment.AuthorName, fragment.AuthorEmail))
	if err != nil {
		return fmt.Errorf("failed to record git fragment: %w", err)
	}
	*fragment = *saved
	return nil
}

func (r *gitFragmentRepository) GetByCommit(ctx context.Context, projectID uuid.UUID, commitHash string) (*models.GitFragment, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	g, err := scanGitFragment(q.QueryRow(ctx,
		`SELECT `+gitFragmentColumns+` FROM engine_git_fragments WHERE project_id = $1 AND commit_hash = $2`,
		projectID, commitHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get git fragment: %w", err)
	}
	return g, nil
}

func (r *gitFragmentRepository) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.GitFragment, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+gitFragmentColumns+` FROM engine_git_fragments
		WHERE project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list git fragments: %w", err)
	}
	defer rows.Close()

	out := make([]*models.GitFragment, 0)
	for rows.Next() {
		g, err := scanGitFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan git fragment: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate git fragments: %w", err)
	}
	return out, nil
}
