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

// FragmentRepository stores immutable file snapshots. There is no update method.
type FragmentRepository interface {
	// Create inserts the fragment and fills in ID, Seq and CreatedAt.
	Create(ctx context.Context, fragment *models.Fragment) error
	// CreateWithEdits inserts the fragment and its edit metadata in one transaction.
	// Each edit's FragmentID and ProjectID are set from the fragment.
	CreateWithEdits(ctx context.Context, fragment *models.Fragment, edits []*models.ComponentEditMetadata) error
	Get(ctx context.Context, projectID, id uuid.UUID) (*models.Fragment, error)
	// GetLatest returns the most recently created fragment of the project.
	GetLatest(ctx context.Context, projectID uuid.UUID) (*models.Fragment, error)
	// List returns fragments most-recent-first, ordered strictly by seq.
	List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error)
}

type fragmentRepository struct{}

// NewFragmentRepository creates a new fragment repository.
func NewFragmentRepository() FragmentRepository {
	return &fragmentRepository{}
}

var _ FragmentRepository = (*fragmentRepository)(nil)

const fragmentColumns = `id, seq, project_id, title, files, created_at`

func scanFragment(row pgx.Row) (*models.Fragment, error) {
	var f models.Fragment
	if err := row.Scan(&f.ID, &f.Seq, &f.ProjectID, &f.Title, &f.Files, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *fragmentRepository) Create(ctx context.Context, fragment *models.Fragment) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	return insertFragment(ctx, q, fragment)
}

func insertFragment(ctx context.Context, q database.Querier, fragment *models.Fragment) error {
	if fragment.ID == uuid.Nil {
		fragment.ID = uuid.New()
	}
	if fragment.Files == nil {
		fragment.Files = models.FileMap{}
	}

	err := q.QueryRow(ctx, `
		INSERT INTO engine_fragments (id, project_id, title, files)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, created_at`,
		fragment.ID, fragment.ProjectID, fragment.Title, fragment.Files,
	).Scan(&fragment.Seq, &fragment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create fragment: %w", err)
	}
	return nil
}

func (r *fragmentRepository) CreateWithEdits(ctx context.Context, fragment *models.Fragment, edits []*models.ComponentEditMetadata) error {
	return database.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}
		if err := insertFragment(ctx, q, fragment); err != nil {
			return err
		}
		for _, edit := range edits {
			edit.FragmentID = fragment.ID
			edit.ProjectID = fragment.ProjectID
			if err := insertComponentEdit(ctx, q, edit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *fragmentRepository) Get(ctx context.Context, projectID, id uuid.UUID) (*models.Fragment, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	f, err := scanFragment(q.QueryRow(ctx,
		`SELECT `+fragmentColumns+` FROM engine_fragments WHERE id = $1 AND project_id = $2`, id, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fragment: %w", err)
	}
	return f, nil
}

func (r *fragmentRepository) GetLatest(ctx context.Context, projectID uuid.UUID) (*models.Fragment, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	f, err := scanFragment(q.QueryRow(ctx, `
		SELECT `+fragmentColumns+` FROM engine_fragments
		WHERE project_id = $1
		ORDER BY seq DESC
		LIMIT 1`, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest fragment: %w", err)
	}
	return f, nil
}

func (r *fragmentRepository) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.Fragment, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+fragmentColumns+` FROM engine_fragments
		WHERE project_id = $1
		ORDER BY seq DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	fragments := make([]*models.Fragment, 0)
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fragment: %w", err)
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fragments: %w", err)
	}
	return fragments, nil
}
