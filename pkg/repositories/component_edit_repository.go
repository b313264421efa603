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

// ComponentEditRepository reads edit metadata. Rows are written together with
// their fragment through FragmentRepository.CreateWithEdits.
type ComponentEditRepository interface {
	Get(ctx context.Context, projectID, id uuid.UUID) (*models.ComponentEditMetadata, error)
	// GetLatestForLocator returns the newest edit or undo recorded for the element.
	GetLatestForLocator(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*models.ComponentEditMetadata, error)
	// ListByFragment returns the edits that produced a fragment, in application order.
	ListByFragment(ctx context.Context, projectID, fragmentID uuid.UUID) ([]*models.ComponentEditMetadata, error)
}

type componentEditRepository struct{}

// NewComponentEditRepository creates a new component edit repository.
func NewComponentEditRepository() ComponentEditRepository {
	return &componentEditRepository{}
}

var _ ComponentEditRepository = (*componentEditRepository)(nil)

const componentEditColumns = `
	id, seq, fragment_id, project_id, file_path, shipper_id, selector, change_type,
	before_snapshot, after_snapshot, window_start, line_number, style_changes,
	text_changes, undo_of, created_at`

func scanComponentEdit(row pgx.Row) (*models.ComponentEditMetadata, error) {
	var m models.ComponentEditMetadata
	var changeType string
	err := row.Scan(
		&m.ID,
		&m.Seq,
		&m.FragmentID,
		&m.ProjectID,
		&m.FilePath,
		&m.ShipperID,
		&m.Selector,
		&changeType,
		&m.BeforeSnapshot,
		&m.AfterSnapshot,
		&m.WindowStart,
		&m.LineNumber,
		&m.StyleChanges,
		&m.TextChanges,
		&m.UndoOf,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ChangeType = models.ChangeType(changeType)
	return &m, nil
}

func insertComponentEdit(ctx context.Context, q database.Querier, m *models.ComponentEditMetadata) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	err := q.QueryRow(ctx, `
		INSERT INTO engine_component_edits (
			id, fragment_id, project_id, file_path, shipper_id, selector, change_type,
			before_snapshot, after_snapshot, window_start, line_number, style_changes,
			text_changes, undo_of
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq, created_at`,
		m.ID,
		m.FragmentID,
		m.ProjectID,
		m.FilePath,
		m.ShipperID,
		m.Selector,
		string(m.ChangeType),
		m.BeforeSnapshot,
		m.AfterSnapshot,
		m.WindowStart,
		m.LineNumber,
		m.StyleChanges,
		m.TextChanges,
		m.UndoOf,
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record component edit: %w", err)
	}
	return nil
}

func (r *componentEditRepository) Get(ctx context.Context, projectID, id uuid.UUID) (*models.ComponentEditMetadata, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	m, err := scanComponentEdit(q.QueryRow(ctx,
		`SELECT `+componentEditColumns+` FROM engine_component_edits WHERE id = $1 AND project_id = $2`, id, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get component edit: %w", err)
	}
	return m, nil
}

func (r *componentEditRepository) GetLatestForLocator(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*models.ComponentEditMetadata, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	m, err := scanComponentEdit(q.QueryRow(ctx, `
		SELECT `+componentEditColumns+` FROM engine_component_edits
		WHERE project_id = $1 AND file_path = $2 AND locator = $3
		ORDER BY seq DESC
		LIMIT 1`, projectID, filePath, locator))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest component edit: %w", err)
	}
	return m, nil
}

func (r *componentEditRepository) ListByFragment(ctx context.Context, projectID, fragmentID uuid.UUID) ([]*models.ComponentEditMetadata, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+componentEditColumns+` FROM engine_component_edits
		WHERE project_id = $1 AND fragment_id = $2
		ORDER BY seq`, projectID, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list component edits: %w", err)
	}
	defer rows.Close()

	edits := make([]*models.ComponentEditMetadata, 0)
	for rows.Next() {
		m, err := scanComponentEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan component edit: %w", err)
		}
		edits = append(edits, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate component edits: %w", err)
	}
	return edits, nil
}
