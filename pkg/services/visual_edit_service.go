package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/config"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
	"github.com/ekaya-inc/ekaya-builder/pkg/visualedit"
)

// EditResult identifies the fragment an edit or undo produced.
type EditResult struct {
	FragmentID uuid.UUID   `json:"fragment_id"`
	EditIDs    []uuid.UUID `json:"edit_ids"`
}

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	FilePath   string   `json:"file_path"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Edits      int      `json:"edits"`
}

// BatchResult is the outcome of a batch. FragmentID is nil when no file succeeded.
type BatchResult struct {
	FragmentID *uuid.UUID    `json:"fragment_id,omitempty"`
	EditIDs    []uuid.UUID   `json:"edit_ids"`
	Files      []*FileResult `json:"files"`
}

// VisualEditService applies element-level edits to sandbox files and
// reverts them, recording every change as a new fragment.
type VisualEditService interface {
	ApplyEdit(ctx context.Context, projectID uuid.UUID, edit models.ComponentEdit) (*EditResult, error)

	// ApplyBatchedEdits applies edits grouped by file. Files fail
	// independently; the successful ones share one new fragment.
	ApplyBatchedEdits(ctx context.Context, projectID uuid.UUID, edits []models.ComponentEdit) (*BatchResult, error)

	// UndoEdit reverts a recorded edit. Only the newest edit of an element can be undone.
	UndoEdit(ctx context.Context, projectID, editID uuid.UUID) (*EditResult, error)

	// UndoLatestEdit reverts the newest edit recorded for the element.
	UndoLatestEdit(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*EditResult, error)
}

type visualEditService struct {
	projectRepo  repositories.ProjectRepository
	fragmentRepo repositories.FragmentRepository
	editRepo     repositories.ComponentEditRepository
	sandboxes    SandboxService
	selector     ProviderSelector
	fragments    FragmentService
	checker      validation.Checker
	cfg          config.EditsConfig
	logger       *zap.Logger
}

// NewVisualEditService creates the edit engine. checker gates every write.
func NewVisualEditService(
	projectRepo repositories.ProjectRepository,
	fragmentRepo repositories.FragmentRepository,
	editRepo repositories.ComponentEditRepository,
	sandboxes SandboxService,
	selector ProviderSelector,
	fragments FragmentService,
	checker validation.Checker,
	cfg config.EditsConfig,
	logger *zap.Logger,
) VisualEditService {
	if cfg.FileParallelism <= 0 {
		cfg.FileParallelism = 1
	}
	return &visualEditService{
		projectRepo:  projectRepo,
		fragmentRepo: fragmentRepo,
		editRepo:     editRepo,
		sandboxes:    sandboxes,
		selector:     selector,
		fragments:    fragments,
		checker:      checker,
		cfg:          cfg,
		logger:       logger.Named("visual-edit-service"),
	}
}

var _ VisualEditService = (*visualEditService)(nil)

// target is the sandbox an edit runs against.
type target struct {
	project   *models.Project
	client    sandbox.Provider
	sandboxID string
}

func (s *visualEditService) target(ctx context.Context, projectID uuid.UUID) (*target, error) {
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
		return nil, err
	}
	return &target{project: project, client: client, sandboxID: ready.SandboxID}, nil
}

// normalize validates the request and rewrites its path relative to the work dir.
func normalize(edit models.ComponentEdit, workDir string) (models.ComponentEdit, error) {
	if err := validation.Struct(edit); err != nil {
		return edit, err
	}
	p, err := visualedit.NormalizePath(edit.FilePath, workDir)
	if err != nil {
		return edit, err
	}
	edit.FilePath = p
	return edit, nil
}

func (s *visualEditService) ApplyEdit(ctx context.Context, projectID uuid.UUID, edit models.ComponentEdit) (*EditResult, error) {
	if err := validation.Struct(edit); err != nil {
		return nil, err
	}
	t, err := s.target(ctx, projectID)
	if err != nil {
		return nil, err
	}
	edit, err = normalize(edit, t.client.WorkDir())
	if err != nil {
		return nil, err
	}

	content, metas, err := s.editFile(ctx, t, edit.FilePath, []models.ComponentEdit{edit})
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "apply_edit", err)
	}

	fragment, err := s.record(ctx, t.project, models.FileMap{edit.FilePath: content}, metas, editTitle(metas))
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "apply_edit", err)
	}
	return &EditResult{FragmentID: fragment.ID, EditIDs: editIDs(metas)}, nil
}

// editFile applies edits to one file in order, validates the final content
// and writes it once. Nothing is written when any step fails. The returned
// rows lack their fragment.
func (s *visualEditService) editFile(ctx context.Context, t *target, path string, edits []models.ComponentEdit) (string, []*models.ComponentEditMetadata, error) {
	original, err := t.client.ReadFile(ctx, t.sandboxID, path)
	if err != nil {
		if errors.Is(err, sandbox.ErrFileNotFound) {
			return "", nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, path)
		}
		return "", nil, err
	}

	current := original
	metas := make([]*models.ComponentEditMetadata, 0, len(edits))
	for _, edit := range edits {
		res, err := visualedit.Apply(current, edit)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", edit.Locator(), err)
		}
		w := visualedit.CutWindows(current, res.Content, res.Line, s.cfg.ContextLines)
		metas = append(metas, editMetadata(edit, w, res.Line))
		current = res.Content
	}

	if err := validation.Validate(s.checker, path, current); err != nil {
		return "", nil, err
	}
	if err := s.write(ctx, t, path, current); err != nil {
		return "", nil, err
	}
	return current, metas, nil
}

// write stores content and, when enabled, reads it back. A mismatch is
// logged but not fatal.
func (s *visualEditService) write(ctx context.Context, t *target, path, content string) error {
	if err := t.client.WriteFile(ctx, t.sandboxID, path, content); err != nil {
		return err
	}
	if !s.cfg.VerifyWrites {
		return nil
	}
	readBack, err := t.client.ReadFile(ctx, t.sandboxID, path)
	switch {
	case err != nil:
		s.logger.Warn("Read-back after write failed",
			zap.String("project_id", t.project.ID.String()),
			zap.String("file_path", path),
			zap.Error(err))
	case readBack != content:
		s.logger.Warn("Read-back differs from written content",
			zap.String("project_id", t.project.ID.String()),
			zap.String("file_path", path),
			zap.Int("written_bytes", len(content)),
			zap.Int("read_bytes", len(readBack)))
	}
	return nil
}

func editMetadata(edit models.ComponentEdit, w visualedit.Windows, line int) *models.ComponentEditMetadata {
	m := &models.ComponentEditMetadata{
		ID:             uuid.New(),
		FilePath:       edit.FilePath,
		Selector:       edit.Selector,
		ChangeType:     models.ChangeTypeFor(len(edit.StyleChanges) > 0, edit.TextChanges != nil),
		BeforeSnapshot: w.Before,
		AfterSnapshot:  w.After,
		WindowStart:    w.Start,
		StyleChanges:   edit.StyleChanges,
		TextChanges:    edit.TextChanges,
	}
	if edit.ShipperID != "" {
		id := edit.ShipperID
		m.ShipperID = &id
	}
	if line > 0 {
		m.LineNumber = &line
	}
	return m
}

// record derives a fragment from the active one with changed files written
// over it, stores it with its edit rows, and makes it active.
func (s *visualEditService) record(ctx context.Context, project *models.Project, changed models.FileMap, metas []*models.ComponentEditMetadata, title string) (*models.Fragment, error) {
	base, err := s.fragments.ActiveFiles(ctx, project)
	if err != nil {
		return nil, err
	}

	fragment := &models.Fragment{
		ProjectID: project.ID,
		Title:     title,
		Files:     DerivedFiles(base, changed),
	}
	if err := s.fragmentRepo.CreateWithEdits(ctx, fragment, metas); err != nil {
		return nil, fmt.Errorf("store fragment: %w", err)
	}
	if err := s.projectRepo.SetActiveFragment(ctx, project.ID, fragment.ID); err != nil {
		return nil, fmt.Errorf("activate fragment: %w", err)
	}

	s.logger.Info("Edit recorded",
		zap.String("project_id", project.ID.String()),
		zap.String("fragment_id", fragment.ID.String()),
		zap.Int("files", len(changed)),
		zap.Int("edits", len(metas)))
	return fragment, nil
}

type fileGroup struct {
	path  string
	edits []models.ComponentEdit
	err   error
}

// groupByFile groups edits by normalized path in first-appearance order.
// Invalid edits poison their file's group.
func groupByFile(edits []models.ComponentEdit, workDir string) []*fileGroup {
	var groups []*fileGroup
	byPath := map[string]*fileGroup{}
	for i, edit := range edits {
		normalized, err := normalize(edit, workDir)
		key := normalized.FilePath
		if err != nil {
			key = edit.FilePath
		}
		g, ok := byPath[key]
		if !ok {
			g = &fileGroup{path: key}
			byPath[key] = g
			groups = append(groups, g)
		}
		if err != nil && g.err == nil {
			g.err = fmt.Errorf("edit %d: %w", i, err)
		}
		g.edits = append(g.edits, normalized)
	}
	return groups
}

func (s *visualEditService) ApplyBatchedEdits(ctx context.Context, projectID uuid.UUID, edits []models.ComponentEdit) (*BatchResult, error) {
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: no edits given", apperrors.ErrInvalidInput)
	}
	t, err := s.target(ctx, projectID)
	if err != nil {
		return nil, err
	}

	groups := groupByFile(edits, t.client.WorkDir())
	results := make([]*FileResult, len(groups))
	contents := make([]string, len(groups))
	metas := make([][]*models.ComponentEditMetadata, len(groups))

	// Per-file failures are recorded, never returned, so one bad file does
	// not cancel the others.
	var g errgroup.Group
	g.SetLimit(s.cfg.FileParallelism)
	for i, group := range groups {
		g.Go(func() error {
			results[i] = &FileResult{FilePath: group.path, Edits: len(group.edits)}
			if group.err != nil {
				results[i].Error = group.err.Error()
				return nil
			}
			content, m, err := s.editFile(ctx, t, group.path, group.edits)
			if err != nil {
				results[i].Error = err.Error()
				var verr *apperrors.ValidationError
				if errors.As(err, &verr) {
					results[i].Violations = verr.Violations
				}
				return nil
			}
			results[i].Success = true
			contents[i], metas[i] = content, m
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{Files: results, EditIDs: []uuid.UUID{}}
	changed := models.FileMap{}
	var allMetas []*models.ComponentEditMetadata
	for i, r := range results {
		if !r.Success {
			s.logger.Warn("Batch edit failed for file",
				zap.String("project_id", projectID.String()),
				zap.String("file_path", r.FilePath),
				zap.String("error", r.Error))
			continue
		}
		changed[r.FilePath] = contents[i]
		allMetas = append(allMetas, metas[i]...)
	}

	if len(changed) == 0 {
		return result, apperrors.NewOperationError(projectID, "apply_batched_edits", apperrors.ErrNoChangesApplied)
	}

	fragment, err := s.record(ctx, t.project, changed, allMetas, batchTitle(changed))
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "apply_batched_edits", err)
	}
	result.FragmentID = &fragment.ID
	result.EditIDs = editIDs(allMetas)
	return result, nil
}

func (s *visualEditService) UndoEdit(ctx context.Context, projectID, editID uuid.UUID) (*EditResult, error) {
	edit, err := s.editRepo.Get(ctx, projectID, editID)
	if err != nil {
		return nil, err
	}

	latest, err := s.editRepo.GetLatestForLocator(ctx, projectID, edit.FilePath, edit.Locator())
	if err != nil {
		return nil, err
	}
	if latest.ID != edit.ID {
		return nil, fmt.Errorf("%w: a newer edit (%s) exists for %s", apperrors.ErrConflict, latest.ID, edit.Locator())
	}
	return s.undo(ctx, projectID, edit)
}

func (s *visualEditService) UndoLatestEdit(ctx context.Context, projectID uuid.UUID, filePath, locator string) (*EditResult, error) {
	if strings.TrimSpace(locator) == "" {
		return nil, fmt.Errorf("%w: locator is required", apperrors.ErrInvalidInput)
	}
	filePath, err := visualedit.NormalizePath(filePath, "")
	if err != nil {
		return nil, err
	}
	latest, err := s.editRepo.GetLatestForLocator(ctx, projectID, filePath, locator)
	if err != nil {
		return nil, err
	}
	return s.undo(ctx, projectID, latest)
}

// undo splices the edit's before window over its after window in the
// current file. Undoing an undo re-applies the original change.
func (s *visualEditService) undo(ctx context.Context, projectID uuid.UUID, edit *models.ComponentEditMetadata) (*EditResult, error) {
	t, err := s.target(ctx, projectID)
	if err != nil {
		return nil, err
	}

	current, err := t.client.ReadFile(ctx, t.sandboxID, edit.FilePath)
	if err != nil {
		if errors.Is(err, sandbox.ErrFileNotFound) {
			err = fmt.Errorf("%w: %s", apperrors.ErrNotFound, edit.FilePath)
		}
		return nil, apperrors.NewOperationError(projectID, "undo_edit", err)
	}

	restored, at, err := visualedit.Splice(current, edit.WindowStart, edit.AfterSnapshot, edit.BeforeSnapshot)
	if err != nil {
		s.logger.Warn("Undo refused",
			zap.String("project_id", projectID.String()),
			zap.String("edit_id", edit.ID.String()),
			zap.Error(err))
		return nil, apperrors.NewOperationError(projectID, "undo_edit", err)
	}
	if err := validation.Validate(s.checker, edit.FilePath, restored); err != nil {
		return nil, apperrors.NewOperationError(projectID, "undo_edit", err)
	}
	if err := s.write(ctx, t, edit.FilePath, restored); err != nil {
		return nil, apperrors.NewOperationError(projectID, "undo_edit", err)
	}

	undoOf := edit.ID
	meta := &models.ComponentEditMetadata{
		ID:             uuid.New(),
		FilePath:       edit.FilePath,
		ShipperID:      edit.ShipperID,
		Selector:       edit.Selector,
		ChangeType:     models.ChangeTypeUndo,
		BeforeSnapshot: edit.AfterSnapshot,
		AfterSnapshot:  edit.BeforeSnapshot,
		WindowStart:    at,
		LineNumber:     edit.LineNumber,
		UndoOf:         &undoOf,
	}

	metas := []*models.ComponentEditMetadata{meta}
	fragment, err := s.record(ctx, t.project, models.FileMap{edit.FilePath: restored}, metas,
		fmt.Sprintf("Undo %s in %s", edit.Locator(), edit.FilePath))
	if err != nil {
		return nil, apperrors.NewOperationError(projectID, "undo_edit", err)
	}
	return &EditResult{FragmentID: fragment.ID, EditIDs: editIDs(metas)}, nil
}

func editIDs(metas []*models.ComponentEditMetadata) []uuid.UUID {
	ids := make([]uuid.UUID, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids
}

func editTitle(metas []*models.ComponentEditMetadata) string {
	if len(metas) == 0 {
		return "Visual edit"
	}
	m := metas[0]
	return fmt.Sprintf("Edit %s (%s) in %s", m.Locator(), m.ChangeType, m.FilePath)
}

func batchTitle(changed models.FileMap) string {
	paths := changed.Paths()
	if len(paths) == 1 {
		return "Visual edits in " + paths[0]
	}
	return fmt.Sprintf("Visual edits in %d files", len(paths))
}
