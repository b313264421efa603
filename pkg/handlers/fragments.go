package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

// CreateFragmentRequest for POST /fragments
type CreateFragmentRequest struct {
	Title string         `json:"title"`
	Files models.FileMap `json:"files"`
}

// FragmentSummary is a fragment without its files, for listings.
type FragmentSummary struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	Title     string    `json:"title"`
	FileCount int       `json:"file_count"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// FragmentListResponse for GET /fragments
type FragmentListResponse struct {
	Fragments []FragmentSummary `json:"fragments"`
	Total     int               `json:"total"`
}

// SwitchGitCommitRequest for POST /git/switch
type SwitchGitCommitRequest struct {
	CommitHash string `json:"commit_hash"`
}

// CommitRequest for POST /git/commits
type CommitRequest struct {
	Message     string `json:"message"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
}

// GitCommitListResponse for GET /git/commits
type GitCommitListResponse struct {
	Commits []*models.GitFragment `json:"commits"`
	Total   int                   `json:"total"`
}

// FragmentsHandler exposes fragment and git version history.
type FragmentsHandler struct {
	fragmentService services.FragmentService
	projectService  services.ProjectService
	logger          *zap.Logger
}

// NewFragmentsHandler creates a new fragments handler.
func NewFragmentsHandler(fragmentService services.FragmentService, projectService services.ProjectService, logger *zap.Logger) *FragmentsHandler {
	return &FragmentsHandler{
		fragmentService: fragmentService,
		projectService:  projectService,
		logger:          logger,
	}
}

// RegisterRoutes registers the fragments handler's routes on the given mux.
func (h *FragmentsHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/projects/{pid}"

	mux.HandleFunc("GET "+base+"/fragments", tenantMiddleware(h.List))
	mux.HandleFunc("POST "+base+"/fragments", tenantMiddleware(h.Create))
	mux.HandleFunc("GET "+base+"/fragments/{fid}", tenantMiddleware(h.Get))
	mux.HandleFunc("GET "+base+"/fragments/{fid}/diff", tenantMiddleware(h.Diff))
	mux.HandleFunc("POST "+base+"/fragments/{fid}/switch", tenantMiddleware(h.Switch))
	mux.HandleFunc("POST "+base+"/git/switch", tenantMiddleware(h.SwitchGitCommit))
	mux.HandleFunc("POST "+base+"/git/commits", tenantMiddleware(h.Commit))
	mux.HandleFunc("GET "+base+"/git/commits", tenantMiddleware(h.ListCommits))
}

// List handles GET /api/projects/{pid}/fragments?limit=
func (h *FragmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}

	project, err := h.projectService.GetByID(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, "list_fragments", err, nil)
		return
	}
	fragments, err := h.fragmentService.ListFragments(r.Context(), projectID, limit)
	if err != nil {
		writeServiceError(w, h.logger, "list_fragments", err, nil)
		return
	}

	summaries := make([]FragmentSummary, 0, len(fragments))
	for _, f := range fragments {
		summaries = append(summaries, FragmentSummary{
			ID:        f.ID,
			Seq:       f.Seq,
			Title:     f.Title,
			FileCount: len(f.Files),
			Active:    project.ActiveFragmentID != nil && *project.ActiveFragmentID == f.ID,
			CreatedAt: f.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, FragmentListResponse{Fragments: summaries, Total: len(summaries)}, h.logger)
}

// Create handles POST /api/projects/{pid}/fragments
func (h *FragmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req CreateFragmentRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	fragment, err := h.fragmentService.CreateFragment(r.Context(), projectID, req.Files, req.Title)
	if err != nil {
		writeServiceError(w, h.logger, "create_fragment", err, nil)
		return
	}
	writeData(w, http.StatusCreated, fragment, h.logger)
}

// Get handles GET /api/projects/{pid}/fragments/{fid}
func (h *FragmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID, fragmentID, ok := ParseProjectAndFragmentIDs(w, r, h.logger)
	if !ok {
		return
	}

	fragment, err := h.fragmentService.GetFragment(r.Context(), projectID, fragmentID)
	if err != nil {
		writeServiceError(w, h.logger, "get_fragment", err, nil)
		return
	}
	writeData(w, http.StatusOK, fragment, h.logger)
}

// Diff handles GET /api/projects/{pid}/fragments/{fid}/diff?against=
// The diff runs from against to fid.
func (h *FragmentsHandler) Diff(w http.ResponseWriter, r *http.Request) {
	projectID, fragmentID, ok := ParseProjectAndFragmentIDs(w, r, h.logger)
	if !ok {
		return
	}
	against, err := uuid.Parse(r.URL.Query().Get("against"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_fragment_id", "against must be a fragment ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	diff, err := h.fragmentService.DiffFragments(r.Context(), projectID, against, fragmentID)
	if err != nil {
		writeServiceError(w, h.logger, "diff_fragments", err, nil)
		return
	}
	writeData(w, http.StatusOK, diff, h.logger)
}

// Switch handles POST /api/projects/{pid}/fragments/{fid}/switch
func (h *FragmentsHandler) Switch(w http.ResponseWriter, r *http.Request) {
	projectID, fragmentID, ok := ParseProjectAndFragmentIDs(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.fragmentService.SwitchFragment(r.Context(), projectID, fragmentID)
	if err != nil {
		writeServiceError(w, h.logger, "switch_fragment", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// SwitchGitCommit handles POST /api/projects/{pid}/git/switch
func (h *FragmentsHandler) SwitchGitCommit(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req SwitchGitCommitRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	res, err := h.fragmentService.SwitchGitCommit(r.Context(), projectID, req.CommitHash)
	if err != nil {
		writeServiceError(w, h.logger, "switch_git_commit", err, nil)
		return
	}
	writeData(w, http.StatusOK, res, h.logger)
}

// Commit handles POST /api/projects/{pid}/git/commits
func (h *FragmentsHandler) Commit(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req CommitRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	commit, err := h.fragmentService.CommitGitFragment(r.Context(), projectID, req.Message, services.GitAuthor{
		Name:  req.AuthorName,
		Email: req.AuthorEmail,
	})
	if err != nil {
		writeServiceError(w, h.logger, "commit_git_fragment", err, nil)
		return
	}
	writeData(w, http.StatusCreated, commit, h.logger)
}

// ListCommits handles GET /api/projects/{pid}/git/commits?limit=
func (h *FragmentsHandler) ListCommits(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}

	commits, err := h.fragmentService.ListGitFragments(r.Context(), projectID, limit)
	if err != nil {
		writeServiceError(w, h.logger, "list_git_fragments", err, nil)
		return
	}
	if commits == nil {
		commits = []*models.GitFragment{}
	}
	writeData(w, http.StatusOK, GitCommitListResponse{Commits: commits, Total: len(commits)}, h.logger)
}
