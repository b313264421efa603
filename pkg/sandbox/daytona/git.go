package daytona

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

type gitAddBody struct {
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

type gitCommitBody struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	Email      string `json:"email"`
	AllowEmpty bool   `json:"allow_empty"`
}

type gitCommitResponse struct {
	Hash string `json:"hash"`
}

type gitCheckoutBody struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

type gitStatusResponse struct {
	CurrentBranch string `json:"currentBranch"`
}

// Commit stages every change in the work dir and commits it.
func (c *Client) Commit(ctx context.Context, sandboxID string, req sandbox.CommitRequest) (*sandbox.CommitResult, error) {
	err := c.do(ctx, request{
		op:     "git add",
		method: http.MethodPost,
		path:   toolboxPath(sandboxID, "git", "add"),
		body:   gitAddBody{Path: c.cfg.WorkDir, Files: []string{"."}},
	}, nil)
	if err != nil {
		return nil, err
	}

	var commit gitCommitResponse
	err = c.do(ctx, request{
		op:     "git commit",
		method: http.MethodPost,
		path:   toolboxPath(sandboxID, "git", "commit"),
		body: gitCommitBody{
			Path:       c.cfg.WorkDir,
			Message:    req.Message,
			Author:     req.AuthorName,
			Email:      req.AuthorEmail,
			AllowEmpty: true,
		},
	}, &commit)
	if err != nil {
		return nil, err
	}
	if commit.Hash == "" {
		return nil, fmt.Errorf("git commit: empty commit hash")
	}

	var status gitStatusResponse
	err = c.do(ctx, request{
		op:     "git status",
		method: http.MethodGet,
		path:   toolboxPath(sandboxID, "git", "status"),
		query:  url.Values{"path": {c.cfg.WorkDir}},
	}, &status)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Committed",
		zap.String("sandbox_id", sandboxID),
		zap.String("commit", commit.Hash),
		zap.String("branch", status.CurrentBranch))
	return &sandbox.CommitResult{CommitHash: commit.Hash, Branch: status.CurrentBranch}, nil
}

// SwitchToCommit checks out commitHash in the work dir. The dev server is not restarted.
func (c *Client) SwitchToCommit(ctx context.Context, sandboxID, commitHash string) error {
	return c.do(ctx, request{
		op:     "git checkout",
		method: http.MethodPost,
		path:   toolboxPath(sandboxID, "git", "checkout"),
		body:   gitCheckoutBody{Path: c.cfg.WorkDir, Branch: commitHash},
	}, nil)
}
