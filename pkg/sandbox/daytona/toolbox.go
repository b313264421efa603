package daytona

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

func toolboxPath(sandboxID string, parts ...string) string {
	return "/toolbox/" + url.PathEscape(sandboxID) + "/toolbox/" + strings.Join(parts, "/")
}

func (c *Client) ReadFile(ctx context.Context, sandboxID, p string) (string, error) {
	var data []byte
	err := c.do(ctx, request{
		op:       "read file",
		method:   http.MethodGet,
		path:     toolboxPath(sandboxID, "files", "download"),
		query:    url.Values{"path": {c.absPath(p)}},
		notFound: sandbox.ErrFileNotFound,
	}, &data)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) WriteFile(ctx context.Context, sandboxID, p, content string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(p))
	if err == nil {
		_, err = io.WriteString(part, content)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}

	err = c.do(ctx, request{
		op:          "write file",
		method:      http.MethodPost,
		path:        toolboxPath(sandboxID, "files", "upload"),
		query:       url.Values{"path": {c.absPath(p)}},
		rawBody:     &buf,
		contentType: mw.FormDataContentType(),
	}, nil)
	if err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}
	return nil
}

// ListFiles lists regular files under the work dir, pruning dependency and build directories.
func (c *Client) ListFiles(ctx context.Context, sandboxID string) ([]string, error) {
	prunes := make([]string, 0, len(sandbox.SkippedDirs))
	for dir := range sandbox.SkippedDirs {
		prunes = append(prunes, "-name "+sandbox.ShellQuote(dir))
	}
	sort.Strings(prunes)
	cmd := fmt.Sprintf("find . \\( %s \\) -prune -o -type f -print", strings.Join(prunes, " -o "))

	res, err := c.execOK(ctx, sandboxID, cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	files := []string{}
	for _, line := range strings.Split(res.Result, "\n") {
		line = strings.TrimPrefix(strings.TrimSpace(line), "./")
		if line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

type executeBody struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type executeResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

// exec runs cmd in the work dir and waits for it. timeout 0 uses the server default.
func (c *Client) exec(ctx context.Context, sandboxID, cmd string, timeout time.Duration) (*executeResponse, error) {
	var res executeResponse
	err := c.do(ctx, request{
		op:     "execute",
		method: http.MethodPost,
		path:   toolboxPath(sandboxID, "process", "execute"),
		body:   executeBody{Command: cmd, Cwd: c.cfg.WorkDir, Timeout: int(timeout.Seconds())},
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// execOK is exec that treats a non-zero exit code as an error.
func (c *Client) execOK(ctx context.Context, sandboxID, cmd string, timeout time.Duration) (*executeResponse, error) {
	res, err := c.exec(ctx, sandboxID, cmd, timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with code %d: %s", res.ExitCode,
			logging.TruncateString(strings.TrimSpace(res.Result), 500))
	}
	return res, nil
}

type sessionBody struct {
	SessionID string `json:"sessionId"`
}

type sessionExecBody struct {
	Command  string `json:"command"`
	RunAsync bool   `json:"runAsync"`
}

// StartDevServer (re)launches the dev command recorded on the sandbox.
func (c *Client) StartDevServer(ctx context.Context, sandboxID string) error {
	sb, err := c.get(ctx, sandboxID)
	if err != nil {
		return err
	}
	return c.startDevServer(ctx, sb)
}

func (c *Client) startDevServer(ctx context.Context, sb *sandboxResponse) error {
	devCommand := sb.Labels[labelDevCommand]
	if devCommand == "" {
		return fmt.Errorf("start dev server: sandbox %s has no dev command label", sb.ID)
	}

	err := c.do(ctx, request{
		op:     "create session",
		method: http.MethodPost,
		path:   toolboxPath(sb.ID, "process", "session"),
		body:   sessionBody{SessionID: devSessionID},
	}, nil)
	var apiErr *sandbox.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict) {
		return fmt.Errorf("start dev server: %w", err)
	}

	// Kill whatever still listens on the port before launching again.
	cmd := fmt.Sprintf("cd %s && (fuser -k %s/tcp >/dev/null 2>&1; %s)",
		sandbox.ShellQuote(c.cfg.WorkDir), sb.Labels[labelPort], devCommand)
	err = c.do(ctx, request{
		op:     "start dev server",
		method: http.MethodPost,
		path:   toolboxPath(sb.ID, "process", "session", devSessionID, "exec"),
		body:   sessionExecBody{Command: cmd, RunAsync: true},
	}, nil)
	if err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	c.logger.Debug("Dev server started", zap.String("sandbox_id", sb.ID))
	return nil
}
