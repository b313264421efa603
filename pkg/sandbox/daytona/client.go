// Package daytona implements the persistent, git-capable sandbox provider.
// Sandboxes survive stops; the work dir is a git working tree whose commits
// back git fragments.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

// Labels persisted on the sandbox so restarts need no local state.
const (
	labelProjectID  = "ekaya.project_id"
	labelDevCommand = "ekaya.dev_command"
	labelPort       = "ekaya.port"
	labelBranch     = "ekaya.branch"
)

const devSessionID = "ekaya-dev"

// Config configures the client.
type Config struct {
	APIKey          string
	APIURL          string
	Target          string
	WorkDir         string
	AutoStopMinutes int
	GitBranch       string
	Deploy          sandbox.DeployConfig
	HTTPClient      *http.Client
	// PollInterval paces StartStoppedSandbox while the sandbox boots.
	PollInterval time.Duration
}

// Client talks to the Daytona control plane and toolbox API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ sandbox.GitProvider = (*Client)(nil)

// New creates a client.
func New(cfg Config, logger *zap.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.GitBranch == "" {
		cfg.GitBranch = "main"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.Named("daytona"),
	}
}

func (c *Client) Name() models.SandboxProvider { return models.SandboxProviderDaytona }

// Capabilities: git working tree, restart with disk kept, preview URLs that rotate.
func (c *Client) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Git: true, PersistentRestart: true, EphemeralURLs: true}
}

func (c *Client) WorkDir() string { return c.cfg.WorkDir }

type apiErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// request describes one API call. Query is appended to the path.
type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        any
	rawBody     io.Reader
	contentType string
	// notFound is returned for 404; defaults to ErrSandboxNotFound.
	notFound error
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	u := strings.TrimRight(c.cfg.APIURL, "/") + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	reader := r.rawBody
	contentType := r.contentType
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", r.op, err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", r.op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return sandbox.TransportError(r.op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(raw)
		var parsed apiErrorBody
		if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
		}
		notFound := r.notFound
		if notFound == nil {
			notFound = sandbox.ErrSandboxNotFound
		}
		return sandbox.StatusError(r.op, resp.StatusCode, logging.SanitizeText(msg), notFound)
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return sandbox.TransportError(r.op, err)
		}
		*v = data
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", r.op, err)
		}
		return nil
	}
}

type createSandboxBody struct {
	Snapshot         string            `json:"snapshot,omitempty"`
	Target           string            `json:"target,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	AutoStopInterval int               `json:"autoStopInterval"`
}

type sandboxResponse struct {
	ID     string            `json:"id"`
	State  string            `json:"state"`
	Labels map[string]string `json:"labels"`
}

type previewURLResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

func mapState(s string) sandbox.State {
	switch s {
	case "started":
		return sandbox.StateRunning
	case "starting", "creating", "restoring", "pulling_snapshot":
		return sandbox.StateStarting
	case "stopped", "archived", "stopping":
		return sandbox.StateStopped
	}
	return sandbox.StateUnknown
}

func sandboxPath(id string, parts ...string) string {
	p := "/sandbox/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) get(ctx context.Context, sandboxID string) (*sandboxResponse, error) {
	var sb sandboxResponse
	if err := c.do(ctx, request{op: "describe sandbox", method: http.MethodGet, path: sandboxPath(sandboxID)}, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) previewURL(ctx context.Context, sb *sandboxResponse) (string, error) {
	port := sb.Labels[labelPort]
	if port == "" {
		return "", nil
	}
	var preview previewURLResponse
	err := c.do(ctx, request{
		op:     "preview url",
		method: http.MethodGet,
		path:   sandboxPath(sb.ID, "ports", port, "preview-url"),
	}, &preview)
	if err != nil {
		return "", err
	}
	return preview.URL, nil
}

// CreateSandbox provisions a sandbox, seeds the work dir, makes the initial
// commit and starts the dev server. A sandbox that fails to seed is deleted.
func (c *Client) CreateSandbox(ctx context.Context, req sandbox.CreateRequest) (*sandbox.SandboxInfo, error) {
	branch := req.Options.GitBranch
	if branch == "" {
		branch = c.cfg.GitBranch
	}

	body := createSandboxBody{
		Snapshot: req.Template,
		Target:   c.cfg.Target,
		Env:      req.Options.EnvVars,
		Labels: map[string]string{
			labelProjectID:  req.ProjectID.String(),
			labelDevCommand: req.Options.DevCommand,
			labelPort:       strconv.Itoa(req.Options.Port),
			labelBranch:     branch,
		},
		AutoStopInterval: c.cfg.AutoStopMinutes,
	}

	var created sandboxResponse
	if err := c.do(ctx, request{op: "create sandbox", method: http.MethodPost, path: "/sandbox", body: body}, &created); err != nil {
		return nil, err
	}
	if created.Labels == nil {
		created.Labels = body.Labels
	}
	c.logger.Info("Sandbox created",
		zap.String("project_id", req.ProjectID.String()),
		zap.String("sandbox_id", created.ID),
		zap.String("snapshot", req.Template))

	previewURL, err := c.seed(ctx, &created, branch, req)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if delErr := c.DeleteSandbox(cleanupCtx, created.ID); delErr != nil {
			c.logger.Warn("Failed to delete sandbox after seeding failed",
				zap.String("sandbox_id", created.ID),
				zap.Error(delErr))
		}
		return nil, err
	}

	return &sandbox.SandboxInfo{
		SandboxID: created.ID,
		URL:       previewURL,
		Provider:  models.SandboxProviderDaytona,
		GitBranch: branch,
	}, nil
}

func (c *Client) seed(ctx context.Context, sb *sandboxResponse, branch string, req sandbox.CreateRequest) (string, error) {
	for _, p := range req.Files.Paths() {
		content := req.Files[p]
		if models.IsBinaryPlaceholder(content) {
			continue
		}
		if err := c.WriteFile(ctx, sb.ID, p, content); err != nil {
			return "", fmt.Errorf("seed files: %w", err)
		}
	}

	initCmd := fmt.Sprintf("git init -q -b %s 2>/dev/null || git init -q", sandbox.ShellQuote(branch))
	if _, err := c.execOK(ctx, sb.ID, initCmd, 0); err != nil {
		return "", fmt.Errorf("git init: %w", err)
	}
	if _, err := c.Commit(ctx, sb.ID, sandbox.CommitRequest{
		Message:     "Initial fragment",
		AuthorName:  "ekaya",
		AuthorEmail: "builder@ekaya.ai",
	}); err != nil {
		return "", fmt.Errorf("initial commit: %w", err)
	}

	if req.Options.InstallCommand != "" {
		if _, err := c.execOK(ctx, sb.ID, req.Options.InstallCommand, 0); err != nil {
			return "", fmt.Errorf("install: %w", err)
		}
	}

	if err := c.startDevServer(ctx, sb); err != nil {
		return "", err
	}
	return c.previewURL(ctx, sb)
}

func (c *Client) DeleteSandbox(ctx context.Context, sandboxID string) error {
	err := c.do(ctx, request{op: "delete sandbox", method: http.MethodDelete, path: sandboxPath(sandboxID)}, nil)
	if sandbox.IsNotFound(err) {
		return nil
	}
	return err
}

// DescribeSandbox probes the sandbox. Running sandboxes report their current preview URL.
func (c *Client) DescribeSandbox(ctx context.Context, sandboxID string) (*sandbox.SandboxStatus, error) {
	sb, err := c.get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	status := &sandbox.SandboxStatus{SandboxID: sandboxID, State: mapState(sb.State)}
	if status.State == sandbox.StateRunning {
		if status.URL, err = c.previewURL(ctx, sb); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// StartStoppedSandbox starts the sandbox, waits until it runs and restarts the dev server.
func (c *Client) StartStoppedSandbox(ctx context.Context, sandboxID string) (*sandbox.SandboxStatus, error) {
	if err := c.do(ctx, request{op: "start sandbox", method: http.MethodPost, path: sandboxPath(sandboxID, "start")}, nil); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var sb *sandboxResponse
	for {
		var err error
		sb, err = c.get(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		if state := mapState(sb.State); state == sandbox.StateRunning {
			break
		} else if sb.State == "error" || sb.State == "build_failed" {
			return nil, &sandbox.APIError{Op: "start sandbox", StatusCode: http.StatusConflict, Message: "sandbox entered state " + sb.State}
		}

		select {
		case <-ctx.Done():
			return nil, &sandbox.TransientError{Op: "start sandbox", Err: ctx.Err()}
		case <-ticker.C:
		}
	}

	if err := c.startDevServer(ctx, sb); err != nil {
		return nil, err
	}
	previewURL, err := c.previewURL(ctx, sb)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Sandbox restarted", zap.String("sandbox_id", sandboxID))
	return &sandbox.SandboxStatus{SandboxID: sandboxID, State: sandbox.StateRunning, URL: previewURL}, nil
}

// Deploy runs the build command in the work dir.
func (c *Client) Deploy(ctx context.Context, sandboxID string, projectID uuid.UUID, appName string) (*sandbox.DeployResult, error) {
	c.logger.Info("Deploying",
		zap.String("project_id", projectID.String()),
		zap.String("sandbox_id", sandboxID),
		zap.String("app", appName))

	res, err := c.exec(ctx, sandboxID, c.cfg.Deploy.BuildCommand, c.cfg.Deploy.Timeout)
	if err != nil {
		return nil, err
	}
	return c.cfg.Deploy.Result(appName, res.ExitCode, res.Result), nil
}

func (c *Client) absPath(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.cfg.WorkDir, p)
}
