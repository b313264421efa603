// Package e2b implements the ephemeral, URL-addressable sandbox provider:
// a REST control plane plus the in-sandbox envd agent for files and processes.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

// envdPort is the port of the agent running inside every sandbox.
const envdPort = 49983

// seedParallelism bounds concurrent file uploads while seeding a new sandbox.
const seedParallelism = 8

// Config configures the client.
type Config struct {
	APIKey         string
	APIURL         string
	Domain         string
	WorkDir        string
	SandboxTimeout time.Duration
	Deploy         sandbox.DeployConfig
	HTTPClient     *http.Client
}

// Client talks to the control plane and to envd.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	// envdURL builds the agent base URL for a sandbox. Tests replace it.
	envdURL func(sandboxID string) string
}

var _ sandbox.Provider = (*Client)(nil)

// New creates a client.
func New(cfg Config, logger *zap.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.Named("e2b"),
	}
	c.envdURL = func(sandboxID string) string {
		return fmt.Sprintf("https://%d-%s.%s", envdPort, sandboxID, cfg.Domain)
	}
	return c
}

func (c *Client) Name() models.SandboxProvider { return models.SandboxProviderE2B }

// Capabilities: sandboxes are disposable and their URLs are stable for their lifetime.
func (c *Client) Capabilities() sandbox.Capabilities { return sandbox.Capabilities{} }

func (c *Client) WorkDir() string { return c.cfg.WorkDir }

// hostURL is the public URL for a port of a sandbox.
func (c *Client) hostURL(sandboxID string, port int) string {
	return fmt.Sprintf("https://%d-%s.%s", port, sandboxID, c.cfg.Domain)
}

type createSandboxBody struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type sandboxResponse struct {
	SandboxID  string `json:"sandboxID"`
	TemplateID string `json:"templateID"`
	State      string `json:"state"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs a control-plane request. A 404 maps to ErrSandboxNotFound.
func (c *Client) do(ctx context.Context, op, method, p string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIURL, "/")+p, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return sandbox.TransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(raw)
		var parsed apiErrorBody
		if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
		}
		return sandbox.StatusError(op, resp.StatusCode, logging.SanitizeText(msg), sandbox.ErrSandboxNotFound)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// CreateSandbox provisions a sandbox from the template, uploads the files,
// runs the install command and starts the dev server in the background.
// A sandbox that fails to seed is deleted before the error is returned.
func (c *Client) CreateSandbox(ctx context.Context, req sandbox.CreateRequest) (*sandbox.SandboxInfo, error) {
	body := createSandboxBody{
		TemplateID: req.Template,
		Timeout:    int(c.cfg.SandboxTimeout.Seconds()),
		Metadata:   map[string]string{"project_id": req.ProjectID.String()},
		EnvVars:    req.Options.EnvVars,
	}
	if req.FragmentID != nil {
		body.Metadata["fragment_id"] = req.FragmentID.String()
	}

	var created sandboxResponse
	if err := c.do(ctx, "create sandbox", http.MethodPost, "/sandboxes", body, &created); err != nil {
		return nil, err
	}
	c.logger.Info("Sandbox created",
		zap.String("project_id", req.ProjectID.String()),
		zap.String("sandbox_id", created.SandboxID),
		zap.String("template", req.Template))

	if err := c.seed(ctx, created.SandboxID, req); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if delErr := c.DeleteSandbox(cleanupCtx, created.SandboxID); delErr != nil {
			c.logger.Warn("Failed to delete sandbox after seeding failed",
				zap.String("sandbox_id", created.SandboxID),
				zap.Error(delErr))
		}
		return nil, err
	}

	return &sandbox.SandboxInfo{
		SandboxID: created.SandboxID,
		URL:       c.hostURL(created.SandboxID, req.Options.Port),
		Provider:  models.SandboxProviderE2B,
	}, nil
}

func (c *Client) seed(ctx context.Context, sandboxID string, req sandbox.CreateRequest) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedParallelism)
	for p, content := range req.Files {
		if models.IsBinaryPlaceholder(content) {
			continue
		}
		g.Go(func() error {
			return c.WriteFile(gctx, sandboxID, p, content)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("seed files: %w", err)
	}

	if req.Options.InstallCommand != "" {
		res, err := c.run(ctx, sandboxID, req.Options.InstallCommand, nil)
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("install command exited with code %d: %s", res.ExitCode, res.tail())
		}
	}

	return c.startBackground(ctx, sandboxID, req.Options.DevCommand, req.Options.EnvVars)
}

func (c *Client) DeleteSandbox(ctx context.Context, sandboxID string) error {
	err := c.do(ctx, "delete sandbox", http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil)
	if sandbox.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) DescribeSandbox(ctx context.Context, sandboxID string) (*sandbox.SandboxStatus, error) {
	var info sandboxResponse
	if err := c.do(ctx, "describe sandbox", http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID), nil, &info); err != nil {
		return nil, err
	}

	state := sandbox.StateUnknown
	switch info.State {
	case "running":
		state = sandbox.StateRunning
	case "paused":
		state = sandbox.StateStopped
	}
	return &sandbox.SandboxStatus{SandboxID: sandboxID, State: state}, nil
}

// Deploy runs the build command in the work dir.
func (c *Client) Deploy(ctx context.Context, sandboxID string, projectID uuid.UUID, appName string) (*sandbox.DeployResult, error) {
	if c.cfg.Deploy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deploy.Timeout)
		defer cancel()
	}

	c.logger.Info("Deploying",
		zap.String("project_id", projectID.String()),
		zap.String("sandbox_id", sandboxID),
		zap.String("app", appName))

	res, err := c.run(ctx, sandboxID, c.cfg.Deploy.BuildCommand, nil)
	if err != nil {
		return nil, err
	}
	return c.cfg.Deploy.Result(appName, res.ExitCode, res.Stdout+res.Stderr), nil
}

// absPath resolves a work-dir-relative path.
func (c *Client) absPath(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.cfg.WorkDir, p)
}
