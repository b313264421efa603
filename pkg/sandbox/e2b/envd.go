package e2b

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
)

const (
	envdUser = "user"

	listDirProcedure      = "/filesystem.Filesystem/ListDir"
	startProcessProcedure = "/process.Process/Start"

	devServerLog = "/tmp/dev.log"

	// listDepth bounds the recursive listing of the work dir.
	listDepth = 16
)

// jsonCodec speaks the Connect JSON encoding of the envd messages below.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type listDirRequest struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

type entryInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

type listDirResponse struct {
	Entries []entryInfo `json:"entries"`
}

const fileTypeFile = "FILE_TYPE_FILE"

type processConfig struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Envs map[string]string `json:"envs,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
}

type startRequest struct {
	Process processConfig `json:"process"`
}

type processStart struct {
	PID uint32 `json:"pid"`
}

type processData struct {
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}

type processEnd struct {
	ExitCode int32  `json:"exitCode"`
	Exited   bool   `json:"exited"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type processEvent struct {
	Start *processStart `json:"start,omitempty"`
	Data  *processData  `json:"data,omitempty"`
	End   *processEnd   `json:"end,omitempty"`
}

type startResponse struct {
	Event processEvent `json:"event"`
}

// commandResult is the collected output of a finished process.
type commandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r *commandResult) tail() string {
	return logging.TruncateString(strings.TrimSpace(r.Stderr+r.Stdout), 500)
}

func envdAuthHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(envdUser+":"))
}

func (c *Client) fileURL(sandboxID, p string) string {
	q := url.Values{}
	q.Set("path", c.absPath(p))
	q.Set("username", envdUser)
	return c.envdURL(sandboxID) + "/files?" + q.Encode()
}

func (c *Client) ReadFile(ctx context.Context, sandboxID, p string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(sandboxID, p), nil)
	if err != nil {
		return "", fmt.Errorf("read file: create request: %w", err)
	}
	req.Header.Set("Authorization", envdAuthHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", sandbox.TransportError("read file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", envdStatusError("read file", resp.StatusCode, raw, sandbox.ErrFileNotFound)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", sandbox.TransportError("read file", err)
	}
	return string(data), nil
}

func (c *Client) WriteFile(ctx context.Context, sandboxID, p, content string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(p))
	if err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}
	if _, err := io.WriteString(part, content); err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}
	if err := mw.Close(); err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fileURL(sandboxID, p), &buf)
	if err != nil {
		return &sandbox.WriteError{Path: p, Err: err}
	}
	req.Header.Set("Authorization", envdAuthHeader())
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return &sandbox.WriteError{Path: p, Err: sandbox.TransportError("write file", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &sandbox.WriteError{Path: p, Err: envdStatusError("write file", resp.StatusCode, raw, sandbox.ErrSandboxNotFound)}
	}
	return nil
}

// envdStatusError maps an envd HTTP failure. envd answers 502 when the
// sandbox behind the proxy is gone.
func envdStatusError(op string, code int, body []byte, notFound error) error {
	msg := logging.SanitizeText(string(body))
	if code == http.StatusBadGateway && strings.Contains(strings.ToLower(msg), "sandbox") &&
		strings.Contains(strings.ToLower(msg), "not found") {
		return fmt.Errorf("%s: %w", op, sandbox.ErrSandboxNotFound)
	}
	return sandbox.StatusError(op, code, msg, notFound)
}

// ListFiles lists regular files under the work dir, skipping dependency and build directories.
func (c *Client) ListFiles(ctx context.Context, sandboxID string) ([]string, error) {
	client := connect.NewClient[listDirRequest, listDirResponse](
		c.http, c.envdURL(sandboxID)+listDirProcedure, connect.WithCodec(jsonCodec{}))

	req := connect.NewRequest(&listDirRequest{Path: c.cfg.WorkDir, Depth: listDepth})
	req.Header().Set("Authorization", envdAuthHeader())

	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		if connect.CodeOf(err) == connect.CodeNotFound {
			return []string{}, nil
		}
		return nil, rpcError("list files", err)
	}

	root := strings.TrimRight(c.cfg.WorkDir, "/") + "/"
	files := make([]string, 0, len(resp.Msg.Entries))
	for _, e := range resp.Msg.Entries {
		if e.Type != fileTypeFile {
			continue
		}
		rel := strings.TrimPrefix(e.Path, root)
		if skipped(rel) {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

func skipped(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if sandbox.SkippedDirs[seg] {
			return true
		}
	}
	return false
}

// run executes cmd in the work dir and waits for it to exit.
func (c *Client) run(ctx context.Context, sandboxID, cmd string, envs map[string]string) (*commandResult, error) {
	client := connect.NewClient[startRequest, startResponse](
		c.http, c.envdURL(sandboxID)+startProcessProcedure, connect.WithCodec(jsonCodec{}))

	req := connect.NewRequest(&startRequest{Process: processConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", cmd},
		Envs: envs,
		Cwd:  c.cfg.WorkDir,
	}})
	req.Header().Set("Authorization", envdAuthHeader())

	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return nil, rpcError("run command", err)
	}
	defer stream.Close()

	var stdout, stderr []byte
	var result *commandResult
	for stream.Receive() {
		ev := stream.Msg().Event
		switch {
		case ev.Data != nil:
			stdout = append(stdout, ev.Data.Stdout...)
			stderr = append(stderr, ev.Data.Stderr...)
		case ev.End != nil:
			result = &commandResult{ExitCode: int(ev.End.ExitCode)}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, rpcError("run command", err)
	}
	if result == nil {
		return nil, &sandbox.TransientError{Op: "run command", Err: errors.New("process stream ended without exit event")}
	}
	result.Stdout = string(stdout)
	result.Stderr = string(stderr)
	return result, nil
}

// startBackground launches cmd detached from the envd stream, logging to devServerLog.
func (c *Client) startBackground(ctx context.Context, sandboxID, cmd string, envs map[string]string) error {
	detached := fmt.Sprintf("nohup bash -lc %s > %s 2>&1 &", sandbox.ShellQuote(cmd), devServerLog)
	res, err := c.run(ctx, sandboxID, detached, envs)
	if err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("start dev server: exit code %d: %s", res.ExitCode, res.tail())
	}
	c.logger.Debug("Dev server started", zap.String("sandbox_id", sandboxID))
	return nil
}

// rpcError classifies a Connect failure.
func rpcError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch connect.CodeOf(err) {
	case connect.CodeNotFound:
		return fmt.Errorf("%s: %w", op, sandbox.ErrSandboxNotFound)
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeResourceExhausted,
		connect.CodeAborted, connect.CodeUnknown:
		return &sandbox.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
