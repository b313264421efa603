// Package sandbox defines the provider-neutral contract for remote development
// sandboxes. Every call is remote I/O; implementations hold no per-sandbox state.
package sandbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// Feature names an optional provider capability.
type Feature string

const (
	// FeatureGit means the sandbox holds a git working tree the provider can commit and check out.
	FeatureGit Feature = "git"
	// FeaturePersistentRestart means a stopped sandbox keeps its disk and can be started again.
	FeaturePersistentRestart Feature = "persistentRestart"
)

// Capabilities is the static feature table of a provider.
type Capabilities struct {
	Git               bool
	PersistentRestart bool
	// EphemeralURLs means preview URLs can change between probes and must be refreshed.
	EphemeralURLs bool
}

// Supports reports whether the capability table includes f.
func (c Capabilities) Supports(f Feature) bool {
	switch f {
	case FeatureGit:
		return c.Git
	case FeaturePersistentRestart:
		return c.PersistentRestart
	}
	return false
}

// State is the coarse lifecycle state reported by a probe.
type State string

const (
	StateRunning  State = "running"
	StateStarting State = "starting"
	StateStopped  State = "stopped"
	StateUnknown  State = "unknown"
)

// SandboxStatus is the result of probing a sandbox that exists.
type SandboxStatus struct {
	SandboxID string
	State     State
	URL       string
}

// Healthy reports whether the sandbox can serve requests now.
func (s *SandboxStatus) Healthy() bool {
	return s != nil && s.State == StateRunning
}

// SandboxInfo describes a freshly created sandbox.
type SandboxInfo struct {
	SandboxID string                 `json:"sandbox_id"`
	URL       string                 `json:"url"`
	Provider  models.SandboxProvider `json:"provider"`
	GitBranch string                 `json:"git_branch,omitempty"`
}

// CreateOptions carries template-derived settings for a new sandbox.
type CreateOptions struct {
	Port           int               `validate:"required,min=1,max=65535"`
	DevCommand     string            `validate:"required"`
	InstallCommand string
	EnvVars        map[string]string
	GitBranch      string
}

// CreateRequest asks a provider for a new sandbox seeded with Files.
type CreateRequest struct {
	ProjectID  uuid.UUID `validate:"required"`
	FragmentID *uuid.UUID
	// Template is the provider-side template or snapshot id.
	Template string `validate:"required"`
	Files    models.FileMap
	Options  CreateOptions
}

// DeployResult carries build output. Error is set when the build failed.
type DeployResult struct {
	URL   string `json:"url,omitempty"`
	Logs  string `json:"logs"`
	Error string `json:"error,omitempty"`
}

// CommitRequest describes a commit in a git-capable sandbox.
type CommitRequest struct {
	Message     string `validate:"required"`
	AuthorName  string `validate:"required"`
	AuthorEmail string `validate:"required,email"`
}

// CommitResult identifies a commit made in a sandbox.
type CommitResult struct {
	CommitHash string
	Branch     string
}

// Provider is the contract every sandbox backend implements.
//
// Errors are classified: ErrSandboxNotFound means the sandbox definitively no
// longer exists; *TransientError means the provider could not be reached or
// answered with a retryable status; anything else is permanent.
type Provider interface {
	Name() models.SandboxProvider
	Capabilities() Capabilities
	// WorkDir is the directory relative file paths resolve against.
	WorkDir() string

	// ReadFile returns ErrFileNotFound when the sandbox is alive but the file is missing.
	ReadFile(ctx context.Context, sandboxID, path string) (string, error)
	// WriteFile creates parent directories as needed. Failures are *WriteError.
	WriteFile(ctx context.Context, sandboxID, path, content string) error
	// ListFiles returns work-dir-relative paths of regular files, excluding dependency and build directories.
	ListFiles(ctx context.Context, sandboxID string) ([]string, error)

	CreateSandbox(ctx context.Context, req CreateRequest) (*SandboxInfo, error)
	DeleteSandbox(ctx context.Context, sandboxID string) error
	DescribeSandbox(ctx context.Context, sandboxID string) (*SandboxStatus, error)

	Deploy(ctx context.Context, sandboxID string, projectID uuid.UUID, appName string) (*DeployResult, error)
}

// GitProvider is implemented by providers whose sandboxes hold a git working tree.
type GitProvider interface {
	Provider

	Commit(ctx context.Context, sandboxID string, req CommitRequest) (*CommitResult, error)
	SwitchToCommit(ctx context.Context, sandboxID, commitHash string) error
	StartDevServer(ctx context.Context, sandboxID string) error
	StartStoppedSandbox(ctx context.Context, sandboxID string) (*SandboxStatus, error)
}

// AsGitProvider returns p as a GitProvider when it implements one and its
// capability table advertises git.
func AsGitProvider(p Provider) (GitProvider, bool) {
	g, ok := p.(GitProvider)
	if !ok || !p.Capabilities().Git {
		return nil, false
	}
	return g, true
}

// SkippedDirs are never listed or restored.
var SkippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	".next":        true,
	".cache":       true,
}
