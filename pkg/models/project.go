// Package models contains domain types for ekaya-builder.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SandboxProvider names a remote execution backend.
type SandboxProvider string

const (
	// SandboxProviderE2B is the ephemeral, URL-addressable provider.
	SandboxProviderE2B SandboxProvider = "e2b"
	// SandboxProviderDaytona is the persistent, restartable, git-capable provider.
	SandboxProviderDaytona SandboxProvider = "daytona"
)

// Valid reports whether p is a known provider.
func (p SandboxProvider) Valid() bool {
	return p == SandboxProviderE2B || p == SandboxProviderDaytona
}

// ParseSandboxProvider converts a raw provider name.
func ParseSandboxProvider(s string) (SandboxProvider, error) {
	p := SandboxProvider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown sandbox provider %q", s)
	}
	return p, nil
}

// BuildStatus is the coarse lifecycle state shown for a project's sandbox.
type BuildStatus string

const (
	BuildStatusAwaitingSandbox BuildStatus = "AWAITING_SANDBOX"
	BuildStatusInitializing    BuildStatus = "INITIALIZING"
	BuildStatusReady           BuildStatus = "READY"
	BuildStatusError           BuildStatus = "ERROR"
)

// Project is the unit that owns a sandbox and a fragment history.
// At most one of E2BSandboxID and DaytonaSandboxID is set, and it matches SandboxProvider.
type Project struct {
	ID                   uuid.UUID        `json:"id"`
	Name                 string           `json:"name"`
	SandboxProvider      *SandboxProvider `json:"sandbox_provider,omitempty"`
	E2BSandboxID         *string          `json:"e2b_sandbox_id,omitempty"`
	DaytonaSandboxID     *string          `json:"daytona_sandbox_id,omitempty"`
	SandboxURL           *string          `json:"sandbox_url,omitempty"`
	ActiveFragmentID     *uuid.UUID       `json:"active_fragment_id,omitempty"`
	ActiveGitCommit      *string          `json:"active_git_commit,omitempty"`
	GitBranch            *string          `json:"git_branch,omitempty"`
	BuildStatus          BuildStatus      `json:"build_status"`
	BuildStatusUpdatedAt time.Time        `json:"build_status_updated_at"`
	BuildError           *string          `json:"build_error,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// SandboxID returns the handle for the recorded provider, or "" when none is set.
func (p *Project) SandboxID() string {
	if p.SandboxProvider == nil {
		return ""
	}
	switch *p.SandboxProvider {
	case SandboxProviderE2B:
		return deref(p.E2BSandboxID)
	case SandboxProviderDaytona:
		return deref(p.DaytonaSandboxID)
	}
	return ""
}

// URL returns the recorded sandbox URL or "".
func (p *Project) URL() string {
	return deref(p.SandboxURL)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
