// Package native locates the native worker binary and prepares the
// per-agent workspace and environment it runs with.
package native

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultBinary is the worker binary probed for on PATH.
const DefaultBinary = "claude-team"

// Bridge prepares native worker spawns.
type Bridge struct {
	binary    string
	serverURL string
	baseDir   string
}

// New creates a Bridge. binary overrides the probed executable name
// when non-empty; baseDir roots the per-agent directories.
func New(binary, serverURL, baseDir string) *Bridge {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Bridge{binary: binary, serverURL: serverURL, baseDir: baseDir}
}

// BinaryPath resolves the worker binary on PATH.
func (b *Bridge) BinaryPath() (string, error) {
	return exec.LookPath(b.binary)
}

// Available reports whether the native worker binary is installed.
func (b *Bridge) Available() bool {
	_, err := b.BinaryPath()
	return err == nil
}

// ShouldFallback reports whether the manager should degrade a native
// spawn to the default mode.
func (b *Bridge) ShouldFallback() bool {
	return !b.Available()
}

// AgentDirs is a worker's prepared filesystem workspace.
type AgentDirs struct {
	Root  string
	Inbox string
}

// PrepareWorkspace creates the per-agent directory tree for a handle.
func (b *Bridge) PrepareWorkspace(handle string) (*AgentDirs, error) {
	root := filepath.Join(b.baseDir, "agents", handle)
	inbox := filepath.Join(root, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return nil, fmt.Errorf("prepare agent workspace: %w", err)
	}
	return &AgentDirs{Root: root, Inbox: inbox}, nil
}

// EnvParams identifies the worker an environment is built for.
type EnvParams struct {
	AgentID   string
	TeamName  string
	AgentName string
	AgentType string
	InboxDir  string
}

// Env returns the process environment for a native worker: the current
// environment extended with the fleet agent variables.
func (b *Bridge) Env(p EnvParams) []string {
	return append(os.Environ(),
		"FLEET_AGENT_ID="+p.AgentID,
		"FLEET_TEAM_NAME="+p.TeamName,
		"FLEET_AGENT_NAME="+p.AgentName,
		"FLEET_AGENT_TYPE="+p.AgentType,
		"FLEET_SERVER_URL="+b.serverURL,
		"FLEET_INBOX_DIR="+p.InboxDir,
		"FORCE_COLOR=0",
	)
}

// BuildCommand constructs the exec.Cmd for a native worker, bound to
// ctx so cancellation tears the process down. The caller owns starting
// and supervising it.
func (b *Bridge) BuildCommand(ctx context.Context, p EnvParams, workingDir string) (*exec.Cmd, error) {
	path, err := b.BinaryPath()
	if err != nil {
		return nil, fmt.Errorf("native worker binary %q not found: %w", b.binary, err)
	}
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = workingDir
	cmd.Env = b.Env(p)
	return cmd, nil
}
