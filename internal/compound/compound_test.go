package compound

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudefleet/fleet/internal/gitx"
	"github.com/claudefleet/fleet/internal/tmux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireMissionTools(t *testing.T) {
	t.Helper()
	if !tmux.Available() {
		t.Skip("tmux not installed")
	}
	for _, bin := range []string{"git", "go"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

// initTargetRepo creates a git repository with a go.mod marker so
// project detection resolves to go.
func initTargetRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "fleet@test.local")
	run("config", "user.name", "Fleet Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/target\n\ngo 1.25\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestMissionSimulationSucceeds(t *testing.T) {
	requireMissionTools(t)
	target := initTargetRepo(t)

	// A dirty tree must be stashed for the mission and popped after.
	scratch := filepath.Join(target, "scratch.txt")
	require.NoError(t, os.WriteFile(scratch, []byte("uncommitted\n"), 0o644))

	r, err := NewRunner(Config{
		TargetDir:     target,
		MaxIterations: 2,
		NumWorkers:    2,
		Port:          freePort(t),
		Objective:     "make the tests pass",
		IsLive:        false,
	}, testLogger())
	require.NoError(t, err)

	r.pollInterval = 100 * time.Millisecond
	r.watchInterval = 200 * time.Millisecond
	r.serverTimeout = 15 * time.Second
	r.iterationTimeout = 60 * time.Second
	r.gateRunner = func(context.Context) *Feedback { return &Feedback{} }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	result := r.Run(ctx)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "go", result.ProjectType)
	assert.True(t, strings.HasPrefix(result.Branch, "fleet/fix-"))

	// Git restored: original branch, stash popped.
	branch, err := gitx.CurrentBranch(target)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	data, err := os.ReadFile(scratch)
	require.NoError(t, err)
	assert.Equal(t, "uncommitted\n", string(data))

	// Prompt dir removed, session gone on success.
	_, err = os.Stat(r.promptDir)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, tmux.HasSession(sessionName))
}

func TestMissionRedispatchThenSuccess(t *testing.T) {
	requireMissionTools(t)
	target := initTargetRepo(t)

	r, err := NewRunner(Config{
		TargetDir:     target,
		MaxIterations: 3,
		NumWorkers:    1,
		Port:          freePort(t),
		Objective:     "fix the build",
		IsLive:        false,
	}, testLogger())
	require.NoError(t, err)

	r.pollInterval = 100 * time.Millisecond
	r.watchInterval = 200 * time.Millisecond
	r.serverTimeout = 15 * time.Second
	r.iterationTimeout = 60 * time.Second

	// First gate run fails, second passes.
	calls := 0
	r.gateRunner = func(context.Context) *Feedback {
		calls++
		if calls == 1 {
			return &Feedback{TotalErrors: 2, Gates: []GateResult{
				{Name: "build", Errors: []string{"pkg.go:3: undefined: frob", "pkg.go:9: syntax error"}},
			}}
		}
		return &Feedback{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	result := r.Run(ctx)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, calls)
}

func TestMissionPreflightFailure(t *testing.T) {
	// A plain directory without .git must fail preflight with no
	// partial state.
	r, err := NewRunner(Config{
		TargetDir:     t.TempDir(),
		MaxIterations: 2,
		NumWorkers:    1,
		Port:          freePort(t),
		IsLive:        false,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := r.Run(ctx)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, "none", result.Branch)
	if tmux.Available() {
		assert.False(t, tmux.HasSession(sessionName))
	}
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{MaxIterations: 1, NumWorkers: 1}, testLogger())
	assert.Error(t, err)

	_, err = NewRunner(Config{TargetDir: "/tmp", MaxIterations: 0, NumWorkers: 1}, testLogger())
	assert.Error(t, err)

	_, err = NewRunner(Config{TargetDir: "/tmp", MaxIterations: 1, NumWorkers: 0}, testLogger())
	assert.Error(t, err)
}

func TestDetectProject(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go not installed")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))

	projectType, gates, err := detectProject(dir)
	require.NoError(t, err)
	assert.Equal(t, "go", projectType)
	assert.NotEmpty(t, gates)

	_, _, err = detectProject(t.TempDir())
	assert.Error(t, err)
}

func TestExtractErrors(t *testing.T) {
	out := "compiling\npkg.go:3: undefined: frob\nok\n--- FAIL: TestX\ndone\n"
	errs := extractErrors(out)
	assert.Equal(t, []string{"pkg.go:3: undefined: frob", "--- FAIL: TestX"}, errs)
}

func TestNewLines(t *testing.T) {
	prev := "a\nb"
	cur := "a\nb\nc\nd"
	assert.Equal(t, []string{"c", "d"}, newLines(prev, cur))
	assert.Empty(t, newLines(cur, cur))
}

func TestPromptsAvoidCompletionPhrase(t *testing.T) {
	// Prompt text is echoed into panes; the verbatim phrase would trip
	// the done scan before the worker actually finishes.
	for name, p := range map[string]string{
		"fixer":    fixerPrompt("obj", "fleet/fix-1", "/tmp/s.done"),
		"verifier": verifierPrompt(1, "obj", "fleet/fix-1", "/tmp/s.done"),
		"feedback": feedbackPrompt(2, "obj", "/tmp/s.done", &Feedback{TotalErrors: 1, Gates: []GateResult{{Name: "vet", Errors: []string{"x"}}}}),
	} {
		assert.NotContains(t, p, "TASK COMPLETE", name)
	}
}
