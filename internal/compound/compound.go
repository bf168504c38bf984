// Package compound runs a closed-loop improvement mission against a
// target repository: stage a disposable branch, launch one fixer and
// N-1 verifier panes, run project quality gates, and feed failures back
// into the workers until the gates pass or iterations run out.
package compound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/claudefleet/fleet/internal/gitx"
	"github.com/claudefleet/fleet/internal/server/config"
	"github.com/claudefleet/fleet/internal/tmux"
	"github.com/claudefleet/fleet/internal/util/shellquote"
	"github.com/claudefleet/fleet/server"
)

// Status values for Result.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const sessionName = "fleet-mission"

// Config enumerates one mission.
type Config struct {
	TargetDir     string
	MaxIterations int
	NumWorkers    int
	Port          int
	ServerURL     string
	Objective     string
	AuthSecret    string
	WorkerBinary  string
	// IsLive false replaces every worker pane with a simulation that
	// just prints TASK COMPLETE, and runs the server in-process.
	IsLive bool
}

// Result is the mission outcome.
type Result struct {
	Status      string `json:"status"`
	Iterations  int    `json:"iterations"`
	Branch      string `json:"branch"`
	ProjectType string `json:"projectType"`
}

// Runner executes one mission. One Runner per invocation.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	api    *client

	projectType string
	gates       []Gate

	originalBranch string
	fleetBranch    string
	hasStashed     bool

	promptDir string
	missionID string
	swarmID   string
	handles   []string
	panes     map[string]string

	watchStop chan struct{}
	simCancel context.CancelFunc
	simDone   chan error

	// Tuning knobs, replaced in tests.
	pollInterval     time.Duration
	watchInterval    time.Duration
	serverTimeout    time.Duration
	iterationTimeout time.Duration
	gateRunner       func(ctx context.Context) *Feedback
}

// NewRunner validates the config and prepares a Runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("target dir is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be at least 1")
	}
	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 4199
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	if cfg.WorkerBinary == "" {
		cfg.WorkerBinary = "claude"
	}

	r := &Runner{
		cfg:              cfg,
		logger:           logger,
		api:              newClient(cfg.ServerURL),
		panes:            make(map[string]string),
		watchStop:        make(chan struct{}),
		pollInterval:     500 * time.Millisecond,
		watchInterval:    2 * time.Second,
		serverTimeout:    30 * time.Second,
		iterationTimeout: 30 * time.Minute,
	}
	r.gateRunner = func(ctx context.Context) *Feedback {
		return runGates(ctx, cfg.TargetDir, r.gates)
	}
	return r, nil
}

// Run executes the mission and always returns a Result; errors along
// the way fold into {status: failed}. Cleanup runs on every path, and
// the tmux session is left alive after non-preflight failures so the
// operator can inspect it.
func (r *Runner) Run(ctx context.Context) Result {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := Result{Status: StatusFailed, Iterations: 0, Branch: "none"}

	if err := r.preflight(ctx); err != nil {
		r.logger.Error("preflight failed", "error", err)
		return failed
	}

	projectType, gates, err := detectProject(r.cfg.TargetDir)
	if err != nil {
		r.logger.Error("project detection failed", "error", err)
		return failed
	}
	r.projectType = projectType
	r.gates = gates
	failed.ProjectType = projectType
	r.logger.Info("project detected", "type", projectType, "gates", len(gates))

	if err := r.stageGit(); err != nil {
		r.logger.Error("git staging failed", "error", err)
		return failed
	}
	failed.Branch = r.fleetBranch

	result, err := r.runMission(ctx)
	r.cleanup(result.Status == StatusSucceeded)
	if err != nil {
		r.logger.Error("mission failed", "error", err)
		failed.Iterations = result.Iterations
		return failed
	}
	return result
}

// preflight verifies the environment before any state is touched.
func (r *Runner) preflight(ctx context.Context) error {
	if !tmux.Available() {
		return fmt.Errorf("tmux is not installed")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git is not installed")
	}
	if r.cfg.IsLive {
		if _, err := exec.LookPath(r.cfg.WorkerBinary); err != nil {
			return fmt.Errorf("worker binary %q is not installed", r.cfg.WorkerBinary)
		}
	}
	if info, err := os.Stat(filepath.Join(r.cfg.TargetDir, ".git")); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a git repository", r.cfg.TargetDir)
	}
	if r.api.healthy(ctx) {
		return fmt.Errorf("port %d is already serving a fleet server", r.cfg.Port)
	}
	_ = tmux.KillSession(sessionName)
	return nil
}

// stageGit records the current branch, stashes dirty state, and checks
// out the disposable mission branch.
func (r *Runner) stageGit() error {
	branch, err := gitx.CurrentBranch(r.cfg.TargetDir)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	r.originalBranch = branch

	dirty, err := gitx.IsDirty(r.cfg.TargetDir)
	if err != nil {
		return fmt.Errorf("check working tree: %w", err)
	}
	if dirty {
		if err := gitx.Stash(r.cfg.TargetDir, "fleet mission auto-stash"); err != nil {
			return fmt.Errorf("stash working tree: %w", err)
		}
		r.hasStashed = true
	}

	r.fleetBranch = fmt.Sprintf("fleet/fix-%d", time.Now().Unix())
	if err := gitx.CreateAndCheckout(r.cfg.TargetDir, r.fleetBranch); err != nil {
		r.restoreGit()
		return fmt.Errorf("create mission branch: %w", err)
	}
	return nil
}

func (r *Runner) runMission(ctx context.Context) (Result, error) {
	result := Result{Status: StatusFailed, Branch: r.fleetBranch, ProjectType: r.projectType}

	promptDir, err := os.MkdirTemp("", "fleet-prompts-")
	if err != nil {
		return result, fmt.Errorf("create prompt dir: %w", err)
	}
	r.promptDir = promptDir

	if err := r.createLayout(); err != nil {
		return result, fmt.Errorf("create tmux layout: %w", err)
	}
	if err := r.startServer(ctx); err != nil {
		return result, err
	}
	if err := r.setupMission(ctx); err != nil {
		return result, err
	}
	r.startDashboard()
	if err := r.spawnWorkers(ctx); err != nil {
		return result, err
	}
	r.startOutputWatchers(ctx)

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		result.Iterations = iteration
		r.logger.Info("iteration started", "n", iteration)

		if err := r.waitForWorkers(ctx, iteration); err != nil {
			return result, fmt.Errorf("iteration %d: %w", iteration, err)
		}

		committed, err := gitx.CommitAll(r.cfg.TargetDir, fmt.Sprintf("iteration %d fixes", iteration))
		if err != nil {
			r.logger.Warn("iteration commit failed", "n", iteration, "error", err)
		} else if committed {
			r.logger.Info("iteration committed", "n", iteration)
		}

		fb := r.gateRunner(ctx)
		r.logger.Info("gates finished", "n", iteration, "totalErrors", fb.TotalErrors)
		if fb.TotalErrors == 0 {
			result.Status = StatusSucceeded
			return result, nil
		}
		if iteration < r.cfg.MaxIterations {
			if err := r.redispatch(iteration+1, fb); err != nil {
				return result, fmt.Errorf("redispatch: %w", err)
			}
		}
	}
	return result, fmt.Errorf("quality gates still failing after %d iterations", r.cfg.MaxIterations)
}

// createLayout builds the session: pane 0 for the server, one pane for
// the dashboard, then one pane per worker.
func (r *Runner) createLayout() error {
	if err := tmux.NewSession(sessionName, r.cfg.TargetDir); err != nil {
		return err
	}
	panes, err := tmux.ListPanes(sessionName)
	if err != nil || len(panes) == 0 {
		return fmt.Errorf("list session panes: %w", err)
	}
	r.panes["server"] = panes[0]
	_ = tmux.SetPaneTitle(panes[0], "server")

	dash, err := tmux.SplitPane(panes[0], r.cfg.TargetDir, true)
	if err != nil {
		return fmt.Errorf("split dashboard pane: %w", err)
	}
	r.panes["dashboard"] = dash
	_ = tmux.SetPaneTitle(dash, "dashboard")

	for i := 0; i < r.cfg.NumWorkers; i++ {
		handle := "fixer"
		if i > 0 {
			handle = fmt.Sprintf("verifier-%d", i)
		}
		pane, err := tmux.SplitPane(dash, r.cfg.TargetDir, i%2 == 0)
		if err != nil {
			return fmt.Errorf("split pane for %s: %w", handle, err)
		}
		r.handles = append(r.handles, handle)
		r.panes[handle] = pane
		_ = tmux.SetPaneTitle(pane, handle)
	}
	return nil
}

// startServer launches the orchestration server and waits for its
// health endpoint. Live missions run it in the server pane; simulation
// runs it in-process so nothing outside the test binary is needed.
func (r *Runner) startServer(ctx context.Context) error {
	if r.cfg.IsLive {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own binary: %w", err)
		}
		cmd := shellquote.Join(self, "serve") +
			" --addr " + shellquote.Quote(fmt.Sprintf("127.0.0.1:%d", r.cfg.Port))
		if err := tmux.SendKeys(r.panes["server"], cmd); err != nil {
			return fmt.Errorf("start server pane: %w", err)
		}
	} else {
		dataDir, err := os.MkdirTemp("", "fleet-sim-")
		if err != nil {
			return fmt.Errorf("create simulation data dir: %w", err)
		}
		srv, err := server.New(&config.Config{
			Addr:             fmt.Sprintf("127.0.0.1:%d", r.cfg.Port),
			DataDir:          dataDir,
			AuthSecret:       r.cfg.AuthSecret,
			MaxWorkers:       r.cfg.NumWorkers + 2,
			DefaultTeamName:  "fleet",
			ServerURL:        r.cfg.ServerURL,
			DefaultSpawnMode: "process",
		}, r.logger)
		if err != nil {
			return fmt.Errorf("create simulation server: %w", err)
		}
		simCtx, cancel := context.WithCancel(context.Background())
		r.simCancel = cancel
		r.simDone = make(chan error, 1)
		go func() { r.simDone <- srv.Serve(simCtx) }()
		_ = tmux.SendKeys(r.panes["server"], "echo 'fleet server running in-process (simulation)'")
	}
	return r.waitForServer(ctx)
}

// waitForServer polls the health endpoint with exponential backoff
// until ready. On timeout the server pane's tail is folded into the
// diagnostic.
func (r *Runner) waitForServer(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	deadline := time.Now().Add(r.serverTimeout)
	for {
		if r.api.healthy(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			tail, _ := tmux.CapturePane(r.panes["server"], 20)
			return fmt.Errorf("server not healthy after %s; pane tail:\n%s", r.serverTimeout, tail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// setupMission authenticates and creates the mission swarm.
func (r *Runner) setupMission(ctx context.Context) error {
	if err := r.api.authenticate(ctx, r.cfg.AuthSecret); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	r.missionID = uuid.NewString()
	swarmID, err := r.api.createSwarm(ctx, "mission-"+r.missionID[:8])
	if err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	r.swarmID = swarmID
	return nil
}

func (r *Runner) startDashboard() {
	cmd := fmt.Sprintf("watch -n 2 'curl -s %s/orchestrate/workers'", r.cfg.ServerURL)
	if err := tmux.SendKeys(r.panes["dashboard"], cmd); err != nil {
		r.logger.Warn("dashboard start failed", "error", err)
	}
}

// spawnWorkers writes each worker's prompt file, starts its pane
// command, and registers it with the server.
func (r *Runner) spawnWorkers(ctx context.Context) error {
	for i, handle := range r.handles {
		sentinel := filepath.Join(r.promptDir, doneSentinelName(handle, 1))
		prompt := fixerPrompt(r.cfg.Objective, r.fleetBranch, sentinel)
		if i > 0 {
			prompt = verifierPrompt(i, r.cfg.Objective, r.fleetBranch, sentinel)
		}

		promptPath := filepath.Join(r.promptDir, handle+"-prompt.md")
		if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
			return fmt.Errorf("write prompt for %s: %w", handle, err)
		}

		var cmd string
		if r.cfg.IsLive {
			var err error
			cmd, err = r.writeLiveWrapper(handle, promptPath)
			if err != nil {
				return err
			}
		} else {
			cmd = fmt.Sprintf("echo %s; echo 'TASK COMPLETE'",
				shellquote.Quote("simulated worker "+handle))
		}
		if err := tmux.SendKeys(r.panes[handle], cmd); err != nil {
			return fmt.Errorf("start %s pane: %w", handle, err)
		}

		if err := r.api.registerWorker(ctx, handle, "fleet", r.cfg.TargetDir, r.swarmID); err != nil {
			return fmt.Errorf("register %s: %w", handle, err)
		}
	}
	return nil
}

// writeLiveWrapper writes the MCP config and a shell wrapper that feeds
// the prompt file into the worker CLI, and returns the pane command.
func (r *Runner) writeLiveWrapper(handle, promptPath string) (string, error) {
	mcpPath := filepath.Join(r.promptDir, handle+"-mcp.json")
	if err := os.WriteFile(mcpPath, []byte(mcpConfig(r.cfg.ServerURL, r.api.token)), 0o600); err != nil {
		return "", fmt.Errorf("write mcp config for %s: %w", handle, err)
	}

	script := fmt.Sprintf(`#!/bin/sh
cd %s || exit 1
exec %s --dangerously-skip-permissions --mcp-config %s < %s
`,
		shellquote.Quote(r.cfg.TargetDir),
		shellquote.Quote(r.cfg.WorkerBinary),
		shellquote.Quote(mcpPath),
		shellquote.Quote(promptPath))
	scriptPath := filepath.Join(r.promptDir, handle+".sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("write wrapper for %s: %w", handle, err)
	}
	return shellquote.Quote(scriptPath), nil
}

// startOutputWatchers forwards incremental pane output to the server so
// external heartbeats keep the workers healthy.
func (r *Runner) startOutputWatchers(ctx context.Context) {
	for _, handle := range r.handles {
		go func(handle, pane string) {
			ticker := time.NewTicker(r.watchInterval)
			defer ticker.Stop()
			var lastTail string
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.watchStop:
					return
				case <-ticker.C:
					tail, err := tmux.CapturePane(pane, 30)
					if err != nil || tail == lastTail {
						continue
					}
					for _, line := range newLines(lastTail, tail) {
						_ = r.api.injectOutput(ctx, handle, line)
					}
					lastTail = tail
				}
			}
		}(handle, r.panes[handle])
	}
}

// newLines returns the lines of cur that follow its longest common
// line prefix with prev.
func newLines(prev, cur string) []string {
	prevLines := strings.Split(prev, "\n")
	curLines := strings.Split(cur, "\n")
	common := 0
	for common < len(prevLines) && common < len(curLines) && prevLines[common] == curLines[common] {
		common++
	}
	var out []string
	for _, line := range curLines[common:] {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// waitForWorkers blocks until every worker is done for the iteration.
// Done means the sentinel file exists or the pane tail shows TASK
// COMPLETE after the current iteration banner (iteration 1: anywhere).
func (r *Runner) waitForWorkers(ctx context.Context, iteration int) error {
	deadline := time.Now().Add(r.iterationTimeout)
	banner := iterationBanner(iteration)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workers not done within %s", r.iterationTimeout)
		}
		if !r.api.healthy(ctx) {
			return fmt.Errorf("server became unhealthy while waiting for workers")
		}

		allDone := true
		for _, handle := range r.handles {
			if !r.workerDone(handle, iteration, banner) {
				allDone = false
				break
			}
		}
		if allDone {
			return nil
		}
	}
}

func (r *Runner) workerDone(handle string, iteration int, banner string) bool {
	sentinel := filepath.Join(r.promptDir, doneSentinelName(handle, iteration))
	if _, err := os.Stat(sentinel); err == nil {
		return true
	}

	tail, err := tmux.CapturePane(r.panes[handle], 200)
	if err != nil {
		return false
	}
	if iteration > 1 {
		idx := strings.LastIndex(tail, banner)
		if idx < 0 {
			return false
		}
		tail = tail[idx:]
	}
	return strings.Contains(tail, "TASK COMPLETE")
}

// redispatch sends gate feedback and the next iteration banner into
// every pane.
func (r *Runner) redispatch(iteration int, fb *Feedback) error {
	banner := iterationBanner(iteration)
	for _, handle := range r.handles {
		sentinel := filepath.Join(r.promptDir, doneSentinelName(handle, iteration))
		prompt := feedbackPrompt(iteration, r.cfg.Objective, sentinel, fb)

		promptPath := filepath.Join(r.promptDir, fmt.Sprintf("%s-iter%d-prompt.md", handle, iteration))
		if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
			return fmt.Errorf("write feedback prompt for %s: %w", handle, err)
		}

		var cmd string
		if r.cfg.IsLive {
			cmd = shellquote.Join("cat", promptPath)
		} else {
			cmd = "echo 'TASK COMPLETE'"
		}
		if err := tmux.SendKeys(r.panes[handle], fmt.Sprintf("echo %s; %s", shellquote.Quote(banner), cmd)); err != nil {
			return fmt.Errorf("redispatch to %s: %w", handle, err)
		}
	}
	return nil
}

// restoreGit puts the working tree back on the original branch and
// pops the auto-stash if one was taken.
func (r *Runner) restoreGit() {
	if r.originalBranch == "" {
		return
	}
	current, err := gitx.CurrentBranch(r.cfg.TargetDir)
	if err == nil && current == r.fleetBranch {
		if err := gitx.Checkout(r.cfg.TargetDir, r.originalBranch); err != nil {
			r.logger.Warn("restore branch failed", "branch", r.originalBranch, "error", err)
		}
	}
	if r.hasStashed {
		if err := gitx.StashPop(r.cfg.TargetDir); err != nil {
			r.logger.Warn("stash pop failed", "error", err)
		}
		r.hasStashed = false
	}
}

// cleanup stops watchers, dismisses workers, removes temp state, and
// restores git. The tmux session is only killed on success.
func (r *Runner) cleanup(succeeded bool) {
	close(r.watchStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, handle := range r.handles {
		if err := r.api.dismissWorker(ctx, handle); err != nil {
			r.logger.Debug("dismiss during cleanup failed", "handle", handle, "error", err)
		}
	}

	if r.simCancel != nil {
		r.simCancel()
		select {
		case <-r.simDone:
		case <-time.After(10 * time.Second):
			r.logger.Warn("simulation server did not stop in time")
		}
	}

	if r.promptDir != "" {
		if err := os.RemoveAll(r.promptDir); err != nil {
			r.logger.Warn("remove prompt dir failed", "dir", r.promptDir, "error", err)
		}
	}

	r.restoreGit()

	if succeeded {
		_ = tmux.KillSession(sessionName)
	} else {
		r.logger.Info("tmux session left for inspection", "session", sessionName)
	}
}
