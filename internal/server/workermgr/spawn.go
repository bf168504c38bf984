package workermgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/claudefleet/fleet/internal/gitx"
	"github.com/claudefleet/fleet/internal/logparse"
	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/id"
	"github.com/claudefleet/fleet/internal/server/store"
	"github.com/claudefleet/fleet/internal/util/ringbuf"
)

// SpawnRequest describes a worker to start.
type SpawnRequest struct {
	Handle        string `json:"handle"`
	TeamName      string `json:"teamName,omitempty"`
	WorkingDir    string `json:"workingDir,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	Role          string `json:"role,omitempty"`
	Model         string `json:"model,omitempty"`
	SpawnMode     string `json:"spawnMode,omitempty"`
	SwarmID       string `json:"swarmId,omitempty"`
	DepthLevel    int    `json:"depthLevel,omitempty"`

	restartCount int
}

func (m *Manager) newWorker(handle, teamName, workingDir, swarmID, mode string) *worker {
	now := m.now()
	return &worker{
		id:            id.Generate(),
		handle:        handle,
		teamName:      teamName,
		swarmID:       swarmID,
		spawnMode:     mode,
		state:         StateStarting,
		health:        HealthHealthy,
		workingDir:    workingDir,
		spawnedAt:     now,
		lastHeartbeat: now,
		recentOutput:  ringbuf.New[string](recentOutputCap),
		parser:        logparse.New(),
		done:          make(chan struct{}),
	}
}

// SpawnWorker starts a new worker per the request and returns its
// summary once the process is launched.
func (m *Manager) SpawnWorker(ctx context.Context, req SpawnRequest) (Summary, error) {
	if req.Handle == "" {
		return Summary{}, errors.New("handle is required")
	}
	if req.TeamName == "" {
		req.TeamName = m.opts.DefaultTeamName
	}

	if m.GetWorkerCount() >= m.opts.MaxWorkers {
		return Summary{}, fmt.Errorf("%w (%d)", ErrMaxWorkersReached, m.opts.MaxWorkers)
	}

	if sc := m.opts.SpawnController; sc != nil {
		decision := sc.CheckSpawn(req.Role, req.DepthLevel)
		if !decision.Allowed {
			return Summary{}, fmt.Errorf("%w: %s", ErrSpawnDenied, decision.Reason)
		}
		if decision.Warning != "" {
			m.logger.Warn("spawn allowed with warning", "handle", req.Handle, "warning", decision.Warning)
		}
	}

	if err := m.checkHandleFree(ctx, req.Handle); err != nil {
		return Summary{}, err
	}

	mode, err := m.resolveSpawnMode(req.SpawnMode)
	if err != nil {
		return Summary{}, err
	}

	prompt := m.composePrompt(ctx, req)

	w := m.newWorker(req.Handle, req.TeamName, req.WorkingDir, req.SwarmID, mode)
	w.role = req.Role
	w.depthLevel = req.DepthLevel
	w.sessionID = req.SessionID
	w.restartCount = req.restartCount

	if m.opts.UseWorktrees && req.WorkingDir == "" {
		if err := m.allocateWorktree(w); err != nil {
			return Summary{}, fmt.Errorf("allocate worktree: %w", err)
		}
	}
	if w.workingDir == "" {
		w.workingDir, _ = os.Getwd()
	}

	switch mode {
	case ModeTmux:
		err = m.startTmuxWorker(w, req, prompt)
	default:
		err = m.startProcessWorker(w, req, prompt, mode)
	}
	if err != nil {
		m.cleanupWorktree(w)
		return Summary{}, err
	}

	// The early cap and handle checks ran unlocked; a racing spawn may
	// have won in the meantime, so both are rechecked before insertion.
	m.mu.Lock()
	if _, taken := m.byHandle[w.handle]; taken {
		m.mu.Unlock()
		m.abortSpawn(w, mode)
		return Summary{}, fmt.Errorf("%w: %s", ErrDuplicateHandle, w.handle)
	}
	if len(m.workers) >= m.opts.MaxWorkers {
		m.mu.Unlock()
		m.abortSpawn(w, mode)
		return Summary{}, fmt.Errorf("%w (%d)", ErrMaxWorkersReached, m.opts.MaxWorkers)
	}
	m.workers[w.id] = w
	m.byHandle[w.handle] = w.id
	m.mu.Unlock()

	if err := m.persistWorker(ctx, w, "running"); err != nil {
		m.logger.Warn("persist worker failed", "handle", w.handle, "error", err)
	}
	if sc := m.opts.SpawnController; sc != nil {
		sc.Register(w.id, w.handle)
	}

	metrics.ActiveWorkers.Inc()
	m.emit(events.TypeWorkerSpawned, w, map[string]string{"spawnMode": mode})
	m.logger.Info("worker spawned",
		"handle", w.handle, "id", w.id, "mode", mode, "team", w.teamName)
	return w.summary(), nil
}

// abortSpawn tears down a worker that started but lost the insertion
// race and was never registered.
func (m *Manager) abortSpawn(w *worker, mode string) {
	w.mu.Lock()
	w.stopping = true
	paneID := w.paneID
	proc := w.cmd
	w.mu.Unlock()

	if mode == ModeTmux {
		m.stopTmuxWorker(w, paneID)
	} else if proc != nil && proc.Process != nil {
		m.terminate(proc)
	}
	m.cleanupWorktree(w)
}

// checkHandleFree rejects live duplicates and stale persistent records
// that did not end in dismissed or error; recoverable stale records are
// deleted so the handle can be reused.
func (m *Manager) checkHandleFree(ctx context.Context, handle string) error {
	if m.getByHandle(handle) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, handle)
	}

	rec, err := m.store.GetWorkerByHandle(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != "dismissed" && rec.Status != "error" {
		return fmt.Errorf("%w: %s has a persisted record in status %s", ErrDuplicateHandle, handle, rec.Status)
	}
	return m.store.DeleteWorker(ctx, rec.ID)
}

func (m *Manager) resolveSpawnMode(requested string) (string, error) {
	mode := requested
	if mode == "" {
		mode = m.opts.DefaultSpawnMode
	}
	if m.opts.NativeOnly && mode == ModeProcess {
		return "", ErrInvalidSpawnMode
	}
	if mode == ModeNative && (m.native == nil || m.native.ShouldFallback()) {
		if m.opts.NativeOnly {
			return "", ErrNativeUnavailable
		}
		m.logger.Warn("native worker binary missing, falling back to process mode")
		mode = ModeProcess
	}
	return mode, nil
}

// composePrompt builds the initial prompt: pending mail, role block,
// recent agent memory, then the caller's prompt.
func (m *Manager) composePrompt(ctx context.Context, req SpawnRequest) string {
	var parts []string

	if m.opts.InjectMail && m.inbox != nil {
		if mail, err := m.inbox.Drain(req.Handle); err == nil && len(mail) > 0 {
			var lines []string
			lines = append(lines, "You have pending messages:")
			for _, msg := range mail {
				lines = append(lines, "- "+string(msg))
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}

	if req.Role != "" {
		parts = append(parts, fmt.Sprintf("You are %q on team %q. Your role: %s",
			req.Handle, req.TeamName, req.Role))
	}

	if memory := m.loadMemory(req.Handle); len(memory) > 0 {
		parts = append(parts, "Notes from your previous sessions:\n"+strings.Join(memory, "\n"))
	}

	if req.InitialPrompt != "" {
		parts = append(parts, req.InitialPrompt)
	}

	return strings.Join(parts, "\n\n")
}

// loadMemory returns up to the 10 most recent lines of the handle's
// memory file, if one exists.
func (m *Manager) loadMemory(handle string) []string {
	if m.inbox == nil {
		return nil
	}
	path := filepath.Join(filepath.Dir(m.inbox.DirFor(handle)), "memory.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return lines
}

func (m *Manager) allocateWorktree(w *worker) error {
	repoRoot := m.opts.RepoRoot
	if repoRoot == "" {
		repoRoot, _ = os.Getwd()
	}
	baseDir := m.opts.WorktreeBaseDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "fleet-worktrees")
	}

	branch := fmt.Sprintf("agent/%s-%s", w.handle, id.Short())
	path := filepath.Join(baseDir, w.handle+"-"+id.Short())
	if err := gitx.CreateWorktree(repoRoot, path, branch, "HEAD"); err != nil {
		return err
	}
	w.worktreePath = path
	w.worktreeBranch = branch
	w.workingDir = path
	return nil
}

func (m *Manager) cleanupWorktree(w *worker) {
	w.mu.Lock()
	path := w.worktreePath
	w.mu.Unlock()
	if path == "" {
		return
	}

	repoRoot := m.opts.RepoRoot
	if repoRoot == "" {
		repoRoot, _ = os.Getwd()
	}
	if err := gitx.RemoveWorktree(repoRoot, path); err != nil {
		m.logger.Warn("worktree cleanup failed", "handle", w.handle, "path", path, "error", err)
	}
}

// Initialize restores persisted workers after a server restart. A
// record whose PID is still alive is left alone; one with a session id
// is respawned with resume; anything else is marked error. Orphaned
// worktrees under the worktree base directory are purged.
func (m *Manager) Initialize(ctx context.Context) error {
	records, err := m.store.ListWorkersByStatus(ctx, "running")
	if err != nil {
		return fmt.Errorf("list persisted workers: %w", err)
	}

	for _, rec := range records {
		switch {
		case rec.PID > 0 && processAlive(rec.PID):
			m.logger.Info("persisted worker still running, leaving it",
				"handle", rec.Handle, "pid", rec.PID)

		case rec.SessionID != "":
			m.logger.Info("restoring worker from session", "handle", rec.Handle)
			if err := m.store.UpdateWorkerStatus(ctx, rec.ID, "dismissed"); err != nil {
				m.logger.Warn("mark stale record failed", "handle", rec.Handle, "error", err)
				continue
			}
			_, err := m.SpawnWorker(ctx, SpawnRequest{
				Handle:        rec.Handle,
				TeamName:      rec.TeamName,
				WorkingDir:    rec.WorkingDir,
				SessionID:     rec.SessionID,
				Role:          rec.Role,
				SwarmID:       rec.SwarmID,
				DepthLevel:    rec.DepthLevel,
				SpawnMode:     rec.SpawnMode,
				InitialPrompt: "You were interrupted by a server restart. Review your recent work and continue your previous task.",
				restartCount:  rec.RestartCount,
			})
			if err != nil {
				m.logger.Warn("restore spawn failed", "handle", rec.Handle, "error", err)
			}

		default:
			m.logger.Warn("persisted worker unrecoverable, marking error", "handle", rec.Handle)
			if err := m.store.UpdateWorkerStatus(ctx, rec.ID, "error"); err != nil {
				m.logger.Warn("mark error failed", "handle", rec.Handle, "error", err)
			}
		}
	}

	m.purgeOrphanedWorktrees()
	return nil
}

// purgeOrphanedWorktrees removes worktrees in the base directory that
// no live worker owns.
func (m *Manager) purgeOrphanedWorktrees() {
	baseDir := m.opts.WorktreeBaseDir
	if baseDir == "" {
		return
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}

	owned := make(map[string]bool)
	for _, s := range m.GetWorkers() {
		if s.WorktreePath != "" {
			owned[s.WorktreePath] = true
		}
	}

	repoRoot := m.opts.RepoRoot
	if repoRoot == "" {
		repoRoot, _ = os.Getwd()
	}
	for _, e := range entries {
		path := filepath.Join(baseDir, e.Name())
		if owned[path] || !e.IsDir() {
			continue
		}
		m.logger.Info("purging orphaned worktree", "path", path)
		if err := gitx.RemoveWorktree(repoRoot, path); err != nil {
			m.logger.Warn("purge worktree failed", "path", path, "error", err)
		}
	}
}

// DismissWorker gracefully stops a worker: terminate, force-kill after
// 5 seconds, wait for exit. Unknown ids are a no-op.
func (m *Manager) DismissWorker(ctx context.Context, workerID string, cleanupWorktree bool) error {
	w := m.get(workerID)
	if w == nil {
		return nil
	}
	return m.dismiss(ctx, w, cleanupWorktree)
}

// DismissWorkerByHandle is DismissWorker addressed by handle.
func (m *Manager) DismissWorkerByHandle(ctx context.Context, handle string, cleanupWorktree bool) error {
	w := m.getByHandle(handle)
	if w == nil {
		return nil
	}
	return m.dismiss(ctx, w, cleanupWorktree)
}

func (m *Manager) dismiss(ctx context.Context, w *worker, cleanupWorktree bool) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	w.stopping = true
	mode := w.spawnMode
	paneID := w.paneID
	proc := w.cmd
	w.mu.Unlock()

	switch mode {
	case ModeExternal:
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		if err := m.store.UpdateWorkerStatus(ctx, w.id, "dismissed"); err != nil {
			m.logger.Warn("persist dismissal failed", "handle", w.handle, "error", err)
		}
		m.removeWorker(w)
		m.emit(events.TypeWorkerDismissed, w, nil)
		return nil

	case ModeTmux:
		m.stopTmuxWorker(w, paneID)
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		if err := m.store.UpdateWorkerStatus(ctx, w.id, "dismissed"); err != nil {
			m.logger.Warn("persist dismissal failed", "handle", w.handle, "error", err)
		}
		if cleanupWorktree {
			m.cleanupWorktree(w)
		}
		m.removeWorker(w)
		m.emit(events.TypeWorkerDismissed, w, nil)
		return nil
	}

	if proc == nil || proc.Process == nil {
		m.finishExit(w, 0)
		return nil
	}

	m.terminate(proc)

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("worker did not exit in time, killing", "handle", w.handle)
		_ = proc.Process.Kill()
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("worker %s did not exit after kill", w.handle)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// DismissAll stops the health monitor and dismisses every live worker.
func (m *Manager) DismissAll(ctx context.Context) {
	m.closeOnce.Do(func() { close(m.healthStop) })
	m.mu.RLock()
	started := m.healthStarted
	m.mu.RUnlock()
	if started {
		<-m.healthDone
	}

	for _, s := range m.GetWorkers() {
		if err := m.DismissWorker(ctx, s.ID, true); err != nil {
			m.logger.Warn("dismiss failed during shutdown", "handle", s.Handle, "error", err)
		}
	}

	// Any process still alive after per-worker dismissal gets cut off
	// through the shared parent context.
	m.procCancel()
}

func (m *Manager) removeWorker(w *worker) {
	m.mu.Lock()
	if _, ok := m.workers[w.id]; ok {
		delete(m.workers, w.id)
		delete(m.byHandle, w.handle)
		metrics.ActiveWorkers.Dec()
	}
	m.mu.Unlock()

	if sc := m.opts.SpawnController; sc != nil {
		sc.Unregister(w.id)
	}
}
