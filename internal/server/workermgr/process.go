package workermgr

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/claudefleet/fleet/internal/bridge/native"
	"github.com/claudefleet/fleet/internal/logparse"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/tmux"
	"github.com/claudefleet/fleet/internal/util/shellquote"
)

// scannerBufferSize accommodates very long NDJSON lines from the agent.
const scannerBufferSize = 16 * 1024 * 1024

// workerArgs builds the agent CLI arguments for NDJSON streaming mode.
// The composed prompt travels over stdin, not argv.
func workerArgs(req SpawnRequest) []string {
	args := []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

func (m *Manager) startProcessWorker(w *worker, req SpawnRequest, prompt, mode string) error {
	var cmd *exec.Cmd
	if mode == ModeNative {
		dirs, err := m.native.PrepareWorkspace(w.handle)
		if err != nil {
			return err
		}
		cmd, err = m.native.BuildCommand(m.procCtx, native.EnvParams{
			AgentID:   w.id,
			TeamName:  w.teamName,
			AgentName: w.handle,
			AgentType: w.role,
			InboxDir:  dirs.Inbox,
		}, w.workingDir)
		if err != nil {
			return err
		}
	} else {
		cmd = exec.CommandContext(m.procCtx, m.opts.WorkerBinary, workerArgs(req)...)
		cmd.Dir = w.workingDir
		cmd.Env = append(os.Environ(), "FORCE_COLOR=0")
	}

	// SIGTERM first so the agent can flush; hard kill follows if it
	// lingers past WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin

	if prompt != "" {
		if _, err := stdin.Write([]byte(prompt + "\n")); err != nil {
			m.logger.Warn("initial prompt write failed", "handle", w.handle, "error", err)
		}
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
		for scanner.Scan() {
			m.handleStdoutLine(w, scanner.Text())
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
		for scanner.Scan() {
			m.handleStderrLine(w, scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		m.finishExit(w, code)
		close(w.done)
	}()

	return nil
}

// handleStdoutLine feeds one stdout line through the worker's parser
// and applies the resulting events.
func (m *Manager) handleStdoutLine(w *worker, line string) {
	w.mu.Lock()
	evs := w.parser.ParseBatch(line + "\n")
	plain := w.parser.DrainOutput()
	for _, p := range plain {
		w.pushOutput(p)
	}
	w.mu.Unlock()

	for _, ev := range evs {
		m.applyEvent(w, ev)
	}
}

func (m *Manager) applyEvent(w *worker, ev logparse.Event) {
	ctx := context.Background()

	w.mu.Lock()
	w.lastHeartbeat = m.now()
	w.health = HealthHealthy

	var becameReady bool
	switch ev.EventType {
	case logparse.EventSystem:
		if ev.Subtype == "init" && ev.SessionID != "" {
			if w.sessionID == "" {
				w.sessionID = ev.SessionID
			}
			w.state = StateReady
			becameReady = true
		}
	case logparse.EventAssistant:
		// Output text reaches the buffer via the parser's plain-output
		// drain in handleStdoutLine; only the state changes here.
		w.state = StateWorking
	case logparse.EventResult:
		w.state = StateReady
	}
	sessionID := w.sessionID
	w.mu.Unlock()

	if becameReady {
		if err := m.store.UpdateWorkerSession(ctx, w.id, sessionID, w.pid()); err != nil {
			m.logger.Warn("persist session failed", "handle", w.handle, "error", err)
		}
		m.emit(events.TypeWorkerReady, w, map[string]string{"sessionId": sessionID})
	}
	if ev.EventType == logparse.EventAssistant {
		m.emit(events.TypeWorkerWorking, w, nil)
	}
	if ev.EventType == logparse.EventResult {
		m.emit(events.TypeWorkerResult, w, map[string]any{
			"text":       ev.Text,
			"durationMs": ev.DurationMS,
			"isError":    ev.IsError,
		})
	}
	m.emit(events.TypeWorkerOutput, w, ev)
}

// handleStderrLine keeps stderr noise out of the output buffer except
// for real diagnostics.
func (m *Manager) handleStderrLine(w *worker, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.Contains(trimmed, "deprecated") {
		return
	}

	w.mu.Lock()
	w.pushOutput("[stderr] " + trimmed)
	w.mu.Unlock()

	m.emit(events.TypeWorkerError, w, map[string]string{"text": trimmed})
}

// finishExit records a worker process exit: a requested stop or a clean
// exit persists as dismissed, anything else as error.
func (m *Manager) finishExit(w *worker, code int) {
	ctx := context.Background()

	w.mu.Lock()
	wasStopping := w.stopping
	w.state = StateStopped
	hasWorktree := w.worktreePath != ""
	w.mu.Unlock()

	clean := wasStopping || code == 0
	status := "error"
	if clean {
		status = "dismissed"
	}
	if err := m.store.UpdateWorkerStatus(ctx, w.id, status); err != nil {
		m.logger.Warn("persist exit status failed", "handle", w.handle, "error", err)
	}
	if clean && hasWorktree {
		m.cleanupWorktree(w)
	}

	m.emit(events.TypeWorkerExit, w, map[string]int{"code": code})
	if clean {
		m.emit(events.TypeWorkerDismissed, w, nil)
	}
	m.removeWorker(w)
	m.logger.Info("worker exited", "handle", w.handle, "code", code, "status", status)
}

func (m *Manager) terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// startTmuxWorker launches the agent CLI inside a dedicated tmux
// session; the session name doubles as the pane identifier.
func (m *Manager) startTmuxWorker(w *worker, req SpawnRequest, prompt string) error {
	if !tmux.Available() {
		return tmux.ErrNotInstalled
	}

	session := "fleet-" + w.handle
	_ = tmux.KillSession(session)
	if err := tmux.NewSession(session, w.workingDir); err != nil {
		return err
	}
	_ = tmux.SetPaneTitle(session, w.handle)

	command := shellquote.Join(append([]string{m.opts.WorkerBinary}, workerArgs(req)...)...)
	if prompt != "" {
		command = fmt.Sprintf("printf '%%s\\n' %s | %s", shellquote.Quote(prompt), command)
	}
	if err := tmux.SendKeys(session, command); err != nil {
		_ = tmux.KillSession(session)
		return err
	}

	w.paneID = session
	return nil
}

func (m *Manager) stopTmuxWorker(w *worker, paneID string) {
	if paneID == "" {
		return
	}
	if err := tmux.KillSession(paneID); err != nil {
		m.logger.Warn("kill tmux session failed", "handle", w.handle, "error", err)
	}
}

// processAlive reports whether a PID refers to a live process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
