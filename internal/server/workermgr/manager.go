// Package workermgr is the central scheduler and supervisor of workers:
// a state machine per worker plus a global health monitor, persisted
// for crash recovery.
package workermgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/bridge/inbox"
	"github.com/claudefleet/fleet/internal/bridge/native"
	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/store"
)

// Spawn failures.
var (
	ErrMaxWorkersReached = errors.New("maximum worker count reached")
	ErrDuplicateHandle   = errors.New("handle already in use")
	ErrSpawnDenied       = errors.New("spawn denied by controller")
	ErrNativeUnavailable = errors.New("native worker binary unavailable")
	ErrInvalidSpawnMode  = errors.New("spawn mode not allowed in native-only mode")
	ErrWorkerNotFound    = errors.New("worker not found")
)

// SpawnDecision is a controller's verdict on a proposed spawn.
type SpawnDecision struct {
	Allowed bool
	Warning string
	Reason  string
}

// SpawnController lets a policy layer veto or track spawns.
type SpawnController interface {
	CheckSpawn(role string, depth int) SpawnDecision
	Register(workerID, handle string)
	Unregister(workerID string)
}

// Options configures a Manager.
type Options struct {
	MaxWorkers       int
	DefaultTeamName  string
	ServerURL        string
	AutoRestart      bool
	UseWorktrees     bool
	WorktreeBaseDir  string
	RepoRoot         string // repository worktrees are cut from; defaults to cwd
	InjectMail       bool
	DefaultSpawnMode string
	NativeOnly       bool
	WorkerBinary     string // agent CLI; defaults to "claude"
	SpawnController  SpawnController
}

// maxRestartAttempts caps automatic restarts per worker.
const maxRestartAttempts = 3

// Manager supervises the live worker pool.
type Manager struct {
	mu       sync.RWMutex
	workers  map[string]*worker // id -> worker
	byHandle map[string]string  // handle -> id

	opts   Options
	store  *store.Store
	events *events.Manager
	inbox  *inbox.Bridge
	native *native.Bridge
	logger *slog.Logger
	now    func() time.Time

	// procCtx parents every worker process; cancelling it is the
	// last-resort kill switch during shutdown.
	procCtx    context.Context
	procCancel context.CancelFunc

	healthStop    chan struct{}
	healthDone    chan struct{}
	healthStarted bool
	closeOnce     sync.Once
}

// New creates a Manager. The native binary is probed once: when present
// it auto-promotes the default spawn mode from process to native.
func New(opts Options, st *store.Store, ev *events.Manager, ib *inbox.Bridge, nb *native.Bridge, logger *slog.Logger) *Manager {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}
	if opts.DefaultSpawnMode == "" {
		opts.DefaultSpawnMode = ModeProcess
	}
	if opts.WorkerBinary == "" {
		opts.WorkerBinary = "claude"
	}
	if opts.DefaultSpawnMode == ModeProcess && nb != nil && nb.Available() {
		logger.Info("native worker binary detected, promoting default spawn mode")
		opts.DefaultSpawnMode = ModeNative
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	return &Manager{
		workers:    make(map[string]*worker),
		byHandle:   make(map[string]string),
		opts:       opts,
		store:      st,
		events:     ev,
		inbox:      ib,
		native:     nb,
		logger:     logger,
		now:        time.Now,
		procCtx:    procCtx,
		procCancel: procCancel,
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
}

// Start launches the background health monitor.
func (m *Manager) Start() {
	m.mu.Lock()
	m.healthStarted = true
	m.mu.Unlock()
	go m.healthLoop()
}

// getWorkerLocked returns nil if the id is unknown. Caller holds m.mu.
func (m *Manager) getWorkerLocked(id string) *worker {
	return m.workers[id]
}

func (m *Manager) get(id string) *worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[id]
}

func (m *Manager) getByHandle(handle string) *worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byHandle[handle]; ok {
		return m.workers[id]
	}
	return nil
}

// GetWorker returns a worker summary by id.
func (m *Manager) GetWorker(id string) (Summary, bool) {
	w := m.get(id)
	if w == nil {
		return Summary{}, false
	}
	return w.summary(), true
}

// GetWorkerByHandle returns a worker summary by handle.
func (m *Manager) GetWorkerByHandle(handle string) (Summary, bool) {
	w := m.getByHandle(handle)
	if w == nil {
		return Summary{}, false
	}
	return w.summary(), true
}

// GetWorkers returns summaries for every live worker.
func (m *Manager) GetWorkers() []Summary {
	m.mu.RLock()
	list := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		list = append(list, w)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, len(list))
	for i, w := range list {
		summaries[i] = w.summary()
	}
	return summaries
}

// GetWorkerCount returns the number of live workers.
func (m *Manager) GetWorkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// GetWorkerOutput returns the last n retained output lines for a
// worker, oldest first. n <= 0 returns the full buffer.
func (m *Manager) GetWorkerOutput(id string, n int) ([]string, error) {
	w := m.get(id)
	if w == nil {
		return nil, ErrWorkerNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 || n > w.recentOutput.Len() {
		n = w.recentOutput.Len()
	}
	return w.recentOutput.Tail(n), nil
}

// HealthStats is a pool-wide health snapshot.
type HealthStats struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// GetHealthStats counts workers per health level.
func (m *Manager) GetHealthStats() HealthStats {
	stats := HealthStats{}
	for _, s := range m.GetWorkers() {
		stats.Total++
		switch s.Health {
		case HealthDegraded:
			stats.Degraded++
		case HealthUnhealthy:
			stats.Unhealthy++
		default:
			stats.Healthy++
		}
	}
	return stats
}

// RestartStats summarizes restart history.
type RestartStats struct {
	Total    int `json:"total"`
	LastHour int `json:"lastHour"`
}

// GetRestartStats returns restart counts, total and within the last hour.
func (m *Manager) GetRestartStats(ctx context.Context) (RestartStats, error) {
	all, err := m.store.ListRestartsSince(ctx, 0)
	if err != nil {
		return RestartStats{}, err
	}
	hourAgo := m.now().Add(-time.Hour).UnixMilli()
	stats := RestartStats{Total: len(all)}
	for _, r := range all {
		if r.RestartedAt >= hourAgo {
			stats.LastHour++
		}
	}
	return stats, nil
}

// RegisterExternalWorker registers a worker whose process lives outside
// the manager. It enters ready immediately; its heartbeat advances only
// through InjectWorkerOutput.
func (m *Manager) RegisterExternalWorker(ctx context.Context, handle, teamName, workingDir, swarmID string) (Summary, error) {
	if teamName == "" {
		teamName = m.opts.DefaultTeamName
	}

	m.mu.Lock()
	if _, exists := m.byHandle[handle]; exists {
		m.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrDuplicateHandle, handle)
	}
	w := m.newWorker(handle, teamName, workingDir, swarmID, ModeExternal)
	w.state = StateReady
	m.workers[w.id] = w
	m.byHandle[handle] = w.id
	m.mu.Unlock()

	if err := m.persistWorker(ctx, w, "running"); err != nil {
		m.logger.Warn("persist external worker failed", "handle", handle, "error", err)
	}
	metrics.ActiveWorkers.Inc()
	m.emit(events.TypeWorkerSpawned, w, nil)
	m.emit(events.TypeWorkerReady, w, nil)
	return w.summary(), nil
}

// InjectWorkerOutput appends a line to a worker's recent output and
// refreshes its heartbeat. Returns false for unknown handles.
func (m *Manager) InjectWorkerOutput(handle, text string) bool {
	w := m.getByHandle(handle)
	if w == nil {
		return false
	}

	w.mu.Lock()
	w.pushOutput(text)
	w.lastHeartbeat = m.now()
	w.health = HealthHealthy
	w.mu.Unlock()

	m.emit(events.TypeWorkerOutput, w, map[string]string{"text": text})
	return true
}

// SendToWorker writes a message line to a worker's stdin. Returns false
// when the worker is stopped, external, or has no stdin.
func (m *Manager) SendToWorker(id, msg string) bool {
	w := m.get(id)
	if w == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped || w.state == StateStopping || w.spawnMode == ModeExternal || w.stdin == nil {
		return false
	}
	if _, err := w.stdin.Write([]byte(msg + "\n")); err != nil {
		m.logger.Warn("stdin write failed", "handle", w.handle, "error", err)
		return false
	}
	return true
}

// Task is a unit of work delivered to a worker.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// DeliverTaskToWorker formats a task, records it as the worker's
// current task, delivers a copy to the worker's inbox, and writes it to
// stdin. Returns false when stdin delivery fails.
func (m *Manager) DeliverTaskToWorker(id string, task Task) bool {
	w := m.get(id)
	if w == nil {
		return false
	}

	w.mu.Lock()
	w.currentTaskID = task.ID
	handle := w.handle
	w.mu.Unlock()

	if m.inbox != nil {
		if err := m.inbox.Send(handle, task); err != nil {
			m.logger.Warn("inbox task delivery failed", "handle", handle, "error", err)
		}
	}

	text := fmt.Sprintf("New task [%s]: %s", task.ID, task.Title)
	if task.Description != "" {
		text += "\n" + task.Description
	}
	return m.SendToWorker(id, text)
}

func (m *Manager) emit(eventType string, w *worker, payload any) {
	if m.events == nil {
		return
	}
	m.events.Emit(events.Event{
		Type:     eventType,
		WorkerID: w.id,
		Handle:   w.handle,
		Payload:  payload,
	})
}

// persistWorker writes the worker's current record with the given
// status.
func (m *Manager) persistWorker(ctx context.Context, w *worker, status string) error {
	s := w.summary()
	rec := &store.Worker{
		ID:             s.ID,
		Handle:         s.Handle,
		TeamName:       s.TeamName,
		Role:           s.Role,
		SwarmID:        s.SwarmID,
		DepthLevel:     s.DepthLevel,
		SpawnMode:      s.SpawnMode,
		Status:         status,
		WorkingDir:     s.WorkingDir,
		WorktreePath:   s.WorktreePath,
		WorktreeBranch: s.WorktreeBranch,
		SessionID:      s.SessionID,
		PID:            s.PID,
		RestartCount:   s.RestartCount,
		SpawnedAt:      s.SpawnedAt,
		LastHeartbeat:  s.LastHeartbeat,
	}
	if _, err := m.store.GetWorker(ctx, s.ID); errors.Is(err, store.ErrNotFound) {
		return m.store.InsertWorker(ctx, rec)
	}
	// Replace wholesale; the record is small and the writer is single.
	if err := m.store.DeleteWorker(ctx, s.ID); err != nil {
		return err
	}
	return m.store.InsertWorker(ctx, rec)
}
