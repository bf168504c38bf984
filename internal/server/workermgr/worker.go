package workermgr

import (
	"os/exec"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/logparse"
	"github.com/claudefleet/fleet/internal/util/ringbuf"
)

// Worker states.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateWorking  = "working"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateError    = "error"
)

// Worker health levels.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Spawn modes.
const (
	ModeProcess  = "process"
	ModeNative   = "native"
	ModeTmux     = "tmux"
	ModeExternal = "external"
)

// recentOutputCap bounds each worker's retained output lines.
const recentOutputCap = 100

// worker is the live runtime record for one managed agent.
type worker struct {
	mu sync.Mutex

	id         string
	handle     string
	teamName   string
	role       string
	swarmID    string
	depthLevel int
	spawnMode  string

	state  string
	health string

	workingDir     string
	worktreePath   string
	worktreeBranch string
	sessionID      string
	paneID         string

	spawnedAt     time.Time
	lastHeartbeat time.Time
	lastPersisted time.Time
	restartCount  int
	currentTaskID string

	recentOutput *ringbuf.Ring[string]
	parser       *logparse.Parser

	cmd      *exec.Cmd
	stdin    writeCloser
	stopping bool
	done     chan struct{}
}

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

func (w *worker) pid() int {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Pid
	}
	return 0
}

// pushOutput appends a line to the worker's bounded recent output.
// Caller holds w.mu.
func (w *worker) pushOutput(line string) {
	w.recentOutput.Push(line)
}

// Summary is the externally visible view of a worker.
type Summary struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	TeamName       string `json:"teamName"`
	Role           string `json:"role,omitempty"`
	SwarmID        string `json:"swarmId,omitempty"`
	DepthLevel     int    `json:"depthLevel"`
	SpawnMode      string `json:"spawnMode"`
	State          string `json:"state"`
	Health         string `json:"health"`
	WorkingDir     string `json:"workingDir,omitempty"`
	WorktreePath   string `json:"worktreePath,omitempty"`
	WorktreeBranch string `json:"worktreeBranch,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	PaneID         string `json:"paneId,omitempty"`
	PID            int    `json:"pid,omitempty"`
	RestartCount   int    `json:"restartCount"`
	CurrentTaskID  string `json:"currentTaskId,omitempty"`
	SpawnedAt      int64  `json:"spawnedAt"`
	LastHeartbeat  int64  `json:"lastHeartbeat"`
}

func (w *worker) summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Summary{
		ID:             w.id,
		Handle:         w.handle,
		TeamName:       w.teamName,
		Role:           w.role,
		SwarmID:        w.swarmID,
		DepthLevel:     w.depthLevel,
		SpawnMode:      w.spawnMode,
		State:          w.state,
		Health:         w.health,
		WorkingDir:     w.workingDir,
		WorktreePath:   w.worktreePath,
		WorktreeBranch: w.worktreeBranch,
		SessionID:      w.sessionID,
		PaneID:         w.paneID,
		PID:            w.pid(),
		RestartCount:   w.restartCount,
		CurrentTaskID:  w.currentTaskID,
		SpawnedAt:      w.spawnedAt.UnixMilli(),
		LastHeartbeat:  w.lastHeartbeat.UnixMilli(),
	}
}
