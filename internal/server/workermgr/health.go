package workermgr

import (
	"context"
	"time"

	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/events"
)

const (
	healthCheckInterval = 15 * time.Second
	degradedThreshold   = 30 * time.Second
	unhealthyThreshold  = 60 * time.Second

	// heartbeatPersistInterval throttles heartbeat writes per worker.
	heartbeatPersistInterval = 10 * time.Second
)

func (m *Manager) healthLoop() {
	defer close(m.healthDone)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.healthStop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	ctx := context.Background()

	m.mu.RLock()
	list := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		list = append(list, w)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, w := range list {
		w.mu.Lock()
		if w.state == StateStopped || w.state == StateStopping {
			w.mu.Unlock()
			continue
		}

		idle := now.Sub(w.lastHeartbeat)
		prev := w.health
		switch {
		case idle > unhealthyThreshold:
			w.health = HealthUnhealthy
		case idle > degradedThreshold:
			w.health = HealthDegraded
		default:
			w.health = HealthHealthy
		}
		health := w.health
		mode := w.spawnMode
		restarts := w.restartCount
		heartbeat := w.lastHeartbeat

		persist := now.Sub(w.lastPersisted) >= heartbeatPersistInterval
		if persist {
			w.lastPersisted = now
		}
		w.mu.Unlock()

		if persist {
			if err := m.store.UpdateWorkerHeartbeat(ctx, w.id, heartbeat.UnixMilli()); err != nil {
				m.logger.Warn("persist heartbeat failed", "handle", w.handle, "error", err)
			}
		}

		if health == HealthUnhealthy && prev != HealthUnhealthy {
			m.logger.Warn("worker unhealthy", "handle", w.handle, "idle", idle.Round(time.Second))
			m.emit(events.TypeWorkerUnhealthy, w, map[string]any{"idleMs": idle.Milliseconds()})

			if m.opts.AutoRestart && mode != ModeExternal && restarts < maxRestartAttempts {
				if err := m.restart(ctx, w); err != nil {
					m.logger.Error("worker restart failed", "handle", w.handle, "error", err)
				}
			}
		}
	}
}

// restart replaces an unhealthy worker: snapshot its spawn config,
// dismiss it, record the restart, and spawn a successor with the
// counter incremented.
func (m *Manager) restart(ctx context.Context, w *worker) error {
	w.mu.Lock()
	req := SpawnRequest{
		Handle:       w.handle,
		TeamName:     w.teamName,
		WorkingDir:   w.workingDir,
		SessionID:    w.sessionID,
		Role:         w.role,
		SwarmID:      w.swarmID,
		DepthLevel:   w.depthLevel,
		SpawnMode:    w.spawnMode,
		restartCount: w.restartCount + 1,
	}
	if w.worktreePath != "" {
		// The old worktree is removed on exit; the successor gets a
		// fresh one.
		req.WorkingDir = ""
	}
	w.mu.Unlock()

	m.logger.Info("restarting worker", "handle", req.Handle, "attempt", req.restartCount)
	if err := m.dismiss(ctx, w, false); err != nil {
		return err
	}

	if err := m.store.RecordRestart(ctx, w.id, req.Handle, m.now().UnixMilli()); err != nil {
		m.logger.Warn("record restart failed", "handle", req.Handle, "error", err)
	}
	metrics.WorkerRestartsTotal.Inc()

	if req.SessionID != "" {
		req.InitialPrompt = "You were restarted after becoming unresponsive. Continue your previous task."
	}
	summary, err := m.SpawnWorker(ctx, req)
	if err != nil {
		return err
	}

	if nw := m.get(summary.ID); nw != nil {
		m.emit(events.TypeWorkerRestarted, nw, map[string]int{"restartCount": summary.RestartCount})
	}
	return nil
}
