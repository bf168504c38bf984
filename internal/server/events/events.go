// Package events provides in-process fan-out of worker lifecycle and
// output events to any number of watchers (websocket clients, bridges,
// the compound runner).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/metrics"
)

// Event types emitted by the worker manager.
const (
	TypeWorkerSpawned   = "worker:spawned"
	TypeWorkerReady     = "worker:ready"
	TypeWorkerWorking   = "worker:working"
	TypeWorkerOutput    = "worker:output"
	TypeWorkerUnhealthy = "worker:unhealthy"
	TypeWorkerRestarted = "worker:restarted"
	TypeWorkerResult    = "worker:result"
	TypeWorkerExit      = "worker:exit"
	TypeWorkerDismissed = "worker:dismissed"
	TypeWorkerError     = "worker:error"
	TypeBlackboardPost  = "blackboard:post"
)

// Event is a single notification. Payload carries type-specific detail
// and is JSON-serializable.
type Event struct {
	Type      string    `json:"type"`
	WorkerID  string    `json:"workerId,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// watchBufferSize bounds each watcher's channel. A slow watcher drops
// events rather than blocking emitters.
const watchBufferSize = 64

type watcher struct {
	id int
	ch chan Event
}

// Manager fans events out to registered watchers.
type Manager struct {
	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int
	logger   *slog.Logger
}

// NewManager creates an empty event manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		watchers: make(map[int]*watcher),
		logger:   logger,
	}
}

// Watch registers a new watcher. The returned channel receives every
// subsequent event until cancel is called. cancel is idempotent.
func (m *Manager) Watch() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &watcher{id: m.nextID, ch: make(chan Event, watchBufferSize)}
	m.nextID++
	m.watchers[w.id] = w

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[w.id]; ok {
				delete(m.watchers, w.id)
				close(w.ch)
			}
		})
	}
	return w.ch, cancel
}

// Emit delivers an event to all watchers. Delivery is non-blocking;
// watchers with full buffers miss the event.
func (m *Manager) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	metrics.WorkerEventsTotal.WithLabelValues(ev.Type).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		select {
		case w.ch <- ev:
		default:
			m.logger.Warn("event watcher buffer full, dropping event",
				"type", ev.Type, "handle", ev.Handle)
		}
	}
}

// WatcherCount returns the number of registered watchers.
func (m *Manager) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}
