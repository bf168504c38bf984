package workermgr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudefleet/fleet/internal/bridge/inbox"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/store"
	"github.com/claudefleet/fleet/internal/util/testutil"
)

// fakeAgent mimics the agent CLI: announce a session, stream a few
// events, then block on stdin like a live agent would.
const fakeAgent = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"sess-test"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}'
echo 'plain progress line'
echo '{"type":"result","result":"all done","duration_ms":7}'
echo 'warning: deprecated api' >&2
echo 'real failure' >&2
exec cat >/dev/null
`

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.WorkerBinary == "" {
		opts.WorkerBinary = writeScript(t, fakeAgent)
	}
	if opts.DefaultSpawnMode == "" {
		opts.DefaultSpawnMode = ModeProcess
	}
	if opts.DefaultTeamName == "" {
		opts.DefaultTeamName = "testers"
	}

	m := New(opts, store.New(db), events.NewManager(logger), inbox.New(t.TempDir(), logger), nil, logger)
	t.Cleanup(func() { m.DismissAll(context.Background()) })
	return m
}

func TestSpawnLifecycle(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "builder", Role: "fix the bug"})
	require.NoError(t, err)
	assert.Equal(t, "builder", s.Handle)
	assert.Equal(t, "testers", s.TeamName)
	assert.Equal(t, StateStarting, s.State)

	testutil.RequireEventually(t, func() bool {
		got, ok := m.GetWorkerByHandle("builder")
		return ok && got.SessionID == "sess-test" && got.State == StateReady
	}, "worker never reached ready")

	out, err := m.GetWorkerOutput(s.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "working on it")
	assert.Contains(t, out, "plain progress line")

	// Stderr is kept except deprecation noise.
	testutil.AssertEventually(t, func() bool {
		out, _ := m.GetWorkerOutput(s.ID, 0)
		for _, line := range out {
			if line == "[stderr] real failure" {
				return true
			}
		}
		return false
	}, "stderr line not captured")
	out, _ = m.GetWorkerOutput(s.ID, 0)
	assert.NotContains(t, out, "[stderr] warning: deprecated api")

	require.NoError(t, m.DismissWorker(ctx, s.ID, true))
	assert.Equal(t, 0, m.GetWorkerCount())

	rec, err := m.store.GetWorker(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "dismissed", rec.Status)
}

func TestDuplicateHandle(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "dup"})
	require.NoError(t, err)

	_, err = m.SpawnWorker(ctx, SpawnRequest{Handle: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateHandle)

	// After dismissal the handle is reusable; the stale persisted
	// record is deleted on the next spawn.
	require.NoError(t, m.DismissWorker(ctx, s.ID, true))
	s2, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "dup"})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestAssistantTextRecordedOnce(t *testing.T) {
	m := newTestManager(t, Options{})
	w := m.newWorker("solo", "testers", t.TempDir(), "", ModeProcess)

	m.handleStdoutLine(w, `{"type":"assistant","message":{"content":[{"type":"text","text":"single answer"}]}}`)

	w.mu.Lock()
	out := w.recentOutput.Tail(w.recentOutput.Len())
	state := w.state
	w.mu.Unlock()

	assert.Equal(t, StateWorking, state)
	count := 0
	for _, line := range out {
		if line == "single answer" {
			count++
		}
	}
	assert.Equal(t, 1, count, "assistant text must reach the buffer exactly once")
}

func TestMaxWorkers(t *testing.T) {
	m := newTestManager(t, Options{MaxWorkers: 1})
	ctx := context.Background()

	_, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "one"})
	require.NoError(t, err)

	_, err = m.SpawnWorker(ctx, SpawnRequest{Handle: "two"})
	assert.ErrorIs(t, err, ErrMaxWorkersReached)
}

// gateController parks every spawn inside CheckSpawn until released,
// letting tests line up racing spawns deterministically.
type gateController struct {
	arrived chan struct{}
	release chan struct{}
}

func newGateController() *gateController {
	return &gateController{arrived: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateController) CheckSpawn(role string, depth int) SpawnDecision {
	g.arrived <- struct{}{}
	<-g.release
	return SpawnDecision{Allowed: true}
}
func (g *gateController) Register(workerID, handle string) {}
func (g *gateController) Unregister(workerID string)       {}

func TestConcurrentSpawnsRespectCap(t *testing.T) {
	gate := newGateController()
	m := newTestManager(t, Options{MaxWorkers: 1, SpawnController: gate})

	errs := make(chan error, 2)
	for _, handle := range []string{"left", "right"} {
		go func(handle string) {
			_, err := m.SpawnWorker(context.Background(), SpawnRequest{Handle: handle})
			errs <- err
		}(handle)
	}
	// Both spawns have passed the early capacity check before release.
	<-gate.arrived
	<-gate.arrived
	close(gate.release)

	rejected := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, ErrMaxWorkersReached)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, m.GetWorkerCount())
}

func TestConcurrentSpawnsRejectDuplicateHandle(t *testing.T) {
	gate := newGateController()
	m := newTestManager(t, Options{MaxWorkers: 5, SpawnController: gate})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.SpawnWorker(context.Background(), SpawnRequest{Handle: "twin"})
			errs <- err
		}()
	}
	<-gate.arrived
	<-gate.arrived
	close(gate.release)

	rejected := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, ErrDuplicateHandle)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, m.GetWorkerCount())
}

type denyController struct{}

func (denyController) CheckSpawn(role string, depth int) SpawnDecision {
	return SpawnDecision{Allowed: false, Reason: "depth limit"}
}
func (denyController) Register(workerID, handle string) {}
func (denyController) Unregister(workerID string)      {}

func TestSpawnDenied(t *testing.T) {
	m := newTestManager(t, Options{SpawnController: denyController{}})

	_, err := m.SpawnWorker(context.Background(), SpawnRequest{Handle: "blocked"})
	assert.ErrorIs(t, err, ErrSpawnDenied)
}

func TestNativeOnlyRejectsProcess(t *testing.T) {
	m := newTestManager(t, Options{NativeOnly: true, DefaultSpawnMode: ModeNative})

	_, err := m.SpawnWorker(context.Background(), SpawnRequest{Handle: "p", SpawnMode: ModeProcess})
	assert.ErrorIs(t, err, ErrInvalidSpawnMode)

	// Native requested but no native bridge is wired.
	_, err = m.SpawnWorker(context.Background(), SpawnRequest{Handle: "n", SpawnMode: ModeNative})
	assert.ErrorIs(t, err, ErrNativeUnavailable)
}

func TestExternalWorker(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.RegisterExternalWorker(ctx, "ext", "alpha", t.TempDir(), "sw1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, ModeExternal, s.SpawnMode)

	assert.True(t, m.InjectWorkerOutput("ext", "pane output"))
	assert.False(t, m.InjectWorkerOutput("ghost", "x"))

	out, err := m.GetWorkerOutput(s.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "pane output")

	// Stdin delivery is not possible for external workers.
	assert.False(t, m.SendToWorker(s.ID, "hello"))

	require.NoError(t, m.DismissWorker(ctx, s.ID, true))
	assert.Equal(t, 0, m.GetWorkerCount())
}

func TestSendToWorker(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "talker"})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		got, _ := m.GetWorkerByHandle("talker")
		return got.State == StateReady
	}, "worker never ready")

	assert.True(t, m.SendToWorker(s.ID, "keep going"))
	assert.False(t, m.SendToWorker("unknown", "x"))

	require.NoError(t, m.DismissWorker(ctx, s.ID, true))
	assert.False(t, m.SendToWorker(s.ID, "too late"))
}

func TestDeliverTask(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "tasker"})
	require.NoError(t, err)
	testutil.RequireEventually(t, func() bool {
		got, _ := m.GetWorkerByHandle("tasker")
		return got.State == StateReady
	}, "worker never ready")

	ok := m.DeliverTaskToWorker(s.ID, Task{ID: "t1", Title: "fix tests", Description: "make them green"})
	assert.True(t, ok)

	got, _ := m.GetWorker(s.ID)
	assert.Equal(t, "t1", got.CurrentTaskID)
	assert.Equal(t, 1, m.inbox.Pending("tasker"))
}

func TestUnhealthyWorkerRestarts(t *testing.T) {
	m := newTestManager(t, Options{AutoRestart: true})
	ctx := context.Background()

	s, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "flaky"})
	require.NoError(t, err)
	testutil.RequireEventually(t, func() bool {
		got, _ := m.GetWorkerByHandle("flaky")
		return got.State == StateReady
	}, "worker never ready")

	// Backdate the heartbeat past the unhealthy threshold.
	w := m.get(s.ID)
	require.NotNil(t, w)
	w.mu.Lock()
	w.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	m.checkHealth()

	testutil.RequireEventually(t, func() bool {
		got, ok := m.GetWorkerByHandle("flaky")
		return ok && got.ID != s.ID && got.RestartCount == 1
	}, "worker was not restarted")

	stats, err := m.GetRestartStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.LastHour)
}

func TestRestartCapRespected(t *testing.T) {
	m := newTestManager(t, Options{AutoRestart: true})
	ctx := context.Background()

	_, err := m.SpawnWorker(ctx, SpawnRequest{Handle: "capped"})
	require.NoError(t, err)
	testutil.RequireEventually(t, func() bool {
		got, _ := m.GetWorkerByHandle("capped")
		return got.State == StateReady
	}, "worker never ready")

	w := m.getByHandle("capped")
	w.mu.Lock()
	w.restartCount = maxRestartAttempts
	w.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	m.checkHealth()

	got, ok := m.GetWorkerByHandle("capped")
	require.True(t, ok, "worker must not be dismissed at the cap")
	assert.Equal(t, HealthUnhealthy, got.Health)
	assert.Equal(t, maxRestartAttempts, got.RestartCount)
}

func TestHealthStats(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.RegisterExternalWorker(ctx, "a", "t", "", "")
	require.NoError(t, err)
	_, err = m.RegisterExternalWorker(ctx, "b", "t", "", "")
	require.NoError(t, err)

	w := m.getByHandle("b")
	w.mu.Lock()
	w.lastHeartbeat = time.Now().Add(-45 * time.Second)
	w.mu.Unlock()
	m.checkHealth()

	stats := m.GetHealthStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Healthy)
	assert.Equal(t, 1, stats.Degraded)
}

func TestInitializeMarksUnrecoverable(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	// A crashed worker with no session cannot be resumed.
	require.NoError(t, m.store.InsertWorker(ctx, &store.Worker{
		ID: "dead", Handle: "ghost", Status: "running", SpawnedAt: 1,
	}))

	require.NoError(t, m.Initialize(ctx))

	rec, err := m.store.GetWorker(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, "error", rec.Status)
}

func TestInitializeResumesFromSession(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.store.InsertWorker(ctx, &store.Worker{
		ID: "old", Handle: "resumer", Status: "running",
		SessionID: "sess-old", SpawnedAt: 1,
	}))

	require.NoError(t, m.Initialize(ctx))

	testutil.RequireEventually(t, func() bool {
		got, ok := m.GetWorkerByHandle("resumer")
		return ok && got.State == StateReady
	}, "worker not restored")

	got, _ := m.GetWorkerByHandle("resumer")
	assert.Equal(t, "sess-old", got.SessionID, "session id survives restore")
}

func TestRoutingRecommendation(t *testing.T) {
	m := newTestManager(t, Options{})

	assert.Nil(t, m.GetRoutingRecommendation("  "))

	rec := m.GetRoutingRecommendation("fix typo in readme")
	require.NotNil(t, rec)
	assert.Equal(t, "trivial", rec.Complexity)
	assert.Equal(t, "single", rec.Strategy)

	rec = m.GetRoutingRecommendation("refactor the storage layer and migrate the schema across the entire codebase for performance")
	require.NotNil(t, rec)
	assert.Equal(t, "complex", rec.Complexity)
	assert.Equal(t, "swarm", rec.Strategy)
}

func TestGetWorkers(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.RegisterExternalWorker(ctx, "a", "t", "", "")
	require.NoError(t, err)
	_, err = m.RegisterExternalWorker(ctx, "b", "t", "", "")
	require.NoError(t, err)

	assert.Len(t, m.GetWorkers(), 2)
	assert.Equal(t, 2, m.GetWorkerCount())

	_, ok := m.GetWorker("nope")
	assert.False(t, ok)
}
