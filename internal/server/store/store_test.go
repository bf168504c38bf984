package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func TestWorkerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Worker{
		ID:        "wk1",
		Handle:    "builder",
		TeamName:  "alpha",
		Role:      "implement the parser",
		SpawnMode: "process",
		Status:    "running",
		SpawnedAt: 1000,
	}
	require.NoError(t, s.InsertWorker(ctx, w))

	got, err := s.GetWorkerByHandle(ctx, "builder")
	require.NoError(t, err)
	assert.Equal(t, "wk1", got.ID)
	assert.Equal(t, "alpha", got.TeamName)

	require.NoError(t, s.UpdateWorkerStatus(ctx, "wk1", "dismissed"))
	require.NoError(t, s.UpdateWorkerHeartbeat(ctx, "wk1", 2000))
	require.NoError(t, s.UpdateWorkerSession(ctx, "wk1", "sess-abc", 4242))

	got, err = s.GetWorker(ctx, "wk1")
	require.NoError(t, err)
	assert.Equal(t, "dismissed", got.Status)
	assert.Equal(t, int64(2000), got.LastHeartbeat)
	assert.Equal(t, "sess-abc", got.SessionID)
	assert.Equal(t, 4242, got.PID)

	require.NoError(t, s.DeleteWorker(ctx, "wk1"))
	_, err = s.GetWorker(ctx, "wk1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerHandleUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertWorker(ctx, &Worker{ID: "a", Handle: "dup", SpawnedAt: 1}))
	err := s.InsertWorker(ctx, &Worker{ID: "b", Handle: "dup", SpawnedAt: 2})
	assert.Error(t, err)
}

func TestListWorkersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertWorker(ctx, &Worker{ID: "a", Handle: "w1", Status: "running", SpawnedAt: 1}))
	require.NoError(t, s.InsertWorker(ctx, &Worker{ID: "b", Handle: "w2", Status: "error", SpawnedAt: 2}))

	running, err := s.ListWorkersByStatus(ctx, "running")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "w1", running[0].Handle)

	all, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "w2", all[0].Handle, "newest first")
}

func TestRestartHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRestart(ctx, "wk1", "builder", 100))
	require.NoError(t, s.RecordRestart(ctx, "wk1", "builder", 300))

	records, err := s.ListRestartsSince(ctx, 200)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(300), records[0].RestartedAt)
}

func TestSwarmCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSwarm(ctx, &Swarm{ID: "sw1", Name: "mission", CreatedAt: 1}))

	sw, err := s.GetSwarm(ctx, "sw1")
	require.NoError(t, err)
	assert.Equal(t, "mission", sw.Name)

	_, err = s.GetSwarm(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	swarms, err := s.ListSwarms(ctx)
	require.NoError(t, err)
	assert.Len(t, swarms, 1)
}

func TestBlackboardInsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []*BlackboardMessage{
		{ID: "m1", SwarmID: "sw", SenderHandle: "a", MessageType: "status", Priority: 1, Payload: `{}`, ReadBy: "[]", CreatedAt: 100},
		{ID: "m2", SwarmID: "sw", SenderHandle: "a", MessageType: "status", Priority: 3, Payload: `{}`, ReadBy: "[]", CreatedAt: 50},
		{ID: "m3", SwarmID: "sw", SenderHandle: "a", MessageType: "task", Priority: 1, Payload: `{}`, ReadBy: "[]", CreatedAt: 200, TargetHandle: "bob"},
	}
	for _, m := range msgs {
		require.NoError(t, s.InsertBlackboardMessage(ctx, m))
	}

	all, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m2", all[0].ID, "highest priority first")
	assert.Equal(t, "m3", all[1].ID, "then newest")

	byType, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw", MessageType: "task"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "m3", byType[0].ID)

	// Target filter includes broadcasts plus the named recipient.
	forBob, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw", TargetHandle: "bob"})
	require.NoError(t, err)
	assert.Len(t, forBob, 3)

	forEve, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw", TargetHandle: "eve"})
	require.NoError(t, err)
	assert.Len(t, forEve, 2, "unicast to bob hidden")
}

func TestBlackboardArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBlackboardMessage(ctx, &BlackboardMessage{
		ID: "m1", SwarmID: "sw", SenderHandle: "a", MessageType: "status",
		Payload: `{}`, ReadBy: "[]", CreatedAt: 100,
	}))

	ok, err := s.ArchiveBlackboardMessage(ctx, "m1", 500)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ArchiveBlackboardMessage(ctx, "m1", 600)
	require.NoError(t, err)
	assert.False(t, ok, "already archived")

	live, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw"})
	require.NoError(t, err)
	assert.Empty(t, live)

	withArchived, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, withArchived, 1)
	assert.Equal(t, int64(500), withArchived[0].ArchivedAt)

	archived, err := s.ListArchivedMessages(ctx, "sw")
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	n, err := s.DeleteArchivedMessages(ctx, "sw")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBlackboardArchiveOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBlackboardMessage(ctx, &BlackboardMessage{
		ID: "old", SwarmID: "sw", SenderHandle: "a", MessageType: "status",
		Payload: `{}`, ReadBy: "[]", CreatedAt: 100,
	}))
	require.NoError(t, s.InsertBlackboardMessage(ctx, &BlackboardMessage{
		ID: "new", SwarmID: "sw", SenderHandle: "a", MessageType: "status",
		Payload: `{}`, ReadBy: "[]", CreatedAt: 900,
	}))

	n, err := s.ArchiveOldBlackboardMessages(ctx, "sw", 500, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live, err := s.ListBlackboardMessages(ctx, BlackboardFilter{SwarmID: "sw"})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "new", live[0].ID)
}

func TestBlackboardTypeCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, typ := range []string{"status", "status", "task"} {
		require.NoError(t, s.InsertBlackboardMessage(ctx, &BlackboardMessage{
			ID: string(rune('a' + i)), SwarmID: "sw", SenderHandle: "x",
			MessageType: typ, Payload: `{}`, ReadBy: "[]", CreatedAt: int64(i),
		}))
	}

	counts, err := s.BlackboardTypeCounts(ctx, "sw")
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "status", counts[0].MessageType)
	assert.Equal(t, 2, counts[0].Count)
}
