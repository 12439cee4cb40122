package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/migrate"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
)

type testEnv struct {
	Ctx    context.Context
	Box    *outbox.Outbox
	Mem    *remote.MemoryStore
	Clock  *time.Time
	Mirror repo.Repo
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn, Now: func() time.Time { return clock }}
	mem := remote.NewMemoryStore()
	store := remote.NewStore(mem, r, remote.BreakerSettings{ConsecutiveFailures: 1000}, nil)
	box := outbox.New(r, store, nil)
	box.Now = func() time.Time { return clock }
	return testEnv{Ctx: context.Background(), Box: box, Mem: mem, Clock: &clock, Mirror: r}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	box := outbox.New(repo.Repo{}, nil, nil)
	assert.Equal(t, 2*time.Second, box.Backoff(1))
	assert.Equal(t, 4*time.Second, box.Backoff(2))
	assert.Equal(t, 8*time.Second, box.Backoff(3))
	assert.Equal(t, 5*time.Minute, box.Backoff(20))
}

func TestFlushRetriesUntilRemoteReturns(t *testing.T) {
	env := newTestEnv(t)
	task := domain.Task{ID: "x", TeamID: "t1", Title: "queued"}
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskPut, task.ID, task, remote.ErrUnavailable))

	res, err := env.Box.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered, "entry is not due before its backoff")

	env.Mem.SetOffline(true)
	*env.Clock = env.Clock.Add(3 * time.Second)
	res, err = env.Box.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	pending, err := env.Box.Pending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, env.Clock.Add(4*time.Second), pending[0].NextAttemptAt)

	env.Mem.SetOffline(false)
	*env.Clock = env.Clock.Add(5 * time.Second)
	res, err = env.Box.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, env.Mem.Has(remote.CollectionTasks, "x"))

	pending, err = env.Box.Pending(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteSupersedesPendingPut(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Mem.Seed(remote.CollectionTasks, "x", domain.Task{ID: "x"}))
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskPut, "x", domain.Task{ID: "x"}, nil))
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskDelete, "x", nil, nil))

	pending, err := env.Box.Pending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, outbox.KindTaskDelete, pending[0].Kind)

	*env.Clock = env.Clock.Add(time.Minute)
	res, err := env.Box.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, env.Mem.Has(remote.CollectionTasks, "x"))
}

func TestRejectedEntriesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTeamPut, "t1", domain.Team{ID: "t1"}, nil))
	env.Mem.FailNext(&remote.RejectedError{Code: "forbidden"})

	*env.Clock = env.Clock.Add(time.Minute)
	res, err := env.Box.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	pending, _ := env.Box.Pending(env.Ctx)
	assert.Empty(t, pending)
}

func TestSettleRemovesEntry(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindUserPut, "u1", domain.Identity{ID: "u1"}, nil))
	require.NoError(t, env.Box.Settle(env.Ctx, outbox.KindUserPut, "u1"))
	pending, _ := env.Box.Pending(env.Ctx)
	assert.Empty(t, pending)
}

func TestFlushSkipsEntrySettledWhileHeld(t *testing.T) {
	env := newTestEnv(t)
	task := domain.Task{ID: "x", TeamID: "t1", Title: "stale"}
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskPut, task.ID, task, remote.ErrUnavailable))
	*env.Clock = env.Clock.Add(3 * time.Second)

	release := env.Box.Hold(outbox.KindTaskPut, task.ID)
	done := make(chan outbox.FlushResult, 1)
	go func() {
		res, err := env.Box.Flush(env.Ctx)
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.Box.Settle(env.Ctx, outbox.KindTaskPut, task.ID))
	release()

	res := <-done
	assert.Zero(t, res.Delivered)
	assert.Zero(t, env.Mem.CallCount("upsert", remote.CollectionTasks), "a settled entry must not be pushed")
	pending, err := env.Box.Pending(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushSkipsEntryReplacedWhileHeld(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskPut, "x", domain.Task{ID: "x", TeamID: "t1", Title: "v1"}, remote.ErrUnavailable))
	*env.Clock = env.Clock.Add(3 * time.Second)

	release := env.Box.Hold(outbox.KindTaskDelete, "x")
	done := make(chan error, 1)
	go func() {
		_, err := env.Box.Flush(env.Ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.Box.Enqueue(env.Ctx, outbox.KindTaskPut, "x", domain.Task{ID: "x", TeamID: "t1", Title: "v2"}, remote.ErrUnavailable))
	release()
	require.NoError(t, <-done)

	assert.Zero(t, env.Mem.CallCount("upsert", remote.CollectionTasks))
	pending, err := env.Box.Pending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, string(pending[0].Payload), "v2")
}

func TestHoldSerializesOneEntity(t *testing.T) {
	box := outbox.New(repo.Repo{}, nil, nil)
	release := box.Hold(outbox.KindTaskPut, "x")

	other := make(chan struct{})
	go func() {
		box.Hold(outbox.KindTeamPut, "x")()
		close(other)
	}()
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("different family must not wait")
	}

	same := make(chan struct{})
	go func() {
		box.Hold(outbox.KindTaskDelete, "x")()
		close(same)
	}()
	select {
	case <-same:
		t.Fatal("same entity acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-same
}
