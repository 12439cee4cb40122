package remote_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/migrate"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
)

func newMirror(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func newStore(t *testing.T) (*remote.Store, *remote.MemoryStore, repo.Repo) {
	t.Helper()
	mem := remote.NewMemoryStore()
	mirror := newMirror(t)
	return remote.NewStore(mem, mirror, remote.BreakerSettings{Timeout: time.Hour}, nil), mem, mirror
}

func TestMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemoryStore()
	require.NoError(t, mem.Upsert(ctx, remote.CollectionTeams, "t1", domain.Team{ID: "t1", Members: []string{"a", "b"}, JoinCode: "ABC123"}))
	require.NoError(t, mem.Upsert(ctx, remote.CollectionTeams, "t2", domain.Team{ID: "t2", Members: []string{"b"}}))

	docs, err := mem.Find(ctx, remote.CollectionTeams, remote.ArrayContains("members", "a"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = mem.Find(ctx, remote.CollectionTeams, remote.ArrayContains("members", "b"))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = mem.Find(ctx, remote.CollectionTeams, remote.FieldEquals("joinCode", "ABC123"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = mem.Find(ctx, remote.CollectionTeams, remote.IDIn([]string{"t2", "missing"}))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	var got domain.Team
	err = mem.Get(ctx, remote.CollectionTeams, "nope", &got)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.NoError(t, mem.Delete(ctx, remote.CollectionTeams, "nope"))
}

func TestMemoryAtomicAppendGuards(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemoryStore()
	require.NoError(t, mem.Seed(remote.CollectionTeams, "t1", domain.Team{ID: "t1", Members: []string{"a"}, JoinCodeUsage: 1}))
	add := func(user string) bool {
		ok, err := mem.AtomicAppend(ctx, remote.CollectionTeams, "t1", remote.Append{Field: "members", Value: user, Counter: "joinCodeUsage", Below: 2})
		require.NoError(t, err)
		return ok
	}
	assert.False(t, add("a"), "existing member must not be re-added")
	assert.True(t, add("b"))
	assert.False(t, add("c"), "ceiling reached")

	var team domain.Team
	require.NoError(t, mem.Peek(remote.CollectionTeams, "t1", &team))
	assert.Equal(t, []string{"a", "b"}, team.Members)
	assert.Equal(t, 2, team.JoinCodeUsage)
}

func TestListTasksFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	require.NoError(t, mem.Seed(remote.CollectionTasks, "x", domain.Task{ID: "x", TeamID: "t1", Title: "remote"}))

	tasks, err := store.ListTasks(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	mem.SetOffline(true)
	tasks, err = store.ListTasks(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "remote", tasks[0].Title)
}

func TestWritesReachMirrorWhenOffline(t *testing.T) {
	ctx := context.Background()
	store, mem, mirror := newStore(t)
	mem.SetOffline(true)
	err := store.PutTask(ctx, domain.Task{ID: "x", TeamID: "t1"})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	tasks, err := mirror.ListTasks(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	mem.SetOffline(true)
	for i := 0; i < 3; i++ {
		_, err := store.ListTeamsForMember(ctx, "u")
		require.ErrorIs(t, err, remote.ErrUnavailable)
	}
	assert.Equal(t, "open", store.BreakerState())

	before := len(mem.Calls())
	mem.SetOffline(false)
	_, err := store.ListTeamsForMember(ctx, "u")
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Equal(t, before, len(mem.Calls()), "open breaker must not reach the store")
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	for i := 0; i < 5; i++ {
		_, err := store.JoinTeam(ctx, "NOPE00", "u", 3)
		require.ErrorIs(t, err, remote.ErrInvalidCode)
		require.ErrorIs(t, err, remote.ErrRejected)
	}
	assert.Equal(t, "closed", store.BreakerState())
}

func TestJoinTeam(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	require.NoError(t, mem.Seed(remote.CollectionTeams, "t1", domain.Team{ID: "t1", Members: []string{"owner"}, AdminIDs: []string{"owner"}, JoinCode: "ABC123"}))

	team, err := store.JoinTeam(ctx, "ABC123", "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner", "u1"}, team.Members)
	assert.Equal(t, 1, team.JoinCodeUsage)

	again, err := store.JoinTeam(ctx, "ABC123", "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, again.JoinCodeUsage, "re-join is idempotent")

	_, err = store.JoinTeam(ctx, "ABC123", "u2", 3)
	require.NoError(t, err)
	_, err = store.JoinTeam(ctx, "ABC123", "u3", 3)
	require.NoError(t, err)
	_, err = store.JoinTeam(ctx, "ABC123", "u4", 3)
	assert.ErrorIs(t, err, remote.ErrCodeExhausted)

	code, ok := remote.RejectionCode(err)
	assert.True(t, ok)
	assert.Equal(t, "code_exhausted", code)
}

func TestConcurrentJoinsRespectCeiling(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	require.NoError(t, mem.Seed(remote.CollectionTeams, "t1", domain.Team{ID: "t1", Members: []string{"owner"}, JoinCode: "RACE01"}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.JoinTeam(ctx, "RACE01", fmt.Sprintf("u%d", i), 3); err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			} else if !errors.Is(err, remote.ErrCodeExhausted) {
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var team domain.Team
	require.NoError(t, mem.Peek(remote.CollectionTeams, "t1", &team))
	assert.Equal(t, 3, joined)
	assert.Equal(t, 3, team.JoinCodeUsage)
	assert.Len(t, team.Members, 4)
}

func TestJoinTeamUnconfigured(t *testing.T) {
	store := remote.NewStore(nil, newMirror(t), remote.BreakerSettings{}, nil)
	_, err := store.JoinTeam(context.Background(), "ABC123", "u", 3)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.False(t, store.Configured())
}

func TestListUsersByIDsBatches(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	require.NoError(t, mem.Seed(remote.CollectionUsers, "a", domain.Identity{ID: "a", Name: "A"}))
	require.NoError(t, mem.Seed(remote.CollectionUsers, "b", domain.Identity{ID: "b", Name: "B"}))

	users, err := store.ListUsersByIDs(ctx, []string{"a", "a", "", "b", "ghost"})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, 1, mem.CallCount("find", remote.CollectionUsers))
}

func TestPersonalWorkspaceNeverWritten(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newStore(t)
	require.NoError(t, store.PutTeam(ctx, domain.PersonalWorkspace(domain.Identity{ID: "u"})))
	assert.Zero(t, mem.CallCount("upsert", ""))
}
