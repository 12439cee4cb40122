package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/migrate"
	"tasksetu/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return repo.Repo{DB: conn, Now: func() time.Time { return now }}, context.Background()
}

func TestMigrateIsIdempotent(t *testing.T) {
	r, _ := newTestRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(r.DB)
	if err != nil {
		t.Fatal(err)
	}
	latest, _ := migrate.Latest()
	if v != latest {
		t.Fatalf("version %d, want %d", v, latest)
	}
}

func TestReplaceAndPutTasksKeepOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	tasks := []domain.Task{{ID: "a", TeamID: "t1", Title: "A"}, {ID: "b", TeamID: "t1", Title: "B"}}
	if err := r.ReplaceTeamTasks(ctx, "t1", tasks); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := r.PutTask(ctx, domain.Task{ID: "c", TeamID: "t1", Title: "C"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.PutTask(ctx, domain.Task{ID: "b", TeamID: "t1", Title: "B2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.ListTasks(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "c" || got[1].ID != "a" || got[2].Title != "B2" {
		t.Fatalf("unexpected order: %+v", got)
	}

	if err := r.ReplaceTeamTasks(ctx, "t1", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.ListTasks(ctx, "t1"); len(got) != 0 {
		t.Fatalf("expected empty mirror, got %d", len(got))
	}
	if err := r.DeleteTask(ctx, "a"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdentityState(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.LoadIdentity(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.SaveIdentity(ctx, domain.Identity{ID: "u1", Name: "Asha"}); err != nil {
		t.Fatal(err)
	}
	id, err := r.LoadIdentity(ctx)
	if err != nil || id.Name != "Asha" {
		t.Fatalf("load identity: %+v %v", id, err)
	}
	if err := r.ClearIdentity(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadIdentity(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("identity should be cleared, got %v", err)
	}
}

func TestOutboxUpsertReplacesPerEntity(t *testing.T) {
	r, ctx := newTestRepo(t)
	first := repo.OutboxEntry{ID: "o1", Kind: "task.put", Family: "task", EntityID: "x", Payload: json.RawMessage(`{"v":1}`)}
	if err := r.UpsertOutbox(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := r.RescheduleOutbox(ctx, "o1", 2, "offline", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	second := repo.OutboxEntry{ID: "o2", Kind: "task.delete", Family: "task", EntityID: "x", Payload: json.RawMessage(`{}`)}
	if err := r.UpsertOutbox(ctx, second); err != nil {
		t.Fatal(err)
	}
	all, err := r.ListOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Kind != "task.delete" || all[0].Attempts != 0 {
		t.Fatalf("unexpected outbox: %+v", all)
	}
	due, err := r.DueOutbox(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due: %+v %v", due, err)
	}
	removed, err := r.DeleteOutboxEntity(ctx, "task", "x")
	if err != nil || !removed {
		t.Fatalf("delete entity: %v %v", removed, err)
	}
	if n, _ := r.CountOutbox(ctx); n != 0 {
		t.Fatalf("count = %d", n)
	}
}
