package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tasksetu/internal/auth"
	"tasksetu/internal/config"
	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
	"tasksetu/internal/migrate"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
	"tasksetu/internal/storage"
)

const testSecret = "test-secret"

var testPolicy = config.TeamPolicy{JoinCodeLength: 6, JoinCodeMaxUses: 3}

type testEnv struct {
	Ctx      context.Context
	Engine   *engine.Engine
	Mem      *remote.MemoryStore
	Store    *remote.Store
	Repo     repo.Repo
	Auth     *auth.TokenProvider
	Outbox   *outbox.Outbox
	Uploader *fakeUploader
	AI       *fakeAssistant
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	mem := remote.NewMemoryStore()
	store := remote.NewStore(mem, r, remote.BreakerSettings{ConsecutiveFailures: 1000, Timeout: time.Hour}, nil)
	env := &testEnv{
		Ctx:      context.Background(),
		Mem:      mem,
		Store:    store,
		Repo:     r,
		Auth:     auth.NewTokenProvider(testSecret, r),
		Outbox:   outbox.New(r, store, nil),
		Uploader: &fakeUploader{fail: map[string]bool{}},
		AI:       &fakeAssistant{reply: "On it."},
	}
	env.start(t)
	return env
}

// start builds an engine over the env's collaborators. Calling it again
// simulates a restart against the same device state.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	if env.Engine != nil {
		env.Engine.Wait()
		env.Engine.Close()
	}
	eng := engine.New(engine.Options{
		Remote:   env.Store,
		Auth:     env.Auth,
		Outbox:   env.Outbox,
		Local:    env.Repo,
		Uploader: env.Uploader,
		AI:       env.AI,
		Teams:    testPolicy,
	})
	eng.Now = func() time.Time { return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) }
	if err := eng.Start(env.Ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Close)
	env.Engine = eng
	eng.Wait()
}

func (env *testEnv) signIn(t *testing.T, id domain.Identity) {
	t.Helper()
	token, err := env.Auth.IssueToken(id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := env.Engine.SignIn(env.Ctx, token); err != nil {
		t.Fatalf("sign in %s: %v", id.ID, err)
	}
	env.Engine.Wait()
}

func (env *testEnv) seedTeam(t *testing.T, team domain.Team) {
	t.Helper()
	if err := env.Mem.Seed(remote.CollectionTeams, team.ID, team); err != nil {
		t.Fatalf("seed team: %v", err)
	}
}

func (env *testEnv) seedTask(t *testing.T, task domain.Task) {
	t.Helper()
	if err := env.Mem.Seed(remote.CollectionTasks, task.ID, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func user(id string) domain.Identity {
	return domain.Identity{ID: id, Name: "User " + strings.ToUpper(id), Email: id + "@example.com"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func taskIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

type fakeUploader struct {
	mu      sync.Mutex
	fail    map[string]bool
	deleted []string
}

func (u *fakeUploader) Upload(ctx context.Context, f storage.File) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail[f.Name] {
		return "", errors.New("relay refused file")
	}
	return "https://files.example.com/" + f.Name, nil
}

func (u *fakeUploader) Delete(ctx context.Context, url string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted = append(u.deleted, url)
	return true, nil
}

func (u *fakeUploader) Deleted() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.deleted...)
}

type fakeAssistant struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (a *fakeAssistant) Chat(ctx context.Context, message string, tasks []domain.Task, userName string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("%s (%d tasks)", a.reply, len(tasks)), nil
}

func (a *fakeAssistant) AnalyzeTasks(ctx context.Context, tasks []domain.Task, userName string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("%s has %d tasks", userName, len(tasks)), nil
}

func (a *fakeAssistant) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// fakeProvider signs in whoever the credential names.
type fakeProvider struct {
	mu      sync.Mutex
	current *domain.Identity
	subs    []auth.Listener
}

func (p *fakeProvider) SignIn(ctx context.Context, credential string) (domain.Identity, error) {
	id := user(credential)
	p.set(&id)
	return id, nil
}

func (p *fakeProvider) SignInAsGuest(ctx context.Context) (domain.Identity, error) {
	id := domain.Identity{ID: "guest-test", Name: "Guest User", Guest: true}
	p.set(&id)
	return id, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.set(nil)
	return nil
}

func (p *fakeProvider) Current(ctx context.Context) (domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return domain.Identity{}, auth.ErrNotSignedIn
	}
	return *p.current, nil
}

func (p *fakeProvider) OnIdentityChange(fn auth.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	return func() {}
}

func (p *fakeProvider) set(id *domain.Identity) {
	p.mu.Lock()
	p.current = id
	subs := append([]auth.Listener(nil), p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

// mapMirror is an in-memory task mirror for tests that skip SQLite.
type mapMirror struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newMapMirror() *mapMirror {
	return &mapMirror{tasks: map[string]domain.Task{}}
}

func (m *mapMirror) ListTasks(ctx context.Context, teamID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mapMirror) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return t, repo.ErrNotFound
	}
	return t, nil
}

func (m *mapMirror) ReplaceTeamTasks(ctx context.Context, teamID string, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.TeamID == teamID {
			delete(m.tasks, id)
		}
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return nil
}

func (m *mapMirror) PutTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mapMirror) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}
