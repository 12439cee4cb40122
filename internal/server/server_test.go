package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/auth"
	"tasksetu/internal/config"
	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
	"tasksetu/internal/migrate"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
)

const testSecret = "server-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	Auth   *auth.TokenProvider
	Mem    *remote.MemoryStore
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	mem := remote.NewMemoryStore()
	store := remote.NewStore(mem, r, remote.BreakerSettings{ConsecutiveFailures: 1000, Timeout: time.Hour}, nil)
	provider := auth.NewTokenProvider(testSecret, r)
	queue := outbox.New(r, store, nil)
	e := engine.New(engine.Options{
		Remote: store,
		Auth:   provider,
		Outbox: queue,
		Local:  r,
		Teams:  config.TeamPolicy{JoinCodeLength: 6, JoinCodeMaxUses: 3},
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		e.Close()
		e.Wait()
	})

	handler, err := New(Config{Engine: e, Outbox: queue, BasePath: "/v0", Auth: AuthConfig{Verifier: provider}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Auth: provider, Mem: mem}
}

func (s *testServer) issue(t *testing.T, id domain.Identity) string {
	t.Helper()
	token, err := s.Auth.IssueToken(id, time.Hour)
	require.NoError(t, err)
	return token
}

// signIn starts a session through the API and waits for the sync cascade.
func (s *testServer) signIn(t *testing.T, id domain.Identity) {
	t.Helper()
	s.token = s.issue(t, id)
	res, body := s.do(t, http.MethodPost, "/v0/session/sign-in", map[string]any{"credential": s.token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	s.Engine.Wait()
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, method, s.URL+path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)
}

func TestSignInCreateAndFilterTasks(t *testing.T) {
	srv := newTestServer(t)
	me := domain.Identity{ID: "u1", Name: "Asha Rao", Email: "asha@example.com"}
	srv.signIn(t, me)

	res, body := srv.do(t, http.MethodGet, "/v0/session", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	session := decode[SessionResponse](t, body)
	assert.Equal(t, engine.SessionAuthenticated, session.Session)
	assert.Equal(t, domain.PersonalWorkspaceID("u1"), session.ActiveWorkspaceID)

	res, body = srv.do(t, http.MethodGet, "/v0/workspaces", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ws := decode[WorkspacesResponse](t, body)
	require.Len(t, ws.Items, 1)
	assert.Equal(t, "Personal Workspace", ws.Items[0].Name)

	res, body = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "Send invoice", "priority": "high", "due_date": "2024-03-01"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	created := decode[domain.Task](t, body)
	assert.Equal(t, domain.StatusTodo, created.Status)
	assert.Equal(t, "u1", created.AssigneeID)
	require.Len(t, created.Logs, 1)

	res, body = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "Book venue"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = srv.do(t, http.MethodPut, "/v0/tasks/"+created.ID+"/status", map[string]any{"status": "IN_PROGRESS"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	moved := decode[domain.Task](t, body)
	assert.Equal(t, domain.StatusInProgress, moved.Status)
	assert.Equal(t, "Changed status from TODO to IN_PROGRESS", moved.Logs[len(moved.Logs)-1].Action)

	res, body = srv.do(t, http.MethodGet, "/v0/tasks?status=IN_PROGRESS", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	list := decode[TasksResponse](t, body)
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)

	res, body = srv.do(t, http.MethodGet, "/v0/tasks?search=venue", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Len(t, decode[TasksResponse](t, body).Items, 1)

	res, _ = srv.do(t, http.MethodGet, "/v0/tasks?due_before=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	srv.Engine.Wait()
	assert.True(t, srv.Mem.Has(remote.CollectionTasks, created.ID))
}

func TestTaskErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t)
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})

	res, body := srv.do(t, http.MethodDelete, "/v0/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	res, body = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "   "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "Plan", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestTokenForAnotherUserIsRefused(t *testing.T) {
	srv := newTestServer(t)
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})

	other := srv.issue(t, domain.Identity{ID: "u2", Name: "Vikram"})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "session_mismatch", decode[errorEnvelope](t, body).Error.Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestJoinRejectionsCarryTheirCode(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Mem.Seed(remote.CollectionTeams, "t-full", domain.Team{
		ID:            "t-full",
		Name:          "Full House",
		Members:       []string{"owner", "a", "b", "c"},
		AdminIDs:      []string{"owner"},
		CreatorID:     "owner",
		JoinCode:      "FULL42",
		JoinCodeUsage: 3,
	}))
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})

	res, body := srv.do(t, http.MethodPost, "/v0/teams/join", map[string]any{"code": "full42"})
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "code_exhausted", decode[errorEnvelope](t, body).Error.Code)

	res, body = srv.do(t, http.MethodPost, "/v0/teams/join", map[string]any{"code": "NOPE99"})
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "invalid_code", decode[errorEnvelope](t, body).Error.Code)
}

func TestTeamLifecycle(t *testing.T) {
	srv := newTestServer(t)
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})

	res, body := srv.do(t, http.MethodPost, "/v0/teams", map[string]any{"name": "Ops"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	team := decode[domain.Team](t, body)
	assert.Len(t, team.JoinCode, 6)
	assert.Equal(t, team.ID, srv.Engine.ActiveWorkspaceID())

	res, body = srv.do(t, http.MethodPatch, "/v0/teams/"+team.ID, map[string]any{"description": "Daily operations"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	renamed := decode[domain.Team](t, body)
	assert.Equal(t, "Ops", renamed.Name)
	assert.Equal(t, "Daily operations", renamed.Description)

	res, body = srv.do(t, http.MethodPost, "/v0/teams/"+team.ID+"/join-code", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	regen := decode[domain.Team](t, body)
	assert.Zero(t, regen.JoinCodeUsage)

	res, _ = srv.do(t, http.MethodPost, "/v0/teams/"+team.ID+"/admins/u1", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = srv.do(t, http.MethodPut, "/v0/workspaces/active", map[string]any{"workspace_id": domain.PersonalWorkspaceID("u1")})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, domain.PersonalWorkspaceID("u1"), decode[WorkspacesResponse](t, body).ActiveWorkspaceID)

	res, _ = srv.do(t, http.MethodPut, "/v0/workspaces/active", map[string]any{"workspace_id": "nope"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAssistantOutage(t *testing.T) {
	srv := newTestServer(t)
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})
	res, body := srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "Quarterly report"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	task := decode[domain.Task](t, body)

	res, body = srv.do(t, http.MethodPost, "/v0/assistant/chat", map[string]any{"task_id": task.ID, "message": "What is due?"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	chat := decode[ChatResponse](t, body)
	assert.True(t, chat.Unavailable)
	assert.Equal(t, "Not available at the moment", chat.Reply.Content)
	assert.Len(t, chat.Messages, 2)

	res, body = srv.do(t, http.MethodGet, "/v0/assistant/summary", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "ai_unavailable", decode[errorEnvelope](t, body).Error.Code)
}

func TestOfflineWritesShowInOutbox(t *testing.T) {
	srv := newTestServer(t)
	srv.signIn(t, domain.Identity{ID: "u1", Name: "Asha"})
	srv.Mem.SetOffline(true)

	res, body := srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{"title": "Offline draft"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	task := decode[domain.Task](t, body)
	srv.Engine.Wait()

	res, body = srv.do(t, http.MethodGet, "/v0/outbox", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	items := decode[OutboxResponse](t, body).Items
	require.Len(t, items, 1)
	assert.Equal(t, outbox.KindTaskPut, items[0].Kind)
	assert.Equal(t, task.ID, items[0].EntityID)

	res, body = srv.do(t, http.MethodGet, "/v0/events?type=task.mutated", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	evs := decode[EventsResponse](t, body).Items
	require.NotEmpty(t, evs)
	assert.Equal(t, []string{task.ID}, evs[len(evs)-1].IDs)
}
