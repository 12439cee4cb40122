package tasksetusdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignInKeepsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/session/sign-in":
			_ = json.NewEncoder(w).Encode(map[string]any{"session": "authenticated", "active_workspace_id": "personal_u1"})
		case "/v0/tasks":
			gotAuth = r.Header.Get("Authorization")
			assert.Equal(t, "TODO", r.URL.Query().Get("status"))
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "t1", "title": "Send invoice", "status": "TODO"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	session, err := c.SignIn(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "personal_u1", session.ActiveWorkspaceID)

	tasks, err := c.ListTasks(context.Background(), TaskFilter{Status: "TODO"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Send invoice", tasks[0].Title)
	assert.Equal(t, "Bearer token-1", gotAuth)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"code_exhausted","message":"This join code has expired."}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).JoinTeam(context.Background(), "ABC123")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "code_exhausted", apiErr.Code)
}
