package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/ai"
	"tasksetu/internal/domain"
	"tasksetu/internal/storage"
)

func reply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}}},
	})
	return string(b)
}

func TestChatSendsContextAndReturnsText(t *testing.T) {
	var gotPath, gotKey string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, reply("Namaste! You have 1 task."))
	}))
	defer srv.Close()

	c := ai.New("k1", "gemini-2.5-flash", srv.URL)
	out, err := c.Chat(context.Background(), "what is pending?", []domain.Task{{ID: "t1", Title: "Ship invoices"}}, "Asha")
	require.NoError(t, err)
	assert.Equal(t, "Namaste! You have 1 task.", out)
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "k1", gotKey)

	sys, _ := json.Marshal(body["systemInstruction"])
	assert.Contains(t, string(sys), "Ship invoices")
	assert.Contains(t, string(sys), "Asha")
}

func TestQuotaErrorsMapToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	c := ai.New("k1", "", srv.URL)
	_, err := c.AnalyzeTasks(context.Background(), nil, "Asha")
	require.ErrorIs(t, err, ai.ErrUnavailable)
	assert.Equal(t, "Not available at the moment", ai.UserMessage(err))
}

func TestMissingKeyIsUnavailable(t *testing.T) {
	_, err := ai.New("", "", "").Complete(context.Background(), ai.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ai.ErrUnavailable)
}

func TestBadRequestIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"bad schema","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	_, err := ai.New("k", "", srv.URL).Complete(context.Background(), ai.Request{Prompt: "x"})
	var apiErr *ai.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Status)
	assert.False(t, errors.Is(err, ai.ErrUnavailable))
}

func TestExtractTaskFieldsNormalizes(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, reply(`{"title":"Pay vendor","description":"Invoice 42","priority":"HIGH","dueDate":"12 March"}`))
	}))
	defer srv.Close()

	draft, err := ai.New("k", "", srv.URL).ExtractTaskFields(context.Background(), storage.File{Name: "inv.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	require.NoError(t, err)
	assert.Equal(t, "Pay vendor", draft.Title)
	assert.Equal(t, "high", draft.Priority)
	assert.Empty(t, draft.DueDate, "unparseable dates are dropped")

	cfg, _ := json.Marshal(body["generationConfig"])
	assert.Contains(t, string(cfg), `"responseMimeType":"application/json"`)
}

func TestLiveSessionHandshakeAudioAndQuotaClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	setupCh := make(chan string, 1)
	audioCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" {
			http.Error(w, "no key", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, setup, err := conn.ReadMessage()
		if err != nil {
			return
		}
		setupCh <- string(setup)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAE="}},{"text":"hello"}]},"turnComplete":true}}`))
		_, audio, err := conn.ReadMessage()
		if err != nil {
			return
		}
		audioCh <- string(audio)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Quota exceeded"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()
	sess, err := ai.DialLive(ctx, ai.LiveConfig{URL: wsURL, APIKey: "k"}, []domain.Task{{ID: "t1", Title: "Call bank"}}, "Asha")
	require.NoError(t, err)
	defer sess.Close()

	setup := <-setupCh
	assert.Contains(t, setup, `"model":"models/gemini-2.0-flash-exp"`)
	assert.Contains(t, setup, `"responseModalities":["AUDIO"]`)
	assert.Contains(t, setup, "Call bank")

	frame, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, frame.Audio)
	assert.Equal(t, "hello", frame.Text)
	assert.True(t, frame.TurnComplete)

	require.NoError(t, sess.SendAudio([]byte{1, 2, 3}))
	assert.Contains(t, <-audioCh, `"mimeType":"audio/pcm;rate=16000"`)

	_, err = sess.Receive(ctx)
	assert.ErrorIs(t, err, ai.ErrUnavailable)
}
