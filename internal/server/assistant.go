package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"tasksetu/internal/engine"
)

// chatRegistry keeps one chat session per task for the life of the process.
// The first request for a task decides whether its transcript is logged.
type chatRegistry struct {
	e        *engine.Engine
	mu       sync.Mutex
	sessions map[string]*engine.ChatSession
}

func newChatRegistry(e *engine.Engine) *chatRegistry {
	return &chatRegistry{e: e, sessions: map[string]*engine.ChatSession{}}
}

func (r *chatRegistry) session(taskID string, logToComments bool) *engine.ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	if !ok {
		s = r.e.NewChatSession(taskID, logToComments)
		r.sessions[taskID] = s
	}
	return s
}

func registerAssistant(api huma.API, chats *chatRegistry) {
	e := chats.e
	huma.Register(api, huma.Operation{
		OperationID: "assistant-chat",
		Method:      http.MethodPost,
		Path:        "/assistant/chat",
		Summary:     "Ask the assistant about a task",
		Description: "An assistant outage still returns 200 with unavailable set and a fallback reply.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.TaskID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		s := chats.session(input.Body.TaskID, input.Body.LogToComments)
		reply, err := s.Send(ctx, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{
			Reply:       reply.Message,
			Unavailable: reply.Unavailable,
			Messages:    s.Messages(),
			CommentID:   s.CommentID(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assistant-summary",
		Method:      http.MethodGet,
		Path:        "/assistant/summary",
		Summary:     "Workload summary and reminder draft for the active workspace",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		text, err := e.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{Summary: text}}, nil
	})
}

func registerDirectory(api huma.API, e *engine.Engine, queue OutboxReader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "Known user profiles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UsersResponse `json:"body"`
	}, error) {
		st := e.Snapshot()
		if st.Identity == nil {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "sign in required", nil)
		}
		return &struct {
			Body UsersResponse `json:"body"`
		}{Body: UsersResponse{Items: st.Directory()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "Remote writes waiting to be replayed",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OutboxResponse `json:"body"`
	}, error) {
		out := OutboxResponse{Items: nil}
		if queue != nil {
			items, err := queue.Pending(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			out.Items = items
		}
		out.Items = nonNilSlice(out.Items)
		return &struct {
			Body OutboxResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent sync events, oldest first",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"256"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		history := e.Events().History()
		items := make([]EventResponse, 0, len(history))
		for _, ev := range history {
			if input.Type != "" && string(ev.Type) != input.Type {
				continue
			}
			items = append(items, eventResponse(ev))
		}
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[len(items)-input.Limit:]
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: items}}, nil
	})
}
