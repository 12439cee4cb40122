package server

import (
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
	"tasksetu/internal/events"
	"tasksetu/internal/repo"
)

// Request payloads

type SignInRequest struct {
	Credential string `json:"credential" doc:"ID token issued for the user"`
}

type SelectWorkspaceRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

type CreateTeamRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type JoinTeamRequest struct {
	Code string `json:"code" example:"K3XQ9A"`
}

type UpdateTeamRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	AssigneeID  string                 `json:"assignee_id,omitempty"`
	Status      string                 `json:"status,omitempty" enum:"TODO,IN_PROGRESS,BLOCKED,COMPLETED,ARCHIVED"`
	Priority    string                 `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate     string                 `json:"due_date,omitempty" example:"2024-03-15"`
	Reminder    *domain.ReminderConfig `json:"reminder,omitempty"`
}

type UpdateTaskRequest struct {
	Title         *string                `json:"title,omitempty"`
	Description   *string                `json:"description,omitempty"`
	AssigneeID    *string                `json:"assignee_id,omitempty"`
	DueDate       *string                `json:"due_date,omitempty"`
	Priority      *string                `json:"priority,omitempty" enum:"low,medium,high"`
	Reminder      *domain.ReminderConfig `json:"reminder,omitempty"`
	ClearReminder bool                   `json:"clear_reminder,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"TODO,IN_PROGRESS,BLOCKED,COMPLETED,ARCHIVED"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type FilePayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data" doc:"base64 encoded file contents"`
}

type AttachRequest struct {
	Files []FilePayload `json:"files"`
}

type ExtractRequest struct {
	File FilePayload `json:"file"`
}

type ChatRequest struct {
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	LogToComments bool   `json:"log_to_comments,omitempty"`
}

// Response payloads

type SessionResponse struct {
	Session           engine.SessionState `json:"session"`
	User              *domain.Identity    `json:"user,omitempty"`
	ActiveWorkspaceID string              `json:"active_workspace_id,omitempty"`
	Loading           bool                `json:"loading"`
	Version           uint64              `json:"version"`
}

type WorkspacesResponse struct {
	ActiveWorkspaceID string        `json:"active_workspace_id,omitempty"`
	Items             []domain.Team `json:"items"`
}

type TasksResponse struct {
	WorkspaceID string        `json:"workspace_id"`
	Loading     bool          `json:"loading"`
	Items       []domain.Task `json:"items"`
}

type UploadResult struct {
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

type AttachResponse struct {
	Task    domain.Task    `json:"task"`
	Results []UploadResult `json:"results"`
}

type UsersResponse struct {
	Items []domain.Identity `json:"items"`
}

type OutboxResponse struct {
	Items []repo.OutboxEntry `json:"items"`
}

type EventResponse struct {
	Seq         uint64   `json:"seq"`
	Type        string   `json:"type"`
	At          string   `json:"at"`
	UserID      string   `json:"user_id,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	PreviousID  string   `json:"previous_id,omitempty"`
	IDs         []string `json:"ids,omitempty"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
}

type ChatResponse struct {
	Reply       domain.ChatMessage   `json:"reply"`
	Unavailable bool                 `json:"unavailable,omitempty"`
	Messages    []domain.ChatMessage `json:"messages"`
	CommentID   string               `json:"comment_id,omitempty"`
}

type SummaryResponse struct {
	Summary string `json:"summary"`
}

func sessionResponse(st engine.State) SessionResponse {
	return SessionResponse{
		Session:           st.Session,
		User:              st.Identity,
		ActiveWorkspaceID: st.ActiveID,
		Loading:           st.Loading,
		Version:           st.Version,
	}
}

func eventResponse(ev events.Event) EventResponse {
	out := EventResponse{
		Seq:         ev.Seq,
		Type:        string(ev.Type),
		At:          ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		WorkspaceID: ev.WorkspaceID,
		PreviousID:  ev.PreviousID,
		IDs:         ev.IDs,
	}
	if ev.Identity != nil {
		out.UserID = ev.Identity.ID
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
