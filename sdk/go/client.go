package tasksetusdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TaskSetu HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// User is a profile as the API returns it.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar"`
	Guest     bool   `json:"guest,omitempty"`
}

// Team is a shared workspace (partial).
type Team struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Members       []string `json:"members"`
	AdminIDs      []string `json:"adminIds"`
	CreatorID     string   `json:"creatorId"`
	JoinCode      string   `json:"joinCode,omitempty"`
	JoinCodeUsage int      `json:"joinCodeUsage"`
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type Comment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ActivityLog struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string        `json:"id"`
	TeamID      string        `json:"teamId"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	AssigneeID  string        `json:"assigneeId"`
	CreatorID   string        `json:"creatorId"`
	Status      string        `json:"status"`
	Priority    string        `json:"priority"`
	DueDate     string        `json:"dueDate"`
	Attachments []Attachment  `json:"attachments"`
	Comments    []Comment     `json:"comments"`
	Logs        []ActivityLog `json:"logs"`
}

type Session struct {
	Session           string `json:"session"`
	User              *User  `json:"user,omitempty"`
	ActiveWorkspaceID string `json:"active_workspace_id,omitempty"`
	Loading           bool   `json:"loading"`
	Version           uint64 `json:"version"`
}

type Workspaces struct {
	ActiveWorkspaceID string `json:"active_workspace_id,omitempty"`
	Items             []Team `json:"items"`
}

// TaskFilter narrows ListTasks. Empty fields do not filter.
type TaskFilter struct {
	Search     string
	Status     string
	AssigneeID string
	DueBefore  string
}

type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// TaskChanges holds the fields to edit; nil leaves a field alone.
type TaskChanges struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

type UploadResult struct {
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ChatReply struct {
	Reply       ChatMessage   `json:"reply"`
	Unavailable bool          `json:"unavailable,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	CommentID   string        `json:"comment_id,omitempty"`
}

type OutboxEntry struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	EntityID      string `json:"entity_id"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Session returns the server's current session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/session", nil, &resp)
	return resp, err
}

// SignIn starts a session with an ID token and keeps it as the bearer token.
func (c *Client) SignIn(ctx context.Context, idToken string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "v0/session/sign-in", map[string]any{"credential": idToken}, &resp); err != nil {
		return resp, err
	}
	c.BearerToken = idToken
	return resp, nil
}

func (c *Client) SignInAsGuest(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/session/guest", nil, &resp)
	return resp, err
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/session/sign-out", nil, nil)
}

// Workspaces lists the user's workspaces, personal first.
func (c *Client) Workspaces(ctx context.Context) (Workspaces, error) {
	var resp Workspaces
	err := c.do(ctx, http.MethodGet, "v0/workspaces", nil, &resp)
	return resp, err
}

func (c *Client) SelectWorkspace(ctx context.Context, id string) (Workspaces, error) {
	var resp Workspaces
	err := c.do(ctx, http.MethodPut, "v0/workspaces/active", map[string]any{"workspace_id": id}, &resp)
	return resp, err
}

func (c *Client) CreateTeam(ctx context.Context, name, description string) (Team, error) {
	var resp Team
	err := c.do(ctx, http.MethodPost, "v0/teams", map[string]any{"name": name, "description": description}, &resp)
	return resp, err
}

// JoinTeam joins with a code. Rejections come back as an APIError with
// Code "invalid_code" or "code_exhausted".
func (c *Client) JoinTeam(ctx context.Context, code string) (Team, error) {
	var resp Team
	err := c.do(ctx, http.MethodPost, "v0/teams/join", map[string]any{"code": code}, &resp)
	return resp, err
}

func (c *Client) RenameTeam(ctx context.Context, id, name, description string) (Team, error) {
	var resp Team
	body := map[string]any{"name": name, "description": description}
	err := c.do(ctx, http.MethodPatch, "v0/teams/"+url.PathEscape(id), body, &resp)
	return resp, err
}

func (c *Client) ToggleAdmin(ctx context.Context, teamID, userID string) (Team, error) {
	var resp Team
	endpoint := fmt.Sprintf("v0/teams/%s/admins/%s", url.PathEscape(teamID), url.PathEscape(userID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RegenerateJoinCode(ctx context.Context, teamID string) (Team, error) {
	var resp Team
	err := c.do(ctx, http.MethodPost, "v0/teams/"+url.PathEscape(teamID)+"/join-code", nil, &resp)
	return resp, err
}

// ListTasks returns the active workspace's tasks under f.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	for k, v := range map[string]string{"search": f.Search, "status": f.Status, "assignee_id": f.AssigneeID, "due_before": f.DueBefore} {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "v0/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateTask creates a task in the active workspace.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", t, &resp)
	return resp, err
}

func (c *Client) EditTask(ctx context.Context, id string, changes TaskChanges) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(id), changes, &resp)
	return resp, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "v0/tasks/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddComment(ctx context.Context, id, text string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/comments", map[string]any{"text": text}, &resp)
	return resp, err
}

// AddAttachments uploads files to a task. Per-file failures are reported in
// the results, not as an error.
func (c *Client) AddAttachments(ctx context.Context, id string, files []File) (Task, []UploadResult, error) {
	var resp struct {
		Task    Task           `json:"task"`
		Results []UploadResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/attachments", map[string]any{"files": files}, &resp)
	return resp.Task, resp.Results, err
}

func (c *Client) RemoveAttachment(ctx context.Context, taskID, attachmentID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/attachments/%s", url.PathEscape(taskID), url.PathEscape(attachmentID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Users returns the known user directory.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp struct {
		Items []User `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/users", nil, &resp)
	return resp.Items, err
}

// Outbox lists remote writes waiting to be replayed.
func (c *Client) Outbox(ctx context.Context) ([]OutboxEntry, error) {
	var resp struct {
		Items []OutboxEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/outbox", nil, &resp)
	return resp.Items, err
}

// Chat asks the assistant about a task.
func (c *Client) Chat(ctx context.Context, taskID, message string, logToComments bool) (ChatReply, error) {
	var resp ChatReply
	body := map[string]any{"task_id": taskID, "message": message, "log_to_comments": logToComments}
	err := c.do(ctx, http.MethodPost, "v0/assistant/chat", body, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.do(ctx, http.MethodGet, "v0/assistant/summary", nil, &resp)
	return resp.Summary, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
