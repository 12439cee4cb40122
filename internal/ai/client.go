package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tasksetu/internal/domain"
	"tasksetu/internal/storage"
)

var ErrUnavailable = errors.New("assistant unavailable")

// UnavailableMessage is shown to users when the assistant is out of quota.
const UnavailableMessage = "Not available at the moment"

// AssistantUserID authors transcript comments.
const AssistantUserID = "saathi-ai"

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"
)

// Client talks to the generative language REST API.
type Client struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(apiKey, model, baseURL string) *Client {
	return &Client{APIKey: apiKey, Model: model, BaseURL: baseURL, Timeout: 60 * time.Second}
}

// APIError wraps non-2xx responses that are not quota related.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant api error: status=%d %s: %s", e.StatusCode, e.Status, e.Message)
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type generationConfig struct {
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   any             `json:"responseSchema,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Request is one generateContent call.
type Request struct {
	Prompt string
	System string
	// Parts are appended after the prompt (inline files).
	Parts      []Part
	JSONSchema any
	Thinking   int
}

// Complete returns the model's text for req.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return "", fmt.Errorf("%w: api key not configured", ErrUnavailable)
	}
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: append([]Part{{Text: req.Prompt}}, req.Parts...)}},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []Part{{Text: req.System}}}
	}
	if req.JSONSchema != nil || req.Thinking > 0 {
		body.GenerationConfig = &generationConfig{}
		if req.JSONSchema != nil {
			body.GenerationConfig.ResponseMimeType = "application/json"
			body.GenerationConfig.ResponseSchema = req.JSONSchema
		}
		if req.Thinking > 0 {
			body.GenerationConfig.ThinkingConfig = &thinkingConfig{ThinkingBudget: req.Thinking}
		}
	}
	var resp generateResponse
	if err := c.do(ctx, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func (c *Client) endpoint() string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	model := c.Model
	if model == "" {
		model = defaultModel
	}
	model = strings.TrimPrefix(model, "models/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", strings.TrimRight(base, "/"), url.PathEscape(model), url.QueryEscape(c.APIKey))
}

func (c *Client) do(ctx context.Context, body any, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb errorBody
		_ = json.Unmarshal(b, &eb)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || eb.Error.Status == "RESOURCE_EXHAUSTED" {
			return fmt.Errorf("%w: status %d %s", ErrUnavailable, resp.StatusCode, eb.Error.Message)
		}
		msg := eb.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		return &APIError{StatusCode: resp.StatusCode, Status: eb.Error.Status, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UserMessage turns an assistant error into text suitable for display.
func UserMessage(err error) string {
	if errors.Is(err, ErrUnavailable) {
		return UnavailableMessage
	}
	return "I am unable to respond right now. Please check your internet connection."
}

const analyzeInstruction = `You are Saathi AI, an intelligent task management companion for the app 'TaskSetu'.
Provide:
1. A professional summary of urgent tasks.
2. Constructive suggestions for better workflow.
3. A polite and professional draft for a WhatsApp reminder message in an Indian business context.`

// AnalyzeTasks summarizes workload and drafts a reminder.
func (c *Client) AnalyzeTasks(ctx context.Context, tasks []domain.Task, userName string) (string, error) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}
	return c.Complete(ctx, Request{
		Prompt:   fmt.Sprintf("Analyze these tasks for %s: %s", userName, data),
		System:   analyzeInstruction,
		Thinking: 4000,
	})
}

// Chat answers a free-form message with the given tasks as context.
func (c *Client) Chat(ctx context.Context, message string, tasks []domain.Task, userName string) (string, error) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}
	system := fmt.Sprintf(`Persona: Saathi AI, an intelligent and friendly assistant for the 'TaskSetu' app.
Context: Current user is %s.
Task Context: %s.
Instructions: Be helpful, professional, and warm (Indian professional tone). You can help find tasks, set reminders, or provide productivity tips. Keep it concise.`, userName, data)
	return c.Complete(ctx, Request{Prompt: fmt.Sprintf("User Message: %q", message), System: system})
}

// TaskDraft is what the assistant could read out of a document.
type TaskDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

var taskDraftSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"title":       map[string]any{"type": "STRING"},
		"description": map[string]any{"type": "STRING"},
		"priority":    map[string]any{"type": "STRING", "enum": []string{"low", "medium", "high"}},
		"dueDate":     map[string]any{"type": "STRING", "description": "YYYY-MM-DD"},
		"assignee":    map[string]any{"type": "STRING"},
	},
	"required": []string{"title", "description"},
}

// ExtractTaskFields reads a task out of an uploaded document or image.
func (c *Client) ExtractTaskFields(ctx context.Context, f storage.File) (TaskDraft, error) {
	text, err := c.Complete(ctx, Request{
		Prompt: "Extract a single task from this file. Return the title, a short description, priority, due date and assignee name if present.",
		System: "You turn documents into TaskSetu tasks. Only use information present in the file.",
		Parts: []Part{{InlineData: &InlineData{
			MimeType: f.MimeType,
			Data:     base64.StdEncoding.EncodeToString(f.Data),
		}}},
		JSONSchema: taskDraftSchema,
	})
	if err != nil {
		return TaskDraft{}, err
	}
	var draft TaskDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return TaskDraft{}, fmt.Errorf("decode extracted task: %w", err)
	}
	if draft.DueDate != "" {
		if d, err := domain.ParseDate(draft.DueDate); err == nil {
			draft.DueDate = d.String()
		} else {
			draft.DueDate = ""
		}
	}
	if draft.Priority != "" {
		if p, err := domain.ParsePriority(draft.Priority); err == nil {
			draft.Priority = string(p)
		} else {
			draft.Priority = ""
		}
	}
	return draft, nil
}
