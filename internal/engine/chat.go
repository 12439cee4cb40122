package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/ai"
	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ChatSession is one assistant conversation about a task. With
// LogToComments set, the transcript is kept in a single comment on the task.
type ChatSession struct {
	TaskID        string
	LogToComments bool

	e         *Engine
	mu        sync.Mutex
	messages  []domain.ChatMessage
	commentID string
}

func (e *Engine) NewChatSession(taskID string, logToComments bool) *ChatSession {
	return &ChatSession{TaskID: taskID, LogToComments: logToComments, e: e}
}

// Reply is the assistant's answer. Unavailable marks the fallback message
// shown when the assistant could not answer.
type Reply struct {
	Message     domain.ChatMessage `json:"message"`
	Unavailable bool               `json:"unavailable,omitempty"`
}

func (s *ChatSession) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *ChatSession) CommentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commentID
}

// Send asks the assistant about the task. An assistant failure becomes a
// visible reply, not an error.
func (s *ChatSession) Send(ctx context.Context, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, invalid("message is empty")
	}
	e := s.e
	snap := e.Snapshot()
	if snap.Identity == nil {
		return Reply{}, auth.ErrNotSignedIn
	}
	task, ok := snap.Task(s.TaskID)
	if !ok {
		return Reply{}, ErrTaskNotFound
	}
	others := slices.DeleteFunc(FilterTasks(snap.Tasks, Filter{WorkspaceID: snap.ActiveID}, nil), func(t domain.Task) bool { return t.ID == task.ID })
	related := append([]domain.Task{task}, others...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, domain.ChatMessage{Role: RoleUser, Content: message, Timestamp: e.timestamp()})

	var reply Reply
	text, err := e.ask(ctx, func(a Assistant) (string, error) {
		return a.Chat(ctx, message, related, snap.Identity.Name)
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{"task_id": s.TaskID, "error": err}).Warn("assistant reply failed")
		text = ai.UserMessage(err)
		reply.Unavailable = true
	}
	reply.Message = domain.ChatMessage{Role: RoleModel, Content: text, Timestamp: e.timestamp()}
	s.messages = append(s.messages, reply.Message)

	if s.LogToComments {
		if err := s.syncTranscriptLocked(); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return reply, err
		}
	}
	return reply, nil
}

// syncTranscriptLocked writes the transcript into the session comment,
// re-creating it if it was removed.
func (s *ChatSession) syncTranscriptLocked() error {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.modifyTaskLocked(s.TaskID, func(t *domain.Task, _ domain.Identity) (bool, error) {
		content := domain.AITranscript(s.messages)
		if i := t.CommentIndex(s.commentID); s.commentID != "" && i >= 0 {
			t.Comments[i].Content = content
			t.Comments[i].Timestamp = e.timestamp()
			return true, nil
		}
		s.commentID = e.newID()
		t.Comments = append(t.Comments, domain.Comment{
			ID:        s.commentID,
			UserID:    ai.AssistantUserID,
			Content:   content,
			Timestamp: e.timestamp(),
		})
		return true, nil
	})
	return err
}

func (e *Engine) ask(ctx context.Context, fn func(a Assistant) (string, error)) (string, error) {
	if e.ai == nil {
		return "", ai.ErrUnavailable
	}
	return fn(e.ai)
}

// Summary asks the assistant for a workload overview of the active workspace.
func (e *Engine) Summary(ctx context.Context) (string, error) {
	snap := e.Snapshot()
	if snap.Identity == nil {
		return "", auth.ErrNotSignedIn
	}
	tasks := FilterTasks(snap.Tasks, Filter{WorkspaceID: snap.ActiveID}, nil)
	return e.ask(ctx, func(a Assistant) (string, error) {
		return a.AnalyzeTasks(ctx, tasks, snap.Identity.Name)
	})
}
