package domain

import (
	"fmt"
	"slices"
	"strings"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusBlocked    TaskStatus = "BLOCKED"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusArchived   TaskStatus = "ARCHIVED"
)

// Statuses lists board columns in display order.
var Statuses = []TaskStatus{StatusTodo, StatusInProgress, StatusBlocked, StatusCompleted, StatusArchived}

func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(Statuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

type ReminderType string

const (
	ReminderPersonal ReminderType = "PERSONAL"
	ReminderGroup    ReminderType = "GROUP"
)

type Identity struct {
	ID          string `json:"id" bson:"_id"`
	Name        string `json:"name" bson:"name"`
	Email       string `json:"email" bson:"email"`
	AvatarURL   string `json:"avatar" bson:"avatar"`
	PhoneNumber string `json:"phoneNumber,omitempty" bson:"phoneNumber,omitempty"`
	Guest       bool   `json:"guest,omitempty" bson:"guest,omitempty"`
}

type Team struct {
	ID            string   `json:"id" bson:"_id"`
	Name          string   `json:"name" bson:"name"`
	Description   string   `json:"description" bson:"description"`
	Members       []string `json:"members" bson:"members"`
	AdminIDs      []string `json:"adminIds" bson:"adminIds"`
	CreatorID     string   `json:"creatorId" bson:"creatorId"`
	JoinCode      string   `json:"joinCode,omitempty" bson:"joinCode,omitempty"`
	JoinCodeUsage int      `json:"joinCodeUsage" bson:"joinCodeUsage"`
}

const personalPrefix = "personal_"

// PersonalWorkspaceID is the deterministic id of a user's synthetic workspace.
func PersonalWorkspaceID(userID string) string {
	return personalPrefix + userID
}

func IsPersonalWorkspace(teamID string) bool {
	return strings.HasPrefix(teamID, personalPrefix)
}

// PersonalWorkspace is derived client-side and never persisted remotely.
func PersonalWorkspace(user Identity) Team {
	return Team{
		ID:          PersonalWorkspaceID(user.ID),
		Name:        "Personal Workspace",
		Description: "My private tasks",
		Members:     []string{user.ID},
		AdminIDs:    []string{user.ID},
		CreatorID:   user.ID,
	}
}

func (t Team) HasMember(userID string) bool {
	return slices.Contains(t.Members, userID)
}

func (t Team) IsAdmin(userID string) bool {
	return slices.Contains(t.AdminIDs, userID)
}

// ToggleAdmin returns a copy with userID's admin flag flipped.
func (t Team) ToggleAdmin(userID string) Team {
	out := t.Clone()
	if out.IsAdmin(userID) {
		out.AdminIDs = slices.DeleteFunc(out.AdminIDs, func(id string) bool { return id == userID })
		return out
	}
	out.AdminIDs = append(out.AdminIDs, userID)
	return out
}

func (t Team) Clone() Team {
	t.Members = slices.Clone(t.Members)
	t.AdminIDs = slices.Clone(t.AdminIDs)
	return t
}

type Attachment struct {
	ID         string `json:"id" bson:"id"`
	Name       string `json:"name" bson:"name"`
	URL        string `json:"url" bson:"url"`
	Type       string `json:"type" bson:"type"`
	Size       int64  `json:"size" bson:"size"`
	UploadedAt string `json:"uploadedAt" bson:"uploadedAt"`
}

type Comment struct {
	ID        string  `json:"id" bson:"id"`
	UserID    string  `json:"userId" bson:"userId"`
	Content   Content `json:"content" bson:"content"`
	Timestamp string  `json:"timestamp" bson:"timestamp"`
}

type ActivityLog struct {
	ID        string `json:"id" bson:"id"`
	UserID    string `json:"userId" bson:"userId"`
	Action    string `json:"action" bson:"action"`
	Timestamp string `json:"timestamp" bson:"timestamp"`
	Details   string `json:"details,omitempty" bson:"details,omitempty"`
}

type ReminderConfig struct {
	Enabled            bool         `json:"enabled" bson:"enabled"`
	Type               ReminderType `json:"type" bson:"type"`
	DurationMinutes    int          `json:"durationMinutes" bson:"durationMinutes"`
	WhatsappBotEnabled bool         `json:"whatsappBotEnabled" bson:"whatsappBotEnabled"`
}

type Task struct {
	ID             string          `json:"id" bson:"_id"`
	Title          string          `json:"title" bson:"title"`
	Description    string          `json:"description" bson:"description"`
	AssigneeID     string          `json:"assigneeId" bson:"assigneeId"`
	CreatorID      string          `json:"creatorId" bson:"creatorId"`
	TeamID         string          `json:"teamId" bson:"teamId"`
	Status         TaskStatus      `json:"status" bson:"status"`
	DueDate        Date            `json:"dueDate" bson:"dueDate"`
	Priority       Priority        `json:"priority" bson:"priority"`
	Attachments    []Attachment    `json:"attachments" bson:"attachments"`
	Logs           []ActivityLog   `json:"logs" bson:"logs"`
	Comments       []Comment       `json:"comments" bson:"comments"`
	ReminderConfig *ReminderConfig `json:"reminderConfig,omitempty" bson:"reminderConfig,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
}

// Clone deep-copies the slices so optimistic edits never alias shared state.
func (t Task) Clone() Task {
	t.Attachments = slices.Clone(t.Attachments)
	t.Logs = slices.Clone(t.Logs)
	t.Comments = slices.Clone(t.Comments)
	for i := range t.Comments {
		t.Comments[i].Content = t.Comments[i].Content.Clone()
	}
	if t.ReminderConfig != nil {
		rc := *t.ReminderConfig
		t.ReminderConfig = &rc
	}
	return t
}

func (t Task) CommentIndex(id string) int {
	return slices.IndexFunc(t.Comments, func(c Comment) bool { return c.ID == id })
}

func (t Task) AttachmentIndex(id string) int {
	return slices.IndexFunc(t.Attachments, func(a Attachment) bool { return a.ID == id })
}
