package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
	"tasksetu/internal/events"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
	"tasksetu/internal/storage"
)

const (
	actionCreated = "Created task"
	actionEdited  = "Updated task details"
)

func statusAction(from, to domain.TaskStatus) string {
	return fmt.Sprintf("Changed status from %s to %s", from, to)
}

func taskIDs(list []domain.Task) []string {
	ids := make([]string, len(list))
	for i, t := range list {
		ids[i] = t.ID
	}
	return ids
}

func (e *Engine) userLocked() (domain.Identity, error) {
	if e.st.Identity == nil {
		return domain.Identity{}, auth.ErrNotSignedIn
	}
	return *e.st.Identity, nil
}

func (e *Engine) logEntry(userID, action, details string) domain.ActivityLog {
	return domain.ActivityLog{ID: e.newID(), UserID: userID, Action: action, Timestamp: e.timestamp(), Details: details}
}

// TaskDraft holds the fields of a new task. Zero values take defaults.
type TaskDraft struct {
	Title       string
	Description string
	AssigneeID  string
	Status      domain.TaskStatus
	Priority    domain.Priority
	DueDate     domain.Date
	Reminder    *domain.ReminderConfig
	Attachments []domain.Attachment
}

// CreateTask prepends a new task to the active workspace and writes it
// remotely in the background.
func (e *Engine) CreateTask(d TaskDraft) (domain.Task, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return domain.Task{}, invalid("title is required")
	}
	if d.Status == "" {
		d.Status = domain.StatusTodo
	}
	if !slices.Contains(domain.Statuses, d.Status) {
		return domain.Task{}, invalid("unknown status %q", d.Status)
	}
	if d.Priority == "" {
		d.Priority = domain.PriorityMedium
	}
	if _, err := domain.ParsePriority(string(d.Priority)); err != nil {
		return domain.Task{}, invalid("%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	user, err := e.userLocked()
	if err != nil {
		return domain.Task{}, err
	}
	if e.st.ActiveID == "" {
		return domain.Task{}, ErrNoWorkspace
	}
	if d.AssigneeID == "" {
		d.AssigneeID = user.ID
	}
	if d.DueDate.IsZero() {
		d.DueDate = domain.DateOf(e.now())
	}
	now := e.timestamp()
	t := domain.Task{
		ID:          e.newID(),
		Title:       title,
		Description: d.Description,
		AssigneeID:  d.AssigneeID,
		CreatorID:   user.ID,
		TeamID:      e.st.ActiveID,
		Status:      d.Status,
		DueDate:     d.DueDate,
		Priority:    d.Priority,
		Attachments: slices.Clone(d.Attachments),
		Logs:        []domain.ActivityLog{e.logEntry(user.ID, actionCreated, "Initial status: "+string(d.Status))},
		Comments:    []domain.Comment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Attachments == nil {
		t.Attachments = []domain.Attachment{}
	}
	if d.Reminder != nil {
		rc := *d.Reminder
		t.ReminderConfig = &rc
	}
	e.st.Tasks = append([]domain.Task{t}, e.st.Tasks...)
	e.taskChangedLocked(t)
	e.log.WithFields(logrus.Fields{"task_id": t.ID, "team_id": t.TeamID}).Info("task created")
	return t.Clone(), nil
}

// taskChangedLocked publishes a task change and schedules its remote write.
func (e *Engine) taskChangedLocked(t domain.Task) {
	e.st.bump()
	e.publishLocked(events.Event{Type: events.TaskMutated, WorkspaceID: t.TeamID, IDs: []string{t.ID}})
	snapshot := t.Clone()
	e.scheduleLocked(remoteWrite{
		kind:     outbox.KindTaskPut,
		entityID: t.ID,
		payload:  snapshot,
		do:       func(ctx context.Context) error { return e.remote.PutTask(ctx, snapshot) },
	})
}

// modifyTaskLocked applies fn to a copy of the task and stores the result.
func (e *Engine) modifyTaskLocked(id string, fn func(t *domain.Task, user domain.Identity) (bool, error)) (domain.Task, error) {
	user, err := e.userLocked()
	if err != nil {
		return domain.Task{}, err
	}
	i := e.st.taskIndex(id)
	if i < 0 {
		return domain.Task{}, ErrTaskNotFound
	}
	t := e.st.Tasks[i].Clone()
	changed, err := fn(&t, user)
	if err != nil {
		return domain.Task{}, err
	}
	if !changed {
		return t, nil
	}
	t.UpdatedAt = e.timestamp()
	e.st.Tasks[i] = t
	e.taskChangedLocked(t)
	return t.Clone(), nil
}

// UpdateTaskStatus moves a task and records the transition. An unknown task
// or an unchanged status leaves everything as it was.
func (e *Engine) UpdateTaskStatus(id string, status domain.TaskStatus) (domain.Task, error) {
	if !slices.Contains(domain.Statuses, status) {
		return domain.Task{}, invalid("unknown status %q", status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modifyTaskLocked(id, func(t *domain.Task, user domain.Identity) (bool, error) {
		if t.Status == status {
			return false, nil
		}
		t.Logs = append(t.Logs, e.logEntry(user.ID, statusAction(t.Status, status), ""))
		t.Status = status
		return true, nil
	})
}

// TaskPatch lists the editable fields. Nil fields are left alone.
type TaskPatch struct {
	Title         *string
	Description   *string
	AssigneeID    *string
	DueDate       *domain.Date
	Priority      *domain.Priority
	Reminder      *domain.ReminderConfig
	ClearReminder bool
}

func (p TaskPatch) validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return invalid("title is required")
	}
	if p.Priority != nil {
		if _, err := domain.ParsePriority(string(*p.Priority)); err != nil {
			return invalid("%v", err)
		}
	}
	if p.DueDate != nil && !p.DueDate.IsZero() {
		if _, ok := p.DueDate.Time(); !ok {
			return invalid("invalid due date %q", *p.DueDate)
		}
	}
	return nil
}

// EditTask applies a field edit and appends an audit entry.
func (e *Engine) EditTask(id string, p TaskPatch) (domain.Task, error) {
	if err := p.validate(); err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modifyTaskLocked(id, func(t *domain.Task, user domain.Identity) (bool, error) {
		if p.Title != nil {
			t.Title = strings.TrimSpace(*p.Title)
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.AssigneeID != nil {
			t.AssigneeID = *p.AssigneeID
		}
		if p.DueDate != nil {
			t.DueDate = *p.DueDate
		}
		if p.Priority != nil {
			t.Priority = *p.Priority
		}
		switch {
		case p.ClearReminder:
			t.ReminderConfig = nil
		case p.Reminder != nil:
			rc := *p.Reminder
			t.ReminderConfig = &rc
		}
		t.Logs = append(t.Logs, e.logEntry(user.ID, actionEdited, ""))
		return true, nil
	})
}

// AddComment appends a plain-text comment by the current user.
func (e *Engine) AddComment(id, text string) (domain.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, invalid("comment is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modifyTaskLocked(id, func(t *domain.Task, user domain.Identity) (bool, error) {
		t.Comments = append(t.Comments, domain.Comment{
			ID:        e.newID(),
			UserID:    user.ID,
			Content:   domain.PlainText(text),
			Timestamp: e.timestamp(),
		})
		return true, nil
	})
}

// AddAttachments uploads files and attaches the ones that made it. Failed
// files come back as storage.UploadError results.
func (e *Engine) AddAttachments(ctx context.Context, id string, files []storage.File) (domain.Task, []storage.Result, error) {
	e.mu.Lock()
	_, err := e.userLocked()
	exists := e.st.taskIndex(id) >= 0
	e.mu.Unlock()
	if err != nil {
		return domain.Task{}, nil, err
	}
	if !exists {
		return domain.Task{}, nil, ErrTaskNotFound
	}

	results := storage.UploadAll(ctx, e.uploader, files, e.parallelism)
	var added []domain.Attachment
	for _, r := range results {
		if r.Err != nil {
			e.log.WithFields(logrus.Fields{"task_id": id, "file": r.File.Name, "error": r.Err}).Warn("attachment upload failed")
			continue
		}
		added = append(added, domain.Attachment{
			ID:         e.newID(),
			Name:       r.File.Name,
			URL:        r.URL,
			Type:       r.File.MimeType,
			Size:       int64(len(r.File.Data)),
			UploadedAt: e.timestamp(),
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.modifyTaskLocked(id, func(t *domain.Task, _ domain.Identity) (bool, error) {
		t.Attachments = append(t.Attachments, added...)
		return len(added) > 0, nil
	})
	return t, results, err
}

// RemoveAttachment detaches a file and reclaims the stored object in the
// background. Reclaim failures are only logged.
func (e *Engine) RemoveAttachment(id, attachmentID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var removed domain.Attachment
	t, err := e.modifyTaskLocked(id, func(t *domain.Task, _ domain.Identity) (bool, error) {
		i := t.AttachmentIndex(attachmentID)
		if i < 0 {
			return false, ErrAttachmentNotFound
		}
		removed = t.Attachments[i]
		t.Attachments = slices.Delete(t.Attachments, i, i+1)
		return true, nil
	})
	if err != nil {
		return t, err
	}
	e.bus.Go(func(ctx context.Context) {
		ok, err := e.uploader.Delete(ctx, removed.URL)
		log := e.log.WithFields(logrus.Fields{"task_id": id, "attachment_id": removed.ID})
		switch {
		case err != nil:
			log.WithField("error", err).Warn("attachment reclaim failed")
		case !ok:
			log.Debug("nothing to reclaim for attachment")
		}
	})
	return t, nil
}

// DeleteTask removes the task locally right away. The local delete stands
// even if the remote one fails.
func (e *Engine) DeleteTask(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.userLocked(); err != nil {
		return err
	}
	i := e.st.taskIndex(id)
	if i < 0 {
		return ErrTaskNotFound
	}
	t := e.st.Tasks[i]
	e.st.Tasks = slices.Delete(e.st.Tasks, i, i+1)
	e.st.bump()
	e.publishLocked(events.Event{Type: events.TaskMutated, WorkspaceID: t.TeamID, IDs: []string{id}})
	e.scheduleLocked(remoteWrite{
		kind:     outbox.KindTaskDelete,
		entityID: id,
		payload:  map[string]string{"id": id},
		do:       func(ctx context.Context) error { return e.remote.DeleteTask(ctx, id) },
	})
	e.log.WithFields(logrus.Fields{"task_id": id, "team_id": t.TeamID}).Info("task deleted")
	return nil
}

// CreateTeam makes the current user the only member and admin of a new team
// and switches to it.
func (e *Engine) CreateTeam(name, description string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Team{}, invalid("team name is required")
	}
	code, err := GenerateJoinCode(e.teams.JoinCodeLength)
	if err != nil {
		return domain.Team{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	user, err := e.userLocked()
	if err != nil {
		return domain.Team{}, err
	}
	team := domain.Team{
		ID:          e.newID(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Members:     []string{user.ID},
		AdminIDs:    []string{user.ID},
		CreatorID:   user.ID,
		JoinCode:    code,
	}
	e.mergeTeamLocked(team)
	e.writeTeamLocked(team)
	e.setActiveLocked(team.ID)
	e.log.WithFields(logrus.Fields{"team_id": team.ID}).Info("team created")
	return team.Clone(), nil
}

// mergeTeamLocked replaces the team by id or appends it, then writes it.
func (e *Engine) mergeTeamLocked(team domain.Team) {
	if i := e.st.workspaceIndex(team.ID); i >= 0 {
		e.st.Workspaces[i] = team.Clone()
	} else {
		e.st.Workspaces = append(e.st.Workspaces, team.Clone())
	}
	e.st.bump()
	e.publishLocked(events.Event{Type: events.WorkspacesChanged, IDs: workspaceIDs(e.st.Workspaces)})
}

func (e *Engine) writeTeamLocked(team domain.Team) {
	snapshot := team.Clone()
	e.scheduleLocked(remoteWrite{
		kind:     outbox.KindTeamPut,
		entityID: team.ID,
		payload:  snapshot,
		do:       func(ctx context.Context) error { return e.remote.PutTeam(ctx, snapshot) },
	})
}

// JoinTeam redeems a join code. It needs the remote, so failures are
// returned to the caller rather than queued.
func (e *Engine) JoinTeam(ctx context.Context, code string) (domain.Team, error) {
	code = NormalizeJoinCode(code)
	if !validJoinCode(code) {
		return domain.Team{}, remote.ErrInvalidCode
	}
	user, err := e.CurrentUser()
	if err != nil {
		return domain.Team{}, err
	}
	team, err := e.remote.JoinTeam(ctx, code, user.ID, e.teams.JoinCodeMaxUses)
	if err != nil {
		e.log.WithFields(logrus.Fields{"user_id": user.ID, "error": err}).Warn("join team failed")
		return domain.Team{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Identity == nil || e.st.Identity.ID != user.ID {
		return domain.Team{}, auth.ErrNotSignedIn
	}
	e.mergeTeamLocked(team)
	e.setActiveLocked(team.ID)
	e.log.WithFields(logrus.Fields{"team_id": team.ID, "user_id": user.ID}).Info("joined team")
	return team.Clone(), nil
}

func (e *Engine) adminTeamLocked(teamID string) (domain.Team, domain.Identity, error) {
	user, err := e.userLocked()
	if err != nil {
		return domain.Team{}, user, err
	}
	i := e.st.workspaceIndex(teamID)
	if i < 0 {
		return domain.Team{}, user, ErrWorkspaceNotFound
	}
	team := e.st.Workspaces[i].Clone()
	if !team.IsAdmin(user.ID) {
		return domain.Team{}, user, ForbiddenError{Permission: "team.admin"}
	}
	return team, user, nil
}

func (e *Engine) updateTeamLocked(team domain.Team) domain.Team {
	e.mergeTeamLocked(team)
	e.writeTeamLocked(team)
	return team.Clone()
}

// UpdateTeam applies the editable fields of team (name, description, admins
// and a non-empty join code) to a team the current user administers.
// Membership, the creator and join code usage stay as stored.
func (e *Engine) UpdateTeam(team domain.Team) (domain.Team, error) {
	name := strings.TrimSpace(team.Name)
	if name == "" {
		return domain.Team{}, invalid("team name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current, _, err := e.adminTeamLocked(team.ID)
	if err != nil {
		return domain.Team{}, err
	}
	if !slices.Contains(team.AdminIDs, current.CreatorID) && current.IsAdmin(current.CreatorID) {
		return domain.Team{}, invalid("the team creator is always an admin")
	}
	admins := make([]string, 0, len(team.AdminIDs))
	for _, id := range team.AdminIDs {
		if !current.HasMember(id) {
			return domain.Team{}, invalid("%s is not a member of %s", id, current.ID)
		}
		if !slices.Contains(admins, id) {
			admins = append(admins, id)
		}
	}
	current.Name = name
	current.Description = strings.TrimSpace(team.Description)
	current.AdminIDs = admins
	if team.JoinCode != "" && team.JoinCode != current.JoinCode {
		if domain.IsPersonalWorkspace(current.ID) {
			return domain.Team{}, invalid("the personal workspace cannot be shared")
		}
		current.JoinCode = team.JoinCode
		current.JoinCodeUsage = 0
	}
	return e.updateTeamLocked(current), nil
}

func (e *Engine) RenameTeam(teamID, name, description string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Team{}, invalid("team name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	team, _, err := e.adminTeamLocked(teamID)
	if err != nil {
		return domain.Team{}, err
	}
	team.Name = name
	team.Description = strings.TrimSpace(description)
	return e.updateTeamLocked(team), nil
}

// ToggleAdmin flips a member's admin flag. The creator cannot be demoted.
func (e *Engine) ToggleAdmin(teamID, userID string) (domain.Team, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	team, _, err := e.adminTeamLocked(teamID)
	if err != nil {
		return domain.Team{}, err
	}
	if !team.HasMember(userID) {
		return domain.Team{}, invalid("%s is not a member of %s", userID, teamID)
	}
	if userID == team.CreatorID && team.IsAdmin(userID) {
		return domain.Team{}, invalid("the team creator is always an admin")
	}
	return e.updateTeamLocked(team.ToggleAdmin(userID)), nil
}

// RegenerateJoinCode issues a fresh code and resets its usage.
func (e *Engine) RegenerateJoinCode(teamID string) (domain.Team, error) {
	if domain.IsPersonalWorkspace(teamID) {
		return domain.Team{}, invalid("the personal workspace cannot be shared")
	}
	code, err := GenerateJoinCode(e.teams.JoinCodeLength)
	if err != nil {
		return domain.Team{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	team, _, err := e.adminTeamLocked(teamID)
	if err != nil {
		return domain.Team{}, err
	}
	team.JoinCode = code
	team.JoinCodeUsage = 0
	return e.updateTeamLocked(team), nil
}
