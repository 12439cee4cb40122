package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/events"
)

// fetchTasks replaces the task list with the active workspace's tasks. A
// newer workspace switch cancels the fetch, and a result that arrives for a
// workspace that is no longer active is dropped.
func (e *Engine) fetchTasks(ctx context.Context, ev events.Event) {
	log := e.log.WithFields(logrus.Fields{"stage": "tasks", "team_id": ev.WorkspaceID})

	e.mu.Lock()
	if ev.WorkspaceID == "" || e.st.ActiveID != ev.WorkspaceID {
		e.mu.Unlock()
		return
	}
	if e.fetchCancel != nil {
		e.fetchCancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	e.fetchCancel = cancel
	e.fetchSeq = ev.Seq
	e.st.Loading = true
	e.st.bump()
	e.mu.Unlock()
	defer cancel()

	tasks, err := e.remote.ListTasks(fctx, ev.WorkspaceID)

	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.fetchSeq == ev.Seq
	if current {
		e.fetchCancel = nil
	}
	if e.st.ActiveID != ev.WorkspaceID || !current {
		log.Debug("discarding stale task fetch")
		return
	}
	e.st.Loading = false
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("task fetch cancelled")
		} else {
			log.WithField("error", err).Warn("task fetch failed, keeping previous tasks")
		}
		e.st.bump()
		return
	}
	e.st.Tasks = tasks
	e.st.bump()
	e.publishLocked(events.Event{Type: events.TasksReplaced, WorkspaceID: ev.WorkspaceID, IDs: taskIDs(tasks)})
	log.WithField("tasks", len(tasks)).Debug("tasks replaced")
}

// Refresh re-runs the task fetch for the active workspace.
func (e *Engine) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.ActiveID == "" {
		return
	}
	e.publishLocked(events.Event{Type: events.ActiveWorkspaceChanged, WorkspaceID: e.st.ActiveID, PreviousID: e.st.ActiveID})
}
