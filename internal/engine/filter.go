package engine

import (
	"strings"
	"sync"

	"tasksetu/internal/domain"
)

// Filter is the board's view state. Empty fields do not filter.
type Filter struct {
	WorkspaceID string            `json:"workspaceId"`
	Search      string            `json:"search,omitempty"`
	Status      domain.TaskStatus `json:"status,omitempty"`
	AssigneeID  string            `json:"assigneeId,omitempty"`
	DueBefore   domain.Date       `json:"dueBefore,omitempty"`
}

// FilterTasks returns the tasks visible under f, keeping their relative order.
// An assignee missing from directory matches the search as an empty name.
func FilterTasks(tasks []domain.Task, f Filter, directory map[string]domain.Identity) []domain.Task {
	term := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.TeamID != f.WorkspaceID {
			continue
		}
		if term != "" && !matchesSearch(t, term, directory) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
			continue
		}
		if !f.DueBefore.IsZero() && !t.DueDate.OnOrBefore(f.DueBefore) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func matchesSearch(t domain.Task, term string, directory map[string]domain.Identity) bool {
	fields := []string{t.Title, t.Description, directory[t.AssigneeID].Name, string(t.Status), string(t.Priority)}
	for _, s := range fields {
		if s != "" && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

type memo struct {
	mu      sync.Mutex
	version uint64
	filter  Filter
	valid   bool
	result  []domain.Task
}

// VisibleTasks filters the current tasks for the active workspace. The result
// is reused until the state or the filter changes.
func (e *Engine) VisibleTasks(f Filter) []domain.Task {
	e.mu.Lock()
	f.WorkspaceID = e.st.ActiveID
	version := e.st.Version
	e.memo.mu.Lock()
	if e.memo.valid && e.memo.version == version && e.memo.filter == f {
		res := cloneTasks(e.memo.result)
		e.memo.mu.Unlock()
		e.mu.Unlock()
		return res
	}
	e.memo.mu.Unlock()
	res := FilterTasks(e.st.Tasks, f, e.st.Users)
	res = cloneTasks(res)
	e.mu.Unlock()

	e.memo.mu.Lock()
	e.memo.version, e.memo.filter, e.memo.valid, e.memo.result = version, f, true, res
	e.memo.mu.Unlock()
	return cloneTasks(res)
}

func cloneTasks(in []domain.Task) []domain.Task {
	out := make([]domain.Task, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
