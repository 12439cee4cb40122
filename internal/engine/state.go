package engine

import (
	"maps"
	"slices"

	"tasksetu/internal/domain"
)

type SessionState string

const (
	SessionUnknown       SessionState = "unknown"
	SessionAuthenticated SessionState = "authenticated"
	SessionAnonymous     SessionState = "anonymous"
)

// State is the client-side store. Only the synchronizers and the mutation
// pipeline write it; everyone else reads Snapshot copies.
type State struct {
	Version    uint64                     `json:"version"`
	Session    SessionState               `json:"session"`
	Identity   *domain.Identity           `json:"identity,omitempty"`
	Workspaces []domain.Team              `json:"workspaces"`
	ActiveID   string                     `json:"activeWorkspaceId"`
	Tasks      []domain.Task              `json:"tasks"`
	Loading    bool                       `json:"loading"`
	Users      map[string]domain.Identity `json:"users"`
}

func newState() State {
	return State{Session: SessionUnknown, Users: map[string]domain.Identity{}}
}

func (s State) clone() State {
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	s.Workspaces = slices.Clone(s.Workspaces)
	for i := range s.Workspaces {
		s.Workspaces[i] = s.Workspaces[i].Clone()
	}
	s.Tasks = slices.Clone(s.Tasks)
	for i := range s.Tasks {
		s.Tasks[i] = s.Tasks[i].Clone()
	}
	s.Users = maps.Clone(s.Users)
	return s
}

func (s *State) bump() { s.Version++ }

func (s *State) taskIndex(id string) int {
	return slices.IndexFunc(s.Tasks, func(t domain.Task) bool { return t.ID == id })
}

func (s *State) workspaceIndex(id string) int {
	return slices.IndexFunc(s.Workspaces, func(t domain.Team) bool { return t.ID == id })
}

// Workspace returns the workspace with id from the current set.
func (s State) Workspace(id string) (domain.Team, bool) {
	i := s.workspaceIndex(id)
	if i < 0 {
		return domain.Team{}, false
	}
	return s.Workspaces[i], true
}

func (s State) Task(id string) (domain.Task, bool) {
	i := s.taskIndex(id)
	if i < 0 {
		return domain.Task{}, false
	}
	return s.Tasks[i], true
}

// Directory lists the known users in id order.
func (s State) Directory() []domain.Identity {
	out := make([]domain.Identity, 0, len(s.Users))
	for _, id := range slices.Sorted(maps.Keys(s.Users)) {
		out = append(out, s.Users[id])
	}
	return out
}
