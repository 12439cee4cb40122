package engine

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/domain"
	"tasksetu/internal/events"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
)

// DedupWorkspaces keeps one entry per id. The entry keeps the position of the
// first occurrence and the value of the last one.
func DedupWorkspaces(list []domain.Team) []domain.Team {
	pos := make(map[string]int, len(list))
	out := make([]domain.Team, 0, len(list))
	for _, t := range list {
		if i, ok := pos[t.ID]; ok {
			out[i] = t.Clone()
			continue
		}
		pos[t.ID] = len(out)
		out = append(out, t.Clone())
	}
	return out
}

// MergeWorkspaces puts the personal workspace first, then the remote ones.
// A remote copy of the personal id replaces the synthetic one.
func MergeWorkspaces(user domain.Identity, remoteTeams []domain.Team) []domain.Team {
	list := make([]domain.Team, 0, len(remoteTeams)+1)
	list = append(list, domain.PersonalWorkspace(user))
	list = append(list, remoteTeams...)
	return DedupWorkspaces(list)
}

// SelectActive keeps previous when it is still in the set and otherwise
// falls back to the personal workspace.
func SelectActive(workspaces []domain.Team, previous, personalID string) string {
	has := func(id string) bool {
		return id != "" && slices.ContainsFunc(workspaces, func(t domain.Team) bool { return t.ID == id })
	}
	switch {
	case has(previous):
		return previous
	case has(personalID):
		return personalID
	case len(workspaces) > 0:
		return workspaces[0].ID
	}
	return ""
}

// ProfileIDs is the current user plus every member of every workspace.
func ProfileIDs(user domain.Identity, workspaces []domain.Team) []string {
	ids := []string{user.ID}
	for _, t := range workspaces {
		for _, m := range t.Members {
			if m != "" && !slices.Contains(ids, m) {
				ids = append(ids, m)
			}
		}
	}
	return ids
}

func workspaceIDs(list []domain.Team) []string {
	ids := make([]string, len(list))
	for i, t := range list {
		ids[i] = t.ID
	}
	return ids
}

// putProfile upserts the user's profile, queueing it when the remote is down.
func (e *Engine) putProfile(ctx context.Context, log logrus.FieldLogger, user domain.Identity) {
	release := e.hold(outbox.KindUserPut, user.ID)
	defer release()
	if err := e.remote.PutUser(ctx, user); err != nil {
		log.WithField("error", err).Warn("profile upsert failed")
		if remote.IsUnavailable(err) {
			e.enqueue(ctx, outbox.KindUserPut, user.ID, user, err)
		}
		return
	}
	if e.queue != nil {
		if err := e.queue.Settle(context.WithoutCancel(ctx), outbox.KindUserPut, user.ID); err != nil {
			log.WithField("error", err).Warn("settle outbox entry")
		}
	}
}

// loadPersonal starts the task fetch for the personal workspace activated at
// sign-in, unless the identity or the selection moved on.
func (e *Engine) loadPersonal(seq uint64, personalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identitySeq != seq || e.st.ActiveID != personalID {
		return
	}
	e.publishLocked(events.Event{Type: events.ActiveWorkspaceChanged, WorkspaceID: personalID})
}

// syncWorkspaces reacts to a new identity: upsert the profile, fetch the
// remote teams and merge them behind the personal workspace.
func (e *Engine) syncWorkspaces(ctx context.Context, ev events.Event) {
	if ev.Identity == nil {
		return
	}
	user := *ev.Identity
	log := e.log.WithFields(logrus.Fields{"stage": "workspaces", "user_id": user.ID})

	e.putProfile(ctx, log, user)
	e.loadPersonal(ev.Seq, domain.PersonalWorkspaceID(user.ID))

	teams, err := e.remote.ListTeamsForMember(ctx, user.ID)
	if err != nil {
		log.WithField("error", err).Warn("team fetch failed, keeping personal workspace only")
		teams = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identitySeq != ev.Seq {
		log.Debug("discarding workspaces for superseded identity")
		return
	}
	merged := MergeWorkspaces(user, teams)
	previous := e.st.ActiveID
	if e.restoreActive != "" {
		previous = e.restoreActive
		e.restoreActive = ""
	}
	e.st.Workspaces = merged
	e.st.bump()
	e.publishLocked(events.Event{Type: events.WorkspacesChanged, IDs: workspaceIDs(merged)})
	e.setActiveLocked(SelectActive(merged, previous, domain.PersonalWorkspaceID(user.ID)))
	log.WithFields(logrus.Fields{"workspaces": len(merged), "active": e.st.ActiveID}).Info("workspaces synced")
}

// setActiveLocked switches the active workspace and cancels the fetch for the
// old one. Callers hold e.mu.
func (e *Engine) setActiveLocked(id string) {
	if id == e.st.ActiveID {
		return
	}
	previous := e.st.ActiveID
	e.st.ActiveID = id
	e.st.bump()
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.publishLocked(events.Event{Type: events.ActiveWorkspaceChanged, WorkspaceID: id, PreviousID: previous})
}

// persistActiveWorkspace stores the last active id so the next start can
// restore it.
func (e *Engine) persistActiveWorkspace(ctx context.Context, ev events.Event) {
	if e.local == nil || ev.WorkspaceID == "" {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if e.ActiveWorkspaceID() != ev.WorkspaceID {
		return
	}
	if err := e.local.SaveActiveWorkspace(ctx, ev.WorkspaceID); err != nil {
		e.log.WithFields(logrus.Fields{"workspace_id": ev.WorkspaceID, "error": err}).Warn("persist active workspace")
	}
}

// SelectWorkspace makes id the active workspace.
func (e *Engine) SelectWorkspace(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.workspaceIndex(id) < 0 {
		return ErrWorkspaceNotFound
	}
	e.setActiveLocked(id)
	return nil
}
