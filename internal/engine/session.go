package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
	"tasksetu/internal/events"
)

func (e *Engine) restoreSession(ctx context.Context) error {
	id, err := e.auth.Current(ctx)
	switch {
	case err == nil:
		e.applyIdentity(&id)
	case errors.Is(err, auth.ErrNotSignedIn):
		e.applyIdentity(nil)
	default:
		return err
	}
	return nil
}

// applyIdentity is the session controller transition. Changes are detected by
// id, so a refreshed token for the same user only updates display fields.
func (e *Engine) applyIdentity(id *domain.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.st.Identity
	if id == nil {
		if prev == nil && e.st.Session == SessionAnonymous {
			return
		}
		e.resetLocked()
		e.st.Session = SessionAnonymous
		e.st.bump()
		ev := e.publishLocked(events.Event{Type: events.IdentityChanged})
		e.identitySeq = ev.Seq
		e.log.Info("signed out")
		return
	}

	user := *id
	if prev != nil && prev.ID == user.ID {
		e.st.Identity = &user
		e.st.Users[user.ID] = user
		e.st.bump()
		return
	}

	e.resetLocked()
	e.st.Session = SessionAuthenticated
	e.st.Identity = &user
	e.st.Users[user.ID] = user
	personal := domain.PersonalWorkspace(user)
	e.st.Workspaces = []domain.Team{personal}
	// The personal workspace takes writes at once. Its tasks are fetched once
	// the profile upsert has run.
	e.st.ActiveID = personal.ID
	e.st.bump()
	ev := e.publishLocked(events.Event{Type: events.IdentityChanged, Identity: &user})
	e.identitySeq = ev.Seq
	e.log.WithFields(logrus.Fields{"user_id": user.ID, "guest": user.Guest}).Info("signed in")
}

// resetLocked clears everything tied to the previous identity.
func (e *Engine) resetLocked() {
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.st.Identity = nil
	e.st.Workspaces = nil
	e.st.ActiveID = ""
	e.st.Tasks = nil
	e.st.Loading = false
	e.st.Users = map[string]domain.Identity{}
	e.profiling = map[string]uint64{}
}

func (e *Engine) SignIn(ctx context.Context, credential string) (domain.Identity, error) {
	if e.auth == nil {
		return domain.Identity{}, auth.ErrNotSignedIn
	}
	return e.auth.SignIn(ctx, credential)
}

func (e *Engine) SignInAsGuest(ctx context.Context) (domain.Identity, error) {
	if e.auth == nil {
		return domain.Identity{}, auth.ErrNotSignedIn
	}
	return e.auth.SignInAsGuest(ctx)
}

func (e *Engine) SignOut(ctx context.Context) error {
	if e.auth == nil {
		e.applyIdentity(nil)
		return nil
	}
	return e.auth.SignOut(ctx)
}

// CurrentUser returns the signed-in identity or auth.ErrNotSignedIn.
func (e *Engine) CurrentUser() (domain.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Identity == nil {
		return domain.Identity{}, auth.ErrNotSignedIn
	}
	return *e.st.Identity, nil
}
