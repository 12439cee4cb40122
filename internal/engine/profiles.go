package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/events"
)

// resolveProfiles fetches, in one batch, every member profile that is neither
// cached nor already being fetched. It is not subscribed to ProfilesMerged,
// so its own cache update never triggers it again.
func (e *Engine) resolveProfiles(ctx context.Context, ev events.Event) {
	e.mu.Lock()
	if e.st.Identity == nil {
		e.mu.Unlock()
		return
	}
	gen := e.identitySeq
	var missing []string
	for _, id := range ProfileIDs(*e.st.Identity, e.st.Workspaces) {
		if _, ok := e.st.Users[id]; ok {
			continue
		}
		if g, ok := e.profiling[id]; ok && g == gen {
			continue
		}
		e.profiling[id] = gen
		missing = append(missing, id)
	}
	e.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	log := e.log.WithFields(logrus.Fields{"stage": "profiles", "requested": len(missing)})
	users, err := e.remote.ListUsersByIDs(ctx, missing)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range missing {
		if e.profiling[id] == gen {
			delete(e.profiling, id)
		}
	}
	if err != nil {
		log.WithField("error", err).Warn("profile fetch failed")
		return
	}
	if gen != e.identitySeq {
		log.Debug("discarding profiles for superseded identity")
		return
	}
	merged := make([]string, 0, len(users))
	for _, u := range users {
		e.st.Users[u.ID] = u
		merged = append(merged, u.ID)
	}
	if len(merged) == 0 {
		return
	}
	e.st.bump()
	e.publishLocked(events.Event{Type: events.ProfilesMerged, IDs: merged})
	log.WithField("merged", len(merged)).Debug("profiles merged")
}
