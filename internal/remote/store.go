package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"tasksetu/internal/domain"
	"tasksetu/internal/repo"
)

// Mirror is the local persisted copy used when the remote cannot be reached.
type Mirror interface {
	ListTasks(ctx context.Context, teamID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ReplaceTeamTasks(ctx context.Context, teamID string, tasks []domain.Task) error
	PutTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
}

type BreakerSettings struct {
	MaxRequests         uint32
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Store is the adapter the sync layer talks to. A nil DocumentStore means the
// remote is not configured and the mirror is authoritative.
type Store struct {
	docs   DocumentStore
	mirror Mirror
	cb     *gobreaker.CircuitBreaker
	log    logrus.FieldLogger
}

func NewStore(docs DocumentStore, mirror Mirror, bs BreakerSettings, log logrus.FieldLogger) *Store {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 3
	}
	if bs.MaxRequests == 0 {
		bs.MaxRequests = 1
	}
	if bs.Timeout == 0 {
		bs.Timeout = 2 * time.Second
	}
	s := &Store{docs: docs, mirror: mirror, log: log}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: bs.MaxRequests,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return s
}

// Configured reports whether a remote database is attached.
func (s *Store) Configured() bool {
	return s.docs != nil
}

// BreakerState is "closed", "half-open" or "open".
func (s *Store) BreakerState() string {
	return s.cb.State().String()
}

func (s *Store) call(op string, fn func() error) error {
	if s.docs == nil {
		return unavailable(op, errors.New("remote not configured"))
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return unavailable(op, err)
	}
	return err
}

func find[T any](ctx context.Context, s *Store, collection string, q Query) ([]T, error) {
	var out []T
	err := s.call("find "+collection, func() error {
		docs, err := s.docs.Find(ctx, collection, q)
		if err != nil {
			return err
		}
		out, err = decodeAll[T](docs)
		return err
	})
	return out, err
}

// ListTasks reads a team's tasks, falling back to the mirror while the remote
// is unreachable. Successful reads refresh the mirror.
func (s *Store) ListTasks(ctx context.Context, teamID string) ([]domain.Task, error) {
	if s.docs == nil {
		return s.mirror.ListTasks(ctx, teamID)
	}
	tasks, err := find[domain.Task](ctx, s, CollectionTasks, FieldEquals("teamId", teamID))
	if err != nil {
		if isContextErr(err) || ctx.Err() != nil {
			return nil, err
		}
		if !IsUnavailable(err) {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"team_id": teamID, "error": err}).Warn("remote task read failed, serving mirror")
		return s.mirror.ListTasks(ctx, teamID)
	}
	if err := s.mirror.ReplaceTeamTasks(ctx, teamID, tasks); err != nil {
		s.log.WithFields(logrus.Fields{"team_id": teamID, "error": err}).Warn("refresh task mirror")
	}
	return tasks, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if s.docs == nil {
		return s.mirrorTask(ctx, id)
	}
	var t domain.Task
	err := s.call("get task", func() error { return s.docs.Get(ctx, CollectionTasks, id, &t) })
	if IsUnavailable(err) {
		return s.mirrorTask(ctx, id)
	}
	return t, err
}

func (s *Store) mirrorTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.mirror.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// PutTask writes the mirror first, then the remote.
func (s *Store) PutTask(ctx context.Context, t domain.Task) error {
	if err := s.mirror.PutTask(ctx, t); err != nil {
		s.log.WithFields(logrus.Fields{"task_id": t.ID, "error": err}).Warn("mirror task write")
	}
	if s.docs == nil {
		return nil
	}
	return s.PushTask(ctx, t)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := s.mirror.DeleteTask(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.log.WithFields(logrus.Fields{"task_id": id, "error": err}).Warn("mirror task delete")
	}
	if s.docs == nil {
		return nil
	}
	return s.RemoveTask(ctx, id)
}

// PushTask writes to the remote only.
func (s *Store) PushTask(ctx context.Context, t domain.Task) error {
	return s.call("put task", func() error { return s.docs.Upsert(ctx, CollectionTasks, t.ID, t) })
}

// RemoveTask deletes from the remote only.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	return s.call("delete task", func() error { return s.docs.Delete(ctx, CollectionTasks, id) })
}

// ListTeamsForMember returns the remote teams a user belongs to. With no
// remote configured there are none.
func (s *Store) ListTeamsForMember(ctx context.Context, userID string) ([]domain.Team, error) {
	if s.docs == nil {
		return nil, nil
	}
	return find[domain.Team](ctx, s, CollectionTeams, ArrayContains("members", userID))
}

func (s *Store) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := s.call("get team", func() error { return s.docs.Get(ctx, CollectionTeams, id, &t) })
	return t, err
}

// PutTeam persists a team. The personal workspace never leaves the device.
func (s *Store) PutTeam(ctx context.Context, t domain.Team) error {
	if domain.IsPersonalWorkspace(t.ID) {
		return nil
	}
	if s.docs == nil {
		return nil
	}
	return s.PushTeam(ctx, t)
}

func (s *Store) PushTeam(ctx context.Context, t domain.Team) error {
	if domain.IsPersonalWorkspace(t.ID) {
		return nil
	}
	return s.call("put team", func() error { return s.docs.Upsert(ctx, CollectionTeams, t.ID, t) })
}

func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	if domain.IsPersonalWorkspace(id) || s.docs == nil {
		return nil
	}
	return s.call("delete team", func() error { return s.docs.Delete(ctx, CollectionTeams, id) })
}

func (s *Store) FindTeamByJoinCode(ctx context.Context, code string) (domain.Team, error) {
	teams, err := find[domain.Team](ctx, s, CollectionTeams, FieldEquals("joinCode", code))
	if err != nil {
		return domain.Team{}, err
	}
	if len(teams) == 0 {
		return domain.Team{}, ErrInvalidCode
	}
	return teams[0], nil
}

const joinAttempts = 3

// JoinTeam adds userID to the team owning code. Membership and usage are
// updated in one conditional write, so concurrent joins cannot push usage
// past maxUses. A current member joining again is a no-op.
func (s *Store) JoinTeam(ctx context.Context, code, userID string, maxUses int) (domain.Team, error) {
	if s.docs == nil {
		return domain.Team{}, unavailable("join team", errors.New("remote not configured"))
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		team, err := s.FindTeamByJoinCode(ctx, code)
		if err != nil {
			return domain.Team{}, err
		}
		if team.HasMember(userID) {
			return team, nil
		}
		if team.JoinCodeUsage >= maxUses {
			return domain.Team{}, ErrCodeExhausted
		}
		var applied bool
		err = s.call("join team", func() error {
			var err error
			applied, err = s.docs.AtomicAppend(ctx, CollectionTeams, team.ID, Append{
				Field:   "members",
				Value:   userID,
				Counter: "joinCodeUsage",
				Below:   maxUses,
			})
			return err
		})
		if err != nil {
			return domain.Team{}, err
		}
		if applied {
			team = team.Clone()
			team.Members = append(team.Members, userID)
			team.JoinCodeUsage++
			return team, nil
		}
		// Lost a race with another joiner or a code regeneration; re-read.
		s.log.WithFields(logrus.Fields{"team_id": team.ID, "attempt": attempt + 1}).Debug("join append not applied, retrying")
	}
	return domain.Team{}, ErrCodeExhausted
}

func (s *Store) PutUser(ctx context.Context, u domain.Identity) error {
	if s.docs == nil {
		return nil
	}
	return s.PushUser(ctx, u)
}

func (s *Store) PushUser(ctx context.Context, u domain.Identity) error {
	return s.call("put user", func() error { return s.docs.Upsert(ctx, CollectionUsers, u.ID, u) })
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.Identity, error) {
	var u domain.Identity
	err := s.call("get user", func() error { return s.docs.Get(ctx, CollectionUsers, id, &u) })
	return u, err
}

// ListUsersByIDs resolves profiles in one batched query. Duplicate and empty
// ids are dropped and unknown ids are skipped.
func (s *Store) ListUsersByIDs(ctx context.Context, ids []string) ([]domain.Identity, error) {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 || s.docs == nil {
		return nil, nil
	}
	return find[domain.Identity](ctx, s, CollectionUsers, IDIn(unique))
}
