package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tasksetu/internal/domain"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
)

const (
	KindTaskPut    = "task.put"
	KindTaskDelete = "task.delete"
	KindTeamPut    = "team.put"
	KindUserPut    = "user.put"

	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
	defaultBatch       = 100
)

// Family groups kinds that address the same remote document.
func Family(kind string) string {
	family, _, _ := strings.Cut(kind, ".")
	return family
}

// Sink performs remote-only writes.
type Sink interface {
	PushTask(ctx context.Context, t domain.Task) error
	RemoveTask(ctx context.Context, id string) error
	PushTeam(ctx context.Context, t domain.Team) error
	PushUser(ctx context.Context, u domain.Identity) error
}

// Outbox persists failed remote writes and replays them with backoff.
type Outbox struct {
	Repo        repo.Repo
	Sink        Sink
	Log         logrus.FieldLogger
	Now         func() time.Time
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	flushMu sync.Mutex
	locks   entityLocks
}

// entityLocks is a mutex per (family, entity), dropped when unused.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func (l *entityLocks) lock(key string) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = map[string]*entityLock{}
	}
	el := l.held[key]
	if el == nil {
		el = &entityLock{}
		l.held[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}

// Hold serializes remote writes to one document. Direct writes and replays
// both take it, so a replay cannot land after a newer direct write.
func (o *Outbox) Hold(kind, entityID string) (release func()) {
	return o.locks.lock(Family(kind) + "/" + entityID)
}

func New(r repo.Repo, sink Sink, log logrus.FieldLogger) *Outbox {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Outbox{Repo: r, Sink: sink, Log: log, Now: time.Now, BaseBackoff: defaultBaseBackoff, MaxBackoff: defaultMaxBackoff}
}

func (o *Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Backoff returns the delay before retry number attempts (1-based).
func (o *Outbox) Backoff(attempts int) time.Duration {
	base, ceiling := o.BaseBackoff, o.MaxBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Enqueue records a write that failed. A newer write for the same entity
// replaces the pending one, so a delete supersedes a queued put.
func (o *Outbox) Enqueue(ctx context.Context, kind, entityID string, payload any, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	entry := repo.OutboxEntry{
		ID:            uuid.NewString(),
		Kind:          kind,
		Family:        Family(kind),
		EntityID:      entityID,
		Payload:       data,
		Attempts:      1,
		NextAttemptAt: o.now().Add(o.Backoff(1)),
		CreatedAt:     o.now(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if err := o.Repo.UpsertOutbox(ctx, entry); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", kind, entityID, err)
	}
	o.Log.WithFields(logrus.Fields{"kind": kind, "entity_id": entityID, "error": entry.LastError}).Error("remote write failed, queued for retry")
	return nil
}

// Settle drops the pending entry for an entity after a direct write landed.
func (o *Outbox) Settle(ctx context.Context, kind, entityID string) error {
	removed, err := o.Repo.DeleteOutboxEntity(ctx, Family(kind), entityID)
	if err != nil {
		return err
	}
	if removed {
		o.Log.WithFields(logrus.Fields{"kind": kind, "entity_id": entityID}).Debug("outbox entry settled by direct write")
	}
	return nil
}

// Pending lists queued writes, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]repo.OutboxEntry, error) {
	return o.Repo.ListOutbox(ctx)
}

// FlushResult summarizes one replay pass.
type FlushResult struct {
	Delivered  int
	Dropped    int
	Retrying   int
	Superseded int
}

// Flush replays due entries. It stops at the first unavailability.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	var res FlushResult
	now := o.now()
	entries, err := o.Repo.DueOutbox(ctx, now, defaultBatch)
	if err != nil {
		return res, fmt.Errorf("load due outbox entries: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stop, err := o.replay(ctx, e, now, &res)
		if err != nil || stop {
			return res, err
		}
	}
	return res, nil
}

// replay delivers one entry under its entity hold. An entry that was settled
// or replaced since it was loaded is skipped: the newer write owns the remote.
func (o *Outbox) replay(ctx context.Context, e repo.OutboxEntry, now time.Time, res *FlushResult) (stop bool, err error) {
	release := o.Hold(e.Kind, e.EntityID)
	defer release()

	log := o.Log.WithFields(logrus.Fields{"kind": e.Kind, "entity_id": e.EntityID, "attempts": e.Attempts})
	current, err := o.Repo.GetOutboxEntity(ctx, e.Family, e.EntityID)
	switch {
	case errors.Is(err, repo.ErrNotFound) || (err == nil && current.ID != e.ID):
		res.Superseded++
		log.Debug("queued write superseded before replay")
		return false, nil
	case err != nil:
		return true, err
	}

	err = o.deliver(ctx, e)
	switch {
	case err == nil:
		if err := o.Repo.DeleteOutbox(ctx, e.ID); err != nil {
			return true, err
		}
		res.Delivered++
		log.Info("queued write delivered")
	case remote.IsUnavailable(err):
		attempts := e.Attempts + 1
		next := now.Add(o.Backoff(attempts))
		if err := o.Repo.RescheduleOutbox(ctx, e.ID, attempts, err.Error(), next); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return true, err
		}
		res.Retrying++
		log.WithField("next_attempt_at", next.Format(time.RFC3339)).Warn("remote still unavailable")
		// The rest would fail the same way.
		return true, nil
	case errors.Is(err, context.Canceled):
		return true, err
	default:
		// Rejected, missing or undecodable writes will never succeed.
		if err := o.Repo.DeleteOutbox(ctx, e.ID); err != nil {
			return true, err
		}
		res.Dropped++
		log.WithField("error", err).Error("dropping queued write")
	}
	return false, nil
}

func (o *Outbox) deliver(ctx context.Context, e repo.OutboxEntry) error {
	switch e.Kind {
	case KindTaskPut:
		var t domain.Task
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			return fmt.Errorf("decode task payload: %w", err)
		}
		return o.Sink.PushTask(ctx, t)
	case KindTaskDelete:
		return o.Sink.RemoveTask(ctx, e.EntityID)
	case KindTeamPut:
		var t domain.Team
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			return fmt.Errorf("decode team payload: %w", err)
		}
		return o.Sink.PushTeam(ctx, t)
	case KindUserPut:
		var u domain.Identity
		if err := json.Unmarshal(e.Payload, &u); err != nil {
			return fmt.Errorf("decode user payload: %w", err)
		}
		return o.Sink.PushUser(ctx, u)
	}
	return fmt.Errorf("unknown outbox kind %q", e.Kind)
}

// Run flushes on every tick until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.Flush(ctx); err != nil && ctx.Err() == nil {
			o.Log.WithField("error", err).Warn("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
