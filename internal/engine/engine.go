package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tasksetu/internal/auth"
	"tasksetu/internal/config"
	"tasksetu/internal/domain"
	"tasksetu/internal/events"
	"tasksetu/internal/storage"
)

// Remote is the slice of the remote store adapter the engine drives.
type Remote interface {
	ListTasks(ctx context.Context, teamID string) ([]domain.Task, error)
	PutTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTeamsForMember(ctx context.Context, userID string) ([]domain.Team, error)
	PutTeam(ctx context.Context, t domain.Team) error
	JoinTeam(ctx context.Context, code, userID string, maxUses int) (domain.Team, error)
	PutUser(ctx context.Context, u domain.Identity) error
	ListUsersByIDs(ctx context.Context, ids []string) ([]domain.Identity, error)
}

// Queue records remote writes that could not be delivered.
type Queue interface {
	Enqueue(ctx context.Context, kind, entityID string, payload any, cause error) error
	Settle(ctx context.Context, kind, entityID string) error
	// Hold serializes remote writes to one document with queued replays.
	Hold(kind, entityID string) (release func())
}

// LocalState remembers the last active workspace across restarts.
type LocalState interface {
	SaveActiveWorkspace(ctx context.Context, id string) error
	LoadActiveWorkspace(ctx context.Context) (string, error)
}

// Assistant answers chat messages and summarizes workloads.
type Assistant interface {
	Chat(ctx context.Context, message string, tasks []domain.Task, userName string) (string, error)
	AnalyzeTasks(ctx context.Context, tasks []domain.Task, userName string) (string, error)
}

type Options struct {
	Remote   Remote
	Auth     auth.Provider
	Outbox   Queue
	Local    LocalState
	Uploader storage.Uploader
	AI       Assistant
	Teams    config.TeamPolicy
	// UploadParallelism bounds concurrent uploads in one batch.
	UploadParallelism int
	Log               logrus.FieldLogger
	Now               func() time.Time
}

// Engine owns the client state and the sync cascade around it.
type Engine struct {
	Now   func() time.Time
	NewID func() string

	remote      Remote
	auth        auth.Provider
	queue       Queue
	local       LocalState
	uploader    storage.Uploader
	ai          Assistant
	teams       config.TeamPolicy
	parallelism int
	log         logrus.FieldLogger
	bus         *events.Bus

	mu            sync.Mutex
	st            State
	identitySeq   uint64
	restoreActive string
	fetchCancel   context.CancelFunc
	fetchSeq      uint64
	profiling     map[string]uint64
	memo          memo
	writes        sequencer
	persistMu     sync.Mutex

	unsubscribe []func()
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	teams := opts.Teams
	if teams.JoinCodeLength == 0 {
		teams.JoinCodeLength = config.Default().Teams.JoinCodeLength
	}
	if teams.JoinCodeMaxUses == 0 {
		teams.JoinCodeMaxUses = config.Default().Teams.JoinCodeMaxUses
	}
	uploader := opts.Uploader
	if uploader == nil {
		uploader = storage.Fallback{Log: log}
	}
	bus := events.NewBus(log.WithField("component", "bus"))
	bus.Now = now
	e := &Engine{
		Now:         now,
		NewID:       uuid.NewString,
		remote:      opts.Remote,
		auth:        opts.Auth,
		queue:       opts.Outbox,
		local:       opts.Local,
		uploader:    uploader,
		ai:          opts.AI,
		teams:       teams,
		parallelism: opts.UploadParallelism,
		log:         log,
		bus:         bus,
		st:          newState(),
		profiling:   map[string]uint64{},
	}
	e.writes.init()
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Start wires the bus stages, subscribes to identity changes and restores
// the persisted session.
func (e *Engine) Start(ctx context.Context) error {
	e.unsubscribe = append(e.unsubscribe,
		e.bus.Subscribe(events.IdentityChanged, "workspaces", e.syncWorkspaces),
		e.bus.Subscribe(events.IdentityChanged, "profiles", e.resolveProfiles),
		e.bus.Subscribe(events.WorkspacesChanged, "profiles", e.resolveProfiles),
		e.bus.Subscribe(events.ActiveWorkspaceChanged, "tasks", e.fetchTasks),
		e.bus.Subscribe(events.ActiveWorkspaceChanged, "persist", e.persistActiveWorkspace),
	)
	if e.local != nil {
		if id, err := e.local.LoadActiveWorkspace(ctx); err == nil {
			e.mu.Lock()
			e.restoreActive = id
			e.mu.Unlock()
		}
	}
	if e.auth == nil {
		e.applyIdentity(nil)
		return nil
	}
	e.unsubscribe = append(e.unsubscribe, e.auth.OnIdentityChange(e.applyIdentity))
	return e.restoreSession(ctx)
}

// Close stops reacting to events. In-flight reactions see a cancelled context.
func (e *Engine) Close() {
	for _, fn := range e.unsubscribe {
		fn()
	}
	e.unsubscribe = nil
	e.mu.Lock()
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.mu.Unlock()
	e.bus.Close()
}

// Wait blocks until every reaction and queued remote write has finished.
func (e *Engine) Wait() {
	e.bus.Wait()
}

// Events exposes the bus for observers.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone()
}

func (e *Engine) ActiveWorkspaceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.ActiveID
}

// publishLocked publishes while e.mu is held so event order follows state
// order. Handlers run on their own goroutines and take e.mu later.
func (e *Engine) publishLocked(ev events.Event) events.Event {
	return e.bus.Publish(ev)
}

func (e *Engine) hold(kind, entityID string) func() {
	if e.queue == nil {
		return func() {}
	}
	return e.queue.Hold(kind, entityID)
}

func (e *Engine) enqueue(ctx context.Context, kind, entityID string, payload any, cause error) {
	if e.queue == nil {
		e.log.WithFields(logrus.Fields{"kind": kind, "entity_id": entityID, "error": cause}).Error("remote write failed")
		return
	}
	if err := e.queue.Enqueue(context.WithoutCancel(ctx), kind, entityID, payload, cause); err != nil {
		e.log.WithFields(logrus.Fields{"kind": kind, "entity_id": entityID, "error": err}).Error("queue remote write")
	}
}
