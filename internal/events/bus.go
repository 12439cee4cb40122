package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/domain"
)

type Type string

const (
	IdentityChanged        Type = "identity.changed"
	WorkspacesChanged      Type = "workspaces.changed"
	ActiveWorkspaceChanged Type = "workspace.active_changed"
	TasksReplaced          Type = "tasks.replaced"
	ProfilesMerged         Type = "profiles.merged"
	TaskMutated            Type = "task.mutated"
)

// Event is one step of the sync cascade.
type Event struct {
	Seq  uint64
	Type Type
	At   time.Time
	// Identity is set on IdentityChanged; nil means signed out.
	Identity *domain.Identity
	// WorkspaceID is the workspace the event concerns.
	WorkspaceID string
	PreviousID  string
	// IDs lists affected entities (workspace ids, user ids, task ids).
	IDs []string
}

// Handler reacts to an event. It runs on its own goroutine.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id   int
	name string
	fn   Handler
}

const historySize = 256

// Bus fans events out to subscribers and tracks in-flight reactions.
type Bus struct {
	Now func() time.Time
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[Type][]subscription
	nextID  int
	seq     uint64
	history []Event
	wg      sync.WaitGroup
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{Now: time.Now, log: log, ctx: ctx, cancel: cancel, subs: map[Type][]subscription{}}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t Type, name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[t] = append(b.subs[t], subscription{id: id, name: name, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[t] = slices.DeleteFunc(b.subs[t], func(s subscription) bool { return s.id == id })
	}
}

// Publish stamps e and starts one goroutine per subscriber.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if b.Now != nil {
		e.At = b.Now()
	}
	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = slices.Clone(b.history[len(b.history)-historySize:])
	}
	subs := slices.Clone(b.subs[e.Type])
	b.wg.Add(len(subs))
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"event": string(e.Type), "seq": e.Seq, "workspace_id": e.WorkspaceID}).Debug("publish")
	for _, s := range subs {
		go b.dispatch(s, e)
	}
	return e
}

func (b *Bus) dispatch(s subscription, e Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"event": string(e.Type), "subscriber": s.name, "panic": fmt.Sprint(r)}).Error("subscriber panicked")
		}
	}()
	if b.ctx.Err() != nil {
		return
	}
	s.fn(b.ctx, e)
}

// Go runs fn as a tracked background job.
func (b *Bus) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Wait blocks until every reaction and tracked job has finished, including
// the ones they started.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close cancels the context handed to reactions.
func (b *Bus) Close() {
	b.cancel()
}

// History returns the most recent events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

// CountOf counts recorded events of type t.
func (b *Bus) CountOf(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.history {
		if e.Type == t {
			n++
		}
	}
	return n
}
