package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/remote"
)

// sequencer hands out tickets in local-apply order and runs remote writes in
// ticket order, so a later edit never lands before an earlier one.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func (s *sequencer) init() {
	s.cond = sync.NewCond(&s.mu)
}

func (s *sequencer) ticket() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t
}

func (s *sequencer) run(t uint64, fn func()) {
	s.mu.Lock()
	for s.serving != t {
		s.cond.Wait()
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.serving++
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	fn()
}

// remoteWrite is the second phase of a mutation.
type remoteWrite struct {
	kind     string
	entityID string
	payload  any
	do       func(ctx context.Context) error
}

// scheduleLocked queues w behind every earlier write. Callers hold e.mu so
// the ticket order matches the order of the optimistic updates.
func (e *Engine) scheduleLocked(w remoteWrite) {
	t := e.writes.ticket()
	e.bus.Go(func(ctx context.Context) {
		e.writes.run(t, func() { e.deliver(ctx, w) })
	})
}

func (e *Engine) deliver(ctx context.Context, w remoteWrite) {
	log := e.log.WithFields(logrus.Fields{"kind": w.kind, "entity_id": w.entityID})
	release := e.hold(w.kind, w.entityID)
	defer release()
	err := w.do(ctx)
	switch {
	case err == nil:
		if e.queue != nil {
			if err := e.queue.Settle(context.WithoutCancel(ctx), w.kind, w.entityID); err != nil {
				log.WithField("error", err).Warn("settle outbox entry")
			}
		}
	case remote.IsUnavailable(err) || ctx.Err() != nil:
		e.enqueue(ctx, w.kind, w.entityID, w.payload, err)
	default:
		// Local state is kept; the next resync reconciles it.
		log.WithField("error", err).Error("remote write rejected")
	}
}
