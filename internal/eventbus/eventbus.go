// Package eventbus is the in-process publish/subscribe fan-out for task,
// attempt, merge, execution-process, and log changes. Delivery is best-effort
// at-most-once per subscriber: a subscriber whose buffer fills is dropped,
// never an event, so correctness is preserved for everyone still listening.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// EventKind names the table or stream an event originated from.
type EventKind string

const (
	EventTaskChanged    EventKind = "task_changed"
	EventAttemptChanged EventKind = "attempt_changed"
	EventProcessChanged EventKind = "process_changed"
	EventMergeChanged   EventKind = "merge_changed"
	EventLogAppended    EventKind = "log_appended"
)

// Event is one change notification. ProjectID and AttemptID scope which
// subscribers receive it; Payload carries the changed entity (or LogMsg).
type Event struct {
	Kind      EventKind
	ProjectID uuid.UUID
	AttemptID uuid.UUID
	Payload   any
}

// Scope filters which events a subscriber receives. Zero-value fields match
// everything at that level.
type Scope struct {
	ProjectID uuid.UUID
	AttemptID uuid.UUID
}

func (s Scope) matches(e Event) bool {
	if s.ProjectID != uuid.Nil && e.ProjectID != s.ProjectID {
		return false
	}
	if s.AttemptID != uuid.Nil && e.AttemptID != s.AttemptID {
		return false
	}
	return true
}

// defaultBufferSize bounds each subscriber's channel. Slow subscribers are
// dropped once the buffer fills.
const defaultBufferSize = 256

type subscriber struct {
	scope Scope
	ch    chan Event
}

// Bus fans events out to scoped subscribers.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New constructs a Bus.
func New() *Bus {
	return &Bus{
		log:  logging.WithComponent("eventbus"),
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber for events matching scope. The
// returned channel is closed when the subscriber is dropped (overflow) or
// unsubscribed; the cancel func is safe to call more than once.
func (b *Bus) Subscribe(scope Scope) (<-chan Event, func()) {
	sub := &subscriber{scope: scope, ch: make(chan Event, defaultBufferSize)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.remove(sub) })
	}
	return sub.ch, cancel
}

// Publish delivers e to every matching subscriber without blocking. A
// subscriber that cannot keep up is dropped with a logged warning.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	var overflowed []*subscriber
	for sub := range b.subs {
		if !sub.scope.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		b.log.Warn("dropping slow event subscriber",
			slog.String("project_id", sub.scope.ProjectID.String()),
			slog.String("attempt_id", sub.scope.AttemptID.String()))
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live subscribers, for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
