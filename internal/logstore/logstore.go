// Package logstore is the log-capture layer between the process supervisor
// and everything that reads agent output: live tail subscribers, the stored
// transcript, and the conversation-context rebuild used for cross-executor
// transfer and the oversized-context fallback.
package logstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/eventbus"
	"github.com/alekspetrov/kanbanforge/internal/logging"
	"github.com/alekspetrov/kanbanforge/internal/store"
)

// tailBufferSize bounds each tail subscriber's channel. A subscriber that
// falls this far behind is dropped, matching the event bus policy.
const tailBufferSize = 512

type tailSub struct {
	processID uuid.UUID
	ch        chan domain.LogMsg
}

// LogStore persists LogMsg records through the store and fans them out to
// live tail subscribers.
type LogStore struct {
	store *store.Store
	bus   *eventbus.Bus
	log   *slog.Logger

	mu   sync.Mutex
	subs map[*tailSub]struct{}
}

// New constructs a LogStore. bus may be nil when no change-notification
// wiring is wanted (tests).
func New(st *store.Store, bus *eventbus.Bus) *LogStore {
	return &LogStore{
		store: st,
		bus:   bus,
		log:   logging.WithComponent("logstore"),
		subs:  make(map[*tailSub]struct{}),
	}
}

// Append persists one LogMsg for processID and delivers it to tail
// subscribers. attemptID scopes the change event published on the bus.
func (l *LogStore) Append(ctx context.Context, attemptID, processID uuid.UUID, msg domain.LogMsg) error {
	if err := l.store.AppendLog(ctx, processID, msg); err != nil {
		return err
	}

	l.mu.Lock()
	var overflowed []*tailSub
	for sub := range l.subs {
		if sub.processID != processID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(l.subs, sub)
		close(sub.ch)
	}
	l.mu.Unlock()

	for range overflowed {
		l.log.Warn("dropping slow log tail subscriber", slog.String("process_id", processID.String()))
	}

	if l.bus != nil {
		l.bus.Publish(eventbus.Event{
			Kind:      eventbus.EventLogAppended,
			AttemptID: attemptID,
			Payload:   msg,
		})
	}
	return nil
}

// GetTranscript returns the entire stored log sequence for a process,
// oldest first.
func (l *LogStore) GetTranscript(ctx context.Context, processID uuid.UUID) ([]domain.LogMsg, error) {
	return l.store.GetLogs(ctx, processID)
}

// Tail returns a channel of live log messages for processID, starting from
// the moment of subscription (no replay). The channel closes when ctx is
// done or the subscriber is dropped for falling behind.
func (l *LogStore) Tail(ctx context.Context, processID uuid.UUID) <-chan domain.LogMsg {
	sub := &tailSub{processID: processID, ch: make(chan domain.LogMsg, tailBufferSize)}

	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		if _, ok := l.subs[sub]; ok {
			delete(l.subs, sub)
			close(sub.ch)
		}
		l.mu.Unlock()
	}()

	return sub.ch
}
