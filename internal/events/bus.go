// Package events is the per-session notification bus: it persists every
// event through storage before fanning it out to live SSE subscribers,
// optionally republishing to NATS for multi-process delivery. Grounded in
// the teacher's pkg/mcp/sse.go (HandleSSE's subscribe-and-stream loop) and
// pkg/mcp/operations.go (its NATS subject scheme), generalized from
// per-operation subjects to per-session ones.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// Bus persists events through a storage.EventStore and fans them out to any
// live local subscribers for the originating session. Storage is always the
// source of truth; NATS (when configured) is a secondary fan-out path for
// deployments running more than one process, mirroring the teacher's
// "operations.{owner}.{opID}.{type}" subject scheme generalized to
// "sessions.{sessionID}.events".
type Bus struct {
	store  storage.EventStore
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan storage.Event]struct{}
}

// NewBus wraps store. nc may be nil, in which case the bus only delivers to
// local subscribers in this process.
func NewBus(store storage.EventStore, nc *nats.Conn, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		store:  store,
		nc:     nc,
		logger: logger,
		subs:   make(map[string]map[chan storage.Event]struct{}),
	}
}

// subject returns the NATS subject a session's events are republished on.
func subject(sessionID string) string {
	return fmt.Sprintf("sessions.%s.events", sessionID)
}

// Publish persists ev through storage (which assigns the monotonic ID) and
// then fans out to local SSE subscribers and, if configured, NATS. A
// storage failure aborts delivery entirely (spec.md §4.F: "fail-open on
// storage error: a failure here aborts the notification").
func (b *Bus) Publish(ctx context.Context, sessionID string, ev storage.Event) (storage.Event, error) {
	stored, err := b.store.StoreEvent(ctx, sessionID, ev)
	if err != nil {
		return storage.Event{}, err
	}

	b.deliverLocal(sessionID, stored)

	if b.nc != nil {
		if data, err := marshalEvent(stored); err == nil {
			if err := b.nc.Publish(subject(sessionID), data); err != nil {
				b.logger.Warn("nats publish failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
	return stored, nil
}

// deliverLocal fans ev out to every subscriber of sessionID. A subscriber
// whose bounded buffer is full is dropped entirely (spec.md §5
// "backpressure": the client reconnects and resumes via Last-Event-ID with
// no loss, since the event was already persisted).
func (b *Bus) deliverLocal(sessionID string, ev storage.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var stale []chan storage.Event
	for ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
			stale = append(stale, ch)
		}
	}
	for _, ch := range stale {
		b.logger.Warn("dropping slow SSE subscriber", zap.String("session_id", sessionID), zap.Int64("event_id", ev.ID))
		delete(b.subs[sessionID], ch)
		close(ch)
	}
	if len(b.subs[sessionID]) == 0 {
		delete(b.subs, sessionID)
	}
}

// Subscribe registers a local delivery channel for sessionID. The returned
// unsubscribe func MUST be called when the stream ends (client disconnect or
// session termination) to release the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan storage.Event, func()) {
	ch := make(chan storage.Event, 16)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan storage.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// The subscriber may already have been dropped and closed by
		// deliverLocal's backpressure path; only close it here if it is
		// still registered, to avoid a double close.
		if _, live := b.subs[sessionID][ch]; !live {
			return
		}
		delete(b.subs[sessionID], ch)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		close(ch)
	}
	return ch, unsubscribe
}

// ReplayAfter returns every event for sessionID with id > afterID, the
// resumption contract for an SSE GET carrying Last-Event-ID (spec.md §4.F).
func (b *Bus) ReplayAfter(ctx context.Context, sessionID string, afterID int64) ([]storage.Event, error) {
	return b.store.GetEventsAfter(ctx, sessionID, afterID)
}
