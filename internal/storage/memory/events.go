package memory

import (
	"context"
	"time"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// StoreEvent assigns the next per-session sequence number and appends the
// event. The sequence is a plain in-process counter guarded by eventsMu,
// matching the "atomic integer per session" scheme for this backend.
func (b *Backend) StoreEvent(ctx context.Context, sessionID string, ev storage.Event) (storage.Event, error) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.eventSeq[sessionID]++
	ev.ID = b.eventSeq[sessionID]
	ev.SessionID = sessionID
	b.events[sessionID] = append(b.events[sessionID], ev)
	return ev, nil
}

func (b *Backend) GetEventsAfter(ctx context.Context, sessionID string, afterID int64) ([]storage.Event, error) {
	b.eventsMu.RLock()
	defer b.eventsMu.RUnlock()

	var out []storage.Event
	for _, ev := range b.events[sessionID] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *Backend) GetRecentEvents(ctx context.Context, sessionID string, limit int) ([]storage.Event, error) {
	b.eventsMu.RLock()
	defer b.eventsMu.RUnlock()

	all := b.events[sessionID]
	if limit <= 0 || limit >= len(all) {
		out := make([]storage.Event, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]storage.Event, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (b *Backend) DeleteEventsBefore(ctx context.Context, sessionID string, id int64) error {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()

	all := b.events[sessionID]
	var kept []storage.Event
	for _, ev := range all {
		if ev.ID >= id {
			kept = append(kept, ev)
		}
	}
	b.events[sessionID] = kept
	return nil
}
