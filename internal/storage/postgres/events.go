package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// StoreEvent uses an UPDATE ... RETURNING on the session's next_event_id
// counter, the "transactional SELECT max(id)+1 or a per-session sequence"
// scheme called for by a relational backend in spec §9.
func (b *Backend) StoreEvent(ctx context.Context, sessionID string, ev storage.Event) (storage.Event, error) {
	dataJSON, err := marshalJSON(ev.Data)
	if err != nil {
		return storage.Event{}, storage.ErrSerialization
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return storage.Event{}, storage.NewBackendError("store_event begin", err)
	}
	defer tx.Rollback(ctx)

	var nextID int64
	row := tx.QueryRow(ctx, `
		UPDATE sessions SET next_event_id = next_event_id + 1
		WHERE id = $1 RETURNING next_event_id`, sessionID)
	if err := row.Scan(&nextID); err != nil {
		return storage.Event{}, &storage.NotFoundError{Kind: "session", ID: sessionID}
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO events (session_id, id, timestamp, event_type, data, retry)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, nextID, ev.Timestamp, ev.EventType, dataJSON, ev.Retry)
	if err != nil {
		return storage.Event{}, storage.NewBackendError("store_event insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.Event{}, storage.NewBackendError("store_event commit", err)
	}

	ev.ID = nextID
	ev.SessionID = sessionID
	return ev, nil
}

func scanEvents(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]storage.Event, error) {
	var out []storage.Event
	for rows.Next() {
		var ev storage.Event
		var data []byte
		if err := rows.Scan(&ev.SessionID, &ev.ID, &ev.Timestamp, &ev.EventType, &data, &ev.Retry); err != nil {
			return nil, storage.NewBackendError("scan_event", err)
		}
		_ = json.Unmarshal(data, &ev.Data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *Backend) GetEventsAfter(ctx context.Context, sessionID string, afterID int64) ([]storage.Event, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT session_id, id, timestamp, event_type, data, retry
		FROM events WHERE session_id = $1 AND id > $2 ORDER BY id ASC`, sessionID, afterID)
	if err != nil {
		return nil, storage.NewBackendError("get_events_after", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *Backend) GetRecentEvents(ctx context.Context, sessionID string, limit int) ([]storage.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.pool.Query(ctx, `
		SELECT session_id, id, timestamp, event_type, data, retry FROM (
			SELECT session_id, id, timestamp, event_type, data, retry
			FROM events WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, storage.NewBackendError("get_recent_events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *Backend) DeleteEventsBefore(ctx context.Context, sessionID string, id int64) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM events WHERE session_id = $1 AND id < $2`, sessionID, id)
	if err != nil {
		return storage.NewBackendError("delete_events_before", err)
	}
	return nil
}
