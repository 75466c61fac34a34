package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldkit/mcpcore/internal/storage"
)

const pgUniqueViolation = "23505"

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func (b *Backend) CreateSession(ctx context.Context, caps map[string]any) (storage.Session, error) {
	return b.CreateSessionWithID(ctx, uuid.NewString(), caps)
}

func (b *Backend) CreateSessionWithID(ctx context.Context, id string, caps map[string]any) (storage.Session, error) {
	capsJSON, err := marshalJSON(caps)
	if err != nil {
		return storage.Session{}, storage.ErrSerialization
	}

	now := time.Now()
	_, err = b.pool.Exec(ctx, `
		INSERT INTO sessions (id, server_capabilities, state, created_at, last_activity_at)
		VALUES ($1, $2, '{}', $3, $3)`, id, capsJSON, now)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Session{}, storage.ErrConcurrentModification
		}
		return storage.Session{}, storage.NewBackendError("create_session", err)
	}

	return storage.Session{
		ID:                 id,
		ServerCapabilities: caps,
		State:              map[string]any{},
		CreatedAt:          now,
		LastActivityAt:     now,
	}, nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (storage.Session, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, server_capabilities, client_info, client_capabilities,
		       negotiated_version, initialized, state, logging_level,
		       created_at, last_activity_at
		FROM sessions WHERE id = $1`, id)

	var s storage.Session
	var serverCaps, clientInfo, clientCaps, state []byte
	if err := row.Scan(&s.ID, &serverCaps, &clientInfo, &clientCaps, &s.NegotiatedVersion,
		&s.Initialized, &state, &s.LoggingLevel, &s.CreatedAt, &s.LastActivityAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Session{}, &storage.NotFoundError{Kind: "session", ID: id}
		}
		return storage.Session{}, storage.NewBackendError("get_session", err)
	}

	_ = json.Unmarshal(serverCaps, &s.ServerCapabilities)
	_ = json.Unmarshal(clientInfo, &s.ClientInfo)
	_ = json.Unmarshal(clientCaps, &s.ClientCapabilities)
	_ = json.Unmarshal(state, &s.State)
	return s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, s storage.Session) error {
	serverCaps, _ := marshalJSON(s.ServerCapabilities)
	clientInfo, _ := marshalJSON(s.ClientInfo)
	clientCaps, _ := marshalJSON(s.ClientCapabilities)
	state, _ := marshalJSON(s.State)

	tag, err := b.pool.Exec(ctx, `
		UPDATE sessions SET server_capabilities=$2, client_info=$3, client_capabilities=$4,
		       negotiated_version=$5, initialized=$6, state=$7, logging_level=$8,
		       last_activity_at=$9
		WHERE id=$1`,
		s.ID, serverCaps, clientInfo, clientCaps, s.NegotiatedVersion, s.Initialized,
		state, s.LoggingLevel, s.LastActivityAt)
	if err != nil {
		return storage.NewBackendError("update_session", err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{Kind: "session", ID: s.ID}
	}
	return nil
}

// SetSessionState performs an atomic per-key write via jsonb_set, satisfying
// the "MUST be atomic per-key" requirement without a read-modify-write race.
func (b *Backend) SetSessionState(ctx context.Context, id, key string, value any) error {
	valueJSON, err := marshalJSON(value)
	if err != nil {
		return storage.ErrSerialization
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE sessions SET state = jsonb_set(state, ARRAY[$2::text], $3::jsonb, true)
		WHERE id = $1`, id, key, valueJSON)
	if err != nil {
		return storage.NewBackendError("set_session_state", err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

func (b *Backend) GetSessionState(ctx context.Context, id, key string) (any, error) {
	row := b.pool.QueryRow(ctx, `SELECT state -> $2 FROM sessions WHERE id = $1`, id, key)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.NotFoundError{Kind: "session", ID: id}
		}
		return nil, storage.NewBackendError("get_session_state", err)
	}
	if raw == nil {
		return nil, &storage.NotFoundError{Kind: "session state key", ID: key}
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v, nil
}

func (b *Backend) RemoveSessionState(ctx context.Context, id, key string) error {
	tag, err := b.pool.Exec(ctx, `UPDATE sessions SET state = state - $2 WHERE id = $1`, id, key)
	if err != nil {
		return storage.NewBackendError("remove_session_state", err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, storage.NewBackendError("delete_session", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, storage.NewBackendError("list_sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.NewBackendError("list_sessions", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) ExpireSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := b.pool.Query(ctx, `
		DELETE FROM sessions WHERE last_activity_at < $1 RETURNING id`, olderThan)
	if err != nil {
		return nil, storage.NewBackendError("expire_sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.NewBackendError("expire_sessions", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) SessionCount(ctx context.Context) (int, error) {
	row := b.pool.QueryRow(ctx, `SELECT count(*) FROM sessions`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storage.NewBackendError("session_count", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
