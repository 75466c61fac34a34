package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldkit/mcpcore/internal/storage"
)

func durationPtrMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func millisToDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

func (b *Backend) CreateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	paramsJSON, err := marshalJSON(t.OriginalParams)
	if err != nil {
		return storage.Task{}, storage.ErrSerialization
	}
	metaJSON, err := marshalJSON(t.Meta)
	if err != nil {
		return storage.Task{}, storage.ErrSerialization
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.LastUpdatedAt = t.CreatedAt

	_, err = b.pool.Exec(ctx, `
		INSERT INTO tasks (id, session_id, status, status_message, created_at,
		                    last_updated_at, ttl_ms, poll_interval_ms,
		                    original_method, original_params, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.SessionID, string(t.Status), t.StatusMessage, t.CreatedAt, t.LastUpdatedAt,
		durationPtrMillis(t.TTL), durationPtrMillis(t.PollInterval), t.OriginalMethod,
		paramsJSON, metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Task{}, storage.ErrConcurrentModification
		}
		return storage.Task{}, storage.NewBackendError("create_task", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (storage.Task, error) {
	var t storage.Task
	var params, result, meta []byte
	var ttlMs, pollMs *int64
	if err := row.Scan(&t.ID, &t.SessionID, &t.Status, &t.StatusMessage, &t.CreatedAt,
		&t.LastUpdatedAt, &ttlMs, &pollMs, &t.OriginalMethod, &params, &result, &meta); err != nil {
		return storage.Task{}, err
	}
	t.TTL = millisToDuration(ttlMs)
	t.PollInterval = millisToDuration(pollMs)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &t.OriginalParams)
	}
	if len(result) > 0 {
		var outcome storage.TaskOutcome
		if err := json.Unmarshal(result, &outcome); err == nil {
			t.Result = &outcome
		}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Meta)
	}
	return t, nil
}

const taskColumns = `id, session_id, status, status_message, created_at, last_updated_at,
	ttl_ms, poll_interval_ms, original_method, original_params, result, meta`

func (b *Backend) GetTask(ctx context.Context, id string) (storage.Task, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Task{}, &storage.NotFoundError{Kind: "task", ID: id}
		}
		return storage.Task{}, storage.NewBackendError("get_task", err)
	}
	return t, nil
}

func (b *Backend) UpdateTask(ctx context.Context, t storage.Task) error {
	paramsJSON, _ := marshalJSON(t.OriginalParams)
	metaJSON, _ := marshalJSON(t.Meta)
	var resultJSON []byte
	if t.Result != nil {
		resultJSON, _ = json.Marshal(t.Result)
	}

	tag, err := b.pool.Exec(ctx, `
		UPDATE tasks SET session_id=$2, status=$3, status_message=$4, last_updated_at=$5,
		       ttl_ms=$6, poll_interval_ms=$7, original_method=$8, original_params=$9,
		       result=$10, meta=$11
		WHERE id=$1`,
		t.ID, t.SessionID, string(t.Status), t.StatusMessage, t.LastUpdatedAt,
		durationPtrMillis(t.TTL), durationPtrMillis(t.PollInterval), t.OriginalMethod,
		paramsJSON, resultJSON, metaJSON)
	if err != nil {
		return storage.NewBackendError("update_task", err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{Kind: "task", ID: t.ID}
	}
	return nil
}

func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return storage.NewBackendError("delete_task", err)
	}
	return nil
}

func encodeTaskCursor(createdAt time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)))
}

func decodeTaskCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", storage.ErrSerialization
	}
	var nanos int64
	var id string
	if _, err := fmt.Sscanf(string(raw), "%d|%s", &nanos, &id); err != nil {
		return time.Time{}, "", storage.ErrSerialization
	}
	return time.Unix(0, nanos), id, nil
}

func (b *Backend) listTasks(ctx context.Context, sessionFilter *string, cursor string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	afterTime, afterID, err := decodeTaskCursor(cursor)
	if err != nil {
		return storage.Page{}, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ($1::text IS NULL OR session_id = $1)
		AND (created_at, id) > ($2, $3) ORDER BY created_at ASC, id ASC LIMIT $4`
	rows, err := b.pool.Query(ctx, query, sessionFilter, afterTime, afterID, limit+1)
	if err != nil {
		return storage.Page{}, storage.NewBackendError("list_tasks", err)
	}
	defer rows.Close()

	var tasks []storage.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return storage.Page{}, storage.NewBackendError("list_tasks scan", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return storage.Page{}, storage.NewBackendError("list_tasks", err)
	}

	page := storage.Page{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		last := page.Tasks[limit-1]
		page.NextCursor = encodeTaskCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (b *Backend) ListTasks(ctx context.Context, cursor string, limit int) (storage.Page, error) {
	return b.listTasks(ctx, nil, cursor, limit)
}

func (b *Backend) ListTasksForSession(ctx context.Context, sessionID, cursor string, limit int) (storage.Page, error) {
	return b.listTasks(ctx, &sessionID, cursor, limit)
}

// UpdateTaskStatus validates the transition in Go (ValidateTransition) and
// applies it with a compare-and-set WHERE clause pinned to the observed
// status, retrying once on a concurrent write per spec §4.A.
func (b *Backend) UpdateTaskStatus(ctx context.Context, id string, newStatus storage.TaskStatus, message string) (storage.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := b.GetTask(ctx, id)
		if err != nil {
			return storage.Task{}, err
		}
		if err := storage.ValidateTransition(current.Status, newStatus); err != nil {
			return storage.Task{}, err
		}

		tag, err := b.pool.Exec(ctx, `
			UPDATE tasks SET status=$3, status_message=$4, last_updated_at=$5
			WHERE id=$1 AND status=$2`,
			id, string(current.Status), string(newStatus), message, time.Now())
		if err != nil {
			return storage.Task{}, storage.NewBackendError("update_task_status", err)
		}
		if tag.RowsAffected() == 1 {
			current.Status = newStatus
			current.StatusMessage = message
			return current, nil
		}
		// lost the race against a concurrent writer; retry once against the fresh row
	}
	return storage.Task{}, storage.ErrConcurrentModification
}

func (b *Backend) StoreTaskResult(ctx context.Context, id string, outcome storage.TaskOutcome) error {
	resultJSON, err := json.Marshal(outcome)
	if err != nil {
		return storage.ErrSerialization
	}
	tag, err := b.pool.Exec(ctx, `UPDATE tasks SET result = $2 WHERE id = $1`, id, resultJSON)
	if err != nil {
		return storage.NewBackendError("store_task_result", err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

func (b *Backend) GetTaskResult(ctx context.Context, id string) (storage.TaskOutcome, error) {
	row := b.pool.QueryRow(ctx, `SELECT result FROM tasks WHERE id = $1`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.TaskOutcome{}, &storage.NotFoundError{Kind: "task", ID: id}
		}
		return storage.TaskOutcome{}, storage.NewBackendError("get_task_result", err)
	}
	if raw == nil {
		return storage.TaskOutcome{}, &storage.NotFoundError{Kind: "task result", ID: id}
	}
	var outcome storage.TaskOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return storage.TaskOutcome{}, storage.ErrSerialization
	}
	return outcome, nil
}

func (b *Backend) ExpireTasks(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `
		DELETE FROM tasks
		WHERE ttl_ms IS NOT NULL AND created_at + (ttl_ms || ' milliseconds')::interval < now()
		RETURNING id`)
	if err != nil {
		return nil, storage.NewBackendError("expire_tasks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.NewBackendError("expire_tasks", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) RecoverStuckTasks(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := b.pool.Query(ctx, `
		UPDATE tasks SET status = $1, status_message = $2, last_updated_at = now()
		WHERE status NOT IN ($3, $4, $5) AND last_updated_at < $6
		RETURNING id`,
		string(storage.TaskFailed), "Server restarted — task interrupted",
		string(storage.TaskCompleted), string(storage.TaskFailed), string(storage.TaskCancelled), cutoff)
	if err != nil {
		return nil, storage.NewBackendError("recover_stuck_tasks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.NewBackendError("recover_stuck_tasks", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) TaskCount(ctx context.Context) (int, error) {
	row := b.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storage.NewBackendError("task_count", err)
	}
	return n, nil
}

func (b *Backend) Maintenance(ctx context.Context) error {
	_, err := b.ExpireTasks(ctx)
	return err
}
