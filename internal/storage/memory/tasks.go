package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/fieldkit/mcpcore/internal/storage"
)

func (b *Backend) CreateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()

	if _, exists := b.tasks[t.ID]; exists {
		return storage.Task{}, storage.ErrConcurrentModification
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.LastUpdatedAt = now
	b.tasks[t.ID] = t
	return t, nil
}

func (b *Backend) GetTask(ctx context.Context, id string) (storage.Task, error) {
	b.tasksMu.RLock()
	defer b.tasksMu.RUnlock()

	t, ok := b.tasks[id]
	if !ok {
		return storage.Task{}, &storage.NotFoundError{Kind: "task", ID: id}
	}
	return t, nil
}

func (b *Backend) UpdateTask(ctx context.Context, t storage.Task) error {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()

	if _, ok := b.tasks[t.ID]; !ok {
		return &storage.NotFoundError{Kind: "task", ID: t.ID}
	}
	b.tasks[t.ID] = t
	return nil
}

func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()
	delete(b.tasks, id)
	delete(b.results, id)
	return nil
}

// cursorKey returns the stable (created_at, task_id) sort key encoded as a
// page cursor, per spec §4.A "backends MUST encode a stable position".
func cursorKey(t storage.Task) string {
	return fmt.Sprintf("%020d|%s", t.CreatedAt.UnixNano(), t.ID)
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", storage.ErrSerialization
	}
	return string(raw), nil
}

func (b *Backend) listTasksFiltered(cursor string, limit int, filter func(storage.Task) bool) (storage.Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return storage.Page{}, err
	}

	b.tasksMu.RLock()
	all := make([]storage.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if filter == nil || filter(t) {
			all = append(all, t)
		}
	}
	b.tasksMu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return cursorKey(all[i]) < cursorKey(all[j]) })

	start := len(all)
	if after == "" {
		start = 0
	} else {
		for i, t := range all {
			if cursorKey(t) > after {
				start = i
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := storage.Page{Tasks: all[start:end]}
	if end < len(all) {
		page.NextCursor = encodeCursor(cursorKey(all[end-1]))
	}
	return page, nil
}

func (b *Backend) ListTasks(ctx context.Context, cursor string, limit int) (storage.Page, error) {
	return b.listTasksFiltered(cursor, limit, nil)
}

func (b *Backend) ListTasksForSession(ctx context.Context, sessionID, cursor string, limit int) (storage.Page, error) {
	return b.listTasksFiltered(cursor, limit, func(t storage.Task) bool { return t.SessionID == sessionID })
}

// UpdateTaskStatus performs the compare-and-set transition required by
// spec §4.A: it validates against the current status and writes the new one
// while holding tasksMu, so no concurrent write can interleave and the first
// pass always returns.
func (b *Backend) UpdateTaskStatus(ctx context.Context, id string, newStatus storage.TaskStatus, message string) (storage.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		b.tasksMu.Lock()
		t, ok := b.tasks[id]
		if !ok {
			b.tasksMu.Unlock()
			return storage.Task{}, &storage.NotFoundError{Kind: "task", ID: id}
		}
		if err := storage.ValidateTransition(t.Status, newStatus); err != nil {
			b.tasksMu.Unlock()
			return storage.Task{}, err
		}
		t.Status = newStatus
		t.StatusMessage = message
		t.LastUpdatedAt = time.Now()
		b.tasks[id] = t
		b.tasksMu.Unlock()
		return t, nil
	}
	return storage.Task{}, storage.ErrConcurrentModification
}

func (b *Backend) StoreTaskResult(ctx context.Context, id string, outcome storage.TaskOutcome) error {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()

	t, ok := b.tasks[id]
	if !ok {
		return &storage.NotFoundError{Kind: "task", ID: id}
	}
	t.Result = &outcome
	b.tasks[id] = t
	b.results[id] = outcome
	return nil
}

func (b *Backend) GetTaskResult(ctx context.Context, id string) (storage.TaskOutcome, error) {
	b.tasksMu.RLock()
	defer b.tasksMu.RUnlock()

	outcome, ok := b.results[id]
	if !ok {
		return storage.TaskOutcome{}, &storage.NotFoundError{Kind: "task result", ID: id}
	}
	return outcome, nil
}

func (b *Backend) ExpireTasks(ctx context.Context) ([]string, error) {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()

	now := time.Now()
	var expired []string
	for id, t := range b.tasks {
		if t.TTL != nil && now.After(t.CreatedAt.Add(*t.TTL)) {
			expired = append(expired, id)
			delete(b.tasks, id)
			delete(b.results, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// RecoverStuckTasks is idempotent: tasks already Failed are skipped, so a
// second call immediately after returns no new IDs (spec §8 round-trip law).
func (b *Backend) RecoverStuckTasks(ctx context.Context, maxAge time.Duration) ([]string, error) {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var recovered []string
	for id, t := range b.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.LastUpdatedAt.Before(cutoff) {
			t.Status = storage.TaskFailed
			t.StatusMessage = "Server restarted — task interrupted"
			t.LastUpdatedAt = time.Now()
			b.tasks[id] = t
			recovered = append(recovered, id)
		}
	}
	sort.Strings(recovered)
	return recovered, nil
}

func (b *Backend) TaskCount(ctx context.Context) (int, error) {
	b.tasksMu.RLock()
	defer b.tasksMu.RUnlock()
	return len(b.tasks), nil
}

func (b *Backend) Maintenance(ctx context.Context) error {
	_, err := b.ExpireTasks(ctx)
	return err
}
