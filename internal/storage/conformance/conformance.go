// Package conformance holds the backend-agnostic test suite every
// storage.Backend implementation must pass (spec §4.A "backend parity
// requirements"). A backend's own _test.go constructs the backend and
// calls conformance.Run.
package conformance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// NewBackendFunc constructs a fresh, empty backend for one test case.
// Implementations that talk to an external service (postgres, dynamokv)
// should clean their own tables between calls.
type NewBackendFunc func(t *testing.T) storage.Backend

// Run exercises the full conformance suite against the backend returned by
// newBackend, called once per subtest so state never leaks across cases.
func Run(t *testing.T, newBackend NewBackendFunc) {
	t.Run("session round trip", func(t *testing.T) { testSessionRoundTrip(t, newBackend) })
	t.Run("session state round trip", func(t *testing.T) { testSessionState(t, newBackend) })
	t.Run("duplicate session id rejected", func(t *testing.T) { testDuplicateSessionID(t, newBackend) })
	t.Run("session expiry", func(t *testing.T) { testSessionExpiry(t, newBackend) })
	t.Run("event ordering", func(t *testing.T) { testEventOrdering(t, newBackend) })
	t.Run("event session isolation", func(t *testing.T) { testEventSessionIsolation(t, newBackend) })
	t.Run("task state machine", func(t *testing.T) { testTaskStateMachine(t, newBackend) })
	t.Run("task terminal rejects further transitions", func(t *testing.T) { testTaskTerminalRejects(t, newBackend) })
	t.Run("task pagination determinism", func(t *testing.T) { testTaskPagination(t, newBackend) })
	t.Run("task recovery idempotent", func(t *testing.T) { testTaskRecoveryIdempotent(t, newBackend) })
	t.Run("not found error mapping", func(t *testing.T) { testNotFoundMapping(t, newBackend) })
}

func testSessionRoundTrip(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	s, err := b.CreateSession(ctx, map[string]any{"tools": true})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := b.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	got.Initialized = true
	require.NoError(t, b.UpdateSession(ctx, got))

	got2, err := b.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got2.Initialized)

	existed, err := b.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = b.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSessionState(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	s, err := b.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, b.SetSessionState(ctx, s.ID, "k", "v"))
	v, err := b.GetSessionState(ctx, s.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, b.RemoveSessionState(ctx, s.ID, "k"))
	_, err = b.GetSessionState(ctx, s.ID, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicateSessionID(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	_, err := b.CreateSessionWithID(ctx, "fixed-id", nil)
	require.NoError(t, err)

	_, err = b.CreateSessionWithID(ctx, "fixed-id", nil)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)
}

func testSessionExpiry(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	s, err := b.CreateSession(ctx, nil)
	require.NoError(t, err)

	expired, err := b.ExpireSessions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, expired, s.ID)

	_, err = b.GetSession(ctx, s.ID)
	assert.Error(t, err)
}

func testEventOrdering(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	s, err := b.CreateSession(ctx, nil)
	require.NoError(t, err)

	var lastID int64
	for i := 0; i < 5; i++ {
		ev, err := b.StoreEvent(ctx, s.ID, storage.Event{EventType: "message", Timestamp: time.Now()})
		require.NoError(t, err)
		assert.Greater(t, ev.ID, lastID)
		lastID = ev.ID
	}

	after, err := b.GetEventsAfter(ctx, s.ID, 3)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(4), after[0].ID)
	assert.Equal(t, int64(5), after[1].ID)

	none, err := b.GetEventsAfter(ctx, s.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := b.GetEventsAfter(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testEventSessionIsolation(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	s1, err := b.CreateSession(ctx, nil)
	require.NoError(t, err)
	s2, err := b.CreateSession(ctx, nil)
	require.NoError(t, err)

	_, err = b.StoreEvent(ctx, s1.ID, storage.Event{EventType: "message"})
	require.NoError(t, err)

	events, err := b.GetEventsAfter(ctx, s2.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testTaskStateMachine(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	task, err := b.CreateTask(ctx, storage.Task{ID: "t1", Status: storage.TaskWorking, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, storage.TaskWorking, task.Status)

	updated, err := b.UpdateTaskStatus(ctx, task.ID, storage.TaskInputRequired, "need input")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskInputRequired, updated.Status)

	updated, err = b.UpdateTaskStatus(ctx, task.ID, storage.TaskWorking, "resumed")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskWorking, updated.Status)

	updated, err = b.UpdateTaskStatus(ctx, task.ID, storage.TaskCompleted, "done")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCompleted, updated.Status)
}

func testTaskTerminalRejects(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	_, err := b.CreateTask(ctx, storage.Task{ID: "t2", Status: storage.TaskWorking, CreatedAt: time.Now()})
	require.NoError(t, err)

	_, err = b.UpdateTaskStatus(ctx, "t2", storage.TaskCompleted, "done")
	require.NoError(t, err)

	before, err := b.GetTask(ctx, "t2")
	require.NoError(t, err)

	_, err = b.UpdateTaskStatus(ctx, "t2", storage.TaskWorking, "resurrected")
	require.Error(t, err)
	var invalidTransition *storage.InvalidTransitionError
	assert.True(t, errors.As(err, &invalidTransition))

	after, err := b.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
}

func testTaskPagination(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := b.CreateTask(ctx, storage.Task{
			ID:        "pg-" + time.Now().Add(time.Duration(i)*time.Millisecond).Format("150405.000000000"),
			SessionID: "s1",
			Status:    storage.TaskWorking,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	page, err := b.ListTasksForSession(ctx, "s1", "", 3)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 3)
	require.NotEmpty(t, page.NextCursor)

	page2, err := b.ListTasksForSession(ctx, "s1", page.NextCursor, 3)
	require.NoError(t, err)
	assert.Len(t, page2.Tasks, 3)

	// The page after page2 holds the remaining task and has no nextCursor.
	lastPage, err := b.ListTasksForSession(ctx, "s1", page2.NextCursor, 100)
	require.NoError(t, err)
	assert.Empty(t, lastPage.NextCursor)
}

func testTaskRecoveryIdempotent(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	task, err := b.CreateTask(ctx, storage.Task{ID: "stuck", Status: storage.TaskWorking, CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	task.LastUpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, b.UpdateTask(ctx, task))

	recovered, err := b.RecoverStuckTasks(ctx, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, recovered, "stuck")

	again, err := b.RecoverStuckTasks(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func testNotFoundMapping(t *testing.T, newBackend NewBackendFunc) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	_, err := b.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.GetTaskResult(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
