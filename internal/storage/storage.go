// Package storage defines the persistence abstractions for sessions, SSE
// events, and task records, plus the error taxonomy every backend maps its
// failures onto at the protocol boundary.
//
// Three backends implement these interfaces: internal/storage/memory (dev
// and tests), internal/storage/postgres (relational), and
// internal/storage/dynamokv (wide-column cloud KV). All three must pass the
// conformance suite in internal/storage/conformance.
package storage

import (
	"context"
	"time"
)

// Session is the persisted record behind a client-facing MCP session.
type Session struct {
	ID                 string
	ServerCapabilities map[string]any
	ClientInfo         map[string]any
	ClientCapabilities map[string]any
	NegotiatedVersion  string
	Initialized        bool
	State              map[string]any
	CreatedAt          time.Time
	LastActivityAt     time.Time
	LoggingLevel       string
}

// Event is one entry in a session's append-only, strictly-ordered log.
type Event struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	EventType string
	Data      any
	Retry     *int64
}

// TaskStatus is one state in the task state machine (spec §4.H).
type TaskStatus string

const (
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskOutcome holds either a success value or an error tuple, never both.
type TaskOutcome struct {
	Value        any
	ErrorCode    int
	ErrorMessage string
	ErrorData    any
	IsError      bool
}

// Task is the persisted record behind a long-running tool invocation.
type Task struct {
	ID              string
	SessionID       string
	Status          TaskStatus
	StatusMessage   string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	TTL             *time.Duration
	PollInterval    *time.Duration
	OriginalMethod  string
	OriginalParams  any
	Result          *TaskOutcome
	Meta            map[string]any
}

// Page is a cursor-paginated slice of tasks.
type Page struct {
	Tasks      []Task
	NextCursor string
}

// SessionStore persists Session records and their scratchpad state.
type SessionStore interface {
	CreateSession(ctx context.Context, serverCapabilities map[string]any) (Session, error)
	CreateSessionWithID(ctx context.Context, id string, serverCapabilities map[string]any) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	SetSessionState(ctx context.Context, id, key string, value any) error
	GetSessionState(ctx context.Context, id, key string) (any, error)
	RemoveSessionState(ctx context.Context, id, key string) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	ExpireSessions(ctx context.Context, olderThan time.Time) ([]string, error)
	SessionCount(ctx context.Context) (int, error)
}

// EventStore persists the per-session SSE event log.
type EventStore interface {
	StoreEvent(ctx context.Context, sessionID string, ev Event) (Event, error)
	GetEventsAfter(ctx context.Context, sessionID string, afterID int64) ([]Event, error)
	GetRecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, sessionID string, id int64) error
}

// TaskStore persists Task records and enforces the task state machine.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, cursor string, limit int) (Page, error)
	ListTasksForSession(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	UpdateTaskStatus(ctx context.Context, id string, newStatus TaskStatus, message string) (Task, error)
	StoreTaskResult(ctx context.Context, id string, outcome TaskOutcome) error
	GetTaskResult(ctx context.Context, id string) (TaskOutcome, error)
	ExpireTasks(ctx context.Context) ([]string, error)
	RecoverStuckTasks(ctx context.Context, maxAge time.Duration) ([]string, error)
	TaskCount(ctx context.Context) (int, error)
	Maintenance(ctx context.Context) error
}

// Backend bundles all three stores behind one construction unit, matching
// how the core is wired: one backend selection configures sessions, events,
// and tasks together.
type Backend interface {
	SessionStore
	EventStore
	TaskStore
	Close() error
}
