// Package tasks is the long-running-tool-call subsystem: it mints task
// records, spawns the tool on a background goroutine, and lets the client
// poll or cancel independently of the request that started it. Grounded in
// the teacher's pkg/mcp/operations.go OperationRegistry (in-memory tracked
// operations with NATS-based progress) generalized from NATS-only delivery
// to storage-backed task records with a CAS state machine.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// ToolFunc is the long-running work a task wraps. It observes ctx
// cancellation cooperatively (tasks/cancel) and returns either a result
// value or an error.
type ToolFunc func(ctx context.Context) (any, error)

// Config configures default TTL/poll hints and the recovery sweep.
type Config struct {
	DefaultTTL          time.Duration // default 1h
	DefaultPollInterval time.Duration // default 2s
	RecoveryInterval    time.Duration // default 5m
	RecoveryMaxAge      time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = 2 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Minute
	}
	if c.RecoveryMaxAge <= 0 {
		c.RecoveryMaxAge = 5 * time.Minute
	}
	return c
}

// Runtime owns every live task's cancellation handle, exclusively (spec.md
// §9 "task executor ownership"): tasks/cancel looks a handle up here and
// signals it, then the storage-level CAS transition guarantees the
// observable terminal state even if the handle has already completed or
// been garbage collected.
type Runtime struct {
	store  storage.TaskStore
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRuntime wraps store and starts the periodic stuck-task recovery sweep.
func NewRuntime(store storage.TaskStore, cfg Config, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		handles: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	go r.recoveryLoop()
	return r
}

// Stop ends the recovery sweep goroutine. In-flight tasks are not
// cancelled; callers that want a clean shutdown should cancel the parent
// context used to Spawn each task.
func (r *Runtime) Stop() { r.stopOnce.Do(func() { close(r.stopCh) }) }

func (r *Runtime) recoveryLoop() {
	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RecoverOnce(context.Background())
		}
	}
}

// RecoverOnce runs recover_stuck_tasks once; callers also invoke this at
// startup before serving traffic (spec.md §4.H "Recovery").
func (r *Runtime) RecoverOnce(ctx context.Context) {
	recovered, err := r.store.RecoverStuckTasks(ctx, r.cfg.RecoveryMaxAge)
	if err != nil {
		r.logger.Error("recover_stuck_tasks failed", zap.Error(err))
		return
	}
	if len(recovered) > 0 {
		r.logger.Warn("recovered stuck tasks", zap.Strings("task_ids", recovered))
	}
}

// Spawn mints a Working task record for (method, params), runs fn on a
// background goroutine, and returns the initial record immediately — the
// caller (the tools/call handler) responds to the client with this record
// before fn completes (spec.md §4.H "Dispatch").
func (r *Runtime) Spawn(ctx context.Context, sessionID, method string, params any, fn ToolFunc) (storage.Task, error) {
	id := uuid.NewString()
	now := time.Now()
	ttl := r.cfg.DefaultTTL
	poll := r.cfg.DefaultPollInterval

	task := storage.Task{
		ID:             id,
		SessionID:      sessionID,
		Status:         storage.TaskWorking,
		StatusMessage:  "started",
		CreatedAt:      now,
		LastUpdatedAt:  now,
		TTL:            &ttl,
		PollInterval:   &poll,
		OriginalMethod: method,
		OriginalParams: params,
	}
	created, err := r.store.CreateTask(ctx, task)
	if err != nil {
		return storage.Task{}, err
	}

	runCtx, cancel := context.WithCancel(detach(ctx))
	r.mu.Lock()
	r.handles[id] = cancel
	r.mu.Unlock()

	go r.run(runCtx, id, fn)

	return created, nil
}

func (r *Runtime) run(ctx context.Context, taskID string, fn ToolFunc) {
	defer func() {
		r.mu.Lock()
		delete(r.handles, taskID)
		r.mu.Unlock()
	}()

	result, err := fn(ctx)

	bg := context.Background()
	if ctx.Err() != nil {
		// Cancellation already drove the task to Cancelled; a late result
		// (synchronous work that ran to completion anyway) is discarded,
		// per spec.md §4.H.
		return
	}

	if err != nil {
		if _, updErr := r.store.UpdateTaskStatus(bg, taskID, storage.TaskFailed, err.Error()); updErr != nil {
			r.logger.Error("failed to record task failure", zap.String("task_id", taskID), zap.Error(updErr))
			return
		}
		_ = r.store.StoreTaskResult(bg, taskID, storage.TaskOutcome{IsError: true, ErrorMessage: err.Error()})
		return
	}

	if _, updErr := r.store.UpdateTaskStatus(bg, taskID, storage.TaskCompleted, "completed"); updErr != nil {
		r.logger.Error("failed to record task completion", zap.String("task_id", taskID), zap.Error(updErr))
		return
	}
	_ = r.store.StoreTaskResult(bg, taskID, storage.TaskOutcome{Value: result})
}

// Cancel transitions taskID to Cancelled via CAS and, if the executor still
// tracks a live handle, signals it cooperatively.
func (r *Runtime) Cancel(ctx context.Context, taskID string) (storage.Task, error) {
	r.mu.Lock()
	cancel, live := r.handles[taskID]
	r.mu.Unlock()

	updated, err := r.store.UpdateTaskStatus(ctx, taskID, storage.TaskCancelled, "cancelled by client")
	if err != nil {
		return storage.Task{}, err
	}
	if live {
		cancel()
	}
	return updated, nil
}

// Get returns the current task record.
func (r *Runtime) Get(ctx context.Context, taskID string) (storage.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

// Result returns the task's stored outcome, or a NotFoundError if it has
// not completed yet.
func (r *Runtime) Result(ctx context.Context, taskID string) (storage.TaskOutcome, error) {
	return r.store.GetTaskResult(ctx, taskID)
}

// ListForSession lists tasks scoped to one session, cursor-paginated.
func (r *Runtime) ListForSession(ctx context.Context, sessionID, cursor string, limit int) (storage.Page, error) {
	return r.store.ListTasksForSession(ctx, sessionID, cursor, limit)
}

// MarkInputRequired transitions a task to InputRequired (e.g. an
// elicitation round trip mid-tool-call blocks on client input).
func (r *Runtime) MarkInputRequired(ctx context.Context, taskID, message string) (storage.Task, error) {
	return r.store.UpdateTaskStatus(ctx, taskID, storage.TaskInputRequired, message)
}

// Resume transitions a task from InputRequired back to Working.
func (r *Runtime) Resume(ctx context.Context, taskID, message string) (storage.Task, error) {
	return r.store.UpdateTaskStatus(ctx, taskID, storage.TaskWorking, message)
}

// detach returns a context carrying no deadline/cancellation from ctx (an
// HTTP request context that ends when the response is written) but
// preserving nothing else worth propagating — a spawned task must outlive
// the request that started it.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
