package handlers

import (
	"context"
	"encoding/json"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

// handleTasksGet returns the current task record (spec.md §4.H "Polling").
func (r *Registry) handleTasksGet(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.tasks == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no task runtime configured", nil)
	}
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "tasks/get requires a taskId", nil)
	}
	task, err := r.tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return describeTask(task), nil
}

type tasksListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type tasksListResult struct {
	Tasks      []taskDescriptor `json:"tasks"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// handleTasksList is session-scoped and cursor-paginated (spec.md §4.H).
func (r *Registry) handleTasksList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.tasks == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no task runtime configured", nil)
	}
	var p tasksListParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	page, err := r.tasks.ListForSession(ctx, sess.ID(), p.Cursor, 50)
	if err != nil {
		return nil, err
	}
	out := make([]taskDescriptor, 0, len(page.Tasks))
	for _, t := range page.Tasks {
		out = append(out, describeTask(t))
	}
	return tasksListResult{Tasks: out, NextCursor: page.NextCursor}, nil
}

// handleTasksCancel transitions a task to Cancelled via CAS and signals the
// live executor handle if one is still tracked (spec.md §4.H "Cancellation").
func (r *Registry) handleTasksCancel(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.tasks == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no task runtime configured", nil)
	}
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "tasks/cancel requires a taskId", nil)
	}
	task, err := r.tasks.Cancel(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return describeTask(task), nil
}

type taskResultResponse struct {
	Value        any    `json:"value,omitempty"`
	IsError      bool   `json:"isError,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// handleTasksResult returns only the stored outcome, mapping an absent
// result to the task-not-found code (spec.md §4.H "Polling").
func (r *Registry) handleTasksResult(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.tasks == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no task runtime configured", nil)
	}
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "tasks/result requires a taskId", nil)
	}
	outcome, err := r.tasks.Result(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return taskResultResponse{Value: outcome.Value, IsError: outcome.IsError, ErrorMessage: outcome.ErrorMessage}, nil
}
