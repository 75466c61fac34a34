package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage"
)

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type toolsListResult struct {
	Tools      []toolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (r *Registry) handleToolsList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	names := r.toolNames()
	page, next := paginate(names, p.Cursor, 50)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]toolDescriptor, 0, len(page))
	for _, name := range page {
		t := r.tools[name]
		out = append(out, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return toolsListResult{Tools: out, NextCursor: next}, nil
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Task      json.RawMessage `json:"task"`
}

type createTaskResult struct {
	Task taskDescriptor `json:"task"`
}

// handleToolsCall invokes a registered tool. When params.task is present and
// a task runtime is configured, execution is handed to the task subsystem
// and a CreateTaskResult is returned immediately, before the tool completes
// (spec.md §4.H "Dispatch").
func (r *Registry) handleToolsCall(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "malformed tools/call params", nil)
	}

	r.mu.RLock()
	tool, ok := r.tools[p.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, fmt.Sprintf("unknown tool %q", p.Name), nil)
	}

	if len(p.Task) > 0 && r.tasks != nil {
		task, err := r.tasks.Spawn(ctx, sess.ID(), "tools/call", p, func(taskCtx context.Context) (any, error) {
			return tool.Call(taskCtx, sess, p.Arguments)
		})
		if err != nil {
			return nil, err
		}
		return createTaskResult{Task: describeTask(task)}, nil
	}

	return tool.Call(ctx, sess, p.Arguments)
}

type taskDescriptor struct {
	TaskID        string `json:"taskId"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

func describeTask(t storage.Task) taskDescriptor {
	return taskDescriptor{TaskID: t.ID, Status: string(t.Status), StatusMessage: t.StatusMessage}
}
