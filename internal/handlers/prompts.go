package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

type promptArgumentDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type promptDescriptor struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Arguments   []promptArgumentDescriptor `json:"arguments,omitempty"`
}

type promptsListResult struct {
	Prompts    []promptDescriptor `json:"prompts"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func describePrompt(p Prompt) promptDescriptor {
	args := make([]promptArgumentDescriptor, 0, len(p.Arguments))
	for _, a := range p.Arguments {
		args = append(args, promptArgumentDescriptor{Name: a.Name, Description: a.Description, Required: a.Required})
	}
	return promptDescriptor{Name: p.Name, Description: p.Description, Arguments: args}
}

func (r *Registry) handlePromptsList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	names := r.promptNames()
	page, next := paginate(names, p.Cursor, 50)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]promptDescriptor, 0, len(page))
	for _, name := range page {
		out = append(out, describePrompt(r.prompts[name]))
	}
	return promptsListResult{Prompts: out, NextCursor: next}, nil
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// handlePromptsGet validates required arguments against the prompt
// definition before invoking it, returning InvalidParams on a missing
// required argument (spec.md §4.E).
func (r *Registry) handlePromptsGet(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p promptsGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "malformed prompts/get params", nil)
	}

	r.mu.RLock()
	prompt, ok := r.prompts[p.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, fmt.Sprintf("unknown prompt %q", p.Name), nil)
	}

	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := p.Arguments[arg.Name]; !present {
			return nil, protocol.NewProtocolError(protocol.CodeInvalidParams,
				fmt.Sprintf("missing required argument %q for prompt %q", arg.Name, p.Name), nil)
		}
	}

	return prompt.Get(ctx, sess, p.Arguments)
}
