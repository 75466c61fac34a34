package handlers

import (
	"context"
	"encoding/json"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

type rootDescriptor struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

type rootsListResult struct {
	Roots []rootDescriptor `json:"roots"`
}

func (r *Registry) handleRootsList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rootDescriptor, 0, len(r.roots))
	for _, root := range r.roots {
		out = append(out, rootDescriptor{URI: root.URI, Name: root.Name})
	}
	return rootsListResult{Roots: out}, nil
}

type loggingSetLevelParams struct {
	Level string `json:"level"`
}

// handleLoggingSetLevel persists the requested level per session (spec.md
// §4.E "logging/setLevel (persisted per session)").
func (r *Registry) handleLoggingSetLevel(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p loggingSetLevelParams
	if err := json.Unmarshal(params, &p); err != nil || p.Level == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "logging/setLevel requires a level", nil)
	}
	if err := sess.SetState(ctx, "logging_level", p.Level); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// handleSamplingCreateMessage delegates to the configured SamplingProvider —
// a server-to-client round trip with no business-logic implementation in
// this core (spec.md §11 Non-goals).
func (r *Registry) handleSamplingCreateMessage(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.sampling == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no sampling provider configured", nil)
	}
	return r.sampling.CreateMessage(ctx, sess, params)
}

type elicitationCreateParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema"`
}

type elicitationCreateResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// handleElicitationCreate delegates to the configured ElicitationProvider,
// modeling the three terminal outcomes accept/decline/cancel (spec.md §6,
// supplemented from original_source/.../tests/elicitation).
func (r *Registry) handleElicitationCreate(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if r.elicitation == nil {
		return nil, protocol.NewProtocolError(protocol.CodeConfigError, "no elicitation provider configured", nil)
	}
	var p elicitationCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "malformed elicitation/create params", nil)
	}
	result, err := r.elicitation.Elicit(ctx, sess, p.Message, p.RequestedSchema)
	if err != nil {
		return nil, err
	}
	return elicitationCreateResult{Action: string(result.Outcome), Content: result.Content}, nil
}

type completionResult struct {
	Completion completionValues `json:"completion"`
}

type completionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

// handleCompletionComplete always reports no completions: argument
// autocompletion against concrete tool/prompt business logic is explicitly
// out of scope (spec.md §11 Non-goals).
func (r *Registry) handleCompletionComplete(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	return completionResult{Completion: completionValues{Values: []string{}, Total: 0, HasMore: false}}, nil
}
