// Package handlers is the built-in method→handler dispatch table (spec.md
// §4.E). It generalizes the teacher's internal/mcp/tool_registry.go
// ToolRegistry — a thread-safe name→metadata map with validate-before-
// mutate batch registration and duplicate rejection — from tool metadata
// search into a JSON-RPC method dispatch table implementing
// protocol.Registry, plus the built-in handlers for every core MCP method.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/fieldkit/mcpcore/internal/session"
)

// Tool is one registered tool (spec.md §4.E "tools/list, tools/call").
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Call        func(ctx context.Context, sess *session.Context, args json.RawMessage) (any, error)
}

// PromptArgument describes one named argument a prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Prompt is one registered prompt template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Get         func(ctx context.Context, sess *session.Context, args map[string]string) (any, error)
}

// Root is one registered filesystem/workspace root (spec.md §4.E
// "roots/list").
type Root struct {
	URI  string
	Name string
}

// ElicitationOutcome is one of the three terminal outcomes an elicitation
// round trip can report (supplemented from
// original_source/crates/turul-mcp-server/tests/elicitation).
type ElicitationOutcome string

const (
	ElicitationAccept  ElicitationOutcome = "accept"
	ElicitationDecline ElicitationOutcome = "decline"
	ElicitationCancel  ElicitationOutcome = "cancel"
)

// ElicitationResult is what an ElicitationProvider returns.
type ElicitationResult struct {
	Outcome ElicitationOutcome
	Content map[string]any
}

// ElicitationProvider models elicitation/create as a request from the
// server to the client (spec.md §6): the default implementation lives in
// pkg/mcp/elicitation; this interface keeps the registry decoupled from it.
type ElicitationProvider interface {
	Elicit(ctx context.Context, sess *session.Context, message string, schema json.RawMessage) (ElicitationResult, error)
}

// SamplingProvider models sampling/createMessage, another server-to-client
// round trip with no business-logic implementation in this core (spec.md
// §11 Non-goals: "any specific LLM integration").
type SamplingProvider interface {
	CreateMessage(ctx context.Context, sess *session.Context, params json.RawMessage) (any, error)
}
