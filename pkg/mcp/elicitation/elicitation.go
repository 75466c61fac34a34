// Package elicitation provides the default elicitation/create provider: a
// mock that never talks to a real client, answering every request with a
// canned terminal outcome (supplemented from
// original_source/crates/turul-mcp-server/tests/elicitation/bin/main.rs,
// whose onboarding/compliance/preference/survey tools all drive the same
// accept/decline/cancel elicitation round trip against a form schema built
// from external config). Callers register real providers (a chat client, a
// CLI prompt) for production use; this one exists so pkg/mcp.Builder has a
// working default and so tests can exercise elicitation/create end to end
// without a live client on the other end.
package elicitation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/fieldkit/mcpcore/internal/handlers"
	"github.com/fieldkit/mcpcore/internal/session"
)

// Provider is a mock handlers.ElicitationProvider. Its zero value is ready
// to use: a message containing "cancel" is cancelled, one containing
// "decline" or "reject" is declined, and every other call accepts with
// content synthesized from the requested schema. Keyword responses
// registered with WithResponse or On take priority, letting tests and demos
// drive specific messages to a specific outcome.
type Provider struct {
	mu       sync.RWMutex
	keywords []keywordResponse
}

type keywordResponse struct {
	keyword string
	result  handlers.ElicitationResult
}

// Option configures a Provider at construction time.
type Option func(*Provider)

// WithResponse registers a canned result for any elicitation message
// containing keyword (case-insensitive). Keywords are matched in
// registration order; the first match wins.
func WithResponse(keyword string, result handlers.ElicitationResult) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, keywordResponse{keyword: strings.ToLower(keyword), result: result})
	}
}

// New builds a Provider. With no options it cancels or declines messages
// naming those outcomes (see Provider) and accepts every other request,
// filling content from the requested schema's defaults/enums/type zero values.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// On registers a canned response at runtime (e.g. from within a running
// server), equivalent to WithResponse at construction time.
func (p *Provider) On(keyword string, result handlers.ElicitationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keywords = append(p.keywords, keywordResponse{keyword: strings.ToLower(keyword), result: result})
}

// Elicit implements handlers.ElicitationProvider. Session and context are
// unused by the mock but kept in the signature to match the interface real
// providers must satisfy.
func (p *Provider) Elicit(ctx context.Context, sess *session.Context, message string, schema json.RawMessage) (handlers.ElicitationResult, error) {
	p.mu.RLock()
	lower := strings.ToLower(message)
	for _, kr := range p.keywords {
		if strings.Contains(lower, kr.keyword) {
			p.mu.RUnlock()
			return kr.result, nil
		}
	}
	p.mu.RUnlock()

	switch {
	case strings.Contains(lower, "cancel"):
		return handlers.ElicitationResult{Outcome: handlers.ElicitationCancel}, nil
	case strings.Contains(lower, "decline"), strings.Contains(lower, "reject"):
		return handlers.ElicitationResult{Outcome: handlers.ElicitationDecline}, nil
	}

	return handlers.ElicitationResult{
		Outcome: handlers.ElicitationAccept,
		Content: synthesize(schema),
	}, nil
}

// formSchema is the minimal subset of JSON Schema that elicitation/create
// requests use (spec.md §6: an object schema of primitive properties).
type formSchema struct {
	Properties map[string]formProperty `json:"properties"`
}

type formProperty struct {
	Type    string `json:"type"`
	Default any    `json:"default"`
	Enum    []any  `json:"enum"`
}

// synthesize builds a plausible accept payload from a requested schema:
// each property's declared default, else its first enum value, else a zero
// value for its declared type. Unparseable or absent schemas yield an empty
// (but non-nil) content map, matching an accept with nothing to disclose.
func synthesize(schema json.RawMessage) map[string]any {
	content := map[string]any{}
	if len(schema) == 0 {
		return content
	}

	var fs formSchema
	if err := json.Unmarshal(schema, &fs); err != nil {
		return content
	}

	for name, prop := range fs.Properties {
		switch {
		case prop.Default != nil:
			content[name] = prop.Default
		case len(prop.Enum) > 0:
			content[name] = prop.Enum[0]
		default:
			content[name] = zeroValue(prop.Type)
		}
	}
	return content
}

func zeroValue(schemaType string) any {
	switch schemaType {
	case "string":
		return ""
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return nil
	}
}
