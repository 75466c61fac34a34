package elicitation_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/handlers"
	"github.com/fieldkit/mcpcore/pkg/mcp/elicitation"
)

func TestElicitDefaultAcceptsAndSynthesizesSchema(t *testing.T) {
	p := elicitation.New()

	schema := json.RawMessage(`{
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "number", "default": 42},
			"plan": {"type": "string", "enum": ["free", "pro"]},
			"subscribe": {"type": "boolean"}
		}
	}`)

	result, err := p.Elicit(context.Background(), nil, "Please provide your account details", schema)
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationAccept, result.Outcome)
	assert.Equal(t, "", result.Content["name"])
	assert.Equal(t, float64(42), result.Content["age"])
	assert.Equal(t, "free", result.Content["plan"])
	assert.Equal(t, false, result.Content["subscribe"])
}

func TestElicitHeuristicCancelAndDecline(t *testing.T) {
	p := elicitation.New()

	result, err := p.Elicit(context.Background(), nil, "Please cancel this request", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationCancel, result.Outcome)

	result, err = p.Elicit(context.Background(), nil, "I decline to provide this information", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationDecline, result.Outcome)
}

func TestElicitRegisteredKeywordTakesPriority(t *testing.T) {
	p := elicitation.New(elicitation.WithResponse("gdpr", handlers.ElicitationResult{
		Outcome: handlers.ElicitationAccept,
		Content: map[string]any{"consent": true},
	}))

	result, err := p.Elicit(context.Background(), nil, "GDPR data subject request", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationAccept, result.Outcome)
	assert.Equal(t, true, result.Content["consent"])
}

func TestElicitOnRegistersAtRuntime(t *testing.T) {
	p := elicitation.New()
	p.On("survey", handlers.ElicitationResult{Outcome: handlers.ElicitationDecline})

	result, err := p.Elicit(context.Background(), nil, "Customer satisfaction survey", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationDecline, result.Outcome)
}

func TestElicitEmptySchemaYieldsEmptyContent(t *testing.T) {
	p := elicitation.New()

	result, err := p.Elicit(context.Background(), nil, "Anything", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.ElicitationAccept, result.Outcome)
	assert.NotNil(t, result.Content)
	assert.Empty(t, result.Content)
}
