package lambda_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/handlers"
	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/resources"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage/memory"
	"github.com/fieldkit/mcpcore/internal/tasks"
	"github.com/fieldkit/mcpcore/internal/transport/lambda"
)

func newTestHandler(t *testing.T) (*lambda.Handler, *session.Manager) {
	t.Helper()
	store := memory.New()
	sessions := session.NewManager(store, session.Config{})
	t.Cleanup(sessions.Stop)
	rt := tasks.NewRuntime(store, tasks.Config{RecoveryInterval: time.Hour}, nil)
	t.Cleanup(rt.Stop)

	reg := handlers.NewRegistry(resources.NewRouter(nil), rt, sessions, handlers.ServerInfo{Name: "mcpcore", Version: "test"}, map[string]any{})
	dispatcher := protocol.NewDispatcher(reg, sessions, session.LifecycleLenient)

	return lambda.NewHandler(dispatcher, sessions, rt), sessions
}

func TestInvokePostBootstrapMintsSessionHeader(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.Invoke(context.Background(), lambda.Request{
		Method: http.MethodPost,
		Body:   []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Headers["Mcp-Session-Id"])
}

func TestInvokePostWithoutSessionRejectsNonInitialize(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.Invoke(context.Background(), lambda.Request{
		Method: http.MethodPost,
		Body:   []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &decoded))
	errObj := decoded["error"].(map[string]any)
	assert.EqualValues(t, protocol.CodeInvalidRequest, errObj["code"])
}

func TestInvokeDeleteTerminatesSessionAnd404sOnReuse(t *testing.T) {
	h, sessions := newTestHandler(t)
	sc, err := sessions.Create(context.Background(), nil)
	require.NoError(t, err)

	resp, err := h.Invoke(context.Background(), lambda.Request{
		Method:  http.MethodDelete,
		Headers: map[string]string{"Mcp-Session-Id": sc.ID()},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = h.Invoke(context.Background(), lambda.Request{
		Method:  http.MethodDelete,
		Headers: map[string]string{"Mcp-Session-Id": sc.ID()},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvokeUnsupportedMethodRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	resp, err := h.Invoke(context.Background(), lambda.Request{Method: http.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
