package httpstream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/events"
	"github.com/fieldkit/mcpcore/internal/handlers"
	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/resources"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage/memory"
	"github.com/fieldkit/mcpcore/internal/tasks"
	"github.com/fieldkit/mcpcore/internal/transport/httpstream"
)

func newTestServer(t *testing.T) (*echo.Echo, *session.Manager, *events.Bus) {
	t.Helper()
	return newTestServerWithTools(t)
}

func newTestServerWithTools(t *testing.T, tools ...handlers.Tool) (*echo.Echo, *session.Manager, *events.Bus) {
	t.Helper()
	store := memory.New()
	sessions := session.NewManager(store, session.Config{})
	t.Cleanup(sessions.Stop)
	rt := tasks.NewRuntime(store, tasks.Config{RecoveryInterval: time.Hour}, nil)
	t.Cleanup(rt.Stop)
	bus := events.NewBus(store, nil, nil)
	sessions.SetNotifier(bus)

	reg := handlers.NewRegistry(resources.NewRouter(nil), rt, sessions, handlers.ServerInfo{Name: "mcpcore", Version: "test"}, map[string]any{})
	for _, tool := range tools {
		require.NoError(t, reg.RegisterTool(tool))
	}
	dispatcher := protocol.NewDispatcher(reg, sessions, session.LifecycleLenient)

	srv := httpstream.NewServer(dispatcher, sessions, bus)
	e := echo.New()
	srv.RegisterRoutes(e)
	return e, sessions, bus
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPostInitializeBootstrapMintsSessionHeader(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		map[string]string{echo.HeaderAccept: "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	result := decoded["result"].(map[string]any)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
}

func TestPostWithoutSessionRejectsNonInitializeMethod(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		map[string]string{echo.HeaderAccept: "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	errObj := decoded["error"].(map[string]any)
	assert.EqualValues(t, protocol.CodeInvalidRequest, errObj["code"])
}

func TestPostMissingAcceptHeaderRejected(t *testing.T) {
	e, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func bootstrapSession(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := doRequest(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		map[string]string{echo.HeaderAccept: "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Header().Get("Mcp-Session-Id")
}

func TestPostWithSessionHeaderDispatchesOperationalMethod(t *testing.T) {
	e, sessions, _ := newTestServer(t)
	sessionID := bootstrapSession(t, e)

	sc, err := sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NoError(t, sc.FinishInitialize(context.Background()))

	rec := doRequest(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{echo.HeaderAccept: "application/json", "Mcp-Session-Id": sessionID})

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	result := decoded["result"].(map[string]any)
	assert.Equal(t, []any{}, result["tools"])
}

func TestDeleteTerminatesSessionAnd404sOnReuse(t *testing.T) {
	e, _, _ := newTestServer(t)
	sessionID := bootstrapSession(t, e)

	rec := doRequest(e, http.MethodDelete, "/mcp", "", map[string]string{"Mcp-Session-Id": sessionID})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/mcp", "", map[string]string{"Mcp-Session-Id": sessionID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWithoutSessionHeaderRejected(t *testing.T) {
	e, _, _ := newTestServer(t)
	rec := doRequest(e, http.MethodGet, "/mcp", "", map[string]string{echo.HeaderAccept: "text/event-stream"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWrongAcceptHeaderRejected(t *testing.T) {
	e, _, _ := newTestServer(t)
	sessionID := bootstrapSession(t, e)
	rec := doRequest(e, http.MethodGet, "/mcp", "", map[string]string{
		echo.HeaderAccept: "application/json", "Mcp-Session-Id": sessionID,
	})
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

// TestToolsCallOverSSEEmitsProgressBeforeResponse exercises spec.md §8
// scenario 2: a tool that emits notifications/progress through its
// session.Context must have that event fanned out over the SSE stream
// before the final JSON-RPC response frame.
func TestToolsCallOverSSEEmitsProgressBeforeResponse(t *testing.T) {
	echoSSE := handlers.Tool{
		Name: "echo_sse",
		Call: func(ctx context.Context, sess *session.Context, args json.RawMessage) (any, error) {
			if _, err := sess.Emit(ctx, "notifications/progress", map[string]any{"progress": 1, "total": 2}); err != nil {
				return nil, err
			}
			return map[string]any{"text": "hi"}, nil
		},
	}
	e, sessions, _ := newTestServerWithTools(t, echoSSE)
	sessionID := bootstrapSession(t, e)

	sc, err := sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NoError(t, sc.FinishInitialize(context.Background()))

	rec := doRequest(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo_sse","arguments":{}}}`,
		map[string]string{echo.HeaderAccept: "text/event-stream", "Mcp-Session-Id": sessionID})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	progressIdx := strings.Index(body, "event: notifications/progress")
	responseIdx := strings.Index(body, `"id":2`)
	require.NotEqual(t, -1, progressIdx, "expected a notifications/progress event in the SSE body: %s", body)
	require.NotEqual(t, -1, responseIdx, "expected the final JSON-RPC response in the SSE body: %s", body)
	assert.Less(t, progressIdx, responseIdx, "progress event must precede the final response frame")
}
