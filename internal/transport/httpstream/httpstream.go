// Package httpstream implements the Streamable-HTTP transport: a single
// URL path that accepts POST (JSON-RPC request/response, optionally
// streamed as SSE), GET (live SSE subscription to a session's event log),
// and DELETE (session termination). Grounded in the teacher's
// pkg/mcp/protocol.go (handleMCPRequest, validateAcceptHeader, the
// Mcp-Session-Id/Mcp-Protocol-Version header contract) and pkg/mcp/sse.go
// (HandleSSE's heartbeat/disconnect loop), generalized from one hardcoded
// handler and a NATS-only subscription into a dispatcher-driven transport
// over internal/events.Bus.
package httpstream

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/events"
	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

const (
	headerSessionID      = "Mcp-Session-Id"
	headerProtocolVer    = "Mcp-Protocol-Version"
	headerLastEventID    = "Last-Event-ID"
	defaultPath          = "/mcp"
	heartbeatInterval    = 30 * time.Second
	mimeJSON             = "application/json"
	mimeSSE              = "text/event-stream"
)

// Server adapts a protocol.Dispatcher to the Streamable-HTTP transport
// (spec.md §4.G) over an echo router.
type Server struct {
	dispatcher *protocol.Dispatcher
	sessions   *session.Manager
	bus        *events.Bus
	logger     *zap.Logger
	path       string
}

// Option configures a Server.
type Option func(*Server)

// WithPath overrides the default "/mcp" route path.
func WithPath(path string) Option { return func(s *Server) { s.path = path } }

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer builds a Server. bus may be nil, in which case GET subscription
// returns 501 and a POST that accepts SSE gets only the final response frame,
// with no notifications streamed before it.
func NewServer(dispatcher *protocol.Dispatcher, sessions *session.Manager, bus *events.Bus, opts ...Option) *Server {
	s := &Server{dispatcher: dispatcher, sessions: sessions, bus: bus, logger: zap.NewNop(), path: defaultPath}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes wires POST/GET/DELETE on the configured path.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST(s.path, s.handlePost)
	e.GET(s.path, s.handleGet)
	e.DELETE(s.path, s.handleDelete)
}

// acceptMode is the response representation a POST negotiates via its
// Accept header (spec.md §4.G).
type acceptMode int

const (
	acceptNone acceptMode = iota
	acceptJSON
	acceptSSE
)

// negotiateAccept chooses SSE over JSON when a client declares both,
// mirroring the teacher's validateAcceptHeader substring check but
// permitting either representation alone rather than requiring both.
func negotiateAccept(header string) acceptMode {
	if header == "" {
		return acceptNone
	}
	if strings.Contains(header, mimeSSE) {
		return acceptSSE
	}
	if strings.Contains(header, mimeJSON) {
		return acceptJSON
	}
	return acceptNone
}

func writeJSONRPCError(c echo.Context, status int, errObj *protocol.ErrorObject) error {
	return c.JSON(status, errObj)
}

// resolveSession reads Mcp-Session-Id (authoritative per spec.md §4.G) and
// resolves it against the session manager. A missing header signals
// "initialize-or-reject" bootstrap mode: the caller passes a nil Context to
// the dispatcher, which only permits the initialize method in that state.
func (s *Server) resolveSession(c echo.Context) (*session.Context, error) {
	id := c.Request().Header.Get(headerSessionID)
	if id == "" {
		return nil, nil
	}
	return s.sessions.Get(c.Request().Context(), id)
}

// handlePost implements POST /mcp (spec.md §4.G).
func (s *Server) handlePost(c echo.Context) error {
	mode := negotiateAccept(c.Request().Header.Get(echo.HeaderAccept))
	if mode == acceptNone {
		return writeJSONRPCError(c, http.StatusNotAcceptable, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"Accept header must include application/json or text/event-stream", map[string]any{
				"accept_header": c.Request().Header.Get(echo.HeaderAccept),
			}))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeJSONRPCError(c, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeParseError, err.Error(), nil))
	}

	sess, err := s.resolveSession(c)
	if err != nil {
		return writeJSONRPCError(c, http.StatusNotFound, protocol.NewError(nil, protocol.CodeSessionNotFound, "unknown or terminated session", nil))
	}

	if mode == acceptSSE {
		return s.handlePostSSE(c, body, sess)
	}
	return s.handlePostJSON(c, body, sess)
}

func (s *Server) handlePostJSON(c echo.Context, body []byte, sess *session.Context) error {
	ctx := c.Request().Context()
	results, batch, parseErr := s.dispatcher.DispatchRaw(ctx, body, sess)
	if parseErr != nil {
		return writeJSONRPCError(c, http.StatusBadRequest, parseErr)
	}

	s.applySessionHeaders(c, sess, results)

	if len(results) == 0 {
		// Pure notification: no body per JSON-RPC 2.0.
		return c.NoContent(http.StatusAccepted)
	}
	if !batch {
		return writeSingleResult(c, results[0])
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		if r.Error != nil {
			out = append(out, r.Error)
		} else {
			out = append(out, r.Response)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func writeSingleResult(c echo.Context, r protocol.BatchResult) error {
	if r.Error != nil {
		return c.JSON(http.StatusOK, r.Error)
	}
	return c.JSON(http.StatusOK, r.Response)
}

// applySessionHeaders sets Mcp-Session-Id/Mcp-Protocol-Version on the
// initialize exchange, reading the minted ID back out of the handler's
// result (internal/handlers.handleInitialize embeds it for exactly this
// purpose) when the request arrived without a session.
func (s *Server) applySessionHeaders(c echo.Context, sess *session.Context, results []protocol.BatchResult) {
	if sess != nil {
		c.Response().Header().Set(headerSessionID, sess.ID())
		return
	}
	for _, r := range results {
		if r.Response == nil {
			continue
		}
		id, version := extractInitializeHeaders(r.Response.Result)
		if id != "" {
			c.Response().Header().Set(headerSessionID, id)
			if version != "" {
				c.Response().Header().Set(headerProtocolVer, version)
			}
			return
		}
	}
}

func extractInitializeHeaders(result any) (sessionID, protocolVersion string) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", ""
	}
	var decoded struct {
		SessionID       string `json:"sessionId"`
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return "", ""
	}
	return decoded.SessionID, decoded.ProtocolVersion
}

// handlePostSSE streams any notifications emitted while the dispatcher runs,
// followed by a final data-only event carrying the JSON-RPC response
// (spec.md §4.G). Notifications require a session to subscribe against; a
// bootstrap (session-less) POST, or any POST when no bus is configured,
// therefore runs the dispatcher directly with no intermediate streaming.
func (s *Server) handlePostSSE(c echo.Context, body []byte, sess *session.Context) error {
	if sess == nil || s.bus == nil {
		results, _, parseErr := s.dispatcher.DispatchRaw(c.Request().Context(), body, sess)
		if parseErr != nil {
			return writeJSONRPCError(c, http.StatusBadRequest, parseErr)
		}
		setSSEHeaders(c)
		if len(results) == 0 {
			return nil
		}
		s.applySessionHeaders(c, sess, results)
		return writeFinalSSEFrame(c, results[0])
	}

	setSSEHeaders(c)
	ch, unsubscribe := s.bus.Subscribe(sess.ID())
	defer unsubscribe()

	type dispatchOutcome struct {
		results []protocol.BatchResult
		err     *protocol.ErrorObject
	}
	done := make(chan dispatchOutcome, 1)
	go func() {
		results, _, parseErr := s.dispatcher.DispatchRaw(c.Request().Context(), body, sess)
		done <- dispatchOutcome{results: results, err: parseErr}
	}()

	for {
		select {
		case ev := <-ch:
			frame, err := events.FormatSSE(ev)
			if err != nil {
				continue
			}
			if _, err := c.Response().Write(frame); err != nil {
				return nil
			}
			c.Response().Flush()
		case outcome := <-done:
			if outcome.err != nil {
				return writeJSONRPCError(c, http.StatusBadRequest, outcome.err)
			}
			if len(outcome.results) == 0 {
				return nil
			}
			return writeFinalSSEFrame(c, outcome.results[0])
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func setSSEHeaders(c echo.Context) {
	c.Response().Header().Set(echo.HeaderContentType, mimeSSE)
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
}

func writeFinalSSEFrame(c echo.Context, r protocol.BatchResult) error {
	var payload any = r.Response
	if r.Error != nil {
		payload = r.Error
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return nil
	}
	c.Response().Flush()
	return nil
}

// handleGet implements GET /mcp: a live SSE subscription to the session's
// event log, optionally resuming from Last-Event-ID (spec.md §4.F, §4.G).
func (s *Server) handleGet(c echo.Context) error {
	if negotiateAccept(c.Request().Header.Get(echo.HeaderAccept)) != acceptSSE {
		return writeJSONRPCError(c, http.StatusNotAcceptable, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"GET requires Accept: text/event-stream", nil))
	}
	if s.bus == nil {
		return c.NoContent(http.StatusNotImplemented)
	}

	sessID := c.Request().Header.Get(headerSessionID)
	if sessID == "" {
		return writeJSONRPCError(c, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"GET requires Mcp-Session-Id", nil))
	}
	ctx := c.Request().Context()
	sess, err := s.sessions.Get(ctx, sessID)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}

	setSSEHeaders(c)

	if lastEventID := c.Request().Header.Get(headerLastEventID); lastEventID != "" {
		afterID, convErr := strconv.ParseInt(lastEventID, 10, 64)
		if convErr == nil {
			backlog, err := s.bus.ReplayAfter(ctx, sess.ID(), afterID)
			if err == nil {
				for _, ev := range backlog {
					frame, err := events.FormatSSE(ev)
					if err != nil {
						continue
					}
					if _, err := c.Response().Write(frame); err != nil {
						return nil
					}
				}
				c.Response().Flush()
			}
		}
	}

	ch, unsubscribe := s.bus.Subscribe(sess.ID())
	defer unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			frame, err := events.FormatSSE(ev)
			if err != nil {
				continue
			}
			if _, err := c.Response().Write(frame); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-ticker.C:
			if _, err := c.Response().Write(events.KeepaliveFrame()); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// handleDelete implements DELETE /mcp: session termination, with subsequent
// reuse of the ID 404ing (spec.md §4.G).
func (s *Server) handleDelete(c echo.Context) error {
	sessID := c.Request().Header.Get(headerSessionID)
	if sessID == "" {
		return writeJSONRPCError(c, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"DELETE requires Mcp-Session-Id", nil))
	}
	ctx := c.Request().Context()
	sess, err := s.sessions.Get(ctx, sessID)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	if err := sess.Terminate(ctx); err != nil {
		s.logger.Warn("session termination failed", zap.String("session_id", sessID), zap.Error(err))
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}
