// Package lambda adapts the core to a function-as-a-service invocation
// model: one call in, one call out, no long-lived process between
// requests (spec.md §4.G "Serverless variant"). Supplemented from
// original_source/crates/turul-mcp-aws-lambda/src/builder.rs, whose
// LambdaMcpServerBuilder wraps the same dispatcher in an AWS-specific
// runtime harness; this package keeps the harness-independent core of that
// idea — request in, response out, cold-start task recovery — without
// adopting the aws-lambda-go runtime package itself (see DESIGN.md for why).
package lambda

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/tasks"
)

// Request is one function invocation's inbound HTTP-shaped payload. Event
// source adapters (API Gateway, Function URLs, an ALB target) map their own
// envelope onto this before calling Handler.Invoke.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is the outbound counterpart, mapped back onto whatever shape the
// event source expects.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

func jsonResponse(status int, headers map[string]string, payload any) Response {
	b, _ := json.Marshal(payload)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return Response{StatusCode: status, Headers: headers, Body: b}
}

const (
	headerSessionID = "Mcp-Session-Id"
)

// Handler is the per-invocation entry point. Unlike internal/transport/httpstream,
// it never streams: a function invocation has no persistent connection to
// stream SSE frames over, so every POST is answered as a single JSON body
// regardless of the caller's Accept header.
type Handler struct {
	dispatcher *protocol.Dispatcher
	sessions   *session.Manager
	tasks      *tasks.Runtime
	logger     *zap.Logger

	recoverOnce sync.Once
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }

// NewHandler builds a Handler. taskRuntime may be nil if tasks aren't
// configured for this deployment; sessions MUST be backed by a durable
// storage.Backend (in-memory loses every session between invocations, per
// spec.md §4.G).
func NewHandler(dispatcher *protocol.Dispatcher, sessions *session.Manager, taskRuntime *tasks.Runtime, opts ...Option) *Handler {
	h := &Handler{dispatcher: dispatcher, sessions: sessions, tasks: taskRuntime, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke handles one function invocation. Task recovery (spec.md §4.H
// "Recovery") runs opportunistically on the first invocation this process
// handles, approximating a cold-start hook without any runtime-specific
// lifecycle callback to hang it off of.
func (h *Handler) Invoke(ctx context.Context, req Request) (Response, error) {
	h.recoverOnce.Do(func() {
		if h.tasks != nil {
			h.tasks.RecoverOnce(ctx)
		}
	})

	switch req.Method {
	case http.MethodPost:
		return h.invokePost(ctx, req)
	case http.MethodDelete:
		return h.invokeDelete(ctx, req)
	default:
		return jsonResponse(http.StatusMethodNotAllowed, nil, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"lambda transport supports POST and DELETE only (no persistent connection for GET SSE)", nil)), nil
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (h *Handler) resolveSession(ctx context.Context, req Request) (*session.Context, error) {
	id := headerValue(req.Headers, headerSessionID)
	if id == "" {
		return nil, nil
	}
	return h.sessions.Get(ctx, id)
}

func (h *Handler) invokePost(ctx context.Context, req Request) (Response, error) {
	sess, err := h.resolveSession(ctx, req)
	if err != nil {
		return jsonResponse(http.StatusNotFound, nil, protocol.NewError(nil, protocol.CodeSessionNotFound,
			"unknown or terminated session", nil)), nil
	}

	results, batch, parseErr := h.dispatcher.DispatchRaw(ctx, req.Body, sess)
	if parseErr != nil {
		return jsonResponse(http.StatusBadRequest, nil, parseErr), nil
	}

	headers := map[string]string{}
	if sess != nil {
		headers[headerSessionID] = sess.ID()
	} else {
		for _, r := range results {
			if r.Response == nil {
				continue
			}
			if id := extractSessionID(r.Response.Result); id != "" {
				headers[headerSessionID] = id
				break
			}
		}
	}

	if len(results) == 0 {
		return jsonResponse(http.StatusAccepted, headers, nil), nil
	}
	if !batch {
		if results[0].Error != nil {
			return jsonResponse(http.StatusOK, headers, results[0].Error), nil
		}
		return jsonResponse(http.StatusOK, headers, results[0].Response), nil
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		if r.Error != nil {
			out = append(out, r.Error)
		} else {
			out = append(out, r.Response)
		}
	}
	return jsonResponse(http.StatusOK, headers, out), nil
}

func extractSessionID(result any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return ""
	}
	return decoded.SessionID
}

func (h *Handler) invokeDelete(ctx context.Context, req Request) (Response, error) {
	id := headerValue(req.Headers, headerSessionID)
	if id == "" {
		return jsonResponse(http.StatusBadRequest, nil, protocol.NewError(nil, protocol.CodeInvalidRequest,
			"DELETE requires Mcp-Session-Id", nil)), nil
	}
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		return Response{StatusCode: http.StatusNotFound}, nil
	}
	if err := sess.Terminate(ctx); err != nil {
		h.logger.Warn("session termination failed", zap.String("session_id", id), zap.Error(err))
		return Response{StatusCode: http.StatusNotFound}, nil
	}
	return Response{StatusCode: http.StatusNoContent}, nil
}
