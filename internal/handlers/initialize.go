package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	// SessionID is populated only on the session-less bootstrap path
	// (sess == nil on entry): the transport layer reads this to set the
	// Mcp-Session-Id response header. It is not part of the MCP wire schema
	// and callers that already hold a session never see it set.
	SessionID string `json:"sessionId,omitempty"`
}

// handleInitialize begins the New→Initializing transition (spec.md §4.D):
// negotiates the protocol version and stashes the client's declared info and
// capabilities for later introspection. Per the dispatcher's contract, sess
// is nil only on the session-less bootstrap path, in which case this handler
// mints the session itself.
func (r *Registry) handleInitialize(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "malformed initialize params", nil)
		}
	}

	mintedID := ""
	if sess == nil {
		created, err := r.sessions.Create(ctx, r.serverCapabilities)
		if err != nil {
			return nil, err
		}
		sess = created
		mintedID = sess.ID()
	}

	negotiated := session.NegotiateVersion(p.ProtocolVersion)
	if err := sess.BeginInitialize(ctx, p.ProtocolVersion, negotiated, p.ClientInfo, p.Capabilities); err != nil {
		return nil, err
	}
	return initializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    r.serverCapabilities,
		ServerInfo:      r.serverInfo,
		SessionID:       mintedID,
	}, nil
}

// handleNotificationsInitialized completes the Initializing→Operational
// transition (spec.md §4.D); it is a notification, so its return value is
// discarded by the dispatcher.
func (r *Registry) handleNotificationsInitialized(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	if err := sess.FinishInitialize(ctx); err != nil {
		r.logger.Warn("notifications/initialized failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
	return nil, nil
}

// handlePing answers the bootstrap keep-alive method; no session state is
// required or touched.
func (r *Registry) handlePing(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	return map[string]any{}, nil
}

// handleNotificationNoop logs and discards a fire-and-forget notification
// the framework does not otherwise act on (spec.md §4.E).
func (r *Registry) handleNotificationNoop(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	r.logger.Debug("notification received", zap.String("session_id", sess.ID()))
	return nil, nil
}
