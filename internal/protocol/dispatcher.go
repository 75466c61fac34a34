package protocol

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/session"
)

// HandlerFunc handles one JSON-RPC method. It returns the JSON-RPC result
// value on success; a returned *Error carries its own code, anything else
// is mapped to InternalError by ToError.
type HandlerFunc func(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error)

// Registry resolves a JSON-RPC method name to its handler. internal/handlers
// implements this; Dispatcher only depends on the interface to avoid an
// import cycle (handlers needs protocol's error types).
type Registry interface {
	Lookup(method string) (HandlerFunc, bool)
	// NotFoundCodeFor returns the method-specific not-found error code a
	// storage.NotFoundError should map to for this method (spec.md §7), or
	// CodeInternalError if the method has no specific mapping.
	NotFoundCodeFor(method string) int
}

// Middleware is the before/after hook seam the dispatcher drives around
// every dispatched method (spec.md §4.I). internal/middleware.Chain
// implements this.
type Middleware interface {
	Before(ctx context.Context, req *Request, sess *session.Context) error
	After(ctx context.Context, req *Request, result any, handlerErr error)
}

// Metrics is the per-method instrumentation seam the dispatcher drives
// around every dispatched method. internal/telemetry.Metrics implements
// this, re-keyed from the teacher's per-tool-name instrumentation to
// per-JSON-RPC-method.
type Metrics interface {
	RecordInvocation(ctx context.Context, method string, duration time.Duration, err error)
	IncrementActive(ctx context.Context, method string)
	DecrementActive(ctx context.Context, method string)
}

// Dispatcher parses JSON-RPC envelopes, enforces the session lifecycle gate,
// and routes to the registered handler.
type Dispatcher struct {
	registry   Registry
	sessions   *session.Manager
	lifecycle  session.Lifecycle
	middleware Middleware
	metrics    Metrics
	logger     *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware installs the before/after hook chain.
func WithMiddleware(mw Middleware) Option { return func(d *Dispatcher) { d.middleware = mw } }

// WithMetrics installs a per-method invocation/duration/error recorder.
func WithMetrics(m Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// NewDispatcher builds a Dispatcher over registry and the session manager,
// enforcing lifecycle in the given mode.
func NewDispatcher(registry Registry, sessions *session.Manager, lifecycle session.Lifecycle, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, sessions: sessions, lifecycle: lifecycle, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one already-parsed envelope. sess is nil only for the
// "initialize-or-reject" bootstrap path (spec.md §4.G), in which case only
// "initialize" is permitted and the handler is responsible for minting the
// session itself.
//
// Exactly one of the two return values is non-nil, unless req is a
// notification, in which case both are nil (notifications never produce a
// response).
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, sess *session.Context) (*Response, *ErrorObject) {
	notification := req.IsNotification()

	if sess == nil && req.Method != "initialize" {
		if notification {
			return nil, nil
		}
		return nil, NewError(req.ID, CodeInvalidRequest, "session required for all methods except initialize", nil)
	}

	if sess != nil {
		if err := sess.CheckDispatch(req.Method, d.lifecycle); err != nil {
			if notification {
				return nil, nil
			}
			return nil, NewError(req.ID, CodeInternalError, err.Error(), nil)
		}
		if sess.Warn(req.Method, d.lifecycle) {
			d.logger.Warn("method dispatched before session operational",
				zap.String("method", req.Method), zap.String("session_id", sess.ID()))
		}
	}

	handler, ok := d.registry.Lookup(req.Method)
	if !ok {
		if notification {
			return nil, nil
		}
		return nil, NewError(req.ID, CodeMethodNotFound, "unknown method: "+req.Method, nil)
	}

	if d.middleware != nil {
		if err := d.middleware.Before(ctx, req, sess); err != nil {
			if notification {
				return nil, nil
			}
			pe := ToError(err, d.registry.NotFoundCodeFor(req.Method))
			return nil, NewError(req.ID, pe.Code, pe.Message, pe.Data)
		}
	}

	var result any
	var err error
	if d.metrics != nil {
		d.metrics.IncrementActive(ctx, req.Method)
		start := time.Now()
		result, err = handler(ctx, req.Params, sess)
		d.metrics.RecordInvocation(ctx, req.Method, time.Since(start), err)
		d.metrics.DecrementActive(ctx, req.Method)
	} else {
		result, err = handler(ctx, req.Params, sess)
	}

	if d.middleware != nil {
		d.middleware.After(ctx, req, result, err)
	}

	if notification {
		return nil, nil
	}
	if err != nil {
		pe := ToError(err, d.registry.NotFoundCodeFor(req.Method))
		return nil, NewError(req.ID, pe.Code, pe.Message, pe.Data)
	}
	resp := NewSuccess(req.ID, result)
	resp.Meta = req.Meta
	return resp, nil
}

// BatchResult is one member of a dispatched batch: at most one of Response
// or Error is set, mirroring Dispatch's own contract.
type BatchResult struct {
	Response *Response
	Error    *ErrorObject
}

// DispatchRaw parses body as either a single Request or a JSON array of
// Requests (spec.md §4.C batch support), dispatches each independently, and
// re-bundles responses in the same shape. batch is true when body was a
// JSON array, so the transport knows whether to wrap a single result.
func (d *Dispatcher) DispatchRaw(ctx context.Context, body []byte, sess *session.Context) (results []BatchResult, batch bool, parseErr *ErrorObject) {
	trimmed := trimLeadingSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, true, NewError(nil, CodeParseError, "malformed batch: "+err.Error(), nil)
		}
		for i := range reqs {
			resp, errObj := d.Dispatch(ctx, &reqs[i], sess)
			if resp == nil && errObj == nil {
				continue // notification
			}
			results = append(results, BatchResult{Response: resp, Error: errObj})
		}
		return results, true, nil
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, NewError(nil, CodeParseError, "malformed request: "+err.Error(), nil)
	}
	if req.JSONRPC != "2.0" {
		return nil, false, NewError(req.ID, CodeInvalidRequest, `jsonrpc field must be "2.0"`, nil)
	}
	resp, errObj := d.Dispatch(ctx, &req, sess)
	if resp == nil && errObj == nil {
		return nil, false, nil // notification: no body to send
	}
	return []BatchResult{{Response: resp, Error: errObj}}, false, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
