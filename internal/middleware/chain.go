// Package middleware implements the before/after hook stack the dispatcher
// drives around every method call (spec.md §4.I). Generalizes the
// teacher's ad hoc per-handler auth/logging checks in pkg/mcp/protocol.go
// (ExtractOwnerID, validateSession called inline in every handler) into a
// registered, ordered chain the dispatcher applies uniformly.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/session"
)

// Before runs ahead of dispatch. It may mutate req, accumulate session
// state via inject, or short-circuit by returning an error (wrapped as
// *Error if it needs a specific JSON-RPC code).
type Before func(ctx context.Context, req *protocol.Request, sess *session.Context, inject *SessionInjection) error

// After runs once the handler has produced a result or error. It may
// inspect result and assign to *result; the assignment is seen by the
// after-hooks that run later in the same chain, but it is not carried into
// the response the dispatcher sends.
type After func(ctx context.Context, req *protocol.Request, result *any, handlerErr error)

// Error is a before-hook's typed short-circuit, mapped to a JSON-RPC error
// by the dispatcher (spec.md §4.I: "short-circuit by returning a typed
// MiddlewareError").
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("middleware: %s", e.Message) }

// SessionInjection accumulates scratchpad keys a before-hook wants written
// into session state. The chain applies every accumulated key atomically
// after all before-hooks run, but before the handler sees the session
// context, per spec.md §4.I.
type SessionInjection struct {
	mu      sync.Mutex
	entries map[string]any
}

func newInjection() *SessionInjection {
	return &SessionInjection{entries: make(map[string]any)}
}

// Set stages key/value for application once every before-hook has run.
func (si *SessionInjection) Set(key string, value any) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.entries[key] = value
}

// Chain is an ordered middleware stack: before-hooks run FIFO, after-hooks
// run LIFO (spec.md §4.I).
type Chain struct {
	before []Before
	after  []After
}

// NewChain builds an empty chain; Use appends hooks in registration order.
func NewChain() *Chain { return &Chain{} }

// Use registers a before-hook, appended to the FIFO order, and an optional
// after-hook, prepended so it runs LIFO relative to other registrations.
// Either may be nil.
func (c *Chain) Use(before Before, after After) {
	if before != nil {
		c.before = append(c.before, before)
	}
	if after != nil {
		c.after = append([]After{after}, c.after...)
	}
}

// Before implements protocol.Middleware: runs every before-hook FIFO,
// applying the accumulated SessionInjection atomically once they have all
// succeeded.
func (c *Chain) Before(ctx context.Context, req *protocol.Request, sess *session.Context) error {
	inject := newInjection()
	for _, hook := range c.before {
		if err := hook(ctx, req, sess, inject); err != nil {
			if pe, ok := AsProtocolError(err); ok {
				return pe
			}
			return err
		}
	}
	if sess == nil || len(inject.entries) == 0 {
		return nil
	}
	inject.mu.Lock()
	defer inject.mu.Unlock()
	for k, v := range inject.entries {
		if err := sess.SetState(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// After implements protocol.Middleware: runs every after-hook LIFO
// (registration order reversed by Use).
func (c *Chain) After(ctx context.Context, req *protocol.Request, result any, handlerErr error) {
	for _, hook := range c.after {
		hook(ctx, req, &result, handlerErr)
	}
}

// AsProtocolError converts a middleware-originated error to its JSON-RPC
// shape; other error kinds fall through untouched so protocol.ToError's own
// generic handling applies.
func AsProtocolError(err error) (*protocol.Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return protocol.NewProtocolError(me.Code, me.Message, nil), true
	}
	return nil, false
}
