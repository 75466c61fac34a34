package protocol

import (
	"errors"
	"fmt"

	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage"
)

// Error is a typed protocol error a handler can return to control its own
// JSON-RPC error code and data, instead of letting the dispatcher collapse
// every failure to -32603 InternalError.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string { return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message) }

// NewProtocolError constructs an *Error: handlers use this for method-
// specific failures (e.g. tasks/get returning CodeTaskNotFound).
func NewProtocolError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// mapStorageError implements spec.md §7's storage-to-protocol mapping:
// NotFound becomes a method-specific not-found code, ConcurrentModification
// and InvalidTransition become -32603 with an explanatory message, anything
// else falls through to a generic InternalError.
func mapStorageError(err error, notFoundCode int) *Error {
	var nf *storage.NotFoundError
	if errors.As(err, &nf) {
		return &Error{Code: notFoundCode, Message: fmt.Sprintf("%s not found: %s", nf.Kind, nf.ID)}
	}
	if errors.Is(err, storage.ErrConcurrentModification) {
		return &Error{Code: CodeInternalError, Message: "concurrent modification, retry", Data: map[string]any{"retryable": true}}
	}
	var it *storage.InvalidTransitionError
	if errors.As(err, &it) {
		return &Error{Code: CodeInternalError, Message: fmt.Sprintf("cannot transition from %s to %s", it.From, it.To)}
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		return &Error{Code: CodeInternalError, Message: "invalid state transition"}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// ToError converts any handler-returned error into a JSON-RPC *Error,
// preferring an error the handler already typed (*Error, session lifecycle
// errors) over the generic storage/internal fallback.
func ToError(err error, notFoundCode int) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, session.ErrNotOperational):
		return &Error{Code: CodeInternalError, Message: "session is not operational"}
	case errors.Is(err, session.ErrTerminated):
		return &Error{Code: CodeInternalError, Message: "session has been terminated"}
	}
	var nf *storage.NotFoundError
	var it *storage.InvalidTransitionError
	if errors.As(err, &nf) || errors.As(err, &it) || errors.Is(err, storage.ErrConcurrentModification) || errors.Is(err, storage.ErrInvalidTransition) {
		return mapStorageError(err, notFoundCode)
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
