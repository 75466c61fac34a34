package session

// bootstrapMethods are permitted in any state (spec.md §4.D: "In
// Initializing, only ping, re-sent initialize, and notifications/initialized
// are accepted").
var bootstrapMethods = map[string]bool{
	"ping":                     true,
	"initialize":               true,
	"notifications/initialized": true,
}

// CheckDispatch enforces the protocol state machine ahead of a method
// dispatch. It never blocks bootstrap methods. For every other method it
// returns ErrNotOperational in strict mode when the session has not reached
// Operational; in lenient mode it returns nil and leaves warning-logging to
// the caller (the dispatcher has the logger, this package does not).
func (c *Context) CheckDispatch(method string, lifecycle Lifecycle) error {
	if c.State() == StateTerminated {
		return ErrTerminated
	}
	if bootstrapMethods[method] {
		return nil
	}
	if c.State() == StateOperational {
		return nil
	}
	if lifecycle == LifecycleLenient {
		return nil
	}
	return ErrNotOperational
}

// Warn reports whether CheckDispatch would have rejected method in strict
// mode, so lenient callers can still log a warning.
func (c *Context) Warn(method string, lifecycle Lifecycle) bool {
	return lifecycle == LifecycleLenient && !bootstrapMethods[method] && c.State() != StateOperational && c.State() != StateTerminated
}
