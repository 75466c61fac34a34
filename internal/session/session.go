// Package session wraps a storage backend with the session lifecycle state
// machine and the sweeper that expires idle sessions. It is the only
// component that mutates session records — handlers receive a Context
// (session.go) rather than a storage.Session directly.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// Lifecycle selects how strictly the state machine rejects operational
// methods sent before a session reaches Operational.
type Lifecycle int

const (
	// LifecycleStrict rejects any operational method before Operational
	// with a configuration-class error.
	LifecycleStrict Lifecycle = iota
	// LifecycleLenient logs a warning and lets the method proceed.
	LifecycleLenient
)

// State is one state in the protocol state machine (spec.md §4.D).
type State int

const (
	StateNew State = iota
	StateInitializing
	StateOperational
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateOperational:
		return "operational"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrTerminated is returned for any operation against a terminated session.
	ErrTerminated = errors.New("session: terminated")
	// ErrNotOperational is returned in strict lifecycle mode when a method
	// other than ping/initialize/notifications-initialized is dispatched
	// before the session reaches Operational.
	ErrNotOperational = errors.New("session: not operational")
)

// NegotiationReport is a supplemented diagnostic record (not a wire method)
// capturing what initialize negotiated, attached to session state so
// tools/call handlers can introspect it.
type NegotiationReport struct {
	RequestedVersion  string
	NegotiatedVersion string
	ClientInfo        map[string]any
	ClientCapabilities map[string]any
}

const negotiationStateKey = "__negotiation_report"

// Notifier is the seam through which a session.Context emits a notification
// onto the per-session event log (spec.md §4.F: "when a handler (or a
// background task) emits a notification, the bus..."). internal/events.Bus
// implements this; kept as a narrow interface here so session does not
// depend on the bus's NATS/subscription machinery, only on its Publish
// contract.
type Notifier interface {
	Publish(ctx context.Context, sessionID string, ev storage.Event) (storage.Event, error)
}

// Config configures the Manager's sweeper.
type Config struct {
	TTL           time.Duration // default 30 min
	SweepInterval time.Duration // default 60 s
	Lifecycle     Lifecycle
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	return c
}

// Manager is the only component permitted to mutate storage.Session
// records. It tracks in-memory protocol state per session (New through
// Terminated) alongside the durable record.
type Manager struct {
	store    storage.SessionStore
	cfg      Config
	notifier Notifier

	mu     sync.Mutex
	states map[string]State

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager wraps store with the session lifecycle and starts the
// background sweeper. Callers must call Stop to release the sweeper
// goroutine.
func NewManager(store storage.SessionStore, cfg Config) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		states: make(map[string]State),
		stopCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop terminates the background sweeper goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// SetNotifier installs the bus a Context.Emit call publishes through. Wired
// once at server build time (pkg/mcp.Builder.Build); a Manager with no
// notifier rejects Emit calls rather than silently dropping them.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = m.store.ExpireSessions(ctx, time.Now().Add(-m.cfg.TTL))
			cancel()
		}
	}
}

// Create mints a new session in state New.
func (m *Manager) Create(ctx context.Context, serverCapabilities map[string]any) (*Context, error) {
	s, err := m.store.CreateSession(ctx, serverCapabilities)
	if err != nil {
		return nil, err
	}
	m.setState(s.ID, StateNew)
	return &Context{manager: m, id: s.ID}, nil
}

// CreateWithID mints a new session with a caller-supplied ID.
func (m *Manager) CreateWithID(ctx context.Context, id string, serverCapabilities map[string]any) (*Context, error) {
	s, err := m.store.CreateSessionWithID(ctx, id, serverCapabilities)
	if err != nil {
		return nil, err
	}
	m.setState(s.ID, StateNew)
	return &Context{manager: m, id: s.ID}, nil
}

// Get resolves a Context for an existing session ID. It fails with
// ErrTerminated if the session was already torn down in this process.
func (m *Manager) Get(ctx context.Context, id string) (*Context, error) {
	if m.stateOf(id) == StateTerminated {
		return nil, ErrTerminated
	}
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return &Context{manager: m, id: id}, nil
}

// Delete terminates a session: marks it Terminated in process memory (so
// subsequent Get calls fail fast) and removes the durable record.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.setState(id, StateTerminated)
	return m.store.DeleteSession(ctx, id)
}

func (m *Manager) stateOf(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = s
}

// Context is an opaque handle a handler uses to read/write session state.
// It never exposes the underlying storage.Session directly.
type Context struct {
	manager *Manager
	id      string
}

// ID returns the session's durable identifier.
func (c *Context) ID() string { return c.id }

// State returns the session's current protocol state.
func (c *Context) State() State { return c.manager.stateOf(c.id) }

// IsOperational reports whether dispatch of non-bootstrap methods should
// proceed per the configured lifecycle mode.
func (c *Context) IsOperational() bool { return c.State() == StateOperational }

// BeginInitialize transitions New → Initializing and stashes the
// requested/negotiated version and client info/capabilities in session
// state, per spec.md §4.D.
func (c *Context) BeginInitialize(ctx context.Context, requestedVersion, negotiatedVersion string, clientInfo, clientCapabilities map[string]any) error {
	if c.State() != StateNew {
		return errors.New("session: initialize called outside New state")
	}
	if err := c.SetState(ctx, "client_info", clientInfo); err != nil {
		return err
	}
	if err := c.SetState(ctx, "client_capabilities", clientCapabilities); err != nil {
		return err
	}
	if err := c.SetState(ctx, "negotiated_version", negotiatedVersion); err != nil {
		return err
	}
	report := NegotiationReport{
		RequestedVersion:   requestedVersion,
		NegotiatedVersion:  negotiatedVersion,
		ClientInfo:         clientInfo,
		ClientCapabilities: clientCapabilities,
	}
	if err := c.SetState(ctx, negotiationStateKey, report); err != nil {
		return err
	}

	s, err := c.manager.store.GetSession(ctx, c.id)
	if err != nil {
		return err
	}
	s.NegotiatedVersion = negotiatedVersion
	s.ClientInfo = clientInfo
	s.ClientCapabilities = clientCapabilities
	if err := c.manager.store.UpdateSession(ctx, s); err != nil {
		return err
	}

	c.manager.setState(c.id, StateInitializing)
	return nil
}

// FinishInitialize handles notifications/initialized: Initializing →
// Operational, reading back the stashed negotiation values and marking the
// durable record Initialized.
func (c *Context) FinishInitialize(ctx context.Context) error {
	if c.State() != StateInitializing {
		return errors.New("session: notifications/initialized received outside Initializing state")
	}
	s, err := c.manager.store.GetSession(ctx, c.id)
	if err != nil {
		return err
	}
	s.Initialized = true
	if err := c.manager.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	c.manager.setState(c.id, StateOperational)
	return nil
}

// NegotiationReport returns the diagnostic record stashed during
// initialize, if any.
func (c *Context) NegotiationReport(ctx context.Context) (NegotiationReport, bool) {
	v, err := c.GetState(ctx, negotiationStateKey)
	if err != nil {
		return NegotiationReport{}, false
	}
	report, ok := v.(NegotiationReport)
	return report, ok
}

// SetState writes one scratchpad key through to storage.
func (c *Context) SetState(ctx context.Context, key string, value any) error {
	return c.manager.store.SetSessionState(ctx, c.id, key, value)
}

// GetState reads one scratchpad key.
func (c *Context) GetState(ctx context.Context, key string) (any, error) {
	return c.manager.store.GetSessionState(ctx, c.id, key)
}

// RemoveState deletes one scratchpad key.
func (c *Context) RemoveState(ctx context.Context, key string) error {
	return c.manager.store.RemoveSessionState(ctx, c.id, key)
}

// Record returns the full durable session record, for handlers that need
// more than one scratchpad key (e.g. capability advertisement).
func (c *Context) Record(ctx context.Context) (storage.Session, error) {
	return c.manager.store.GetSession(ctx, c.id)
}

// Emit publishes a notification onto this session's event log through the
// manager's wired Notifier (spec.md §4.F), for handlers and background
// tasks alike — tools/call's synchronous path and tasks.Runtime's
// background goroutine both invoke the tool through the same Context, so
// a single Emit seam covers both callers named in spec.md §4.F. eventType
// is typically a JSON-RPC notification method such as
// "notifications/progress"; data is its params payload.
func (c *Context) Emit(ctx context.Context, eventType string, data any) (storage.Event, error) {
	if c.manager.notifier == nil {
		return storage.Event{}, errors.New("session: no notifier configured")
	}
	return c.manager.notifier.Publish(ctx, c.id, storage.Event{EventType: eventType, Data: data})
}

// Terminate tears the session down (DELETE /mcp, spec.md §4.G).
func (c *Context) Terminate(ctx context.Context) error {
	_, err := c.manager.Delete(ctx, c.id)
	return err
}
