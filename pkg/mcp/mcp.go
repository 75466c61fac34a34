// Package mcp is the public registration surface: register tools,
// resources, and prompts against a Builder and call Build to get a fully
// wired dispatcher, handler registry, session manager, and event bus.
// Grounded on the teacher's pkg/mcp/discovery.go (ToolDefinition,
// ResourceDefinition shapes) and supplemented from
// original_source/crates/turul-mcp-server/src/builder.rs's accumulate-then-
// report validation (a Vec<String> of validation_errors joined at build()
// time, rather than failing on the first bad registration).
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/events"
	"github.com/fieldkit/mcpcore/internal/handlers"
	"github.com/fieldkit/mcpcore/internal/middleware"
	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/resources"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage"
	"github.com/fieldkit/mcpcore/internal/tasks"
	"github.com/fieldkit/mcpcore/internal/telemetry"
	"github.com/fieldkit/mcpcore/pkg/mcp/elicitation"
)

// ToolDefinition is the public shape a caller registers a tool with,
// generalizing the teacher's discovery.go ToolDefinition (a read-only
// listing DTO) into something that also carries the callable.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Call        func(ctx context.Context, sess *session.Context, args json.RawMessage) (any, error)
}

// ResourceDefinition is the public shape for a static or template resource.
type ResourceDefinition struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Read        func(ctx context.Context, uri string, vars map[string]string) (resources.Content, error)
}

// PromptArgument describes one named prompt argument.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// PromptDefinition is the public shape for a registered prompt.
type PromptDefinition struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Get         func(ctx context.Context, sess *session.Context, args map[string]string) (any, error)
}

// RootDefinition is one advertised root directory.
type RootDefinition struct {
	URI  string
	Name string
}

// Built is the fully wired result of Builder.Build: every component a
// transport needs to serve requests.
type Built struct {
	Dispatcher *protocol.Dispatcher
	Registry   *handlers.Registry
	Sessions   *session.Manager
	Events     *events.Bus
	Resources  *resources.Router
	Tasks      *tasks.Runtime
}

// Builder accumulates tool/resource/prompt registrations and reports every
// validation failure together at Build time, instead of failing on the
// first bad registration (supplemented from
// turul-mcp-server/src/builder.rs's validation_errors accumulator).
type Builder struct {
	name    string
	version string

	backend  storage.Backend
	logger   *zap.Logger
	security *resources.SecurityGate

	lifecycle  session.Lifecycle
	sessionCfg session.Config
	taskCfg    tasks.Config

	tools        []ToolDefinition
	resourceDefs []ResourceDefinition
	prompts      []PromptDefinition
	roots        []RootDefinition

	elicitation handlers.ElicitationProvider
	sampling    handlers.SamplingProvider
	middleware  *middleware.Chain

	enableTasks   bool
	enableMetrics bool

	errs []string
}

// NewBuilder starts a Builder for a server identified by name/version, the
// values echoed back in every initialize response's serverInfo.
func NewBuilder(name, version string) *Builder {
	return &Builder{
		name:      name,
		version:   version,
		lifecycle: session.LifecycleLenient,
		security:  resources.DefaultSecurityGate(),
		middleware: middleware.NewChain(),
	}
}

// WithBackend installs the storage backend sessions, events, and tasks all
// persist through. Required: Build fails without one.
func (b *Builder) WithBackend(backend storage.Backend) *Builder {
	b.backend = backend
	return b
}

// WithLogger installs a structured logger shared by every component.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithStrictLifecycle rejects operational methods sent before a session
// reaches Operational, instead of warning and letting them through.
func (b *Builder) WithStrictLifecycle() *Builder {
	b.lifecycle = session.LifecycleStrict
	return b
}

// WithSessionConfig overrides the session manager's TTL/sweep interval.
func (b *Builder) WithSessionConfig(cfg session.Config) *Builder {
	b.sessionCfg = cfg
	return b
}

// WithTasks enables the task subsystem (tasks/get|list|cancel|result and
// task-augmented tools/call) with the given recovery configuration.
func (b *Builder) WithTasks(cfg tasks.Config) *Builder {
	b.enableTasks = true
	b.taskCfg = cfg
	return b
}

// WithMetrics enables per-method OpenTelemetry instrumentation (invocation
// count, duration histogram, error count, active-request gauge) on the
// built dispatcher.
func (b *Builder) WithMetrics() *Builder {
	b.enableMetrics = true
	return b
}

// WithResourceSecurity overrides the default resource security gate.
func (b *Builder) WithResourceSecurity(gate *resources.SecurityGate) *Builder {
	b.security = gate
	return b
}

// WithElicitationProvider installs the elicitation/create backend.
func (b *Builder) WithElicitationProvider(p handlers.ElicitationProvider) *Builder {
	b.elicitation = p
	return b
}

// WithSamplingProvider installs the sampling/createMessage backend.
func (b *Builder) WithSamplingProvider(p handlers.SamplingProvider) *Builder {
	b.sampling = p
	return b
}

// Use registers a middleware before/after hook pair, FIFO/LIFO per
// internal/middleware.Chain.
func (b *Builder) Use(before middleware.Before, after middleware.After) *Builder {
	b.middleware.Use(before, after)
	return b
}

// Tool registers one tool. Duplicate names are accumulated as errors, not
// raised immediately, so every conflict in a batch is reported together.
func (b *Builder) Tool(t ToolDefinition) *Builder {
	if t.Name == "" {
		b.errs = append(b.errs, "tool registered with empty name")
		return b
	}
	for _, existing := range b.tools {
		if existing.Name == t.Name {
			b.errs = append(b.errs, fmt.Sprintf("duplicate tool name %q", t.Name))
			return b
		}
	}
	if t.Call == nil {
		b.errs = append(b.errs, fmt.Sprintf("tool %q registered with no Call function", t.Name))
		return b
	}
	b.tools = append(b.tools, t)
	return b
}

// Tools registers multiple tools in one call.
func (b *Builder) Tools(ts ...ToolDefinition) *Builder {
	for _, t := range ts {
		b.Tool(t)
	}
	return b
}

// Resource registers a static or template resource (auto-detected from the
// URI's braces by internal/resources.Router at Build time).
func (b *Builder) Resource(r ResourceDefinition) *Builder {
	if r.URI == "" {
		b.errs = append(b.errs, "resource registered with empty URI")
		return b
	}
	if r.Read == nil {
		b.errs = append(b.errs, fmt.Sprintf("resource %q registered with no Read function", r.URI))
		return b
	}
	b.resourceDefs = append(b.resourceDefs, r)
	return b
}

// Resources registers multiple resources in one call.
func (b *Builder) Resources(rs ...ResourceDefinition) *Builder {
	for _, r := range rs {
		b.Resource(r)
	}
	return b
}

// Prompt registers one prompt.
func (b *Builder) Prompt(p PromptDefinition) *Builder {
	if p.Name == "" {
		b.errs = append(b.errs, "prompt registered with empty name")
		return b
	}
	for _, existing := range b.prompts {
		if existing.Name == p.Name {
			b.errs = append(b.errs, fmt.Sprintf("duplicate prompt name %q", p.Name))
			return b
		}
	}
	if p.Get == nil {
		b.errs = append(b.errs, fmt.Sprintf("prompt %q registered with no Get function", p.Name))
		return b
	}
	b.prompts = append(b.prompts, p)
	return b
}

// Prompts registers multiple prompts in one call.
func (b *Builder) Prompts(ps ...PromptDefinition) *Builder {
	for _, p := range ps {
		b.Prompt(p)
	}
	return b
}

// Root adds one advertised root directory.
func (b *Builder) Root(r RootDefinition) *Builder {
	b.roots = append(b.roots, r)
	return b
}

// capabilities synthesizes the advertised server capability map by scanning
// what was actually registered, matching the teacher's truthful-reporting
// pattern in builder.rs's build() ("only set if X is registered") — a
// static registry can't change after Build, so every list_changed flag is
// false.
func (b *Builder) capabilities() map[string]any {
	caps := map[string]any{}
	if len(b.tools) > 0 {
		caps["tools"] = map[string]any{"listChanged": false}
	}
	if len(b.resourceDefs) > 0 {
		caps["resources"] = map[string]any{"subscribe": false, "listChanged": false}
	}
	if len(b.prompts) > 0 {
		caps["prompts"] = map[string]any{"listChanged": false}
	}
	caps["logging"] = map[string]any{}
	if b.enableTasks {
		caps["tasks"] = map[string]any{
			"list":     map[string]any{},
			"cancel":   map[string]any{},
			"requests": map[string]any{"tools": map[string]any{"call": map[string]any{}}},
		}
	}
	return caps
}

// Build validates every accumulated registration together and, if none
// failed, wires the session manager, event bus, task runtime, resource
// router, handler registry, middleware chain, and dispatcher into a Built.
func (b *Builder) Build() (*Built, error) {
	if b.backend == nil {
		b.errs = append(b.errs, "no storage backend configured (call WithBackend)")
	}
	if strings.TrimSpace(b.name) == "" {
		b.errs = append(b.errs, "server name cannot be empty")
	}
	if strings.TrimSpace(b.version) == "" {
		b.errs = append(b.errs, "server version cannot be empty")
	}

	router := resources.NewRouter(b.security)
	for _, r := range b.resourceDefs {
		if err := router.Register(resources.Resource{
			URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType, Read: r.Read,
		}); err != nil {
			b.errs = append(b.errs, err.Error())
		}
	}

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("mcp: registration validation failed:\n%s", strings.Join(b.errs, "\n"))
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessions := session.NewManager(b.backend, b.sessionCfg)

	var taskRuntime *tasks.Runtime
	if b.enableTasks {
		taskRuntime = tasks.NewRuntime(b.backend, b.taskCfg, logger)
	}

	bus := events.NewBus(b.backend, nil, logger)
	// Gives every session.Context an Emit seam onto this bus, so tools/call
	// handlers and background tasks (which run through the same Context)
	// can push notifications/progress events that the HTTP transport's SSE
	// path fans out (spec.md §4.F "when a handler (or a background task)
	// emits a notification, the bus...").
	sessions.SetNotifier(bus)

	elicitationProvider := b.elicitation
	if elicitationProvider == nil {
		// No caller-supplied elicitation/create backend: fall back to the
		// mock provider so a built server always answers the method
		// instead of erroring every request (spec.md §9 design note).
		elicitationProvider = elicitation.New()
	}

	reg := handlers.NewRegistry(router, taskRuntime, sessions, handlers.ServerInfo{Name: b.name, Version: b.version}, b.capabilities(),
		handlers.WithLogger(logger),
		handlers.WithElicitationProvider(elicitationProvider),
		handlers.WithSamplingProvider(b.sampling),
	)

	for _, t := range b.tools {
		if err := reg.RegisterTool(handlers.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, Call: t.Call}); err != nil {
			return nil, fmt.Errorf("mcp: registering tool %q: %w", t.Name, err)
		}
	}
	for _, p := range b.prompts {
		args := make([]handlers.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, handlers.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		if err := reg.RegisterPrompt(handlers.Prompt{Name: p.Name, Description: p.Description, Arguments: args, Get: p.Get}); err != nil {
			return nil, fmt.Errorf("mcp: registering prompt %q: %w", p.Name, err)
		}
	}
	for _, r := range b.roots {
		reg.RegisterRoot(handlers.Root{URI: r.URI, Name: r.Name})
	}

	dispatcherOpts := []protocol.Option{
		protocol.WithMiddleware(b.middleware),
		protocol.WithLogger(logger),
	}
	if b.enableMetrics {
		dispatcherOpts = append(dispatcherOpts, protocol.WithMetrics(telemetry.NewMetrics(logger)))
	}
	dispatcher := protocol.NewDispatcher(reg, sessions, b.lifecycle, dispatcherOpts...)

	return &Built{
		Dispatcher: dispatcher,
		Registry:   reg,
		Sessions:   sessions,
		Events:     bus,
		Resources:  router,
		Tasks:      taskRuntime,
	}, nil
}
