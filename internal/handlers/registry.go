package handlers

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/resources"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/tasks"
)

// ServerInfo is echoed back verbatim in an initialize response.
type ServerInfo struct {
	Name    string
	Version string
}

// Registry is the thread-safe method→handler dispatch table. It implements
// protocol.Registry and owns every built-in handler; domain tool/prompt/root
// registration happens through Register*, keeping
// internal/mcp/tool_registry.go's validate-all-before-mutate-any batch
// semantics for tools (RegisterTools); prompts and roots are registered one
// at a time.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	prompts map[string]Prompt
	roots   []Root

	resources   *resources.Router
	tasks       *tasks.Runtime
	sessions    *session.Manager
	elicitation ElicitationProvider
	sampling    SamplingProvider
	logger      *zap.Logger

	serverInfo         ServerInfo
	serverCapabilities map[string]any

	handlers      map[string]protocol.HandlerFunc
	notFoundCodes map[string]int
}

// Option configures optional Registry dependencies.
type Option func(*Registry)

func WithElicitationProvider(p ElicitationProvider) Option { return func(r *Registry) { r.elicitation = p } }
func WithSamplingProvider(p SamplingProvider) Option        { return func(r *Registry) { r.sampling = p } }
func WithLogger(l *zap.Logger) Option                       { return func(r *Registry) { r.logger = l } }

// NewRegistry builds the dispatch table, wiring every built-in handler
// (spec.md §4.E) against the supplied collaborators. router and sessions are
// required; taskRuntime may be nil (tools/call then runs synchronously and
// tasks/* return a configuration error).
func NewRegistry(router *resources.Router, taskRuntime *tasks.Runtime, sessions *session.Manager, info ServerInfo, capabilities map[string]any, opts ...Option) *Registry {
	r := &Registry{
		tools:              make(map[string]Tool),
		prompts:            make(map[string]Prompt),
		resources:          router,
		tasks:              taskRuntime,
		sessions:           sessions,
		serverInfo:         info,
		serverCapabilities: capabilities,
		logger:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.handlers = map[string]protocol.HandlerFunc{
		"initialize":                          r.handleInitialize,
		"notifications/initialized":           r.handleNotificationsInitialized,
		"ping":                                r.handlePing,
		"tools/list":                          r.handleToolsList,
		"tools/call":                          r.handleToolsCall,
		"resources/list":                      r.handleResourcesList,
		"resources/templates/list":            r.handleResourcesTemplatesList,
		"resources/read":                      r.handleResourcesRead,
		"prompts/list":                        r.handlePromptsList,
		"prompts/get":                         r.handlePromptsGet,
		"roots/list":                          r.handleRootsList,
		"logging/setLevel":                    r.handleLoggingSetLevel,
		"sampling/createMessage":              r.handleSamplingCreateMessage,
		"elicitation/create":                  r.handleElicitationCreate,
		"completion/complete":                 r.handleCompletionComplete,
		"tasks/get":                           r.handleTasksGet,
		"tasks/list":                          r.handleTasksList,
		"tasks/cancel":                        r.handleTasksCancel,
		"tasks/result":                        r.handleTasksResult,
		"notifications/message":               r.handleNotificationNoop,
		"notifications/progress":              r.handleNotificationNoop,
		"notifications/tools/list_changed":     r.handleNotificationNoop,
		"notifications/resources/list_changed": r.handleNotificationNoop,
		"notifications/prompts/list_changed":   r.handleNotificationNoop,
		"notifications/roots/list_changed":     r.handleNotificationNoop,
		"notifications/tools/listChanged":      r.handleNotificationNoop,
		"notifications/resources/listChanged":  r.handleNotificationNoop,
		"notifications/prompts/listChanged":    r.handleNotificationNoop,
		"notifications/roots/listChanged":      r.handleNotificationNoop,
		"listChanged":                          r.handleNotificationNoop,
	}
	r.notFoundCodes = map[string]int{
		"tasks/get":    protocol.CodeTaskNotFound,
		"tasks/result": protocol.CodeTaskNotFound,
		"tasks/cancel": protocol.CodeTaskNotFound,
	}
	return r
}

// Lookup implements protocol.Registry.
func (r *Registry) Lookup(method string) (protocol.HandlerFunc, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// NotFoundCodeFor implements protocol.Registry: most methods map a
// storage.NotFoundError to a generic InternalError, but the task methods
// get their own code (spec.md §7).
func (r *Registry) NotFoundCodeFor(method string) int {
	if code, ok := r.notFoundCodes[method]; ok {
		return code
	}
	return protocol.CodeInternalError
}

// RegisterTool adds one tool, rejecting duplicates and missing required
// fields exactly as internal/mcp/tool_registry.go's ToolRegistry.Register.
func (r *Registry) RegisterTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("handlers: tool name is required")
	}
	if t.Call == nil {
		return fmt.Errorf("handlers: tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("handlers: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// RegisterTools validates every tool in the batch before registering any of
// them, matching ToolRegistry.RegisterAll's all-or-nothing semantics.
func (r *Registry) RegisterTools(ts []Tool) error {
	seen := make(map[string]bool, len(ts))
	r.mu.RLock()
	for i, t := range ts {
		if t.Name == "" {
			r.mu.RUnlock()
			return fmt.Errorf("handlers: tool at index %d has empty name", i)
		}
		if seen[t.Name] {
			r.mu.RUnlock()
			return fmt.Errorf("handlers: duplicate tool %q at index %d in batch", t.Name, i)
		}
		seen[t.Name] = true
		if _, exists := r.tools[t.Name]; exists {
			r.mu.RUnlock()
			return fmt.Errorf("handlers: tool %q already registered", t.Name)
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		r.tools[t.Name] = t
	}
	return nil
}

// RegisterPrompt adds one prompt, rejecting duplicates.
func (r *Registry) RegisterPrompt(p Prompt) error {
	if p.Name == "" {
		return fmt.Errorf("handlers: prompt name is required")
	}
	if p.Get == nil {
		return fmt.Errorf("handlers: prompt %q has no handler", p.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[p.Name]; exists {
		return fmt.Errorf("handlers: prompt %q already registered", p.Name)
	}
	r.prompts[p.Name] = p
	return nil
}

// RegisterRoot appends a root; roots/list returns them in registration order.
func (r *Registry) RegisterRoot(root Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append(r.roots, root)
}

func (r *Registry) toolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) promptNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// paginate applies the shared cursor convention (default page size 50,
// strict `>` on the last emitted key) used across storage and resources.
func paginate(keys []string, cursor string, limit int) (page []string, next string) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		start = len(keys)
		for i, k := range keys {
			if k > cursor {
				start = i
				break
			}
		}
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	page = keys[start:end]
	if end < len(keys) {
		next = keys[end-1]
	}
	return page, next
}
