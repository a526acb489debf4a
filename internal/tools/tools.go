// Package tools defines the tools the model can invoke against a project's
// sandbox, and the registry the agent exposes to the LLM.
package tools

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/kiwanda/internal/llm"
	"github.com/jkaninda/kiwanda/internal/provider"
)

// Tool is the interface all sandbox tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "write_file").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	// This is sent to the LLM as the tool's input_schema for function calling.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before any sandbox I/O runs,
	// so malformed requests fail fast without provisioning anything.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters. The target project is
	// carried on the context.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Workspace is the sandbox surface tools execute against. Implemented by
// sandbox.Manager; redeclared here so tool tests can fake it.
type Workspace interface {
	Exec(ctx context.Context, projectID, command string, timeout time.Duration) (*provider.CommandResult, error)
	WriteFile(ctx context.Context, projectID, path, content string) error
	StartDevServer(ctx context.Context, projectID, command string) (int, error)
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const projectIDKey contextKey = iota

// ContextWithProjectID returns a new context carrying the project ID.
// Used by the executor to tell tools which sandbox to target.
func ContextWithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey, projectID)
}

// ProjectIDFromContext extracts the project ID from context, or "" if not set.
func ProjectIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(projectIDKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// ToLLMDefinitions converts all registered tools into LLM tool definitions.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
