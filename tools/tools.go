// Package tools provides the tool registry: a lookup from snake_case
// tool names to callables the response processor can dispatch. XML and
// native tool-call forms converge on the same Invoke site.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/everydev1618/relay/llm"
)

// Standard errors
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolAlreadyRegistered is returned when registering a duplicate name.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Result is the outcome of one tool invocation. Output may be a plain
// string or structured data that viewers render specially.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output"`
	Error   string `json:"error,omitempty"`
}

// OutputString renders the output for an LLM-facing message.
func (r Result) OutputString() string {
	switch out := r.Output.(type) {
	case string:
		return out
	case nil:
		return ""
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}

// Ok builds a successful result.
func Ok(output any) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failed result.
func Fail(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Success: false, Output: msg, Error: msg}
}

// Tool is a named capability the LLM can call.
type Tool interface {
	// Invoke runs the tool. Execution failures should be reported in
	// the Result; a returned error means the tool itself crashed.
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// Func adapts a function to the Tool interface.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// Invoke calls the function.
func (f Func) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f(ctx, args)
}

// Registry maps tool names to tools and their schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]llm.ToolSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]llm.ToolSchema),
	}
}

// Register adds a tool under its schema name.
func (r *Registry) Register(schema llm.ToolSchema, tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[schema.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, schema.Name)
	}
	r.tools[schema.Name] = tool
	r.schemas[schema.Name] = schema
	return nil
}

// RegisterFunc adds a function tool under its schema name.
func (r *Registry) RegisterFunc(schema llm.ToolSchema, fn Func) error {
	return r.Register(schema, fn)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas returns the schemas of all registered tools.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]llm.ToolSchema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		schemas = append(schemas, schema)
	}
	return schemas
}

// Invoke looks up and runs a tool. An unknown name or a crashed tool
// produces a failed Result, never an error: tool failures are data the
// LLM sees, not control flow.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	tool, ok := r.Get(name)
	if !ok {
		return Fail("Tool function '%s' not found", name)
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		return Fail("Error executing tool: %s", err.Error())
	}
	return result
}
