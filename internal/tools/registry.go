// Package tools implements the tool registry (C5) and the built-in tool
// set described in §4.4: workspace memory, shared cross-agent knowledge,
// sandboxed command execution, human approval gates, sub-agent spawning,
// the autonomy yield signal, and agent lifecycle management.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/llama-farm/openhoof/pkg/models"
)

// Tool is a single callable capability exposed to the LLM via function
// calling. Name must be a valid function-call identifier; Schema is the
// JSON Schema an LLM uses to construct valid arguments.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error)
}

// AutonomousOnly may optionally be implemented by a Tool to mark it as
// callable only from the autonomy loop, never from an interactive chat
// turn (§4.4, the `yield` tool).
type AutonomousOnly interface {
	AutonomousOnly() bool
}

// NeedsApproval may optionally be implemented by a Tool to statically
// declare that every call requires human approval (§4.4, the `notify`
// tool), for tool-catalog reporting such as list_tools.
type NeedsApproval interface {
	NeedsApproval() bool
}

// Registry is the thread-safe tool registry (C5).
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		schema: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name. The
// tool's JSON Schema is compiled eagerly so a malformed schema fails at
// registration time rather than at first call.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schema[tool.Name()] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schema, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ForAgent returns the subset of registered tools named in allowed,
// preserving allowed's order. Unknown names are silently skipped.
func (r *Registry) ForAgent(allowed []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(allowed))
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute validates params against the tool's schema and runs it. A
// schema violation or unknown tool name is reported as an error
// ToolResult, not a Go error, so a calling AgentTurn can feed it straight
// back to the model as a tool message.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, autonomous bool) models.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schema[call.Name]
	r.mu.RUnlock()

	if !ok {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
	if ao, isAO := tool.(AutonomousOnly); isAO && ao.AutonomousOnly() && !autonomous {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool %s is only callable from the autonomy loop", call.Name)}
	}

	if schema != nil && len(call.Arguments) > 0 {
		var v any
		if err := json.Unmarshal(call.Arguments, &v); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
		if err := schema.Validate(v); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("arguments do not match schema: %v", err)}
		}
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	return result
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add tool schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile tool schema %s: %w", name, err)
	}
	return schema, nil
}
