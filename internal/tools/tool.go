// Package tools provides the tool framework, the tool-server routing used
// by the executors and the builtin workspace tools.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Tool is the interface that all builtin tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters.
	// Returns result string and error. On error, return user-friendly message.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// BuiltinServerName is the server name of the in-process tool registry.
const BuiltinServerName = "builtin"

// Registry manages tool registration and execution. It is also the
// in-process tool server.
type Registry struct {
	name  string
	tools map[string]Tool
}

var _ Server = (*Registry)(nil)

// NewRegistry creates a new tool registry served as "builtin".
func NewRegistry() *Registry {
	return NewNamedRegistry(BuiltinServerName)
}

// NewNamedRegistry creates a registry served under name.
func NewNamedRegistry(name string) *Registry {
	return &Registry{
		name:  name,
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Execute runs a tool by name with the given parameters.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, params)
}

// Name implements Server.
func (r *Registry) Name() string { return r.name }

// ListTools implements Server.
func (r *Registry) ListTools(ctx context.Context) ([]ToolInfo, error) {
	list := r.List()
	out := make([]ToolInfo, 0, len(list))
	for _, tool := range list {
		out = append(out, ToolInfo{Name: tool.Name(), Description: tool.Description(), InputSchema: tool.Parameters()})
	}
	return out, nil
}

// CallTool implements Server. Tool failures become error results.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	out, err := r.Execute(ctx, name, args)
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}
	return &CallResult{Content: out}, nil
}

// Close implements Server.
func (r *Registry) Close() error { return nil }

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetStrings extracts a string list parameter.
func GetStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
