package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/provider"
)

// ToolInfo describes one tool offered by a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CallResult is the outcome of a tool call. IsError results are fed back
// to the model like any other result.
type CallResult struct {
	Content string
	IsError bool
}

// Server is a tool-protocol server. Process lifecycle of external servers
// is owned by whoever constructs them.
type Server interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	Close() error
}

const namePrefix = "mcp__"

// QualifiedName returns the namespaced tool name mcp__<server>__<tool>.
func QualifiedName(server, tool string) string {
	return namePrefix + server + "__" + tool
}

// SplitName parses a namespaced tool name.
func SplitName(qualified string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(qualified, namePrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Router dispatches namespaced tool calls to registered servers.
type Router struct {
	mu      sync.RWMutex
	servers map[string]Server
}

// NewRouter creates a router over servers.
func NewRouter(servers ...Server) *Router {
	r := &Router{servers: make(map[string]Server)}
	for _, s := range servers {
		r.Add(s)
	}
	return r
}

// Add registers a server, replacing any server with the same name.
func (r *Router) Add(s Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Name()] = s
}

// Server returns a registered server by name.
func (r *Router) Server(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// Names returns the registered server names sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions lists the tools of the named servers that perms allows, as
// model tool definitions with namespaced names. Unknown servers are
// skipped with a warning.
func (r *Router) Definitions(ctx context.Context, serverNames []string, perms automation.ToolPermissions) ([]provider.ToolDefinition, error) {
	var defs []provider.ToolDefinition
	for _, name := range serverNames {
		srv, ok := r.Server(name)
		if !ok {
			slog.Warn("Tool server not registered", "server", name)
			continue
		}
		infos, err := srv.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools of %s: %w", name, err)
		}
		for _, info := range infos {
			qualified := QualifiedName(name, info.Name)
			if !IsToolAllowed(qualified, perms) {
				continue
			}
			params := info.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, provider.NewFunctionTool(qualified, info.Description, params))
		}
	}
	return defs, nil
}

// Call routes a namespaced call to its server.
func (r *Router) Call(ctx context.Context, qualified string, args map[string]any) (*CallResult, error) {
	server, tool, ok := SplitName(qualified)
	if !ok {
		return nil, fmt.Errorf("malformed tool name %q", qualified)
	}
	srv, found := r.Server(server)
	if !found {
		return nil, fmt.Errorf("unknown tool server %q", server)
	}
	return srv.CallTool(ctx, tool, args)
}

// Close closes every registered server and returns the first error.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, s := range r.servers {
		if err := s.Close(); err != nil {
			slog.Warn("Tool server close failed", "server", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
