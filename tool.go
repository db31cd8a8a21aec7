package meander

import (
	"context"
	"fmt"
	"sync"
)

// Tool is one callable capability a plan step can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Help     string
	Fn       func(ctx context.Context, args map[string]any) (string, error)
}

var _ Tool = ToolFunc{}

func (t ToolFunc) Name() string        { return t.ToolName }
func (t ToolFunc) Description() string { return t.Help }

func (t ToolFunc) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry holds all registered tools and dispatches plan-step calls by
// name. Registration must precede execution; lookups are safe for
// concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Add registers a tool under its name, replacing any previous one.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Names returns the registered tool names for planner prompts.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, args)
}
