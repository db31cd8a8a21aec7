package meander

import (
	"context"
	"fmt"
	"sync"
)

// ActionKind tags the action variants an Action node can carry.
type ActionKind string

const (
	// ActionSend dispatches a payload to a named server-side handler.
	ActionSend ActionKind = "SEND"
	// ActionExecute runs a local command. Reserved for local modes; a
	// server-side runner rejects it.
	ActionExecute ActionKind = "EXECUTE"
)

// Action is one instruction on an Action node, executed in declaration
// order.
type Action struct {
	Kind      ActionKind     `json:"kind"`
	HandlerID string         `json:"handlerId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
}

// ActionResult is the outcome of one handler invocation.
type ActionResult struct {
	Output   string         `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionHandler executes Send actions addressed to its id. Handlers are
// server-side collaborators: webhooks, queues, notification fan-outs.
type ActionHandler interface {
	HandlerID() string
	Execute(ctx context.Context, payload map[string]any, execContext map[string]any) (ActionResult, error)
}

// CommandRunner executes a local command by id. Only local modes provide
// one; see AllowLocalCommands.
type CommandRunner func(ctx context.Context, commandID string, execContext map[string]any) (ActionResult, error)

// ActionRegistry maps handler ids to handlers. Registration must precede
// execution; lookups are safe for concurrent use.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	runner   CommandRunner
}

// ActionRegistryOption configures an ActionRegistry.
type ActionRegistryOption func(*ActionRegistry)

// AllowLocalCommands permits Execute actions, dispatching them to run. Only
// local (single-process, operator-driven) modes should set this; server
// deployments leave Execute fail-closed.
func AllowLocalCommands(run CommandRunner) ActionRegistryOption {
	return func(r *ActionRegistry) { r.runner = run }
}

// NewActionRegistry creates an empty registry in server mode.
func NewActionRegistry(opts ...ActionRegistryOption) *ActionRegistry {
	r := &ActionRegistry{handlers: make(map[string]ActionHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler under its id, replacing any previous one.
func (r *ActionRegistry) Register(h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.HandlerID()] = h
}

// Handler returns the handler registered under id.
func (r *ActionRegistry) Handler(id string) (ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("action: unknown handler %q", id)
	}
	return h, nil
}

// Run executes one action. Payload strings are template-resolved against
// execContext before dispatch.
func (r *ActionRegistry) Run(ctx context.Context, a Action, execContext map[string]any) (ActionResult, error) {
	switch a.Kind {
	case ActionSend:
		h, err := r.Handler(a.HandlerID)
		if err != nil {
			return ActionResult{}, err
		}
		return h.Execute(ctx, ResolveArgs(a.Payload, execContext), execContext)
	case ActionExecute:
		if r.runner == nil {
			return ActionResult{}, fmt.Errorf("action: execute %q not permitted in server mode", a.CommandID)
		}
		return r.runner(ctx, a.CommandID, execContext)
	default:
		return ActionResult{}, fmt.Errorf("action: unknown kind %q", a.Kind)
	}
}
