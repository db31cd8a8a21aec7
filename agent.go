package meander

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Agent is the unit of work a standard node invokes. Implementations wrap
// LLM providers, remote services, or scripted stubs. A single Agent
// instance is not safe for concurrent use; the registry hands each
// execution its own view.
type Agent interface {
	// ID returns the agent's identifier, matching the workflow binding.
	ID() string
	// Config returns the binding the agent was created from.
	Config() AgentBinding
	// Execute runs the agent on a rendered prompt. execContext carries the
	// execution's context map read-only; agents must not mutate it.
	Execute(ctx context.Context, prompt string, execContext map[string]any) (AgentResponse, error)
}

// ResponseType tags the agent response variants.
type ResponseType string

const (
	ResponseText         ResponseType = "TEXT"
	ResponseToolRequest  ResponseType = "TOOL_REQUEST"
	ResponsePlanProposal ResponseType = "PLAN_PROPOSAL"
	ResponseError        ResponseType = "ERROR"
)

// AgentResponse is the tagged result of one agent invocation.
type AgentResponse struct {
	Type     ResponseType
	Content  string
	Metadata map[string]any

	// ToolRequest
	ToolName  string
	Args      map[string]any
	Reasoning string

	// PlanProposal
	Steps []PlannedStep

	// Error
	Message string
}

// TextResponse builds a plain text response.
func TextResponse(content string) AgentResponse {
	return AgentResponse{Type: ResponseText, Content: content}
}

// ToolRequestResponse builds a response asking for one tool invocation.
func ToolRequestResponse(toolName string, args map[string]any, reasoning string) AgentResponse {
	return AgentResponse{Type: ResponseToolRequest, ToolName: toolName, Args: args, Reasoning: reasoning}
}

// PlanProposalResponse builds a response proposing a tool-call plan.
func PlanProposalResponse(steps []PlannedStep, reasoning string) AgentResponse {
	return AgentResponse{Type: ResponsePlanProposal, Steps: steps, Reasoning: reasoning}
}

// ErrorResponse builds an in-band agent error. It flows through transition
// rules as a node failure, unlike transport errors which WithRetry may
// retry first.
func ErrorResponse(message string) AgentResponse {
	return AgentResponse{Type: ResponseError, Message: message}
}

// Credentials is the per-tenant secret view handed to providers when they
// construct agents. Keys are provider-defined ("api_key", "endpoint").
type Credentials map[string]string

// AgentProvider constructs agents for models it supports. When several
// providers support a model, the highest priority wins.
type AgentProvider interface {
	Name() string
	Priority() int
	SupportsModel(model string) bool
	CreateAgent(id string, config AgentBinding, creds Credentials) (Agent, error)
}

// AgentRegistry maps agent ids to instances and resolves workflow bindings
// through registered providers. Registration must precede execution; reads
// are safe for concurrent use.
type AgentRegistry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	providers []AgentProvider
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Agent)}
}

// Register adds an agent under its id, replacing any previous instance.
func (r *AgentRegistry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

// RegisterProvider adds a provider. Providers are consulted in descending
// priority order when a binding has no registered agent.
func (r *AgentRegistry) RegisterProvider(p AgentProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority() > r.providers[j].Priority()
	})
}

// Agent returns the agent registered under id.
func (r *AgentRegistry) Agent(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, &ErrConfig{Kind: "agent", ID: id, Reason: "not registered"}
	}
	return a, nil
}

// Resolve returns the agent for a binding, creating and caching it through
// the highest-priority provider that supports the binding's model when no
// instance is registered yet.
func (r *AgentRegistry) Resolve(binding AgentBinding, creds Credentials) (Agent, error) {
	r.mu.RLock()
	if a, ok := r.agents[binding.AgentID]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	providers := r.providers
	r.mu.RUnlock()

	for _, p := range providers {
		if !p.SupportsModel(binding.Model) {
			continue
		}
		a, err := p.CreateAgent(binding.AgentID, binding, creds)
		if err != nil {
			return nil, fmt.Errorf("provider %s: create agent %s: %w", p.Name(), binding.AgentID, err)
		}
		r.mu.Lock()
		r.agents[binding.AgentID] = a
		r.mu.Unlock()
		return a, nil
	}
	return nil, &ErrConfig{Kind: "agent", ID: binding.AgentID, Reason: fmt.Sprintf("no provider supports model %q", binding.Model)}
}

// --- Stub agent ---

// StubAgent replays a scripted sequence of responses, repeating the last
// one once the script is exhausted. It backs tests and local dry runs.
type StubAgent struct {
	id     string
	config AgentBinding

	mu        sync.Mutex
	responses []AgentResponse
	errs      []error
	calls     int
}

var _ Agent = (*StubAgent)(nil)

// NewStubAgent creates a stub that answers with responses in order.
func NewStubAgent(id string, responses ...AgentResponse) *StubAgent {
	return &StubAgent{
		id:        id,
		config:    AgentBinding{AgentID: id, Model: "stub"},
		responses: responses,
		errs:      make([]error, len(responses)),
	}
}

// ID implements Agent.
func (s *StubAgent) ID() string { return s.id }

// Config implements Agent.
func (s *StubAgent) Config() AgentBinding { return s.config }

// FailWith schedules a transport error for the call at index i (0-based),
// replacing the scripted response at that position.
func (s *StubAgent) FailWith(i int, err error) *StubAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= i {
		s.errs = append(s.errs, nil)
		s.responses = append(s.responses, AgentResponse{})
	}
	s.errs[i] = err
	return s
}

// Calls returns how many times Execute has run.
func (s *StubAgent) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Execute implements Agent by replaying the script.
func (s *StubAgent) Execute(ctx context.Context, prompt string, execContext map[string]any) (AgentResponse, error) {
	if err := ctx.Err(); err != nil {
		return AgentResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if len(s.responses) == 0 {
		return TextResponse(""), nil
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return AgentResponse{}, s.errs[i]
	}
	return s.responses[i], nil
}

// --- Logging ---

// nopLogger discards all records; components that accept a WithLogger
// option default to it.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
