package meander

import (
	"fmt"
	"time"
)

// TerminalNode is the sentinel node id marking the end of an execution path.
// Transition targets may name it instead of a defined node.
const TerminalNode = "__terminal__"

// NodeKind tags the closed set of node variants. Each kind dispatches to a
// dedicated NodeExecutor registered at construction time.
type NodeKind string

const (
	KindStandard NodeKind = "STANDARD"
	KindParallel NodeKind = "PARALLEL"
	KindForkJoin NodeKind = "FORK_JOIN"
	KindLoop     NodeKind = "LOOP"
	KindAction   NodeKind = "ACTION"
	KindGeneric  NodeKind = "GENERIC"
	KindEnd      NodeKind = "END"
)

// ExitStatus is the terminal outcome of a completed execution.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "SUCCESS"
	ExitFailure ExitStatus = "FAILURE"
	ExitCancel  ExitStatus = "CANCEL"
)

// JoinPolicy controls how a Parallel or ForkJoin node combines child results.
type JoinPolicy string

const (
	// JoinAllSucceed fails the parent when any child fails.
	JoinAllSucceed JoinPolicy = "ALL_SUCCEED"
	// JoinAnySucceed succeeds the parent when at least one child succeeds.
	JoinAnySucceed JoinPolicy = "ANY_SUCCEED"
)

// Node is one unit of work in a workflow graph. Kind selects the variant;
// only the fields for that variant are meaningful. Nodes are immutable once
// the workflow is registered.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	// Standard
	AgentID      string        `json:"agentId,omitempty"`
	Prompt       string        `json:"prompt,omitempty"`
	RubricID     string        `json:"rubricId,omitempty"`
	Review       *ReviewConfig `json:"review,omitempty"`
	OutputParams []string      `json:"outputParams,omitempty"`

	// Parallel and ForkJoin
	Children []string   `json:"children,omitempty"`
	Join     JoinPolicy `json:"join,omitempty"`
	JoinNode string     `json:"joinNode,omitempty"`

	// Loop
	Body          string `json:"body,omitempty"`
	Condition     string `json:"condition,omitempty"` // empty means Always
	MaxIterations int    `json:"maxIterations,omitempty"`

	// Action
	Actions []Action `json:"actions,omitempty"`

	// Generic
	Handler string         `json:"handler,omitempty"`
	Config  map[string]any `json:"config,omitempty"`

	// End
	Exit ExitStatus `json:"exit,omitempty"`

	// Plan, when the node runs a static tool sequence instead of a bare
	// agent call. LLM-generated plans come from the agent's PlanProposal.
	Plan []PlannedStep `json:"plan,omitempty"`

	Transitions []Transition  `json:"transitions,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// AgentBinding declares an agent a workflow depends on. Bindings are
// resolved against the agent registry before the first node executes.
type AgentBinding struct {
	AgentID         string `json:"agentId"`
	Role            string `json:"role,omitempty"`
	Model           string `json:"model,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
	MaintainContext bool   `json:"maintainContext,omitempty"`
}

// Workflow is an immutable directed graph of nodes. It is shared read-only
// by every execution; all mutable state lives in ExecutionState.
type Workflow struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenantId,omitempty"`
	StartNode string             `json:"startNodeId"`
	Nodes     map[string]*Node   `json:"nodes"`
	Bindings  []AgentBinding     `json:"bindings,omitempty"`
	Rubrics   map[string]*Rubric `json:"rubrics,omitempty"`
}

// Validate checks the structural invariants: the start node is defined,
// every transition, child, body, and join target resolves to a defined node
// or the terminal sentinel, and every standard node references a declared
// agent binding. Returns an *ErrConfig describing the first violation.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return &ErrConfig{Kind: "workflow", ID: w.ID, Reason: "empty workflow id"}
	}
	if len(w.Nodes) == 0 {
		return &ErrConfig{Kind: "workflow", ID: w.ID, Reason: "no nodes"}
	}
	if _, ok := w.Nodes[w.StartNode]; !ok {
		return &ErrConfig{Kind: "workflow", ID: w.ID, Reason: fmt.Sprintf("start node %q not defined", w.StartNode)}
	}

	bound := make(map[string]bool, len(w.Bindings))
	for _, b := range w.Bindings {
		if b.AgentID == "" {
			return &ErrConfig{Kind: "workflow", ID: w.ID, Reason: "agent binding with empty id"}
		}
		bound[b.AgentID] = true
	}

	for id, n := range w.Nodes {
		if n == nil {
			return &ErrConfig{Kind: "node", ID: id, Reason: "nil node"}
		}
		if n.ID != id {
			return &ErrConfig{Kind: "node", ID: id, Reason: fmt.Sprintf("node id %q does not match map key", n.ID)}
		}
		if err := w.validateNode(n, bound); err != nil {
			return err
		}
		for i, t := range n.Transitions {
			if err := t.validate(); err != nil {
				return &ErrConfig{Kind: "node", ID: id, Reason: fmt.Sprintf("transition %d: %v", i, err)}
			}
			for _, target := range t.targets() {
				if !w.definedOrTerminal(target) {
					return &ErrConfig{Kind: "node", ID: id, Reason: fmt.Sprintf("transition target %q not defined", target)}
				}
			}
		}
	}
	return nil
}

func (w *Workflow) validateNode(n *Node, bound map[string]bool) error {
	switch n.Kind {
	case KindStandard:
		if n.AgentID == "" {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: "standard node without agent id"}
		}
		if len(bound) > 0 && !bound[n.AgentID] {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("agent %q not declared in bindings", n.AgentID)}
		}
	case KindParallel, KindForkJoin:
		if len(n.Children) == 0 {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: "parallel node without children"}
		}
		for _, c := range n.Children {
			if _, ok := w.Nodes[c]; !ok {
				return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("child %q not defined", c)}
			}
		}
		if n.Kind == KindForkJoin {
			if !w.definedOrTerminal(n.JoinNode) {
				return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("join node %q not defined", n.JoinNode)}
			}
		}
	case KindLoop:
		if _, ok := w.Nodes[n.Body]; !ok {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("loop body %q not defined", n.Body)}
		}
		if n.MaxIterations <= 0 {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: "loop without positive maxIterations"}
		}
	case KindAction:
		if len(n.Actions) == 0 {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: "action node without actions"}
		}
	case KindGeneric:
		if n.Handler == "" {
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: "generic node without handler tag"}
		}
	case KindEnd:
		switch n.Exit {
		case ExitSuccess, ExitFailure, ExitCancel:
		default:
			return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("end node with invalid exit status %q", n.Exit)}
		}
	default:
		return &ErrConfig{Kind: "node", ID: n.ID, Reason: fmt.Sprintf("unknown node kind %q", n.Kind)}
	}
	return nil
}

func (w *Workflow) definedOrTerminal(id string) bool {
	if id == TerminalNode {
		return true
	}
	_, ok := w.Nodes[id]
	return ok
}

// Rubric returns the workflow-local rubric with the given id, if any.
// Rubrics not embedded in the workflow are resolved through the
// RubricRepository by the rubric engine.
func (w *Workflow) Rubric(id string) (*Rubric, bool) {
	r, ok := w.Rubrics[id]
	return r, ok
}
