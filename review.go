package meander

import (
	"context"
	"fmt"
)

// ReviewMode controls when a node's completion is gated behind a human
// decision.
type ReviewMode string

const (
	// ReviewNone disables review for the node.
	ReviewNone ReviewMode = "NONE"
	// ReviewRequired pauses the execution after every run of the node.
	ReviewRequired ReviewMode = "REQUIRED"
	// ReviewOptional pauses only when the node's result is a failure.
	ReviewOptional ReviewMode = "OPTIONAL"
)

// ReviewConfig attaches a review gate to a node.
type ReviewConfig struct {
	Mode       ReviewMode `json:"mode"`
	ReviewerID string     `json:"reviewerId,omitempty"`
	// Prompt is shown to the reviewer alongside the node output.
	Prompt string `json:"prompt,omitempty"`
}

// required reports whether the gate fires for result.
func (c *ReviewConfig) required(result NodeResult) bool {
	if c == nil {
		return false
	}
	switch c.Mode {
	case ReviewRequired:
		return true
	case ReviewOptional:
		return result.Status == StatusFailure
	default:
		return false
	}
}

// DecisionKind tags the reviewer's verdict.
type DecisionKind string

const (
	DecisionApprove   DecisionKind = "APPROVE"
	DecisionBacktrack DecisionKind = "BACKTRACK"
	DecisionReject    DecisionKind = "REJECT"
)

// ReviewDecision is the reviewer's verdict on a paused execution. Backtrack
// names the history step to return to; Reject terminates the execution with
// exit status FAILURE.
type ReviewDecision struct {
	Kind   DecisionKind `json:"kind"`
	StepID string       `json:"stepId,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// ReviewHandler obtains a decision for a paused node. Implementations
// bridge to whatever surface the humans use; the engine only consumes the
// decision.
type ReviewHandler interface {
	RequestReview(ctx context.Context, node *Node, result NodeResult, snap *Snapshot, wf *Workflow) (ReviewDecision, error)
}

// ApplyDecision mutates a paused snapshot according to the reviewer's
// verdict, returning the snapshot to resume from. Approve leaves the
// snapshot untouched. Backtrack rewinds to the named history step: the
// current node becomes that step's node, the context is restored from the
// step, history above the step is trimmed, and a REVIEW backtrack event is
// recorded. Reject moves the snapshot to the terminal sentinel so the
// resumed execution completes with exit status FAILURE.
func ApplyDecision(snap *Snapshot, decision ReviewDecision) (*Snapshot, error) {
	switch decision.Kind {
	case DecisionApprove:
		return snap, nil

	case DecisionBacktrack:
		state := snap.Restore()
		idx := state.History.StepByID(decision.StepID)
		if idx < 0 {
			return nil, fmt.Errorf("review: step %q not in history", decision.StepID)
		}
		target := state.History.Steps[idx]
		from := state.CurrentNode
		state.CurrentNode = target.NodeID
		if target.Context != nil {
			state.Context = copyContext(target.Context)
		}
		state.History.Steps = state.History.Steps[:idx]
		state.RetryCount = 0
		state.RubricEval = nil
		reason := decision.Reason
		if reason == "" {
			reason = "review backtrack"
		}
		state.AddBacktrack(from, target.NodeID, reason, BacktrackReview)
		return state.Snapshot(), nil

	case DecisionReject:
		state := snap.Restore()
		state.CurrentNode = TerminalNode
		if state.Context == nil {
			state.Context = make(map[string]any)
		}
		state.Context[contextExitStatus] = string(ExitFailure)
		if decision.Reason != "" {
			state.Context[contextExitReason] = decision.Reason
		}
		return state.Snapshot(), nil

	default:
		return nil, fmt.Errorf("review: unknown decision %q", decision.Kind)
	}
}
