package meander

import (
	"context"
	"fmt"
)

// LoopExecutor dispatches the body node repeatedly. The loop_iteration
// context key is incremented before every body dispatch. An Always loop
// (empty condition) runs until the body sets the loop break target; an
// expression condition is evaluated against the context after each
// iteration and continues while truthy. MaxIterations is a hard cap.
type LoopExecutor struct{}

var _ NodeExecutor = (*LoopExecutor)(nil)

// Kind implements NodeExecutor.
func (*LoopExecutor) Kind() NodeKind { return KindLoop }

// Execute implements NodeExecutor.
func (e *LoopExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	body, ok := ec.Workflow.Nodes[node.Body]
	if !ok {
		return NodeResult{}, &ErrConfig{Kind: "node", ID: node.ID, Reason: fmt.Sprintf("loop body %q not defined", node.Body)}
	}

	state := ec.State
	var last NodeResult
	for i := 0; i < node.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return NodeResult{}, err
		}
		state.Context[ContextLoopIteration] = iteration(state.Context) + 1

		ec.Observer.OnNodeStart(state.ExecutionID, body.ID)
		last = ec.Executors.Dispatch(ctx, body, ec)
		ec.Observer.OnNodeComplete(state.ExecutionID, body.ID, last, 0)

		if last.Status == StatusFailure {
			return last, nil
		}
		if target := breakTarget(state); target != "" {
			state.LoopBreakTarget = target
			return last.withMeta("loopBreak", target), nil
		}
		if node.Condition != "" {
			cont, err := EvalCondition(node.Condition, state.Context)
			if err != nil {
				return FailureResult(fmt.Sprintf("loop condition: %v", err)), nil
			}
			if !cont {
				return last, nil
			}
		}
	}
	return FailureResult("loop cap exceeded"), nil
}

// iteration reads the loop counter, tolerating the float64 form it takes
// after a snapshot round-trip.
func iteration(execContext map[string]any) int {
	switch v := execContext[ContextLoopIteration].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// breakTarget consumes a loop break requested by the body through the
// context key or the volatile state field. Any child of the iteration may
// set it; the loop exits after the current iteration.
func breakTarget(state *ExecutionState) string {
	if state.LoopBreakTarget != "" {
		t := state.LoopBreakTarget
		state.LoopBreakTarget = ""
		return t
	}
	if t, ok := state.Context[ContextLoopBreak].(string); ok && t != "" {
		delete(state.Context, ContextLoopBreak)
		return t
	}
	return ""
}
