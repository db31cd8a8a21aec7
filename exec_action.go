package meander

import (
	"context"
	"fmt"
	"strings"
)

// ActionExecutor runs an Action node's actions in order through the action
// registry. The first failing action fails the node; outputs of the
// successful actions are joined as the node output.
type ActionExecutor struct{}

var _ NodeExecutor = (*ActionExecutor)(nil)

// Kind implements NodeExecutor.
func (*ActionExecutor) Kind() NodeKind { return KindAction }

// Execute implements NodeExecutor.
func (e *ActionExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	if ec.Actions == nil {
		return NodeResult{}, &ErrConfig{Kind: "node", ID: node.ID, Reason: "no action registry configured"}
	}
	var outputs []string
	for i, a := range node.Actions {
		if err := ctx.Err(); err != nil {
			return NodeResult{}, err
		}
		res, err := ec.Actions.Run(ctx, a, ec.State.Context)
		if err != nil {
			return FailureResult(fmt.Sprintf("action %d: %v", i, err)), nil
		}
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
	}
	return SuccessResult(strings.Join(outputs, "\n")), nil
}
