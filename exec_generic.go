package meander

import "context"

// GenericExecutor dispatches a Generic node to the handler registered for
// its type tag.
type GenericExecutor struct{}

var _ NodeExecutor = (*GenericExecutor)(nil)

// Kind implements NodeExecutor.
func (*GenericExecutor) Kind() NodeKind { return KindGeneric }

// Execute implements NodeExecutor.
func (e *GenericExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	h, err := ec.Executors.genericHandler(node.Handler)
	if err != nil {
		return NodeResult{}, err
	}
	return h(ctx, node, ec)
}

// EndExecutor terminates the execution with the node's exit status.
type EndExecutor struct{}

var _ NodeExecutor = (*EndExecutor)(nil)

// Kind implements NodeExecutor.
func (*EndExecutor) Kind() NodeKind { return KindEnd }

// Execute implements NodeExecutor.
func (e *EndExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	return EndResult(node.Exit), nil
}
