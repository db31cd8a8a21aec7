package meander

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// ParallelExecutor fans the node's children out to the cooperative pool and
// joins on all of them. Child context mutations merge back key by key in
// declaration order: when two children write the same key, the earlier
// child wins. This determinism is part of the contract workflow authors
// rely on.
type ParallelExecutor struct{}

var _ NodeExecutor = (*ParallelExecutor)(nil)

// Kind implements NodeExecutor.
func (*ParallelExecutor) Kind() NodeKind { return KindParallel }

// Execute implements NodeExecutor.
func (e *ParallelExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	results, contexts, err := fanOut(ctx, node, ec)
	if err != nil {
		return NodeResult{}, err
	}
	mergeChildContexts(ec.State.Context, contexts)
	return joinResults(node, results), nil
}

// ForkJoinExecutor is a parallel fan-out gated on an explicit join node:
// the children run to completion, contexts merge, and the node yields a
// pending result that moves the execution to the join node.
type ForkJoinExecutor struct{}

var _ NodeExecutor = (*ForkJoinExecutor)(nil)

// Kind implements NodeExecutor.
func (*ForkJoinExecutor) Kind() NodeKind { return KindForkJoin }

// Execute implements NodeExecutor.
func (e *ForkJoinExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	results, contexts, err := fanOut(ctx, node, ec)
	if err != nil {
		return NodeResult{}, err
	}
	mergeChildContexts(ec.State.Context, contexts)
	if joined := joinResults(node, results); joined.Status == StatusFailure {
		return joined, nil
	}
	return PendingResult(node.JoinNode), nil
}

// fanOut dispatches every child on the pool and waits for all of them.
// Each child runs against an isolated clone of the execution state; the
// completion order is nondeterministic but results and contexts come back
// in declaration order.
func fanOut(ctx context.Context, node *Node, ec *ExecutionContext) ([]NodeResult, []map[string]any, error) {
	n := len(node.Children)
	children := make([]*Node, n)
	for i, childID := range node.Children {
		child, ok := ec.Workflow.Nodes[childID]
		if !ok {
			return nil, nil, &ErrConfig{Kind: "node", ID: node.ID, Reason: fmt.Sprintf("child %q not defined", childID)}
		}
		children[i] = child
	}

	results := make([]NodeResult, n)
	contexts := make([]map[string]any, n)
	breaks := make([]string, n)

	var wg sync.WaitGroup
	var submitErr error
	for i, child := range children {
		i, child := i, child
		childEC := ec.child()
		run := func() {
			defer wg.Done()
			ec.Observer.OnNodeStart(childEC.State.ExecutionID, child.ID)
			results[i] = childEC.Executors.Dispatch(ctx, child, childEC)
			ec.Observer.OnNodeComplete(childEC.State.ExecutionID, child.ID, results[i], 0)
			contexts[i] = childEC.State.Context
			breaks[i] = childEC.State.LoopBreakTarget
		}
		wg.Add(1)
		if ec.Pool != nil {
			if err := ec.Pool.Submit(ctx, run); err != nil {
				wg.Done()
				submitErr = err
				break
			}
		} else {
			go run()
		}
	}
	wg.Wait()
	if submitErr != nil {
		return nil, nil, submitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	// Like the context merge, the earliest declared child wins when
	// several request a loop break.
	for _, target := range breaks {
		if target != "" {
			ec.State.LoopBreakTarget = target
			break
		}
	}
	return results, contexts, nil
}

// mergeChildContexts merges child context mutations into parent. A child's
// mutation is any key whose value is new or changed relative to the parent;
// in declaration order the first child to mutate a key wins.
func mergeChildContexts(parent map[string]any, childContexts []map[string]any) {
	merged := make(map[string]bool)
	for _, childCtx := range childContexts {
		for k, v := range childCtx {
			if merged[k] {
				continue
			}
			if base, ok := parent[k]; ok && reflect.DeepEqual(base, v) {
				continue
			}
			parent[k] = copyValue(v)
			merged[k] = true
		}
	}
}

// joinResults combines child results under the node's join policy. The
// zero policy is all-succeed.
func joinResults(node *Node, results []NodeResult) NodeResult {
	statuses := make(map[string]any, len(results))
	succeeded := 0
	firstFailure := ""
	for i, r := range results {
		statuses[node.Children[i]] = string(r.Status)
		if r.Status == StatusFailure {
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("child %s: %s", node.Children[i], r.Reason())
			}
			continue
		}
		succeeded++
	}

	switch node.Join {
	case JoinAnySucceed:
		if succeeded == 0 {
			return FailureResult("no child succeeded: " + firstFailure).withMeta("children", statuses)
		}
	default: // all-succeed
		if firstFailure != "" {
			return FailureResult(firstFailure).withMeta("children", statuses)
		}
	}
	return SuccessResult("").withMeta("children", statuses)
}
