package meander

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StandardExecutor runs a standard agent node: render the prompt from the
// execution context, invoke the agent, and merge declared output parameters
// back into the context. A node carrying a static plan runs it through the
// plan executor instead of a bare agent call.
type StandardExecutor struct{}

var _ NodeExecutor = (*StandardExecutor)(nil)

// Kind implements NodeExecutor.
func (*StandardExecutor) Kind() NodeKind { return KindStandard }

// Execute implements NodeExecutor.
func (e *StandardExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error) {
	if len(node.Plan) > 0 {
		plans := ec.Plans
		if plans == nil {
			plans = NewPlanExecutor()
		}
		return plans.Run(ctx, node, NewPlan(node.ID, PlanStatic, node.Plan), ec)
	}

	agent, err := ec.agent(node.AgentID)
	if err != nil {
		return NodeResult{}, err
	}

	prompt := ResolveTemplate(node.Prompt, ec.State.Context)
	if recs := Recommendations(ec.State.Context); len(recs) > 0 {
		prompt += "\n\nAddress this feedback from the previous attempt:\n- " + strings.Join(recs, "\n- ")
	}

	execID := ec.State.ExecutionID
	ec.Observer.OnAgentStart(execID, agent.ID())
	start := time.Now()
	resp, err := agent.Execute(ctx, prompt, ec.State.Context)
	ec.Observer.OnAgentComplete(execID, agent.ID(), time.Since(start), err)
	if err != nil {
		return FailureResult(fmt.Sprintf("agent %s: %v", agent.ID(), err)), nil
	}

	switch resp.Type {
	case ResponseError:
		return FailureResult(fmt.Sprintf("agent %s: %s", agent.ID(), resp.Message)), nil

	case ResponseToolRequest:
		// Surfaced for downstream consumers; the standard node does not
		// invoke tools itself.
		result := SuccessResult(resp.Reasoning)
		result = result.withMeta("toolRequest", map[string]any{
			"toolName": resp.ToolName,
			"args":     resp.Args,
		})
		return result, nil

	case ResponsePlanProposal:
		result := SuccessResult(resp.Reasoning)
		result = result.withMeta("planProposal", describeSteps(resp.Steps))
		return result, nil
	}

	e.mergeOutputs(node, resp, ec.State.Context)
	result := SuccessResult(resp.Content)
	if len(resp.Metadata) > 0 {
		for k, v := range resp.Metadata {
			result = result.withMeta(k, v)
		}
	}
	return result, nil
}

// mergeOutputs extracts the node's declared output parameters from JSON in
// the agent output and merges them into the context, and records the raw
// output under the last-output key.
func (e *StandardExecutor) mergeOutputs(node *Node, resp AgentResponse, execContext map[string]any) {
	execContext[ContextLastOutput] = resp.Content
	if len(node.OutputParams) == 0 {
		return
	}
	obj, ok := ExtractJSON(resp.Content)
	if !ok {
		return
	}
	for _, param := range node.OutputParams {
		if v, ok := obj[param]; ok {
			execContext[param] = v
		}
	}
}
