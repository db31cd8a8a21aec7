package meander

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PlanSource records where a plan came from.
type PlanSource string

const (
	PlanStatic       PlanSource = "STATIC"
	PlanLLMGenerated PlanSource = "LLM_GENERATED"
)

// PlannedStep is one tool call in a plan. A synthesis step carries no tool;
// it is an agent call composing the final output from the accumulated step
// outputs and always runs last.
type PlannedStep struct {
	Index        int            `json:"index"`
	ToolName     string         `json:"toolName,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Description  string         `json:"description,omitempty"`
	IsSynthesize bool           `json:"isSynthesize,omitempty"`
}

// Plan is an immutable ordered sequence of tool-call steps for one node.
// Revising a failed plan produces a new plan with a new id tied to the
// same node.
type Plan struct {
	ID     string        `json:"id"`
	NodeID string        `json:"nodeId"`
	Source PlanSource    `json:"source"`
	Steps  []PlannedStep `json:"steps"`
}

// NewPlan builds a plan for nodeID, re-indexing the steps.
func NewPlan(nodeID string, source PlanSource, steps []PlannedStep) *Plan {
	out := make([]PlannedStep, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Index = i
	}
	return &Plan{ID: NewID(), NodeID: nodeID, Source: source, Steps: out}
}

// StepResult is the observed outcome of one plan step, handed to the
// planner when a revision is needed.
type StepResult struct {
	Step    PlannedStep
	Output  string
	Err     string
	Elapsed time.Duration
}

// Planner revises plans whose steps fail. The plan executor calls Revise
// with the failing plan and the failed step's result; the planner answers
// with a replacement plan for the same node.
type Planner interface {
	Revise(ctx context.Context, original *Plan, failed StepResult) (*Plan, error)
}

// AgentPlanner revises plans by asking an agent. The agent receives the
// original steps, the failure, and the available tool names, and must
// answer with a JSON object {"steps": [{"toolName", "args", "description",
// "isSynthesize"}...]}.
type AgentPlanner struct {
	agent Agent
	tools *ToolRegistry
}

var _ Planner = (*AgentPlanner)(nil)

// NewAgentPlanner creates a planner backed by agent. tools may be nil; it
// only enriches the revision prompt.
func NewAgentPlanner(agent Agent, tools *ToolRegistry) *AgentPlanner {
	return &AgentPlanner{agent: agent, tools: tools}
}

// Revise implements Planner.
func (p *AgentPlanner) Revise(ctx context.Context, original *Plan, failed StepResult) (*Plan, error) {
	prompt := revisionPrompt(original, failed, p.tools)
	resp, err := p.agent.Execute(ctx, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("planner: revise: %w", err)
	}
	steps, err := stepsFromResponse(resp)
	if err != nil {
		return nil, err
	}
	return NewPlan(original.NodeID, PlanLLMGenerated, steps), nil
}

func revisionPrompt(original *Plan, failed StepResult, tools *ToolRegistry) string {
	var b strings.Builder
	b.WriteString("A tool-call plan failed and needs revision.\n\nOriginal steps:\n")
	for _, s := range original.Steps {
		fmt.Fprintf(&b, "%d. %s %s\n", s.Index, s.ToolName, Stringify(s.Args))
	}
	fmt.Fprintf(&b, "\nFailed step %d (%s): %s\n", failed.Step.Index, failed.Step.ToolName, failed.Err)
	if tools != nil {
		fmt.Fprintf(&b, "\nAvailable tools: %s\n", strings.Join(tools.Names(), ", "))
	}
	b.WriteString("\nAnswer with a JSON object: {\"steps\": [{\"toolName\": ..., \"args\": {...}, \"description\": ..., \"isSynthesize\": false}]}")
	return b.String()
}

// stepsFromResponse reads a revised step list from an agent response,
// accepting either a native PlanProposal or a JSON object in text output.
func stepsFromResponse(resp AgentResponse) ([]PlannedStep, error) {
	switch resp.Type {
	case ResponsePlanProposal:
		if len(resp.Steps) == 0 {
			return nil, fmt.Errorf("planner: empty plan proposal")
		}
		return resp.Steps, nil
	case ResponseError:
		return nil, fmt.Errorf("planner: agent error: %s", resp.Message)
	}
	obj, ok := ExtractJSON(resp.Content)
	if !ok {
		return nil, fmt.Errorf("planner: no plan in agent output")
	}
	raw, ok := obj["steps"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("planner: no steps in agent output")
	}
	steps := make([]PlannedStep, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("planner: malformed step %v", item)
		}
		step := PlannedStep{}
		step.ToolName, _ = ReadString(m, "toolName", "tool", "name")
		step.Description, _ = ReadString(m, "description")
		if args, ok := m["args"].(map[string]any); ok {
			step.Args = args
		}
		if syn, ok := m["isSynthesize"].(bool); ok {
			step.IsSynthesize = syn
		}
		if step.ToolName == "" && !step.IsSynthesize {
			return nil, fmt.Errorf("planner: step without tool name")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// defaultMaxRevisions caps how often a failing plan may be rewritten.
const defaultMaxRevisions = 3

// PlanExecutor runs plans step by step with per-step observability and
// planner-driven revision on failure.
type PlanExecutor struct {
	maxRevisions int
}

// PlanExecutorOption configures a PlanExecutor.
type PlanExecutorOption func(*PlanExecutor)

// MaxRevisions caps planner revisions per node execution (default: 3).
func MaxRevisions(n int) PlanExecutorOption {
	return func(e *PlanExecutor) { e.maxRevisions = n }
}

// NewPlanExecutor creates a plan executor.
func NewPlanExecutor(opts ...PlanExecutorOption) *PlanExecutor {
	e := &PlanExecutor{maxRevisions: defaultMaxRevisions}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes plan within one node execution. Steps run in order with
// args template-resolved against the execution context; each non-synthesis
// step dispatches to its named tool. A failed step asks ec.Planner for a
// revised plan and restarts from step zero, at most maxRevisions times.
// After the last tool step, the synthesis step (when present) composes the
// final output through the node's agent.
func (e *PlanExecutor) Run(ctx context.Context, node *Node, plan *Plan, ec *ExecutionContext) (NodeResult, error) {
	execID := ec.State.ExecutionID
	revisions := 0

	for {
		ec.Observer.OnPlannerStart(execID, plan.ID)
		ec.Observer.OnEvent(execID, EventPlanCreated, map[string]any{
			"plan":   plan.ID,
			"node":   plan.NodeID,
			"source": string(plan.Source),
			"steps":  describeSteps(plan.Steps),
		})

		outputs, failed, err := e.runSteps(ctx, plan, ec)
		if err != nil {
			ec.Observer.OnPlannerComplete(execID, plan.ID, false)
			return NodeResult{}, err
		}
		if failed == nil {
			final, err := e.synthesize(ctx, node, plan, outputs, ec)
			if err != nil {
				ec.Observer.OnPlannerComplete(execID, plan.ID, false)
				return NodeResult{}, err
			}
			ec.Observer.OnEvent(execID, EventPlanCompleted, map[string]any{
				"plan": plan.ID, "success": true,
			})
			ec.Observer.OnPlannerComplete(execID, plan.ID, true)
			result := SuccessResult(final).withMeta("plan", plan.ID)
			return result, nil
		}

		if ec.Planner == nil || revisions >= e.maxRevisions {
			ec.Observer.OnEvent(execID, EventPlanCompleted, map[string]any{
				"plan": plan.ID, "success": false,
			})
			ec.Observer.OnPlannerComplete(execID, plan.ID, false)
			return FailureResult(fmt.Sprintf("plan step %d (%s) failed: %s",
				failed.Step.Index, failed.Step.ToolName, failed.Err)), nil
		}

		revised, err := ec.Planner.Revise(ctx, plan, *failed)
		if err != nil {
			ec.Observer.OnPlannerComplete(execID, plan.ID, false)
			return FailureResult(fmt.Sprintf("plan revision failed: %v", err)), nil
		}
		revisions++
		ec.Observer.OnEvent(execID, EventPlanRevised, map[string]any{
			"plan":     plan.ID,
			"revised":  revised.ID,
			"revision": revisions,
			"failed":   failed.Step.Index,
		})
		ec.Observer.OnPlannerComplete(execID, plan.ID, false)
		plan = revised
	}
}

// runSteps executes every non-synthesis step in order. It returns the
// accumulated outputs and, when a step fails, that step's result. A non-nil
// error means the context ended.
func (e *PlanExecutor) runSteps(ctx context.Context, plan *Plan, ec *ExecutionContext) ([]StepResult, *StepResult, error) {
	execID := ec.State.ExecutionID
	outputs := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.IsSynthesize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ec.Observer.OnEvent(execID, EventStepStarted, map[string]any{
			"plan": plan.ID, "step": step.Index, "tool": step.ToolName,
		})
		start := time.Now()
		args := ResolveArgs(step.Args, ec.State.Context)
		out, err := ec.Tools.Execute(ctx, step.ToolName, args)
		sr := StepResult{Step: step, Output: out, Elapsed: time.Since(start)}
		if err != nil {
			sr.Err = err.Error()
		}
		ec.Observer.OnEvent(execID, EventStepCompleted, map[string]any{
			"plan":       plan.ID,
			"step":       step.Index,
			"tool":       step.ToolName,
			"elapsed_ms": sr.Elapsed.Milliseconds(),
			"failed":     sr.Err != "",
		})
		if sr.Err != "" {
			return outputs, &sr, nil
		}
		outputs = append(outputs, sr)
	}
	return outputs, nil, nil
}

// synthesize runs the plan's synthesis step, if any: an agent call over the
// accumulated step outputs. Without one, the outputs are joined directly.
func (e *PlanExecutor) synthesize(ctx context.Context, node *Node, plan *Plan, outputs []StepResult, ec *ExecutionContext) (string, error) {
	joined := joinOutputs(outputs)
	var syn *PlannedStep
	for i := range plan.Steps {
		if plan.Steps[i].IsSynthesize {
			syn = &plan.Steps[i]
			break
		}
	}
	if syn == nil {
		return joined, nil
	}
	agent, err := ec.agent(node.AgentID)
	if err != nil {
		return "", err
	}
	prompt := syn.Description
	if prompt == "" {
		prompt = "Compose a final answer from the step outputs below."
	}
	prompt = ResolveTemplate(prompt, ec.State.Context) + "\n\nStep outputs:\n" + joined

	execID := ec.State.ExecutionID
	ec.Observer.OnAgentStart(execID, agent.ID())
	start := time.Now()
	resp, err := agent.Execute(ctx, prompt, ec.State.Context)
	ec.Observer.OnAgentComplete(execID, agent.ID(), time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("plan synthesis: %w", err)
	}
	if resp.Type == ResponseError {
		return "", fmt.Errorf("plan synthesis: agent error: %s", resp.Message)
	}
	return resp.Content, nil
}

func joinOutputs(outputs []StepResult) string {
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d %s] %s", o.Step.Index, o.Step.ToolName, o.Output)
	}
	return b.String()
}

func describeSteps(steps []PlannedStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		if s.IsSynthesize {
			out[i] = fmt.Sprintf("%d: synthesize", s.Index)
			continue
		}
		out[i] = fmt.Sprintf("%d: %s", s.Index, s.ToolName)
	}
	return out
}
