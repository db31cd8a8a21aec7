package meander

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ResultKind tags the outcome variants of Execute and Resume.
type ResultKind string

const (
	// ResultCompleted means the execution reached an End node or the
	// terminal sentinel.
	ResultCompleted ResultKind = "COMPLETED"
	// ResultPaused means a review gate fired; the snapshot resumes the
	// execution once a decision is applied.
	ResultPaused ResultKind = "PAUSED"
	// ResultRejected means a reviewer rejected the execution.
	ResultRejected ResultKind = "REJECTED"
	// ResultFailed means a driver-level system failure; the last
	// checkpoint remains recoverable.
	ResultFailed ResultKind = "FAILED"
)

// ExecutionResult is the outcome of driving one execution.
type ExecutionResult struct {
	Kind       ResultKind
	ExitStatus ExitStatus
	State      *ExecutionState
	Snapshot   *Snapshot
	Reason     string
	Err        error
}

// WorkflowExecutor drives executions of workflows from their start node to
// a terminal node: dispatching nodes to their executors, scoring rubrics,
// honoring review gates, evaluating transitions, and checkpointing after
// every step. One executor instance serves any number of concurrent
// executions.
type WorkflowExecutor struct {
	agents        *AgentRegistry
	actions       *ActionRegistry
	tools         *ToolRegistry
	executors     *ExecutorRegistry
	rubrics       *RubricEngine
	snapshots     SnapshotRepository
	leases        LeaseManager
	planner       Planner
	plans         *PlanExecutor
	validator     *OutputValidator
	pool          *Pool
	tracer        Tracer
	logger        *slog.Logger
	credentials   Credentials
	maxBacktracks int
}

// ExecutorOption configures a WorkflowExecutor.
type ExecutorOption func(*WorkflowExecutor)

// WithAgents sets the agent registry.
func WithAgents(r *AgentRegistry) ExecutorOption {
	return func(e *WorkflowExecutor) { e.agents = r }
}

// WithActions sets the action handler registry.
func WithActions(r *ActionRegistry) ExecutorOption {
	return func(e *WorkflowExecutor) { e.actions = r }
}

// WithTools sets the tool registry plan steps dispatch to.
func WithTools(r *ToolRegistry) ExecutorOption {
	return func(e *WorkflowExecutor) { e.tools = r }
}

// WithExecutors replaces the node executor registry. The default registry
// carries every built-in variant.
func WithExecutors(r *ExecutorRegistry) ExecutorOption {
	return func(e *WorkflowExecutor) { e.executors = r }
}

// WithRubricEngine sets the rubric engine.
func WithRubricEngine(r *RubricEngine) ExecutorOption {
	return func(e *WorkflowExecutor) { e.rubrics = r }
}

// WithSnapshotRepository enables durable checkpointing through repo.
// Without one, executions run in memory only and cannot be resumed after a
// crash.
func WithSnapshotRepository(repo SnapshotRepository) ExecutorOption {
	return func(e *WorkflowExecutor) { e.snapshots = repo }
}

// WithLeaseManager enables the recovery protocol: Execute acquires a lease
// before the first node and releases it at termination or pause.
func WithLeaseManager(lm LeaseManager) ExecutorOption {
	return func(e *WorkflowExecutor) { e.leases = lm }
}

// WithPlanner sets the planner consulted when a plan step fails.
func WithPlanner(p Planner) ExecutorOption {
	return func(e *WorkflowExecutor) { e.planner = p }
}

// WithPlanExecutor replaces the default plan executor.
func WithPlanExecutor(p *PlanExecutor) ExecutorOption {
	return func(e *WorkflowExecutor) { e.plans = p }
}

// WithValidator replaces the default output validator.
func WithValidator(v *OutputValidator) ExecutorOption {
	return func(e *WorkflowExecutor) { e.validator = v }
}

// WithPoolSize bounds parallel fan-out (default: 10).
func WithPoolSize(n int) ExecutorOption {
	return func(e *WorkflowExecutor) { e.pool = NewPool(n) }
}

// WithTracer sets a tracer for per-step spans.
func WithTracer(t Tracer) ExecutorOption {
	return func(e *WorkflowExecutor) { e.tracer = t }
}

// WithLogger sets a structured logger for driver decisions.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *WorkflowExecutor) { e.logger = l }
}

// WithCredentials sets the per-tenant credential view handed to agent
// providers.
func WithCredentials(c Credentials) ExecutorOption {
	return func(e *WorkflowExecutor) { e.credentials = c }
}

// WithMaxBacktracks caps rubric and retry backtracks per execution
// (default: 50). The cap is a guard against rubric transitions that can
// never pass; exceeding it fails the execution.
func WithMaxBacktracks(n int) ExecutorOption {
	return func(e *WorkflowExecutor) { e.maxBacktracks = n }
}

// defaultMaxBacktracks guards against unsatisfiable rubric loops.
const defaultMaxBacktracks = 50

// NewWorkflowExecutor creates an executor. Every collaborator defaults to
// a working in-process implementation; persistence and recovery activate
// only when a snapshot repository and lease manager are supplied.
func NewWorkflowExecutor(opts ...ExecutorOption) *WorkflowExecutor {
	e := &WorkflowExecutor{
		agents:        NewAgentRegistry(),
		actions:       NewActionRegistry(),
		tools:         NewToolRegistry(),
		executors:     NewExecutorRegistry(),
		rubrics:       NewRubricEngine(nil),
		plans:         NewPlanExecutor(),
		validator:     NewOutputValidator(),
		pool:          NewPool(defaultPoolSize),
		logger:        nopLogger,
		maxBacktracks: defaultMaxBacktracks,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives one fresh execution of wf. The initial context is deep
// copied; obs may be nil. Configuration errors (invalid workflow, lease
// contention) surface immediately; everything after the first node dispatch
// is reported through the result.
func (e *WorkflowExecutor) Execute(ctx context.Context, wf *Workflow, initialContext map[string]any, obs Observer) (*ExecutionResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	state := NewExecutionState(wf, initialContext)
	if obs == nil {
		obs = NopObserver{}
	}
	if e.leases != nil {
		if err := e.leases.Acquire(ctx, state.TenantID, state.ExecutionID); err != nil {
			return nil, fmt.Errorf("execute %s: %w", state.ExecutionID, err)
		}
	}
	obs.OnEvent(state.ExecutionID, EventExecutionStarted, map[string]any{
		"workflow": wf.ID,
		"start":    wf.StartNode,
	})
	return e.run(ctx, wf, state, obs), nil
}

// Resume continues an execution from a snapshot: after a review decision,
// or from the sweeper after claiming a stale lease. The snapshot's captured
// context and history carry over; a fresh lease is acquired.
func (e *WorkflowExecutor) Resume(ctx context.Context, wf *Workflow, snap *Snapshot, obs Observer) (*ExecutionResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if snap.WorkflowID != wf.ID {
		return nil, &ErrConfig{Kind: "workflow", ID: wf.ID, Reason: fmt.Sprintf("snapshot belongs to workflow %q", snap.WorkflowID)}
	}
	state := snap.Restore()
	if obs == nil {
		obs = NopObserver{}
	}
	if e.leases != nil {
		if err := e.leases.Acquire(ctx, state.TenantID, state.ExecutionID); err != nil {
			return nil, fmt.Errorf("resume %s: %w", state.ExecutionID, err)
		}
	}
	obs.OnEvent(state.ExecutionID, EventExecutionResumed, map[string]any{
		"workflow": wf.ID,
		"node":     state.CurrentNode,
	})
	return e.run(ctx, wf, state, obs), nil
}

// run is the driver loop. Each pass: resolve the current node, dispatch it,
// score the rubric, honor the review gate, append the step, pick the
// transition, and checkpoint. Node-level failures flow through transition
// rules; only repository and lease failures end the loop as system
// failures.
func (e *WorkflowExecutor) run(ctx context.Context, wf *Workflow, state *ExecutionState, obs Observer) *ExecutionResult {
	ec := &ExecutionContext{
		State:       state,
		Workflow:    wf,
		Agents:      e.agents,
		Actions:     e.actions,
		Tools:       e.tools,
		Executors:   e.executors,
		Planner:     e.planner,
		Plans:       e.plans,
		Observer:    obs,
		Validator:   e.validator,
		Pool:        e.pool,
		Tracer:      e.tracer,
		Credentials: e.credentials,
		Logger:      e.logger,
	}

	for {
		if ctx.Err() != nil {
			return e.finalize(ctx, state, obs, ExitCancel, "cancelled")
		}
		if state.CurrentNode == TerminalNode {
			return e.finalizeSentinel(ctx, state, obs)
		}
		node, ok := wf.Nodes[state.CurrentNode]
		if !ok {
			return e.systemFailure(ctx, state, obs, &ErrConfig{Kind: "node", ID: state.CurrentNode, Reason: "not defined"})
		}

		e.logger.Debug("dispatching node", "execution", state.ExecutionID, "node", node.ID, "kind", node.Kind)
		obs.OnNodeStart(state.ExecutionID, node.ID)
		start := time.Now()
		var span Span
		if e.tracer != nil {
			_, span = e.tracer.Start(ctx, "node."+string(node.Kind),
				StringAttr("execution.id", state.ExecutionID),
				StringAttr("node.id", node.ID))
		}
		result := e.executors.Dispatch(ctx, node, ec)
		if span != nil {
			span.SetAttr(StringAttr("node.status", string(result.Status)))
			span.End()
		}
		obs.OnNodeComplete(state.ExecutionID, node.ID, result, time.Since(start))

		if result.Status == StatusEnd {
			state.AddStep(node.ID, result)
			exit := ExitStatus(Stringify(result.Metadata["exit"]))
			if exit == "" {
				exit = ExitSuccess
			}
			return e.finalize(ctx, state, obs, exit, "")
		}

		// Rubric gate. Failing the rubric backtracks to the target the
		// node's score transition names for the score.
		if node.RubricID != "" && result.Status == StatusSuccess {
			eval, err := e.rubrics.Evaluate(ctx, wf, node.RubricID, result, state.Context)
			if err != nil {
				return e.systemFailure(ctx, state, obs, err)
			}
			state.RubricEval = eval
			if !eval.Passed {
				if target, ok := scoreTarget(node, eval.Score); ok {
					if len(state.History.Backtracks) >= e.maxBacktracks {
						return e.systemFailure(ctx, state, obs,
							fmt.Errorf("execution %s: backtrack cap %d exceeded", state.ExecutionID, e.maxBacktracks))
					}
					state.AddStep(node.ID, result)
					state.AddBacktrack(node.ID, target, "rubric", BacktrackRubricFail)
					obs.OnEvent(state.ExecutionID, EventBacktrack, map[string]any{
						"from": node.ID, "to": target, "type": string(BacktrackRubricFail), "score": eval.Score,
					})
					state.CurrentNode = target
					state.RetryCount++
					if err := e.checkpoint(ctx, state, obs); err != nil {
						return e.systemFailure(ctx, state, obs, err)
					}
					continue
				}
			}
		}

		// Review gate. The step and its transition are committed before
		// pausing, so an approval resumes with no further state change.
		if node.Review.required(result) {
			state.AddStep(node.ID, result)
			next, res := e.nextNode(ctx, node, result, state, obs)
			if res != nil {
				return res
			}
			if next != node.ID {
				state.RetryCount = 0
			} else if result.Status == StatusFailure {
				state.RetryCount++
			}
			state.CurrentNode = next
			obs.OnEvent(state.ExecutionID, EventExecutionPaused, map[string]any{
				"node": node.ID, "review": string(node.Review.Mode),
			})
			if err := e.checkpoint(ctx, state, obs); err != nil {
				return e.systemFailure(ctx, state, obs, err)
			}
			e.releaseLease(ctx, state)
			return &ExecutionResult{
				Kind:     ResultPaused,
				Snapshot: state.Snapshot(),
				Reason:   fmt.Sprintf("review required for node %s", node.ID),
			}
		}

		state.AddStep(node.ID, result)
		next, res := e.nextNode(ctx, node, result, state, obs)
		if res != nil {
			return res
		}
		if next != node.ID {
			state.RetryCount = 0
		} else if result.Status == StatusFailure {
			state.RetryCount++
		}
		state.CurrentNode = next
		// A cancellation during the step finalizes as CANCEL rather than
		// surfacing as a checkpoint failure.
		if ctx.Err() != nil {
			return e.finalize(ctx, state, obs, ExitCancel, "cancelled")
		}
		if err := e.checkpoint(ctx, state, obs); err != nil {
			return e.systemFailure(ctx, state, obs, err)
		}
	}
}

// nextNode selects the node to move to after result. Loop breaks override
// transitions, pending results defer to their declared next node, and
// everything else evaluates the node's transition rules. A non-nil result
// means the driver must stop.
func (e *WorkflowExecutor) nextNode(ctx context.Context, node *Node, result NodeResult, state *ExecutionState, obs Observer) (string, *ExecutionResult) {
	if state.LoopBreakTarget != "" {
		target := state.LoopBreakTarget
		state.LoopBreakTarget = ""
		return target, nil
	}
	if result.Status == StatusPending {
		if next, ok := result.Metadata["nextNode"].(string); ok && next != "" {
			return next, nil
		}
		return "", e.systemFailure(ctx, state, obs,
			fmt.Errorf("node %s: pending result without next node", node.ID))
	}

	next, err := NextNode(node, result, state)
	if err == nil {
		if result.Status == StatusFailure && next != node.ID && state.History.LastStepForNode(next) != nil {
			state.AddBacktrack(node.ID, next, "retries exhausted", BacktrackRetryExhausted)
			obs.OnEvent(state.ExecutionID, EventBacktrack, map[string]any{
				"from": node.ID, "to": next, "type": string(BacktrackRetryExhausted),
			})
		}
		return next, nil
	}
	if err == ErrNoTransition {
		// An unrouted failure terminates the execution; an unrouted
		// success is a workflow authoring gap.
		if result.Status == StatusFailure {
			return "", e.finalize(ctx, state, obs, ExitFailure, result.Reason())
		}
		return "", e.systemFailure(ctx, state, obs,
			fmt.Errorf("node %s: %w", node.ID, ErrNoTransition))
	}
	return "", e.systemFailure(ctx, state, obs, err)
}

// checkpoint writes a snapshot through the repository. A failed write is
// fatal to the current step: resuming from a half-written state is worse
// than stopping.
func (e *WorkflowExecutor) checkpoint(ctx context.Context, state *ExecutionState, obs Observer) error {
	snap := state.Snapshot()
	if e.snapshots != nil {
		if err := e.snapshots.Save(ctx, state.TenantID, snap); err != nil {
			return fmt.Errorf("checkpoint %s: %w", state.ExecutionID, err)
		}
	}
	obs.OnCheckpoint(state.ExecutionID, snap)
	return nil
}

// finalizeSentinel completes an execution that reached the terminal
// sentinel directly, e.g. after a review rejection.
func (e *WorkflowExecutor) finalizeSentinel(ctx context.Context, state *ExecutionState, obs Observer) *ExecutionResult {
	exit := ExitSuccess
	_, rejected := state.Context[contextExitStatus]
	if s, ok := state.Context[contextExitStatus].(string); ok && s != "" {
		exit = ExitStatus(s)
	}
	reason, _ := state.Context[contextExitReason].(string)
	res := e.finalize(ctx, state, obs, exit, reason)
	if rejected && exit == ExitFailure && res.Kind == ResultCompleted {
		res.Kind = ResultRejected
	}
	return res
}

// finalize checkpoints the terminal state, emits the completion event, and
// releases the lease. Both run detached from the execution's cancellation
// so a cancelled execution still records its terminal state instead of
// leaving a live lease behind.
func (e *WorkflowExecutor) finalize(ctx context.Context, state *ExecutionState, obs Observer, exit ExitStatus, reason string) *ExecutionResult {
	ctx = context.WithoutCancel(ctx)
	state.CurrentNode = TerminalNode
	if err := e.checkpoint(ctx, state, obs); err != nil {
		return e.systemFailure(ctx, state, obs, err)
	}
	obs.OnEvent(state.ExecutionID, EventExecutionCompleted, map[string]any{
		"exit": string(exit), "steps": len(state.History.Steps),
	})
	e.releaseLease(ctx, state)
	e.logger.Debug("execution completed",
		"execution", state.ExecutionID, "exit", exit, "steps", len(state.History.Steps))
	return &ExecutionResult{
		Kind:       ResultCompleted,
		ExitStatus: exit,
		State:      state,
		Reason:     reason,
	}
}

// systemFailure ends the loop on a driver-level error. The last successful
// checkpoint stays in the repository for recovery.
func (e *WorkflowExecutor) systemFailure(ctx context.Context, state *ExecutionState, obs Observer, err error) *ExecutionResult {
	obs.OnEvent(state.ExecutionID, EventExecutionFailed, map[string]any{"error": err.Error()})
	e.releaseLease(ctx, state)
	e.logger.Warn("execution failed", "execution", state.ExecutionID, "error", err)
	return &ExecutionResult{Kind: ResultFailed, State: state, Err: err}
}

func (e *WorkflowExecutor) releaseLease(ctx context.Context, state *ExecutionState) {
	if e.leases == nil {
		return
	}
	// Release even when the execution's own context ended; an unreleased
	// lease would be kept fresh by the heartbeat and never swept.
	if err := e.leases.Release(context.WithoutCancel(ctx), state.TenantID, state.ExecutionID); err != nil {
		e.logger.Warn("lease release failed", "execution", state.ExecutionID, "error", err)
	}
}
