package meander

import (
	"time"
)

// Context keys the engine itself reads and writes. Everything else in the
// context map belongs to the workflow author.
const (
	// ContextLastOutput holds the output of the most recent successful
	// standard node.
	ContextLastOutput = "last_output"
	// ContextLoopIteration is incremented by loop nodes before each
	// body dispatch.
	ContextLoopIteration = "loop_iteration"
	// ContextLoopBreak, when set by a loop body, ends the loop after the
	// current iteration; its value overrides the next transition target.
	ContextLoopBreak = "loopBreakTarget"
	// ContextRecommendations accumulates self-evaluation feedback, one
	// "[criterionId] text" entry per failed criterion, for injection into
	// the next backtracking attempt's prompt.
	ContextRecommendations = "self_evaluation_recommendations"
)

// Internal context keys recording how an execution reached the terminal
// sentinel without passing through an End node (review rejection).
const (
	contextExitStatus = "__exit_status__"
	contextExitReason = "__exit_reason__"
)

// Status discriminates node results.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPending Status = "PENDING"
	StatusEnd     Status = "END"
)

// NodeResult is the outcome of one node execution. Failures carry a string
// reason under Metadata["reason"]; error values are never stored, so every
// result is serializable as-is.
type NodeResult struct {
	Status   Status         `json:"status"`
	Output   string         `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SuccessResult builds a success result with the given output.
func SuccessResult(output string) NodeResult {
	return NodeResult{Status: StatusSuccess, Output: output}
}

// FailureResult builds a failure result with a human-readable reason.
func FailureResult(reason string) NodeResult {
	return NodeResult{Status: StatusFailure, Metadata: map[string]any{"reason": reason}}
}

// PendingResult builds a pending result that defers to nextNode.
func PendingResult(nextNode string) NodeResult {
	return NodeResult{Status: StatusPending, Metadata: map[string]any{"nextNode": nextNode}}
}

// EndResult builds the terminal result carrying an End node's exit status.
func EndResult(exit ExitStatus) NodeResult {
	return NodeResult{Status: StatusEnd, Metadata: map[string]any{"exit": string(exit)}}
}

// Reason returns the failure reason, if any.
func (r NodeResult) Reason() string {
	if s, ok := r.Metadata["reason"].(string); ok {
		return s
	}
	return ""
}

func (r NodeResult) withMeta(key string, value any) NodeResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, 1)
	}
	r.Metadata[key] = value
	return r
}

// ExecutionStep is one appended history entry: which node ran, what it
// produced, and the post-execution context for backtrack restore.
type ExecutionStep struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"nodeId"`
	Result    NodeResult     `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// BacktrackType classifies why an execution moved backwards.
type BacktrackType string

const (
	BacktrackReview         BacktrackType = "REVIEW"
	BacktrackRubricFail     BacktrackType = "RUBRIC_FAIL"
	BacktrackRetryExhausted BacktrackType = "RETRY_EXHAUSTED"
)

// BacktrackEvent records one backwards transition. Events are append-only
// and survive history trims.
type BacktrackEvent struct {
	FromNodeID string        `json:"fromNodeId"`
	ToNodeID   string        `json:"toNodeId"`
	Reason     string        `json:"reason"`
	Type       BacktrackType `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
}

// History is the append-only record of an execution: steps in dispatch
// order plus every backtrack.
type History struct {
	Steps      []ExecutionStep  `json:"steps"`
	Backtracks []BacktrackEvent `json:"backtracks"`
}

// StepByID returns the index of the step with the given id, or -1.
func (h *History) StepByID(id string) int {
	for i := range h.Steps {
		if h.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// LastStepForNode returns the most recent step for nodeID, or nil.
func (h *History) LastStepForNode(nodeID string) *ExecutionStep {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		if h.Steps[i].NodeID == nodeID {
			return &h.Steps[i]
		}
	}
	return nil
}

// ExecutionState is the mutable state of one running execution. Exactly one
// driver goroutine owns it at a time; the lease guarantees the same across
// processes. LoopBreakTarget is volatile and never serialized.
type ExecutionState struct {
	ExecutionID     string
	WorkflowID      string
	TenantID        string
	CurrentNode     string
	Context         map[string]any
	History         History
	RubricEval      *RubricEvaluation
	RetryCount      int
	LoopBreakTarget string
}

// NewExecutionState creates the state for a fresh execution of wf, deep
// copying initialContext so the caller's map is never aliased.
func NewExecutionState(wf *Workflow, initialContext map[string]any) *ExecutionState {
	ctx := copyContext(initialContext)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	return &ExecutionState{
		ExecutionID: NewID(),
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		CurrentNode: wf.StartNode,
		Context:     ctx,
	}
}

// AddStep appends a step recording result for nodeID together with a copy
// of the current context.
func (s *ExecutionState) AddStep(nodeID string, result NodeResult) ExecutionStep {
	step := ExecutionStep{
		ID:        NewID(),
		NodeID:    nodeID,
		Result:    result,
		Timestamp: NowUTC(),
		Context:   copyContext(s.Context),
	}
	s.History.Steps = append(s.History.Steps, step)
	return step
}

// AddBacktrack appends a backtrack event.
func (s *ExecutionState) AddBacktrack(from, to, reason string, typ BacktrackType) {
	s.History.Backtracks = append(s.History.Backtracks, BacktrackEvent{
		FromNodeID: from,
		ToNodeID:   to,
		Reason:     reason,
		Type:       typ,
		Timestamp:  NowUTC(),
	})
}

// Snapshot returns an immutable deep copy of the state sufficient to
// resume the driver loop. The copy shares nothing with the live state.
func (s *ExecutionState) Snapshot() *Snapshot {
	return &Snapshot{
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		TenantID:    s.TenantID,
		CurrentNode: s.CurrentNode,
		Context:     copyContext(s.Context),
		History:     copyHistory(s.History),
		RubricEval:  s.RubricEval.clone(),
		RetryCount:  s.RetryCount,
	}
}

// Snapshot is the serialization-ready deep copy of execution state. Its
// field set is a wire-stable contract; see the SnapshotCodec.
type Snapshot struct {
	ExecutionID string             `json:"executionId"`
	WorkflowID  string             `json:"workflowId"`
	TenantID    string             `json:"tenantId,omitempty"`
	CurrentNode string             `json:"currentNodeId"`
	Context     map[string]any     `json:"context"`
	History     History            `json:"history"`
	RubricEval  *RubricEvaluation  `json:"rubricEvaluation,omitempty"`
	RetryCount  int                `json:"retryCount"`
}

// Restore rebuilds a live ExecutionState from the snapshot. The returned
// state owns fresh copies of the context and history.
func (s *Snapshot) Restore() *ExecutionState {
	ctx := copyContext(s.Context)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	return &ExecutionState{
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		TenantID:    s.TenantID,
		CurrentNode: s.CurrentNode,
		Context:     ctx,
		History:     copyHistory(s.History),
		RubricEval:  s.RubricEval.clone(),
		RetryCount:  s.RetryCount,
	}
}

// copyContext deep-copies a context map. Nested maps and slices are copied
// recursively; scalar values are immutable and carried over. Nil stays nil
// so snapshots round-trip without inventing empty maps.
func copyContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

func copyHistory(h History) History {
	out := History{}
	if h.Steps != nil {
		out.Steps = make([]ExecutionStep, len(h.Steps))
		for i, st := range h.Steps {
			st.Context = copyContext(st.Context)
			st.Result.Metadata = copyContext(st.Result.Metadata)
			out.Steps[i] = st
		}
	}
	if h.Backtracks != nil {
		out.Backtracks = make([]BacktrackEvent, len(h.Backtracks))
		copy(out.Backtracks, h.Backtracks)
	}
	return out
}
