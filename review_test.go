package meander

import (
	"context"
	"strings"
	"testing"
)

func TestReviewRequired(t *testing.T) {
	tests := []struct {
		name   string
		config *ReviewConfig
		result NodeResult
		want   bool
	}{
		{"nil config", nil, SuccessResult(""), false},
		{"none mode", &ReviewConfig{Mode: ReviewNone}, SuccessResult(""), false},
		{"required on success", &ReviewConfig{Mode: ReviewRequired}, SuccessResult(""), true},
		{"required on failure", &ReviewConfig{Mode: ReviewRequired}, FailureResult("x"), true},
		{"optional on success", &ReviewConfig{Mode: ReviewOptional}, SuccessResult(""), false},
		{"optional on failure", &ReviewConfig{Mode: ReviewOptional}, FailureResult("x"), true},
	}
	for _, tt := range tests {
		if got := tt.config.required(tt.result); got != tt.want {
			t.Errorf("%s: required = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func pausedSnapshot(t *testing.T) (*Snapshot, ExecutionStep) {
	t.Helper()
	state := NewExecutionState(linearWorkflow(), map[string]any{"draft": "v1"})
	target := state.AddStep("a", SuccessResult("first"))
	state.Context["draft"] = "v2"
	state.AddStep("b", SuccessResult("second"))
	state.CurrentNode = "c"
	state.RetryCount = 1
	return state.Snapshot(), target
}

func TestApplyDecisionApprove(t *testing.T) {
	snap, _ := pausedSnapshot(t)
	got, err := ApplyDecision(snap, ReviewDecision{Kind: DecisionApprove})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if got != snap {
		t.Error("approve must return the snapshot unchanged")
	}
}

func TestApplyDecisionBacktrack(t *testing.T) {
	snap, target := pausedSnapshot(t)
	got, err := ApplyDecision(snap, ReviewDecision{
		Kind:   DecisionBacktrack,
		StepID: target.ID,
		Reason: "wrong tone",
	})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if got.CurrentNode != "a" {
		t.Errorf("CurrentNode = %q, want a", got.CurrentNode)
	}
	if len(got.History.Steps) != 0 {
		t.Errorf("history steps = %d, want 0 after trim", len(got.History.Steps))
	}
	// Context restored from the step, recorded after the step ran.
	if got.Context["draft"] != "v1" {
		t.Errorf("draft = %v, want v1", got.Context["draft"])
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if len(got.History.Backtracks) != 1 {
		t.Fatalf("backtracks = %d, want 1", len(got.History.Backtracks))
	}
	bt := got.History.Backtracks[0]
	if bt.Type != BacktrackReview || bt.ToNodeID != "a" || bt.FromNodeID != "c" || bt.Reason != "wrong tone" {
		t.Errorf("backtrack = %+v", bt)
	}
}

func TestApplyDecisionBacktrackUnknownStep(t *testing.T) {
	snap, _ := pausedSnapshot(t)
	_, err := ApplyDecision(snap, ReviewDecision{Kind: DecisionBacktrack, StepID: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown step")
	}
	if !strings.Contains(err.Error(), "not in history") {
		t.Errorf("error = %v", err)
	}
}

func TestApplyDecisionReject(t *testing.T) {
	snap, _ := pausedSnapshot(t)
	got, err := ApplyDecision(snap, ReviewDecision{Kind: DecisionReject, Reason: "not publishable"})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if got.CurrentNode != TerminalNode {
		t.Errorf("CurrentNode = %q, want terminal sentinel", got.CurrentNode)
	}
	// History is preserved for the audit trail.
	if len(got.History.Steps) != 2 {
		t.Errorf("history steps = %d, want 2", len(got.History.Steps))
	}
}

func TestApplyDecisionUnknown(t *testing.T) {
	snap, _ := pausedSnapshot(t)
	if _, err := ApplyDecision(snap, ReviewDecision{Kind: "SHRUG"}); err == nil {
		t.Fatal("expected error for unknown decision kind")
	}
}

// --- Review gate end-to-end ---

func reviewWorkflow() *Workflow {
	return &Workflow{
		ID:        "gated",
		TenantID:  "t1",
		StartNode: "draft",
		Nodes: map[string]*Node{
			"draft": {
				ID:          "draft",
				Kind:        KindStandard,
				AgentID:     "writer",
				Review:      &ReviewConfig{Mode: ReviewRequired, Prompt: "check the tone"},
				Transitions: []Transition{{Kind: TransitionSuccess, Target: "done"}},
			},
			"done": endNode("done", ExitSuccess),
		},
	}
}

func reviewExecutor(t *testing.T) (*WorkflowExecutor, *memSnapshots, *memLeases) {
	t.Helper()
	agents := NewAgentRegistry()
	agents.Register(NewStubAgent("writer", TextResponse("the draft")))
	snapshots := newMemSnapshots()
	leases := newMemLeases(newLeaseTable(), "node-1")
	exec := NewWorkflowExecutor(
		WithAgents(agents),
		WithSnapshotRepository(snapshots),
		WithLeaseManager(leases),
	)
	return exec, snapshots, leases
}

func TestExecutePausesForReview(t *testing.T) {
	exec, _, leases := reviewExecutor(t)
	wf := reviewWorkflow()
	obs := &recordObserver{}

	result, err := exec.Execute(context.Background(), wf, nil, obs)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Kind != ResultPaused {
		t.Fatalf("kind = %v, want paused", result.Kind)
	}
	if result.Snapshot == nil {
		t.Fatal("paused result without snapshot")
	}
	// The step and its transition are committed before the pause.
	if result.Snapshot.CurrentNode != "done" {
		t.Errorf("snapshot node = %q, want done", result.Snapshot.CurrentNode)
	}
	if len(result.Snapshot.History.Steps) != 1 {
		t.Errorf("snapshot steps = %d, want 1", len(result.Snapshot.History.Steps))
	}
	if obs.count(EventExecutionPaused) != 1 {
		t.Errorf("paused events = %d, want 1", obs.count(EventExecutionPaused))
	}
	// The lease is released so another node may resume.
	active, _ := leases.IsActive(context.Background(), "t1", result.Snapshot.ExecutionID)
	if active {
		t.Error("lease still held while paused")
	}
}

func TestReviewApproveThenResume(t *testing.T) {
	exec, _, _ := reviewExecutor(t)
	wf := reviewWorkflow()

	paused, err := exec.Execute(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	snap, err := ApplyDecision(paused.Snapshot, ReviewDecision{Kind: DecisionApprove})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	result, err := exec.Resume(context.Background(), wf, snap, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Kind != ResultCompleted || result.ExitStatus != ExitSuccess {
		t.Fatalf("result = %+v, want completed success", result)
	}
	// The draft step survives the pause; the end node appends one more.
	if got := len(result.State.History.Steps); got != 2 {
		t.Errorf("steps = %d, want 2", got)
	}
}

func TestReviewBacktrackThenResume(t *testing.T) {
	agents := NewAgentRegistry()
	writer := NewStubAgent("writer",
		TextResponse("first draft"),
		TextResponse("second draft"),
	)
	agents.Register(writer)
	exec := NewWorkflowExecutor(WithAgents(agents))
	wf := reviewWorkflow()

	paused, err := exec.Execute(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stepID := paused.Snapshot.History.Steps[0].ID

	snap, err := ApplyDecision(paused.Snapshot, ReviewDecision{
		Kind:   DecisionBacktrack,
		StepID: stepID,
		Reason: "start over",
	})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if snap.CurrentNode != "draft" {
		t.Fatalf("snapshot node = %q, want draft", snap.CurrentNode)
	}

	// The redone draft pauses again; approve it through.
	paused2, err := exec.Resume(context.Background(), wf, snap, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if paused2.Kind != ResultPaused {
		t.Fatalf("kind = %v, want paused again", paused2.Kind)
	}
	if writer.Calls() != 2 {
		t.Errorf("agent calls = %d, want 2", writer.Calls())
	}
	snap2, err := ApplyDecision(paused2.Snapshot, ReviewDecision{Kind: DecisionApprove})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	result, err := exec.Resume(context.Background(), wf, snap2, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Kind != ResultCompleted || result.ExitStatus != ExitSuccess {
		t.Fatalf("result = %+v, want completed success", result)
	}
	if got := len(result.State.History.Backtracks); got != 1 {
		t.Errorf("backtracks = %d, want 1", got)
	}
	if result.State.Context[ContextLastOutput] != "second draft" {
		t.Errorf("last output = %v, want the redone draft", result.State.Context[ContextLastOutput])
	}
}

func TestReviewRejectThenResume(t *testing.T) {
	exec, _, _ := reviewExecutor(t)
	wf := reviewWorkflow()

	paused, err := exec.Execute(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	snap, err := ApplyDecision(paused.Snapshot, ReviewDecision{Kind: DecisionReject, Reason: "off brand"})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	result, err := exec.Resume(context.Background(), wf, snap, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Kind != ResultRejected {
		t.Fatalf("kind = %v, want rejected", result.Kind)
	}
	if result.ExitStatus != ExitFailure {
		t.Errorf("exit = %v, want failure", result.ExitStatus)
	}
	if result.Reason != "off brand" {
		t.Errorf("reason = %q, want the reviewer's reason", result.Reason)
	}
}

func TestReviewOptionalSpendsRetryBudget(t *testing.T) {
	agents := NewAgentRegistry()
	agents.Register(NewStubAgent("writer",
		ErrorResponse("flaky"),
		ErrorResponse("flaky again"),
	))

	wf := &Workflow{
		ID:        "flaky",
		TenantID:  "t1",
		StartNode: "work",
		Nodes: map[string]*Node{
			"work": {
				ID:      "work",
				Kind:    KindStandard,
				AgentID: "writer",
				Review:  &ReviewConfig{Mode: ReviewOptional},
				Transitions: []Transition{
					{Kind: TransitionFailure, RetryCount: 1, Target: "fallback"},
				},
			},
			"fallback": endNode("fallback", ExitFailure),
		},
	}

	exec := NewWorkflowExecutor(WithAgents(agents))
	paused, err := exec.Execute(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if paused.Kind != ResultPaused {
		t.Fatalf("kind = %v, want paused on the failure", paused.Kind)
	}
	// The retry re-targeted the same node, so the failure must have spent
	// one unit of the retry budget before the pause.
	if paused.Snapshot.CurrentNode != "work" {
		t.Fatalf("snapshot node = %q, want the retried node", paused.Snapshot.CurrentNode)
	}
	if paused.Snapshot.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1 after the first failure", paused.Snapshot.RetryCount)
	}

	snap, err := ApplyDecision(paused.Snapshot, ReviewDecision{Kind: DecisionApprove})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	second, err := exec.Resume(context.Background(), wf, snap, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if second.Kind != ResultPaused {
		t.Fatalf("second kind = %v, want paused", second.Kind)
	}
	// Budget exhausted: the second failure must route to the fallback
	// instead of re-targeting the node forever.
	if second.Snapshot.CurrentNode != "fallback" {
		t.Fatalf("second snapshot node = %q, want fallback", second.Snapshot.CurrentNode)
	}

	snap, err = ApplyDecision(second.Snapshot, ReviewDecision{Kind: DecisionApprove})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	final, err := exec.Resume(context.Background(), wf, snap, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.Kind != ResultCompleted || final.ExitStatus != ExitFailure {
		t.Fatalf("final = %+v, want completed failure", final)
	}
}

func TestResumeRejectsForeignSnapshot(t *testing.T) {
	exec, _, _ := reviewExecutor(t)
	wf := reviewWorkflow()

	paused, err := exec.Execute(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	other := reviewWorkflow()
	other.ID = "different"

	if _, err := exec.Resume(context.Background(), other, paused.Snapshot, nil); err == nil {
		t.Fatal("expected mismatch error")
	}
}
