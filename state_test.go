package meander

import (
	"testing"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID:        "wf",
		TenantID:  "t1",
		StartNode: "a",
		Nodes: map[string]*Node{
			"a":   standardNode("a", "agent", "end"),
			"end": endNode("end", ExitSuccess),
		},
	}
}

func TestNewExecutionStateCopiesContext(t *testing.T) {
	initial := map[string]any{
		"topic":  "go",
		"nested": map[string]any{"k": "v"},
	}
	state := NewExecutionState(linearWorkflow(), initial)

	if state.ExecutionID == "" {
		t.Fatal("expected a generated execution id")
	}
	if state.CurrentNode != "a" {
		t.Errorf("CurrentNode = %q, want a", state.CurrentNode)
	}
	if state.TenantID != "t1" {
		t.Errorf("TenantID = %q, want t1", state.TenantID)
	}

	// Mutating the caller's map must not leak into the state.
	initial["topic"] = "changed"
	initial["nested"].(map[string]any)["k"] = "changed"
	if state.Context["topic"] != "go" {
		t.Errorf("topic = %v, want go", state.Context["topic"])
	}
	if state.Context["nested"].(map[string]any)["k"] != "v" {
		t.Error("nested map aliased into state")
	}
}

func TestAddStepCopiesContext(t *testing.T) {
	state := NewExecutionState(linearWorkflow(), map[string]any{"x": 1})
	step := state.AddStep("a", SuccessResult("out"))

	state.Context["x"] = 2
	if step.Context["x"] != 1 {
		t.Errorf("step context x = %v, want 1", step.Context["x"])
	}
	if step.ID == "" || step.NodeID != "a" {
		t.Errorf("step = %+v, want id and node a", step)
	}
	if len(state.History.Steps) != 1 {
		t.Fatalf("history steps = %d, want 1", len(state.History.Steps))
	}
}

func TestSnapshotIsolation(t *testing.T) {
	state := NewExecutionState(linearWorkflow(), map[string]any{
		"list": []any{"a", "b"},
	})
	state.AddStep("a", SuccessResult("one"))
	state.RubricEval = &RubricEvaluation{
		RubricID: "r", Score: 70,
		PerCriterion: []CriterionScore{{CriterionID: "c", Score: 70}},
	}

	snap := state.Snapshot()

	state.Context["list"].([]any)[0] = "mutated"
	state.Context["new"] = true
	state.History.Steps[0].Result.Output = "mutated"
	state.RubricEval.PerCriterion[0].Score = 0

	if snap.Context["list"].([]any)[0] != "a" {
		t.Error("snapshot context aliased live state")
	}
	if _, ok := snap.Context["new"]; ok {
		t.Error("snapshot saw a later context write")
	}
	if snap.History.Steps[0].Result.Output != "one" {
		t.Error("snapshot history aliased live state")
	}
	if snap.RubricEval.PerCriterion[0].Score != 70 {
		t.Error("snapshot rubric eval aliased live state")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	state := NewExecutionState(linearWorkflow(), map[string]any{"k": "v"})
	state.CurrentNode = "end"
	state.RetryCount = 2
	state.AddStep("a", FailureResult("boom"))
	state.AddBacktrack("a", "a", "retry", BacktrackRetryExhausted)

	snap := state.Snapshot()
	data, err := JSONCodec{}.Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := JSONCodec{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	restored := decoded.Restore()

	if restored.ExecutionID != state.ExecutionID {
		t.Errorf("ExecutionID = %q, want %q", restored.ExecutionID, state.ExecutionID)
	}
	if restored.CurrentNode != "end" {
		t.Errorf("CurrentNode = %q, want end", restored.CurrentNode)
	}
	if restored.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", restored.RetryCount)
	}
	if restored.Context["k"] != "v" {
		t.Errorf("context k = %v, want v", restored.Context["k"])
	}
	if len(restored.History.Steps) != 1 || restored.History.Steps[0].Result.Reason() != "boom" {
		t.Errorf("history = %+v, want one failed step", restored.History)
	}
	if len(restored.History.Backtracks) != 1 || restored.History.Backtracks[0].Type != BacktrackRetryExhausted {
		t.Errorf("backtracks = %+v, want one RETRY_EXHAUSTED event", restored.History.Backtracks)
	}
	if restored.LoopBreakTarget != "" {
		t.Error("LoopBreakTarget must not survive serialization")
	}
}

func TestHistoryLookups(t *testing.T) {
	state := NewExecutionState(linearWorkflow(), nil)
	s1 := state.AddStep("a", SuccessResult("first"))
	state.AddStep("b", SuccessResult("other"))
	s3 := state.AddStep("a", SuccessResult("second"))

	if idx := state.History.StepByID(s1.ID); idx != 0 {
		t.Errorf("StepByID(first) = %d, want 0", idx)
	}
	if idx := state.History.StepByID("nope"); idx != -1 {
		t.Errorf("StepByID(nope) = %d, want -1", idx)
	}
	last := state.History.LastStepForNode("a")
	if last == nil || last.ID != s3.ID {
		t.Errorf("LastStepForNode(a) = %+v, want latest step", last)
	}
	if state.History.LastStepForNode("c") != nil {
		t.Error("LastStepForNode(c) != nil, want nil")
	}
}

func TestNodeResultHelpers(t *testing.T) {
	if r := SuccessResult("out"); r.Status != StatusSuccess || r.Output != "out" {
		t.Errorf("SuccessResult = %+v", r)
	}
	if r := FailureResult("why"); r.Status != StatusFailure || r.Reason() != "why" {
		t.Errorf("FailureResult = %+v", r)
	}
	if r := PendingResult("next"); r.Metadata["nextNode"] != "next" {
		t.Errorf("PendingResult = %+v", r)
	}
	if r := EndResult(ExitFailure); r.Metadata["exit"] != "FAILURE" {
		t.Errorf("EndResult = %+v", r)
	}
	if SuccessResult("x").Reason() != "" {
		t.Error("success result must have no failure reason")
	}
}
