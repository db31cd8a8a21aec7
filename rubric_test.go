package meander

import (
	"context"
	"errors"
	"testing"
)

func TestEvaluateWeightedScore(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Rubrics: map[string]*Rubric{
			"quality": {
				ID:            "quality",
				PassThreshold: 70,
				Criteria: []Criterion{
					{ID: "has-title", Weight: 1, EvaluationType: EvalRuleBased, EvaluationLogic: "{output} contains Title"},
					{ID: "long-enough", Weight: 3, EvaluationType: EvalRuleBased, EvaluationLogic: "{length} >= 100"},
				},
			},
		},
	}
	engine := NewRubricEngine(nil)

	// Title criterion passes (weight 1), length fails (weight 3): 25/100.
	eval, err := engine.Evaluate(context.Background(), wf, "quality",
		SuccessResult("Title: draft"), map[string]any{"length": 40})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Score != 25 {
		t.Errorf("score = %v, want 25", eval.Score)
	}
	if eval.Passed {
		t.Error("passed = true, want false")
	}
	if len(eval.PerCriterion) != 2 {
		t.Fatalf("per-criterion = %d entries, want 2", len(eval.PerCriterion))
	}

	// Both pass: 100.
	eval, err = engine.Evaluate(context.Background(), wf, "quality",
		SuccessResult("Title: draft"), map[string]any{"length": 200})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Score != 100 || !eval.Passed {
		t.Errorf("eval = %+v, want score 100 passed", eval)
	}
}

func TestEvaluateSelfScore(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Rubrics: map[string]*Rubric{
			"self": {
				ID:            "self",
				PassThreshold: 80,
				Criteria: []Criterion{
					{ID: "depth", Weight: 1, MinScore: 80, EvaluationType: EvalSelf},
				},
			},
		},
	}
	engine := NewRubricEngine(nil)
	execContext := map[string]any{}

	output := `{"score": 55, "recommendation": "cover the edge cases"}`
	eval, err := engine.Evaluate(context.Background(), wf, "self", SuccessResult(output), execContext)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Score != 55 || eval.Passed {
		t.Errorf("eval = %+v, want score 55 failed", eval)
	}

	recs := Recommendations(execContext)
	if len(recs) != 1 || recs[0] != "[depth] cover the edge cases" {
		t.Errorf("recommendations = %v, want tagged entry", recs)
	}
}

func TestEvaluateSelfScoreAliases(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Rubrics: map[string]*Rubric{
			"self": {
				ID:            "self",
				PassThreshold: 50,
				Criteria:      []Criterion{{ID: "c", Weight: 1, EvaluationType: EvalSelf}},
			},
		},
	}
	engine := NewRubricEngine(nil)

	tests := []struct {
		output string
		want   float64
	}{
		{`{"score": 90}`, 90},
		{`{"rating": 75}`, 75},
		{`{"quality_score": "60"}`, 60},
		{`{"self_score": 120}`, 100}, // clamped
		{`{"score": -5}`, 0},         // clamped
		// No opinion: silence is not failure.
		{"plain prose without a score", 100},
		{`{"unrelated": true}`, 100},
	}
	for _, tt := range tests {
		eval, err := engine.Evaluate(context.Background(), wf, "self", SuccessResult(tt.output), map[string]any{})
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tt.output, err)
		}
		if eval.Score != tt.want {
			t.Errorf("Evaluate(%q) score = %v, want %v", tt.output, eval.Score, tt.want)
		}
	}
}

func TestEvaluateRepositoryFallback(t *testing.T) {
	repo := &memRubrics{rubrics: map[string]*Rubric{
		"shared": {
			ID:            "shared",
			PassThreshold: 50,
			Criteria:      []Criterion{{ID: "c", Weight: 1, EvaluationType: EvalSelf}},
		},
	}}
	engine := NewRubricEngine(repo)

	eval, err := engine.Evaluate(context.Background(), &Workflow{ID: "wf"}, "shared",
		SuccessResult(`{"score": 60}`), map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Score != 60 || !eval.Passed {
		t.Errorf("eval = %+v, want score 60 passed", eval)
	}
}

func TestEvaluateConfigErrors(t *testing.T) {
	engine := NewRubricEngine(nil)
	wf := &Workflow{
		ID: "wf",
		Rubrics: map[string]*Rubric{
			"empty": {ID: "empty", PassThreshold: 50},
			"bad-weight": {
				ID:            "bad-weight",
				PassThreshold: 50,
				Criteria:      []Criterion{{ID: "c", Weight: 0, EvaluationType: EvalSelf}},
			},
		},
	}

	for _, id := range []string{"missing", "empty", "bad-weight"} {
		_, err := engine.Evaluate(context.Background(), wf, id, SuccessResult(""), nil)
		if err == nil {
			t.Errorf("Evaluate(%s): expected error", id)
			continue
		}
		var cerr *ErrConfig
		if !errors.As(err, &cerr) {
			t.Errorf("Evaluate(%s): error type = %T, want *ErrConfig", id, err)
		}
	}
}

func TestRecommendationsTolerateSnapshotForm(t *testing.T) {
	// After a snapshot round-trip the list arrives as []any.
	execContext := map[string]any{
		ContextRecommendations: []any{"[a] first", 42, "[b] second"},
	}
	recs := Recommendations(execContext)
	if len(recs) != 2 || recs[0] != "[a] first" || recs[1] != "[b] second" {
		t.Errorf("recommendations = %v, want the two string entries", recs)
	}
	if Recommendations(map[string]any{}) != nil {
		t.Error("empty context must yield nil recommendations")
	}
}

// memRubrics is a minimal in-memory RubricRepository.
type memRubrics struct {
	rubrics map[string]*Rubric
}

var _ RubricRepository = (*memRubrics)(nil)

func (m *memRubrics) Save(ctx context.Context, r *Rubric) error {
	m.rubrics[r.ID] = r
	return nil
}

func (m *memRubrics) FindByID(ctx context.Context, id string) (*Rubric, error) {
	r, ok := m.rubrics[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *memRubrics) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := m.rubrics[id]
	return ok, nil
}
