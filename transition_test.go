package meander

import (
	"errors"
	"strings"
	"testing"
)

func TestNextNodeSuccessAndFailure(t *testing.T) {
	node := &Node{
		ID:   "work",
		Kind: KindStandard,
		Transitions: []Transition{
			{Kind: TransitionFailure, Target: "fallback", RetryCount: 2},
			{Kind: TransitionSuccess, Target: "next"},
		},
	}

	tests := []struct {
		name       string
		result     NodeResult
		retryCount int
		want       string
	}{
		{"success routes forward", SuccessResult("ok"), 0, "next"},
		{"first failure retries", FailureResult("boom"), 0, "work"},
		{"second failure retries", FailureResult("boom"), 1, "work"},
		{"budget exhausted routes to target", FailureResult("boom"), 2, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &ExecutionState{RetryCount: tt.retryCount}
			got, err := NextNode(node, tt.result, state)
			if err != nil {
				t.Fatalf("NextNode: %v", err)
			}
			if got != tt.want {
				t.Errorf("NextNode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextNodeDeclarationOrder(t *testing.T) {
	// Two success rules: the first declared must win.
	node := &Node{
		ID: "n",
		Transitions: []Transition{
			{Kind: TransitionSuccess, Target: "first"},
			{Kind: TransitionSuccess, Target: "second"},
		},
	}
	got, err := NextNode(node, SuccessResult(""), &ExecutionState{})
	if err != nil {
		t.Fatalf("NextNode: %v", err)
	}
	if got != "first" {
		t.Errorf("NextNode = %q, want first", got)
	}
}

func TestNextNodeScore(t *testing.T) {
	node := &Node{
		ID: "graded",
		Transitions: []Transition{
			{Kind: TransitionScore, Ranges: []ScoreRange{
				{Op: ScoreGTE, Value: 90, Target: "publish"},
				{Op: ScoreRANGE, Min: 60, Max: 89.99, Target: "revise"},
				{Op: ScoreLT, Value: 60, Target: "rewrite"},
			}},
		},
	}

	tests := []struct {
		score float64
		want  string
	}{
		{95, "publish"},
		{90, "publish"},
		{89.99, "revise"},
		{60, "revise"},
		{59.9, "rewrite"},
		{0, "rewrite"},
	}
	for _, tt := range tests {
		state := &ExecutionState{RubricEval: &RubricEvaluation{Score: tt.score}}
		got, err := NextNode(node, SuccessResult(""), state)
		if err != nil {
			t.Fatalf("NextNode(score %v): %v", tt.score, err)
		}
		if got != tt.want {
			t.Errorf("NextNode(score %v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestNextNodeScoreWithoutEvaluation(t *testing.T) {
	node := &Node{
		ID: "graded",
		Transitions: []Transition{
			{Kind: TransitionScore, Ranges: []ScoreRange{{Op: ScoreGTE, Value: 0, Target: "always"}}},
			{Kind: TransitionSuccess, Target: "fallthrough"},
		},
	}
	// No rubric evaluation on the state: score rules are skipped, not matched.
	got, err := NextNode(node, SuccessResult(""), &ExecutionState{})
	if err != nil {
		t.Fatalf("NextNode: %v", err)
	}
	if got != "fallthrough" {
		t.Errorf("NextNode = %q, want fallthrough", got)
	}
}

func TestNextNodeConsensusFailsClosed(t *testing.T) {
	node := &Node{
		ID: "vote",
		Transitions: []Transition{
			{Kind: TransitionConsensus, Consensus: map[string]any{"quorum": 3}},
		},
	}
	_, err := NextNode(node, SuccessResult(""), &ExecutionState{})
	if err == nil {
		t.Fatal("expected consensus error")
	}
	if !strings.Contains(err.Error(), "consensus not implemented") {
		t.Errorf("error = %v, want consensus not implemented", err)
	}
}

func TestNextNodeNoMatch(t *testing.T) {
	node := &Node{ID: "stub"}
	_, err := NextNode(node, SuccessResult(""), &ExecutionState{})
	if !errors.Is(err, ErrNoTransition) {
		t.Errorf("err = %v, want ErrNoTransition", err)
	}
}

func TestScoreTarget(t *testing.T) {
	node := &Node{
		ID: "graded",
		Transitions: []Transition{
			{Kind: TransitionSuccess, Target: "next"},
			{Kind: TransitionScore, Ranges: []ScoreRange{
				{Op: ScoreLT, Value: 80, Target: "redo"},
			}},
		},
	}
	if target, ok := scoreTarget(node, 50); !ok || target != "redo" {
		t.Errorf("scoreTarget(50) = (%q, %v), want (redo, true)", target, ok)
	}
	if _, ok := scoreTarget(node, 95); ok {
		t.Error("scoreTarget(95) ok = true, want false")
	}
}
