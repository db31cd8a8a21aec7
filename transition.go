package meander

import (
	"errors"
	"fmt"
)

// ErrNoTransition is returned by NextNode when no rule in the node's list
// matches the result. The driver decides what an unrouted result means.
var ErrNoTransition = errors.New("no transition matched")

// TransitionKind tags the transition rule variants.
type TransitionKind string

const (
	TransitionSuccess   TransitionKind = "SUCCESS"
	TransitionFailure   TransitionKind = "FAILURE"
	TransitionScore     TransitionKind = "SCORE"
	TransitionConsensus TransitionKind = "CONSENSUS"
)

// ScoreOp is a comparison operator in a score transition rule.
type ScoreOp string

const (
	ScoreGT    ScoreOp = "GT"
	ScoreGTE   ScoreOp = "GTE"
	ScoreLT    ScoreOp = "LT"
	ScoreLTE   ScoreOp = "LTE"
	ScoreEQ    ScoreOp = "EQ"
	ScoreRANGE ScoreOp = "RANGE"
)

// ScoreRange maps a rubric score predicate to a target node. For RANGE the
// bounds are inclusive; every other operator compares against Value.
type ScoreRange struct {
	Op     ScoreOp `json:"op"`
	Value  float64 `json:"value,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	Target string  `json:"target"`
}

// matches reports whether score satisfies the predicate.
func (r ScoreRange) matches(score float64) bool {
	switch r.Op {
	case ScoreGT:
		return score > r.Value
	case ScoreGTE:
		return score >= r.Value
	case ScoreLT:
		return score < r.Value
	case ScoreLTE:
		return score <= r.Value
	case ScoreEQ:
		return score == r.Value
	case ScoreRANGE:
		return score >= r.Min && score <= r.Max
	default:
		return false
	}
}

// Transition is a tagged rule attached to a node. Rules are evaluated in
// declaration order; the first match selects the next node.
type Transition struct {
	Kind TransitionKind `json:"kind"`

	// Success and Failure
	Target string `json:"target,omitempty"`
	// Failure: number of retries at the current node before Target applies.
	RetryCount int `json:"retryCount,omitempty"`

	// Score
	Ranges []ScoreRange `json:"ranges,omitempty"`

	// Consensus carries configuration its evaluator does not yet understand.
	Consensus map[string]any `json:"consensus,omitempty"`
}

func (t Transition) validate() error {
	switch t.Kind {
	case TransitionSuccess:
		if t.Target == "" {
			return fmt.Errorf("success rule without target")
		}
	case TransitionFailure:
		if t.Target == "" {
			return fmt.Errorf("failure rule without target")
		}
		if t.RetryCount < 0 {
			return fmt.Errorf("failure rule with negative retry count")
		}
	case TransitionScore:
		if len(t.Ranges) == 0 {
			return fmt.Errorf("score rule without ranges")
		}
		for i, r := range t.Ranges {
			if r.Target == "" {
				return fmt.Errorf("score range %d without target", i)
			}
			switch r.Op {
			case ScoreGT, ScoreGTE, ScoreLT, ScoreLTE, ScoreEQ, ScoreRANGE:
			default:
				return fmt.Errorf("score range %d with unknown operator %q", i, r.Op)
			}
		}
	case TransitionConsensus:
		// Accepted structurally; evaluation fails closed.
	default:
		return fmt.Errorf("unknown transition kind %q", t.Kind)
	}
	return nil
}

// targets returns every node id the rule can select, for validation.
func (t Transition) targets() []string {
	switch t.Kind {
	case TransitionSuccess, TransitionFailure:
		return []string{t.Target}
	case TransitionScore:
		ts := make([]string, 0, len(t.Ranges))
		for _, r := range t.Ranges {
			ts = append(ts, r.Target)
		}
		return ts
	default:
		return nil
	}
}

// NextNode selects the next node id by evaluating node's transition rules
// in declared order against the result and, for score rules, the rubric
// evaluation attached to state. A Failure rule re-targets the current node
// while state.RetryCount is below the rule's budget, then yields the rule's
// target. Consensus rules fail closed: encountering one is an error.
//
// Returns ErrNoTransition when no rule matches. The function is pure; the
// caller maintains RetryCount.
func NextNode(node *Node, result NodeResult, state *ExecutionState) (string, error) {
	for _, t := range node.Transitions {
		switch t.Kind {
		case TransitionSuccess:
			if result.Status == StatusSuccess {
				return t.Target, nil
			}
		case TransitionFailure:
			if result.Status == StatusFailure {
				if state.RetryCount < t.RetryCount {
					return node.ID, nil
				}
				return t.Target, nil
			}
		case TransitionScore:
			if state.RubricEval == nil {
				continue
			}
			if target, ok := matchScore(t.Ranges, state.RubricEval.Score); ok {
				return target, nil
			}
		case TransitionConsensus:
			return "", fmt.Errorf("transition: consensus not implemented (node %s)", node.ID)
		}
	}
	return "", ErrNoTransition
}

// matchScore returns the target of the first range matching score.
func matchScore(ranges []ScoreRange, score float64) (string, bool) {
	for _, r := range ranges {
		if r.matches(score) {
			return r.Target, true
		}
	}
	return "", false
}

// scoreTarget evaluates only the node's score rules against score. The
// driver uses it to find the backtrack target for a failed rubric.
func scoreTarget(node *Node, score float64) (string, bool) {
	for _, t := range node.Transitions {
		if t.Kind != TransitionScore {
			continue
		}
		if target, ok := matchScore(t.Ranges, score); ok {
			return target, ok
		}
	}
	return "", false
}
