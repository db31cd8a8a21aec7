package meander

import (
	"context"
	"fmt"
	"log/slog"
)

// EvalType selects how a criterion is scored.
type EvalType string

const (
	// EvalRuleBased scores 100 when the criterion's EvaluationLogic
	// condition holds against the output and context, 0 otherwise.
	EvalRuleBased EvalType = "RULE_BASED"
	// EvalSelf reads a score the agent embedded in its own output.
	EvalSelf EvalType = "SELF_EVALUATION"
)

// Criterion is one weighted scoring rule in a rubric.
type Criterion struct {
	ID              string   `json:"id"`
	Weight          float64  `json:"weight"`
	MinScore        float64  `json:"minScore,omitempty"`
	EvaluationType  EvalType `json:"evaluationType"`
	EvaluationLogic string   `json:"evaluationLogic,omitempty"`
}

// Rubric is a weighted criterion set with a pass threshold on the
// normalized 0–100 score.
type Rubric struct {
	ID            string      `json:"id"`
	Version       string      `json:"version,omitempty"`
	PassThreshold float64     `json:"passThreshold"`
	Criteria      []Criterion `json:"criteria"`
}

// CriterionScore is one per-criterion line of a rubric evaluation.
type CriterionScore struct {
	CriterionID    string  `json:"criterionId"`
	Score          float64 `json:"score"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// RubricEvaluation is the immutable outcome of scoring one node result.
type RubricEvaluation struct {
	RubricID     string           `json:"rubricId"`
	Score        float64          `json:"score"`
	Passed       bool             `json:"passed"`
	PerCriterion []CriterionScore `json:"perCriterion"`
}

func (e *RubricEvaluation) clone() *RubricEvaluation {
	if e == nil {
		return nil
	}
	out := *e
	out.PerCriterion = make([]CriterionScore, len(e.PerCriterion))
	copy(out.PerCriterion, e.PerCriterion)
	return &out
}

// scoreAliases is the priority list of JSON keys a self-evaluating agent
// may use for its score.
var scoreAliases = []string{"score", "rating", "evaluation_score", "quality_score", "self_score"}

// recommendationAliases is the priority list of JSON keys for improvement
// feedback attached to a low score.
var recommendationAliases = []string{"recommendation", "recommendations", "feedback", "improvement", "suggestion"}

// noOpinionScore is used when a self-evaluation yields no recoverable
// score: silence is not failure.
const noOpinionScore = 100

// RubricEngine scores node results against rubrics. Rubrics embedded in
// the workflow win; everything else resolves through the repository.
type RubricEngine struct {
	repo   RubricRepository
	logger *slog.Logger
}

// RubricEngineOption configures a RubricEngine.
type RubricEngineOption func(*RubricEngine)

// RubricLogger sets a structured logger for evaluation decisions.
func RubricLogger(l *slog.Logger) RubricEngineOption {
	return func(e *RubricEngine) { e.logger = l }
}

// NewRubricEngine creates an engine. repo may be nil when every rubric is
// embedded in its workflow.
func NewRubricEngine(repo RubricRepository, opts ...RubricEngineOption) *RubricEngine {
	e := &RubricEngine{repo: repo, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores result against the rubric named by rubricID. Failed
// self-evaluation criteria append their recommendation, tagged with the
// criterion id, to execContext[ContextRecommendations] so a backtracking
// retry can inject the feedback into its prompt.
func (e *RubricEngine) Evaluate(ctx context.Context, wf *Workflow, rubricID string, result NodeResult, execContext map[string]any) (*RubricEvaluation, error) {
	rubric, err := e.resolve(ctx, wf, rubricID)
	if err != nil {
		return nil, err
	}
	if len(rubric.Criteria) == 0 {
		return nil, &ErrConfig{Kind: "rubric", ID: rubricID, Reason: "no criteria"}
	}

	var weightSum, weighted float64
	perCriterion := make([]CriterionScore, 0, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		if c.Weight <= 0 {
			return nil, &ErrConfig{Kind: "rubric", ID: rubricID, Reason: fmt.Sprintf("criterion %q with non-positive weight", c.ID)}
		}
		cs := e.scoreCriterion(c, result, execContext)
		if cs.Score < c.MinScore && cs.Recommendation != "" {
			appendRecommendation(execContext, fmt.Sprintf("[%s] %s", c.ID, cs.Recommendation))
		}
		weightSum += c.Weight
		weighted += cs.Score * c.Weight
		perCriterion = append(perCriterion, cs)
	}

	score := clampScore(weighted / weightSum)
	eval := &RubricEvaluation{
		RubricID:     rubricID,
		Score:        score,
		Passed:       score >= rubric.PassThreshold,
		PerCriterion: perCriterion,
	}
	e.logger.Debug("rubric evaluated",
		"rubric", rubricID,
		"score", eval.Score,
		"passed", eval.Passed,
		"criteria", len(perCriterion))
	return eval, nil
}

func (e *RubricEngine) resolve(ctx context.Context, wf *Workflow, rubricID string) (*Rubric, error) {
	if wf != nil {
		if r, ok := wf.Rubric(rubricID); ok {
			return r, nil
		}
	}
	if e.repo != nil {
		r, err := e.repo.FindByID(ctx, rubricID)
		if err == nil {
			return r, nil
		}
	}
	return nil, &ErrConfig{Kind: "rubric", ID: rubricID, Reason: "not found"}
}

// scoreCriterion evaluates one criterion on a 0–100 scale.
func (e *RubricEngine) scoreCriterion(c Criterion, result NodeResult, execContext map[string]any) CriterionScore {
	cs := CriterionScore{CriterionID: c.ID}
	switch c.EvaluationType {
	case EvalRuleBased:
		cs.Score = e.ruleScore(c, result, execContext)
	default:
		cs.Score, cs.Recommendation = selfScore(result.Output)
	}
	return cs
}

// ruleScore evaluates the criterion's condition with the node output bound
// to {output}. A malformed or false condition scores 0.
func (e *RubricEngine) ruleScore(c Criterion, result NodeResult, execContext map[string]any) float64 {
	evalCtx := make(map[string]any, len(execContext)+1)
	for k, v := range execContext {
		evalCtx[k] = v
	}
	evalCtx["output"] = result.Output
	ok, err := EvalCondition(c.EvaluationLogic, evalCtx)
	if err != nil {
		e.logger.Warn("rubric rule condition failed", "criterion", c.ID, "error", err)
		return 0
	}
	if ok {
		return 100
	}
	return 0
}

// selfScore extracts a self-reported score (and, if present, a
// recommendation) from the agent's output. No recoverable score means no
// opinion: the criterion scores 100.
func selfScore(output string) (float64, string) {
	obj, ok := ExtractJSON(output)
	if !ok {
		return noOpinionScore, ""
	}
	score, found := ReadNumber(obj, scoreAliases...)
	if !found {
		return noOpinionScore, ""
	}
	rec, _ := ReadString(obj, recommendationAliases...)
	return clampScore(score), rec
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// appendRecommendation adds one tagged entry to the recommendation list in
// the context map, tolerating the []any form the list takes after a
// snapshot round-trip.
func appendRecommendation(execContext map[string]any, entry string) {
	if execContext == nil {
		return
	}
	switch existing := execContext[ContextRecommendations].(type) {
	case []string:
		execContext[ContextRecommendations] = append(existing, entry)
	case []any:
		execContext[ContextRecommendations] = append(existing, entry)
	default:
		execContext[ContextRecommendations] = []string{entry}
	}
}

// Recommendations reads the accumulated self-evaluation feedback entries
// from a context map.
func Recommendations(execContext map[string]any) []string {
	switch v := execContext[ContextRecommendations].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
