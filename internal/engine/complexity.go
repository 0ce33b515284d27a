package engine

import (
	"context"

	"caseflow/internal/analysis"
)

// AnalyzeComplexity scores a case using its fields and related cases.
func (e Engine) AnalyzeComplexity(ctx context.Context, caseID string) (analysis.Result, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return analysis.Result{}, err
	}
	related, err := e.Repo.CountRelatedCases(ctx, c)
	if err != nil {
		return analysis.Result{}, err
	}
	return analysis.Score(c, related, e.now()), nil
}
