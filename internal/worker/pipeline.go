package worker

import (
	"context"

	"audit-orchestrator/internal/models"
)

// The pipeline's business logic lives outside the orchestration core. The
// engine talks to it through these interfaces and only persists what they
// return.

// QueryGenerator produces the query texts for an audit (phase 1).
type QueryGenerator interface {
	GenerateQueries(ctx context.Context, audit models.Audit, count int) ([]string, error)
}

// QueryExecutor runs one query against one provider (phase 2).
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query models.GeneratedQuery, provider string) (string, error)
}

// ResponseAnalyzer enriches one raw response (phase 3).
type ResponseAnalyzer interface {
	AnalyzeResponse(ctx context.Context, resp models.ProviderResponse) (sentiment string, brandMention bool, visibilityScore float64, err error)
}

// ScoreCalculator folds analyzed responses into the score breakdown (phase 4).
type ScoreCalculator interface {
	CalculateScores(ctx context.Context, audit models.Audit, responses []models.ProviderResponse) (models.ScoreBreakdown, error)
}

// DashboardPopulator builds the downstream aggregate row (phase 5). The core
// only records whether the resulting row exists.
type DashboardPopulator interface {
	PopulateDashboard(ctx context.Context, audit models.Audit, scores models.ScoreBreakdown) (models.DashboardAggregate, error)
}

// Pipeline bundles the five phase collaborators.
type Pipeline struct {
	Queries   QueryGenerator
	Executor  QueryExecutor
	Analyzer  ResponseAnalyzer
	Scorer    ScoreCalculator
	Dashboard DashboardPopulator
}

// CancelCheck reports whether the audit was stopped or cancelled. The engine
// polls it at every phase boundary and between individual provider calls;
// cancellation is cooperative, never preemptive.
type CancelCheck func(ctx context.Context, auditID string) (bool, error)
