package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"audit-orchestrator/internal/models"
)

// SimulatedPipeline is a deterministic stand-in for the external business
// logic, used in local runs and tests. Delay stretches provider calls so
// heartbeat and cancellation behavior can be observed.
type SimulatedPipeline struct {
	Delay time.Duration
}

// Pipeline returns the simulated implementation wired into all five slots.
func (s *SimulatedPipeline) Pipeline() Pipeline {
	return Pipeline{Queries: s, Executor: s, Analyzer: s, Scorer: s, Dashboard: s}
}

func (s *SimulatedPipeline) GenerateQueries(_ context.Context, a models.Audit, count int) ([]string, error) {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, fmt.Sprintf("what do people say about company %s? (angle %d)", a.CompanyID, i+1))
	}
	return out, nil
}

func (s *SimulatedPipeline) ExecuteQuery(ctx context.Context, q models.GeneratedQuery, provider string) (string, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	return fmt.Sprintf("[%s] simulated answer to %q", provider, q.Text), nil
}

func (s *SimulatedPipeline) AnalyzeResponse(_ context.Context, r models.ProviderResponse) (string, bool, float64, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.ID))
	score := float64(h.Sum32()%101) / 100
	sentiment := "neutral"
	if score > 0.66 {
		sentiment = "positive"
	} else if score < 0.33 {
		sentiment = "negative"
	}
	mention := strings.Contains(r.ResponseText, "answer")
	return sentiment, mention, score, nil
}

func (s *SimulatedPipeline) CalculateScores(_ context.Context, a models.Audit, responses []models.ProviderResponse) (models.ScoreBreakdown, error) {
	var sum float64
	mentions := 0
	perProvider := map[string]float64{}
	counted := 0
	for _, r := range responses {
		if r.VisibilityScore == nil {
			continue
		}
		sum += *r.VisibilityScore
		perProvider[r.Provider] += *r.VisibilityScore
		if r.BrandMention != nil && *r.BrandMention {
			mentions++
		}
		counted++
	}
	sb := models.ScoreBreakdown{AuditID: a.ID}
	if counted > 0 {
		sb.OverallScore = sum / float64(counted) * 100
		sb.SentimentScore = sb.OverallScore
		sb.MentionRate = float64(mentions) / float64(counted)
	}
	raw, err := json.Marshal(perProvider)
	if err != nil {
		return models.ScoreBreakdown{}, err
	}
	sb.ProviderScores = raw
	return sb, nil
}

func (s *SimulatedPipeline) PopulateDashboard(_ context.Context, a models.Audit, sb models.ScoreBreakdown) (models.DashboardAggregate, error) {
	return models.DashboardAggregate{
		AuditID:      a.ID,
		CompanyID:    a.CompanyID,
		OverallScore: sb.OverallScore,
	}, nil
}
