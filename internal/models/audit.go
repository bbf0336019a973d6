package models

import (
	"time"
)

// Status enumerates audit lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further pipeline work may happen for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status counts against the one-active-audit-per-company rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Phase enumerates the pipeline stages in their forward order.
// PhaseFinalizing is reachable only through the resume recovery operation.
type Phase string

const (
	PhasePending             Phase = "pending"
	PhaseGeneratingQueries   Phase = "generating_queries"
	PhaseExecutingQueries    Phase = "executing_queries"
	PhaseAnalyzingResponses  Phase = "analyzing_responses"
	PhaseCalculatingScores   Phase = "calculating_scores"
	PhasePopulatingDashboard Phase = "populating_dashboard"
	PhaseFinalizing          Phase = "finalizing"
	PhaseCompleted           Phase = "completed"
)

// Audit is the root record for one audit job.
type Audit struct {
	ID                 string     `json:"id"`
	CompanyID          string     `json:"company_id"`
	Status             Status     `json:"status"`
	CurrentPhase       Phase      `json:"current_phase"`
	PhaseProgress      int        `json:"phase_progress"`
	PhaseStartedAt     *time.Time `json:"phase_started_at,omitempty"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	QueryCountLimit    int        `json:"query_count_limit"`
	ResponseCountLimit int        `json:"response_count_limit"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// GeneratedQuery is one query produced during the generating_queries phase.
type GeneratedQuery struct {
	ID        string    `json:"id"`
	AuditID   string    `json:"audit_id"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderResponse is the raw answer from one provider for one query,
// enriched in analyzing_responses with the nullable analysis columns.
type ProviderResponse struct {
	ID              string     `json:"id"`
	AuditID         string     `json:"audit_id"`
	QueryID         string     `json:"query_id"`
	Provider        string     `json:"provider"`
	ResponseText    string     `json:"response_text"`
	Sentiment       *string    `json:"sentiment,omitempty"`
	BrandMention    *bool      `json:"brand_mention,omitempty"`
	VisibilityScore *float64   `json:"visibility_score,omitempty"`
	AnalyzedAt      *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ScoreBreakdown holds the per-audit score components written in calculating_scores.
type ScoreBreakdown struct {
	AuditID         string    `json:"audit_id"`
	OverallScore    float64   `json:"overall_score"`
	SentimentScore  float64   `json:"sentiment_score"`
	MentionRate     float64   `json:"mention_rate"`
	ProviderScores  []byte    `json:"provider_scores"` // JSON per-provider map
	CreatedAt       time.Time `json:"created_at"`
}

// DashboardAggregate is the downstream row whose existence signals the
// pipeline reached a usable terminal state.
type DashboardAggregate struct {
	AuditID      string    `json:"audit_id"`
	CompanyID    string    `json:"company_id"`
	OverallScore float64   `json:"overall_score"`
	PopulatedAt  time.Time `json:"populated_at"`
}

// TriggerSource identifies who initiated a recovery action.
type TriggerSource string

const (
	TriggerSystem TriggerSource = "system"
	TriggerAdmin  TriggerSource = "admin"
)

// ReprocessLogEntry is one append-only audit-trail row per recovery action.
// Rows are removed only when the parent audit is deleted.
type ReprocessLogEntry struct {
	ID            int64         `json:"id"`
	AuditID       string        `json:"audit_id"`
	AttemptNumber int           `json:"attempt_number"`
	Reason        string        `json:"reason"`
	TriggeredBy   TriggerSource `json:"triggered_by"`
	StatusBefore  Status        `json:"status_before"`
	StatusAfter   Status        `json:"status_after"`
	PhaseBefore   Phase         `json:"phase_before"`
	PhaseAfter    Phase         `json:"phase_after"`
	CreatedAt     time.Time     `json:"created_at"`
}
