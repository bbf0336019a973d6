package detector

import (
	"context"
	"fmt"
	"time"

	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/store"
)

// RiskLevel grades how dangerous an automated fix of a stuck audit would be.
type RiskLevel string

const (
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Reprocess count at or above which a stuck audit is graded high risk.
const highRiskReprocessCount = 2

// StuckAudit is one advisory detector finding. The detector never acts on
// it; an operator or policy chooses the recovery operation.
type StuckAudit struct {
	Audit          models.Audit  `json:"audit"`
	ShouldAutoFix  bool          `json:"should_auto_fix"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	ReprocessCount int           `json:"reprocess_count"`
	StalledFor     time.Duration `json:"stalled_for_ns"`
}

// StuckStore is the read surface the stuck detector needs.
type StuckStore interface {
	ListStuckCandidates(ctx context.Context, threshold time.Duration) ([]store.StuckCandidateRow, error)
}

// StuckDetector flags audits whose heartbeat went stale relative to elapsed
// phase time. Read-only.
type StuckDetector struct {
	store     StuckStore
	threshold time.Duration
	now       func() time.Time
}

// NewStuckDetector builds a detector with the given staleness threshold.
func NewStuckDetector(st StuckStore, threshold time.Duration) *StuckDetector {
	return &StuckDetector{store: st, threshold: threshold, now: time.Now}
}

// Detect returns the current stuck candidates, classified. Candidates come
// pre-filtered from the store, then are re-checked against this process's
// clock so a DB/host clock mismatch cannot produce premature flags.
func (d *StuckDetector) Detect(ctx context.Context) ([]StuckAudit, error) {
	rows, err := d.store.ListStuckCandidates(ctx, d.threshold)
	if err != nil {
		return nil, fmt.Errorf("stuck detector: %w", err)
	}
	now := d.now()
	out := make([]StuckAudit, 0, len(rows))
	for _, row := range rows {
		if !Stale(row.Audit.StartedAt, row.Audit.LastHeartbeat, now, d.threshold) {
			continue
		}
		out = append(out, Classify(row, now))
	}
	return out, nil
}

// Stale reports whether an audit has shown no liveness for strictly longer
// than threshold. A heartbeat exactly at the threshold is not yet stale.
func Stale(startedAt, lastHeartbeat *time.Time, now time.Time, threshold time.Duration) bool {
	if startedAt == nil || now.Sub(*startedAt) <= threshold {
		return false
	}
	if lastHeartbeat != nil && now.Sub(*lastHeartbeat) <= threshold {
		return false
	}
	return true
}

// Classify grades one candidate: auto-fixable when the dashboard row already
// exists, high risk when the job was already reprocessed twice or more.
func Classify(row store.StuckCandidateRow, now time.Time) StuckAudit {
	risk := RiskMedium
	if row.ReprocessCount >= highRiskReprocessCount {
		risk = RiskHigh
	}
	var stalled time.Duration
	if row.Audit.LastHeartbeat != nil {
		stalled = now.Sub(*row.Audit.LastHeartbeat)
	} else if row.Audit.StartedAt != nil {
		stalled = now.Sub(*row.Audit.StartedAt)
	}
	return StuckAudit{
		Audit:          row.Audit,
		ShouldAutoFix:  row.HasDashboard,
		RiskLevel:      risk,
		ReprocessCount: row.ReprocessCount,
		StalledFor:     stalled,
	}
}
