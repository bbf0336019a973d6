package detector

import (
	"context"
	"fmt"
	"time"

	"audit-orchestrator/internal/store"
)

// Severity grades a reprocess-velocity finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Reprocess counts within the window at which the grades kick in.
const (
	loopWarningCount  = 3
	loopCriticalCount = 5
)

// LoopReport flags an audit being reprocessed repeatedly inside the rolling
// window. Recovery operations are themselves re-enqueued jobs, so a
// misconfigured automated retry policy produces a real infinite loop; this
// report makes it observable before it becomes a cost incident.
type LoopReport struct {
	AuditID              string        `json:"audit_id"`
	Count                int           `json:"count"`
	Severity             Severity      `json:"severity"`
	IsInfiniteLoop       bool          `json:"is_infinite_loop"`
	AvgReprocessInterval time.Duration `json:"avg_reprocess_interval_ns"`
	FirstAt              time.Time     `json:"first_at"`
	LastAt               time.Time     `json:"last_at"`
}

// LoopStore is the read surface the loop detector needs.
type LoopStore interface {
	ReprocessSince(ctx context.Context, since time.Time) ([]store.ReprocessWindowRow, error)
}

// LoopDetector computes reprocess velocity over a rolling window. Read-only.
type LoopDetector struct {
	store  LoopStore
	window time.Duration
	now    func() time.Time
}

// NewLoopDetector builds a detector over the given rolling window.
func NewLoopDetector(st LoopStore, window time.Duration) *LoopDetector {
	return &LoopDetector{store: st, window: window, now: time.Now}
}

// Detect returns every audit whose reprocess count inside the window reached
// the warning grade or worse.
func (d *LoopDetector) Detect(ctx context.Context) ([]LoopReport, error) {
	since := d.now().Add(-d.window)
	rows, err := d.store.ReprocessSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loop detector: %w", err)
	}
	out := make([]LoopReport, 0, len(rows))
	for _, row := range rows {
		if report, flagged := GradeLoop(row, d.window); flagged {
			out = append(out, report)
		}
	}
	return out, nil
}

// GradeLoop classifies one window grouping. Below three reprocesses nothing
// is flagged; five or more is treated as a probable infinite loop.
func GradeLoop(row store.ReprocessWindowRow, window time.Duration) (LoopReport, bool) {
	if row.Count < loopWarningCount {
		return LoopReport{}, false
	}
	severity := SeverityWarning
	infinite := false
	if row.Count >= loopCriticalCount {
		severity = SeverityCritical
		infinite = true
	}
	return LoopReport{
		AuditID:              row.AuditID,
		Count:                row.Count,
		Severity:             severity,
		IsInfiniteLoop:       infinite,
		AvgReprocessInterval: window / time.Duration(row.Count),
		FirstAt:              row.FirstAt,
		LastAt:               row.LastAt,
	}, true
}
