package detector

import (
	"context"
	"log/slog"
	"time"

	"audit-orchestrator/internal/telemetry"
)

// Scheduler periodically runs both detectors and exports the results as
// gauges. It never mutates state; a failed sweep just means a stale
// dashboard until the next tick.
type Scheduler struct {
	stuck    *StuckDetector
	loops    *LoopDetector
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler wires the two detectors onto one ticker loop.
func NewScheduler(stuck *StuckDetector, loops *LoopDetector, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{stuck: stuck, loops: loops, interval: interval, log: log}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if stuck, err := s.stuck.Detect(ctx); err != nil {
		s.log.Error("stuck sweep failed", "err", err)
	} else {
		telemetry.StuckFlagged.Set(float64(len(stuck)))
		for _, c := range stuck {
			s.log.Warn("stuck audit",
				"audit_id", c.Audit.ID, "company_id", c.Audit.CompanyID,
				"risk", c.RiskLevel, "auto_fixable", c.ShouldAutoFix,
				"stalled_for", c.StalledFor)
		}
	}

	if loops, err := s.loops.Detect(ctx); err != nil {
		s.log.Error("loop sweep failed", "err", err)
	} else {
		telemetry.LoopsFlagged.Set(float64(len(loops)))
		for _, l := range loops {
			s.log.Warn("reprocess loop",
				"audit_id", l.AuditID, "count", l.Count,
				"severity", l.Severity, "infinite", l.IsInfiniteLoop,
				"avg_interval", l.AvgReprocessInterval)
		}
	}
}
