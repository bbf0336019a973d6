package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/store"
	"audit-orchestrator/internal/telemetry"
)

// ErrPreconditionFailed is returned when a recovery operation's required
// prior state is absent. Nothing is mutated in that case.
var ErrPreconditionFailed = errors.New("recovery precondition failed")

// Store is the persistence surface the recovery operations need.
// *store.Store satisfies it; tests use a fake.
type Store interface {
	GetAudit(ctx context.Context, id string) (models.Audit, error)
	CountProviderResponses(ctx context.Context, auditID string) (int, error)
	HasScoreBreakdown(ctx context.Context, auditID string) (bool, error)
	HasDashboardAggregate(ctx context.Context, auditID string) (bool, error)
	ApplyRecovery(ctx context.Context, id string, status models.Status, phase models.Phase, touchStartedAt bool) error
	MarkTerminated(ctx context.Context, id string, status models.Status, errMsg string) error
	FixStuck(ctx context.Context, id string) error
	ResetAnalysis(ctx context.Context, auditID string) error
	CascadeDelete(ctx context.Context, auditID string) error
	AppendReprocess(ctx context.Context, e models.ReprocessLogEntry) error
}

// Enqueuer is the queue surface the recovery operations need.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, priority string, runAt time.Time) error
	Cancel(ctx context.Context, auditID string) error
}

// Service implements the admin/automated recovery operations. Each operation
// is a precondition check plus one atomic state write, optionally followed by
// a re-enqueue carrying phase-skip flags. The engine branches on the flags
// and re-derives nothing that already exists.
type Service struct {
	store Store
	queue Enqueuer
	log   *slog.Logger

	// deleteGrace is how long Delete waits after requesting cooperative
	// cancellation before cascading deletes.
	deleteGrace time.Duration
	providers   []string
}

// New constructs the service. providers is the provider set stamped into
// re-enqueued payloads.
func New(st Store, q Enqueuer, log *slog.Logger, deleteGrace time.Duration, providers []string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, queue: q, log: log, deleteGrace: deleteGrace, providers: providers}
}

// Retry re-enters a job with no skip flags: the engine re-checks what already
// exists and skips accordingly, so retrying a half-done job duplicates nothing.
func (s *Service) Retry(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error) {
	return s.reenter(ctx, models.OpRetry, auditID, trigger, reason, nil)
}

// SkipExecution re-enters a job past phase 2. Requires at least one provider
// response, otherwise there is nothing for the later phases to work on.
func (s *Service) SkipExecution(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error) {
	return s.reenter(ctx, models.OpSkipExecution, auditID, trigger, reason, s.requireResponses)
}

// ForceReanalyze wipes the analysis columns on every collected response and
// re-enters the job so analysis runs again from the raw responses.
func (s *Service) ForceReanalyze(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error) {
	return s.reenter(ctx, models.OpForceReanalyze, auditID, trigger, reason, s.requireResponses)
}

// Resume re-enters a job at finalizing, for jobs that crashed after the score
// breakdown was written but before the dashboard row appeared.
func (s *Service) Resume(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error) {
	return s.reenter(ctx, models.OpResume, auditID, trigger, reason, func(ctx context.Context, auditID string) error {
		ok, err := s.store.HasScoreBreakdown(ctx, auditID)
		if err != nil {
			return fmt.Errorf("check score breakdown: %w", err)
		}
		if !ok {
			return fmt.Errorf("resume requires a score breakdown: %w", ErrPreconditionFailed)
		}
		return nil
	})
}

func (s *Service) requireResponses(ctx context.Context, auditID string) error {
	n, err := s.store.CountProviderResponses(ctx, auditID)
	if err != nil {
		return fmt.Errorf("count responses: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no provider responses collected yet: %w", ErrPreconditionFailed)
	}
	return nil
}

// reenter drives the shared shape of every re-enqueueing operation: load,
// precondition, transition write, reprocess log, enqueue with flags.
func (s *Service) reenter(ctx context.Context, op models.RecoveryOp, auditID string, trigger models.TriggerSource, reason string, precondition func(context.Context, string) error) (models.Audit, error) {
	a, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return models.Audit{}, err
	}
	if precondition != nil {
		if err := precondition(ctx, auditID); err != nil {
			telemetry.RecoveryRejected.Inc()
			return models.Audit{}, err
		}
	}

	newStatus, newPhase, err := models.RecoveryTransition(op, a.Status, a.CurrentPhase)
	if err != nil {
		return models.Audit{}, err
	}

	if op == models.OpForceReanalyze {
		if err := s.store.ResetAnalysis(ctx, auditID); err != nil {
			return models.Audit{}, fmt.Errorf("reset analysis: %w", err)
		}
	}

	if err := s.store.ApplyRecovery(ctx, auditID, newStatus, newPhase, op == models.OpRetry); err != nil {
		return models.Audit{}, fmt.Errorf("apply %s: %w", op, err)
	}

	if err := s.appendLog(ctx, op, a, newStatus, newPhase, trigger, reason); err != nil {
		return models.Audit{}, err
	}

	if op.Enqueues() {
		skipExec, forceReanalyze, skipAnalysis := op.QueueFlags()
		payload := models.JobPayload{
			AuditID:        a.ID,
			CompanyID:      a.CompanyID,
			QueryCount:     a.QueryCountLimit,
			Providers:      s.providers,
			SkipExecution:  skipExec,
			ForceReanalyze: forceReanalyze,
			SkipAnalysis:   skipAnalysis,
			Source:         string(op),
		}
		if err := s.queue.Enqueue(ctx, payload, queue.PriorityHigh, time.Now()); err != nil {
			return models.Audit{}, fmt.Errorf("enqueue %s: %w", op, err)
		}
		telemetry.AuditsEnqueued.Inc()
	}

	telemetry.RecoveryOps.WithLabelValues(string(op)).Inc()
	s.log.Info("recovery applied",
		"op", op, "audit_id", a.ID, "trigger", trigger,
		"status", newStatus, "phase", newPhase)

	a.Status = newStatus
	a.CurrentPhase = newPhase
	a.ErrorMessage = nil
	a.CompletedAt = nil
	return a, nil
}

func (s *Service) appendLog(ctx context.Context, op models.RecoveryOp, before models.Audit, statusAfter models.Status, phaseAfter models.Phase, trigger models.TriggerSource, reason string) error {
	if !op.Logged() {
		return nil
	}
	if reason == "" {
		reason = string(op)
	}
	err := s.store.AppendReprocess(ctx, models.ReprocessLogEntry{
		AuditID:      before.ID,
		Reason:       reason,
		TriggeredBy:  trigger,
		StatusBefore: before.Status,
		StatusAfter:  statusAfter,
		PhaseBefore:  before.CurrentPhase,
		PhaseAfter:   phaseAfter,
	})
	if err != nil {
		return fmt.Errorf("append reprocess log: %w", err)
	}
	return nil
}

// Stop halts a job without deleting anything. The executing engine notices
// the terminal status at its next phase boundary; nothing is re-enqueued.
func (s *Service) Stop(ctx context.Context, auditID string) (models.Audit, error) {
	a, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return models.Audit{}, err
	}
	if err := s.store.MarkTerminated(ctx, auditID, models.StatusStopped, "Stopped by admin"); err != nil {
		return models.Audit{}, fmt.Errorf("stop audit: %w", err)
	}
	if err := s.queue.Cancel(ctx, auditID); err != nil {
		s.log.Warn("queue cancel failed after stop", "audit_id", auditID, "err", err)
	}
	telemetry.RecoveryOps.WithLabelValues(string(models.OpStop)).Inc()
	s.log.Info("audit stopped", "audit_id", auditID)
	a.Status = models.StatusStopped
	return a, nil
}

// Delete requests cooperative cancellation, waits the grace period so an
// in-flight engine can observe the terminal status, then removes the audit
// and every dependent row in foreign-key order. The grace period shrinks the
// window for deleting rows the engine is still writing; it cannot close it.
func (s *Service) Delete(ctx context.Context, auditID string) error {
	if _, err := s.store.GetAudit(ctx, auditID); err != nil {
		return err
	}
	if err := s.store.MarkTerminated(ctx, auditID, models.StatusCancelled, "Deleted by admin"); err != nil {
		return fmt.Errorf("cancel before delete: %w", err)
	}
	if err := s.queue.Cancel(ctx, auditID); err != nil {
		s.log.Warn("queue cancel failed before delete", "audit_id", auditID, "err", err)
	}

	if s.deleteGrace > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.deleteGrace):
		}
	}

	if err := s.store.CascadeDelete(ctx, auditID); err != nil {
		return fmt.Errorf("cascade delete: %w", err)
	}
	telemetry.RecoveryOps.WithLabelValues(string(models.OpDelete)).Inc()
	s.log.Info("audit deleted", "audit_id", auditID)
	return nil
}

// FixStuck force-completes a job whose dashboard row already exists but whose
// status never flipped, the classic symptom of an engine dying between the
// last write and the final status update.
func (s *Service) FixStuck(ctx context.Context, auditID string, trigger models.TriggerSource) (models.Audit, error) {
	a, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return models.Audit{}, err
	}
	if !a.Status.Active() {
		telemetry.RecoveryRejected.Inc()
		return models.Audit{}, fmt.Errorf("fix-stuck requires status pending or processing, have %s: %w", a.Status, ErrPreconditionFailed)
	}
	ok, err := s.store.HasDashboardAggregate(ctx, auditID)
	if err != nil {
		return models.Audit{}, fmt.Errorf("check dashboard aggregate: %w", err)
	}
	if !ok {
		telemetry.RecoveryRejected.Inc()
		return models.Audit{}, fmt.Errorf("fix-stuck requires a dashboard aggregate: %w", ErrPreconditionFailed)
	}

	if err := s.store.FixStuck(ctx, auditID); err != nil {
		return models.Audit{}, fmt.Errorf("fix stuck: %w", err)
	}
	if err := s.appendLog(ctx, models.OpFixStuck, a, models.StatusCompleted, models.PhaseCompleted, trigger, "fix-stuck"); err != nil {
		return models.Audit{}, err
	}
	telemetry.RecoveryOps.WithLabelValues(string(models.OpFixStuck)).Inc()
	s.log.Info("stuck audit force-completed", "audit_id", auditID, "trigger", trigger)

	a.Status = models.StatusCompleted
	a.CurrentPhase = models.PhaseCompleted
	return a, nil
}

// IsNotFound reports whether err means the audit does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
