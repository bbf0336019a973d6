package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/store"
	"audit-orchestrator/internal/telemetry"
)

// errCancelled aborts phase execution when the cancellation predicate trips.
// The engine must stop without further writes.
var errCancelled = errors.New("audit cancelled")

// Store is the persistence surface the engine needs. *store.Store satisfies
// it; tests use a fake.
type Store interface {
	GetAudit(ctx context.Context, id string) (models.Audit, error)
	MarkProcessing(ctx context.Context, id string) error
	EnterPhase(ctx context.Context, id string, phase models.Phase) error
	Heartbeat(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkCompleted(ctx context.Context, id string) error

	CountGeneratedQueries(ctx context.Context, auditID string) (int, error)
	InsertGeneratedQuery(ctx context.Context, q models.GeneratedQuery) error
	ListGeneratedQueries(ctx context.Context, auditID string) ([]models.GeneratedQuery, error)

	CountProviderResponses(ctx context.Context, auditID string) (int, error)
	InsertProviderResponse(ctx context.Context, r models.ProviderResponse) error
	ListProviderResponses(ctx context.Context, auditID string) ([]models.ProviderResponse, error)
	UpdateResponseAnalysis(ctx context.Context, responseID, sentiment string, brandMention bool, visibilityScore float64) error

	HasScoreBreakdown(ctx context.Context, auditID string) (bool, error)
	GetScoreBreakdown(ctx context.Context, auditID string) (models.ScoreBreakdown, error)
	UpsertScoreBreakdown(ctx context.Context, sb models.ScoreBreakdown) error

	HasDashboardAggregate(ctx context.Context, auditID string) (bool, error)
	UpsertDashboardAggregate(ctx context.Context, da models.DashboardAggregate) error
}

// Queue is the consumer side of the work queue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (models.JobPayload, bool, error)
	Ack(ctx context.Context, auditID string) error
	ExtendLease(ctx context.Context, auditID string, extension time.Duration) error
	Schedule(ctx context.Context, payload models.JobPayload, priority string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Engine consumes the work queue and drives audits through the pipeline
// phases. Whether a phase runs is decided by whether its output already
// exists, never by a lock, so redelivery of an already-done job is a no-op.
type Engine struct {
	cfg       config.Config
	queue     Queue
	store     Store
	pipeline  Pipeline
	cancelled CancelCheck
	workerID  string
	log       *slog.Logger
}

// NewEngine builds an engine. When cancelled is nil the predicate reads the
// audit status from the store.
func NewEngine(cfg config.Config, q Queue, st Store, p Pipeline, cancelled CancelCheck, workerID string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{cfg: cfg, queue: q, store: st, pipeline: p, cancelled: cancelled, workerID: workerID, log: log}
	if e.cancelled == nil {
		e.cancelled = func(ctx context.Context, auditID string) (bool, error) {
			a, err := st.GetAudit(ctx, auditID)
			if err != nil {
				return false, err
			}
			return a.Status == models.StatusStopped || a.Status == models.StatusCancelled, nil
		}
	}
	return e
}

// Run starts the consume loop until context cancellation.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = e.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := e.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			e.log.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := e.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		payload, ok, err := e.queue.DequeueWithLease(ctx)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		e.Process(ctx, payload)
		telemetry.InFlightGauge.Dec()
	}
}

// Process runs one dequeued job to a terminal outcome and acks it.
func (e *Engine) Process(ctx context.Context, p models.JobPayload) {
	a, err := e.store.GetAudit(ctx, p.AuditID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while queued; nothing to do.
			_ = e.queue.Ack(ctx, p.AuditID)
			return
		}
		e.retryLater(ctx, p, err)
		return
	}
	if a.Status.Terminal() {
		_ = e.queue.Ack(ctx, a.ID)
		return
	}

	if err := e.store.MarkProcessing(ctx, a.ID); err != nil {
		e.retryLater(ctx, p, err)
		return
	}

	stop := e.startKeepalive(ctx, a.ID)
	defer stop()

	err = e.runPhases(ctx, a, p)
	switch {
	case errors.Is(err, errCancelled):
		e.log.Info("audit cancelled mid-pipeline", "audit_id", a.ID, "worker", e.workerID)
	case err != nil:
		if markErr := e.store.MarkFailed(ctx, a.ID, err.Error()); markErr != nil {
			e.log.Error("mark failed", "audit_id", a.ID, "err", markErr)
			return // keep the lease; redelivery will retry the whole job
		}
		telemetry.AuditsFailed.Inc()
		e.log.Error("audit failed", "audit_id", a.ID, "source", p.Source, "err", err)
	default:
		if err := e.store.MarkCompleted(ctx, a.ID); err != nil {
			e.log.Error("mark completed", "audit_id", a.ID, "err", err)
			return
		}
		telemetry.AuditsCompleted.Inc()
		e.log.Info("audit completed", "audit_id", a.ID, "source", p.Source, "worker", e.workerID)
	}
	_ = e.queue.Ack(ctx, a.ID)
}

// retryLater releases the current delivery and schedules a delayed one with
// backoff. Used for transient store errors, where the audit row cannot even
// be marked failed; when attempts run out the delivery is dropped and the
// stuck detector surfaces the audit.
func (e *Engine) retryLater(ctx context.Context, p models.JobPayload, cause error) {
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if p.Attempt+1 >= maxAttempts {
		e.log.Error("giving up after transient errors", "audit_id", p.AuditID, "attempts", p.Attempt+1, "err", cause)
		_ = e.queue.Ack(ctx, p.AuditID)
		return
	}
	delay := e.backoffDelay(p.Attempt)
	p.Attempt++
	// Ack before Schedule: Ack drops the payload hash, which would wipe the
	// payload Schedule is about to write.
	_ = e.queue.Ack(ctx, p.AuditID)
	if err := e.queue.Schedule(ctx, p, queue.PriorityDefault, time.Now().Add(delay)); err != nil {
		e.log.Error("schedule retry", "audit_id", p.AuditID, "err", err)
		return
	}
	e.log.Warn("transient store error, retry scheduled",
		"audit_id", p.AuditID, "attempt", p.Attempt, "delay", delay, "err", cause)
}

// backoffDelay doubles the initial delay per prior attempt, capped at the
// configured max, with full jitter over the upper half.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	d := e.cfg.BackoffInitial
	if d <= 0 {
		d = 2 * time.Second
	}
	max := e.cfg.BackoffMax
	if max <= 0 {
		max = 5 * time.Minute
	}
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

// startKeepalive heartbeats the audit row and extends the queue lease at a
// bounded interval until the returned stop func runs.
func (e *Engine) startKeepalive(ctx context.Context, auditID string) func() {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = e.store.Heartbeat(ctx, auditID)
				_ = e.queue.ExtendLease(ctx, auditID, e.cfg.VisibilityTimeout)
			}
		}
	}()
	return func() { close(done) }
}

func (e *Engine) checkCancelled(ctx context.Context, auditID string) error {
	cancelled, err := e.cancelled(ctx, auditID)
	if err != nil {
		return fmt.Errorf("cancellation check: %w", err)
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// runPhases walks the forward pipeline. Phases whose output already exists
// are skipped; payload flags widen the skipping for recovery re-entries.
func (e *Engine) runPhases(ctx context.Context, a models.Audit, p models.JobPayload) error {
	skipEarly := p.SkipExecution || p.SkipAnalysis

	if !skipEarly {
		n, err := e.store.CountGeneratedQueries(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("count queries: %w", err)
		}
		if n == 0 {
			if err := e.generateQueries(ctx, a); err != nil {
				return err
			}
		}
		if err := e.checkCancelled(ctx, a.ID); err != nil {
			return err
		}

		n, err = e.store.CountProviderResponses(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("count responses: %w", err)
		}
		if n == 0 {
			if err := e.executeQueries(ctx, a, p.Providers); err != nil {
				return err
			}
		}
		if err := e.checkCancelled(ctx, a.ID); err != nil {
			return err
		}
	}

	analyzedThisRun := false
	if !p.SkipAnalysis {
		n, err := e.analyzeResponses(ctx, a)
		if err != nil {
			return err
		}
		analyzedThisRun = n > 0
		if err := e.checkCancelled(ctx, a.ID); err != nil {
			return err
		}
	}

	hasScores, err := e.store.HasScoreBreakdown(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("check scores: %w", err)
	}
	if !hasScores || analyzedThisRun {
		if err := e.calculateScores(ctx, a); err != nil {
			return err
		}
	}
	if err := e.checkCancelled(ctx, a.ID); err != nil {
		return err
	}

	hasDashboard, err := e.store.HasDashboardAggregate(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("check dashboard: %w", err)
	}
	if !hasDashboard || analyzedThisRun {
		if err := e.populateDashboard(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func observePhase(phase models.Phase) func() {
	start := time.Now()
	return func() {
		telemetry.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) generateQueries(ctx context.Context, a models.Audit) error {
	if err := e.store.EnterPhase(ctx, a.ID, models.PhaseGeneratingQueries); err != nil {
		return err
	}
	defer observePhase(models.PhaseGeneratingQueries)()

	texts, err := e.pipeline.Queries.GenerateQueries(ctx, a, a.QueryCountLimit)
	if err != nil {
		return fmt.Errorf("generate queries: %w", err)
	}
	if len(texts) > a.QueryCountLimit {
		texts = texts[:a.QueryCountLimit]
	}
	for i, text := range texts {
		if err := e.store.InsertGeneratedQuery(ctx, models.GeneratedQuery{
			ID:      uuid.New().String(),
			AuditID: a.ID,
			Text:    text,
		}); err != nil {
			return fmt.Errorf("insert query: %w", err)
		}
		_ = e.store.SetProgress(ctx, a.ID, (i+1)*100/len(texts))
	}
	return nil
}

func (e *Engine) executeQueries(ctx context.Context, a models.Audit, providers []string) error {
	if err := e.store.EnterPhase(ctx, a.ID, models.PhaseExecutingQueries); err != nil {
		return err
	}
	defer observePhase(models.PhaseExecutingQueries)()

	queries, err := e.store.ListGeneratedQueries(ctx, a.ID)
	if err != nil {
		return err
	}
	total := len(queries) * len(providers)
	if a.ResponseCountLimit > 0 && total > a.ResponseCountLimit {
		total = a.ResponseCountLimit
	}
	collected := 0
	for _, q := range queries {
		for _, provider := range providers {
			if collected >= total {
				return nil
			}
			// Provider calls are the slow part; honor a stop between
			// each one, not just between phases.
			if err := e.checkCancelled(ctx, a.ID); err != nil {
				return err
			}
			text, err := e.pipeline.Executor.ExecuteQuery(ctx, q, provider)
			if err != nil {
				return fmt.Errorf("execute query %s against %s: %w", q.ID, provider, err)
			}
			if err := e.store.InsertProviderResponse(ctx, models.ProviderResponse{
				ID:           uuid.New().String(),
				AuditID:      a.ID,
				QueryID:      q.ID,
				Provider:     provider,
				ResponseText: text,
			}); err != nil {
				return fmt.Errorf("insert response: %w", err)
			}
			collected++
			_ = e.store.SetProgress(ctx, a.ID, collected*100/total)
		}
	}
	return nil
}

// analyzeResponses enriches every response whose analysis columns are still
// null and returns how many it touched. After a force-reanalyze the columns
// were nulled on enqueue, so the same existence check re-runs everything.
func (e *Engine) analyzeResponses(ctx context.Context, a models.Audit) (int, error) {
	responses, err := e.store.ListProviderResponses(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	pending := responses[:0:0]
	for _, r := range responses {
		if r.AnalyzedAt == nil {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := e.store.EnterPhase(ctx, a.ID, models.PhaseAnalyzingResponses); err != nil {
		return 0, err
	}
	defer observePhase(models.PhaseAnalyzingResponses)()

	for i, r := range pending {
		sentiment, mention, score, err := e.pipeline.Analyzer.AnalyzeResponse(ctx, r)
		if err != nil {
			return 0, fmt.Errorf("analyze response %s: %w", r.ID, err)
		}
		if err := e.store.UpdateResponseAnalysis(ctx, r.ID, sentiment, mention, score); err != nil {
			return 0, fmt.Errorf("write analysis: %w", err)
		}
		_ = e.store.SetProgress(ctx, a.ID, (i+1)*100/len(pending))
	}
	return len(pending), nil
}

func (e *Engine) calculateScores(ctx context.Context, a models.Audit) error {
	if err := e.store.EnterPhase(ctx, a.ID, models.PhaseCalculatingScores); err != nil {
		return err
	}
	defer observePhase(models.PhaseCalculatingScores)()

	responses, err := e.store.ListProviderResponses(ctx, a.ID)
	if err != nil {
		return err
	}
	sb, err := e.pipeline.Scorer.CalculateScores(ctx, a, responses)
	if err != nil {
		return fmt.Errorf("calculate scores: %w", err)
	}
	sb.AuditID = a.ID
	if err := e.store.UpsertScoreBreakdown(ctx, sb); err != nil {
		return fmt.Errorf("write score breakdown: %w", err)
	}
	return nil
}

// populateDashboard makes the synchronous downstream aggregation call with
// bounded retries, then records the aggregate row. That row's existence is
// the canonical completion signal, so it is written before status flips.
func (e *Engine) populateDashboard(ctx context.Context, a models.Audit) error {
	if err := e.store.EnterPhase(ctx, a.ID, models.PhasePopulatingDashboard); err != nil {
		return err
	}
	defer observePhase(models.PhasePopulatingDashboard)()

	sb, err := e.store.GetScoreBreakdown(ctx, a.ID)
	if err != nil {
		return err
	}

	var da models.DashboardAggregate
	call := func() error {
		var callErr error
		da, callErr = e.pipeline.Dashboard.PopulateDashboard(ctx, a, sb)
		return callErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(call, bo); err != nil {
		return fmt.Errorf("populate dashboard: %w", err)
	}

	da.AuditID = a.ID
	da.CompanyID = a.CompanyID
	if err := e.store.UpsertDashboardAggregate(ctx, da); err != nil {
		return fmt.Errorf("write dashboard aggregate: %w", err)
	}
	return nil
}
