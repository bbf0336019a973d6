package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audit-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when the referenced audit does not exist.
	ErrNotFound = errors.New("audit not found")
	// ErrDuplicateActiveAudit is returned when a company already has an
	// audit in pending or processing. Enforced by a partial unique index.
	ErrDuplicateActiveAudit = errors.New("company already has an active audit")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAuditParams collects inputs required to insert an audit.
type CreateAuditParams struct {
	CompanyID          string
	QueryCountLimit    int
	ResponseCountLimit int
}

// CreateAudit inserts a pending audit. The one-active-audit-per-company rule
// is enforced by the store's partial unique index, so a losing racer gets
// ErrDuplicateActiveAudit rather than a second row.
func (s *Store) CreateAudit(ctx context.Context, p CreateAuditParams) (models.Audit, error) {
	if p.QueryCountLimit <= 0 {
		p.QueryCountLimit = 25
	}
	if p.ResponseCountLimit <= 0 {
		p.ResponseCountLimit = 200
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audits (id, company_id, status, current_phase, phase_progress, query_count_limit, response_count_limit, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, id, p.CompanyID, models.StatusPending, models.PhasePending, p.QueryCountLimit, p.ResponseCountLimit, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return models.Audit{}, fmt.Errorf("create audit for company %s: %w", p.CompanyID, ErrDuplicateActiveAudit)
		}
		return models.Audit{}, fmt.Errorf("insert audit: %w", err)
	}

	return models.Audit{
		ID:                 id,
		CompanyID:          p.CompanyID,
		Status:             models.StatusPending,
		CurrentPhase:       models.PhasePending,
		QueryCountLimit:    p.QueryCountLimit,
		ResponseCountLimit: p.ResponseCountLimit,
		CreatedAt:          now,
	}, nil
}

const auditColumns = `id, company_id, status, current_phase, phase_progress, phase_started_at, last_heartbeat,
	query_count_limit, response_count_limit, error_message, created_at, started_at, completed_at`

// GetAudit fetches an audit by id.
func (s *Store) GetAudit(ctx context.Context, id string) (models.Audit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	a, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Audit{}, fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Audit{}, fmt.Errorf("scan audit: %w", err)
	}
	return a, nil
}

func scanAudit(row pgx.Row) (models.Audit, error) {
	var a models.Audit
	var phaseStarted, heartbeat, started, completed pgtype.Timestamptz
	var errMsg pgtype.Text
	if err := row.Scan(&a.ID, &a.CompanyID, &a.Status, &a.CurrentPhase, &a.PhaseProgress,
		&phaseStarted, &heartbeat, &a.QueryCountLimit, &a.ResponseCountLimit,
		&errMsg, &a.CreatedAt, &started, &completed); err != nil {
		return models.Audit{}, err
	}
	a.PhaseStartedAt = timePtr(phaseStarted)
	a.LastHeartbeat = timePtr(heartbeat)
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	a.ErrorMessage = textPtr(errMsg)
	return a, nil
}

// EnterPhase records phase entry: current_phase, phase_started_at, a fresh
// heartbeat, and progress reset to zero.
func (s *Store) EnterPhase(ctx context.Context, id string, phase models.Phase) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET current_phase = $2, phase_started_at = NOW(), last_heartbeat = NOW(), phase_progress = 0
		WHERE id = $1
	`, id, phase)
	if err != nil {
		return fmt.Errorf("enter phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}
	return nil
}

// Heartbeat proves liveness within the current phase.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE audits SET last_heartbeat = NOW() WHERE id = $1`, id)
	return err
}

// SetProgress writes phase_progress. GREATEST keeps progress monotonic within
// a phase occupancy even if two writers race.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET phase_progress = GREATEST(phase_progress, $2), last_heartbeat = NOW() WHERE id = $1
	`, id, progress)
	return err
}

// MarkProcessing flips a pending audit to processing and stamps started_at.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, started_at = COALESCE(started_at, NOW()) WHERE id = $1
	`, id, models.StatusProcessing)
	return err
}

// MarkFailed records an engine failure, leaving current_phase and all rows
// produced so far intact so recovery can skip completed work.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, error_message = $3, completed_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, errMsg)
	return err
}

// MarkCompleted records terminal success.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET status = $2, current_phase = $3, phase_progress = 100, error_message = NULL, completed_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, models.PhaseCompleted)
	return err
}

// ApplyRecovery atomically writes the state a recovery operation produces:
// status, current_phase, cleared error, cleared completed_at, and optionally a
// fresh started_at. One statement so there is no partially-recovered state.
func (s *Store) ApplyRecovery(ctx context.Context, id string, status models.Status, phase models.Phase, touchStartedAt bool) error {
	var err error
	if touchStartedAt {
		_, err = s.pool.Exec(ctx, `
			UPDATE audits
			SET status = $2, current_phase = $3, error_message = NULL, completed_at = NULL, started_at = NOW()
			WHERE id = $1
		`, id, status, phase)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE audits
			SET status = $2, current_phase = $3, error_message = NULL, completed_at = NULL
			WHERE id = $1
		`, id, status, phase)
	}
	return err
}

// MarkTerminated writes a terminal status with an operator-visible message.
// Used by stop and by the cancellation half of delete.
func (s *Store) MarkTerminated(ctx context.Context, id string, status models.Status, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, error_message = $3, completed_at = NOW() WHERE id = $1
	`, id, status, errMsg)
	return err
}

// FixStuck force-completes an audit whose dashboard row already exists.
// completed_at keeps its original value when one was already written.
func (s *Store) FixStuck(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET status = $2, current_phase = $3, completed_at = COALESCE(completed_at, NOW())
		WHERE id = $1
	`, id, models.StatusCompleted, models.PhaseCompleted)
	return err
}

// CountGeneratedQueries returns the number of queries produced for an audit.
func (s *Store) CountGeneratedQueries(ctx context.Context, auditID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM generated_queries WHERE audit_id = $1`, auditID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count generated queries: %w", err)
	}
	return n, nil
}

// CountProviderResponses returns the number of collected responses for an audit.
func (s *Store) CountProviderResponses(ctx context.Context, auditID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM provider_responses WHERE audit_id = $1`, auditID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count provider responses: %w", err)
	}
	return n, nil
}

// HasScoreBreakdown reports whether the score row exists for an audit.
func (s *Store) HasScoreBreakdown(ctx context.Context, auditID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM score_breakdowns WHERE audit_id = $1)`, auditID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check score breakdown: %w", err)
	}
	return exists, nil
}

// HasDashboardAggregate reports whether the dashboard row exists for an audit.
func (s *Store) HasDashboardAggregate(ctx context.Context, auditID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dashboard_aggregates WHERE audit_id = $1)`, auditID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dashboard aggregate: %w", err)
	}
	return exists, nil
}

// InsertGeneratedQuery stores one query produced in generating_queries.
func (s *Store) InsertGeneratedQuery(ctx context.Context, q models.GeneratedQuery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generated_queries (id, audit_id, text, category, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, q.ID, q.AuditID, q.Text, q.Category)
	return err
}

// ListGeneratedQueries returns all queries for an audit in creation order.
func (s *Store) ListGeneratedQueries(ctx context.Context, auditID string) ([]models.GeneratedQuery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, audit_id, text, category, created_at FROM generated_queries
		WHERE audit_id = $1 ORDER BY created_at, id
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list generated queries: %w", err)
	}
	defer rows.Close()

	var out []models.GeneratedQuery
	for rows.Next() {
		var q models.GeneratedQuery
		if err := rows.Scan(&q.ID, &q.AuditID, &q.Text, &q.Category, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generated query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// InsertProviderResponse stores one (query, provider) response.
func (s *Store) InsertProviderResponse(ctx context.Context, r models.ProviderResponse) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_responses (id, audit_id, query_id, provider, response_text, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, r.ID, r.AuditID, r.QueryID, r.Provider, r.ResponseText)
	return err
}

// ListProviderResponses returns all responses for an audit.
func (s *Store) ListProviderResponses(ctx context.Context, auditID string) ([]models.ProviderResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, audit_id, query_id, provider, response_text, sentiment, brand_mention, visibility_score, analyzed_at, created_at
		FROM provider_responses WHERE audit_id = $1 ORDER BY created_at, id
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list provider responses: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderResponse
	for rows.Next() {
		var r models.ProviderResponse
		var sentiment pgtype.Text
		var mention pgtype.Bool
		var score pgtype.Float8
		var analyzed pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.AuditID, &r.QueryID, &r.Provider, &r.ResponseText,
			&sentiment, &mention, &score, &analyzed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider response: %w", err)
		}
		r.Sentiment = textPtr(sentiment)
		if mention.Valid {
			v := mention.Bool
			r.BrandMention = &v
		}
		if score.Valid {
			v := score.Float64
			r.VisibilityScore = &v
		}
		r.AnalyzedAt = timePtr(analyzed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateResponseAnalysis writes the analysis columns for one response.
func (s *Store) UpdateResponseAnalysis(ctx context.Context, responseID, sentiment string, brandMention bool, visibilityScore float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provider_responses
		SET sentiment = $2, brand_mention = $3, visibility_score = $4, analyzed_at = NOW()
		WHERE id = $1
	`, responseID, sentiment, brandMention, visibilityScore)
	return err
}

// ResetAnalysis nulls the analysis columns on every response of an audit so a
// force-reanalyze run starts from raw responses.
func (s *Store) ResetAnalysis(ctx context.Context, auditID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provider_responses
		SET sentiment = NULL, brand_mention = NULL, visibility_score = NULL, analyzed_at = NULL
		WHERE audit_id = $1
	`, auditID)
	return err
}

// UpsertScoreBreakdown writes the per-audit score row.
func (s *Store) UpsertScoreBreakdown(ctx context.Context, sb models.ScoreBreakdown) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO score_breakdowns (audit_id, overall_score, sentiment_score, mention_rate, provider_scores, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (audit_id) DO UPDATE
		SET overall_score = EXCLUDED.overall_score,
		    sentiment_score = EXCLUDED.sentiment_score,
		    mention_rate = EXCLUDED.mention_rate,
		    provider_scores = EXCLUDED.provider_scores
	`, sb.AuditID, sb.OverallScore, sb.SentimentScore, sb.MentionRate, sb.ProviderScores)
	return err
}

// GetScoreBreakdown fetches the score row for an audit.
func (s *Store) GetScoreBreakdown(ctx context.Context, auditID string) (models.ScoreBreakdown, error) {
	var sb models.ScoreBreakdown
	err := s.pool.QueryRow(ctx, `
		SELECT audit_id, overall_score, sentiment_score, mention_rate, provider_scores, created_at
		FROM score_breakdowns WHERE audit_id = $1
	`, auditID).Scan(&sb.AuditID, &sb.OverallScore, &sb.SentimentScore, &sb.MentionRate, &sb.ProviderScores, &sb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScoreBreakdown{}, fmt.Errorf("score breakdown for audit %s: %w", auditID, ErrNotFound)
	}
	if err != nil {
		return models.ScoreBreakdown{}, fmt.Errorf("get score breakdown: %w", err)
	}
	return sb, nil
}

// UpsertDashboardAggregate writes the downstream dashboard row.
func (s *Store) UpsertDashboardAggregate(ctx context.Context, da models.DashboardAggregate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dashboard_aggregates (audit_id, company_id, overall_score, populated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (audit_id) DO UPDATE
		SET overall_score = EXCLUDED.overall_score, populated_at = NOW()
	`, da.AuditID, da.CompanyID, da.OverallScore)
	return err
}

// CascadeDelete removes an audit and every dependent row inside one
// transaction, children before parents.
func (s *Store) CascadeDelete(ctx context.Context, auditID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, stmt := range []string{
		`DELETE FROM dashboard_aggregates WHERE audit_id = $1`,
		`DELETE FROM score_breakdowns WHERE audit_id = $1`,
		`DELETE FROM provider_responses WHERE audit_id = $1`,
		`DELETE FROM generated_queries WHERE audit_id = $1`,
		`DELETE FROM reprocess_log WHERE audit_id = $1`,
		`DELETE FROM audits WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, auditID); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// AppendReprocess records one recovery action in the append-only trail.
// attempt_number is derived from the rows already present.
func (s *Store) AppendReprocess(ctx context.Context, e models.ReprocessLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reprocess_log (audit_id, attempt_number, reason, triggered_by, status_before, status_after, phase_before, phase_after, created_at)
		VALUES ($1, (SELECT COUNT(*) + 1 FROM reprocess_log WHERE audit_id = $1), $2, $3, $4, $5, $6, $7, NOW())
	`, e.AuditID, e.Reason, e.TriggeredBy, e.StatusBefore, e.StatusAfter, e.PhaseBefore, e.PhaseAfter)
	return err
}

// ListReprocess returns the full recovery history of an audit, oldest first.
func (s *Store) ListReprocess(ctx context.Context, auditID string) ([]models.ReprocessLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, audit_id, attempt_number, reason, triggered_by, status_before, status_after, phase_before, phase_after, created_at
		FROM reprocess_log WHERE audit_id = $1 ORDER BY created_at, id
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list reprocess log: %w", err)
	}
	defer rows.Close()

	var out []models.ReprocessLogEntry
	for rows.Next() {
		var e models.ReprocessLogEntry
		if err := rows.Scan(&e.ID, &e.AuditID, &e.AttemptNumber, &e.Reason, &e.TriggeredBy,
			&e.StatusBefore, &e.StatusAfter, &e.PhaseBefore, &e.PhaseAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reprocess entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StuckCandidateRow is the raw detector row; classification happens in the
// detector package.
type StuckCandidateRow struct {
	Audit          models.Audit
	HasDashboard   bool
	ReprocessCount int
}

// ListStuckCandidates selects audits that claim to be active but have shown
// no liveness for longer than threshold while dependent responses already
// exist. Read-only; comparisons are strict so a heartbeat exactly at the
// threshold is not flagged.
func (s *Store) ListStuckCandidates(ctx context.Context, threshold time.Duration) ([]StuckCandidateRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+`,
			EXISTS (SELECT 1 FROM dashboard_aggregates d WHERE d.audit_id = audits.id) AS has_dashboard,
			(SELECT COUNT(*) FROM reprocess_log r WHERE r.audit_id = audits.id) AS reprocess_count
		FROM audits
		WHERE status IN ($1, $2)
		  AND current_phase = $3
		  AND started_at IS NOT NULL AND started_at < NOW() - $4::interval
		  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - $4::interval)
		  AND completed_at IS NULL
		  AND EXISTS (SELECT 1 FROM provider_responses p WHERE p.audit_id = audits.id)
		ORDER BY started_at
	`, models.StatusPending, models.StatusProcessing, models.PhasePending, threshold.String())
	if err != nil {
		return nil, fmt.Errorf("list stuck candidates: %w", err)
	}
	defer rows.Close()

	var out []StuckCandidateRow
	for rows.Next() {
		var c StuckCandidateRow
		var phaseStarted, heartbeat, started, completed pgtype.Timestamptz
		var errMsg pgtype.Text
		a := &c.Audit
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Status, &a.CurrentPhase, &a.PhaseProgress,
			&phaseStarted, &heartbeat, &a.QueryCountLimit, &a.ResponseCountLimit,
			&errMsg, &a.CreatedAt, &started, &completed,
			&c.HasDashboard, &c.ReprocessCount); err != nil {
			return nil, fmt.Errorf("scan stuck candidate: %w", err)
		}
		a.PhaseStartedAt = timePtr(phaseStarted)
		a.LastHeartbeat = timePtr(heartbeat)
		a.StartedAt = timePtr(started)
		a.CompletedAt = timePtr(completed)
		a.ErrorMessage = textPtr(errMsg)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReprocessWindowRow is one per-audit grouping of recovery actions inside the
// loop detector's rolling window.
type ReprocessWindowRow struct {
	AuditID string
	Count   int
	FirstAt time.Time
	LastAt  time.Time
}

// ReprocessSince groups reprocess-log rows newer than since by audit.
func (s *Store) ReprocessSince(ctx context.Context, since time.Time) ([]ReprocessWindowRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM reprocess_log
		WHERE created_at > $1
		GROUP BY audit_id
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("group reprocess log: %w", err)
	}
	defer rows.Close()

	var out []ReprocessWindowRow
	for rows.Next() {
		var r ReprocessWindowRow
		if err := rows.Scan(&r.AuditID, &r.Count, &r.FirstAt, &r.LastAt); err != nil {
			return nil, fmt.Errorf("scan reprocess group: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
