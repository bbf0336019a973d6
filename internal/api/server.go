package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/detector"
	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/ratelimit"
	"audit-orchestrator/internal/recovery"
	"audit-orchestrator/internal/store"
	"audit-orchestrator/internal/telemetry"
)

// AuditStore is the persistence surface the handlers need directly.
type AuditStore interface {
	CreateAudit(ctx context.Context, p store.CreateAuditParams) (models.Audit, error)
	GetAudit(ctx context.Context, id string) (models.Audit, error)
	ListReprocess(ctx context.Context, auditID string) ([]models.ReprocessLogEntry, error)
}

// Enqueuer pushes newly created audits onto the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, priority string, runAt time.Time) error
}

// RecoveryService is the operation surface of internal/recovery.
type RecoveryService interface {
	Retry(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error)
	SkipExecution(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error)
	ForceReanalyze(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error)
	Resume(ctx context.Context, auditID string, trigger models.TriggerSource, reason string) (models.Audit, error)
	Stop(ctx context.Context, auditID string) (models.Audit, error)
	Delete(ctx context.Context, auditID string) error
	FixStuck(ctx context.Context, auditID string, trigger models.TriggerSource) (models.Audit, error)
}

// StuckLister exposes the stuck-audit sweep.
type StuckLister interface {
	Detect(ctx context.Context) ([]detector.StuckAudit, error)
}

// LoopLister exposes the reprocess-loop sweep.
type LoopLister interface {
	Detect(ctx context.Context) ([]detector.LoopReport, error)
}

// Server wires the admin and detector HTTP surface.
type Server struct {
	cfg     config.Config
	store   AuditStore
	queue   Enqueuer
	recov   RecoveryService
	stuck   StuckLister
	loops   LoopLister
	limiter *ratelimit.TokenBucket
}

// New constructs the server. limiter may be nil to disable throttling.
func New(cfg config.Config, st AuditStore, q Enqueuer, recov RecoveryService, stuck StuckLister, loops LoopLister, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, recov: recov, stuck: stuck, loops: loops, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/audits", s.handleCreate)
	r.Get("/audits/{id}", s.handleGet)

	r.Post("/audits/{id}/retry", s.recoveryHandler(func(ctx context.Context, id string, t models.TriggerSource, reason string) (models.Audit, error) {
		return s.recov.Retry(ctx, id, t, reason)
	}))
	r.Post("/audits/{id}/skip-execution", s.recoveryHandler(func(ctx context.Context, id string, t models.TriggerSource, reason string) (models.Audit, error) {
		return s.recov.SkipExecution(ctx, id, t, reason)
	}))
	r.Post("/audits/{id}/force-reanalyze", s.recoveryHandler(func(ctx context.Context, id string, t models.TriggerSource, reason string) (models.Audit, error) {
		return s.recov.ForceReanalyze(ctx, id, t, reason)
	}))
	r.Post("/audits/{id}/resume", s.recoveryHandler(func(ctx context.Context, id string, t models.TriggerSource, reason string) (models.Audit, error) {
		return s.recov.Resume(ctx, id, t, reason)
	}))
	r.Post("/audits/{id}/fix-stuck", s.recoveryHandler(func(ctx context.Context, id string, t models.TriggerSource, _ string) (models.Audit, error) {
		return s.recov.FixStuck(ctx, id, t)
	}))
	r.Post("/audits/{id}/stop", s.handleStop)
	r.Delete("/audits/{id}", s.handleDelete)

	r.Get("/detectors/stuck", s.handleStuck)
	r.Get("/detectors/loops", s.handleLoops)
	return r
}

type createRequest struct {
	CompanyID          string   `json:"company_id"`
	QueryCountLimit    int      `json:"query_count_limit"`
	ResponseCountLimit int      `json:"response_count_limit"`
	Providers          []string `json:"providers"`
	DelaySeconds       int      `json:"delay_seconds"`
	Source             string   `json:"source"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CompanyID == "" {
		http.Error(w, "company_id is required", http.StatusBadRequest)
		return
	}
	if req.QueryCountLimit == 0 {
		req.QueryCountLimit = s.cfg.DefaultQueryCount
	}
	if len(req.Providers) == 0 {
		req.Providers = s.cfg.DefaultProviders
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	audit, err := s.store.CreateAudit(r.Context(), store.CreateAuditParams{
		CompanyID:          req.CompanyID,
		QueryCountLimit:    req.QueryCountLimit,
		ResponseCountLimit: req.ResponseCountLimit,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateActiveAudit) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	runAt := time.Now()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	payload := models.JobPayload{
		AuditID:    audit.ID,
		CompanyID:  audit.CompanyID,
		QueryCount: audit.QueryCountLimit,
		Providers:  req.Providers,
		Source:     req.Source,
	}
	if err := s.queue.Enqueue(r.Context(), payload, queue.PriorityDefault, runAt); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.AuditsCreated.Inc()
	telemetry.AuditsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, audit)
}

type auditDetail struct {
	Audit     models.Audit               `json:"audit"`
	Reprocess []models.ReprocessLogEntry `json:"reprocess_history"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	audit, err := s.store.GetAudit(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	history, err := s.store.ListReprocess(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, auditDetail{Audit: audit, Reprocess: history})
}

type recoveryRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) recoveryHandler(op func(context.Context, string, models.TriggerSource, string) (models.Audit, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.allowRecovery(w, r, id) {
			return
		}
		var req recoveryRequest
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
		audit, err := op(r.Context(), id, triggerFromRequest(r), req.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, audit)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	audit, err := s.recov.Stop(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.recov.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.stuck.Detect(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stuck": candidates})
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	reports, err := s.loops.Detect(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loops": reports})
}

// allowRecovery throttles recovery calls per audit so an automated policy
// stuck in a loop is slowed down at the door.
func (s *Server) allowRecovery(w http.ResponseWriter, r *http.Request, auditID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:recovery:%s", auditID))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func triggerFromRequest(r *http.Request) models.TriggerSource {
	if r.Header.Get("X-Triggered-By") == string(models.TriggerSystem) {
		return models.TriggerSystem
	}
	return models.TriggerAdmin
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, recovery.ErrPreconditionFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
