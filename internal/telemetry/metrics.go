package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AuditsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_created_total", Help: "Audits created"})
	AuditsEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_enqueued_total", Help: "Audit jobs pushed onto the work queue"})
	AuditsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_completed_total", Help: "Audits that reached completed"})
	AuditsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_failed_total", Help: "Audits that failed in a phase"})
	RecoveryOps      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "audit_recovery_ops_total", Help: "Recovery operations applied, by operation"}, []string{"op"})
	RecoveryRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_recovery_rejected_total", Help: "Recovery operations rejected by precondition"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_rate_limit_rejects_total", Help: "Recovery requests rejected by rate limiter"})
	StuckFlagged     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_stuck_flagged", Help: "Audits currently flagged by the stuck detector"})
	LoopsFlagged     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_loops_flagged", Help: "Audits currently flagged as probable reprocess loops"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_inflight", Help: "Audit jobs currently leased"})
	PhaseDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_phase_duration_seconds",
		Help:    "Wall time spent per pipeline phase",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"phase"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AuditsCreated,
			AuditsEnqueued,
			AuditsCompleted,
			AuditsFailed,
			RecoveryOps,
			RecoveryRejected,
			RateLimitRejects,
			StuckFlagged,
			LoopsFlagged,
			QueueDepthGauge,
			InFlightGauge,
			PhaseDuration,
		)
	})
	return promhttp.Handler()
}
