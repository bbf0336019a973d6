package models

// JobPayload is what rides on the work queue. The skip flags are explicit
// typed booleans so the engine's branching is exhaustively checkable; the
// engine must re-derive nothing that already exists unless a flag says so.
type JobPayload struct {
	AuditID    string   `json:"audit_id"`
	CompanyID  string   `json:"company_id"`
	QueryCount int      `json:"query_count"`
	Providers  []string `json:"providers"`

	// SkipExecution tells the engine that provider responses already exist
	// and phase 2 (executing_queries) must not re-call providers.
	SkipExecution bool `json:"skip_phase_2,omitempty"`
	// ForceReanalyze tells the engine to re-run analysis even though
	// analysis columns were populated before (they are nulled on enqueue).
	ForceReanalyze bool `json:"force_reanalyze,omitempty"`
	// SkipAnalysis tells the engine to jump straight to score finalization.
	SkipAnalysis bool `json:"skip_analysis,omitempty"`

	// Source records the trigger for observability: a recovery operation
	// name or the original creation source (onboarding, manual, scheduled).
	Source string `json:"source"`

	// Attempt counts delayed redeliveries after transient store errors.
	Attempt int `json:"attempt,omitempty"`
}
