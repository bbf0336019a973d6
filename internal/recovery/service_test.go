package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/store"
)

type fakeStore struct {
	audits         map[string]models.Audit
	responseCounts map[string]int
	hasScores      map[string]bool
	hasDashboard   map[string]bool
	reprocess      []models.ReprocessLogEntry

	resetAnalysisCalls []string
	cascadeDeleted     []string
	startedAtTouched   bool
	callOrder          []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		audits:         map[string]models.Audit{},
		responseCounts: map[string]int{},
		hasScores:      map[string]bool{},
		hasDashboard:   map[string]bool{},
	}
}

func (f *fakeStore) GetAudit(_ context.Context, id string) (models.Audit, error) {
	a, ok := f.audits[id]
	if !ok {
		return models.Audit{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) CountProviderResponses(_ context.Context, id string) (int, error) {
	return f.responseCounts[id], nil
}

func (f *fakeStore) HasScoreBreakdown(_ context.Context, id string) (bool, error) {
	return f.hasScores[id], nil
}

func (f *fakeStore) HasDashboardAggregate(_ context.Context, id string) (bool, error) {
	return f.hasDashboard[id], nil
}

func (f *fakeStore) ApplyRecovery(_ context.Context, id string, status models.Status, phase models.Phase, touchStartedAt bool) error {
	a := f.audits[id]
	a.Status = status
	a.CurrentPhase = phase
	a.ErrorMessage = nil
	a.CompletedAt = nil
	f.audits[id] = a
	f.startedAtTouched = touchStartedAt
	f.callOrder = append(f.callOrder, "apply")
	return nil
}

func (f *fakeStore) MarkTerminated(_ context.Context, id string, status models.Status, errMsg string) error {
	a := f.audits[id]
	a.Status = status
	a.ErrorMessage = &errMsg
	now := time.Now()
	a.CompletedAt = &now
	f.audits[id] = a
	f.callOrder = append(f.callOrder, "terminate")
	return nil
}

func (f *fakeStore) FixStuck(_ context.Context, id string) error {
	a := f.audits[id]
	a.Status = models.StatusCompleted
	a.CurrentPhase = models.PhaseCompleted
	if a.CompletedAt == nil {
		now := time.Now()
		a.CompletedAt = &now
	}
	f.audits[id] = a
	return nil
}

func (f *fakeStore) ResetAnalysis(_ context.Context, id string) error {
	f.resetAnalysisCalls = append(f.resetAnalysisCalls, id)
	f.callOrder = append(f.callOrder, "reset")
	return nil
}

func (f *fakeStore) CascadeDelete(_ context.Context, id string) error {
	delete(f.audits, id)
	f.cascadeDeleted = append(f.cascadeDeleted, id)
	f.callOrder = append(f.callOrder, "delete")
	return nil
}

func (f *fakeStore) AppendReprocess(_ context.Context, e models.ReprocessLogEntry) error {
	e.AttemptNumber = len(f.reprocess) + 1
	f.reprocess = append(f.reprocess, e)
	return nil
}

type fakeQueue struct {
	enqueued  []models.JobPayload
	priority  string
	cancelled []string
}

func (f *fakeQueue) Enqueue(_ context.Context, p models.JobPayload, priority string, _ time.Time) error {
	f.enqueued = append(f.enqueued, p)
	f.priority = priority
	return nil
}

func (f *fakeQueue) Cancel(_ context.Context, auditID string) error {
	f.cancelled = append(f.cancelled, auditID)
	return nil
}

func failedAudit(id string) models.Audit {
	msg := "provider timeout"
	return models.Audit{
		ID:              id,
		CompanyID:       "acme",
		Status:          models.StatusFailed,
		CurrentPhase:    models.PhaseExecutingQueries,
		QueryCountLimit: 10,
		ErrorMessage:    &msg,
	}
}

func newService(st *fakeStore, q *fakeQueue) *Service {
	return New(st, q, nil, 0, []string{"openai", "anthropic"})
}

func TestRetryNotFound(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	_, err := newService(st, q).Retry(context.Background(), "missing", models.TriggerAdmin, "")
	assert.True(t, IsNotFound(err))
	assert.Empty(t, q.enqueued)
}

func TestRetryReenters(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = failedAudit("a1")
	q := &fakeQueue{}

	a, err := newService(st, q).Retry(context.Background(), "a1", models.TriggerAdmin, "worth another shot")
	require.NoError(t, err)

	assert.Equal(t, models.StatusProcessing, a.Status)
	// Retry leaves the phase alone; the engine decides what to skip.
	assert.Equal(t, models.PhaseExecutingQueries, a.CurrentPhase)
	assert.Nil(t, a.ErrorMessage)
	assert.True(t, st.startedAtTouched)

	require.Len(t, q.enqueued, 1)
	p := q.enqueued[0]
	assert.Equal(t, "a1", p.AuditID)
	assert.Equal(t, "acme", p.CompanyID)
	assert.Equal(t, 10, p.QueryCount)
	assert.False(t, p.SkipExecution)
	assert.False(t, p.ForceReanalyze)
	assert.False(t, p.SkipAnalysis)
	assert.Equal(t, "retry", p.Source)
	assert.Equal(t, queue.PriorityHigh, q.priority)

	require.Len(t, st.reprocess, 1)
	entry := st.reprocess[0]
	assert.Equal(t, models.StatusFailed, entry.StatusBefore)
	assert.Equal(t, models.StatusProcessing, entry.StatusAfter)
	assert.Equal(t, "worth another shot", entry.Reason)
	assert.Equal(t, models.TriggerAdmin, entry.TriggeredBy)
}

func TestSkipExecutionPrecondition(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = failedAudit("a1")
	q := &fakeQueue{}
	svc := newService(st, q)

	// Zero responses: rejected without any state change.
	_, err := svc.SkipExecution(context.Background(), "a1", models.TriggerAdmin, "")
	require.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, models.StatusFailed, st.audits["a1"].Status)
	assert.Equal(t, models.PhaseExecutingQueries, st.audits["a1"].CurrentPhase)
	assert.Empty(t, q.enqueued)
	assert.Empty(t, st.reprocess)

	// With responses collected the same call goes through.
	st.responseCounts["a1"] = 5
	a, err := svc.SkipExecution(context.Background(), "a1", models.TriggerAdmin, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, a.Status)
	assert.Equal(t, models.PhasePending, a.CurrentPhase)
	require.Len(t, q.enqueued, 1)
	assert.True(t, q.enqueued[0].SkipExecution)
	assert.False(t, q.enqueued[0].ForceReanalyze)
	require.Len(t, st.reprocess, 1)
	assert.Equal(t, models.PhaseExecutingQueries, st.reprocess[0].PhaseBefore)
	assert.Equal(t, models.PhasePending, st.reprocess[0].PhaseAfter)
}

func TestForceReanalyzeResetsBeforeReenter(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = failedAudit("a1")
	st.responseCounts["a1"] = 3
	q := &fakeQueue{}

	a, err := newService(st, q).ForceReanalyze(context.Background(), "a1", models.TriggerSystem, "")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, a.CurrentPhase)
	assert.Equal(t, []string{"a1"}, st.resetAnalysisCalls)
	assert.Equal(t, []string{"reset", "apply"}, st.callOrder)

	require.Len(t, q.enqueued, 1)
	assert.True(t, q.enqueued[0].SkipExecution)
	assert.True(t, q.enqueued[0].ForceReanalyze)
	assert.Equal(t, models.TriggerSystem, st.reprocess[0].TriggeredBy)
}

func TestResumeRequiresScoreBreakdown(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = failedAudit("a1")
	q := &fakeQueue{}
	svc := newService(st, q)

	_, err := svc.Resume(context.Background(), "a1", models.TriggerAdmin, "")
	require.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, models.StatusFailed, st.audits["a1"].Status)

	st.hasScores["a1"] = true
	a, err := svc.Resume(context.Background(), "a1", models.TriggerAdmin, "")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFinalizing, a.CurrentPhase)
	require.Len(t, q.enqueued, 1)
	assert.True(t, q.enqueued[0].SkipExecution)
	assert.True(t, q.enqueued[0].SkipAnalysis)
	assert.False(t, q.enqueued[0].ForceReanalyze)
}

func TestStop(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = models.Audit{ID: "a1", Status: models.StatusProcessing}
	q := &fakeQueue{}

	a, err := newService(st, q).Stop(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, a.Status)
	require.NotNil(t, st.audits["a1"].ErrorMessage)
	assert.Equal(t, "Stopped by admin", *st.audits["a1"].ErrorMessage)
	assert.NotNil(t, st.audits["a1"].CompletedAt)
	assert.Equal(t, []string{"a1"}, q.cancelled)
	assert.Empty(t, q.enqueued)
	assert.Empty(t, st.reprocess, "stop is not a reprocess")
}

func TestDeleteCancelsThenCascades(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = models.Audit{ID: "a1", Status: models.StatusProcessing}
	q := &fakeQueue{}
	svc := New(st, q, nil, 10*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, svc.Delete(context.Background(), "a1"))

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "grace period should elapse")
	assert.Equal(t, []string{"terminate", "delete"}, st.callOrder)
	assert.Equal(t, []string{"a1"}, st.cascadeDeleted)
	assert.Equal(t, []string{"a1"}, q.cancelled)
	_, ok := st.audits["a1"]
	assert.False(t, ok)
}

func TestDeleteHonorsContextDuringGrace(t *testing.T) {
	st := newFakeStore()
	st.audits["a1"] = models.Audit{ID: "a1", Status: models.StatusProcessing}
	svc := New(st, &fakeQueue{}, nil, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := svc.Delete(ctx, "a1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, st.cascadeDeleted, "cascade must not run after a cancelled grace wait")
}

func TestFixStuck(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	svc := newService(st, q)

	// Not active: rejected.
	st.audits["done"] = models.Audit{ID: "done", Status: models.StatusCompleted}
	_, err := svc.FixStuck(context.Background(), "done", models.TriggerAdmin)
	require.ErrorIs(t, err, ErrPreconditionFailed)

	// Active but no dashboard row: rejected.
	st.audits["a1"] = models.Audit{ID: "a1", Status: models.StatusProcessing, CurrentPhase: models.PhasePending}
	_, err = svc.FixStuck(context.Background(), "a1", models.TriggerAdmin)
	require.ErrorIs(t, err, ErrPreconditionFailed)

	st.hasDashboard["a1"] = true
	a, err := svc.FixStuck(context.Background(), "a1", models.TriggerSystem)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, a.Status)
	assert.Equal(t, models.PhaseCompleted, a.CurrentPhase)
	assert.Empty(t, q.enqueued, "fix-stuck does not re-enqueue")
	require.Len(t, st.reprocess, 1)
	assert.Equal(t, models.TriggerSystem, st.reprocess[0].TriggeredBy)
}
