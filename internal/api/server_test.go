package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/detector"
	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/ratelimit"
	"audit-orchestrator/internal/recovery"
	"audit-orchestrator/internal/store"
)

type fakeStore struct {
	audits map[string]models.Audit
}

func (f *fakeStore) CreateAudit(_ context.Context, p store.CreateAuditParams) (models.Audit, error) {
	for _, a := range f.audits {
		if a.CompanyID == p.CompanyID && a.Status.Active() {
			return models.Audit{}, store.ErrDuplicateActiveAudit
		}
	}
	a := models.Audit{
		ID:              fmt.Sprintf("audit-%d", len(f.audits)+1),
		CompanyID:       p.CompanyID,
		Status:          models.StatusPending,
		CurrentPhase:    models.PhasePending,
		QueryCountLimit: p.QueryCountLimit,
		CreatedAt:       time.Now(),
	}
	f.audits[a.ID] = a
	return a, nil
}

func (f *fakeStore) GetAudit(_ context.Context, id string) (models.Audit, error) {
	a, ok := f.audits[id]
	if !ok {
		return models.Audit{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListReprocess(context.Context, string) ([]models.ReprocessLogEntry, error) {
	return nil, nil
}

type fakeEnqueuer struct {
	payloads []models.JobPayload
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, p models.JobPayload, _ string, _ time.Time) error {
	f.payloads = append(f.payloads, p)
	return nil
}

type fakeRecovery struct {
	lastOp  string
	calls   int
	failErr error
}

func (f *fakeRecovery) op(name, id string) (models.Audit, error) {
	f.lastOp = name
	f.calls++
	if f.failErr != nil {
		return models.Audit{}, f.failErr
	}
	return models.Audit{ID: id, Status: models.StatusProcessing}, nil
}

func (f *fakeRecovery) Retry(_ context.Context, id string, _ models.TriggerSource, _ string) (models.Audit, error) {
	return f.op("retry", id)
}

func (f *fakeRecovery) SkipExecution(_ context.Context, id string, _ models.TriggerSource, _ string) (models.Audit, error) {
	return f.op("skip-execution", id)
}

func (f *fakeRecovery) ForceReanalyze(_ context.Context, id string, _ models.TriggerSource, _ string) (models.Audit, error) {
	return f.op("force-reanalyze", id)
}

func (f *fakeRecovery) Resume(_ context.Context, id string, _ models.TriggerSource, _ string) (models.Audit, error) {
	return f.op("resume", id)
}

func (f *fakeRecovery) Stop(_ context.Context, id string) (models.Audit, error) {
	return f.op("stop", id)
}

func (f *fakeRecovery) Delete(_ context.Context, id string) error {
	_, err := f.op("delete", id)
	return err
}

func (f *fakeRecovery) FixStuck(_ context.Context, id string, _ models.TriggerSource) (models.Audit, error) {
	return f.op("fix-stuck", id)
}

type fakeStuck struct{ out []detector.StuckAudit }

func (f *fakeStuck) Detect(context.Context) ([]detector.StuckAudit, error) { return f.out, nil }

type fakeLoops struct{ out []detector.LoopReport }

func (f *fakeLoops) Detect(context.Context) ([]detector.LoopReport, error) { return f.out, nil }

func newTestServer(recov *fakeRecovery) (*Server, *fakeStore, *fakeEnqueuer) {
	st := &fakeStore{audits: map[string]models.Audit{}}
	q := &fakeEnqueuer{}
	cfg := config.Config{DefaultQueryCount: 25, DefaultProviders: []string{"openai"}}
	srv := New(cfg, st, q, recov, &fakeStuck{}, &fakeLoops{}, nil)
	return srv, st, q
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAudit(t *testing.T) {
	srv, _, q := newTestServer(&fakeRecovery{})
	router := srv.Router()

	rec := postJSON(t, router, "/audits", map[string]any{"company_id": "acme"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var audit models.Audit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Equal(t, models.StatusPending, audit.Status)
	assert.Equal(t, 25, audit.QueryCountLimit, "config default applied")

	require.Len(t, q.payloads, 1)
	assert.Equal(t, audit.ID, q.payloads[0].AuditID)
	assert.Equal(t, "manual", q.payloads[0].Source)
	assert.Equal(t, []string{"openai"}, q.payloads[0].Providers)

	// Second active audit for the same company is rejected.
	rec = postJSON(t, router, "/audits", map[string]any{"company_id": "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, q.payloads, 1, "rejected creation must not enqueue")
}

func TestCreateAuditValidation(t *testing.T) {
	srv, _, _ := newTestServer(&fakeRecovery{})
	rec := postJSON(t, srv.Router(), "/audits", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAudit(t *testing.T) {
	srv, st, _ := newTestServer(&fakeRecovery{})
	st.audits["a1"] = models.Audit{ID: "a1", CompanyID: "acme", Status: models.StatusProcessing}
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/audits/a1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/audits/nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryRoutes(t *testing.T) {
	for _, tc := range []struct {
		path string
		op   string
	}{
		{"/audits/a1/retry", "retry"},
		{"/audits/a1/skip-execution", "skip-execution"},
		{"/audits/a1/force-reanalyze", "force-reanalyze"},
		{"/audits/a1/resume", "resume"},
		{"/audits/a1/fix-stuck", "fix-stuck"},
		{"/audits/a1/stop", "stop"},
	} {
		t.Run(tc.op, func(t *testing.T) {
			recov := &fakeRecovery{}
			srv, _, _ := newTestServer(recov)
			rec := postJSON(t, srv.Router(), tc.path, map[string]any{"reason": "testing"})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.op, recov.lastOp)
		})
	}
}

func TestRecoveryErrorMapping(t *testing.T) {
	recov := &fakeRecovery{failErr: fmt.Errorf("needs responses: %w", recovery.ErrPreconditionFailed)}
	srv, _, _ := newTestServer(recov)
	rec := postJSON(t, srv.Router(), "/audits/a1/skip-execution", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	recov.failErr = fmt.Errorf("audit a1: %w", store.ErrNotFound)
	rec = postJSON(t, srv.Router(), "/audits/a1/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRoute(t *testing.T) {
	recov := &fakeRecovery{}
	srv, _, _ := newTestServer(recov)
	req := httptest.NewRequest(http.MethodDelete, "/audits/a1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delete", recov.lastOp)
}

func TestRecoveryRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 1, 0, time.Minute)

	recov := &fakeRecovery{}
	st := &fakeStore{audits: map[string]models.Audit{}}
	cfg := config.Config{DefaultQueryCount: 25, DefaultProviders: []string{"openai"}}
	router := New(cfg, st, &fakeEnqueuer{}, recov, &fakeStuck{}, &fakeLoops{}, limiter).Router()

	rec := postJSON(t, router, "/audits/a1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, recov.calls)

	// The bucket is empty; the operation must not even be attempted.
	rec = postJSON(t, router, "/audits/a1/retry", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, recov.calls)

	// Throttling is per audit.
	rec = postJSON(t, router, "/audits/a2/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, recov.calls)
}

func TestDetectorRoutes(t *testing.T) {
	srv, _, _ := newTestServer(&fakeRecovery{})
	router := srv.Router()

	for _, path := range []string{"/detectors/stuck", "/detectors/loops"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}
