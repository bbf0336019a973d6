package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audit-orchestrator/internal/models"
	"audit-orchestrator/internal/store"
)

func TestStaleBoundary(t *testing.T) {
	threshold := 10 * time.Minute
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Hour)

	// Heartbeat exactly at the threshold: not yet stale.
	hb := now.Add(-threshold)
	assert.False(t, Stale(&started, &hb, now, threshold))

	// One second past: stale.
	hb = now.Add(-threshold - time.Second)
	assert.True(t, Stale(&started, &hb, now, threshold))

	// No heartbeat at all: started_at governs.
	assert.True(t, Stale(&started, nil, now, threshold))
	recent := now.Add(-threshold)
	assert.False(t, Stale(&recent, nil, now, threshold))

	// Never started: nothing to measure against.
	assert.False(t, Stale(nil, nil, now, threshold))
}

func TestClassify(t *testing.T) {
	now := time.Now()
	started := now.Add(-30 * time.Minute)
	hb := now.Add(-20 * time.Minute)

	row := store.StuckCandidateRow{
		Audit:          models.Audit{ID: "a1", StartedAt: &started, LastHeartbeat: &hb},
		HasDashboard:   true,
		ReprocessCount: 1,
	}
	c := Classify(row, now)
	assert.True(t, c.ShouldAutoFix)
	assert.Equal(t, RiskMedium, c.RiskLevel)
	assert.Equal(t, 20*time.Minute, c.StalledFor.Round(time.Minute))

	row.HasDashboard = false
	row.ReprocessCount = 2
	c = Classify(row, now)
	assert.False(t, c.ShouldAutoFix)
	assert.Equal(t, RiskHigh, c.RiskLevel)

	// Without a heartbeat the stall is measured from started_at.
	row.Audit.LastHeartbeat = nil
	c = Classify(row, now)
	assert.Equal(t, 30*time.Minute, c.StalledFor.Round(time.Minute))
}

type fakeStuckStore struct {
	rows []store.StuckCandidateRow
	err  error
}

func (f *fakeStuckStore) ListStuckCandidates(context.Context, time.Duration) ([]store.StuckCandidateRow, error) {
	return f.rows, f.err
}

func TestStuckDetectorFiltersFreshRows(t *testing.T) {
	threshold := 10 * time.Minute
	now := time.Now()
	staleStart := now.Add(-time.Hour)
	freshHB := now.Add(-time.Minute)

	st := &fakeStuckStore{rows: []store.StuckCandidateRow{
		{Audit: models.Audit{ID: "stale", StartedAt: &staleStart}},
		// Pre-filtered by SQL against the DB clock but fresh against ours.
		{Audit: models.Audit{ID: "fresh", StartedAt: &staleStart, LastHeartbeat: &freshHB}},
	}}
	d := NewStuckDetector(st, threshold)

	out, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "stale", out[0].Audit.ID)
}
