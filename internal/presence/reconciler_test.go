package presence

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/session"
)

func seedSession(t *testing.T, store session.Store, connID string, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &session.Session{
		UserID:       "u-" + connID,
		ConnectionID: connID,
		Active:       true,
		ConnectedAt:  lastActivity,
		LastActivity: lastActivity,
	}))
}

func newTestReconciler(t *testing.T, store session.Store, clock *fakeClock, m *metrics.Metrics) *Reconciler {
	t.Helper()
	r, err := NewReconciler(&ReconcilerConfig{
		Store:             store,
		PeriodicThreshold: 30 * time.Minute,
		Interval:          10 * time.Millisecond,
		Metrics:           m,
		Logger:            zaptest.NewLogger(t),
		Now:               clock.Now,
	})
	require.NoError(t, err)
	return r
}

func TestNewReconciler_RequiresStore(t *testing.T) {
	_, err := NewReconciler(&ReconcilerConfig{})
	assert.Error(t, err)
}

func TestReconciler_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := session.NewMemoryStore()
	now := clock.Now()

	seedSession(t, store, "fresh", now.Add(-time.Minute))
	seedSession(t, store, "edge", now.Add(-5*time.Minute))
	seedSession(t, store, "stale", now.Add(-10*time.Minute))

	r := newTestReconciler(t, store, clock, nil)
	result, err := r.Sweep(context.Background(), 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 1, result.Demoted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 5*time.Minute, result.Threshold)

	stale, _ := store.Get(context.Background(), "stale")
	assert.False(t, stale.Active)
	require.NotNil(t, stale.DisconnectedAt)
	assert.Equal(t, now, *stale.DisconnectedAt)

	// exactly at the threshold is not stale
	edge, _ := store.Get(context.Background(), "edge")
	assert.True(t, edge.Active)
}

func TestReconciler_SweepIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	store := session.NewMemoryStore()
	seedSession(t, store, "stale", clock.Now().Add(-time.Hour))

	r := newTestReconciler(t, store, clock, nil)
	first, err := r.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Demoted)

	clock.Advance(time.Minute)
	second, err := r.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Scanned)
	assert.Equal(t, 0, second.Demoted)

	stale, _ := store.Get(context.Background(), "stale")
	assert.Equal(t, first.Threshold, second.Threshold)
	assert.True(t, stale.DisconnectedAt.Before(clock.Now()))
}

func TestReconciler_ZeroLastActivityIsStale(t *testing.T) {
	clock := newFakeClock()
	store := session.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &session.Session{
		UserID:       "u1",
		ConnectionID: "c1",
		Active:       true,
	}))

	r := newTestReconciler(t, store, clock, nil)
	result, err := r.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Demoted)
}

func TestReconciler_InvalidThreshold(t *testing.T) {
	r := newTestReconciler(t, session.NewMemoryStore(), newFakeClock(), nil)

	_, err := r.Sweep(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = r.Sweep(context.Background(), -time.Second)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestReconciler_StoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore(), failList: true}
	m := metrics.NewMetrics("test", "presence")
	r := newTestReconciler(t, store, newFakeClock(), m)

	_, err := r.Sweep(context.Background(), time.Minute)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepsTotal.WithLabelValues(TriggerManual, "failed")))
}

func TestReconciler_SweepPeriodicUsesConfiguredThreshold(t *testing.T) {
	clock := newFakeClock()
	store := session.NewMemoryStore()
	now := clock.Now()
	seedSession(t, store, "idle-10m", now.Add(-10*time.Minute))
	seedSession(t, store, "idle-40m", now.Add(-40*time.Minute))

	m := metrics.NewMetrics("test", "presence")
	r := newTestReconciler(t, store, clock, m)
	result, err := r.SweepPeriodic(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, result.Threshold)
	assert.Equal(t, 1, result.Demoted)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepsTotal.WithLabelValues(TriggerPeriodic, "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepDemotionsTotal.WithLabelValues(TriggerPeriodic)))
}

func TestReconciler_StartStop(t *testing.T) {
	clock := newFakeClock()
	store := session.NewMemoryStore()
	seedSession(t, store, "stale", clock.Now().Add(-time.Hour))

	r := newTestReconciler(t, store, clock, nil)
	r.Start()
	r.Start()

	assert.Eventually(t, func() bool {
		s, _ := store.Get(context.Background(), "stale")
		return !s.Active
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}
