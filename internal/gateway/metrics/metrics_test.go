package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct{ users, observers int }

func (f fakeSource) Counts() (int, int) { return f.users, f.observers }

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// a shared default registry would panic on the second registration
	m1 := NewMetrics("portal", "gateway")
	m2 := NewMetrics("portal", "gateway")

	m1.RecordWSConnection(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.WSActiveConnections))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.WSActiveConnections))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.RecordWSConnection(true)
		m.RecordWSRejected("unauthenticated")
		m.RecordPresenceEvent("heartbeat", "ok", time.Millisecond)
		m.RecordSweep("periodic", 1, time.Millisecond, nil)
		m.RecordStoreOperation("touch", time.Millisecond, errors.New("boom"))
		m.RecordPanic("presence")
		m.SetRegistryConnections(1, 1)
	})
}

func TestMetrics_RecordSweep(t *testing.T) {
	m := NewMetrics("portal", "test")

	m.RecordSweep("opportunistic", 3, 5*time.Millisecond, nil)
	m.RecordSweep("opportunistic", 0, time.Millisecond, errors.New("store down"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepDemotionsTotal.WithLabelValues("opportunistic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepsTotal.WithLabelValues("opportunistic", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepsTotal.WithLabelValues("opportunistic", "failed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("portal", "test")
	m.RecordPresenceEvent("connect", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "portal_test_presence_events_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestCollector_Collect(t *testing.T) {
	m := NewMetrics("portal", "test")
	c := NewCollector(m, fakeSource{users: 4, observers: 1}, zaptest.NewLogger(t))

	c.Collect()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RegistryConnections.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryConnections.WithLabelValues("observer")))
	assert.Greater(t, testutil.ToFloat64(m.GoRoutines), 0.0)

	c.Start()
	c.Stop()
	c.Stop()
}
