package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/customsportal/portal/internal/gateway/config"
	"github.com/customsportal/portal/internal/gateway/svc"
	"github.com/customsportal/portal/internal/presence"
)

func TestResult_Percentile(t *testing.T) {
	r := &Result{Events: map[string]int64{}}
	assert.Zero(t, r.Percentile(50))

	for _, ms := range []int{50, 10, 40, 20, 30} {
		r.recordAck(time.Duration(ms) * time.Millisecond)
	}

	assert.Equal(t, 10*time.Millisecond, r.Percentile(0))
	assert.Equal(t, 30*time.Millisecond, r.Percentile(50))
	assert.Equal(t, 50*time.Millisecond, r.Percentile(100))
}

func TestLoadTest_AgainstGateway(t *testing.T) {
	var c config.Config
	c.JWT = config.JWTConfig{Secret: "load-secret", Expire: 3600, Issuer: "portal-auth"}
	c.Store.Type = "memory"
	c.Metrics = config.MetricsConfig{Namespace: "test", Subsystem: "load"}

	svcCtx, err := svc.NewServiceContext(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svcCtx.Close()

	server := httptest.NewServer(svcCtx.WSServer.HandleWebSocket())
	defer server.Close()

	cfg := &Config{
		URL:           "ws" + strings.TrimPrefix(server.URL, "http"),
		Secret:        "load-secret",
		Issuer:        "portal-auth",
		Clients:       4,
		ObserverEvery: 4,
		Duration:      600 * time.Millisecond,
		Interval:      50 * time.Millisecond,
		ConnectRate:   100,
	}

	result := NewLoadTest(cfg, zaptest.NewLogger(t)).Run(context.Background())

	assert.EqualValues(t, 4, result.Connected)
	assert.Zero(t, result.ConnectFailed)
	assert.Zero(t, result.Errors)
	assert.Positive(t, result.Sent)
	assert.Positive(t, result.Events[string(presence.EventInitialOnlineUsers)])
	assert.Positive(t, result.Events[string(presence.EventHeartbeatAck)])
	assert.NotEmpty(t, result.AckLatency)
	assert.Contains(t, result.Report(cfg), "heartbeat_ack")
}
