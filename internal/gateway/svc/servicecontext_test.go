package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/customsportal/portal/internal/gateway/breaker"
	"github.com/customsportal/portal/internal/gateway/config"
	"github.com/customsportal/portal/internal/gateway/jwt"
	"github.com/customsportal/portal/internal/session"
)

func testConfig() config.Config {
	var c config.Config
	c.JWT = config.JWTConfig{Secret: "test-secret", Expire: 3600, Issuer: "portal"}
	c.Store.Type = "memory"
	c.Metrics = config.MetricsConfig{Enable: true, Namespace: "test", Subsystem: "svc"}
	c.Breaker = config.BreakerConfig{
		Enable:              true,
		MinRequests:         5,
		ErrorRate:           0.5,
		ConsecutiveFailures: 5,
		Interval:            10 * time.Second,
		Timeout:             30 * time.Second,
		MaxRequests:         3,
	}
	c.Presence.PeriodicSweep = true
	c.Presence.ObserverRoles = []string{"admin", "supervisor"}
	return c
}

func TestNewServiceContext_Memory(t *testing.T) {
	sc, err := NewServiceContext(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sc.Close()

	assert.NotEmpty(t, sc.ReplicaID)
	assert.NotNil(t, sc.Presence)
	assert.NotNil(t, sc.Reconciler)
	assert.Nil(t, sc.Relay)
	assert.Nil(t, sc.DB)
	assert.Nil(t, sc.Replicas)
	assert.True(t, sc.Presence.IsObserverRole("Supervisor"))

	cb := sc.BreakerManager.Get(SessionStoreBreaker)
	require.NotNil(t, cb)
	assert.Equal(t, breaker.StateClosed, cb.State())

	result, err := sc.Reconciler.SweepPeriodic(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Demoted)
}

func TestNewServiceContext_Errors(t *testing.T) {
	c := testConfig()
	c.JWT.Secret = ""
	_, err := NewServiceContext(c, zaptest.NewLogger(t))
	assert.Error(t, err)

	c = testConfig()
	c.Store.Type = "cassandra"
	_, err = NewServiceContext(c, zaptest.NewLogger(t))
	assert.Error(t, err)

	c = testConfig()
	c.Store.Type = "postgres"
	_, err = NewServiceContext(c, zaptest.NewLogger(t))
	assert.Error(t, err, "postgres without a dsn")
}

func TestServiceContext_Authenticate(t *testing.T) {
	sc, err := NewServiceContext(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sc.Close()

	token, err := sc.JWTManager.GenerateToken(jwt.Identity{UserID: "u-1", Name: "Alice", Role: "agent"})
	require.NoError(t, err)

	principal, err := sc.authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", principal.UserID)
	assert.Equal(t, "Alice", principal.Name)

	_, err = sc.authenticate("garbage")
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}

func TestStoreCallSucceeded(t *testing.T) {
	assert.True(t, storeCallSucceeded(nil))
	assert.True(t, storeCallSucceeded(session.ErrSessionExists))
	assert.True(t, storeCallSucceeded(context.Canceled))
	assert.False(t, storeCallSucceeded(errors.New("connection refused")))
	assert.False(t, storeCallSucceeded(context.DeadlineExceeded))
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("loud")
	assert.Error(t, err)
}
