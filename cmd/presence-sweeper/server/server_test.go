package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/customsportal/portal/cmd/presence-sweeper/config"
	"github.com/customsportal/portal/internal/session"
)

func seed(t *testing.T, store *session.MemoryStore, connID string, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &session.Session{
		UserID:       "user-" + connID,
		ConnectionID: connID,
		Active:       true,
		ConnectedAt:  lastActivity,
		LastActivity: lastActivity,
	}))
}

func TestServer_RunOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sweep.Threshold = 10 * time.Minute
	cfg.Metrics.Enable = false

	store := session.NewMemoryStore()
	now := time.Now()
	seed(t, store, "fresh", now.Add(-time.Minute))
	seed(t, store, "stale", now.Add(-time.Hour))
	seed(t, store, "unknown", time.Time{})

	s, err := newServer(cfg, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 2, result.Demoted)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ConnectionID)

	stale, ok := store.Get(context.Background(), "stale")
	require.True(t, ok)
	assert.False(t, stale.Active)
	assert.NotNil(t, stale.DisconnectedAt)
}

func TestServer_StartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Host = "127.0.0.1"
	cfg.Metrics.Port = 0

	s, err := newServer(cfg, session.NewMemoryStore(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	s.Stop()
}

func TestOpenStore_Unsupported(t *testing.T) {
	_, _, err := openStore(context.Background(), config.StoreConfig{Type: "memory"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, _, err = openStore(context.Background(), config.StoreConfig{Type: "postgres"}, zaptest.NewLogger(t))
	assert.Error(t, err, "dsn is required")
}
