package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestRedisClient uses DB 15 as the scratch database
func newTestRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
}

func isRedisAvailable() bool {
	client := newTestRedisClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return client.Ping(ctx).Err() == nil
}

func newTestRedisStore(t *testing.T) *RedisStore {
	if !isRedisAvailable() {
		t.Skip("Redis not available, skipping test")
	}

	client := newTestRedisClient()
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisStore(&RedisStoreConfig{
		Client: client,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, store.Clear(context.Background()))
	t.Cleanup(func() { store.Clear(context.Background()) })

	return store
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(&RedisStoreConfig{})
	assert.Error(t, err)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	connID := uuid.NewString()

	require.NoError(t, store.Create(ctx, newTestSession(connID, "u1", now)))
	assert.True(t, errors.Is(store.Create(ctx, newTestSession(connID, "u1", now)), ErrSessionExists))

	ok, err := store.Navigate(ctx, connID, "/orders", "Orders", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	sessions, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/orders", sessions[0].CurrentPage)
	assert.True(t, sessions[0].LastActivity.Equal(now.Add(time.Second)))

	ok, err = store.Deactivate(ctx, connID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Touch(ctx, connID, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	sessions, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRedisStore_ListActiveOrdering(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newTestSession("old", "u1", now.Add(-time.Hour))))
	require.NoError(t, store.Create(ctx, newTestSession("new", "u2", now)))
	require.NoError(t, store.Create(ctx, newTestSession("none", "u3", time.Time{})))

	sessions, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "new", sessions[0].ConnectionID)
	assert.Equal(t, "old", sessions[1].ConnectionID)
	assert.Equal(t, "none", sessions[2].ConnectionID)
	assert.True(t, sessions[2].LastActivity.IsZero())
}

func TestParseTime_Unparsable(t *testing.T) {
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("yesterday").IsZero())

	now := time.Now().UTC().Truncate(time.Microsecond)
	assert.True(t, parseTime(formatTime(now)).Equal(now))
}

func TestDecodeSession(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	session := decodeSession("c1", map[string]string{
		fieldUserID:         "u1",
		fieldActive:         "1",
		fieldLastActivity:   "garbage",
		fieldConnectedAt:    formatTime(at),
		fieldDisconnectedAt: "",
	})

	assert.Equal(t, "c1", session.ConnectionID)
	assert.True(t, session.Active)
	assert.True(t, session.LastActivity.IsZero())
	assert.Equal(t, at, session.ConnectedAt)
	assert.Nil(t, session.DisconnectedAt)
}
