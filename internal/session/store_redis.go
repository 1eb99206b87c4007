package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Redis key layout
	sessionKeyPrefix = "presence:session:" // presence:session:{connID} -> hash
	activeSetKey     = "presence:active"   // sorted set of active connIDs scored by last activity (ms)
)

// Hash fields
const (
	fieldUserID         = "user_id"
	fieldSessionID      = "session_id"
	fieldIPAddress      = "ip_address"
	fieldUserAgent      = "user_agent"
	fieldActive         = "active"
	fieldCurrentPage    = "current_page"
	fieldPageTitle      = "page_title"
	fieldConnectedAt    = "connected_at"
	fieldLastActivity   = "last_activity"
	fieldDisconnectedAt = "disconnected_at"
)

// KEYS[1]=session hash, KEYS[2]=active set; ARGV: connID, score, field/value pairs
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1]=session hash, KEYS[2]=active set; ARGV: connID, score, field/value pairs
var updateActiveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1]=session hash, KEYS[2]=active set; ARGV: connID, disconnected_at
var deactivateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 0
end
redis.call('HSET', KEYS[1], 'active', '0', 'disconnected_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// RedisStore Redis-based session store
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// RedisStoreConfig Redis store configuration
type RedisStoreConfig struct {
	Client redis.UniversalClient
	Logger *zap.Logger
}

// NewRedisStore creates a new Redis-based session store
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &RedisStore{
		client: config.Client,
		logger: config.Logger,
	}, nil
}

// Create stores a new active session
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	if err := validate(session); err != nil {
		return err
	}

	args := []interface{}{
		session.ConnectionID,
		score(session.LastActivity),
		fieldUserID, session.UserID,
		fieldSessionID, session.SessionID,
		fieldIPAddress, session.IPAddress,
		fieldUserAgent, session.UserAgent,
		fieldActive, "1",
		fieldConnectedAt, formatTime(session.ConnectedAt),
		fieldLastActivity, formatTime(session.LastActivity),
	}

	created, err := createScript.Run(ctx, s.client, s.keys(session.ConnectionID), args...).Int()
	if err != nil {
		s.logger.Error("Failed to create session in Redis",
			zap.String("connection_id", session.ConnectionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.ConnectionID)
	}

	s.logger.Debug("Session created in Redis",
		zap.String("connection_id", session.ConnectionID))

	return nil
}

// Touch refreshes last activity of an active session
func (s *RedisStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	return s.updateActive(ctx, "touch", connID, at,
		fieldLastActivity, formatTime(at))
}

// Navigate records the current page of an active session
func (s *RedisStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	return s.updateActive(ctx, "navigate", connID, at,
		fieldCurrentPage, page,
		fieldPageTitle, title,
		fieldLastActivity, formatTime(at))
}

// Deactivate marks an active session inactive
func (s *RedisStore) Deactivate(ctx context.Context, connID string, at time.Time) (bool, error) {
	n, err := deactivateScript.Run(ctx, s.client, s.keys(connID), connID, formatTime(at)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	return n == 1, nil
}

// ListActive lists active sessions, most recently active first
func (s *RedisStore) ListActive(ctx context.Context) ([]*Session, error) {
	connIDs, err := s.client.ZRevRange(ctx, activeSetKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read active set: %w", err)
	}
	if len(connIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(connIDs))
	for i, connID := range connIDs {
		cmds[i] = pipe.HGetAll(ctx, sessionKeyPrefix+connID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(connIDs))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			s.logger.Debug("Active index points at missing session",
				zap.String("connection_id", connIDs[i]))
			continue
		}
		if fields[fieldActive] != "1" {
			continue
		}
		sessions = append(sessions, decodeSession(connIDs[i], fields))
	}

	return sessions, nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Clear removes all presence keys (for testing purposes)
func (s *RedisStore) Clear(ctx context.Context) error {
	s.logger.Warn("Clearing all presence sessions from Redis")

	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, activeSetKey).Err()
}

func (s *RedisStore) updateActive(ctx context.Context, op, connID string, at time.Time, fields ...interface{}) (bool, error) {
	args := append([]interface{}{connID, score(at)}, fields...)
	n, err := updateActiveScript.Run(ctx, s.client, s.keys(connID), args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to %s session: %w", op, err)
	}
	return n == 1, nil
}

func (s *RedisStore) keys(connID string) []string {
	return []string{sessionKeyPrefix + connID, activeSetKey}
}

func decodeSession(connID string, fields map[string]string) *Session {
	session := &Session{
		ConnectionID: connID,
		UserID:       fields[fieldUserID],
		SessionID:    fields[fieldSessionID],
		IPAddress:    fields[fieldIPAddress],
		UserAgent:    fields[fieldUserAgent],
		Active:       fields[fieldActive] == "1",
		CurrentPage:  fields[fieldCurrentPage],
		PageTitle:    fields[fieldPageTitle],
		ConnectedAt:  parseTime(fields[fieldConnectedAt]),
		LastActivity: parseTime(fields[fieldLastActivity]),
	}
	if v, ok := fields[fieldDisconnectedAt]; ok {
		if t := parseTime(v); !t.IsZero() {
			session.DisconnectedAt = &t
		}
	}
	return session
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime returns the zero time for empty or unparsable values
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func score(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
