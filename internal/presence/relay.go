package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/gateway/websocket"
	"github.com/customsportal/portal/pkg/retry"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by replicas
const DefaultRelayChannel = "portal:presence:relay"

const publishTimeout = time.Second

// audiences of a relayed broadcast
const (
	audienceAll     = "all"
	audienceExcept  = "except"
	audienceChannel = "channel"
)

type envelope struct {
	Origin   string             `json:"origin"`
	Audience string             `json:"audience"`
	Except   string             `json:"except,omitempty"`
	Channel  string             `json:"channel,omitempty"`
	Message  *websocket.Message `json:"message"`
}

// RedisRelay fans broadcasts out to the other gateway replicas. Local
// delivery goes straight to the wrapped Broadcaster; every broadcast is also
// published on Redis and replayed by the other replicas on their own hubs.
// Unicasts and subscriptions stay local since a connection lives on exactly
// one replica. Delivery across replicas is at most once and unordered.
type RedisRelay struct {
	client    redis.UniversalClient
	channel   string
	replicaID string
	local     Broadcaster
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// RelayConfig relay configuration
type RelayConfig struct {
	Client    redis.UniversalClient
	Channel   string
	ReplicaID string
	Local     Broadcaster
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewRedisRelay creates a relay around local
func NewRedisRelay(config *RelayConfig) (*RedisRelay, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Local == nil {
		return nil, fmt.Errorf("local broadcaster is required")
	}
	if config.ReplicaID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if config.Channel == "" {
		config.Channel = DefaultRelayChannel
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &RedisRelay{
		client:    config.Client,
		channel:   config.Channel,
		replicaID: config.ReplicaID,
		local:     config.Local,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}, nil
}

// Start subscribes to the relay channel and begins replaying foreign
// envelopes. The subscription is retried with backoff.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return nil
	}

	var pubsub *redis.PubSub
	err := retry.Do(ctx, "relay subscribe", retry.DefaultPolicy, r.logger, func() error {
		ps := r.client.Subscribe(ctx, r.channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return err
		}
		pubsub = ps
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	r.pubsub = pubsub
	r.wg.Add(1)
	go r.receiveLoop(pubsub.Channel())

	r.logger.Info("Presence relay started",
		zap.String("channel", r.channel),
		zap.String("replica_id", r.replicaID))
	return nil
}

// Close unsubscribes and waits for the receive loop
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *RedisRelay) receiveLoop(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range ch {
		r.deliver([]byte(msg.Payload))
	}
}

// deliver replays a foreign envelope on the local hub
func (r *RedisRelay) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Message == nil {
		r.metrics.RecordRelay("dropped")
		r.logger.Warn("Dropping malformed relay envelope", zap.Error(err))
		return
	}
	if env.Origin == r.replicaID {
		return
	}

	switch env.Audience {
	case audienceAll:
		r.local.Broadcast(env.Message)
	case audienceExcept:
		r.local.BroadcastExcept(env.Except, env.Message)
	case audienceChannel:
		r.local.BroadcastToChannel(env.Channel, env.Message)
	default:
		r.metrics.RecordRelay("dropped")
		r.logger.Warn("Unknown relay audience", zap.String("audience", env.Audience))
		return
	}
	r.metrics.RecordRelay("delivered")
}

func (r *RedisRelay) publish(env envelope) {
	env.Origin = r.replicaID

	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode relay envelope", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.metrics.RecordRelay("dropped")
		r.logger.Warn("Failed to publish relay envelope",
			zap.String("msg_type", string(env.Message.Type)),
			zap.Error(err))
		return
	}
	r.metrics.RecordRelay("published")
}

// Send implements Broadcaster
func (r *RedisRelay) Send(connID string, msg *websocket.Message) error {
	return r.local.Send(connID, msg)
}

// SubscribeChannel implements Broadcaster
func (r *RedisRelay) SubscribeChannel(connID, channel string) error {
	return r.local.SubscribeChannel(connID, channel)
}

// Broadcast implements Broadcaster; the count covers local connections only
func (r *RedisRelay) Broadcast(msg *websocket.Message) int {
	n := r.local.Broadcast(msg)
	r.publish(envelope{Audience: audienceAll, Message: msg})
	return n
}

// BroadcastExcept implements Broadcaster
func (r *RedisRelay) BroadcastExcept(exceptID string, msg *websocket.Message) int {
	n := r.local.BroadcastExcept(exceptID, msg)
	r.publish(envelope{Audience: audienceExcept, Except: exceptID, Message: msg})
	return n
}

// BroadcastToChannel implements Broadcaster
func (r *RedisRelay) BroadcastToChannel(channel string, msg *websocket.Message) int {
	n := r.local.BroadcastToChannel(channel, msg)
	r.publish(envelope{Audience: audienceChannel, Channel: channel, Message: msg})
	return n
}
