package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EventType kind of a watched change
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

// EtcdClient registers one key under a lease and watches prefixes
type EtcdClient struct {
	client      *clientv3.Client
	logger      *zap.Logger
	leaseID     clientv3.LeaseID
	keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
	mu          sync.Mutex
	key         string
	value       string
	ttl         int64
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// Config etcd connection
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewEtcdClient connects to etcd
func NewEtcdClient(config *Config, logger *zap.Logger) (*EtcdClient, error) {
	if config == nil || len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Username:    config.Username,
		Password:    config.Password,
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Etcd client created", zap.Strings("endpoints", config.Endpoints))

	return &EtcdClient{
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Register puts key=value under a lease of ttl seconds and keeps the lease
// alive. The key is re-registered if the keepalive stream is lost.
func (c *EtcdClient) Register(key, value string, ttl int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	c.key = key
	c.value = value
	c.ttl = ttl

	if err := c.grantAndPut(); err != nil {
		return err
	}

	c.logger.Info("Registered",
		zap.String("key", key),
		zap.Int64("ttl", ttl),
		zap.Int64("lease_id", int64(c.leaseID)),
	)

	return nil
}

// grantAndPut callers hold mu
func (c *EtcdClient) grantAndPut() error {
	lease, err := c.client.Grant(c.ctx, c.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	if _, err := c.client.Put(c.ctx, c.key, c.value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put %s: %w", c.key, err)
	}

	keepAliveCh, err := c.client.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep alive: %w", err)
	}

	c.leaseID = lease.ID
	c.keepAliveCh = keepAliveCh
	go c.watchKeepAlive(keepAliveCh)

	return nil
}

func (c *EtcdClient) watchKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case resp, ok := <-ch:
			if !ok {
				c.logger.Warn("Keepalive channel closed, re-registering", zap.String("key", c.key))
				c.mu.Lock()
				if !c.closed && c.key != "" {
					if err := c.grantAndPut(); err != nil {
						c.logger.Error("Failed to re-register", zap.String("key", c.key), zap.Error(err))
					}
				}
				c.mu.Unlock()
				return
			}
			if resp != nil {
				c.logger.Debug("Keepalive", zap.Int64("ttl", resp.TTL))
			}
		}
	}
}

// Watch replays the current keys under prefix to handler, then streams
// changes until the client is closed
func (c *EtcdClient) Watch(prefix string, handler func(eventType EventType, key, value string)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.mu.Unlock()

	resp, err := c.client.Get(c.ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	for _, kv := range resp.Kvs {
		handler(EventPut, string(kv.Key), string(kv.Value))
	}

	watchCh := c.client.Watch(c.ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	go func() {
		c.logger.Info("Watching", zap.String("prefix", prefix))

		for {
			select {
			case <-c.ctx.Done():
				return
			case watchResp, ok := <-watchCh:
				if !ok {
					c.logger.Warn("Watch channel closed", zap.String("prefix", prefix))
					return
				}
				if err := watchResp.Err(); err != nil {
					c.logger.Error("Watch error", zap.Error(err))
					continue
				}

				for _, event := range watchResp.Events {
					switch event.Type {
					case clientv3.EventTypePut:
						handler(EventPut, string(event.Kv.Key), string(event.Kv.Value))
					case clientv3.EventTypeDelete:
						handler(EventDelete, string(event.Kv.Key), "")
					}
				}
			}
		}
	}()

	return nil
}

// Close deletes the registered key, revokes the lease and disconnects
func (c *EtcdClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if c.key != "" {
		if _, err := c.client.Delete(ctx, c.key); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", c.key), zap.Error(err))
		}
	}
	if c.leaseID != 0 {
		if _, err := c.client.Revoke(ctx, c.leaseID); err != nil {
			c.logger.Warn("Failed to revoke lease", zap.Error(err))
		}
	}

	c.cancel()
	err := c.client.Close()

	c.logger.Info("Etcd client closed")

	return err
}
