package svc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/customsportal/portal/internal/gateway/breaker"
	"github.com/customsportal/portal/internal/gateway/config"
	"github.com/customsportal/portal/internal/gateway/discovery"
	"github.com/customsportal/portal/internal/gateway/jwt"
	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/gateway/tracing"
	"github.com/customsportal/portal/internal/gateway/websocket"
	"github.com/customsportal/portal/internal/presence"
	"github.com/customsportal/portal/internal/session"
	"github.com/customsportal/portal/pkg/retry"
)

// SessionStoreBreaker names the breaker guarding the session store
const SessionStoreBreaker = "session-store"

const startupTimeout = 30 * time.Second

// ServiceContext holds the long-lived components of one gateway replica
type ServiceContext struct {
	Config    config.Config
	Logger    *zap.Logger
	ReplicaID string

	JWTManager       *jwt.JWTManager
	Tracer           *tracing.Tracer
	Metrics          *metrics.Metrics
	MetricsCollector *metrics.Collector
	BreakerManager   *breaker.Manager

	DB    *sql.DB
	Redis redis.UniversalClient

	WSServer   *websocket.Server
	Presence   *presence.Handler
	Reconciler *presence.Reconciler
	Relay      *presence.RedisRelay

	EtcdClient *discovery.EtcdClient
	Replicas   *discovery.ReplicaSet
}

// NewServiceContext builds and starts every component. logger may be nil, in
// which case a production logger at c.Log.Level is created.
func NewServiceContext(c config.Config, logger *zap.Logger) (*ServiceContext, error) {
	if logger == nil {
		var err error
		if logger, err = newLogger(c.Log.Level); err != nil {
			return nil, err
		}
	}
	if c.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	sc := &ServiceContext{
		Config:     c,
		Logger:     logger,
		ReplicaID:  newReplicaID(),
		JWTManager: jwt.NewJWTManager(c.JWT.Secret, c.JWT.Expire, c.JWT.Issuer),
	}

	if err := sc.init(); err != nil {
		sc.Close()
		return nil, err
	}

	logger.Info("Service context ready",
		zap.String("replica_id", sc.ReplicaID),
		zap.String("store", c.Store.Type),
		zap.Bool("relay", sc.Relay != nil),
		zap.Bool("periodic_sweep", c.Presence.PeriodicSweep),
	)

	return sc, nil
}

func (sc *ServiceContext) init() error {
	c := sc.Config
	logger := sc.Logger

	tracingConfig := c.Tracing
	tracer, err := tracing.NewTracer(&tracingConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sc.Tracer = tracer

	sc.Metrics = metrics.NewMetrics(c.Metrics.Namespace, c.Metrics.Subsystem)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	store, directory, err := sc.openStore(ctx)
	if err != nil {
		return err
	}

	if c.Breaker.Enable {
		sc.BreakerManager = breaker.NewManager(sc.Metrics, logger)
		cb := sc.BreakerManager.GetOrCreate(SessionStoreBreaker, breaker.Config{
			MaxRequests:  c.Breaker.MaxRequests,
			Interval:     c.Breaker.Interval,
			Timeout:      c.Breaker.Timeout,
			ReadyToTrip:  breaker.ThresholdConfig(c.Breaker.MinRequests, c.Breaker.ErrorRate, c.Breaker.ConsecutiveFailures),
			IsSuccessful: storeCallSucceeded,
		})
		store = session.NewGuardedStore(store, cb)
	}
	store = presence.InstrumentStore(store, sc.Metrics)

	sc.WSServer = websocket.NewServer(logger)
	sc.WSServer.SetMetrics(sc.Metrics)
	sc.WSServer.SetAllowedOrigins(c.WebSocket.AllowedOrigins)
	sc.WSServer.SetAuthFunc(sc.authenticate)

	var out presence.Broadcaster = sc.WSServer.GetHub()
	if c.Presence.Relay.Enable {
		relay, err := presence.NewRedisRelay(&presence.RelayConfig{
			Client:    sc.redisClient(),
			Channel:   c.Presence.Relay.Channel,
			ReplicaID: sc.ReplicaID,
			Local:     sc.WSServer.GetHub(),
			Metrics:   sc.Metrics,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		if err := relay.Start(ctx); err != nil {
			return err
		}
		sc.Relay = relay
		out = relay
	}

	reconciler, err := presence.NewReconciler(&presence.ReconcilerConfig{
		Store:             store,
		PeriodicThreshold: c.Presence.PeriodicThreshold,
		Interval:          c.Presence.SweepInterval,
		Metrics:           sc.Metrics,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	sc.Reconciler = reconciler

	handler, err := presence.NewHandler(&presence.HandlerConfig{
		Store:                  store,
		Directory:              directory,
		Reconciler:             reconciler,
		Broadcaster:            out,
		ObserverRoles:          c.Presence.ObserverRoles,
		OpportunisticThreshold: c.Presence.OpportunisticThreshold,
		SweepTimeout:           c.Presence.SweepTimeout,
		Metrics:                sc.Metrics,
		Tracer:                 tracer,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}
	sc.Presence = handler
	sc.WSServer.SetMessageHandler(presence.NewDispatcher(handler, websocket.NewDefaultHandler(logger), sc.Metrics, logger))

	sc.MetricsCollector = metrics.NewCollector(sc.Metrics, handler.Registry(), logger)
	sc.MetricsCollector.Start()

	if c.Presence.PeriodicSweep {
		reconciler.Start()
	}

	if c.Etcd.Enable {
		if err := sc.joinReplicaSet(); err != nil {
			return err
		}
	}

	return nil
}

func (sc *ServiceContext) openStore(ctx context.Context) (session.Store, session.Directory, error) {
	c := sc.Config
	logger := sc.Logger

	switch c.Store.Type {
	case "", "memory":
		logger.Warn("Using in-memory session store; presence is not shared between replicas")
		return session.NewMemoryStore(), nil, nil

	case "postgres":
		db, err := session.OpenPostgres(session.PostgresOptions{
			DSN:             c.Postgres.DSN,
			MaxOpenConns:    c.Postgres.MaxOpenConns,
			MaxIdleConns:    c.Postgres.MaxIdleConns,
			ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		sc.DB = db

		if err := retry.Do(ctx, "postgres ping", retry.DefaultPolicy, logger, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}

		store, err := session.NewPostgresStore(&session.PostgresStoreConfig{DB: db, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		if c.Store.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, nil, err
			}
			logger.Info("Session schema applied")
		}
		return store, session.NewPostgresDirectory(db), nil

	case "redis":
		client := sc.redisClient()
		if err := retry.Do(ctx, "redis ping", retry.DefaultPolicy, logger, func() error {
			return client.Ping(ctx).Err()
		}); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		store, err := session.NewRedisStore(&session.RedisStoreConfig{Client: client, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown session store type %q", c.Store.Type)
	}
}

// redisClient is shared by the Redis store and the relay
func (sc *ServiceContext) redisClient() redis.UniversalClient {
	if sc.Redis == nil {
		sc.Redis = redis.NewClient(&redis.Options{
			Addr:     sc.Config.Redis.Addr,
			Password: sc.Config.Redis.Password,
			DB:       sc.Config.Redis.DB,
			PoolSize: sc.Config.Redis.PoolSize,
		})
	}
	return sc.Redis
}

func (sc *ServiceContext) joinReplicaSet() error {
	c := sc.Config.Etcd

	client, err := discovery.NewEtcdClient(&discovery.Config{
		Endpoints:   c.Hosts,
		DialTimeout: c.DialTimeout,
	}, sc.Logger)
	if err != nil {
		return err
	}
	sc.EtcdClient = client

	sc.Replicas = discovery.NewReplicaSet(client, c.Prefix, discovery.Replica{
		ID:        sc.ReplicaID,
		Addr:      fmt.Sprintf("%s:%d", sc.Config.Host, sc.Config.Port),
		StartedAt: time.Now().UTC(),
	}, sc.Logger)

	return sc.Replicas.Join(c.TTL)
}

// authenticate resolves an upgrade token to the connection principal
func (sc *ServiceContext) authenticate(token string) (*websocket.Principal, error) {
	claims, err := sc.JWTManager.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	id := claims.Identity()
	return &websocket.Principal{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Name:      id.Name,
		Email:     id.Email,
		Role:      id.Role,
	}, nil
}

// Close stops components in dependency order
func (sc *ServiceContext) Close() {
	if sc.Reconciler != nil {
		sc.Reconciler.Stop()
	}

	// disconnect hooks still need the store and the relay
	if sc.WSServer != nil {
		sc.WSServer.Close()
	}

	if sc.Relay != nil {
		if err := sc.Relay.Close(); err != nil {
			sc.Logger.Warn("Failed to close presence relay", zap.Error(err))
		}
	}

	if sc.MetricsCollector != nil {
		sc.MetricsCollector.Stop()
	}

	if sc.EtcdClient != nil {
		if err := sc.EtcdClient.Close(); err != nil {
			sc.Logger.Error("Failed to close etcd client", zap.Error(err))
		}
	}

	if sc.Redis != nil {
		if err := sc.Redis.Close(); err != nil {
			sc.Logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}

	if sc.DB != nil {
		if err := sc.DB.Close(); err != nil {
			sc.Logger.Warn("Failed to close database", zap.Error(err))
		}
	}

	if sc.Tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sc.Tracer.Shutdown(shutdownCtx); err != nil {
			sc.Logger.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}

	_ = sc.Logger.Sync()
}

// storeCallSucceeded keeps caller-side outcomes from tripping the breaker
func storeCallSucceeded(err error) bool {
	return err == nil ||
		errors.Is(err, session.ErrSessionExists) ||
		errors.Is(err, session.ErrInvalidSession) ||
		errors.Is(err, context.Canceled)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func newReplicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
