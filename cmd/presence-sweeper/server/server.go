package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/customsportal/portal/cmd/presence-sweeper/config"
	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/gateway/tracing"
	"github.com/customsportal/portal/internal/presence"
	"github.com/customsportal/portal/internal/session"
	"github.com/customsportal/portal/pkg/retry"
)

// Server runs the stale-session reconciler outside the gateways
type Server struct {
	config     *config.Config
	reconciler *presence.Reconciler
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
	logger     *zap.Logger
	closers    []io.Closer
	httpServer *http.Server
}

// New opens the configured session store and builds the reconciler
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closer, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	s, err := newServer(cfg, store, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	s.closers = append(s.closers, closer)

	return s, nil
}

func newServer(cfg *config.Config, store session.Store, logger *zap.Logger) (*Server, error) {
	tracer, err := tracing.NewTracer(&tracing.Config{
		Enable:       cfg.Tracing.Enable,
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Exporter:     cfg.Tracing.Exporter,
		SampleRate:   cfg.Tracing.SampleRate,
		Environment:  cfg.Tracing.Environment,
		BatchTimeout: cfg.Tracing.BatchTimeout,
		MaxQueueSize: cfg.Tracing.MaxQueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	m := metrics.NewMetrics("portal", "sweeper")

	reconciler, err := presence.NewReconciler(&presence.ReconcilerConfig{
		Store:             presence.InstrumentStore(store, m),
		PeriodicThreshold: cfg.Sweep.Threshold,
		Interval:          cfg.Sweep.Interval,
		Timeout:           cfg.Sweep.Timeout,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		config:     cfg,
		reconciler: reconciler,
		metrics:    m,
		tracer:     tracer,
		logger:     logger,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (session.Store, io.Closer, error) {
	switch cfg.Type {
	case "postgres":
		db, err := session.OpenPostgres(session.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := retry.Do(ctx, "postgres ping", retry.DefaultPolicy, logger, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}

		store, err := session.NewPostgresStore(&session.PostgresStoreConfig{DB: db, Logger: logger})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Using PostgresStore")
		return store, db, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := retry.Do(ctx, "redis ping", retry.DefaultPolicy, logger, func() error {
			return client.Ping(ctx).Err()
		}); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		store, err := session.NewRedisStore(&session.RedisStoreConfig{Client: client, Logger: logger})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("Using RedisStore", zap.String("addr", cfg.Redis.Addr))
		return store, client, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// RunOnce performs a single sweep with the configured threshold
func (s *Server) RunOnce(ctx context.Context) (presence.SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "presence.sweep")
	defer span.End()

	result, err := s.reconciler.SweepPeriodic(ctx)
	if err != nil {
		s.tracer.RecordError(ctx, err)
	}
	return result, err
}

// Start begins periodic sweeping and serves metrics; it does not block
func (s *Server) Start() error {
	if s.config.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			s.logger.Info("Metrics server started", zap.String("address", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	s.reconciler.Start()

	s.logger.Info("Presence sweeper started",
		zap.Duration("threshold", s.config.Sweep.Threshold),
		zap.Duration("interval", s.config.Sweep.Interval),
		zap.Bool("metrics_enabled", s.config.Metrics.Enable),
		zap.Bool("tracing_enabled", s.tracer.IsEnabled()))

	return nil
}

// Stop stops sweeping and releases the store
func (s *Server) Stop() {
	s.logger.Info("Stopping presence sweeper...")

	s.reconciler.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.tracer.Shutdown(ctx)

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close store", zap.Error(err))
		}
	}

	s.logger.Info("Presence sweeper stopped")
}
