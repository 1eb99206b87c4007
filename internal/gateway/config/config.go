package config

import (
	"time"

	"github.com/zeromicro/go-zero/rest"

	"github.com/customsportal/portal/internal/gateway/tracing"
)

// Config portal gateway configuration
type Config struct {
	rest.RestConf

	Log LogConfig `json:",optional"`

	JWT JWTConfig

	// Store selects the session store backend
	Store    StoreConfig    `json:",optional"`
	Postgres PostgresConfig `json:",optional"`
	Redis    RedisConfig    `json:",optional"`

	Presence PresenceConfig `json:",optional"`

	WebSocket WebSocketConfig `json:",optional"`

	RateLimit RateLimitConfig `json:",optional"`
	Breaker   BreakerConfig   `json:",optional"`
	Metrics   MetricsConfig   `json:",optional"`
	Tracing   tracing.Config  `json:",optional"`
	Etcd      EtcdConfig      `json:",optional"`
}

// LogConfig zap and logx settings
type LogConfig struct {
	ServiceName         string `json:",default=portal-gateway"`
	Mode                string `json:",default=console,options=console|file|volume"`
	Path                string `json:",default=logs/gateway"`
	Level               string `json:",default=info,options=debug|info|warn|error"`
	Compress            bool   `json:",default=false"`
	KeepDays            int    `json:",default=7"`
	StackCooldownMillis int    `json:",default=100"`
}

// JWTConfig token verification
type JWTConfig struct {
	Secret string
	Expire int64  `json:",default=86400"` // seconds
	Issuer string `json:",optional"`
}

// StoreConfig session store backend
type StoreConfig struct {
	Type    string `json:",default=memory,options=memory|postgres|redis"`
	Migrate bool   `json:",default=false"` // apply schema.sql on startup (postgres)
}

// PostgresConfig database/sql pool
type PostgresConfig struct {
	DSN             string        `json:",optional"`
	MaxOpenConns    int           `json:",default=20"`
	MaxIdleConns    int           `json:",default=5"`
	ConnMaxLifetime time.Duration `json:",default=30m"`
}

// RedisConfig go-redis client
type RedisConfig struct {
	Addr     string `json:",default=localhost:6379"`
	Password string `json:",optional"`
	DB       int    `json:",default=0"`
	PoolSize int    `json:",default=20"`
}

// PresenceConfig presence tracking behaviour
type PresenceConfig struct {
	ObserverRoles          []string      `json:",optional"` // empty means admin
	OpportunisticThreshold time.Duration `json:",default=5m"`
	PeriodicThreshold      time.Duration `json:",default=30m"`
	SweepInterval          time.Duration `json:",default=5m"`
	SweepTimeout           time.Duration `json:",default=5s"`
	// PeriodicSweep runs the reconciler loop inside the gateway; turn it
	// off when presence-sweeper runs instead
	PeriodicSweep bool        `json:",default=true"`
	Relay         RelayConfig `json:",optional"`
}

// RelayConfig cross-replica broadcast relay over Redis pub/sub
type RelayConfig struct {
	Enable  bool   `json:",default=false"`
	Channel string `json:",default=portal:presence:relay"`
}

// WebSocketConfig upgrade settings
type WebSocketConfig struct {
	AllowedOrigins []string `json:",optional"`
}

// RateLimitConfig token bucket for the REST routes
type RateLimitConfig struct {
	Enable bool `json:",default=true"`
	Rate   int  `json:",default=100"` // requests per second
	Burst  int  `json:",default=200"`
}

// BreakerConfig circuit breaker around the session store
type BreakerConfig struct {
	Enable              bool          `json:",default=true"`
	MinRequests         uint32        `json:",default=5"`
	ErrorRate           float64       `json:",default=0.5"`
	ConsecutiveFailures uint32        `json:",default=5"`
	Interval            time.Duration `json:",default=10s"`
	Timeout             time.Duration `json:",default=30s"`
	MaxRequests         uint32        `json:",default=3"`
}

// MetricsConfig Prometheus settings
type MetricsConfig struct {
	Enable    bool   `json:",default=true"`
	Namespace string `json:",default=portal"`
	Subsystem string `json:",default=gateway"`
}

// EtcdConfig replica registration
type EtcdConfig struct {
	Enable      bool          `json:",default=false"`
	Hosts       []string      `json:",optional"`
	Prefix      string        `json:",default=/portal/replicas"`
	TTL         int64         `json:",default=10"` // seconds
	DialTimeout time.Duration `json:",default=5s"`
}
