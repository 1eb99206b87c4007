package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config presence-sweeper configuration
type Config struct {
	Store   StoreConfig   `yaml:"Store"`
	Sweep   SweepConfig   `yaml:"Sweep"`
	Log     LogConfig     `yaml:"Log"`
	Metrics MetricsConfig `yaml:"Metrics"`
	Tracing TracingConfig `yaml:"Tracing"`
}

// StoreConfig session store backend; memory is not accepted here
type StoreConfig struct {
	Type     string         `yaml:"Type"` // postgres, redis
	Postgres PostgresConfig `yaml:"Postgres,omitempty"`
	Redis    RedisConfig    `yaml:"Redis,omitempty"`
}

// PostgresConfig database/sql pool
type PostgresConfig struct {
	DSN             string        `yaml:"DSN"`
	MaxOpenConns    int           `yaml:"MaxOpenConns"`
	MaxIdleConns    int           `yaml:"MaxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"ConnMaxLifetime"`
}

// RedisConfig go-redis client
type RedisConfig struct {
	Addr         string        `yaml:"Addr"`
	Password     string        `yaml:"Password"`
	DB           int           `yaml:"DB"`
	PoolSize     int           `yaml:"PoolSize"`
	DialTimeout  time.Duration `yaml:"DialTimeout"`
	ReadTimeout  time.Duration `yaml:"ReadTimeout"`
	WriteTimeout time.Duration `yaml:"WriteTimeout"`
}

// SweepConfig reconciler schedule
type SweepConfig struct {
	Threshold time.Duration `yaml:"Threshold"`
	Interval  time.Duration `yaml:"Interval"`
	Timeout   time.Duration `yaml:"Timeout"`
}

// LogConfig zap settings
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig Prometheus endpoint
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
	Path   string `yaml:"Path"`
}

// TracingConfig OpenTelemetry exporter
type TracingConfig struct {
	Enable       bool    `yaml:"Enable"`
	ServiceName  string  `yaml:"ServiceName"`
	Endpoint     string  `yaml:"Endpoint"`
	Exporter     string  `yaml:"Exporter"`
	SampleRate   float64 `yaml:"SampleRate"`
	Environment  string  `yaml:"Environment"`
	BatchTimeout int     `yaml:"BatchTimeout"`
	MaxQueueSize int     `yaml:"MaxQueueSize"`
}

// DefaultConfig returns the defaults every loaded file is layered on
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type: "postgres",
			Postgres: PostgresConfig{
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     5,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Sweep: SweepConfig{
			Threshold: 30 * time.Minute,
			Interval:  5 * time.Minute,
			Timeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9102,
			Path:   "/metrics",
		},
		Tracing: TracingConfig{
			Enable:       false,
			ServiceName:  "presence-sweeper",
			Endpoint:     "http://localhost:14268/api/traces",
			Exporter:     "jaeger",
			SampleRate:   1.0,
			Environment:  "development",
			BatchTimeout: 5,
			MaxQueueSize: 2048,
		},
	}
}

// Load reads filename over DefaultConfig. A missing file yields the
// defaults; found reports whether the file existed. The result is not
// validated, so command-line overrides can still be applied.
func Load(filename string) (cfg *Config, found bool, err error) {
	cfg = DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, true, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, true, nil
}

// WithThreshold overrides Sweep.Threshold when threshold is positive
func (c *Config) WithThreshold(threshold time.Duration) *Config {
	if threshold > 0 {
		c.Sweep.Threshold = threshold
	}
	return c
}

// Validate rejects configurations the sweeper cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("Store.Postgres.DSN is required")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("Store.Redis.Addr is required")
		}
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}
	if c.Sweep.Threshold <= 0 {
		return fmt.Errorf("Sweep.Threshold must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("Sweep.Interval must be positive")
	}
	return nil
}
