package metrics

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegistrySource reports the size of a connection registry
type RegistrySource interface {
	Counts() (users, observers int)
}

// Collector periodically samples gauges that are not event driven
type Collector struct {
	metrics  *Metrics
	source   RegistrySource
	interval time.Duration
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. source may be nil.
func NewCollector(metrics *Metrics, source RegistrySource, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		metrics:  metrics,
		source:   source,
		interval: 10 * time.Second,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling
func (c *Collector) Start() {
	go c.collectLoop()
	c.logger.Info("Metrics collector started")
}

// Stop stops sampling
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info("Metrics collector stopped")
	})
}

func (c *Collector) collectLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			return
		}
	}
}

// Collect takes one sample
func (c *Collector) Collect() {
	numGoroutines := runtime.NumGoroutine()
	c.metrics.GoRoutines.Set(float64(numGoroutines))

	fields := []zap.Field{zap.Int("goroutines", numGoroutines)}
	if c.source != nil {
		users, observers := c.source.Counts()
		c.metrics.SetRegistryConnections(users, observers)
		fields = append(fields, zap.Int("users", users), zap.Int("observers", observers))
	}

	c.logger.Debug("Metrics collected", fields...)
}
