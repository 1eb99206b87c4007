package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
)

// Manager owns the named breakers of a process and publishes their state
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewManager creates a breaker manager. m may be nil.
func NewManager(m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		metrics:  m,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker called name, creating it with config on
// first use
func (m *Manager) GetOrCreate(name string, config Config) *CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	breaker, exists = m.breakers[name]
	if exists {
		return breaker
	}

	userHook := config.OnStateChange
	config.OnStateChange = func(name string, from State, to State) {
		m.metrics.UpdateCircuitBreakerState(name, float64(to))
		if to == StateOpen {
			m.metrics.RecordCircuitBreakerTrip(name)
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	breaker = NewCircuitBreaker(name, config, m.logger)
	m.breakers[name] = breaker
	m.metrics.UpdateCircuitBreakerState(name, float64(StateClosed))

	m.logger.Info("Circuit breaker created",
		zap.String("name", name),
		zap.Duration("interval", config.Interval),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.MaxRequests),
	)

	return breaker
}

// Get returns the breaker called name, or nil
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[name]
}

// Reset closes the breaker called name; false if there is none
func (m *Manager) Reset(name string) bool {
	breaker := m.Get(name)
	if breaker == nil {
		return false
	}
	breaker.Reset()
	return true
}

// ResetAll closes every breaker
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}

	m.logger.Info("All circuit breakers reset")
}

// GetStats snapshots every breaker, ordered by name
func (m *Manager) GetStats() []BreakerStats {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, breaker := range breakers {
		state := breaker.State()
		counts := breaker.Counts()
		stats = append(stats, BreakerStats{
			Name:                 breaker.Name(),
			State:                state.String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ErrorRate:            counts.ErrorRate(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })

	return stats
}

// BreakerStats breaker snapshot
type BreakerStats struct {
	Name                 string  `json:"name"`
	State                string  `json:"state"`
	Requests             uint32  `json:"requests"`
	TotalSuccesses       uint32  `json:"total_successes"`
	TotalFailures        uint32  `json:"total_failures"`
	ConsecutiveSuccesses uint32  `json:"consecutive_successes"`
	ConsecutiveFailures  uint32  `json:"consecutive_failures"`
	ErrorRate            float64 `json:"error_rate"`
}

// DefaultConfig trips after 5 requests at 50% errors or 5 failures in a row
func DefaultConfig() Config {
	return Config{
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: defaultReadyToTrip,
	}
}

// ThresholdConfig trips once minRequests have been seen and either the error
// rate reaches errorRate or consecutive failures reach consecutive
func ThresholdConfig(minRequests uint32, errorRate float64, consecutive uint32) func(Counts) bool {
	return func(counts Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return counts.ErrorRate() >= errorRate || counts.ConsecutiveFailures >= consecutive
	}
}
