package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the gateway. Each instance owns its
// registry, so several can coexist in one process (tests, sweeper).
//
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge
	RateLimitedTotal    *prometheus.CounterVec

	// WebSocket
	WSConnectionsTotal  *prometheus.CounterVec
	WSActiveConnections prometheus.Gauge
	WSRejectedTotal     *prometheus.CounterVec

	// Presence
	PresenceEventsTotal   *prometheus.CounterVec
	PresenceEventDuration *prometheus.HistogramVec
	RegistryConnections   *prometheus.GaugeVec
	OnlineSessions        prometheus.Gauge
	SweepsTotal           *prometheus.CounterVec
	SweepDemotionsTotal   *prometheus.CounterVec
	SweepDuration         *prometheus.HistogramVec
	RelayMessagesTotal    *prometheus.CounterVec

	// Session store
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// System
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
	GoRoutines  prometheus.Gauge

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace/subsystem
func NewMetrics(namespace, subsystem string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_active_requests",
				Help:      "Number of in-flight HTTP requests",
			},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"path"},
		),

		WSConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "websocket_connections_total",
				Help:      "Total number of WebSocket connections",
			},
			[]string{"status"}, // connected/disconnected
		),
		WSActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "websocket_active_connections",
				Help:      "Number of open WebSocket connections",
			},
		),
		WSRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "websocket_rejected_total",
				Help:      "WebSocket upgrades that were refused",
			},
			[]string{"reason"},
		),

		PresenceEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "presence_events_total",
				Help:      "Presence events handled, by outcome",
			},
			[]string{"event", "outcome"}, // outcome: ok/ignored/rejected/failed
		),
		PresenceEventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "presence_event_duration_seconds",
				Help:      "Presence event handling latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"event"},
		),
		RegistryConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "registry_connections",
				Help:      "Connections in the local registry",
			},
			[]string{"kind"}, // user/observer
		),
		OnlineSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "online_sessions",
				Help:      "Active sessions seen by the last online-users listing",
			},
		),
		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweeps_total",
				Help:      "Reconciliation sweeps run",
			},
			[]string{"trigger", "status"}, // trigger: opportunistic/periodic/manual
		),
		SweepDemotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_demotions_total",
				Help:      "Sessions demoted to inactive by sweeps",
			},
			[]string{"trigger"},
		),
		SweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Reconciliation sweep latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"trigger"},
		),
		RelayMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "relay_messages_total",
				Help:      "Cross-replica relay envelopes",
			},
			[]string{"direction"}, // published/delivered/dropped
		),

		StoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "store_operations_total",
				Help:      "Session store operations",
			},
			[]string{"op", "status"},
		),
		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "store_operation_duration_seconds",
				Help:      "Session store operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "code"},
		),
		PanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"location"},
		),
		GoRoutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records a finished HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimited counts a throttled request
func (m *Metrics) RecordRateLimited(path string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(path).Inc()
}

// RecordWSConnection records a WebSocket connect or disconnect
func (m *Metrics) RecordWSConnection(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.WSConnectionsTotal.WithLabelValues("connected").Inc()
		m.WSActiveConnections.Inc()
	} else {
		m.WSConnectionsTotal.WithLabelValues("disconnected").Inc()
		m.WSActiveConnections.Dec()
	}
}

// RecordWSRejected counts a refused upgrade
func (m *Metrics) RecordWSRejected(reason string) {
	if m == nil {
		return
	}
	m.WSRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordPresenceEvent records a handled presence event
func (m *Metrics) RecordPresenceEvent(event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PresenceEventsTotal.WithLabelValues(event, outcome).Inc()
	m.PresenceEventDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// SetRegistryConnections publishes the local registry size
func (m *Metrics) SetRegistryConnections(users, observers int) {
	if m == nil {
		return
	}
	m.RegistryConnections.WithLabelValues("user").Set(float64(users))
	m.RegistryConnections.WithLabelValues("observer").Set(float64(observers))
}

// SetOnlineSessions publishes the size of the last online listing
func (m *Metrics) SetOnlineSessions(n int) {
	if m == nil {
		return
	}
	m.OnlineSessions.Set(float64(n))
}

// RecordSweep records one reconciliation sweep
func (m *Metrics) RecordSweep(trigger string, demoted int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.SweepsTotal.WithLabelValues(trigger, status).Inc()
	m.SweepDemotionsTotal.WithLabelValues(trigger).Add(float64(demoted))
	m.SweepDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordRelay counts relay traffic
func (m *Metrics) RecordRelay(direction string) {
	if m == nil {
		return
	}
	m.RelayMessagesTotal.WithLabelValues(direction).Inc()
}

// RecordStoreOperation records a session store call
func (m *Metrics) RecordStoreOperation(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	m.StoreOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordError counts an error
func (m *Metrics) RecordError(errType, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errType, code).Inc()
}

// RecordPanic counts a recovered panic
func (m *Metrics) RecordPanic(location string) {
	if m == nil {
		return
	}
	m.PanicsTotal.WithLabelValues(location).Inc()
}

// UpdateCircuitBreakerState publishes a breaker state
func (m *Metrics) UpdateCircuitBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordCircuitBreakerTrip counts a breaker opening
func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(name).Inc()
}
