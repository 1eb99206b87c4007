package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/customsportal/portal/internal/gateway/breaker"
	"github.com/customsportal/portal/internal/gateway/svc"
)

var (
	// Version is set at build time with -ldflags "-X ...handler.Version=..."
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "portal-gateway"

// HealthResponse health check body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	ReplicaID string    `json:"replica_id"`
	Store     string    `json:"store"`
}

// HealthCheckHandler reports UP, or DEGRADED while the session store breaker
// is open. Presence keeps working from the local registry either way.
func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "UP"
		if svcCtx.BreakerManager != nil {
			if cb := svcCtx.BreakerManager.Get(svc.SessionStoreBreaker); cb != nil && cb.State() == breaker.StateOpen {
				status = "DEGRADED"
			}
		}

		SuccessResponse(w, r, HealthResponse{
			Status:    status,
			Timestamp: time.Now(),
			Service:   serviceName,
			Version:   Version,
			ReplicaID: svcCtx.ReplicaID,
			Store:     svcCtx.Config.Store.Type,
		})
	}
}

// PingHandler liveness probe
func PingHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

// VersionResponse build information
type VersionResponse struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// VersionHandler build information
func VersionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SuccessResponse(w, r, VersionResponse{
			Service:   serviceName,
			Version:   Version,
			BuildTime: BuildTime,
			GoVersion: runtime.Version(),
			Timestamp: time.Now(),
		})
	}
}

// MetricsHandler Prometheus scrape endpoint
func MetricsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.Metrics.Handler().ServeHTTP
}
