package handler

import (
	"net/http"

	"github.com/customsportal/portal/internal/gateway/discovery"
	"github.com/customsportal/portal/internal/gateway/svc"
)

// WebSocketHandler presence WebSocket endpoint
func WebSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.WSServer.HandleWebSocket()
}

// RegistryStats local connection registry counts
type RegistryStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Observers   int `json:"observers"`
}

// StatsResponse body of /ws/stats
type StatsResponse struct {
	ReplicaID string                 `json:"replica_id"`
	Hub       map[string]interface{} `json:"hub"`
	Registry  RegistryStats          `json:"registry"`
	Relay     bool                   `json:"relay"`
	Replicas  []discovery.Replica    `json:"replicas,omitempty"`
}

// WebSocketStatsHandler reports hub, registry and replica statistics
func WebSocketStatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry := svcCtx.Presence.Registry()
		users, observers := registry.Counts()

		stats := StatsResponse{
			ReplicaID: svcCtx.ReplicaID,
			Hub:       svcCtx.WSServer.GetStats(),
			Registry: RegistryStats{
				Connections: registry.Len(),
				Users:       users,
				Observers:   observers,
			},
			Relay: svcCtx.Relay != nil,
		}
		if svcCtx.Replicas != nil {
			stats.Replicas = svcCtx.Replicas.Replicas()
		}

		SuccessResponse(w, r, stats)
	}
}
