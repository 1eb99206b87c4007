package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"github.com/customsportal/portal/internal/gateway/middleware"
	"github.com/customsportal/portal/internal/gateway/svc"
)

// RegisterHandlers registers every route on server
func RegisterHandlers(server *rest.Server, svcCtx *svc.ServiceContext) {
	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodGet,
				Path:    "/health",
				Handler: HealthCheckHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/ping",
				Handler: PingHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/version",
				Handler: VersionHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/ws",
				Handler: WebSocketHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/ws/stats",
				Handler: WebSocketStatsHandler(svcCtx),
			},
		},
	)

	if svcCtx.Config.Metrics.Enable {
		server.AddRoute(rest.Route{
			Method:  http.MethodGet,
			Path:    "/metrics",
			Handler: MetricsHandler(svcCtx),
		})
	}

	server.AddRoutes(
		rest.WithMiddlewares(
			[]rest.Middleware{
				middleware.JWTMiddleware(svcCtx.JWTManager),
				RequireObserver(svcCtx),
			},
			rest.Route{
				Method:  http.MethodGet,
				Path:    "/presence/online",
				Handler: OnlineUsersHandler(svcCtx),
			},
			rest.Route{
				Method:  http.MethodPost,
				Path:    "/presence/sweep",
				Handler: SweepHandler(svcCtx),
			},
			rest.Route{
				Method:  http.MethodGet,
				Path:    "/breakers",
				Handler: BreakerStatsHandler(svcCtx),
			},
			rest.Route{
				Method:  http.MethodPost,
				Path:    "/breakers/reset",
				Handler: BreakerResetHandler(svcCtx),
			},
		),
		rest.WithPrefix("/api/v1"),
	)
}
