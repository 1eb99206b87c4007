package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/svc"
)

// BreakerStatsHandler lists the circuit breakers
func BreakerStatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.BreakerManager == nil {
			NotFoundResponse(w, r, "Circuit breaker is disabled")
			return
		}

		SuccessResponse(w, r, svcCtx.BreakerManager.GetStats())
	}
}

// BreakerResetHandler closes one breaker (?name=) or all of them
func BreakerResetHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.BreakerManager == nil {
			NotFoundResponse(w, r, "Circuit breaker is disabled")
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			svcCtx.BreakerManager.ResetAll()
		} else if !svcCtx.BreakerManager.Reset(name) {
			NotFoundResponse(w, r, "Unknown circuit breaker: "+name)
			return
		}

		svcCtx.Logger.Info("Circuit breaker reset via API", zap.String("name", name))
		SuccessResponse(w, r, svcCtx.BreakerManager.GetStats())
	}
}
