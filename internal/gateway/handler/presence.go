package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/middleware"
	"github.com/customsportal/portal/internal/gateway/svc"
	"github.com/customsportal/portal/internal/presence"
)

// RequireObserver admits only principals with an observer role. It runs
// after the JWT middleware.
func RequireObserver(svcCtx *svc.ServiceContext) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id, ok := middleware.IdentityFromContext(r.Context())
			if !ok || !svcCtx.Presence.IsObserverRole(id.Role) {
				ForbiddenResponse(w, r, "Unauthorized: observer role required")
				return
			}
			next(w, r)
		}
	}
}

// OnlineUsersHandler REST variant of get_online_users
func OnlineUsersHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := svcCtx.Presence.OnlineUsers(r.Context())
		if err != nil {
			svcCtx.Logger.Error("Failed to list online users",
				zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
				zap.Error(err))
			ServiceUnavailableResponse(w, r, "Failed to load online users")
			return
		}

		SuccessResponse(w, r, presence.OnlineUsersList{
			Users:     users,
			Count:     len(users),
			Timestamp: time.Now(),
		})
	}
}

// SweepHandler runs one sweep with the periodic threshold
func SweepHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svcCtx.Reconciler.SweepPeriodic(r.Context())
		if err != nil {
			svcCtx.Logger.Error("On-demand sweep failed",
				zap.String("user_id", middleware.UserIDFromContext(r.Context())),
				zap.Int("demoted", result.Demoted),
				zap.Error(err))
			ServiceUnavailableResponse(w, r, "Sweep failed")
			return
		}

		svcCtx.Logger.Info("On-demand sweep",
			zap.String("user_id", middleware.UserIDFromContext(r.Context())),
			zap.Int("scanned", result.Scanned),
			zap.Int("demoted", result.Demoted))

		SuccessResponse(w, r, result)
	}
}
