package middleware

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/customsportal/portal/internal/gateway/jwt"
	"github.com/customsportal/portal/internal/gateway/websocket"
)

// JWTMiddleware rejects requests without a valid token and stores the
// principal in the request context
func JWTMiddleware(jwtManager *jwt.JWTManager) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tokenString := websocket.TokenFromRequest(r)
			if tokenString == "" {
				WriteError(w, r, http.StatusUnauthorized, "Missing authorization token")
				return
			}

			claims, err := jwtManager.VerifyToken(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, jwt.ErrExpiredToken):
					WriteError(w, r, http.StatusUnauthorized, "Token has expired")
				case errors.Is(err, jwt.ErrInvalidSignature):
					WriteError(w, r, http.StatusUnauthorized, "Invalid token signature")
				case errors.Is(err, jwt.ErrMissingClaims):
					WriteError(w, r, http.StatusUnauthorized, "Missing required claims")
				default:
					WriteError(w, r, http.StatusUnauthorized, "Invalid token")
				}
				return
			}

			// the request span and access log sit outside this middleware
			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", claims.UserID))

			next(w, r.WithContext(IdentityToContext(r.Context(), claims.Identity())))
		}
	}
}
