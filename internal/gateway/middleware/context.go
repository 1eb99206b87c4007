package middleware

import (
	"context"

	"github.com/customsportal/portal/internal/gateway/jwt"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
)

func requestIDToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by RequestIDMiddleware
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// IdentityToContext stores the authenticated principal
func IdentityToContext(ctx context.Context, id jwt.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the principal set by JWTMiddleware
func IdentityFromContext(ctx context.Context) (jwt.Identity, bool) {
	id, ok := ctx.Value(identityKey).(jwt.Identity)
	return id, ok
}

// UserIDFromContext returns the authenticated user id, or ""
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
