package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggerMiddleware writes one access log line per request
func LoggerMiddleware(logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			rec := newStatusRecorder(w)

			next(rec, r)

			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.statusCode),
				zap.Int64("size", rec.bytesWritten),
				zap.Duration("duration", time.Since(startTime)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
			}

			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				logger.Error("HTTP request", fields...)
			case rec.statusCode >= http.StatusBadRequest:
				logger.Warn("HTTP request", fields...)
			default:
				logger.Info("HTTP request", fields...)
			}
		}
	}
}
