package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/customsportal/portal/internal/gateway/metrics"
)

// RateLimitMiddleware applies one token bucket to every request
func RateLimitMiddleware(r int, burst int, m *metrics.Metrics) func(http.HandlerFunc) http.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				m.RecordRateLimited(req.URL.Path)
				w.Header().Set("Retry-After", "1")
				WriteError(w, req, http.StatusTooManyRequests, "Too Many Requests")
				return
			}

			next(w, req)
		}
	}
}
