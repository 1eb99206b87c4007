package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/customsportal/portal/internal/gateway/metrics"
)

// MetricsMiddleware records request count, latency and in-flight requests
func MetricsMiddleware(m *metrics.Metrics) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next(w, r)
				return
			}

			start := time.Now()
			m.HTTPActiveRequests.Inc()
			defer m.HTTPActiveRequests.Dec()

			rec := newStatusRecorder(w)
			next(rec, r)

			m.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.statusCode), time.Since(start))
		}
	}
}
