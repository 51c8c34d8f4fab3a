package ratelimit

import (
	"encoding/json"
	"net/http"

	"github.com/itskum47/deployplane/control_plane/observability"
)

// Middleware rejects requests with 429 when l denies the key returned by keyFn.
func Middleware(l Limiter, endpoint string, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFn(r)) {
				observability.APIRateLimited.WithLabelValues(endpoint).Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
