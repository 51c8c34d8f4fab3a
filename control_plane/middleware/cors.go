package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows the dashboard to call the API and open streams cross-origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", TokenHeader, UserHeader, "X-Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           3600,
	})
	return c.Handler
}
