package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// NewCORS allows browser clients from origins to call the exchange API.
// A single "*" allows any origin without credentials.
func NewCORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	}).Handler
}
