package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS applies the storefront's allowed origin policy. The session and
// request id headers must be readable by the browser client.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SessionIDHeader, requestIDHeader},
		ExposedHeaders:   []string{SessionIDHeader, requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
