package main

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
)

// corsMaxAgeSeconds caps how long clients may cache preflight answers.
const corsMaxAgeSeconds = 300

// rateLimit rejects once a client key exhausts its fixed window. The
// rejection carries retry-after guidance and is never an unhandled
// failure.
func rateLimit(limiter *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admitted, retryAfter := limiter.admit(clientKey(r))
			if !admitted {
				writeRateLimited(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// attachAdmissionChain installs the ordered admission stages on the
// router: sanitize, then rate limit, then auth. The order is a contract:
// sanitization runs before the limiter so malformed input is rejected
// cleanly, and the limiter runs before auth so exhausted clients are
// turned away without paying for verification.
func attachAdmissionChain(router *mux.Router, limiter *rateLimiter, verifier TokenVerifier) {
	router.Use(sanitizeRequest, rateLimit(limiter), extractPrincipal(verifier))
}

// corsMiddleware wraps the whole router so preflights are answered before
// any admission stage and never consume a rate-limit slot or touch auth
// state.
func corsMiddleware(allowedOrigin string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Client-Id", "Origin"},
		MaxAge:         corsMaxAgeSeconds,
	})
}
