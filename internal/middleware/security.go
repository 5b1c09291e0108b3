// Package middleware provides HTTP middleware for the Burrow API server.
package middleware

import (
	"net/http"
)

// SecurityHeaders wraps an http.Handler and adds security headers to all
// responses. Burrow serves a JSON API only, so the set is the API-safe
// baseline rather than a browser content policy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent clickjacking - deny all framing
		w.Header().Set("X-Frame-Options", "DENY")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}
