package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDHeader carries the correlation id between Burrow and its
// fronting proxy, in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey contextKey = "burrow.request_id"

// maxRequestIDLen bounds proxy-supplied ids so a client cannot stuff
// arbitrary payloads into logs via the header.
const maxRequestIDLen = 128

// RequestID tags every request with a correlation id. An id supplied by
// the fronting proxy is kept when it is plausible; anything oversized or
// non-printable is replaced with a fresh UUID. The id is echoed in the
// response header and made available on the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !plausibleRequestID(id) {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the correlation id stored on the context, or ""
// outside the RequestID middleware.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func plausibleRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
