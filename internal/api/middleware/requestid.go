package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/mudflat/studio/control-plane/internal/audit"
)

type ctxKey int

const requestIDKey ctxKey = iota

const maxRequestIDLen = 128

// RequestID propagates the inbound x-request-id, or mints one as
// req_{base64url(12 bytes)}. The id is always echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" || len(id) > maxRequestIDLen {
			id = newRequestID()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "req_unavailable"
	}
	return "req_" + base64.RawURLEncoding.EncodeToString(buf)
}

// GetRequestID returns the request id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRouteFamily tags the request with its audit route family (v1 | legacy);
// every audit row emitted under the request context records it.
func WithRouteFamily(family string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(audit.WithRouteFamily(r.Context(), family)))
		})
	}
}
