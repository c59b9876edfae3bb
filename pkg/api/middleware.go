package api

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/handoff-labs/handoff/pkg/exchange"
)

type requestIDKey struct{}

// RequestID injects a unique X-Request-ID into every request context and
// response header. If the client sends an X-Request-ID, it is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Set on response header for client correlation
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RateLimit enforces a per-caller request budget, keyed by remote IP.
// A nil limiter disables limiting (fail open, dev mode). On exceeded
// limits it returns 429 with a Retry-After header.
func RateLimit(limiter *exchange.CallerLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(callerKey(r)) {
				WriteTooManyRequests(w, r, 1)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// callerKey identifies the caller for rate limiting. The remote IP is
// the only identity available before the request body is read.
func callerKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
