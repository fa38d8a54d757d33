// Package middleware holds the HTTP middleware shared by all routes.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/thomasbambino/streamcore/internal/observability"
)

type requestIDKey struct{}

// RequestIDHeader is the header the request ID is read from and echoed
// back on.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request an ID and installs a request-scoped
// logger, base with the ID attached, for handlers to pick up via
// observability.LoggerFromContext. A caller-supplied X-Request-ID is
// kept so IDs correlate across hops.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = observability.ContextWithLogger(ctx,
				base.With(slog.String("request_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the request ID from the context, or "" when the
// middleware did not run.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
