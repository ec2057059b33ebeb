package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// requestIDHeader carries the correlation id between client, proxies, and
// server. X-Request-ID is what the usual front doors (nginx, Envoy) forward.
const requestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds a client-supplied id before it is echoed into
// logs and response headers.
const maxRequestIDLength = 128

type requestIDKey struct{}

type loggerKey struct{}

// RequestID assigns every request a correlation id: the client's
// X-Request-ID when one is sent, otherwise a fresh UUID. The id is echoed on
// the response, stored in the context, and stamped onto a request-scoped
// logger so every log line for the request carries request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		ctx := ContextWithRequestID(r.Context(), id)
		ctx = contextWithLogger(ctx, slog.Default().With("request_id", id))
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextWithRequestID stores a correlation id on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request's correlation id, or "" outside a
// request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func contextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, falling back to the
// process default when the middleware has not run.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
