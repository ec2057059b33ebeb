package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skua-data/skua/internal/auth"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/ratelimit"
)

// maxJSONBodySize caps JSON request bodies (1MB). Query import bundles are
// the largest legitimate payload and fit comfortably.
const maxJSONBodySize = 1 << 20

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0") // modern browsers: CSP replaces this
		// A JSON API serves no active content; deny everything.
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// limitJSONBody caps request body size so a handler never buffers an
// unbounded payload.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces a per-IP budget across /api/v1. Runs after
// RealIP so the key is the client address, not the proxy's. Responses carry
// RateLimit-* headers; a 429 also carries Retry-After.
func rateLimitMiddleware(rl *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}

			res := rl.Allow(ip)
			w.Header().Set("RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				w.Header().Set("Retry-After",
					strconv.Itoa(int(res.RetryAfter/time.Second)))
				writeError(w, r, domain.E(domain.ErrRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate parses the bearer token and attaches the principal to the
// request context. Requests without a valid token get a 401 envelope.
func Authenticate(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.ExtractBearer(r)
			if raw == "" {
				writeError(w, r, domain.E(domain.ErrUnauthorized, "missing bearer token"))
				return
			}
			principal, err := tokens.Parse(raw)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// requireRole gates a route group on a minimum role. Runs after Authenticate.
func requireRole(min domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				writeError(w, r, domain.E(domain.ErrUnauthorized, "missing bearer token"))
				return
			}
			if !p.Can(min) {
				writeError(w, r, domain.Ef(domain.ErrForbidden, "requires %s role", min))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// principal fetches the authenticated caller; handlers behind Authenticate
// can rely on it being present.
func principal(r *http.Request) *auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// metricsMiddleware records request counts, latencies, and in-flight gauge.
// Paths are normalized so per-resource IDs don't explode label cardinality.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			done := m.HTTPInFlightInc()
			defer done()

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.ObserveHTTPRequest(r.Method, metrics.NormalizePath(r.URL.Path),
				wrapped.status, time.Since(start))
		})
	}
}

// tracingMiddleware opens one server span per request. With the no-op tracer
// provider (OTLP endpoint unset) this costs nothing.
func tracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := metrics.NormalizePath(r.URL.Path)
			ctx, span := tracer.Start(r.Context(), r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", wrapped.status))
			if wrapped.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.status))
			}
		})
	}
}
