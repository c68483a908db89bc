package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/estop/pkg/auth"
)

// clientKey identifies the caller for rate limiting: the authenticated
// account when present, the remote IP otherwise.
func clientKey(r *http.Request) string {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return actor.String()
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// No port or odd format; strip ipv6 brackets if present.
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// RateLimitMiddleware enforces the policy through the given store. A nil
// store disables limiting, and store errors fail open: an unreachable
// limiter backend must not block a revocation.
func RateLimitMiddleware(store LimiterStore, policy LimitPolicy) func(http.Handler) http.Handler {
	retryAfter := 1
	if policy.RPM > 0 && 60/policy.RPM > 1 {
		retryAfter = 60 / policy.RPM
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := store.Allow(r.Context(), clientKey(r), policy, 1)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one structured log line per request.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if id := w.Header().Get("X-Request-ID"); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if actor, ok := auth.ActorFromContext(r.Context()); ok {
				attrs = append(attrs, "actor", actor.String())
			}
			logger.Info("request", attrs...)
		})
	}
}
