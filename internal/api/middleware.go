package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opspawn/ops-core/internal/metrics"
)

// CORSMiddleware adds CORS headers to responses.
func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	var origins []string
	if h.config != nil {
		origins = h.config.CORSOrigins
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range origins {
			if origin == allowedOrigin || allowedOrigin == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(origins) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", origins[0])
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Last-Event-ID, traceparent")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs request details with request ID and metrics.
func (h *Handlers) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		if skipObservability(r.URL.Path) {
			return
		}

		metricPath := routeTemplate(r)
		statusStr := strconv.Itoa(wrapped.statusCode)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, metricPath, statusStr).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, metricPath).Observe(duration.Seconds())

		h.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", duration),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
		)
	})
}

// TracingMiddleware starts a server span per request, continuing any trace
// carried in the incoming headers. Spans are named by route template.
func (h *Handlers) TracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "opscore",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !skipObservability(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

// RateLimitMiddleware rejects API requests beyond the configured rate with 429.
// The limiter lives on Handlers because mux rebuilds the chain per request.
func (h *Handlers) RateLimitMiddleware(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !skipObservability(r.URL.Path) && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeErrorResponse(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// skipObservability reports whether path is a health or metrics endpoint.
func skipObservability(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/ready" || path == "/metrics"
}

// routeTemplate returns the matched route pattern, e.g. /api/v1/agents/{id},
// so metric labels do not grow with ids.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces dynamic path segments (UUIDs, IDs) with placeholders for metrics.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if _, err := strconv.Atoi(part); err == nil && len(part) > 0 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func (h *Handlers) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("path", r.URL.Path),
				)
				writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
