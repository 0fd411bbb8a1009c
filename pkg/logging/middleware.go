package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware adds a request ID to each HTTP request and logs request/response
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := New("http")

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set(RequestIDHeader, requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Log the route template rather than the raw path when one matched
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		start := time.Now()
		log.DebugContext(ctx, "request started",
			append(Attrs(ctx), "method", r.Method, "path", r.URL.Path, "remoteAddr", r.RemoteAddr)...)

		next.ServeHTTP(wrapped, r)

		attrs := append(Attrs(ctx),
			"method", r.Method,
			"route", route,
			"status", wrapped.statusCode,
			"durationMs", time.Since(start).Milliseconds(),
		)
		switch {
		case wrapped.statusCode >= 500:
			log.ErrorContext(ctx, "request failed", attrs...)
		case wrapped.statusCode >= 400:
			log.WarnContext(ctx, "request rejected", attrs...)
		default:
			log.InfoContext(ctx, "request completed", attrs...)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
