package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments HTTP handlers with request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// normalizePath replaces dynamic path segments with placeholders to keep
// metric label cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/metrics", "/api/sessions":
		return path
	}

	if strings.HasPrefix(path, "/api/sessions/") {
		rest := strings.TrimPrefix(path, "/api/sessions/")
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1:
			return "/api/sessions/:id"
		case len(parts) == 2 && parts[1] == "chunks":
			return "/api/sessions/:id/chunks"
		case len(parts) == 3 && parts[1] == "chunks":
			return "/api/sessions/:id/chunks/:index"
		case len(parts) == 2 && parts[1] == "events":
			return "/api/sessions/:id/events"
		case len(parts) == 2 && parts[1] == "assemble":
			return "/api/sessions/:id/assemble"
		}
	}

	return "/other"
}
