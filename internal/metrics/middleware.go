package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath collapses per-worker and per-swarm path segments to
// avoid high-cardinality labels.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/orchestrate/spawn"):
		return "/orchestrate/spawn"
	case strings.HasPrefix(path, "/orchestrate/dismiss/"):
		return "/orchestrate/dismiss/:handle"
	case strings.HasPrefix(path, "/orchestrate/send/"):
		return "/orchestrate/send/:handle"
	case strings.HasPrefix(path, "/orchestrate/output/"):
		return "/orchestrate/output/:handle"
	case strings.HasPrefix(path, "/blackboard/"):
		return "/blackboard/:swarmId"
	default:
		return path
	}
}
