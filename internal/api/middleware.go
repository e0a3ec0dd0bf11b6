package api

import (
	"bufio"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"planforge/internal/metrics"
)

// Handler wraps the mux with CORS, request metrics and rate limiting.
func (s *Server) Handler(mux http.Handler) http.Handler {
	h := s.rateLimit(mux)
	h = instrument(h)
	return cors(h)
}

func cors(next http.Handler) http.Handler {
	raw := os.Getenv("ALLOW_ORIGINS")
	if raw == "" {
		raw = "*"
	}
	allowed := strings.Split(raw, ",")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, a := range allowed {
				switch strings.TrimSpace(a) {
				case "*":
					w.Header().Set("Access-Control-Allow-Origin", "*")
				case origin:
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				default:
					continue
				}
				break
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Org-Id, X-Role")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded", "try again later", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := metricsPath(r.URL.Path)
		code := strconv.Itoa(rec.code)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// metricsPath folds resource IDs out of the path label so cardinality
// stays bounded.
func metricsPath(p string) string {
	for _, prefix := range []string{
		"/v1/scenarios/",
		"/v1/runs/",
		"/v1/subscriptions/",
		"/v1/admin/webhook-deliveries/",
		"/v1/admin/webhook-dlq/",
	} {
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				return prefix + "{id}" + rest[i:]
			}
			return prefix + "{id}"
		}
	}
	return p
}

// statusRecorder captures the response code while passing Flush and
// Hijack through for SSE and WebSocket handlers.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
