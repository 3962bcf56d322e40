package observability

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Callers may supply their own trace ID; it is echoed back so clients can
// correlate error payloads with their own logs.
const traceHeader = "X-Trace-ID"

// TraceMiddleware assigns each request a trace ID and stores it in the
// request context for handlers and log records downstream.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" {
			id = newTraceID()
		}
		w.Header().Set(traceHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), id)))
	})
}

// RequestMiddleware measures every request and feeds the HTTP metrics. When
// logger is non-nil it also emits one structured access record per request.
func RequestMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			mw := &meteredWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(mw, r)

			elapsed := time.Since(started)
			code := strconv.Itoa(mw.status)
			httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, code).Inc()
			httpRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, code).Observe(elapsed.Seconds())

			if logger != nil {
				logger.InfoContext(r.Context(), "http_request",
					slog.String("trace_id", TraceIDFromContext(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", mw.status),
					slog.Int("response_bytes", mw.written),
					slog.Duration("elapsed", elapsed),
					slog.String("remote_addr", r.RemoteAddr),
				)
			}
		})
	}
}

// meteredWriter captures the status code and body size for the access log
// and the request metrics.
type meteredWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *meteredWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *meteredWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}

func newTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf[:])
}
