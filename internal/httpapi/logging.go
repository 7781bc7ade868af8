package httpapi

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type requestMetrics struct {
	total  metric.Int64Counter
	errors metric.Int64Counter
}

func newRequestMetrics(logger *slog.Logger) requestMetrics {
	meter := otel.Meter("qms/clinic-queue/httpapi")
	var m requestMetrics
	var err error
	if m.total, err = meter.Int64Counter("http.requests", metric.WithDescription("HTTP requests served")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "http.requests", "error", err)
	}
	if m.errors, err = meter.Int64Counter("http.requests.errors", metric.WithDescription("HTTP requests answered with a 4xx or 5xx status")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "http.requests.errors", "error", err)
	}
	return m
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack keep SockJS streaming and websocket transports working
// behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// LoggingMiddleware assigns a request id when the caller sent none, logs one
// line per request and counts requests by status.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	m := newRequestMetrics(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFromRequest(r)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)

		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.status_code", strconv.Itoa(writer.status)),
		)
		if m.total != nil {
			m.total.Add(r.Context(), 1, attrs)
		}
		if writer.status >= http.StatusBadRequest && m.errors != nil {
			m.errors.Add(r.Context(), 1, attrs)
		}
		logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", duration.Milliseconds(),
			"request_id", requestID,
		)
	})
}
