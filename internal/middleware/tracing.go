// Package middleware provides HTTP middleware for the Continuum federation
// server: correlation-id propagation and the structured request logger that
// enriches each entry with the authenticated origin server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

// contextKey is an unexported type used for context value keys to avoid
// collisions.
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	annotationsKey   contextKey = "request_annotations"
)

// CorrelationIDHeader is the HTTP header used to propagate correlation ids
// between homeservers and reverse proxies.
const CorrelationIDHeader = "X-Request-ID"

// annotations collects per-request facts filled in by inner middleware
// (currently the X-Matrix auth layer) for the outer request logger. The
// struct is stored by pointer so writes made after the context fork are
// visible when the logger runs.
type annotations struct {
	origin string
}

// CorrelationID ensures every request has a unique correlation id. An
// incoming X-Request-ID header is reused; otherwise a new ULID is generated.
// The id is stored in the request context, echoed as a response header, and
// picked up by TracingLogger.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		ctx = context.WithValue(ctx, annotationsKey, &annotations{})
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation id from the request context.
// Returns an empty string if no correlation id is present.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// SetOrigin records the authenticated remote server name for the request so
// the request logger can attribute the entry. Called by the X-Matrix auth
// middleware once the signature has verified.
func SetOrigin(ctx context.Context, origin string) {
	if a, ok := ctx.Value(annotationsKey).(*annotations); ok {
		a.origin = origin
	}
}

func originOf(ctx context.Context) string {
	if a, ok := ctx.Value(annotationsKey).(*annotations); ok {
		return a.origin
	}
	return ""
}

// TracingLogger returns the request-logging middleware: one structured entry
// per request carrying the correlation id, the authenticated origin server
// when federation auth ran, method, path, status, response size, and
// latency. Server errors log at error level, client errors at warn.
func TracingLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			attrs := []slog.Attr{
				slog.String("trace_id", GetCorrelationID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.written),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if origin := originOf(r.Context()); origin != "" {
				attrs = append(attrs, slog.String("origin", origin))
			}

			level := slog.LevelInfo
			switch {
			case sw.status >= 500:
				level = slog.LevelError
			case sw.status >= 400:
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}
