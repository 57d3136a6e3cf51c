package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// ErrPanicRecovered indicates an HTTP handler panicked and was recovered,
// the net/http analogue of the teacher's ErrPanicRecovered
// (internal/server/interceptors.go).
var ErrPanicRecovered = errors.New("panic recovered in control handler")

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter does not expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs every request with its method, path, status, and
// duration (Info for 2xx/3xx/4xx, Warn for 5xx), grounded on the teacher's
// LoggingInterceptor.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", duration),
			}
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// RecoveryMiddleware recovers from panics in handlers, logs the panic value
// and stack trace, and returns a 500 JSON error, grounded on the teacher's
// RecoveryInterceptor.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.ErrorContext(r.Context(), "panic recovered in control handler",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(buf[:n])),
					)
					writeError(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", r.URL.Path, ErrPanicRecovered))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
