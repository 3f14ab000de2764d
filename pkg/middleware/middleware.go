package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/httputil"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// RequestIDHeader carries the request ID on responses and trusted inbound
// requests.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID and threads it through the context
// so logs and audit events correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := observability.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Logging logs each request with method, path, status and duration
func Logging(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := observability.LoggerWithTraceContext(r.Context(), logger).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_addr": httputil.ClientIP(r),
			})
			if requestID := observability.GetRequestID(r.Context()); requestID != "" {
				entry = entry.WithField("request_id", requestID)
			}
			if rec.status >= http.StatusInternalServerError {
				entry.Error("Request failed")
			} else {
				entry.Info("Request handled")
			}
		})
	}
}

// Recovery turns handler panics into 500 responses instead of dropped
// connections.
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.WithFields(map[string]interface{}{
						"panic":      v,
						"method":     r.Method,
						"path":       r.URL.Path,
						"request_id": observability.GetRequestID(r.Context()),
					}).Error("Recovered from handler panic")
					httputil.WriteInternalError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
