// Package httputil holds the helpers shared by the operational HTTP endpoints.
package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/sprout/common/logging"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey = contextKey("request-id")

// WriteJSON writes data with the given status code. Encoding failures are
// logged through logger, which may be nil.
func WriteJSON(w http.ResponseWriter, status int, data interface{}, logger *logging.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && logger != nil {
		logger.Error("failed to encode JSON response", logging.Error(err))
	}
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string, logger *logging.Logger) {
	WriteJSON(w, status, map[string]string{"error": message}, logger)
}

// GetRequestID returns the request ID stored by AccessLog, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog propagates or generates a request ID and logs every request at
// debug level.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

			logger.DebugContext(r.Context(), "http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				logging.Duration(time.Since(start)),
			)
		})
	}
}
