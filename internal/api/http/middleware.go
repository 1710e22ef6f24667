// Package http provides the HTTP API of the trace table server.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/tracefile"
)

// Context keys for request metadata.
type contextKey string

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = "request_id"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check if request_id is provided in header, otherwise generate one
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := GetRequestID(r.Context())
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("request_id", requestID),
						zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error", requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one entry per request.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}

// ChainMiddleware chains multiple middleware functions together.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the default middleware chain for API handlers.
func DefaultMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
	)
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, message string, requestID ...string) {
	resp := ErrorResponse{
		Error: message,
	}
	if len(requestID) > 0 && requestID[0] != "" {
		resp.RequestID = requestID[0]
	}
	writeJSON(w, statusCode, resp)
}

// writeTraceError writes err with the status statusFor assigns it.
func writeTraceError(w http.ResponseWriter, err error, requestID string) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      errors.GetCode(err),
		RequestID: requestID,
	}
	var te *errors.TraceError
	if stderrors.As(err, &te) {
		resp.Details = te.Details
	}
	writeJSON(w, statusFor(err), resp)
}

// statusFor maps a structured error to an HTTP status.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeOpenFailed:
		var te *errors.TraceError
		if stderrors.As(err, &te) && te.Cause != nil {
			if inner := errors.GetCode(te.Cause); inner != "" {
				return statusFor(te.Cause)
			}
		}
		switch {
		case stderrors.Is(err, os.ErrNotExist):
			return http.StatusNotFound
		case stderrors.Is(err, tracefile.ErrBadMagic),
			stderrors.Is(err, tracefile.ErrUnsupportedVersion),
			stderrors.Is(err, tracefile.ErrBadWordSize):
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	case errors.CodeUnsupportedScheme, errors.CodeReadOnly, errors.CodeQueryFailed:
		return http.StatusBadRequest
	case errors.CodeFetchFailed:
		return http.StatusBadGateway
	case errors.CodeAllocationFailed:
		return http.StatusInsufficientStorage
	case errors.CodeNoData:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
