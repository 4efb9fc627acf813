package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/redinklabs/redink-core/pkg/domain"
)

// DeviceIDHeader is the HTTP header carrying the caller-supplied device
// fingerprint. Its value is an opaque string trusted at face value.
const DeviceIDHeader = "X-Device-ID"

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type contextKey string

// requestIDKey is the context key for the request correlation id.
const requestIDKey contextKey = "requestID"

// RequestIDFromContext returns the correlation id assigned by the request
// middleware, or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID assigns a correlation id to every request and echoes it back
// in the response headers.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger logs each request and records HTTP metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("request handled")
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", rec.status), elapsed)
		}
	})
}

// RequireDeviceBinding guards a route behind device validation for the
// requested service classes. The device id comes from the X-Device-ID
// header; each selected class is validated against its currently active
// provider. Failures render the standard JSON error shape with a 403 so
// the settings UI can tell "never bound" apart from "expired" apart from
// "provider misconfigured".
func (s *Server) RequireDeviceBinding(validateText, validateImage bool) func(http.Handler) http.Handler {
	classes := make([]string, 0, 2)
	if validateText {
		classes = append(classes, "text")
	}
	if validateImage {
		classes = append(classes, "image")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(DeviceIDHeader)
			if deviceID == "" {
				s.logger.Warn().Str("path", r.URL.Path).Msg("request missing device id")
				s.writeError(w, r, http.StatusForbidden, domain.ErrorResponse{
					Code:    "DEVICE_ID_MISSING",
					Message: "device validation failed: no device identifier supplied; make sure the frontend is up to date",
				})
				return
			}

			for _, class := range classes {
				store, ok := s.stores[class]
				if !ok {
					continue
				}
				provider := store.ActiveProvider(r.Context())
				if err := store.Validate(r.Context(), provider, deviceID); err != nil {
					s.logger.Warn().
						Str("config_type", class).
						Str("provider", provider).
						Str("device", domain.TruncateDeviceID(deviceID)).
						Err(err).
						Msg("device validation failed")
					s.writeError(w, r, http.StatusForbidden, domain.ErrorResponse{
						Code:    string(domain.KindOf(err)),
						Message: fmt.Sprintf("device validation failed: %s. Re-bind this device from the settings page; bindings are valid for 24 hours", err),
					})
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders the standard JSON error model.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, resp domain.ErrorResponse) {
	if resp.TraceID == "" {
		resp.TraceID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error response")
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindProviderNotFound, domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized, domain.KindExpired, domain.KindMalformedRecord:
		return http.StatusForbidden
	case domain.KindCapacityExceeded:
		return http.StatusConflict
	case domain.KindStorageIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
