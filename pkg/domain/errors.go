package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is a stable machine-readable classification for authorization
// and storage failures. Callers branch on the kind, never on message text.
type ErrorKind string

const (
	// KindProviderNotFound means the named provider is absent from the document.
	KindProviderNotFound ErrorKind = "PROVIDER_NOT_FOUND"
	// KindUnauthorized means the device was never bound to the provider.
	KindUnauthorized ErrorKind = "DEVICE_UNAUTHORIZED"
	// KindExpired means the device was bound but its TTL has elapsed.
	KindExpired ErrorKind = "BINDING_EXPIRED"
	// KindMalformedRecord means a stored record is corrupt (e.g. missing its
	// bind time). Treated as an authorization failure, never a crash.
	KindMalformedRecord ErrorKind = "MALFORMED_RECORD"
	// KindCapacityExceeded means the per-key device cap is already reached.
	KindCapacityExceeded ErrorKind = "CAPACITY_EXCEEDED"
	// KindNotFound means a removal targeted a device that was not bound.
	KindNotFound ErrorKind = "DEVICE_NOT_FOUND"
	// KindStorageIO means a read, write, or lock operation on the backing
	// store failed.
	KindStorageIO ErrorKind = "STORAGE_IO"
)

// ErrLockTimeout is returned (wrapped in a StorageIO AuthError) when the
// per-document lock could not be acquired within the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for document lock")

// AuthError carries a machine-checkable kind plus a human-readable message
// suitable for direct display in the settings UI.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to StorageIO for errors that
// did not originate in this package.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindStorageIO
}

// NewProviderNotFound reports a validation attempt against an unknown provider.
func NewProviderNotFound(provider string) *AuthError {
	return &AuthError{
		Kind:    KindProviderNotFound,
		Message: fmt.Sprintf("provider %q does not exist", provider),
	}
}

// NewUnauthorized reports a device that was never bound.
func NewUnauthorized() *AuthError {
	return &AuthError{
		Kind:    KindUnauthorized,
		Message: "device not authorized; bind this device from the settings page first",
	}
}

// NewExpired reports an elapsed binding. The message names the original
// bind time and the TTL window so the UI can render remediation text.
func NewExpired(boundAt time.Time, ttl time.Duration) *AuthError {
	return &AuthError{
		Kind: KindExpired,
		Message: fmt.Sprintf("device binding expired (bound at %s, valid for %s)",
			boundAt.Format(time.RFC3339), ttl),
	}
}

// NewMalformedRecord reports a stored record without a usable bind time.
func NewMalformedRecord(deviceID string) *AuthError {
	return &AuthError{
		Kind:    KindMalformedRecord,
		Message: fmt.Sprintf("stored record for device %s is missing its bind time", TruncateDeviceID(deviceID)),
	}
}

// NewCapacityExceeded reports the per-key device cap being hit.
func NewCapacityExceeded(max int) *AuthError {
	return &AuthError{
		Kind:    KindCapacityExceeded,
		Message: fmt.Sprintf("device limit reached (%d devices); remove another device first", max),
	}
}

// NewDeviceNotFound reports a removal of an unknown device.
func NewDeviceNotFound(deviceID string) *AuthError {
	return &AuthError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("device %s is not bound", TruncateDeviceID(deviceID)),
	}
}

// NewStorageError wraps a read/write/lock failure.
func NewStorageError(op string, err error) *AuthError {
	return &AuthError{
		Kind:    KindStorageIO,
		Message: fmt.Sprintf("storage %s failed", op),
		Err:     err,
	}
}

// ErrorResponse defines the standard JSON error model returned by the HTTP
// layer. It intentionally avoids exposing sensitive details while providing
// a stable machine-readable code.
// TraceID should carry the request id or the current OpenTelemetry trace
// identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., DEVICE_UNAUTHORIZED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}

// TruncateDeviceID shortens a device fingerprint for log and error output.
// Full fingerprints are high-entropy and add noise without aiding diagnosis.
func TruncateDeviceID(deviceID string) string {
	if len(deviceID) <= 8 {
		return deviceID
	}
	return deviceID[:8] + "..."
}
