package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redinklabs/redink-core/pkg/domain"
)

func protectedHandler(t *testing.T, env *testEnv, validateText, validateImage bool) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("protected"))
	})
	return env.server.RequireDeviceBinding(validateText, validateImage)(inner)
}

func TestRequireDeviceBindingMissingHeader(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")
	handler := protectedHandler(t, env, true, false)

	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp domain.ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "DEVICE_ID_MISSING", resp.Code)
}

func TestRequireDeviceBindingPassesBoundDevice(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/devices/bind",
		bindRequest{ConfigType: "text", DeviceID: "fp-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	handler := protectedHandler(t, env, true, false)
	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	req.Header.Set(DeviceIDHeader, "fp-1")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)

	assert.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, "protected", out.Body.String())
}

func TestRequireDeviceBindingRejectsUnboundDevice(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/devices/bind",
		bindRequest{ConfigType: "text", DeviceID: "fp-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	handler := protectedHandler(t, env, true, false)
	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	req.Header.Set(DeviceIDHeader, "fp-intruder")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)

	assert.Equal(t, http.StatusForbidden, out.Code)
	var resp domain.ErrorResponse
	decodeBody(t, out, &resp)
	assert.Equal(t, string(domain.KindUnauthorized), resp.Code)
}

func TestRequireDeviceBindingExpired(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/devices/bind",
		bindRequest{ConfigType: "text", DeviceID: "fp-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	env.now = env.now.Add(25 * time.Hour)

	handler := protectedHandler(t, env, true, false)
	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	req.Header.Set(DeviceIDHeader, "fp-1")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)

	assert.Equal(t, http.StatusForbidden, out.Code)
	var resp domain.ErrorResponse
	decodeBody(t, out, &resp)
	assert.Equal(t, string(domain.KindExpired), resp.Code)
	assert.Contains(t, resp.Message, "Re-bind", "tells the user how to recover")
}

func TestRequireDeviceBindingOpenProvider(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")

	// No devices bound: the provider is open, any device id passes.
	handler := protectedHandler(t, env, true, false)
	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	req.Header.Set(DeviceIDHeader, "fp-anything")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)

	assert.Equal(t, http.StatusOK, out.Code)
}

func TestRequireDeviceBindingChecksEachClass(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "text", "openai")
	env.seed(t, "image", "dalle")

	// Bind the device for text only; image stays open so both classes pass.
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/devices/bind",
		bindRequest{ConfigType: "text", DeviceID: "fp-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	handler := protectedHandler(t, env, true, true)
	req := httptest.NewRequest(http.MethodGet, "/api/write", nil)
	req.Header.Set(DeviceIDHeader, "fp-1")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	// Enforce binding on image for a different device: the same request
	// now fails on the image class.
	rec = doJSON(t, env.server.Handler(), http.MethodPost, "/api/devices/bind",
		bindRequest{ConfigType: "image", DeviceID: "fp-other"})
	require.Equal(t, http.StatusOK, rec.Code)

	out = httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusForbidden, out.Code)
}
