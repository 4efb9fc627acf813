// Package server exposes the HTTP surface of the RedInk core: device
// binding management, provider configuration, and the device-validation
// middleware the request layer wraps around protected routes.
package server

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/redinklabs/redink-core/pkg/devices"
	"github.com/redinklabs/redink-core/pkg/storage"
	"github.com/redinklabs/redink-core/pkg/telemetry"
)

// Server serves the device and provider configuration APIs.
type Server struct {
	tiered  *storage.TieredStore
	stores  map[string]*devices.Store
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds a server over the tiered store and one device store per
// config type (typically "text" and "image").
func New(tiered *storage.TieredStore, stores map[string]*devices.Store, logger zerolog.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		tiered:  tiered,
		stores:  stores,
		logger:  logger,
		metrics: metrics,
	}
}

// store resolves the device store for a config type query parameter,
// defaulting to "text" to match the legacy request layer.
func (s *Server) store(configType string) (*devices.Store, bool) {
	if configType == "" {
		configType = "text"
	}
	st, ok := s.stores[configType]
	return st, ok
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/devices/bind", s.handleBind)
	mux.HandleFunc("POST /api/devices/validate", s.handleValidate)
	mux.HandleFunc("GET /api/devices", s.handleList)
	mux.HandleFunc("GET /api/devices/status", s.handleStatus)
	mux.HandleFunc("DELETE /api/devices/{deviceID}", s.handleRemove)

	mux.HandleFunc("GET /api/providers/{configType}", s.handleGetProviders)
	mux.HandleFunc("PUT /api/providers/{configType}", s.handlePutProviders)

	var handler http.Handler = mux
	handler = s.requestLogger(handler)
	handler = requestID(handler)
	return otelhttp.NewHandler(handler, "redink.core")
}

// Start binds the listener and serves in the background, returning the
// server handle for shutdown.
func (s *Server) Start(addr string) (*http.Server, error) {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server listening")

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server failed")
		}
	}()

	return srv, nil
}
