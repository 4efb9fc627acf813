package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Device binding metrics
	bindingOps     *prometheus.CounterVec
	validations    *prometheus.CounterVec
	devicesLive    *prometheus.GaugeVec
	expiredSwept   *prometheus.CounterVec

	// Storage metrics
	storageOps        *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec
	secretMigrations  *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all service metrics registered
// on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		bindingOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_device_binding_ops_total",
				Help: "Total device binding operations by operation and outcome",
			},
			[]string{"config_type", "op", "status"},
		),

		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_device_validations_total",
				Help: "Total device validation checks by result kind",
			},
			[]string{"config_type", "result"},
		),

		devicesLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "redink_devices_live",
				Help: "Number of live device bindings per provider",
			},
			[]string{"config_type", "provider"},
		),

		expiredSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_devices_expired_swept_total",
				Help: "Total expired device bindings dropped by cleanup",
			},
			[]string{"config_type"},
		),

		storageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_storage_ops_total",
				Help: "Total tiered store operations by operation and status",
			},
			[]string{"config_type", "op", "status"},
		),

		storageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redink_storage_op_duration_seconds",
				Help:    "Tiered store operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"config_type", "op"},
		),

		secretMigrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_secret_migrations_total",
				Help: "Total runtime-tier documents promoted into durable storage",
			},
			[]string{"config_type"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redink_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.bindingOps,
		m.validations,
		m.devicesLive,
		m.expiredSwept,
		m.storageOps,
		m.storageOpDuration,
		m.secretMigrations,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordBindingOp records a bind/remove/cleanup operation outcome.
func (m *Metrics) RecordBindingOp(configType, op, status string) {
	m.bindingOps.WithLabelValues(configType, op, status).Inc()
}

// RecordValidation records the result kind of a validation check.
func (m *Metrics) RecordValidation(configType, result string) {
	m.validations.WithLabelValues(configType, result).Inc()
}

// SetDevicesLive sets the live-binding gauge for one provider.
func (m *Metrics) SetDevicesLive(configType, provider string, n int) {
	m.devicesLive.WithLabelValues(configType, provider).Set(float64(n))
}

// RecordExpiredSwept counts bindings dropped by an expiry sweep.
func (m *Metrics) RecordExpiredSwept(configType string, n int) {
	if n > 0 {
		m.expiredSwept.WithLabelValues(configType).Add(float64(n))
	}
}

// RecordStorageOp records a tiered store operation with its latency.
func (m *Metrics) RecordStorageOp(configType, op, status string, elapsed time.Duration) {
	m.storageOps.WithLabelValues(configType, op, status).Inc()
	m.storageOpDuration.WithLabelValues(configType, op).Observe(elapsed.Seconds())
}

// RecordSecretMigration counts a runtime-to-durable promotion.
func (m *Metrics) RecordSecretMigration(configType string) {
	m.secretMigrations.WithLabelValues(configType).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// Handler returns an HTTP handler exposing the registry in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
