// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the RedInk core service.
//
// It centralises trace provider setup, applies service resource attributes,
// and exposes the metric surface the storage, device, and HTTP layers record
// into so operators can correlate authorization decisions with storage
// behaviour.
package telemetry
