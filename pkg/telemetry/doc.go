// Package telemetry provides the observability stack: zerolog logging,
// Prometheus metrics, OpenTelemetry tracing, and the event bus that fans
// driver events out to log, metric, and persistence subscribers.
package telemetry
