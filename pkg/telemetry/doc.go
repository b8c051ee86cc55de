// Package telemetry wires OpenTelemetry tracing and node metrics for the
// workflow engine, and exposes a Prometheus collector that derives execution
// metrics from the lifecycle events published on the event bus.
package telemetry
