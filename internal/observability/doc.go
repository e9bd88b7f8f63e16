// Package observability provides structured logging with secret redaction,
// Prometheus metrics and OpenTelemetry tracing for the agent runtime.
package observability
