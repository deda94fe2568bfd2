// Package observability provides structured logging, Prometheus metrics,
// optional OpenTelemetry tracing and daemon health checks for signsync.
package observability
