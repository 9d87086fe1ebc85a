// Package observability provides OpenTelemetry-based metrics for the
// status tracker. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for committed writes, unblocked records, rejected
// transitions, dependency edits and deletions.
//
// For per-operation tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
