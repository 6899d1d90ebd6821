// Package observability provides an OpenTelemetry metrics extension for
// herald. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for submission, start, progress, completion,
// retry, cancellation, dead-lettering and reclamation of jobs.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
