// Package observability provides an OpenTelemetry metrics extension for
// herald. MetricsExtension implements the lifecycle hooks and records
// system-wide counters for submissions, deliveries, skips, retries,
// failures and lease recoveries, each labelled with the job category.
//
// For per-attempt tracing and latency, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
