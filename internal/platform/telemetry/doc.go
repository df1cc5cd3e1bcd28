// Package telemetry groups the operational observability of messagevault
// binaries.
//
// Traces are exported through platform/otel. Counters and gauges describing
// indexing progress live in telemetry/metrics and are scraped over HTTP in
// Prometheus text format. Neither is part of the projection: a process with
// telemetry disabled indexes exactly the same data.
package telemetry
