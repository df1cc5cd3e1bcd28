// Package metrics exposes indexer progress as Prometheus metrics.
//
// # Metric Families
//
//   - Applied transitions and the checkpoint seq
//   - Duplicates dropped and gaps re-fetched from the source
//   - Reorganizations and the number of transitions rolled back
//   - The consumer state as a one-hot gauge
//
// # Integration
//
// Indexer implements consumer.Metrics. Handler serves the registry at
// GET /metrics next to the query API.
package metrics
