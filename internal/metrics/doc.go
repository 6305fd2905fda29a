// Package metrics provides Prometheus instrumentation for the image optimizer.
//
// All collectors are registered with promauto at package init and prefixed
// with "optimizer_".
//
// # Metric Categories
//
//   - HTTP: request counts and durations for the tick API
//   - Database: query/transaction durations and rows affected
//   - Filesystem: stale-handle retry counters per volume
//   - Indexer and Scanner: index runs, jobs expanded, paths queued, batch size
//   - Optimization: files processed by kind and final state, bytes saved,
//     tool runs, cloud requests, conversions, WebP derivatives
//   - Batch loop: ticks by status, tick duration, pending rows, quota flag,
//     fan-out window occupancy
//   - Memory: usage ratio against the configured limit
//
// InitializeMetrics pre-populates label combinations so dashboards see every
// series from the first scrape. Collector samples ledger totals periodically
// in serve mode.
package metrics
