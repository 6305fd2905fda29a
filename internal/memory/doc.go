// Package memory provides memory management for the optimizer: it configures
// GOMEMLIMIT for containerized deployments and turns heap usage into the
// memory ceiling signals the scanner relies on.
//
// # Configuration
//
// Call [ConfigureFromEnv] early in main, before significant allocations:
//
//   - GOMEMLIMIT: Standard Go environment variable. If set, takes precedence.
//   - MEMORY_LIMIT: Container memory limit ("536870912" or "512MiB"), usually
//     from the Kubernetes Downward API.
//   - MEMORY_RATIO: Share of MEMORY_LIMIT given to the Go heap (default 0.85).
//     The remainder is left for local tool subprocesses and libvips.
//
// # Monitor
//
// [Monitor] samples heap allocation against the limit. A scan tick calls
// [Monitor.BatchSize] to pick how many job ids to expand, and
// [Monitor.LowMemory] every hundred paths to decide whether to yield early.
// Crossing the critical water mark sets the paused state until usage drops
// below the high water mark again.
//
// # Batch sizing
//
// [BatchSize] maps headroom (limit minus allocation) onto a batch size:
// 1000 ids from 512MiB, 500 from 128MiB, 250 from 64MiB, 100 from 32MiB and 50
// below that, never above the configured maximum.
package memory
