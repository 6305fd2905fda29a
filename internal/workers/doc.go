// Package workers sizes worker pools from GOMAXPROCS, which Go derives from
// container CPU limits.
//
// The optimizer uses it to bound the parallel fan-out window: remote uploads
// are I/O-bound, so the window is the configured max_threads capped at two
// workers per CPU. OPTIMIZER_WORKERS overrides the computed count.
package workers
