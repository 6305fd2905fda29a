/*
Package filesystem provides resilient filesystem operations with automatic retry
logic for NFS stale file handle errors, plus the small file-replacement helpers
the optimizer uses when swapping an optimized file into place.

Only ESTALE (errno 116) is retried, with exponential backoff capped by
RetryConfig.MaxBackoff. Every other error is returned immediately.

Metrics are reported through an Observer installed with SetObserver; the
metrics package provides the Prometheus-backed implementation. Paths are
labelled with a volume name ("media", "database", "state") by a VolumeResolver.

ReplaceFile renames an intermediate output over the original, keeping the
original's permission bits. TempPath names that intermediate file next to the
original so the rename never crosses a filesystem boundary.
*/
package filesystem
