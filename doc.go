// Package main provides the entry point for image-optimizer.
//
// image-optimizer compresses the images of a media library in place. Each
// file goes through local tools (jpegtran, optipng, pngquant, gifsicle,
// svgcleaner) or a remote optimization API, may be converted between JPEG,
// PNG and GIF when that saves space, and can get a WebP derivative. A SQLite
// ledger records every result so files are never optimized twice.
//
// # Runs and Ticks
//
// Large libraries are processed as runs. A run is started with a set of
// attachment ids and advanced by ticks, each bounded by a wall-clock deadline
// and the memory ceiling. Ticks are driven by the caller (cron, the run
// command, or the HTTP API), and the scan position lives in a bbolt file, so a
// run survives restarts and crashes.
//
// # Commands
//
//   - index: walk the media directory into attachments
//   - start, tick, run, reset, status: drive a bulk run
//   - optimize: optimize single files
//   - import, dedupe: migrate and clean legacy ledger rows
//   - serve: HTTP API, health checks, metrics, indexer and scheduled runs
//
// # Memory Management
//
// GOMEMLIMIT is set from MEMORY_LIMIT (or the cgroup limit) at startup, and a
// monitor shrinks scan batches and ends ticks early under memory pressure.
package main
