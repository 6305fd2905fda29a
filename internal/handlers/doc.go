// Package handlers provides the HTTP surface of the serve command.
//
// It includes handlers for:
//   - Bulk runs: start, tick, reset and status
//   - Single-file optimization
//   - Health checks, version information and Prometheus metrics
package handlers
