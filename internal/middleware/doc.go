// Package middleware provides the HTTP middleware of the serve command:
// structured request logging and per-route Prometheus metrics.
package middleware
