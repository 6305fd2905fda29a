// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// [LoadConfig] reads an optional YAML file (--config or OPTIMIZER_CONFIG) into
// [settings.Settings] and then applies environment overrides:
//
//   - MEDIA_DIR: media directory to optimize (default: ./uploads)
//   - DATABASE_DIR: directory for the ledger and scan state (default: ./data)
//   - PORT: HTTP port of the serve command (default: 8080)
//   - METRICS_ENABLED: serve /metrics (default: true)
//   - OPTIMIZER_API_KEY: remote optimization API key
//   - OPTIMIZER_ENDPOINT: remote optimization API endpoint
//   - TOOLS_DIR: directory searched for local tools before PATH
//   - TICK_DEADLINE: wall-clock budget of a batch tick (default: 15s)
//   - MAX_THREADS: fan-out window (default: 5)
//   - SCHEDULE_INTERVAL: scheduled run interval of serve, 0 disables
//   - INDEX_INTERVAL: re-index interval of serve, 0 disables
//   - WEBP_ENABLED: generate WebP derivatives
//   - LOG_HEALTH_CHECKS: log health check requests (default: false)
//   - LOG_LEVEL, DEBUG, LOG_FORMAT: see package logging
//   - MEMORY_LIMIT, MEMORY_RATIO, GOMEMLIMIT: see package memory
//
// # Directory Setup
//
// The database directory is created if needed and must be writable. The
// media directory is checked but never created.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
// [LogDatabaseInit], [LogIndexerInit], [LogHTTPRoutes], [LogServerStarted] and
// the shutdown helpers keep serve's console output consistent.
package startup
