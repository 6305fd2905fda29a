package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_db_transaction_duration_seconds",
			Help:    "Database transaction duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"result"},
	)

	DBRowsAffected = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_db_rows_affected",
			Help:    "Rows affected by write operations",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optimizer_db_size_bytes",
			Help: "Size of database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm", "state"
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_filesystem_retry_attempts_total",
			Help: "Filesystem operations retried after a stale file handle",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_filesystem_retry_success_total",
			Help: "Filesystem operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_filesystem_retry_failures_total",
			Help: "Filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_filesystem_stale_errors_total",
			Help: "Stale file handle errors observed",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_filesystem_retry_duration_seconds",
			Help:    "Total time spent in retried filesystem operations",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation", "volume"},
	)
)

// Indexer metrics
var (
	IndexerRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_indexer_runs_total",
			Help: "Total number of media library index runs",
		},
	)

	IndexerLastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_indexer_last_run_duration_seconds",
			Help: "Duration of the last index run in seconds",
		},
	)

	IndexerAttachments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_indexer_attachments",
			Help: "Originals found by the last index run",
		},
	)

	IndexerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_indexer_errors_total",
			Help: "Total number of indexer errors",
		},
	)
)

// Scanner metrics
var (
	ScanTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_scan_ticks_total",
			Help: "Scan ticks by how they ended",
		},
		[]string{"result"}, // "complete", "deadline", "low_memory"
	)

	ScanJobsExpanded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_scan_jobs_expanded_total",
			Help: "Job ids expanded into file paths",
		},
	)

	ScanPathsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_scan_paths_queued_total",
			Help: "File paths marked pending by the scanner",
		},
	)

	ScanBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_scan_batch_size",
			Help: "Batch size chosen for the last scan tick",
		},
	)

	ScanRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_scan_remaining",
			Help: "Job ids not yet expanded",
		},
	)
)

// Optimization metrics
var (
	FilesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_files_processed_total",
			Help: "Files processed by the dispatcher",
		},
		[]string{"kind", "state"},
	)

	BytesSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_bytes_saved_total",
			Help: "Bytes saved by optimization",
		},
		[]string{"kind"},
	)

	OptimizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimizer_optimize_duration_seconds",
			Help:    "Time spent optimizing a single file",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"}, // "local", "cloud"
	)

	ToolRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_tool_runs_total",
			Help: "Local tool invocations",
		},
		[]string{"tool", "status"},
	)

	CloudRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_cloud_requests_total",
			Help: "Remote optimization API requests",
		},
		[]string{"scheme", "status"},
	)

	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_conversions_total",
			Help: "Format conversions attempted",
		},
		[]string{"direction", "result"},
	)

	WebPTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_webp_total",
			Help: "WebP derivatives attempted",
		},
		[]string{"result"},
	)
)

// Batch loop metrics
var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_ticks_total",
			Help: "Batch ticks by status",
		},
		[]string{"status"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optimizer_tick_duration_seconds",
			Help:    "Wall clock duration of a batch tick",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		},
	)

	PendingRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_pending_rows",
			Help: "Ledger rows waiting for optimization",
		},
	)

	QuotaExceeded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_quota_exceeded",
			Help: "Whether the remote API quota is exhausted (1 = exhausted)",
		},
	)

	FanOutInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_fanout_in_flight",
			Help: "Size jobs currently dispatched by the fan-out controller",
		},
	)

	FanOutIncomplete = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_fanout_incomplete_total",
			Help: "Fan-outs abandoned at their deadline and retried later",
		},
	)
)

// Ledger totals, refreshed by the Collector
var (
	LedgerRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_ledger_records",
			Help: "Rows in the optimization ledger",
		},
	)

	LedgerOriginalBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_ledger_original_bytes",
			Help: "Sum of original sizes of optimized files",
		},
	)

	LedgerOptimizedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_ledger_optimized_bytes",
			Help: "Sum of optimized sizes of optimized files",
		},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the configured memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimizer_memory_paused",
			Help: "Whether processing is paused for memory pressure (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optimizer_memory_gc_pauses_total",
			Help: "Forced garbage collections triggered by memory pressure",
		},
	)
)

// AppInfo exposes build information as labels.
var AppInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "optimizer_app_info",
		Help: "Application build information",
	},
	[]string{"version", "commit", "go_version"},
)
