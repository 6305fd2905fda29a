package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	volumes := []string{"media", "database", "state", "unknown"}
	for _, op := range []string{"stat", "open"} {
		for _, vol := range volumes {
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
			FilesystemRetryDuration.WithLabelValues(op, vol)
		}
	}

	for _, result := range []string{"complete", "deadline", "low_memory"} {
		ScanTicksTotal.WithLabelValues(result)
	}

	kinds := []string{"jpeg", "png", "gif", "pdf", "svg"}
	states := []string{"skipped", "ok", "unchanged", "converted", "failed"}
	for _, kind := range kinds {
		BytesSavedTotal.WithLabelValues(kind)
		for _, state := range states {
			FilesProcessedTotal.WithLabelValues(kind, state)
		}
	}

	for _, route := range []string{"local", "cloud"} {
		OptimizeDuration.WithLabelValues(route)
	}

	for _, tool := range []string{"jpegtran", "optipng", "pngout", "pngquant", "gifsicle", "svgcleaner", "cwebp"} {
		for _, status := range []string{"ok", "failed", "unavailable"} {
			ToolRunsTotal.WithLabelValues(tool, status)
		}
	}

	for _, scheme := range []string{"https", "http"} {
		for _, status := range []string{"ok", "exceeded_quota", "error"} {
			CloudRequestsTotal.WithLabelValues(scheme, status)
		}
	}

	for _, direction := range []string{"jpg_to_png", "png_to_jpg", "gif_to_png"} {
		for _, result := range []string{"accepted", "rejected", "error"} {
			ConversionsTotal.WithLabelValues(direction, result)
		}
	}

	for _, result := range []string{"created", "larger", "rejected", "error"} {
		WebPTotal.WithLabelValues(result)
	}

	for _, status := range []string{"done", "more", "scanning", "quota_exceeded", "superseded"} {
		TicksTotal.WithLabelValues(status)
	}

	for _, op := range []string{"find_by_path", "upsert", "mark_pending", "mark_pending_batch", "delete",
		"count_pending", "next_pending", "claim_pending", "release_claim", "reset_pending",
		"resolve_duplicates", "purge_duplicates", "import_records", "upsert_attachment"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}

	for _, t := range []string{"commit", "rollback"} {
		DBTransactionDuration.WithLabelValues(t)
	}
}
