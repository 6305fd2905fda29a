package metrics

import "image-optimizer/internal/filesystem"

type filesystemObserver struct{}

// NewFilesystemObserver returns a filesystem.Observer that feeds the
// optimizer_filesystem_* collectors.
func NewFilesystemObserver() filesystem.Observer {
	return filesystemObserver{}
}

func (filesystemObserver) ObserveRetry(e filesystem.RetryEvent) {
	if e.Stale > 0 {
		FilesystemStaleErrors.WithLabelValues(e.Op, e.Volume).Add(float64(e.Stale))
	}
	if e.Retries > 0 {
		FilesystemRetryAttempts.WithLabelValues(e.Op, e.Volume).Add(float64(e.Retries))
	}
	switch e.Outcome {
	case filesystem.RetryRecovered:
		FilesystemRetrySuccess.WithLabelValues(e.Op, e.Volume).Inc()
	case filesystem.RetryExhausted:
		FilesystemRetryFailures.WithLabelValues(e.Op, e.Volume).Inc()
	}
	FilesystemRetryDuration.WithLabelValues(e.Op, e.Volume).Observe(e.Duration.Seconds())
}
