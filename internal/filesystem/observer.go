package filesystem

import "time"

// RetryOutcome is how a retried operation ended.
type RetryOutcome string

const (
	// RetryRecovered means the operation succeeded after stale handle errors.
	RetryRecovered RetryOutcome = "recovered"
	// RetryExhausted means stale handle errors outlasted the retry budget.
	RetryExhausted RetryOutcome = "exhausted"
	// RetryDone means the operation finished without a stale handle error,
	// successfully or not.
	RetryDone RetryOutcome = "done"
)

// RetryEvent describes one operation that went through the retry helpers.
type RetryEvent struct {
	Op       string
	Volume   string
	Outcome  RetryOutcome
	Stale    int
	Retries  int
	Duration time.Duration
}

// Observer receives retry events. The metrics package provides the
// Prometheus implementation; filesystem cannot import it.
type Observer interface {
	ObserveRetry(RetryEvent)
}

// defaultObserver is nil until SetObserver; events are dropped until then.
var defaultObserver Observer

// SetObserver installs the package-level observer.
func SetObserver(o Observer) {
	defaultObserver = o
}

func notify(e RetryEvent) {
	if defaultObserver != nil {
		defaultObserver.ObserveRetry(e)
	}
}
