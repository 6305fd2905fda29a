package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns the number of workers for a given task type.
// It respects container CPU limits via GOMAXPROCS.
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks (local compression tools)
//   - 2.0 for I/O-bound tasks (remote API uploads)
//
// The limit parameter caps the worker count. Use 0 for no limit.
//
// Can be overridden with the OPTIMIZER_WORKERS environment variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv("OPTIMIZER_WORKERS"); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(limit int) int {
	return Count(2.0, limit)
}

// FanOutWindow returns the number of concurrent remote uploads allowed for a
// single job: the configured maximum, bounded by the I/O worker count.
// A non-positive configured value falls back to DefaultFanOutThreads.
func FanOutWindow(configured int) int {
	if configured <= 0 {
		configured = DefaultFanOutThreads
	}
	return ForIO(configured)
}

// DefaultFanOutThreads is the default size of the fan-out window.
const DefaultFanOutThreads = 5
