package memory

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
)

// Config holds memory management configuration
type Config struct {
	// MemoryLimitBytes is the soft memory limit (0 = use GOMEMLIMIT or no limit)
	MemoryLimitBytes int64

	// HighWaterMark is the percentage of limit at which to start throttling (0.0-1.0)
	HighWaterMark float64

	// CriticalWaterMark is the percentage at which a scan tick stops early (0.0-1.0)
	CriticalWaterMark float64

	// CheckInterval is how often the background loop samples memory usage
	CheckInterval time.Duration

	// MaxBatchSize caps the scanner batch size regardless of headroom
	MaxBatchSize int
}

// DefaultConfig returns sensible defaults for memory management
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes:  0,
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		CheckInterval:     5 * time.Second,
		MaxBatchSize:      1000,
	}
}

// Batch sizes by available headroom. Smaller ceilings get smaller batches so a
// scan tick never holds more resolved metadata than the process can afford.
var batchThresholds = []struct {
	headroom int64
	size     int
}{
	{512 << 20, 1000},
	{128 << 20, 500},
	{64 << 20, 250},
	{32 << 20, 100},
}

const minBatchSize = 50

// BatchSize returns the scanner batch size for the given headroom in bytes,
// capped at maxSize. A negative headroom means no limit is known.
func BatchSize(headroom int64, maxSize int) int {
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxBatchSize
	}

	size := minBatchSize
	if headroom < 0 {
		size = maxSize
	} else {
		for _, t := range batchThresholds {
			if headroom >= t.headroom {
				size = t.size
				break
			}
		}
	}

	if size > maxSize {
		size = maxSize
	}
	return size
}

// Monitor tracks memory usage and provides backpressure signals
type Monitor struct {
	config   Config
	limit    int64
	stopChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	current  uint64
	isPaused bool

	// readAlloc is replaceable in tests
	readAlloc func() uint64
}

// NewMonitor creates a new memory monitor
func NewMonitor(config Config) *Monitor {
	limit := config.MemoryLimitBytes

	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < math.MaxInt64 {
			limit = goMemLimit
			logging.Info("Memory monitor using GOMEMLIMIT: %s", formatBytes(limit))
		}
	}

	if limit == 0 {
		logging.Debug("Memory monitor: no memory limit configured, batch sizing uses the configured maximum")
	}

	return &Monitor{
		config:    config,
		limit:     limit,
		stopChan:  make(chan struct{}),
		readAlloc: heapAlloc,
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start begins monitoring memory usage in the background (serve mode).
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}

	go m.monitorLoop()
}

// Stop stops the memory monitor
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-m.stopChan:
			return
		}
	}
}

// Sample reads current heap usage and updates the pause state. Ticks are
// short-lived, so callers sample on demand rather than relying on the loop.
func (m *Monitor) Sample() {
	alloc := m.readAlloc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = alloc
	if m.limit <= 0 {
		return
	}

	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	if usage >= m.config.CriticalWaterMark {
		if !m.isPaused {
			logging.Warn("Memory critical (%.1f%% of limit), scanning will yield early", usage*100)
			m.isPaused = true
			metrics.MemoryPaused.Set(1)
			metrics.MemoryGCPauses.Inc()
			go runtime.GC()
		}
	} else if usage < m.config.HighWaterMark && m.isPaused {
		logging.Info("Memory recovered (%.1f%% of limit)", usage*100)
		m.isPaused = false
		metrics.MemoryPaused.Set(0)
	}
}

// ShouldThrottle returns true if memory usage is above the high water mark
func (m *Monitor) ShouldThrottle() bool {
	if m.limit == 0 {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return float64(m.current) >= float64(m.limit)*m.config.HighWaterMark
}

// IsPaused returns true if usage crossed the critical water mark
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPaused
}

// LowMemory samples usage and reports whether a scan tick should stop.
func (m *Monitor) LowMemory() bool {
	m.Sample()
	return m.IsPaused()
}

// Headroom returns limit minus current usage, or -1 when no limit is set.
func (m *Monitor) Headroom() int64 {
	if m.limit <= 0 {
		return -1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current > math.MaxInt64 {
		return 0
	}
	headroom := m.limit - int64(m.current)
	if headroom < 0 {
		return 0
	}
	return headroom
}

// BatchSize samples usage and returns the scanner batch size for it.
func (m *Monitor) BatchSize() int {
	m.Sample()
	return BatchSize(m.Headroom(), m.config.MaxBatchSize)
}

// GetStats returns current memory statistics
func (m *Monitor) GetStats() (current, limit int64, usage float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var currentInt64 int64
	if m.current > math.MaxInt64 {
		currentInt64 = math.MaxInt64
	} else {
		currentInt64 = int64(m.current)
	}

	var usageRatio float64
	if m.limit > 0 {
		usageRatio = float64(m.current) / float64(m.limit)
	}

	return currentInt64, m.limit, usageRatio
}
