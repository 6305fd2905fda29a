package metrics

import (
	"context"
	"time"

	"image-optimizer/internal/logging"
)

// StatsProvider interface for collecting stats
type StatsProvider interface {
	CollectStats(ctx context.Context) (Stats, error)
}

// Stats holds ledger totals sampled by the collector.
type Stats struct {
	Records        int64
	Pending        int64
	OriginalBytes  int64
	OptimizedBytes int64
	ScanRemaining  int64
	// ScanStateBytes is the size of the scan state file.
	ScanStateBytes int64
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.statsProvider.CollectStats(ctx)
	if err != nil {
		logging.Warn("Metrics collection failed: %v", err)
		return
	}

	LedgerRecords.Set(float64(stats.Records))
	PendingRows.Set(float64(stats.Pending))
	LedgerOriginalBytes.Set(float64(stats.OriginalBytes))
	LedgerOptimizedBytes.Set(float64(stats.OptimizedBytes))
	ScanRemaining.Set(float64(stats.ScanRemaining))
	if stats.ScanStateBytes > 0 {
		DBSizeBytes.WithLabelValues("scanstate").Set(float64(stats.ScanStateBytes))
	}

	logging.Debug("Metrics collected: records=%d, pending=%d, saved=%d bytes",
		stats.Records, stats.Pending, stats.OriginalBytes-stats.OptimizedBytes)
}
