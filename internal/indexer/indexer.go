package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"image-optimizer/internal/database"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
)

// Delay between batches to allow other operations
const batchDelay = 10 * time.Millisecond

// Indexer keeps the attachments table in step with the media directory.
type Indexer struct {
	db            *database.Database
	mediaDir      string
	indexInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	indexMu       sync.Mutex
	isIndexing    bool
	lastIndexTime time.Time
	lastResult    Result
	lastError     error
	startTime     time.Time

	// Progress tracking
	attachmentsIndexed atomic.Int64
	foldersIndexed     atomic.Int64
	indexProgress      atomic.Value

	parallelConfig ParallelWalkerConfig

	// Callback when indexing completes
	onIndexComplete func(Result)
}

// Result summarizes one index run.
type Result struct {
	Attachments int64         `json:"attachments"`
	Derivatives int64         `json:"derivatives"`
	Folders     int64         `json:"folders"`
	Removed     int64         `json:"removed"`
	Duration    time.Duration `json:"duration"`
}

// IndexProgress tracks the current indexing progress
type IndexProgress struct {
	AttachmentsIndexed int64     `json:"attachmentsIndexed"`
	FoldersIndexed     int64     `json:"foldersIndexed"`
	IsIndexing         bool      `json:"isIndexing"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
}

// HealthStatus contains health check information.
type HealthStatus struct {
	Indexing      bool           `json:"indexing"`
	StartTime     time.Time      `json:"startTime"`
	Uptime        string         `json:"uptime"`
	LastIndexed   time.Time      `json:"lastIndexed,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	LastResult    Result         `json:"lastResult"`
	IndexProgress *IndexProgress `json:"indexProgress,omitempty"`
}

// New creates a new Indexer instance. A zero indexInterval disables the
// periodic loop started by Start.
func New(db *database.Database, mediaDir string, indexInterval time.Duration) *Indexer {
	idx := &Indexer{
		db:             db,
		mediaDir:       mediaDir,
		indexInterval:  indexInterval,
		stopChan:       make(chan struct{}),
		startTime:      time.Now(),
		parallelConfig: DefaultParallelWalkerConfig(),
	}
	idx.indexProgress.Store(IndexProgress{})
	return idx
}

// setParallelConfig sets the parallel walker configuration.
func (idx *Indexer) setParallelConfig(config ParallelWalkerConfig) {
	idx.parallelConfig = config
}

// SetOnIndexComplete sets a callback to be invoked when indexing completes.
func (idx *Indexer) SetOnIndexComplete(callback func(Result)) {
	idx.onIndexComplete = callback
}

// Start runs an index in the background and then re-indexes periodically.
func (idx *Indexer) Start(ctx context.Context) {
	go func() {
		logging.Info("Starting initial index in background...")
		if _, err := idx.Index(ctx); err != nil {
			logging.Error("Initial index error: %v", err)
		}
	}()

	if idx.indexInterval > 0 {
		go idx.periodicIndex(ctx)
	}
}

// Stop stops the periodic loop and cancels a walk in progress.
func (idx *Indexer) Stop() {
	idx.stopOnce.Do(func() { close(idx.stopChan) })
}

// getProgress safely retrieves the current IndexProgress.
func (idx *Indexer) getProgress() IndexProgress {
	if progress, ok := idx.indexProgress.Load().(IndexProgress); ok {
		return progress
	}
	return IndexProgress{}
}

// GetHealthStatus returns detailed health information.
func (idx *Indexer) GetHealthStatus() HealthStatus {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	status := HealthStatus{
		Indexing:    idx.isIndexing,
		StartTime:   idx.startTime,
		Uptime:      time.Since(idx.startTime).String(),
		LastIndexed: idx.lastIndexTime,
		LastResult:  idx.lastResult,
	}

	if idx.isIndexing {
		progress := idx.getProgress()
		status.IndexProgress = &progress
	}

	if idx.lastError != nil {
		status.LastError = idx.lastError.Error()
	}

	return status
}

// Index walks the media directory, upserts every original it finds and
// removes attachments whose files are gone. A second call while one is
// running returns immediately with a zero Result.
func (idx *Indexer) Index(ctx context.Context) (Result, error) {
	if !idx.tryStartIndexing() {
		logging.Info("Index already in progress, skipping...")
		return Result{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-idx.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics.IndexerRunsTotal.Inc()

	startTime := time.Now()
	logging.Info("Starting attachment indexing of %s...", idx.mediaDir)
	idx.resetCounters(startTime)

	// Whole milliseconds, matching the seen_at column.
	runStart := startTime.Truncate(time.Millisecond)

	result, err := idx.walkAndIndex(ctx, startTime, runStart)
	if err == nil {
		result.Removed, err = idx.cleanupMissingAttachments(runStart)
	}
	result.Duration = time.Since(startTime)

	if err != nil {
		metrics.IndexerErrors.Inc()
		idx.finishIndexing(result, err)
		return result, err
	}

	if err := idx.db.SetLastIndexRun(ctx, startTime); err != nil {
		logging.Warn("Failed to record last index run: %v", err)
	}

	metrics.IndexerLastRunDuration.Set(result.Duration.Seconds())
	if count, err := idx.db.CountAttachments(ctx); err == nil {
		metrics.IndexerAttachments.Set(float64(count))
	}

	logging.Info("Index complete: %d attachments, %d derivatives, %d folders, %d removed in %v",
		result.Attachments, result.Derivatives, result.Folders, result.Removed, result.Duration)

	idx.finishIndexing(result, nil)

	if idx.onIndexComplete != nil {
		idx.onIndexComplete(result)
	}

	return result, nil
}

// walkAndIndex runs the parallel walk and stores what it found.
func (idx *Indexer) walkAndIndex(ctx context.Context, startTime, runStart time.Time) (Result, error) {
	walker := NewParallelWalker(idx.mediaDir, idx.parallelConfig)

	attachments, err := walker.Walk(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("walk %s: %w", idx.mediaDir, err)
	}

	originals, derivatives, folders := walker.Stats()
	idx.foldersIndexed.Store(folders)
	idx.updateProgress(startTime)

	if err := idx.processBatchedAttachments(ctx, attachments, startTime, runStart); err != nil {
		return Result{}, err
	}

	// A cancelled walk saw only part of the tree; cleanup would drop the rest.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("index interrupted: %w", err)
	}

	return Result{
		Attachments: originals,
		Derivatives: derivatives,
		Folders:     folders,
	}, nil
}

// processBatchedAttachments writes attachments to the database in batches.
func (idx *Indexer) processBatchedAttachments(ctx context.Context, attachments []database.Attachment, startTime, runStart time.Time) error {
	total := len(attachments)
	size := idx.parallelConfig.BatchSize
	if size <= 0 {
		size = DefaultParallelWalkerConfig().BatchSize
	}

	for i := 0; i < total; i += size {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index interrupted: %w", err)
		}

		end := min(i+size, total)
		if err := idx.processBatch(attachments[i:end], runStart); err != nil {
			return err
		}

		idx.attachmentsIndexed.Store(int64(end))
		idx.updateProgress(startTime)

		if end < total {
			time.Sleep(batchDelay)
		}
		if end%5000 == 0 || end == total {
			logging.Debug("Database insert progress: %d/%d attachments", end, total)
		}
	}

	return nil
}

// processBatch upserts a batch of attachments in a single transaction.
func (idx *Indexer) processBatch(attachments []database.Attachment, runStart time.Time) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := idx.db.BeginBatch()
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}

	for i := range attachments {
		if err := idx.db.UpsertAttachment(tx, &attachments[i], runStart); err != nil {
			logging.Warn("Error upserting attachment %s: %v", attachments[i].Path, err)
			metrics.IndexerErrors.Inc()
		}
	}

	if err := idx.db.EndBatch(tx, nil); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// cleanupMissingAttachments removes attachments this run did not see.
func (idx *Indexer) cleanupMissingAttachments(runStart time.Time) (int64, error) {
	tx, err := idx.db.BeginBatch()
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}

	deleted, err := idx.db.DeleteMissingAttachments(tx, runStart)
	if err != nil {
		if endErr := idx.db.EndBatch(tx, err); endErr != nil {
			logging.Error("failed to end batch after cleanup error: %v", endErr)
		}
		return 0, err
	}

	if err := idx.db.EndBatch(tx, nil); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	if deleted > 0 {
		logging.Info("Removed %d missing attachments from index", deleted)
	}

	return deleted, nil
}

// tryStartIndexing attempts to start indexing, returns false if already in progress.
func (idx *Indexer) tryStartIndexing() bool {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	if idx.isIndexing {
		return false
	}
	idx.isIndexing = true
	return true
}

// finishIndexing marks indexing as complete.
func (idx *Indexer) finishIndexing(result Result, err error) {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	idx.isIndexing = false
	idx.lastError = err
	if err == nil {
		idx.lastIndexTime = time.Now()
		idx.lastResult = result
	}

	idx.indexProgress.Store(IndexProgress{
		AttachmentsIndexed: result.Attachments,
		FoldersIndexed:     result.Folders,
	})
}

// resetCounters resets the indexing counters.
func (idx *Indexer) resetCounters(startTime time.Time) {
	idx.attachmentsIndexed.Store(0)
	idx.foldersIndexed.Store(0)
	idx.indexProgress.Store(IndexProgress{
		IsIndexing: true,
		StartedAt:  startTime,
	})
}

// updateProgress updates the indexing progress.
func (idx *Indexer) updateProgress(startTime time.Time) {
	idx.indexProgress.Store(IndexProgress{
		AttachmentsIndexed: idx.attachmentsIndexed.Load(),
		FoldersIndexed:     idx.foldersIndexed.Load(),
		IsIndexing:         true,
		StartedAt:          startTime,
	})
}

func (idx *Indexer) periodicIndex(ctx context.Context) {
	ticker := time.NewTicker(idx.indexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logging.Debug("Periodic re-index triggered")
			if _, err := idx.Index(ctx); err != nil {
				logging.Error("periodic re-index failed: %v", err)
			}
		case <-idx.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// IsIndexing returns whether an index operation is currently in progress.
func (idx *Indexer) IsIndexing() bool {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()
	return idx.isIndexing
}

