package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"image-optimizer/internal/database"
	"image-optimizer/internal/discovery"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
)

// ParallelWalkerConfig configures the parallel directory walker
type ParallelWalkerConfig struct {
	// NumWorkers is the number of directories read concurrently
	NumWorkers int
	// BatchSize is the number of attachments per database transaction
	BatchSize int
	// ChannelBuffer is the size of the work channel buffer
	ChannelBuffer int
	// SkipHidden skips files and directories starting with "."
	SkipHidden bool
}

// DefaultParallelWalkerConfig returns sensible defaults based on available resources
func DefaultParallelWalkerConfig() ParallelWalkerConfig {
	// 3 workers stays safe on NFS; INDEX_WORKERS overrides
	numWorkers := 3
	if override := os.Getenv("INDEX_WORKERS"); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			numWorkers = count
		}
	}

	return ParallelWalkerConfig{
		NumWorkers:    numWorkers,
		BatchSize:     500,
		ChannelBuffer: 100,
		SkipHidden:    true,
	}
}

// dirResult is what one worker found in one directory
type dirResult struct {
	attachments []database.Attachment
	derivatives int64
	ignored     int64
	mismatched  int64
}

// ParallelWalker reads directories in parallel
type ParallelWalker struct {
	config   ParallelWalkerConfig
	mediaDir string

	dirs    chan string
	results chan dirResult

	wg sync.WaitGroup

	// Statistics
	originals   atomic.Int64
	derivatives atomic.Int64
	ignored     atomic.Int64
	mismatched  atomic.Int64
	folders     atomic.Int64
}

// NewParallelWalker creates a new parallel directory walker
func NewParallelWalker(mediaDir string, config ParallelWalkerConfig) *ParallelWalker {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	return &ParallelWalker{
		config:   config,
		mediaDir: mediaDir,
		dirs:     make(chan string, config.ChannelBuffer),
		results:  make(chan dirResult, config.ChannelBuffer),
	}
}

// Walk reads every directory under the media root and returns the originals
// found, in no particular order.
func (pw *ParallelWalker) Walk(ctx context.Context) ([]database.Attachment, error) {
	logging.Info("Starting parallel directory walk with %d workers", pw.config.NumWorkers)
	startTime := time.Now()

	for i := 0; i < pw.config.NumWorkers; i++ {
		pw.wg.Add(1)
		go pw.worker(ctx, i)
	}

	var all []database.Attachment
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for result := range pw.results {
			all = append(all, result.attachments...)
		}
	}()

	err := pw.walkAndEnqueue(ctx)

	close(pw.dirs)
	pw.wg.Wait()
	close(pw.results)
	<-collected

	logging.Info("Parallel walk complete: %d originals, %d derivatives, %d folders in %v (ignored: %d, mismatched: %d)",
		pw.originals.Load(),
		pw.derivatives.Load(),
		pw.folders.Load(),
		time.Since(startTime),
		pw.ignored.Load(),
		pw.mismatched.Load())

	return all, err
}

// walkAndEnqueue walks the directory tree and sends directories to workers
func (pw *ParallelWalker) walkAndEnqueue(ctx context.Context) error {
	return filepath.WalkDir(pw.mediaDir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fs.SkipAll
		}

		if err != nil {
			logging.Warn("Error accessing path %s: %v", path, err)
			return nil // Continue walking
		}

		if !d.IsDir() {
			return nil
		}

		if pw.config.SkipHidden && path != pw.mediaDir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		pw.folders.Add(1)

		select {
		case pw.dirs <- path:
		case <-ctx.Done():
			return fs.SkipAll
		}
		return nil
	})
}

// worker reads directories from the dirs channel
func (pw *ParallelWalker) worker(ctx context.Context, id int) {
	defer pw.wg.Done()

	logging.Debug("Worker %d started", id)

	for dir := range pw.dirs {
		if ctx.Err() != nil {
			continue // drain so the walker never blocks
		}

		result := pw.processDir(dir)

		pw.originals.Add(int64(len(result.attachments)))
		pw.derivatives.Add(result.derivatives)
		pw.ignored.Add(result.ignored)
		pw.mismatched.Add(result.mismatched)

		select {
		case pw.results <- result:
		case <-ctx.Done():
		}
	}

	logging.Debug("Worker %d finished", id)
}

// processDir classifies the files of one directory
func (pw *ParallelWalker) processDir(dir string) dirResult {
	var result dirResult

	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("Error reading directory %s: %v", dir, err)
		return result
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (pw.config.SkipHidden && strings.HasPrefix(name, ".")) {
			continue
		}

		kind := imagetypes.FromPath(name)
		if !kind.Optimizable() {
			result.ignored++
			continue
		}

		if parsed := discovery.ParseName(name); parsed.Derivative() && names[parsed.Base] {
			result.derivatives++
			continue
		}

		path := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			logging.Warn("Error getting info for %s: %v", path, err)
			continue
		}

		if sniffed := sniffKind(path); sniffed != kind {
			logging.Warn("Skipping %s: content is %v, extension says %v", path, sniffed, kind)
			result.mismatched++
			continue
		}

		result.attachments = append(result.attachments, database.Attachment{
			Path:     path,
			MimeType: kind.MimeType(),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	return result
}

// sniffKind detects a file's kind from its leading bytes.
func sniffKind(path string) imagetypes.Kind {
	kind, err := imagetypes.DetectFile(path)
	if err != nil {
		return imagetypes.Unknown
	}
	return kind
}

// Stats returns current processing statistics
func (pw *ParallelWalker) Stats() (originals, derivatives, folders int64) {
	return pw.originals.Load(), pw.derivatives.Load(), pw.folders.Load()
}
