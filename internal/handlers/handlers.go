package handlers

import (
	"context"
	"time"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/database"
	"image-optimizer/internal/indexer"
	"image-optimizer/internal/optimizer"
	"image-optimizer/internal/scanstate"
)

// BulkRunner drives bulk runs.
type BulkRunner interface {
	Start(ctx context.Context, ids []int64, mode scanstate.Mode) (bulk.StartResult, error)
	Tick(ctx context.Context, req bulk.TickRequest) (bulk.TickResult, error)
	Reset(ctx context.Context) (int64, error)
	Status(ctx context.Context) (bulk.Snapshot, error)
}

// FileOptimizer optimizes a single file and records the result.
type FileOptimizer interface {
	OptimizeFile(ctx context.Context, path string, force bool) (optimizer.Outcome, error)
}

// IndexStatus reports the indexer's state.
type IndexStatus interface {
	GetHealthStatus() indexer.HealthStatus
}

// ToolProber reports which local tools are installed.
type ToolProber interface {
	Probe() map[string]bool
}

// Handlers serves the HTTP API.
type Handlers struct {
	db        *database.Database
	bulk      BulkRunner
	optimizer FileOptimizer
	indexer   IndexStatus
	tools     ToolProber
	mediaDir  string
	startTime time.Time
}

// New creates Handlers. idx and probe may be nil.
func New(db *database.Database, runner BulkRunner, opt FileOptimizer, idx IndexStatus, probe ToolProber, mediaDir string) *Handlers {
	return &Handlers{
		db:        db,
		bulk:      runner,
		optimizer: opt,
		indexer:   idx,
		tools:     probe,
		mediaDir:  mediaDir,
		startTime: time.Now(),
	}
}
