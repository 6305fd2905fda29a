package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/database"
	"image-optimizer/internal/discovery"
	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/scanstate"
	"image-optimizer/internal/settings"
)

// Gallery is the attribution recorded for rows found through the media
// library.
const Gallery = "media"

// MetadataResolver expands a job id into candidate files. Missing or corrupt
// metadata is reported as Exists=false, not as an error.
type MetadataResolver interface {
	Resolve(ctx context.Context, id int64) (discovery.Job, error)
}

// RecordResolver finds the ledger row for a path across encodings.
type RecordResolver interface {
	Resolve(ctx context.Context, path string) (*database.ImageRecord, error)
}

// MemoryGauge sizes batches and signals memory pressure.
type MemoryGauge interface {
	BatchSize() int
	LowMemory() bool
}

// ScanResult reports one ScanTick.
type ScanResult struct {
	Expanded  int  `json:"expanded"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
	Queued    int  `json:"queued"`
	LowMemory bool `json:"lowMemory"`
	OutOfTime bool `json:"outOfTime"`
}

// Scanner turns job ids into pending ledger rows.
type Scanner struct {
	db       *database.Database
	store    *scanstate.Store
	jobs     MetadataResolver
	records  RecordResolver
	memory   MemoryGauge
	settings settings.Settings

	// fileSize is replaceable in tests
	fileSize func(path string) (int64, error)
}

// New creates a Scanner.
func New(db *database.Database, store *scanstate.Store, jobs MetadataResolver, records RecordResolver, mem MemoryGauge, cfg settings.Settings) *Scanner {
	return &Scanner{
		db:       db,
		store:    store,
		jobs:     jobs,
		records:  records,
		memory:   mem,
		settings: cfg,
		fileSize: filesystem.FileSize,
	}
}

// StartScan stores ids as the ids left to expand. A scan that still has ids
// left is resumed and the new ids are ignored.
func (s *Scanner) StartScan(ctx context.Context, ids []int64, mode scanstate.Mode) (scanstate.State, error) {
	var out scanstate.State
	err := s.store.Update(func(st *scanstate.State) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.Scanning() {
			logging.Info("Resuming scan with %d ids remaining, ignoring %d new ids", len(st.Remaining), len(ids))
			out = *st
			return nil
		}

		seen := make(map[int64]bool, len(ids))
		remaining := make([]int64, 0, len(ids))
		for _, id := range ids {
			if id <= 0 || seen[id] || st.IsQueued(id) {
				continue
			}
			seen[id] = true
			remaining = append(remaining, id)
		}

		st.Remaining = remaining
		st.Mode = mode
		st.StartedAt = time.Now()
		out = *st
		logging.Info("Starting %s scan of %d ids", mode, len(remaining))
		return nil
	})
	if err != nil {
		return scanstate.State{}, fmt.Errorf("start scan: %w", err)
	}

	metrics.ScanRemaining.Set(float64(len(out.Remaining)))
	return out, nil
}

// ScanTick expands one batch of ids. It stops early when bc's deadline passes
// or memory runs low, checking every bc.Interval() paths and between ids. The
// first id of a tick is always expanded completely so every tick makes
// progress.
func (s *Scanner) ScanTick(ctx context.Context, bc *batch.Context) (ScanResult, error) {
	st, err := s.store.Load()
	if err != nil {
		return ScanResult{}, fmt.Errorf("load scan state: %w", err)
	}
	if !st.Scanning() {
		return ScanResult{}, nil
	}

	size := s.memory.BatchSize()
	metrics.ScanBatchSize.Set(float64(size))
	ids := st.PopFront(size)

	var result ScanResult
	var rows []database.PendingRow
	checked := 0

	for i, id := range ids {
		if i > 0 {
			if stop := s.checkResources(bc, &result); stop {
				st.PushFront(ids[i:]...)
				break
			}
		}

		exp := expansion{first: i == 0, checked: &checked}
		if err := s.expand(ctx, bc, id, &exp, &result); err != nil {
			return ScanResult{}, err
		}
		rows = append(rows, exp.rows...)

		if exp.interrupted {
			st.PushFront(ids[i:]...)
			break
		}

		if exp.dropped {
			result.Dropped++
			continue
		}
		result.Expanded++
		if len(exp.rows) > 0 {
			st.Enqueue(id)
		}
	}

	if err := s.flush(rows); err != nil {
		return ScanResult{}, err
	}

	err = s.store.Update(func(cur *scanstate.State) error {
		if cur.Token != st.Token {
			return scanstate.ErrSuperseded
		}
		cur.Remaining = st.Remaining
		for _, id := range st.Queued {
			cur.Enqueue(id)
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("save scan state: %w", err)
	}

	result.Remaining = len(st.Remaining)
	result.Queued = len(rows)

	metrics.ScanJobsExpanded.Add(float64(result.Expanded))
	metrics.ScanPathsQueued.Add(float64(len(rows)))
	metrics.ScanRemaining.Set(float64(result.Remaining))
	switch {
	case result.LowMemory:
		metrics.ScanTicksTotal.WithLabelValues("low_memory").Inc()
	case result.OutOfTime:
		metrics.ScanTicksTotal.WithLabelValues("deadline").Inc()
	default:
		metrics.ScanTicksTotal.WithLabelValues("complete").Inc()
	}

	logging.Debug("Scan tick: expanded %d ids, queued %d paths, %d ids remaining", result.Expanded, result.Queued, result.Remaining)
	return result, nil
}

// checkResources reports whether the tick must stop, recording why.
func (s *Scanner) checkResources(bc *batch.Context, result *ScanResult) bool {
	if bc.Expired() {
		result.OutOfTime = true
		return true
	}
	if s.memory.LowMemory() {
		result.LowMemory = true
		return true
	}
	return false
}

// expansion is the work done for one id.
type expansion struct {
	first       bool
	checked     *int
	rows        []database.PendingRow
	interrupted bool
	dropped     bool
}

// expand resolves id and appends a pending row for every candidate that needs
// work. Only storage errors are returned.
func (s *Scanner) expand(ctx context.Context, bc *batch.Context, id int64, exp *expansion, result *ScanResult) error {
	job, err := s.jobs.Resolve(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn("Dropping job %d: metadata could not be resolved: %v", id, err)
		exp.dropped = true
		return nil
	}
	if !job.Exists {
		logging.Warn("Dropping job %d: attachment or file no longer exists", id)
		exp.dropped = true
		return nil
	}

	seenDims := make(map[dimsKey]string)
	seenPaths := make(map[string]bool)

	for _, c := range job.Candidates {
		if !exp.first && *exp.checked > 0 && *exp.checked%bc.Interval() == 0 {
			if s.checkResources(bc, result) {
				exp.interrupted = true
				return nil
			}
		}
		*exp.checked++

		path := database.CanonicalPath(c.Path)
		if seenPaths[path] {
			continue
		}
		seenPaths[path] = true

		if s.settings.Excluded(path) {
			logging.Debug("Skipping excluded path %s", path)
			continue
		}
		if s.sizeDisabled(c.Label) {
			logging.Debug("Skipping %s: size %s is disabled", path, c.Label)
			continue
		}
		if isResize(c.Label) && c.Width > 0 && c.Height > 0 {
			if size, err := s.fileSize(path); err == nil {
				key := dimsKey{width: c.Width, height: c.Height, retina: discovery.IsRetina(c.Label), size: size}
				if other, ok := seenDims[key]; ok {
					logging.Debug("Size %s of job %d is identical to %s, skipping", c.Label, id, other)
					continue
				}
				seenDims[key] = c.Label
			}
		}

		kind := imagetypes.FromPath(path)
		if !s.wanted(kind) {
			continue
		}

		row, ok, err := s.pendingRow(ctx, bc, id, c.Label, path, kind)
		if err != nil {
			return err
		}
		if ok {
			exp.rows = append(exp.rows, row)
		}
	}
	return nil
}

// dimsKey identifies derivatives holding the same pixel data. Retina files
// report doubled dimensions, so a retina thumbnail and a regular size of the
// same width are told apart by the flag and by their size on disk.
type dimsKey struct {
	width, height int
	retina        bool
	size          int64
}

// pendingRow decides whether path needs work.
func (s *Scanner) pendingRow(ctx context.Context, bc *batch.Context, id int64, label, path string, kind imagetypes.Kind) (database.PendingRow, bool, error) {
	size, err := s.fileSize(path)
	if err != nil {
		logging.Debug("Skipping %s: %v", path, err)
		return database.PendingRow{}, false, nil
	}

	row := database.PendingRow{
		Path:        path,
		Attribution: database.Attribution{Gallery: Gallery, AttachmentID: id, Resize: label},
	}

	rec, err := s.records.Resolve(ctx, path)
	switch {
	case errors.Is(err, database.ErrRecordNotFound):
		return row, true, nil
	case err != nil:
		return database.PendingRow{}, false, fmt.Errorf("look up %s: %w", path, err)
	}

	row.ID = rec.ID
	if !bc.Force && rec.ImageSize > 0 && rec.ImageSize == size &&
		imagetypes.Level(rec.Level) >= s.settings.Level(kind) {
		return database.PendingRow{}, false, nil
	}
	return row, true, nil
}

// flush writes all pending rows of a tick in one transaction.
func (s *Scanner) flush(rows []database.PendingRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginBatch()
	if err != nil {
		return fmt.Errorf("failed to begin scan batch: %w", err)
	}
	err = s.db.MarkPendingBatch(tx, rows)
	if err := s.db.EndBatch(tx, err); err != nil {
		return fmt.Errorf("failed to flush %d pending rows: %w", len(rows), err)
	}
	return nil
}

// wanted reports whether files of kind get any processing at all.
func (s *Scanner) wanted(kind imagetypes.Kind) bool {
	if !kind.Optimizable() {
		return false
	}
	if s.settings.Level(kind).Enabled() {
		return true
	}
	return s.settings.WebP.Enabled && kind.SupportsWebP()
}

func (s *Scanner) sizeDisabled(label string) bool {
	if !isResize(label) {
		return false
	}
	return s.settings.SizeDisabled(label) ||
		s.settings.SizeDisabled(strings.TrimSuffix(label, "-retina"))
}

// isResize reports whether label names a derivative size.
func isResize(label string) bool {
	switch label {
	case discovery.LabelFull, discovery.LabelOriginalImage, discovery.LabelFullRetina, discovery.LabelPDFFull, "":
		return false
	}
	return true
}
