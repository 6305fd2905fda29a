package optimizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/media"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/settings"
	"image-optimizer/internal/tools"
)

// Input errors. A file rejected with one of these is left untouched and its
// ledger row is not written.
var (
	ErrPathTraversal   = errors.New("path escapes the media roots")
	ErrUnwritable      = errors.New("file is not writable")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// ToolRunner runs local compression binaries.
type ToolRunner interface {
	Run(ctx context.Context, tool, in, out string, opts tools.Options) tools.Result
	Available(tool string) bool
}

// RemoteClient submits files to the remote optimization API.
type RemoteClient interface {
	Submit(ctx context.Context, data []byte, mimeType string, opts cloud.Options) cloud.Result
	CheckQuota(ctx context.Context) (cloud.Quota, error)
}

// RecordResolver finds the ledger row for a path.
type RecordResolver interface {
	Resolve(ctx context.Context, path string) (*database.ImageRecord, error)
}

// Dispatcher routes files through skip checks, local tools or the remote
// API, optional conversion and optional WebP generation.
type Dispatcher struct {
	db      *database.Database
	records RecordResolver
	tools   ToolRunner
	remote  RemoteClient
	cfg     settings.Settings
	roots   []string

	// encodeWebP is the in-process fallback when cwebp is missing.
	encodeWebP func(path string, quality int, keepMetadata bool) ([]byte, error)
}

// New creates a Dispatcher. remote may be nil when no API key is configured;
// callers must pass a nil interface, not a nil *cloud.Client.
func New(db *database.Database, runner ToolRunner, remote RemoteClient, cfg settings.Settings) *Dispatcher {
	d := &Dispatcher{
		db:         db,
		records:    database.NewResolver(db),
		tools:      runner,
		remote:     remote,
		cfg:        cfg,
		encodeWebP: media.EncodeWebP,
	}
	if cfg.MediaDir != "" {
		d.SetRoots(cfg.MediaDir)
	}
	return d
}

// SetRoots replaces the directories files must live under. No roots means
// any absolute path is accepted.
func (d *Dispatcher) SetRoots(roots ...string) {
	d.roots = d.roots[:0]
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		d.roots = append(d.roots, abs)
	}
}

// HasRemote reports whether a remote client is configured.
func (d *Dispatcher) HasRemote() bool {
	return d.remote != nil
}

// Settings returns the dispatcher's configuration.
func (d *Dispatcher) Settings() settings.Settings {
	return d.cfg
}

// Optimize processes one file. Per-file failures come back as a
// StateDoneFailed outcome with a nil error; the returned error is reserved
// for input errors, quota exhaustion (wrapping cloud.ErrQuotaExceeded) and
// context cancellation.
func (d *Dispatcher) Optimize(ctx context.Context, bc *batch.Context, job FileJob) (Outcome, error) {
	start := time.Now()
	out := Outcome{Path: job.Path, State: StateNew}
	defer func() {
		out.Duration = time.Since(start)
		if out.State != StateNew {
			metrics.FilesProcessedTotal.WithLabelValues(out.Kind.String(), string(out.State)).Inc()
		}
		if saved := out.Saved(); saved > 0 {
			metrics.BytesSavedTotal.WithLabelValues(out.Kind.String()).Add(float64(saved))
		}
	}()

	path, err := d.validatePath(job.Path)
	if err != nil {
		return out, err
	}
	out.Path = path

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		if os.IsNotExist(err) {
			out.State = StateDoneFailed
			out.Vanished = true
			out.Results = "File not found"
			return out, nil
		}
		return out, err
	}
	if !info.Mode().IsRegular() {
		return out, fmt.Errorf("%w: %s is not a regular file", ErrUnsupportedType, path)
	}

	kind, err := imagetypes.DetectFile(path)
	if err != nil {
		return out, err
	}
	if !kind.Optimizable() {
		return out, fmt.Errorf("%w: %s", ErrUnsupportedType, path)
	}
	if err := checkWritable(path); err != nil {
		return out, err
	}
	out.Kind = kind
	out.OrigSize = info.Size()

	log := bc.Log().WithFields(logging.Fields{"path": path, "kind": kind.String()})

	rec := job.Record
	if rec == nil {
		rec, err = d.records.Resolve(ctx, path)
		if errors.Is(err, database.ErrRecordNotFound) {
			rec = nil
		} else if err != nil {
			return out, err
		}
	}

	route, level, reason := d.route(kind, d.cfg.Level(kind), log)
	out.Level = level
	if reason == "" {
		reason, err = d.skipReason(ctx, bc, path, kind, out.OrigSize, level, rec)
		if err != nil {
			return out, err
		}
	}
	if reason != "" {
		out.State = StateSkipped
		out.Results = reason
		log.WithFields(logging.Fields{"state": out.State}).Debug("%s", reason)
		return out, nil
	}
	out.Route = route

	var step stepResult
	routeStart := time.Now()
	switch route {
	case StateRemoteAPI:
		step, err = d.runRemote(ctx, path, kind, level)
		metrics.OptimizeDuration.WithLabelValues("cloud").Observe(time.Since(routeStart).Seconds())
	default:
		step, err = d.runLocal(ctx, path, kind, level)
		metrics.OptimizeDuration.WithLabelValues("local").Observe(time.Since(routeStart).Seconds())
	}
	if err != nil {
		if errors.Is(err, cloud.ErrQuotaExceeded) {
			out.State = StateDoneFailed
			out.QuotaExceeded = true
			out.Results = "Quota exceeded"
		}
		return out, err
	}

	if step.failed {
		out.State = StateDoneFailed
		out.Vanished = step.vanished
		out.Results = step.message
		log.WithFields(logging.Fields{"state": out.State}).Warn("%s", step.message)
		return out, nil
	}
	out.Backup = step.backup
	size := step.size

	if conv, ok := d.convert(ctx, path, kind, level, size, log); ok {
		out.Converted = path
		out.Path = conv.path
		out.Kind = conv.kind
		size = conv.size
		step.webp = nil
	}

	out.ImageSize = size
	switch {
	case out.Converted != "":
		out.State = StateDoneConverted
		out.Results = fmt.Sprintf("Converted to %s. %s", strings.ToUpper(out.Kind.String()), Summary(out.OrigSize, size))
	case size < out.OrigSize:
		out.State = StateDoneOK
		out.Results = Summary(out.OrigSize, size)
	default:
		out.State = StateDoneUnchanged
		out.ImageSize = out.OrigSize
		out.Results = "No savings"
		if step.message != "" {
			out.Results += ": " + step.message
		}
	}

	if webp := d.webp(ctx, out.Path, out.Kind, level, out.ImageSize, step.webp, bc.Force, log); webp != "" {
		out.WebP = webp
	}

	log.WithFields(logging.Fields{
		"state": out.State,
		"route": out.Route,
		"saved": out.Saved(),
	}).Info("%s", out.Results)
	return out, nil
}

// route picks local or remote processing and the effective level. A cloud
// level with no remote client drops to lossless local; a kind with no local
// tools and no remote client is skipped.
func (d *Dispatcher) route(kind imagetypes.Kind, level imagetypes.Level, log *logging.Entry) (State, imagetypes.Level, string) {
	if !level.Enabled() {
		return "", level, fmt.Sprintf("Optimization disabled for %s", kind)
	}
	if !level.RequiresCloud() && kind.HasLocalPath() {
		return StateLocalTool, level, ""
	}
	if d.remote != nil {
		return StateRemoteAPI, level, ""
	}
	if !kind.HasLocalPath() {
		return "", level, fmt.Sprintf("No API key configured for %s", kind)
	}
	log.Warn("level %s needs an API key, using %s", level, imagetypes.LevelLossless)
	return StateLocalTool, imagetypes.LevelLossless, ""
}

// skipReason returns why a file should not be processed, or "".
func (d *Dispatcher) skipReason(ctx context.Context, bc *batch.Context, path string, kind imagetypes.Kind, size int64, level imagetypes.Level, rec *database.ImageRecord) (string, error) {
	if d.cfg.Excluded(path) {
		return "Excluded by configuration", nil
	}
	if d.cfg.MinSize > 0 && size < d.cfg.MinSize {
		return fmt.Sprintf("Smaller than minimum size (%d < %d)", size, d.cfg.MinSize), nil
	}
	if kind == imagetypes.Png && d.cfg.MaxPNGSize > 0 && size > d.cfg.MaxPNGSize {
		return fmt.Sprintf("PNG larger than maximum size (%d > %d)", size, d.cfg.MaxPNGSize), nil
	}

	replacement, err := d.db.FindByConverted(ctx, path)
	switch {
	case err == nil && replacement.Path != database.CanonicalPath(path):
		return "Original of converted file " + replacement.Path, nil
	case err != nil && !errors.Is(err, database.ErrRecordNotFound):
		return "", err
	}

	if rec == nil || bc.Force {
		return "", nil
	}
	if d.cfg.MaxUpdates > 0 && rec.Updates > d.cfg.MaxUpdates {
		bc.Log().WithFields(logging.Fields{"path": path, "updates": rec.Updates}).
			Warn("file optimized too many times, skipping")
		return fmt.Sprintf("Optimized %d times already", rec.Updates), nil
	}
	if rec.ImageSize > 0 && rec.ImageSize == size && imagetypes.Level(rec.Level) >= level {
		return "Already optimized", nil
	}
	return "", nil
}

func (d *Dispatcher) validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsupportedType)
	}
	for _, part := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if len(d.roots) == 0 {
		return abs, nil
	}

	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	for _, root := range d.roots {
		if within(root, resolved) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnwritable, path, err)
	}
	return f.Close()
}
