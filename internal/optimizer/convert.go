package optimizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/media"
	"image-optimizer/internal/metrics"
)

type conversion struct {
	path string
	kind imagetypes.Kind
	size int64
}

// conversionTarget returns the enabled conversion for kind, if any.
func (d *Dispatcher) conversionTarget(kind imagetypes.Kind) (imagetypes.Kind, bool) {
	c := d.cfg.Convert
	switch {
	case kind == imagetypes.Jpeg && c.JPGToPNG:
		return imagetypes.Png, true
	case kind == imagetypes.Png && c.PNGToJPG:
		return imagetypes.Jpeg, true
	case kind == imagetypes.Gif && c.GIFToPNG:
		return imagetypes.Png, true
	}
	return imagetypes.Unknown, false
}

// convert tries the enabled conversion for path. The converted file is kept
// only when it validates as the target kind and is strictly smaller than
// size, the file's size after the primary step.
func (d *Dispatcher) convert(ctx context.Context, path string, kind imagetypes.Kind, level imagetypes.Level, size int64, log *logging.Entry) (conversion, bool) {
	target, ok := d.conversionTarget(kind)
	if !ok {
		return conversion{}, false
	}
	direction := kind.String() + "_to_" + target.String()
	log = log.WithFields(logging.Fields{"convert": direction})

	dst := convertedPath(path, target)
	tmp := filesystem.TempPath(dst, ".conv"+target.Extension())
	defer func() { _ = os.Remove(tmp) }()

	err := media.Convert(path, tmp, kind, target, media.ConvertOptions{
		Background:  d.cfg.Convert.Background,
		JPEGQuality: d.cfg.Convert.JPEGQuality,
	})
	switch {
	case errors.Is(err, media.ErrHasAlpha), errors.Is(err, media.ErrAnimated):
		metrics.ConversionsTotal.WithLabelValues(direction, "refused").Inc()
		log.Debug("conversion refused: %v", err)
		return conversion{}, false
	case err != nil:
		metrics.ConversionsTotal.WithLabelValues(direction, "failed").Inc()
		log.Warn("conversion failed: %v", err)
		return conversion{}, false
	}

	newSize, _, _, err := d.runChain(ctx, tmp, target, level)
	if err != nil {
		metrics.ConversionsTotal.WithLabelValues(direction, "failed").Inc()
		log.Warn("optimizing converted file failed: %v", err)
		return conversion{}, false
	}

	if got, err := imagetypes.DetectFile(tmp); err != nil || got != target {
		metrics.ConversionsTotal.WithLabelValues(direction, "invalid").Inc()
		log.Warn("converted file is not a valid %s", target)
		return conversion{}, false
	}
	if newSize >= size {
		metrics.ConversionsTotal.WithLabelValues(direction, "larger").Inc()
		log.Debug("conversion not smaller (%d >= %d)", newSize, size)
		return conversion{}, false
	}

	if err := os.Rename(tmp, dst); err != nil {
		metrics.ConversionsTotal.WithLabelValues(direction, "failed").Inc()
		log.Warn("failed to move converted file: %v", err)
		return conversion{}, false
	}
	if d.cfg.Convert.DeleteOriginals {
		if err := os.Remove(path); err != nil {
			log.Warn("failed to remove original after conversion: %v", err)
		}
	}

	metrics.ConversionsTotal.WithLabelValues(direction, "converted").Inc()
	return conversion{path: dst, kind: target, size: newSize}, true
}

// convertedPath swaps the extension of path for target's, adding a numeric
// suffix when that name is taken.
func convertedPath(path string, target imagetypes.Kind) string {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	candidate := stem + target.Extension()
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, target.Extension())
	}
}
