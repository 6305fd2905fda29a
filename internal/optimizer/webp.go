package optimizer

import (
	"context"
	"errors"
	"os"

	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/media"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/tools"
)

// webp writes path + ".webp" when enabled and worthwhile and returns its
// path, or "". remote holds bytes already produced by the remote API.
func (d *Dispatcher) webp(ctx context.Context, path string, kind imagetypes.Kind, level imagetypes.Level, size int64, remote []byte, force bool, log *logging.Entry) string {
	if !d.cfg.WebP.Enabled || !kind.SupportsWebP() {
		return ""
	}

	result := func(r string) { metrics.WebPTotal.WithLabelValues(r).Inc() }

	if kind == imagetypes.Png {
		head, err := readHead(path, 4096)
		if err == nil && imagetypes.IsAnimatedPNG(head) {
			result("animated")
			log.Debug("skipping webp for animated png")
			return ""
		}
	}

	data := remote
	if len(data) == 0 {
		var err error
		data, err = d.encodeLocalWebP(ctx, path, level)
		if err != nil {
			result("unavailable")
			log.Debug("webp not generated: %v", err)
			return ""
		}
	}

	if len(data) == 0 {
		result("empty")
		return ""
	}
	if err := media.ValidateWebP(data); err != nil {
		result("invalid")
		log.Warn("discarding webp: %v", err)
		return ""
	}
	if int64(len(data)) >= size && !force && !d.cfg.WebP.Force {
		result("larger")
		log.Debug("webp not smaller (%d >= %d)", len(data), size)
		return ""
	}

	dst := path + ".webp"
	if err := media.WriteWebP(dst, data); err != nil {
		result("failed")
		log.Warn("failed to write webp: %v", err)
		return ""
	}
	result("kept")
	return dst
}

func (d *Dispatcher) encodeLocalWebP(ctx context.Context, path string, level imagetypes.Level) ([]byte, error) {
	if d.tools.Available(tools.CWebP) {
		out := filesystem.TempPath(path, ".cwebp.webp")
		defer func() { _ = os.Remove(out) }()

		res := d.tools.Run(ctx, tools.CWebP, path, out, tools.Options{
			Lossy:   level.Lossy(),
			Quality: d.cfg.WebP.Quality,
		})
		if res.Status == tools.StatusOK {
			return os.ReadFile(out)
		}
		if res.Status != tools.StatusUnavailable {
			return nil, errors.New(res.Message)
		}
	}
	return d.encodeWebP(path, d.cfg.WebP.Quality, false)
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}
