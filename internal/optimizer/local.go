package optimizer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/tools"
)

// stepResult is the outcome of the primary local or remote step.
type stepResult struct {
	size     int64
	failed   bool
	vanished bool
	message  string
	backup   string
	// webp is a derivative returned by the remote API.
	webp []byte
}

func (d *Dispatcher) runLocal(ctx context.Context, path string, kind imagetypes.Kind, level imagetypes.Level) (stepResult, error) {
	size, ran, msgs, err := d.runChain(ctx, path, kind, level)
	if err != nil {
		if os.IsNotExist(err) {
			return stepResult{failed: true, vanished: true, message: "File disappeared during optimization"}, nil
		}
		return stepResult{}, err
	}
	if ran == 0 {
		return stepResult{failed: true, message: strings.Join(msgs, "; ")}, nil
	}
	return stepResult{size: size, message: strings.Join(msgs, "; ")}, nil
}

// runChain runs every available tool for kind over path, keeping the
// smallest valid output, and replaces path with it. It returns the final
// size and how many tools actually ran.
func (d *Dispatcher) runChain(ctx context.Context, path string, kind imagetypes.Kind, level imagetypes.Level) (int64, int, []string, error) {
	origSize, err := filesystem.FileSize(path)
	if err != nil {
		return 0, 0, nil, err
	}

	best, bestSize := path, origSize
	var msgs []string
	ran := 0
	cleanup := func() {
		if best != path {
			_ = os.Remove(best)
		}
	}

	for _, tool := range kind.LocalTools() {
		if tool == tools.PNGQuant && !level.Lossy() {
			continue
		}
		if !d.tools.Available(tool) {
			msgs = append(msgs, tool+" is missing")
			continue
		}
		if err := ctx.Err(); err != nil {
			cleanup()
			return 0, ran, msgs, err
		}

		out := filesystem.TempPath(path, "."+tool+kind.Extension())
		res := d.tools.Run(ctx, tool, best, out, tools.Options{
			Lossy:   level.Lossy(),
			Quality: d.cfg.Tools.PNGQuality,
		})

		switch res.Status {
		case tools.StatusUnavailable:
			msgs = append(msgs, tool+" is missing")
			continue
		case tools.StatusFailed:
			ran++
			msgs = append(msgs, fmt.Sprintf("%s failed: %s", tool, res.Message))
			_ = os.Remove(out)
			continue
		}
		ran++

		if res.OutputSize <= 0 || res.OutputSize >= bestSize {
			_ = os.Remove(out)
			continue
		}
		if got, err := imagetypes.DetectFile(out); err != nil || got != kind {
			msgs = append(msgs, tool+" produced an invalid file")
			_ = os.Remove(out)
			continue
		}
		cleanup()
		best, bestSize = out, res.OutputSize
	}

	if best == path {
		return origSize, ran, msgs, nil
	}

	if _, err := os.Stat(path); err != nil {
		cleanup()
		return 0, ran, msgs, err
	}
	if err := filesystem.ReplaceFile(best, path); err != nil {
		cleanup()
		return 0, ran, msgs, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return bestSize, ran, msgs, nil
}
