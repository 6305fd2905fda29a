package optimizer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"image-optimizer/internal/cloud"
	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/imagetypes"
)

// errWrongType is reported when remote bytes do not match the file's kind.
var errWrongType = errors.New("remote result does not match the original type")

func (d *Dispatcher) runRemote(ctx context.Context, path string, kind imagetypes.Kind, level imagetypes.Level) (stepResult, error) {
	data, err := filesystem.ReadFileWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		if os.IsNotExist(err) {
			return stepResult{failed: true, vanished: true, message: "File disappeared during optimization"}, nil
		}
		return stepResult{}, err
	}
	origSize := int64(len(data))

	res := d.remote.Submit(ctx, data, kind.MimeType(), cloud.Options{
		Level:  int(level),
		Lossy:  level.Lossy(),
		WebP:   d.cfg.WebP.Enabled && kind.SupportsWebP(),
		Backup: d.cfg.Cloud.Backup,
	})

	switch res.Status {
	case cloud.StatusExceededQuota:
		return stepResult{}, fmt.Errorf("%s: %w", path, cloud.ErrQuotaExceeded)
	case cloud.StatusOK:
	default:
		if err := ctx.Err(); err != nil {
			return stepResult{}, err
		}
		return stepResult{failed: true, message: "Remote optimization failed: " + res.Message}, nil
	}

	step := stepResult{size: origSize, backup: res.BackupID, webp: res.WebP}
	if int64(len(res.Data)) >= origSize {
		return step, nil
	}
	if imagetypes.Detect(res.Data) != kind {
		step.message = errWrongType.Error()
		return step, nil
	}

	tmp := filesystem.TempPath(path, ".remote"+kind.Extension())
	if err := os.WriteFile(tmp, res.Data, 0o644); err != nil {
		return stepResult{}, err
	}
	if _, err := os.Stat(path); err != nil {
		_ = os.Remove(tmp)
		if os.IsNotExist(err) {
			return stepResult{failed: true, vanished: true, message: "File disappeared during optimization"}, nil
		}
		return stepResult{}, err
	}
	if err := filesystem.ReplaceFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return stepResult{}, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	step.size = int64(len(res.Data))
	return step, nil
}
