package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"image-optimizer/internal/logging"
)

// VolumeResolver maps file paths to known volume names for metric labeling.
// It uses longest-prefix matching on absolute paths.
type VolumeResolver struct {
	// mounts is sorted by path length descending for longest-prefix matching
	mounts []volumeMount
}

type volumeMount struct {
	path string // absolute path with trailing slash (e.g., "/media/")
	name string // volume label (e.g., "media")
}

// NewVolumeResolver creates a resolver from a map of volume name → absolute path.
//
//	NewVolumeResolver(map[string]string{
//	    "media":    "/srv/uploads",
//	    "database": "/var/lib/optimizer",
//	})
func NewVolumeResolver(volumes map[string]string) *VolumeResolver {
	mounts := make([]volumeMount, 0, len(volumes))
	for name, path := range volumes {
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		if !strings.HasSuffix(absPath, "/") {
			absPath += "/"
		}
		mounts = append(mounts, volumeMount{path: absPath, name: name})
	}

	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].path) > len(mounts[j].path)
	})

	return &VolumeResolver{mounts: mounts}
}

// Resolve returns the volume name for a given file path.
// Returns "unknown" if the path doesn't match any configured volume.
func (vr *VolumeResolver) Resolve(path string) string {
	if vr == nil {
		return "unknown"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "unknown"
	}

	for _, mount := range vr.mounts {
		if strings.HasPrefix(absPath+"/", mount.path) {
			return mount.name
		}
	}

	return "unknown"
}

// defaultResolver is the package-level resolver set at startup
var defaultResolver *VolumeResolver

// SetDefaultVolumeResolver sets the package-level volume resolver.
// Call this once at startup after loading configuration.
func SetDefaultVolumeResolver(vr *VolumeResolver) {
	defaultResolver = vr
}

// RetryConfig configures retry behavior for filesystem operations
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VolumeResolver overrides the package-level resolver for this operation.
	// If nil, the package-level default is used.
	VolumeResolver *VolumeResolver
}

// DefaultRetryConfig returns sensible defaults for NFS retry behavior
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (c *RetryConfig) resolveVolume(path string) string {
	if c.VolumeResolver != nil {
		return c.VolumeResolver.Resolve(path)
	}
	return defaultResolver.Resolve(path)
}

// isNFSStaleError checks if an error is an NFS stale file handle error
func isNFSStaleError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ESTALE
	}

	return false
}

// withRetry runs fn until it succeeds, fails with a non-ESTALE error, or the
// retry budget is spent. Only stale file handle errors are retried.
func withRetry[T any](op, path string, config RetryConfig, fn func() (T, error)) (T, error) {
	event := RetryEvent{Op: op, Volume: config.resolveVolume(path), Outcome: RetryDone}
	start := time.Now()
	defer func() {
		event.Duration = time.Since(start)
		notify(event)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		result, err := fn()
		if err != nil && !isNFSStaleError(err) {
			return result, backoff.Permanent(err)
		}
		if err != nil {
			event.Stale++
		}
		return result, err
	}, backoff.WithMaxRetries(b, uint64(max(config.MaxRetries, 0))), func(err error, wait time.Duration) {
		event.Retries++
		logging.Debug("NFS %s stale file handle for %s, retrying in %v (attempt %d/%d)",
			op, path, wait, event.Retries, config.MaxRetries)
	})

	switch {
	case err == nil && event.Stale > 0:
		event.Outcome = RetryRecovered
		logging.Info("NFS %s succeeded on retry %d for %s", op, event.Retries, path)
	case err != nil && isNFSStaleError(err):
		event.Outcome = RetryExhausted
		logging.Warn("NFS %s failed after %d retries for %s: %v", op, event.Retries, path, err)
	}
	return result, err
}

// StatWithRetry performs os.Stat with retry logic for NFS stale file handle errors
func StatWithRetry(path string, config RetryConfig) (os.FileInfo, error) {
	return withRetry("stat", path, config, func() (os.FileInfo, error) {
		return os.Stat(path)
	})
}

// OpenWithRetry performs os.Open with retry logic for NFS stale file handle errors
func OpenWithRetry(path string, config RetryConfig) (*os.File, error) {
	return withRetry("open", path, config, func() (*os.File, error) {
		return os.Open(path)
	})
}

// ReadFileWithRetry reads a whole file with retry logic for NFS stale file handle errors.
func ReadFileWithRetry(path string, config RetryConfig) ([]byte, error) {
	return withRetry("open", path, config, func() ([]byte, error) {
		return os.ReadFile(path)
	})
}

// FileSize returns the size of a regular file using StatWithRetry.
func FileSize(path string) (int64, error) {
	info, err := StatWithRetry(path, DefaultRetryConfig())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReplaceFile atomically moves src over dst, keeping dst's permission bits.
// Both paths must be on the same filesystem.
func ReplaceFile(src, dst string) error {
	if info, err := os.Stat(dst); err == nil {
		if err := os.Chmod(src, info.Mode().Perm()); err != nil {
			logging.Debug("failed to copy permissions onto %s: %v", src, err)
		}
	}
	return os.Rename(src, dst)
}

// TempPath returns a sibling path for intermediate output next to path.
func TempPath(path, suffix string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+suffix)
}
