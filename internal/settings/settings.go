package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"image-optimizer/internal/imagetypes"
)

// Settings is the full optimizer configuration.
type Settings struct {
	MediaDir    string `yaml:"media_dir"`
	DatabaseDir string `yaml:"database_dir"`

	// Levels maps kind names ("jpeg", "png", "gif", "pdf", "svg") to levels.
	Levels map[string]int `yaml:"levels"`

	MinSize    int64 `yaml:"min_size"`
	MaxPNGSize int64 `yaml:"max_png_size"`
	MaxUpdates int   `yaml:"max_updates"`

	// ExcludePaths are substrings, or glob patterns when they contain
	// wildcards, matched against absolute paths.
	ExcludePaths []string `yaml:"exclude_paths"`

	// DisabledSizes lists resize labels that are never optimized.
	DisabledSizes []string `yaml:"disabled_sizes"`

	// SizeNames maps "WxH" dimensions to registered size names.
	SizeNames map[string]string `yaml:"size_names"`

	Cloud   Cloud   `yaml:"cloud"`
	Convert Convert `yaml:"convert"`
	WebP    WebP    `yaml:"webp"`
	Tools   Tools   `yaml:"tools"`
	Bulk    Bulk    `yaml:"bulk"`
	Server  Server  `yaml:"server"`
}

// Cloud configures the remote optimization API.
type Cloud struct {
	APIKey       string        `yaml:"api_key"`
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	HTTPFallback bool          `yaml:"http_fallback"`
	Backup       bool          `yaml:"backup"`
}

// Convert configures format conversion.
type Convert struct {
	JPGToPNG bool `yaml:"jpg_to_png"`
	PNGToJPG bool `yaml:"png_to_jpg"`
	GIFToPNG bool `yaml:"gif_to_png"`
	// Background is a hex fill ("#ffffff") used to flatten transparent PNGs.
	// Empty means alpha PNGs are never converted to JPEG.
	Background  string `yaml:"background"`
	JPEGQuality int    `yaml:"jpeg_quality"`
	// DeleteOriginals removes the pre-conversion file after a conversion.
	DeleteOriginals bool `yaml:"delete_originals"`
}

// WebP configures WebP derivative generation.
type WebP struct {
	Enabled bool `yaml:"enabled"`
	// Force keeps the derivative even when it is larger than the source.
	Force   bool `yaml:"force"`
	Quality int  `yaml:"quality"`
}

// Tools configures local compression binaries.
type Tools struct {
	// Dir is searched before PATH.
	Dir        string        `yaml:"dir"`
	PNGOut     bool          `yaml:"pngout"`
	PNGQuant   bool          `yaml:"pngquant"`
	// PNGQuality is the upper bound of pngquant's quality range.
	PNGQuality int           `yaml:"pngquant_quality"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Bulk configures the batch loop, scanner and fan-out.
type Bulk struct {
	TickDeadline     time.Duration `yaml:"tick_deadline"`
	MaxThreads       int           `yaml:"max_threads"`
	FanOutThreshold  int           `yaml:"fanout_threshold"`
	FanOutWait       time.Duration `yaml:"fanout_wait"`
	ClaimLease       time.Duration `yaml:"claim_lease"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MemoryLimit      string        `yaml:"memory_limit"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	IndexInterval    time.Duration `yaml:"index_interval"`
}

// Server configures the HTTP surface of serve mode.
type Server struct {
	Port           string `yaml:"port"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		MediaDir:    "./uploads",
		DatabaseDir: "./data",
		Levels: map[string]int{
			"jpeg": int(imagetypes.LevelLossless),
			"png":  int(imagetypes.LevelLossless),
			"gif":  int(imagetypes.LevelLossless),
			"pdf":  int(imagetypes.LevelOff),
			"svg":  int(imagetypes.LevelOff),
		},
		MaxUpdates: 10,
		SizeNames: map[string]string{
			"150x150":   "thumbnail",
			"300x300":   "medium",
			"768x0":     "medium_large",
			"1024x1024": "large",
			"1536x1536": "1536x1536",
			"2048x2048": "2048x2048",
		},
		Cloud: Cloud{
			Endpoint:     "https://optimize.example.com/v1/",
			Timeout:      60 * time.Second,
			HTTPFallback: true,
		},
		Convert: Convert{JPEGQuality: 82},
		WebP:    WebP{Quality: 75},
		Tools:   Tools{PNGQuality: 80, Timeout: 90 * time.Second},
		Bulk: Bulk{
			TickDeadline:    15 * time.Second,
			MaxThreads:      5,
			FanOutThreshold: 4,
			FanOutWait:      30 * time.Second,
			ClaimLease:      5 * time.Minute,
			MaxBatchSize:    1000,
		},
		Server: Server{Port: "8080", MetricsEnabled: true},
	}
}

// Load reads a YAML file over Default. An empty path returns Default.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 merges into an existing map, so levels are decoded on their own
	// and folded over the defaults by kind.
	defaults := s.Levels
	s.Levels = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	levels, err := mergeLevels(defaults, s.Levels)
	s.Levels = levels
	if err != nil {
		return s, err
	}
	return s, s.Validate()
}

// mergeLevels applies user levels over base, keyed by canonical kind name.
// Unknown names are kept for Validate to report. Two aliases of one kind
// with different values are an error.
func mergeLevels(base, user map[string]int) (map[string]int, error) {
	out := make(map[string]int, len(base)+len(user))
	for name, level := range base {
		if k, err := imagetypes.Parse(name); err == nil {
			name = k.String()
		}
		out[name] = level
	}

	seen := make(map[imagetypes.Kind]string, len(user))
	for _, name := range slices.Sorted(maps.Keys(user)) {
		level := user[name]
		k, err := imagetypes.Parse(name)
		if err != nil {
			out[name] = level
			continue
		}
		if prev, ok := seen[k]; ok && user[prev] != level {
			return out, fmt.Errorf("levels: %q and %q set different levels for %s", prev, name, k)
		}
		seen[k] = name
		out[k.String()] = level
	}
	return out, nil
}

// Validate checks values that would otherwise fail deep inside a tick.
func (s Settings) Validate() error {
	var errs []error
	for name, level := range s.Levels {
		if _, err := imagetypes.Parse(name); err != nil {
			errs = append(errs, fmt.Errorf("levels: %w", err))
		}
		if level < 0 {
			errs = append(errs, fmt.Errorf("levels.%s: negative level %d", name, level))
		}
	}
	for dims := range s.SizeNames {
		if _, _, ok := ParseDimensions(dims); !ok {
			errs = append(errs, fmt.Errorf("size_names: invalid dimensions %q", dims))
		}
	}
	if s.Convert.JPEGQuality < 0 || s.Convert.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("convert.jpeg_quality %d out of range 0-100", s.Convert.JPEGQuality))
	}
	if s.Tools.PNGQuality < 0 || s.Tools.PNGQuality > 100 {
		errs = append(errs, fmt.Errorf("tools.pngquant_quality %d out of range 0-100", s.Tools.PNGQuality))
	}
	if s.WebP.Quality < 0 || s.WebP.Quality > 100 {
		errs = append(errs, fmt.Errorf("webp.quality %d out of range 0-100", s.WebP.Quality))
	}
	if s.Bulk.TickDeadline <= 0 {
		errs = append(errs, errors.New("bulk.tick_deadline must be positive"))
	}
	return errors.Join(errs...)
}

// Level returns the configured level for kind. Unset kinds are off.
func (s Settings) Level(kind imagetypes.Kind) imagetypes.Level {
	if level, ok := s.Levels[kind.String()]; ok {
		return imagetypes.Level(level)
	}
	for _, name := range slices.Sorted(maps.Keys(s.Levels)) {
		if k, err := imagetypes.Parse(name); err == nil && k == kind {
			return imagetypes.Level(s.Levels[name])
		}
	}
	return imagetypes.LevelOff
}

// SetLevel sets the level for kind.
func (s *Settings) SetLevel(kind imagetypes.Kind, level imagetypes.Level) {
	if s.Levels == nil {
		s.Levels = make(map[string]int)
	}
	for name := range s.Levels {
		if k, err := imagetypes.Parse(name); err == nil && k == kind {
			delete(s.Levels, name)
		}
	}
	s.Levels[kind.String()] = int(level)
}

// HasCloud reports whether a remote API key is configured.
func (s Settings) HasCloud() bool {
	return strings.TrimSpace(s.Cloud.APIKey) != ""
}

// Excluded reports whether path matches any exclude pattern.
func (s Settings) Excluded(path string) bool {
	for _, pattern := range s.ExcludePaths {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := filepath.Match(pattern, path); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
				return true
			}
			continue
		}
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// SizeDisabled reports whether a resize label is administratively disabled.
func (s Settings) SizeDisabled(label string) bool {
	for _, disabled := range s.DisabledSizes {
		if strings.EqualFold(strings.TrimSpace(disabled), label) {
			return true
		}
	}
	return false
}

// SizeName returns the registered name for dimensions, if any. A registered
// height or width of 0 matches any value on that axis.
func (s Settings) SizeName(width, height int) (string, bool) {
	if name, ok := s.SizeNames[fmt.Sprintf("%dx%d", width, height)]; ok {
		return name, true
	}
	for dims, name := range s.SizeNames {
		w, h, ok := ParseDimensions(dims)
		if !ok {
			continue
		}
		if (w == 0 || w == width) && (h == 0 || h == height) && (w != 0 || h != 0) {
			return name, true
		}
	}
	return "", false
}

// ParseDimensions parses "WxH".
func ParseDimensions(s string) (width, height int, ok bool) {
	w, h, found := strings.Cut(strings.ToLower(s), "x")
	if !found {
		return 0, 0, false
	}
	width, err := strconv.Atoi(w)
	if err != nil || width < 0 {
		return 0, 0, false
	}
	height, err = strconv.Atoi(h)
	if err != nil || height < 0 {
		return 0, 0, false
	}
	return width, height, true
}
