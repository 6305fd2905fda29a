package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"image-optimizer/internal/imagetypes"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if got := s.Level(imagetypes.Jpeg); got != imagetypes.LevelLossless {
		t.Errorf("Level(jpeg) = %v, want lossless", got)
	}
	if got := s.Level(imagetypes.Pdf); got != imagetypes.LevelOff {
		t.Errorf("Level(pdf) = %v, want off", got)
	}
	if s.MaxUpdates != 10 {
		t.Errorf("MaxUpdates = %d, want 10", s.MaxUpdates)
	}
	if s.HasCloud() {
		t.Error("HasCloud() = true without a key")
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	content := `
media_dir: /srv/uploads
levels:
  jpg: 30
  png: 20
min_size: 2048
exclude_paths:
  - /cache/
  - "*.thumb.jpg"
cloud:
  api_key: abc123
  timeout: 5s
bulk:
  tick_deadline: 20s
  max_threads: 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.MediaDir != "/srv/uploads" {
		t.Errorf("MediaDir = %q, want /srv/uploads", s.MediaDir)
	}
	if got := s.Level(imagetypes.Jpeg); got != imagetypes.LevelLossy {
		t.Errorf("Level(jpeg) = %v, want lossy", got)
	}
	if got := s.Level(imagetypes.Png); got != imagetypes.LevelLosslessCloud {
		t.Errorf("Level(png) = %v, want lossless-cloud", got)
	}
	if s.Cloud.Timeout != 5*time.Second {
		t.Errorf("Cloud.Timeout = %v, want 5s", s.Cloud.Timeout)
	}
	if s.Bulk.TickDeadline != 20*time.Second || s.Bulk.MaxThreads != 8 {
		t.Errorf("Bulk = %+v", s.Bulk)
	}
	// Untouched defaults survive.
	if s.WebP.Quality != 75 {
		t.Errorf("WebP.Quality = %d, want 75", s.WebP.Quality)
	}
	if !s.HasCloud() {
		t.Error("HasCloud() = false with a key")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "bogus_field: 1\n"},
		{"bad level kind", "levels:\n  tiff: 10\n"},
		{"bad quality", "webp:\n  quality: 101\n"},
		{"bad dimensions", "size_names:\n  big: large\n"},
		{"conflicting level aliases", "levels:\n  jpg: 30\n  jpeg: 40\n"},
		{"bad pngquant quality", "tools:\n  pngquant_quality: 120\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() should fail")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestLoad_EmptyFileAndPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load(empty) error = %v", err)
	}
	if _, err := Load(""); err != nil {
		t.Errorf("Load(\"\") error = %v", err)
	}
}

func TestExcluded(t *testing.T) {
	t.Parallel()

	s := Default()
	s.ExcludePaths = []string{"/cache/", "*.thumb.jpg", "  "}

	tests := []struct {
		path string
		want bool
	}{
		{"/srv/uploads/cache/a.jpg", true},
		{"/srv/uploads/2024/a.thumb.jpg", true},
		{"/srv/uploads/2024/a.jpg", false},
		{"/srv/uploads/cached/a.jpg", false},
	}

	for _, tt := range tests {
		if got := s.Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSizeName(t *testing.T) {
	t.Parallel()

	s := Default()
	tests := []struct {
		w, h   int
		want   string
		wantOK bool
	}{
		{150, 150, "thumbnail", true},
		{768, 512, "medium_large", true},
		{640, 480, "", false},
	}

	for _, tt := range tests {
		got, ok := s.SizeName(tt.w, tt.h)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SizeName(%d, %d) = %q, %v, want %q, %v", tt.w, tt.h, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSizeDisabled(t *testing.T) {
	t.Parallel()

	s := Default()
	s.DisabledSizes = []string{"Thumbnail", "full-retina"}
	if !s.SizeDisabled("thumbnail") {
		t.Error("SizeDisabled(thumbnail) = false, want true")
	}
	if !s.SizeDisabled("full-retina") {
		t.Error("SizeDisabled(full-retina) = false, want true")
	}
	if s.SizeDisabled("medium") {
		t.Error("SizeDisabled(medium) = true, want false")
	}
}

func TestLoad_LevelAliasReplacesDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	if err := os.WriteFile(path, []byte("levels:\n  JPG: 30\n  jpeg: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Map iteration order varies, so repeat to catch a stale default key.
	for i := 0; i < 20; i++ {
		s, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got := s.Level(imagetypes.Jpeg); got != imagetypes.LevelLossy {
			t.Fatalf("Level(jpeg) = %v, want lossy", got)
		}
		if len(s.Levels) != len(Default().Levels) {
			t.Fatalf("Levels = %v, want one key per kind", s.Levels)
		}
		if got := s.Level(imagetypes.Png); got != imagetypes.LevelLossless {
			t.Fatalf("Level(png) = %v, want default lossless", got)
		}
	}
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	s := Default()
	s.Levels["jpg"] = 40
	s.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossless)
	if got := s.Level(imagetypes.Jpeg); got != imagetypes.LevelLossless {
		t.Errorf("Level(jpeg) = %v, want lossless", got)
	}
	if _, ok := s.Levels["jpg"]; ok {
		t.Error("alias key should be replaced")
	}
}

func TestParseDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		w, h   int
		wantOK bool
	}{
		{"150x150", 150, 150, true},
		{"768X0", 768, 0, true},
		{"150", 0, 0, false},
		{"ax1", 0, 0, false},
		{"-1x5", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := ParseDimensions(tt.in)
		if w != tt.w || h != tt.h || ok != tt.wantOK {
			t.Errorf("ParseDimensions(%q) = %d, %d, %v, want %d, %d, %v", tt.in, w, h, ok, tt.w, tt.h, tt.wantOK)
		}
	}
}
