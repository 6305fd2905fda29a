package indexer

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"image-optimizer/internal/imagetypes"
)

func TestParallelWalker_Walk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for i, dir := range []string{"a", "b", filepath.Join("b", "c"), filepath.Join("b", "c", "d")} {
		writeFile(t, filepath.Join(root, dir, "img.jpg"), jpegBytes)
		if i%2 == 0 {
			writeFile(t, filepath.Join(root, dir, "img-100x100.jpg"), jpegBytes)
		}
	}
	writeFile(t, filepath.Join(root, ".hidden", "img.jpg"), jpegBytes)

	walker := NewParallelWalker(root, ParallelWalkerConfig{NumWorkers: 3, BatchSize: 10, ChannelBuffer: 1, SkipHidden: true})
	attachments, err := walker.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	var paths []string
	for _, a := range attachments {
		rel, _ := filepath.Rel(root, a.Path)
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	want := []string{
		filepath.Join("a", "img.jpg"),
		filepath.Join("b", "c", "d", "img.jpg"),
		filepath.Join("b", "c", "img.jpg"),
		filepath.Join("b", "img.jpg"),
	}
	if len(paths) != len(want) {
		t.Fatalf("Walk() found %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	originals, derivatives, folders := walker.Stats()
	if originals != 4 || derivatives != 2 {
		t.Errorf("Stats() = (%d, %d), want (4, 2)", originals, derivatives)
	}
	// root, a, b, b/c, b/c/d
	if folders != 5 {
		t.Errorf("folders = %d, want 5", folders)
	}
}

func TestParallelWalker_ZeroWorkers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.png"), pngBytes)

	walker := NewParallelWalker(root, ParallelWalkerConfig{})
	attachments, err := walker.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(attachments) != 1 {
		t.Errorf("Walk() found %d attachments, want 1", len(attachments))
	}
}

func TestSniffKind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		data []byte
		want imagetypes.Kind
	}{
		{"a.jpg", jpegBytes, imagetypes.Jpeg},
		{"b.png", pngBytes, imagetypes.Png},
		{"c.gif", gifBytes, imagetypes.Gif},
		{"d.pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"), imagetypes.Pdf},
		{"e.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1"></svg>`), imagetypes.Svg},
		{"f.jpg", []byte("plain text"), imagetypes.Unknown},
	}

	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		writeFile(t, path, tt.data)
		if got := sniffKind(path); got != tt.want {
			t.Errorf("sniffKind(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDefaultParallelWalkerConfig(t *testing.T) {
	t.Setenv("INDEX_WORKERS", "7")

	cfg := DefaultParallelWalkerConfig()
	if cfg.NumWorkers != 7 {
		t.Errorf("NumWorkers = %d, want 7", cfg.NumWorkers)
	}
	if !cfg.SkipHidden {
		t.Error("SkipHidden should default to true")
	}
}
