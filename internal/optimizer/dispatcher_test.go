package optimizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/settings"
	"image-optimizer/internal/tools"
)

type stubTools struct {
	mu      sync.Mutex
	missing map[string]bool
	status  tools.Status
	shrink  int
	calls   []string
	opts    map[string]tools.Options
}

func (s *stubTools) Available(tool string) bool {
	return !s.missing[tool]
}

func (s *stubTools) Run(_ context.Context, tool, in, out string, opts tools.Options) tools.Result {
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	if s.opts == nil {
		s.opts = make(map[string]tools.Options)
	}
	s.opts[tool] = opts
	s.mu.Unlock()

	if s.missing[tool] {
		return tools.Result{Status: tools.StatusUnavailable}
	}
	if s.status == tools.StatusFailed {
		return tools.Result{Status: tools.StatusFailed, ExitCode: 1, Message: "exit status 1"}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return tools.Result{Status: tools.StatusFailed, Message: err.Error()}
	}
	if n := len(data) - s.shrink; n > 0 {
		data = data[:n]
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return tools.Result{Status: tools.StatusFailed, Message: err.Error()}
	}
	return tools.Result{Status: tools.StatusOK, OutputSize: int64(len(data))}
}

func (s *stubTools) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubRemote struct {
	mu      sync.Mutex
	calls   int
	quotaAt int
	shrink  int
	backup  string
	fail    bool
}

func (s *stubRemote) Submit(_ context.Context, data []byte, _ string, _ cloud.Options) cloud.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.quotaAt > 0 && s.calls >= s.quotaAt {
		return cloud.Result{Status: cloud.StatusExceededQuota, Message: "quota exhausted"}
	}
	if s.fail {
		return cloud.Result{Status: cloud.StatusError, Message: "connection refused"}
	}
	out := data
	if n := len(data) - s.shrink; n > 0 {
		out = data[:n]
	}
	return cloud.Result{Status: cloud.StatusOK, Data: append([]byte(nil), out...), BackupID: s.backup}
}

func (s *stubRemote) CheckQuota(context.Context) (cloud.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaAt > 0 && s.calls >= s.quotaAt {
		return cloud.Quota{Exceeded: true}, cloud.ErrQuotaExceeded
	}
	return cloud.Quota{Remaining: 100}, nil
}

type fixture struct {
	db    *database.Database
	dir   string
	tools *stubTools
	cfg   settings.Settings
}

func setup(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	db, err := database.New(context.Background(), filepath.Join(root, "ledger.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := filepath.Join(root, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := settings.Default()
	cfg.MediaDir = dir
	cfg.SetLevel(imagetypes.Svg, imagetypes.LevelLossless)

	return &fixture{
		db:    db,
		dir:   dir,
		tools: &stubTools{missing: map[string]bool{}, shrink: 100},
		cfg:   cfg,
	}
}

func (f *fixture) dispatcher(remote RemoteClient) *Dispatcher {
	return New(f.db, f.tools, remote, f.cfg)
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func jpegData(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// pngData encodes a size x size gradient without compression, so any JPEG
// conversion of it is much smaller.
func pngData(t *testing.T, size int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 200, alpha})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gifData(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 64, 64), color.Palette{color.Black, color.White})
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 2)
	}
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func svgData() []byte {
	return []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="64" height="64">` +
		strings.Repeat(`<rect width="8" height="8" fill="#000000"/>`, 20) + `</svg>`)
}

func pdfData() []byte {
	return append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("% padding line\n"), 40)...)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func TestOptimize_LocalToolShrinks(t *testing.T) {
	t.Parallel()

	f := setup(t)
	path := f.write(t, "photo.jpg", jpegData(t))
	orig := fileSize(t, path)

	d := f.dispatcher(nil)
	out, err := d.Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}

	if out.State != StateDoneOK {
		t.Errorf("State = %v, want %v (%s)", out.State, StateDoneOK, out.Results)
	}
	if out.Route != StateLocalTool {
		t.Errorf("Route = %v, want %v", out.Route, StateLocalTool)
	}
	if out.OrigSize != orig || out.ImageSize != orig-100 {
		t.Errorf("sizes = %d -> %d, want %d -> %d", out.OrigSize, out.ImageSize, orig, orig-100)
	}
	if got := fileSize(t, path); got != orig-100 {
		t.Errorf("size on disk = %d, want %d", got, orig-100)
	}
	if !strings.HasPrefix(out.Results, "Reduced by") {
		t.Errorf("Results = %q", out.Results)
	}
}

func TestRunChain_PNGQuantQuality(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.cfg.Tools.PNGQuality = 70
	f.cfg.Convert.JPEGQuality = 95
	path := f.write(t, "icon.png", pngData(t, 64, 255))

	d := f.dispatcher(nil)
	if _, _, _, err := d.runChain(context.Background(), path, imagetypes.Png, imagetypes.LevelLossy); err != nil {
		t.Fatalf("runChain() error = %v", err)
	}

	f.tools.mu.Lock()
	opts, ok := f.tools.opts[tools.PNGQuant]
	f.tools.mu.Unlock()
	if !ok {
		t.Fatal("pngquant did not run at a lossy level")
	}
	if !opts.Lossy || opts.Quality != 70 {
		t.Errorf("pngquant options = %+v, want lossy with quality 70", opts)
	}
}

func TestIdempotentSkip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		file   string
		data   func(t *testing.T) []byte
		remote bool
	}{
		{"jpeg", "a.jpg", jpegData, false},
		{"png", "a.png", func(t *testing.T) []byte { return pngData(t, 32, 255) }, false},
		{"gif", "a.gif", gifData, false},
		{"svg", "a.svg", func(*testing.T) []byte { return svgData() }, false},
		{"pdf", "a.pdf", func(*testing.T) []byte { return pdfData() }, true},
		{"jpeg remote", "b.jpg", jpegData, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			f.cfg.SetLevel(imagetypes.Pdf, imagetypes.LevelLossy)
			var remote *stubRemote
			var client RemoteClient
			if tt.remote {
				remote = &stubRemote{shrink: 50}
				client = remote
				f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
			}
			d := f.dispatcher(client)
			ctx := context.Background()
			path := f.write(t, tt.file, tt.data(t))

			first, err := d.OptimizeFile(ctx, path, false)
			if err != nil {
				t.Fatalf("first OptimizeFile() error = %v", err)
			}
			if !first.State.Done() {
				t.Fatalf("first State = %v (%s), want a done state", first.State, first.Results)
			}
			toolCalls := f.tools.count()
			remoteCalls := 0
			if remote != nil {
				remoteCalls = remote.calls
			}

			for i := 0; i < 3; i++ {
				out, err := d.OptimizeFile(ctx, path, false)
				if err != nil {
					t.Fatalf("OptimizeFile() error = %v", err)
				}
				if out.State != StateSkipped {
					t.Errorf("repeat %d State = %v (%s), want %v", i, out.State, out.Results, StateSkipped)
				}
			}

			if got := f.tools.count(); got != toolCalls {
				t.Errorf("tool calls = %d after repeats, want %d", got, toolCalls)
			}
			if remote != nil && remote.calls != remoteCalls {
				t.Errorf("remote calls = %d after repeats, want %d", remote.calls, remoteCalls)
			}

			rec, err := f.db.FindByPath(ctx, path)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Updates != 1 {
				t.Errorf("Updates = %d, want 1", rec.Updates)
			}
		})
	}
}

func TestOptimize_EqualSizeIsUnchanged(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.tools.shrink = 0
	path := f.write(t, "photo.jpg", jpegData(t))
	orig := fileSize(t, path)

	out, err := f.dispatcher(nil).Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if out.State != StateDoneUnchanged {
		t.Errorf("State = %v, want %v", out.State, StateDoneUnchanged)
	}
	if out.ImageSize != orig {
		t.Errorf("ImageSize = %d, want %d", out.ImageSize, orig)
	}
}

func TestOptimize_ToolFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()

		f := setup(t)
		f.tools.missing[tools.JPEGTran] = true
		ctx := context.Background()
		path := f.write(t, "photo.jpg", jpegData(t))
		if err := f.db.MarkPending(ctx, path, database.Attribution{}); err != nil {
			t.Fatal(err)
		}
		rec, _ := f.db.FindByPath(ctx, path)
		job := JobFromRecord(*rec)

		out, err := f.dispatcher(nil).Optimize(ctx, batch.New(0, false), job)
		if err != nil {
			t.Fatalf("Optimize() error = %v", err)
		}
		if out.State != StateDoneFailed {
			t.Fatalf("State = %v, want %v", out.State, StateDoneFailed)
		}
		if !strings.Contains(out.Results, "jpegtran is missing") {
			t.Errorf("Results = %q", out.Results)
		}

		if err := Persist(ctx, f.db, job, out); err != nil {
			t.Fatal(err)
		}
		rec, _ = f.db.FindByPath(ctx, path)
		if rec.Pending || rec.ImageSize != 0 {
			t.Errorf("after failure pending=%v image_size=%d, want false/0", rec.Pending, rec.ImageSize)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		t.Parallel()

		f := setup(t)
		f.tools.status = tools.StatusFailed
		path := f.write(t, "photo.jpg", jpegData(t))

		out, err := f.dispatcher(nil).Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
		if err != nil {
			t.Fatalf("Optimize() error = %v", err)
		}
		if out.State != StateDoneUnchanged {
			t.Errorf("State = %v, want %v", out.State, StateDoneUnchanged)
		}
		if !strings.Contains(out.Results, "jpegtran failed") {
			t.Errorf("Results = %q", out.Results)
		}
	})
}

func TestOptimize_SkipRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		file   string
		data   func(t *testing.T) []byte
		adjust func(f *fixture)
		record *database.RecordUpdate
		want   string
	}{
		{
			name:   "excluded",
			file:   "private/photo.jpg",
			data:   jpegData,
			adjust: func(f *fixture) { f.cfg.ExcludePaths = []string{"/private/"} },
			want:   "Excluded",
		},
		{
			name:   "below minimum size",
			file:   "tiny.jpg",
			data:   jpegData,
			adjust: func(f *fixture) { f.cfg.MinSize = 1 << 20 },
			want:   "Smaller than minimum",
		},
		{
			name:   "level off",
			file:   "anim.gif",
			data:   gifData,
			adjust: func(f *fixture) { f.cfg.SetLevel(imagetypes.Gif, imagetypes.LevelOff) },
			want:   "Optimization disabled",
		},
		{
			name:   "png over maximum",
			file:   "big.png",
			data:   func(t *testing.T) []byte { return pngData(t, 64, 255) },
			adjust: func(f *fixture) { f.cfg.MaxPNGSize = 1024 },
			want:   "PNG larger than maximum",
		},
		{
			name:   "pdf without key",
			file:   "doc.pdf",
			data:   func(*testing.T) []byte { return pdfData() },
			adjust: func(f *fixture) { f.cfg.SetLevel(imagetypes.Pdf, imagetypes.LevelLossy) },
			want:   "No API key",
		},
		{
			name:   "thrash guard",
			file:   "busy.jpg",
			data:   jpegData,
			adjust: func(f *fixture) { f.cfg.MaxUpdates = 2 },
			record: &database.RecordUpdate{OrigSize: 1, ImageSize: 1},
			want:   "Optimized 3 times",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			tt.adjust(f)
			ctx := context.Background()
			if err := os.MkdirAll(filepath.Join(f.dir, filepath.Dir(tt.file)), 0o755); err != nil {
				t.Fatal(err)
			}
			path := f.write(t, tt.file, tt.data(t))
			if tt.record != nil {
				for i := 0; i < 3; i++ {
					if _, err := f.db.Upsert(ctx, path, *tt.record); err != nil {
						t.Fatal(err)
					}
				}
			}

			out, err := f.dispatcher(nil).Optimize(ctx, batch.New(0, false), FileJob{Path: path})
			if err != nil {
				t.Fatalf("Optimize() error = %v", err)
			}
			if out.State != StateSkipped {
				t.Fatalf("State = %v (%s), want %v", out.State, out.Results, StateSkipped)
			}
			if !strings.Contains(out.Results, tt.want) {
				t.Errorf("Results = %q, want it to contain %q", out.Results, tt.want)
			}
			if n := f.tools.count(); n != 0 {
				t.Errorf("tool calls = %d, want 0", n)
			}
		})
	}
}

func TestOptimize_ForceBypassesSkip(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	d := f.dispatcher(nil)
	path := f.write(t, "photo.jpg", jpegData(t))

	if _, err := d.OptimizeFile(ctx, path, false); err != nil {
		t.Fatal(err)
	}
	out, err := d.OptimizeFile(ctx, path, true)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDoneOK {
		t.Errorf("forced State = %v, want %v", out.State, StateDoneOK)
	}

	rec, _ := f.db.FindByPath(ctx, path)
	if rec.Updates != 2 {
		t.Errorf("Updates = %d, want 2", rec.Updates)
	}
}

func TestOptimize_LevelRaiseReoptimizes(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	path := f.write(t, "photo.jpg", jpegData(t))

	if _, err := f.dispatcher(nil).OptimizeFile(ctx, path, false); err != nil {
		t.Fatal(err)
	}

	f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
	remote := &stubRemote{shrink: 10}
	out, err := f.dispatcher(remote).OptimizeFile(ctx, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDoneOK || out.Route != StateRemoteAPI {
		t.Errorf("State/Route = %v/%v, want %v/%v", out.State, out.Route, StateDoneOK, StateRemoteAPI)
	}
	if out.Level != imagetypes.LevelLossy {
		t.Errorf("Level = %v, want %v", out.Level, imagetypes.LevelLossy)
	}
}

func TestOptimize_InputErrors(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	d := f.dispatcher(nil)

	outside := filepath.Join(t.TempDir(), "elsewhere.jpg")
	if err := os.WriteFile(outside, jpegData(t), 0o644); err != nil {
		t.Fatal(err)
	}
	text := f.write(t, "notes.jpg", []byte("plain text pretending to be an image"))

	tests := []struct {
		name string
		path string
		want error
	}{
		{"dot dot segment", f.dir + "/../uploads/photo.jpg", ErrPathTraversal},
		{"outside roots", outside, ErrPathTraversal},
		{"sniffed type", text, ErrUnsupportedType},
		{"directory", f.dir, ErrUnsupportedType},
	}

	for _, tt := range tests {
		if _, err := d.Optimize(ctx, batch.New(0, false), FileJob{Path: tt.path}); !errors.Is(err, tt.want) {
			t.Errorf("%s: Optimize() error = %v, want %v", tt.name, err, tt.want)
		}
	}

	if os.Geteuid() != 0 {
		readonly := f.write(t, "readonly.jpg", jpegData(t))
		if err := os.Chmod(readonly, 0o444); err != nil {
			t.Fatal(err)
		}
		if _, err := d.Optimize(ctx, batch.New(0, false), FileJob{Path: readonly}); !errors.Is(err, ErrUnwritable) {
			t.Errorf("read-only: Optimize() error = %v, want ErrUnwritable", err)
		}
	}

	if s, _ := f.db.SavingsSummary(ctx); s.Files != 0 || s.Pending != 0 {
		t.Errorf("ledger written on input errors: %+v", s)
	}
	if n := f.tools.count(); n != 0 {
		t.Errorf("tool calls = %d, want 0", n)
	}
}

func TestOptimize_VanishedFileDeletesRow(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "gone.jpg")
	if err := f.db.MarkPending(ctx, path, database.Attribution{}); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.db.FindByPath(ctx, path)
	job := JobFromRecord(*rec)

	out, err := f.dispatcher(nil).Optimize(ctx, batch.New(0, false), job)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if out.State != StateDoneFailed || !out.Vanished {
		t.Fatalf("State = %v vanished = %v, want done_failed/true", out.State, out.Vanished)
	}
	if err := Persist(ctx, f.db, job, out); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.FindByID(ctx, job.ID); !errors.Is(err, database.ErrRecordNotFound) {
		t.Errorf("row still present after vanished file: %v", err)
	}
}

func TestOptimize_LevelDowngradeWithoutKey(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelMaxLossy)
	path := f.write(t, "photo.jpg", jpegData(t))

	out, err := f.dispatcher(nil).Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if out.Route != StateLocalTool || out.Level != imagetypes.LevelLossless {
		t.Errorf("Route/Level = %v/%v, want local_tool/lossless", out.Route, out.Level)
	}
}

func TestOptimize_Remote(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		f := setup(t)
		f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
		remote := &stubRemote{shrink: 200, backup: "bk-1"}
		path := f.write(t, "photo.jpg", jpegData(t))
		orig := fileSize(t, path)

		out, err := f.dispatcher(remote).OptimizeFile(context.Background(), path, false)
		if err != nil {
			t.Fatal(err)
		}
		if out.State != StateDoneOK || out.ImageSize != orig-200 {
			t.Errorf("State = %v ImageSize = %d, want done_ok/%d", out.State, out.ImageSize, orig-200)
		}
		if f.tools.count() != 0 {
			t.Error("local tools ran on the remote route")
		}
		rec, _ := f.db.FindByPath(context.Background(), path)
		if rec.Backup != "bk-1" {
			t.Errorf("Backup = %q, want bk-1", rec.Backup)
		}
	})

	t.Run("error is per file", func(t *testing.T) {
		t.Parallel()

		f := setup(t)
		f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
		path := f.write(t, "photo.jpg", jpegData(t))

		out, err := f.dispatcher(&stubRemote{fail: true}).Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
		if err != nil {
			t.Fatalf("Optimize() error = %v, want nil", err)
		}
		if out.State != StateDoneFailed || out.QuotaExceeded {
			t.Errorf("State = %v quota = %v, want done_failed/false", out.State, out.QuotaExceeded)
		}
	})

	t.Run("quota", func(t *testing.T) {
		t.Parallel()

		f := setup(t)
		f.cfg.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
		path := f.write(t, "photo.jpg", jpegData(t))

		out, err := f.dispatcher(&stubRemote{quotaAt: 1}).Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
		if !errors.Is(err, cloud.ErrQuotaExceeded) {
			t.Fatalf("Optimize() error = %v, want ErrQuotaExceeded", err)
		}
		if !out.QuotaExceeded || out.State != StateDoneFailed {
			t.Errorf("QuotaExceeded = %v State = %v", out.QuotaExceeded, out.State)
		}
	})
}

func TestConversionGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		background string
		want       State
	}{
		{"alpha without background", "", StateDoneUnchanged},
		{"alpha with background", "#ffffff", StateDoneConverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			f.tools.shrink = 0
			f.cfg.Convert.PNGToJPG = true
			f.cfg.Convert.Background = tt.background
			ctx := context.Background()
			path := f.write(t, "logo.png", pngData(t, 256, 0x80))

			if err := f.db.MarkPending(ctx, path, database.Attribution{Gallery: "media", AttachmentID: 9}); err != nil {
				t.Fatal(err)
			}
			rec, _ := f.db.FindByPath(ctx, path)
			job := JobFromRecord(*rec)

			out, err := f.dispatcher(nil).Optimize(ctx, batch.New(0, false), job)
			if err != nil {
				t.Fatalf("Optimize() error = %v", err)
			}
			if out.State != tt.want {
				t.Fatalf("State = %v (%s), want %v", out.State, out.Results, tt.want)
			}

			jpg := filepath.Join(f.dir, "logo.jpg")
			if tt.want != StateDoneConverted {
				if _, err := os.Stat(jpg); !os.IsNotExist(err) {
					t.Errorf("converted file exists without a background fill")
				}
				return
			}

			if out.Path != jpg || out.Converted != path {
				t.Errorf("Path/Converted = %q/%q, want %q/%q", out.Path, out.Converted, jpg, path)
			}
			if kind, err := imagetypes.DetectFile(jpg); err != nil || kind != imagetypes.Jpeg {
				t.Errorf("DetectFile(converted) = %v, %v; want jpeg", kind, err)
			}

			if err := Persist(ctx, f.db, job, out); err != nil {
				t.Fatal(err)
			}
			newRec, err := f.db.FindByPath(ctx, jpg)
			if err != nil {
				t.Fatalf("FindByPath(converted) error = %v", err)
			}
			if newRec.Converted != path || newRec.AttachmentID != 9 {
				t.Errorf("converted row = %+v", newRec)
			}
			if _, err := f.db.FindByID(ctx, job.ID); !errors.Is(err, database.ErrRecordNotFound) {
				t.Errorf("pre-conversion row still present: %v", err)
			}

			again, err := f.dispatcher(nil).Optimize(ctx, batch.New(0, false), FileJob{Path: path})
			if err != nil {
				t.Fatal(err)
			}
			if again.State != StateSkipped || !strings.HasPrefix(again.Results, "Original of converted") {
				t.Errorf("original re-dispatch = %v (%s), want skipped", again.State, again.Results)
			}
		})
	}
}

const tinyWebP = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func TestOptimize_WebP(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.cfg.WebP.Enabled = true
	f.tools.missing[tools.CWebP] = true
	path := f.write(t, "photo.jpg", jpegData(t))

	d := f.dispatcher(nil)
	d.encodeWebP = func(string, int, bool) ([]byte, error) {
		return base64.StdEncoding.DecodeString(tinyWebP)
	}

	out, err := d.Optimize(context.Background(), batch.New(0, false), FileJob{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if out.WebP != path+".webp" {
		t.Fatalf("WebP = %q, want %q", out.WebP, path+".webp")
	}
	if _, err := os.Stat(out.WebP); err != nil {
		t.Errorf("webp derivative missing: %v", err)
	}

	d.encodeWebP = func(string, int, bool) ([]byte, error) { return []byte("garbage"), nil }
	other := f.write(t, "other.jpg", jpegData(t))
	out, err = d.Optimize(context.Background(), batch.New(0, false), FileJob{Path: other})
	if err != nil {
		t.Fatal(err)
	}
	if out.WebP != "" {
		t.Errorf("invalid webp kept at %q", out.WebP)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		orig, optimized int64
		want            string
	}{
		{1000, 1000, "No savings"},
		{1000, 1200, "No savings"},
		{0, 0, "No savings"},
		{1000, 900, "Reduced by 10.0% (100 B)"},
		{4096, 1024, "Reduced by 75.0% (3.0 KB)"},
	}

	for _, tt := range tests {
		if got := Summary(tt.orig, tt.optimized); got != tt.want {
			t.Errorf("Summary(%d, %d) = %q, want %q", tt.orig, tt.optimized, got, tt.want)
		}
	}
}
