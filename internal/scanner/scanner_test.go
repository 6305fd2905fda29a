package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/database"
	"image-optimizer/internal/discovery"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/scanstate"
	"image-optimizer/internal/settings"
)

type stubJobs struct {
	jobs  map[int64]discovery.Job
	calls []int64
	hook  func(id int64)
}

func (s *stubJobs) Resolve(_ context.Context, id int64) (discovery.Job, error) {
	s.calls = append(s.calls, id)
	if s.hook != nil {
		s.hook(id)
	}
	job, ok := s.jobs[id]
	if !ok {
		return discovery.Job{ID: id}, nil
	}
	return job, nil
}

type stubMemory struct {
	size int
	low  bool
}

func (m *stubMemory) BatchSize() int  { return m.size }
func (m *stubMemory) LowMemory() bool { return m.low }

type fixture struct {
	db      *database.Database
	store   *scanstate.Store
	jobs    *stubJobs
	mem     *stubMemory
	scanner *Scanner
	dir     string
}

func setup(t *testing.T, cfg settings.Settings) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := database.New(context.Background(), filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := scanstate.Open(filepath.Join(dir, "scan.db"))
	if err != nil {
		t.Fatalf("scanstate.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		db:    db,
		store: store,
		jobs:  &stubJobs{jobs: map[int64]discovery.Job{}},
		mem:   &stubMemory{size: 1000},
		dir:   filepath.Join(dir, "uploads"),
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f.scanner = New(db, store, f.jobs, database.NewResolver(db), f.mem, cfg)
	return f
}

// file writes size bytes and returns the path.
func (f *fixture) file(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) addJob(id int64, candidates ...discovery.Candidate) {
	f.jobs.jobs[id] = discovery.Job{ID: id, MimeType: "image/jpeg", Exists: true, Candidates: candidates}
}

func unbounded() *batch.Context {
	return batch.New(0, false)
}

func TestStartScan(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	st, err := f.scanner.StartScan(ctx, []int64{3, 1, 3, 0, 2}, scanstate.ModeBulk)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if want := []int64{3, 1, 2}; !equalIDs(st.Remaining, want) {
		t.Errorf("Remaining = %v, want %v", st.Remaining, want)
	}
	if st.Mode != scanstate.ModeBulk {
		t.Errorf("Mode = %q, want bulk", st.Mode)
	}

	st, err = f.scanner.StartScan(ctx, []int64{9}, scanstate.ModeScheduled)
	if err != nil {
		t.Fatalf("StartScan(resume) error = %v", err)
	}
	if want := []int64{3, 1, 2}; !equalIDs(st.Remaining, want) {
		t.Errorf("resumed Remaining = %v, want %v", st.Remaining, want)
	}
	if st.Mode != scanstate.ModeBulk {
		t.Errorf("resumed Mode = %q, want bulk", st.Mode)
	}
}

func TestScanTick_EndToEnd(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	full := f.file(t, "a.jpg", 500)
	thumb := f.file(t, "a-150x150.jpg", 100)
	f.addJob(1,
		discovery.Candidate{Label: discovery.LabelFull, Path: full},
		discovery.Candidate{Label: "thumbnail", Path: thumb, Width: 150, Height: 150},
	)

	done := f.file(t, "b.jpg", 300)
	f.addJob(2, discovery.Candidate{Label: discovery.LabelFull, Path: done})
	doneID, err := f.db.Upsert(ctx, done, database.RecordUpdate{OrigSize: 400, ImageSize: 300, Level: 10})
	if err != nil {
		t.Fatal(err)
	}
	// Job 3 has no metadata.

	if _, err := f.scanner.StartScan(ctx, []int64{1, 2, 3}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}

	result, err := f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatalf("ScanTick() error = %v", err)
	}
	if result.Expanded != 2 || result.Dropped != 1 || result.Queued != 2 || result.Remaining != 0 {
		t.Errorf("ScanTick() = %+v, want 2 expanded, 1 dropped, 2 queued, 0 remaining", result)
	}

	pending, err := f.db.NextPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending rows = %d, want 2", len(pending))
	}
	for _, r := range pending {
		if r.AttachmentID != 1 || r.Gallery != Gallery {
			t.Errorf("pending row %s attribution = %d/%q, want 1/%q", r.Path, r.AttachmentID, r.Gallery, Gallery)
		}
	}

	rec, err := f.db.FindByID(ctx, doneID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Pending || rec.Updates != 1 {
		t.Errorf("optimized row pending=%v updates=%d, want false/1", rec.Pending, rec.Updates)
	}

	st, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(st.Queued, []int64{1}) {
		t.Errorf("Queued = %v, want [1]", st.Queued)
	}

	// Nothing left: another tick is a no-op.
	result, err = f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if result != (ScanResult{}) {
		t.Errorf("ScanTick() after completion = %+v, want zero", result)
	}
}

func TestScanTick_DeadlineOneIDPerTick(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	ids := []int64{1, 2, 3, 4}
	for _, id := range ids {
		f.addJob(id, discovery.Candidate{Label: discovery.LabelFull, Path: f.file(t, fmt.Sprintf("%d.png", id), 10)})
	}
	if _, err := f.scanner.StartScan(ctx, ids, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}

	for tick := 1; tick <= len(ids); tick++ {
		bc := batch.New(0, false)
		bc.Deadline = time.Unix(1, 0)

		result, err := f.scanner.ScanTick(ctx, bc)
		if err != nil {
			t.Fatalf("tick %d error = %v", tick, err)
		}
		if result.Expanded != 1 {
			t.Errorf("tick %d Expanded = %d, want 1", tick, result.Expanded)
		}
		if want := len(ids) - tick; result.Remaining != want {
			t.Errorf("tick %d Remaining = %d, want %d", tick, result.Remaining, want)
		}
		if tick < len(ids) && !result.OutOfTime {
			t.Errorf("tick %d OutOfTime = false, want true", tick)
		}
	}

	st, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(st.Queued, ids) {
		t.Errorf("Queued = %v, want %v", st.Queued, ids)
	}
	if count, _ := f.db.CountPending(ctx); count != int64(len(ids)) {
		t.Errorf("CountPending() = %d, want %d", count, len(ids))
	}
}

func TestScanTick_LowMemoryPushesBack(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	f.addJob(1, discovery.Candidate{Label: discovery.LabelFull, Path: f.file(t, "one.gif", 10)})
	f.addJob(2, discovery.Candidate{Label: discovery.LabelFull, Path: f.file(t, "two.gif", 10)})
	if _, err := f.scanner.StartScan(ctx, []int64{1, 2}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}

	f.mem.low = true
	result, err := f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if !result.LowMemory || result.Expanded != 1 || result.Remaining != 1 {
		t.Errorf("ScanTick() = %+v, want low memory after 1 id with 1 remaining", result)
	}

	st, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(st.Remaining, []int64{2}) {
		t.Errorf("Remaining = %v, want [2]", st.Remaining)
	}
}

func TestScanTick_BatchSize(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()
	f.mem.size = 2

	if _, err := f.scanner.StartScan(ctx, []int64{1, 2, 3, 4, 5}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}
	result, err := f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3 with batch size 2", result.Remaining)
	}
	if len(f.jobs.calls) != 2 {
		t.Errorf("resolved %d ids, want 2", len(f.jobs.calls))
	}
}

func TestScanTick_Filters(t *testing.T) {
	t.Parallel()

	cfg := settings.Default()
	cfg.ExcludePaths = []string{"*-private.jpg"}
	cfg.DisabledSizes = []string{"medium"}
	f := setup(t, cfg)
	ctx := context.Background()

	f.addJob(1,
		discovery.Candidate{Label: discovery.LabelFull, Path: f.file(t, "p.jpg", 50)},
		discovery.Candidate{Label: "thumbnail", Path: f.file(t, "p-150x150.jpg", 10), Width: 150, Height: 150},
		// same dimensions under another label
		discovery.Candidate{Label: "150x150", Path: f.file(t, "p-150x150-copy.jpg", 10), Width: 150, Height: 150},
		discovery.Candidate{Label: "medium", Path: f.file(t, "p-300x200.jpg", 20), Width: 300, Height: 200},
		discovery.Candidate{Label: "medium-retina", Path: f.file(t, "p-300x200@2x.jpg", 40), Width: 600, Height: 400},
		discovery.Candidate{Label: "large", Path: f.file(t, "p-private.jpg", 30), Width: 1024, Height: 683},
		discovery.Candidate{Label: "large", Path: filepath.Join(f.dir, "missing.jpg"), Width: 1, Height: 1},
		discovery.Candidate{Label: "notes", Path: f.file(t, "p.txt", 5)},
	)
	if _, err := f.scanner.StartScan(ctx, []int64{1}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}

	result, err := f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if result.Queued != 2 {
		t.Errorf("Queued = %d, want 2 (full and thumbnail)", result.Queued)
	}

	pending, err := f.db.NextPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, r := range pending {
		got[r.Resize] = true
	}
	if !got[discovery.LabelFull] || !got["thumbnail"] {
		t.Errorf("pending labels = %v, want full and thumbnail", got)
	}
}

type attachmentStore map[int64]*database.Attachment

func (s attachmentStore) GetAttachment(_ context.Context, id int64) (*database.Attachment, error) {
	if a, ok := s[id]; ok {
		return a, nil
	}
	return nil, database.ErrAttachmentNotFound
}

func TestScanTick_RetinaAndRegularSizeWithSameDimensions(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	orig := f.file(t, "photo.jpg", 90)
	retina := f.file(t, "photo-150x150@2x.jpg", 40)
	medium := f.file(t, "photo-300x300.jpg", 40)

	attachments := attachmentStore{1: {ID: 1, Path: orig, MimeType: "image/jpeg"}}
	f.scanner.jobs = discovery.NewFolderResolver(attachments, settings.Default())

	if _, err := f.scanner.StartScan(ctx, []int64{1}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}
	result, err := f.scanner.ScanTick(ctx, unbounded())
	if err != nil {
		t.Fatalf("ScanTick() error = %v", err)
	}
	if result.Queued != 3 {
		t.Errorf("Queued = %d, want 3", result.Queued)
	}

	pending, err := f.db.NextPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]string, len(pending))
	for _, r := range pending {
		got[r.Path] = r.Resize
	}
	for path, label := range map[string]string{
		orig:   discovery.LabelFull,
		retina: "thumbnail-retina",
		medium: "medium",
	} {
		if got[database.CanonicalPath(path)] != label {
			t.Errorf("pending %s resize = %q, want %q", filepath.Base(path), got[database.CanonicalPath(path)], label)
		}
	}
}

func TestScanTick_ForceAndLevelRaise(t *testing.T) {
	t.Parallel()

	cfg := settings.Default()
	f := setup(t, cfg)
	ctx := context.Background()

	path := f.file(t, "done.jpg", 100)
	if _, err := f.db.Upsert(ctx, path, database.RecordUpdate{OrigSize: 150, ImageSize: 100, Level: 10}); err != nil {
		t.Fatal(err)
	}
	f.addJob(1, discovery.Candidate{Label: discovery.LabelFull, Path: path})

	run := func(bc *batch.Context) ScanResult {
		t.Helper()
		if err := f.store.Reset(); err != nil {
			t.Fatal(err)
		}
		if _, err := f.scanner.StartScan(ctx, []int64{1}, scanstate.ModeBulk); err != nil {
			t.Fatal(err)
		}
		result, err := f.scanner.ScanTick(ctx, bc)
		if err != nil {
			t.Fatal(err)
		}
		return result
	}

	if result := run(unbounded()); result.Queued != 0 {
		t.Errorf("unchanged file queued %d paths, want 0", result.Queued)
	}
	if result := run(batch.New(0, true)); result.Queued != 1 {
		t.Errorf("forced scan queued %d paths, want 1", result.Queued)
	}

	if _, err := f.db.ResetPending(ctx); err != nil {
		t.Fatal(err)
	}
	f.scanner.settings.SetLevel(imagetypes.Jpeg, imagetypes.LevelLossy)
	if result := run(unbounded()); result.Queued != 1 {
		t.Errorf("scan after level raise queued %d paths, want 1", result.Queued)
	}
}

func TestScanTick_Superseded(t *testing.T) {
	t.Parallel()

	f := setup(t, settings.Default())
	ctx := context.Background()

	f.addJob(1, discovery.Candidate{Label: discovery.LabelFull, Path: f.file(t, "s.png", 10)})
	if _, err := f.scanner.StartScan(ctx, []int64{1}, scanstate.ModeBulk); err != nil {
		t.Fatal(err)
	}
	f.jobs.hook = func(int64) {
		_ = f.store.Update(func(st *scanstate.State) error {
			st.Token = "newer"
			return nil
		})
	}

	if _, err := f.scanner.ScanTick(ctx, unbounded()); !errors.Is(err, scanstate.ErrSuperseded) {
		t.Errorf("ScanTick() error = %v, want ErrSuperseded", err)
	}
	st, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(st.Remaining, []int64{1}) {
		t.Errorf("Remaining = %v, want [1] kept for the newer run", st.Remaining)
	}
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
