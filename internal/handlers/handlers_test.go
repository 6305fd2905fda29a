package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/indexer"
	"image-optimizer/internal/optimizer"
	"image-optimizer/internal/scanstate"
	"image-optimizer/internal/startup"
)

type stubBulk struct {
	mu       sync.Mutex
	started  []int64
	ticks    []bulk.TickRequest
	tick     bulk.TickResult
	resetN   int64
	snapshot bulk.Snapshot
	err      error
}

func (s *stubBulk) Start(_ context.Context, ids []int64, _ scanstate.Mode) (bulk.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return bulk.StartResult{}, s.err
	}
	s.started = append([]int64(nil), ids...)
	return bulk.StartResult{Token: "run-1", Remaining: len(ids)}, nil
}

func (s *stubBulk) Tick(_ context.Context, req bulk.TickRequest) (bulk.TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, req)
	r := s.tick
	r.Token = req.Token
	return r, s.err
}

func (s *stubBulk) Reset(context.Context) (int64, error) {
	return s.resetN, s.err
}

func (s *stubBulk) Status(context.Context) (bulk.Snapshot, error) {
	return s.snapshot, s.err
}

type stubOptimizer struct {
	path  string
	force bool
	out   optimizer.Outcome
	err   error
}

func (s *stubOptimizer) OptimizeFile(_ context.Context, path string, force bool) (optimizer.Outcome, error) {
	s.path, s.force = path, force
	if s.err != nil {
		return optimizer.Outcome{}, s.err
	}
	out := s.out
	out.Path = path
	return out, nil
}

type stubIndexer struct {
	status indexer.HealthStatus
}

func (s stubIndexer) GetHealthStatus() indexer.HealthStatus { return s.status }

type stubProbe map[string]bool

func (s stubProbe) Probe() map[string]bool { return s }

// setupTestDB creates a ledger in a temporary directory.
func setupTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func do(t *testing.T, fn http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestStartBulk(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	tx, err := db.BeginBatch()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, a := range []*database.Attachment{
		{Path: "/srv/uploads/a.jpg", MimeType: "image/jpeg", Size: 10, ModTime: now},
		{Path: "/srv/uploads/b.jpg", MimeType: "image/jpeg", Size: 10, ModTime: now},
	} {
		if err := db.UpsertAttachment(tx, a, now); err != nil {
			t.Fatal(db.EndBatch(tx, err))
		}
	}
	if err := db.EndBatch(tx, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantIDs    int
	}{
		{"explicit ids", `{"ids":[4,5,6]}`, http.StatusOK, 3},
		{"all attachments", `{"all":true}`, http.StatusOK, 2},
		{"empty", `{}`, http.StatusBadRequest, 0},
		{"no body", ``, http.StatusBadRequest, 0},
		{"unknown field", `{"jobs":[1]}`, http.StatusBadRequest, 0},
		{"malformed", `{"ids":`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubBulk{}
			h := New(db, runner, &stubOptimizer{}, nil, nil, "/srv/uploads")

			w := do(t, h.StartBulk, http.MethodPost, "/api/bulk/start", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			got := decode[bulk.StartResult](t, w)
			if got.Token != "run-1" || got.Remaining != tt.wantIDs || len(runner.started) != tt.wantIDs {
				t.Errorf("StartBulk() = %+v with %d ids started, want %d", got, len(runner.started), tt.wantIDs)
			}
		})
	}
}

func TestStartBulk_Error(t *testing.T) {
	t.Parallel()

	h := New(setupTestDB(t), &stubBulk{err: errors.New("disk full")}, &stubOptimizer{}, nil, nil, "")
	w := do(t, h.StartBulk, http.MethodPost, "/api/bulk/start", `{"ids":[1]}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "disk full") {
		t.Errorf("body leaks internal error: %s", w.Body.String())
	}
}

func TestTickBulk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		result     bulk.TickResult
		wantStatus int
		wantMode   bulk.TickMode
	}{
		{"default mode", `{"token":"abc"}`, bulk.TickResult{Status: bulk.StatusMore, Completed: 3, Remaining: 7}, http.StatusOK, bulk.TickBudget},
		{"one", `{"token":"abc","mode":"one","force":true}`, bulk.TickResult{Status: bulk.StatusDone}, http.StatusOK, bulk.TickOne},
		{"quota", `{"token":"abc"}`, bulk.TickResult{Status: bulk.StatusQuotaExceeded}, http.StatusOK, bulk.TickBudget},
		{"superseded", `{"token":"abc"}`, bulk.TickResult{Status: bulk.StatusSuperseded}, http.StatusConflict, bulk.TickBudget},
		{"bad mode", `{"token":"abc","mode":"all"}`, bulk.TickResult{}, http.StatusBadRequest, ""},
		{"no token", `{"mode":"one"}`, bulk.TickResult{}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &stubBulk{tick: tt.result}
			h := New(nil, runner, &stubOptimizer{}, nil, nil, "")

			w := do(t, h.TickBulk, http.MethodPost, "/api/bulk/tick", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantMode == "" {
				if len(runner.ticks) != 0 {
					t.Error("invalid request reached the controller")
				}
				return
			}
			if len(runner.ticks) != 1 || runner.ticks[0].Mode != tt.wantMode {
				t.Fatalf("ticks = %+v, want one %s tick", runner.ticks, tt.wantMode)
			}
			got := decode[bulk.TickResult](t, w)
			if got.Status != tt.result.Status || got.Completed != tt.result.Completed || got.Token != "abc" {
				t.Errorf("TickBulk() = %+v, want %+v with token abc", got, tt.result)
			}
		})
	}
}

func TestResetAndStatus(t *testing.T) {
	t.Parallel()

	runner := &stubBulk{
		resetN: 4,
		snapshot: bulk.Snapshot{
			Token:         "run-9",
			Scanning:      true,
			ScanRemaining: 12,
			Queued:        3,
			Savings:       database.Savings{Files: 2, OriginalBytes: 300, OptimizedBytes: 200},
		},
	}
	h := New(nil, runner, &stubOptimizer{}, nil, nil, "")

	w := do(t, h.ResetBulk, http.MethodPost, "/api/bulk/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", w.Code)
	}
	if got := decode[map[string]int64](t, w); got["removed"] != 4 {
		t.Errorf("reset removed = %d, want 4", got["removed"])
	}

	w = do(t, h.BulkStatus, http.MethodGet, "/api/bulk/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}
	snap := decode[bulk.Snapshot](t, w)
	if snap.Token != "run-9" || snap.ScanRemaining != 12 || snap.Savings.SavedBytes() != 100 {
		t.Errorf("BulkStatus() = %+v", snap)
	}

	runner.err = errors.New("boom")
	if w := do(t, h.BulkStatus, http.MethodGet, "/api/bulk/status", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status with error = %d, want 500", w.Code)
	}
}

func TestOptimizeFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantPath   string
	}{
		{"relative path", `{"path":"2024/01/a.jpg"}`, nil, http.StatusOK, "/srv/uploads/2024/01/a.jpg"},
		{"absolute path", `{"path":"/srv/uploads/b.png","force":true}`, nil, http.StatusOK, "/srv/uploads/b.png"},
		{"missing path", `{}`, nil, http.StatusBadRequest, ""},
		{"traversal", `{"path":"../etc/passwd"}`, fmt.Errorf("%w: ../etc/passwd", optimizer.ErrPathTraversal), http.StatusForbidden, ""},
		{"unsupported", `{"path":"a.txt"}`, optimizer.ErrUnsupportedType, http.StatusUnsupportedMediaType, ""},
		{"unwritable", `{"path":"a.jpg"}`, optimizer.ErrUnwritable, http.StatusConflict, ""},
		{"quota", `{"path":"a.jpg"}`, fmt.Errorf("submit: %w", cloud.ErrQuotaExceeded), http.StatusTooManyRequests, ""},
		{"internal", `{"path":"a.jpg"}`, errors.New("database is locked"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opt := &stubOptimizer{
				err: tt.err,
				out: optimizer.Outcome{
					Kind: imagetypes.Jpeg, State: optimizer.StateDoneOK,
					OrigSize: 1000, ImageSize: 800, Results: optimizer.Summary(1000, 800),
				},
			}
			h := New(nil, &stubBulk{}, opt, nil, nil, "/srv/uploads")

			w := do(t, h.OptimizeFile, http.MethodPost, "/api/optimize", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			got := decode[OptimizeResponse](t, w)
			if got.Path != filepath.FromSlash(tt.wantPath) || got.Saved != 200 || got.State != optimizer.StateDoneOK {
				t.Errorf("OptimizeFile() = %+v, want path %s with 200 saved", got, tt.wantPath)
			}
			if got.Kind != "jpeg" {
				t.Errorf("Kind = %q, want jpeg", got.Kind)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		h := New(db, &stubBulk{}, &stubOptimizer{}, stubIndexer{status: indexer.HealthStatus{LastIndexed: time.Now()}},
			stubProbe{"jpegtran": true, "optipng": false}, "")
		w := do(t, h.HealthCheck, http.MethodGet, "/healthz", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		got := decode[HealthResponse](t, w)
		if got.Status != statusHealthy || !got.Ready || got.Version != startup.Version {
			t.Errorf("HealthCheck() = %+v, want healthy and ready", got)
		}
		if !got.Tools["jpegtran"] || got.Tools["optipng"] {
			t.Errorf("Tools = %v", got.Tools)
		}
		if got.Savings == nil || got.LastIndexed == "" {
			t.Errorf("HealthCheck() missing savings or lastIndexed: %+v", got)
		}
	})

	t.Run("index error degrades", func(t *testing.T) {
		t.Parallel()
		h := New(db, &stubBulk{}, &stubOptimizer{}, stubIndexer{status: indexer.HealthStatus{LastError: "permission denied"}}, nil, "")
		w := do(t, h.HealthCheck, http.MethodGet, "/healthz", "")
		got := decode[HealthResponse](t, w)
		if w.Code != http.StatusOK || got.Status != statusDegraded || got.IndexError == "" {
			t.Errorf("HealthCheck() = %d %+v, want 200 degraded", w.Code, got)
		}
	})

	t.Run("no database", func(t *testing.T) {
		t.Parallel()
		h := New(nil, &stubBulk{}, &stubOptimizer{}, nil, nil, "")
		w := do(t, h.HealthCheck, http.MethodGet, "/healthz", "")
		got := decode[HealthResponse](t, w)
		if w.Code != http.StatusServiceUnavailable || got.Status != statusDown || got.Ready {
			t.Errorf("HealthCheck() = %d %+v, want 503 unhealthy", w.Code, got)
		}
	})
}

func TestLivenessAndReadiness(t *testing.T) {
	t.Parallel()

	h := New(setupTestDB(t), &stubBulk{}, &stubOptimizer{}, nil, nil, "")

	w := do(t, h.LivenessCheck, http.MethodGet, "/livez", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "alive") {
		t.Errorf("LivenessCheck() = %d %q", w.Code, w.Body.String())
	}
	w = do(t, h.LivenessCheck, http.MethodHead, "/livez", "")
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("LivenessCheck(HEAD) = %d with %d body bytes, want 200 and none", w.Code, w.Body.Len())
	}

	w = do(t, h.ReadinessCheck, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Errorf("ReadinessCheck() = %d, want 200", w.Code)
	}

	down := New(nil, &stubBulk{}, &stubOptimizer{}, nil, nil, "")
	w = do(t, down.ReadinessCheck, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ReadinessCheck() without database = %d, want 503", w.Code)
	}
}

func TestGetVersion(t *testing.T) {
	t.Parallel()

	h := &Handlers{}
	w := do(t, h.GetVersion, http.MethodGet, "/version", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	got := decode[startup.BuildInfo](t, w)
	if got.Version != startup.Version || got.GoVersion == "" {
		t.Errorf("GetVersion() = %+v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	if _, err := db.Upsert(context.Background(), "/srv/uploads/a.jpg", database.RecordUpdate{OrigSize: 100, ImageSize: 60}); err != nil {
		t.Fatal(err)
	}
	h := New(db, &stubBulk{}, &stubOptimizer{}, nil, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	h.MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"optimizer_ledger_records", "optimizer_pending_rows", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
