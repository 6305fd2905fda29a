package scanstate

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scan.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_EmptyLoad(t *testing.T) {
	t.Parallel()

	s, _ := setupTestStore(t)
	st, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Scanning() || len(st.Queued) != 0 || st.Token != "" {
		t.Errorf("Load() on a new store = %+v, want zero state", st)
	}
}

func TestStore_SaveLoadSurvivesReopen(t *testing.T) {
	t.Parallel()

	s, path := setupTestStore(t)
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	want := State{
		Remaining:     []int64{4, 5, 6},
		Queued:        []int64{1, 2, 3},
		Token:         "01JABCDEF",
		QuotaExceeded: true,
		StartedAt:     started,
		Mode:          ModeScheduled,
	}
	if err := s.save(want); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Remaining, want.Remaining) || !slices.Equal(got.Queued, want.Queued) {
		t.Errorf("lists = %v/%v, want %v/%v", got.Remaining, got.Queued, want.Remaining, want.Queued)
	}
	if got.Token != want.Token || !got.QuotaExceeded || !got.StartedAt.Equal(started) || got.Mode != ModeScheduled {
		t.Errorf("meta = %+v", got)
	}

	token, err := reopened.Token()
	if err != nil || token != want.Token {
		t.Errorf("Token() = %q, %v, want %q", token, err, want.Token)
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, _ := setupTestStore(t)
	if err := s.save(State{Remaining: []int64{1, 2}}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Update(func(st *State) error {
		st.PopFront(2)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	st, _ := s.Load()
	if !slices.Equal(st.Remaining, []int64{1, 2}) {
		t.Errorf("Remaining = %v after failed update, want [1 2]", st.Remaining)
	}

	err = s.Update(func(st *State) error {
		st.PopFront(1)
		st.Enqueue(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	st, _ = s.Load()
	if !slices.Equal(st.Remaining, []int64{2}) || !slices.Equal(st.Queued, []int64{1}) {
		t.Errorf("after update = %v/%v, want [2]/[1]", st.Remaining, st.Queued)
	}
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()

	s, _ := setupTestStore(t)
	if err := s.save(State{Remaining: []int64{1}, Token: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	st, _ := s.Load()
	if st.Scanning() || st.Token != "" {
		t.Errorf("after Reset() = %+v", st)
	}
	if s.FileSize() <= 0 {
		t.Error("FileSize() should be positive")
	}
}

func TestDecodeIDs_Corrupt(t *testing.T) {
	t.Parallel()

	if _, err := decodeIDs([]byte{1, 2, 3}); err == nil {
		t.Error("decodeIDs() should reject a partial id")
	}
	ids, err := decodeIDs(encodeIDs([]int64{1, -1, 1 << 40}))
	if err != nil || !slices.Equal(ids, []int64{1, -1, 1 << 40}) {
		t.Errorf("round trip = %v, %v", ids, err)
	}
}
