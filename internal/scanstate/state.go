package scanstate

import (
	"errors"
	"time"
)

// ErrSuperseded is returned when a newer run replaced the token a caller
// started with.
var ErrSuperseded = errors.New("scan superseded by a newer run")

// Mode records who started a scan.
type Mode string

const (
	ModeBulk      Mode = "bulk"
	ModeScheduled Mode = "scheduled"
)

// State is the persisted scan cycle.
type State struct {
	Remaining     []int64   `json:"remaining"`
	Queued        []int64   `json:"queued"`
	Token         string    `json:"token"`
	QuotaExceeded bool      `json:"quotaExceeded"`
	StartedAt     time.Time `json:"startedAt"`
	Mode          Mode      `json:"mode"`

	queuedSet map[int64]struct{}
}

// Scanning reports whether ids are left to expand.
func (s *State) Scanning() bool {
	return len(s.Remaining) > 0
}

// PopFront removes and returns up to n ids from the front of Remaining.
func (s *State) PopFront(n int) []int64 {
	if n > len(s.Remaining) {
		n = len(s.Remaining)
	}
	batch := make([]int64, n)
	copy(batch, s.Remaining[:n])
	s.Remaining = s.Remaining[n:]
	return batch
}

// PushFront returns ids to the front of Remaining, in order.
func (s *State) PushFront(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	remaining := make([]int64, 0, len(ids)+len(s.Remaining))
	remaining = append(remaining, ids...)
	s.Remaining = append(remaining, s.Remaining...)
}

// Enqueue appends id to Queued unless it is already there.
func (s *State) Enqueue(id int64) bool {
	if s.queuedSet == nil {
		s.queuedSet = make(map[int64]struct{}, len(s.Queued))
		for _, q := range s.Queued {
			s.queuedSet[q] = struct{}{}
		}
	}
	if _, ok := s.queuedSet[id]; ok {
		return false
	}
	s.queuedSet[id] = struct{}{}
	s.Queued = append(s.Queued, id)
	return true
}

// IsQueued reports whether id was already expanded this cycle.
func (s *State) IsQueued(id int64) bool {
	if s.queuedSet != nil {
		_, ok := s.queuedSet[id]
		return ok
	}
	for _, q := range s.Queued {
		if q == id {
			return true
		}
	}
	return false
}

// ClearLists empties Remaining and Queued together.
func (s *State) ClearLists() {
	s.Remaining = nil
	s.Queued = nil
	s.queuedSet = nil
}
