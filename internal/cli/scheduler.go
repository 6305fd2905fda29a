package cli

import (
	"context"
	"errors"
	"time"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/scanstate"
)

// runner is the part of bulk.Controller the scheduler drives.
type runner interface {
	Start(ctx context.Context, ids []int64, mode scanstate.Mode) (bulk.StartResult, error)
	Run(ctx context.Context, token string, force bool) (bulk.TickResult, error)
	Status(ctx context.Context) (bulk.Snapshot, error)
}

// throttler reports memory pressure.
type throttler interface {
	ShouldThrottle() bool
	GetStats() (current, limit int64, usage float64)
}

// scheduler runs the whole library on an interval, and early when an index
// run completes.
type scheduler struct {
	runner   runner
	ids      func(ctx context.Context) ([]int64, error)
	interval time.Duration
	trigger  chan struct{}
	// memory defers runs above the high water mark; nil disables the check.
	memory throttler
}

func newScheduler(r runner, ids func(ctx context.Context) ([]int64, error), interval time.Duration) *scheduler {
	return &scheduler{
		runner:   r,
		ids:      ids,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a run without waiting for the next interval. It never
// blocks.
func (s *scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is done.
func (s *scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.trigger:
			}
			if _, err := s.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("Scheduled optimization failed: %v", err)
			}
		}
	}()
}

// runOnce continues an unfinished run, or starts a scheduled run over every
// attachment, and ticks it to the end.
func (s *scheduler) runOnce(ctx context.Context) (bulk.TickResult, error) {
	if s.memory != nil && s.memory.ShouldThrottle() {
		current, limit, usage := s.memory.GetStats()
		logging.Warn("Scheduled optimization deferred: memory at %.1f%% (%d of %d bytes)", usage*100, current, limit)
		return bulk.TickResult{Status: bulk.StatusMore, LastResult: "Deferred under memory pressure"}, nil
	}

	snap, err := s.runner.Status(ctx)
	if err != nil {
		return bulk.TickResult{}, err
	}

	// A run stopped by the quota keeps its token so the next tick asks the
	// remote API whether the quota is back.
	token := snap.Token
	if token == "" || !(snap.Scanning || snap.Savings.Pending > 0 || snap.QuotaExceeded) {
		ids, err := s.ids(ctx)
		if err != nil {
			return bulk.TickResult{}, err
		}
		if len(ids) == 0 {
			logging.Debug("Scheduled optimization: nothing indexed yet")
			return bulk.TickResult{Status: bulk.StatusDone}, nil
		}
		start, err := s.runner.Start(ctx, ids, scanstate.ModeScheduled)
		if err != nil {
			return bulk.TickResult{}, err
		}
		token = start.Token
	}

	result, err := s.runner.Run(ctx, token, false)
	if err != nil {
		return result, err
	}
	switch result.Status {
	case bulk.StatusQuotaExceeded:
		logging.Warn("Scheduled optimization stopped: remote quota exceeded")
	case bulk.StatusSuperseded:
		logging.Info("Scheduled optimization superseded by another run")
	default:
		if after, err := s.runner.Status(ctx); err == nil {
			logging.Info("Scheduled optimization finished: %s (%.1f%% saved overall)", result.LastResult, after.Savings.Percent())
		} else {
			logging.Info("Scheduled optimization finished: %s", result.LastResult)
		}
	}
	return result, nil
}
