package fanout

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/settings"
	"image-optimizer/internal/workers"
)

// DispatchFunc optimizes and persists one claimed row. It returns an error
// only for conditions that should stop the fan-out: quota exhaustion,
// cancellation or a ledger failure.
type DispatchFunc func(ctx context.Context, bc *batch.Context, rec database.ImageRecord) error

// Ledger is the part of the database the controller needs.
type Ledger interface {
	ReleaseClaim(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, results string) error
}

// Result summarizes one fan-out.
type Result struct {
	Completed int
	// Incomplete rows were released at the deadline.
	Incomplete    int
	QuotaExceeded bool
}

// Controller runs fan-outs.
type Controller struct {
	ledger     Ledger
	maxThreads int
	wait       time.Duration
}

// New creates a Controller from the bulk configuration.
func New(ledger Ledger, cfg settings.Bulk) *Controller {
	wait := cfg.FanOutWait
	if wait <= 0 {
		wait = settings.Default().Bulk.FanOutWait
	}
	return &Controller{
		ledger:     ledger,
		maxThreads: workers.FanOutWindow(cfg.MaxThreads),
		wait:       wait,
	}
}

// Window returns the maximum number of rows in flight.
func (c *Controller) Window() int {
	return c.maxThreads
}

type done struct {
	id  int64
	err error
}

// Run dispatches rows, at most Window at a time, and waits for them, the
// wait budget or a dispatch error, whichever comes first. Quota exhaustion is
// reported in Result. The returned error is ctx's error, or the first dispatch
// error that is neither quota nor cancellation.
func (c *Controller) Run(ctx context.Context, bc *batch.Context, rows []database.ImageRecord, dispatch DispatchFunc) (Result, error) {
	var result Result
	if len(rows) == 0 {
		return result, nil
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, c.wait)
	defer cancelWait()

	g, gctx := errgroup.WithContext(waitCtx)
	g.SetLimit(c.maxThreads)

	finished := make(chan done, len(rows))
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for _, rec := range rows {
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				metrics.FanOutInFlight.Inc()
				defer metrics.FanOutInFlight.Dec()

				err := dispatch(gctx, bc.ForJob(rec.AttachmentID, rec.Resize), rec)
				finished <- done{id: rec.ID, err: err}
				return err
			})
		}
	}()

	completed := make(map[int64]bool, len(rows))
	var failure error
	for len(completed) < len(rows) && gctx.Err() == nil {
		select {
		case d := <-finished:
			c.record(d, completed, &result, &failure)
		case <-gctx.Done():
		}
	}

	// In-flight tasks see the cancellation and return; g.Wait must not start
	// before the feeder's last Go call.
	<-fed
	_ = g.Wait()
drain:
	for {
		select {
		case d := <-finished:
			c.record(d, completed, &result, &failure)
		default:
			break drain
		}
	}

	for _, rec := range rows {
		if completed[rec.ID] {
			continue
		}
		result.Incomplete++
		if !result.QuotaExceeded && failure == nil {
			if err := c.ledger.RecordFailure(context.WithoutCancel(ctx), rec.ID, "Fan-out wait exceeded, retrying"); err != nil {
				logging.Warn("fanout: failed to record incomplete row %d: %v", rec.ID, err)
			}
		}
		if err := c.ledger.ReleaseClaim(context.WithoutCancel(ctx), rec.ID); err != nil {
			logging.Warn("fanout: failed to release claim on row %d: %v", rec.ID, err)
		}
	}

	if result.Incomplete > 0 && !result.QuotaExceeded && failure == nil {
		metrics.FanOutIncomplete.Inc()
		bc.Log().Warn("fan-out incomplete: %d of %d rows released", result.Incomplete, len(rows))
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, failure
}

func (c *Controller) record(d done, completed map[int64]bool, result *Result, failure *error) {
	switch {
	case d.err == nil:
		completed[d.id] = true
		result.Completed++
	case errors.Is(d.err, cloud.ErrQuotaExceeded):
		result.QuotaExceeded = true
	case errors.Is(d.err, context.Canceled), errors.Is(d.err, context.DeadlineExceeded):
	case *failure == nil:
		*failure = d.err
	}
}
