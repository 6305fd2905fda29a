package optimizer

import (
	"context"
	"errors"
	"fmt"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/database"
)

// Persist writes an outcome to the ledger:
//
//   - vanished files lose their row
//   - skipped and failed files are settled (pending cleared, size untouched)
//   - done files are completed, by id when the job has a row
//   - a conversion records the new path and drops the row of the old one
//
// Quota outcomes are not persisted; the caller releases the claim instead.
func Persist(ctx context.Context, db *database.Database, job FileJob, out Outcome) error {
	switch {
	case out.QuotaExceeded:
		return nil
	case out.Vanished:
		if job.ID == 0 {
			return nil
		}
		return db.Delete(ctx, job.ID)
	case out.State == StateSkipped, out.State == StateDoneFailed:
		if job.ID == 0 {
			return nil
		}
		return db.Settle(ctx, job.ID, out.Results)
	case !out.State.Done():
		return fmt.Errorf("cannot persist state %s", out.State)
	}

	update := out.Update(job.Attribution)

	if out.Converted != "" {
		id, err := db.Upsert(ctx, out.Path, update)
		if err != nil {
			return err
		}
		if job.ID != 0 && job.ID != id {
			return db.Delete(ctx, job.ID)
		}
		return nil
	}

	if job.ID != 0 {
		err := db.Complete(ctx, job.ID, update)
		if !errors.Is(err, database.ErrRecordNotFound) {
			return err
		}
	}
	_, err := db.Upsert(ctx, out.Path, update)
	return err
}

// OptimizeFile optimizes a single path outside the batch loop and persists
// the outcome. force re-optimizes a file whose recorded size matches.
func (d *Dispatcher) OptimizeFile(ctx context.Context, path string, force bool) (Outcome, error) {
	bc := batch.New(0, force)
	job := FileJob{Path: path}

	if abs, err := d.validatePath(path); err == nil {
		rec, err := d.records.Resolve(ctx, abs)
		switch {
		case err == nil:
			job = JobFromRecord(*rec)
			job.Path = abs
		case !errors.Is(err, database.ErrRecordNotFound):
			return Outcome{Path: path, State: StateNew}, err
		}
	}

	out, err := d.Optimize(ctx, bc, job)
	if err != nil {
		return out, err
	}
	if err := Persist(ctx, d.db, job, out); err != nil {
		return out, fmt.Errorf("failed to record outcome for %s: %w", path, err)
	}
	return out, nil
}
