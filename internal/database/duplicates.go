package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/logging"
)

// Resolver finds the authoritative ledger row for a path when legacy data
// holds several rows for one file under different encodings.
type Resolver struct {
	db *Database

	// fileSize is replaceable in tests
	fileSize func(path string) (int64, error)
}

// NewResolver creates a Resolver over db.
func NewResolver(db *Database) *Resolver {
	return &Resolver{db: db, fileSize: filesystem.FileSize}
}

// Resolve returns the keeper row for path, or ErrRecordNotFound. When more
// than one row matches, the losers are recorded for PurgeDuplicates; nothing
// is deleted here.
func (r *Resolver) Resolve(ctx context.Context, path string) (*ImageRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("resolve_duplicates", start, err) }()

	var rows []ImageRecord
	rows, err = r.db.findByVariants(ctx, PathVariants(path))
	if err != nil {
		return nil, err
	}

	switch len(rows) {
	case 0:
		return nil, ErrRecordNotFound
	case 1:
		return &rows[0], nil
	}

	diskSize, sizeErr := r.fileSize(CanonicalPath(path))
	keeper, losers := pickKeeper(rows, diskSize, sizeErr == nil)

	logging.WithFields(logging.Fields{
		"path":   path,
		"keeper": keeper.ID,
		"rows":   len(rows),
	}).Warn("duplicate ledger rows found")

	if err = r.db.recordDuplicates(ctx, keeper.ID, losers); err != nil {
		return nil, err
	}
	return &keeper, nil
}

// pickKeeper chooses among rows sorted by id. A row whose image_size matches
// the file on disk wins; then the row with the most complete attribution
// (attachment before resize); then the lowest id.
func pickKeeper(rows []ImageRecord, diskSize int64, haveSize bool) (ImageRecord, []ImageRecord) {
	keeperIdx := -1

	if haveSize {
		for i, row := range rows {
			if row.ImageSize > 0 && row.ImageSize == diskSize {
				keeperIdx = i
				break
			}
		}
	}

	if keeperIdx < 0 {
		best := -1
		for i, row := range rows {
			score := 0
			if row.AttachmentID > 0 {
				score += 2
			}
			if row.Resize != "" {
				score++
			}
			if score > best {
				best = score
				keeperIdx = i
			}
		}
	}

	losers := make([]ImageRecord, 0, len(rows)-1)
	for i, row := range rows {
		if i != keeperIdx {
			losers = append(losers, row)
		}
	}
	return rows[keeperIdx], losers
}

func (d *Database) findByVariants(ctx context.Context, variants []string) ([]ImageRecord, error) {
	if len(variants) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(variants)), ",")
	args := make([]any, len(variants))
	for i, v := range variants {
		args[i] = v
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE path IN ("+placeholders+") ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (d *Database) recordDuplicates(ctx context.Context, keeperID int64, losers []ImageRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	for _, loser := range losers {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO duplicate_rows (image_id, keeper_id, found_at) VALUES (?, ?, ?)
			ON CONFLICT(image_id) DO UPDATE SET keeper_id = excluded.keeper_id
		`, loser.ID, keeperID, d.now().Unix())
		if err != nil {
			return fmt.Errorf("record duplicate %d: %w", loser.ID, err)
		}
	}
	return nil
}

// CountDuplicates returns the number of rows awaiting PurgeDuplicates.
func (d *Database) CountDuplicates(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM duplicate_rows").Scan(&count)
	return count, err
}

// PurgeDuplicates is the cleanup pass: it deletes recorded losers in one
// transaction, fills empty attribution on each keeper from its losers, and
// rewrites keeper paths to canonical form.
func (d *Database) PurgeDuplicates(ctx context.Context) (int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("purge_duplicates", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	type pair struct{ loser, keeper int64 }
	var pairs []pair
	rows, err := tx.QueryContext(ctx, `
		SELECT dr.image_id, dr.keeper_id FROM duplicate_rows dr
		JOIN images k ON k.id = dr.keeper_id
		WHERE dr.image_id != dr.keeper_id
		ORDER BY dr.keeper_id, dr.image_id
	`)
	if err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}
	for rows.Next() {
		var p pair
		if err = rows.Scan(&p.loser, &p.keeper); err != nil {
			_ = rows.Close()
			return 0, errors.Join(err, tx.Rollback())
		}
		pairs = append(pairs, p)
	}
	if err = errors.Join(rows.Err(), rows.Close()); err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}

	keepers := make(map[int64]bool)
	deleted := 0
	for _, p := range pairs {
		_, err = tx.ExecContext(ctx, `
			UPDATE images SET
				gallery = CASE WHEN images.gallery = '' THEN l.gallery ELSE images.gallery END,
				attachment_id = CASE WHEN images.attachment_id = 0 THEN l.attachment_id ELSE images.attachment_id END,
				resize = CASE WHEN images.resize = '' THEN l.resize ELSE images.resize END,
				orig_size = MAX(images.orig_size, l.orig_size)
			FROM (SELECT gallery, attachment_id, resize, orig_size FROM images WHERE id = ?) AS l
			WHERE images.id = ?
		`, p.loser, p.keeper)
		if err != nil {
			return 0, errors.Join(fmt.Errorf("merge duplicate %d into %d: %w", p.loser, p.keeper, err), tx.Rollback())
		}

		result, execErr := tx.ExecContext(ctx, "DELETE FROM images WHERE id = ?", p.loser)
		if execErr != nil {
			err = execErr
			return 0, errors.Join(fmt.Errorf("delete duplicate %d: %w", p.loser, err), tx.Rollback())
		}
		if n, _ := result.RowsAffected(); n == 1 {
			deleted++
		}
		keepers[p.keeper] = true
	}

	for keeperID := range keepers {
		var path string
		if err = tx.QueryRowContext(ctx, "SELECT path FROM images WHERE id = ?", keeperID).Scan(&path); err != nil {
			return 0, errors.Join(err, tx.Rollback())
		}
		canonical := CanonicalPath(path)
		if canonical == path {
			continue
		}
		// Another row may already own the canonical spelling; the keeper then
		// keeps its legacy path rather than failing the pass.
		if _, err = tx.ExecContext(ctx, "UPDATE OR IGNORE images SET path = ? WHERE id = ?", canonical, keeperID); err != nil {
			return 0, errors.Join(err, tx.Rollback())
		}
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM duplicate_rows"); err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	if deleted > 0 {
		logging.Info("Purged %d duplicate ledger rows", deleted)
	}
	return deleted, nil
}
