package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"image-optimizer/internal/metrics"
)

const recordColumns = `id, path, gallery, attachment_id, resize, orig_size, image_size, converted,
	pending, results, level, updates, backup, updated, claim_token, claim_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ImageRecord, error) {
	var r ImageRecord
	var updated, claimUntil int64
	err := row.Scan(
		&r.ID, &r.Path, &r.Gallery, &r.AttachmentID, &r.Resize, &r.OrigSize, &r.ImageSize, &r.Converted,
		&r.Pending, &r.Results, &r.Level, &r.Updates, &r.Backup, &updated, &r.ClaimToken, &claimUntil,
	)
	if err != nil {
		return nil, err
	}
	r.Updated = time.Unix(updated, 0)
	if claimUntil > 0 {
		r.ClaimUntil = time.UnixMilli(claimUntil)
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]ImageRecord, error) {
	var records []ImageRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// FindByPath returns the ledger row for the canonical form of path.
func (d *Database) FindByPath(ctx context.Context, path string) (*ImageRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_by_path", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var record *ImageRecord
	record, err = scanRecord(d.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE path = ? ORDER BY id LIMIT 1",
		CanonicalPath(path),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// FindByID returns one ledger row.
func (d *Database) FindByID(ctx context.Context, id int64) (*ImageRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	record, err := scanRecord(d.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM images WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// FindByConverted returns the row whose converted column names path, i.e. the
// record of the file that replaced the original at path.
func (d *Database) FindByConverted(ctx context.Context, path string) (*ImageRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	record, err := scanRecord(d.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE converted = ? ORDER BY id LIMIT 1",
		CanonicalPath(path),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// Upsert records an optimization outcome for path. A new row starts with
// updates=1; an existing row gets updates+1. Either way pending and any claim
// are cleared, and orig_size never decreases.
func (d *Database) Upsert(ctx context.Context, path string, u RecordUpdate) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
	INSERT INTO images (path, gallery, attachment_id, resize, orig_size, image_size, converted,
		pending, results, level, updates, backup, updated, claim_token, claim_until)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 1, ?, ?, '', 0)
	ON CONFLICT(path) DO UPDATE SET
		orig_size = MAX(images.orig_size, excluded.orig_size),
		image_size = excluded.image_size,
		converted = CASE WHEN excluded.converted != '' THEN excluded.converted ELSE images.converted END,
		results = excluded.results,
		level = excluded.level,
		backup = CASE WHEN excluded.backup != '' THEN excluded.backup ELSE images.backup END,
		gallery = CASE WHEN images.gallery = '' THEN excluded.gallery ELSE images.gallery END,
		attachment_id = CASE WHEN images.attachment_id = 0 THEN excluded.attachment_id ELSE images.attachment_id END,
		resize = CASE WHEN images.resize = '' THEN excluded.resize ELSE images.resize END,
		pending = 0,
		updates = images.updates + 1,
		updated = excluded.updated,
		claim_token = '',
		claim_until = 0
	RETURNING id
	`

	var converted string
	if u.Converted != "" {
		converted = CanonicalPath(u.Converted)
	}

	var id int64
	err = d.db.QueryRowContext(ctx, query,
		CanonicalPath(path), u.Gallery, u.AttachmentID, u.Resize,
		u.OrigSize, u.ImageSize, converted,
		u.Results, u.Level, u.Backup, d.now().Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", path, err)
	}
	metrics.DBRowsAffected.WithLabelValues("upsert").Observe(1)
	return id, nil
}

// Complete records an outcome on an existing row by id with the merge rules
// of Upsert. Rows queued under a legacy path spelling keep their id this way.
func (d *Database) Complete(ctx context.Context, id int64, u RecordUpdate) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("complete", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var converted string
	if u.Converted != "" {
		converted = CanonicalPath(u.Converted)
	}

	var result sql.Result
	result, err = d.db.ExecContext(ctx, `
	UPDATE images SET
		orig_size = MAX(orig_size, ?),
		image_size = ?,
		converted = CASE WHEN ? != '' THEN ? ELSE converted END,
		results = ?,
		level = ?,
		backup = CASE WHEN ? != '' THEN ? ELSE backup END,
		gallery = CASE WHEN gallery = '' THEN ? ELSE gallery END,
		attachment_id = CASE WHEN attachment_id = 0 THEN ? ELSE attachment_id END,
		resize = CASE WHEN resize = '' THEN ? ELSE resize END,
		pending = 0,
		updates = updates + 1,
		updated = ?,
		claim_token = '',
		claim_until = 0
	WHERE id = ?
	`,
		u.OrigSize, u.ImageSize, converted, converted, u.Results, u.Level, u.Backup, u.Backup,
		u.Gallery, u.AttachmentID, u.Resize, d.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("complete %d: %w", id, err)
	}
	if recordRows("complete", result) == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const markPendingQuery = `
	INSERT INTO images (path, gallery, attachment_id, resize, pending, updates, updated)
	VALUES (?, ?, ?, ?, 1, 0, ?)
	ON CONFLICT(path) DO UPDATE SET
		pending = 1,
		gallery = CASE WHEN images.gallery = '' THEN excluded.gallery ELSE images.gallery END,
		attachment_id = CASE WHEN images.attachment_id = 0 THEN excluded.attachment_id ELSE images.attachment_id END,
		resize = CASE WHEN images.resize = '' THEN excluded.resize ELSE images.resize END,
		updated = excluded.updated
	`

const markPendingIDQuery = `
	UPDATE images SET
		pending = 1,
		gallery = CASE WHEN gallery = '' THEN ? ELSE gallery END,
		attachment_id = CASE WHEN attachment_id = 0 THEN ? ELSE attachment_id END,
		resize = CASE WHEN resize = '' THEN ? ELSE resize END,
		updated = ?
	WHERE id = ?
	`

// MarkPending queues path for work. Attribution fields are only filled when
// the row has none yet. A row created here has updates=0 until its first
// Upsert.
func (d *Database) MarkPending(ctx context.Context, path string, attr Attribution) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("mark_pending", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, markPendingQuery,
		CanonicalPath(path), attr.Gallery, attr.AttachmentID, attr.Resize, d.now().Unix())
	return err
}

// MarkPendingID queues an existing row by id.
func (d *Database) MarkPendingID(ctx context.Context, id int64, attr Attribution) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("mark_pending", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var result sql.Result
	result, err = d.db.ExecContext(ctx, markPendingIDQuery, attr.Gallery, attr.AttachmentID, attr.Resize, d.now().Unix(), id)
	if err != nil {
		return err
	}
	if recordRows("mark_pending", result) == 0 {
		err = ErrRecordNotFound
	}
	return err
}

// MarkPendingBatch queues many paths inside a transaction from BeginBatch.
func (d *Database) MarkPendingBatch(tx *sql.Tx, rows []PendingRow) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("mark_pending_batch", start, err) }()

	var byPath, byID *sql.Stmt
	byPath, err = tx.PrepareContext(context.Background(), markPendingQuery)
	if err != nil {
		return err
	}
	defer func() { _ = byPath.Close() }()

	byID, err = tx.PrepareContext(context.Background(), markPendingIDQuery)
	if err != nil {
		return err
	}
	defer func() { _ = byID.Close() }()

	now := d.now().Unix()
	for _, row := range rows {
		if row.ID > 0 {
			_, err = byID.ExecContext(context.Background(),
				row.Gallery, row.AttachmentID, row.Resize, now, row.ID)
		} else {
			_, err = byPath.ExecContext(context.Background(),
				CanonicalPath(row.Path), row.Gallery, row.AttachmentID, row.Resize, now)
		}
		if err != nil {
			return fmt.Errorf("mark pending %s: %w", row.Path, err)
		}
	}
	metrics.DBRowsAffected.WithLabelValues("mark_pending_batch").Observe(float64(len(rows)))
	return nil
}

// RecordFailure stores a diagnostic on a row without clearing pending, so the
// row is retried once its claim lease runs out.
func (d *Database) RecordFailure(ctx context.Context, id int64, results string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("record_failure", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "UPDATE images SET results = ?, updated = ? WHERE id = ?",
		results, d.now().Unix(), id)
	return err
}

// Settle clears pending and any claim on a row that ended without a verified
// optimization (skipped or failed). image_size is left alone, so a failed row
// is queued again by the next scan.
func (d *Database) Settle(ctx context.Context, id int64, results string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("settle", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE images SET pending = 0, results = ?, updated = ?, claim_token = '', claim_until = 0
		WHERE id = ?
	`, results, d.now().Unix(), id)
	return err
}

// Delete removes a row, e.g. when its file vanished.
func (d *Database) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var result sql.Result
	result, err = d.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return err
	}
	recordRows("delete", result)
	return nil
}

// CountPending returns the number of rows queued for work.
func (d *Database) CountPending(ctx context.Context) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_pending", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int64
	err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images WHERE pending = 1").Scan(&count)
	return count, err
}

// NextPending lists pending rows in insertion order.
func (d *Database) NextPending(ctx context.Context, limit int) ([]ImageRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("next_pending", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = d.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE pending = 1 ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []ImageRecord
	records, err = scanRecords(rows)
	return records, err
}

// PendingForAttachment lists unclaimed pending rows of one attachment.
func (d *Database) PendingForAttachment(ctx context.Context, attachmentID int64) ([]ImageRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE pending = 1 AND attachment_id = ? AND claim_until < ? ORDER BY id",
		attachmentID, d.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// ClaimPending leases up to limit pending rows to token for lease. A row is
// only returned when this call's conditional update won it, so two ticks never
// work on the same row.
func (d *Database) ClaimPending(ctx context.Context, limit int, token string, lease time.Duration) ([]ImageRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("claim_pending", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := d.now()
	var rows *sql.Rows
	rows, err = d.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE pending = 1 AND claim_until < ? ORDER BY id LIMIT ?",
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var candidates []ImageRecord
	candidates, err = scanRecords(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	until := now.Add(lease)
	claimed := make([]ImageRecord, 0, len(candidates))
	for _, c := range candidates {
		var result sql.Result
		result, err = d.db.ExecContext(ctx, `
			UPDATE images SET claim_token = ?, claim_until = ?
			WHERE id = ? AND pending = 1 AND claim_until < ?
		`, token, until.UnixMilli(), c.ID, now.UnixMilli())
		if err != nil {
			return claimed, err
		}
		if n, _ := result.RowsAffected(); n != 1 {
			continue
		}
		c.ClaimToken = token
		c.ClaimUntil = time.UnixMilli(until.UnixMilli())
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// ClaimRows leases specific pending rows to token. Rows already held by an
// unexpired claim are left out of the result.
func (d *Database) ClaimRows(ctx context.Context, ids []int64, token string, lease time.Duration) ([]int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("claim_pending", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := d.now()
	until := now.Add(lease).UnixMilli()
	claimed := make([]int64, 0, len(ids))
	for _, id := range ids {
		var result sql.Result
		result, err = d.db.ExecContext(ctx, `
			UPDATE images SET claim_token = ?, claim_until = ?
			WHERE id = ? AND pending = 1 AND (claim_until < ? OR claim_token = ?)
		`, token, until, id, now.UnixMilli(), token)
		if err != nil {
			return claimed, err
		}
		if n, _ := result.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// ReleaseClaim returns a claimed row to the pool immediately.
func (d *Database) ReleaseClaim(ctx context.Context, id int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("release_claim", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "UPDATE images SET claim_token = '', claim_until = 0 WHERE id = ?", id)
	return err
}

// ResetPending removes pending rows that never completed and clears pending
// on the rest.
func (d *Database) ResetPending(ctx context.Context) (removed int64, err error) {
	start := time.Now()
	defer func() { recordQuery("reset_pending", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM images WHERE pending = 1 AND image_size = 0")
	if err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}
	removed = recordRows("reset_pending", result)

	_, err = tx.ExecContext(ctx, "UPDATE images SET pending = 0, claim_token = '', claim_until = 0 WHERE pending = 1")
	if err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}

	err = tx.Commit()
	return removed, err
}

// ImportRecords inserts legacy rows verbatim. Paths are not canonicalized, so
// imported rows may alias an existing file under another encoding; the
// Resolver reconciles those. Rows whose exact path already exists are skipped.
func (d *Database) ImportRecords(ctx context.Context, records []ImageRecord) (imported int64, err error) {
	start := time.Now()
	defer func() { recordQuery("import_records", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO images (path, gallery, attachment_id, resize, orig_size, image_size, converted,
			pending, results, level, updates, backup, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING
	`)
	if err != nil {
		return 0, errors.Join(err, tx.Rollback())
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if r.Path == "" {
			continue
		}
		updated := r.Updated
		if updated.IsZero() {
			updated = d.now()
		}
		var result sql.Result
		result, err = stmt.ExecContext(ctx,
			r.Path, r.Gallery, r.AttachmentID, r.Resize, r.OrigSize, r.ImageSize, r.Converted,
			r.Pending, r.Results, r.Level, r.Updates, r.Backup, updated.Unix(),
		)
		if err != nil {
			return 0, errors.Join(fmt.Errorf("import %s: %w", r.Path, err), tx.Rollback())
		}
		if n, _ := result.RowsAffected(); n == 1 {
			imported++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	metrics.DBRowsAffected.WithLabelValues("import_records").Observe(float64(imported))
	return imported, nil
}

// SavingsSummary totals the ledger.
func (d *Database) SavingsSummary(ctx context.Context) (Savings, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("savings_summary", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var s Savings
	err = d.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN image_size > 0 THEN 1 END),
			COUNT(CASE WHEN pending = 1 THEN 1 END),
			COALESCE(SUM(CASE WHEN image_size > 0 THEN orig_size END), 0),
			COALESCE(SUM(CASE WHEN image_size > 0 THEN image_size END), 0)
		FROM images
	`).Scan(&s.Files, &s.Pending, &s.OriginalBytes, &s.OptimizedBytes)
	return s, err
}
